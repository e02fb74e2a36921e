package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veridian-io/authserver/models"
)

func newTestBackchannelStore(t *testing.T) *BackchannelStore {
	t.Helper()
	s, err := NewBackchannelStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCibaLifecycle(t *testing.T) {
	s := newTestBackchannelStore(t)
	ctx := context.Background()

	req := &models.CibaRequest{
		AuthReqID: "req-1",
		ClientID:  "c1",
		Scopes:    []string{"openid"},
		Status:    models.BackchannelPending,
		CreatedAt: time.Now(),
		ExpiresIn: 2 * time.Minute,
	}
	if err := s.SaveCiba(ctx, req); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCiba(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.EffectiveStatus() != models.BackchannelPending {
		t.Errorf("fresh request status: %v", got.EffectiveStatus())
	}

	if err := s.UpdateCibaStatus(ctx, "req-1", models.BackchannelDenied, "u1"); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetCiba(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.BackchannelDenied || got.UserID != "u1" {
		t.Errorf("status update lost: %+v", got)
	}

	if err := s.RemoveCiba(ctx, "req-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCiba(ctx, "req-1"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("removed request: got %v", err)
	}
}

func TestTouchCibaReturnsPreviousPoll(t *testing.T) {
	s := newTestBackchannelStore(t)
	ctx := context.Background()

	req := &models.CibaRequest{
		AuthReqID: "req-1",
		ClientID:  "c1",
		Status:    models.BackchannelPending,
		CreatedAt: time.Now(),
		ExpiresIn: time.Minute,
	}
	if err := s.SaveCiba(ctx, req); err != nil {
		t.Fatal(err)
	}

	first := time.Now()
	prev, err := s.TouchCiba(ctx, "req-1", first)
	if err != nil {
		t.Fatal(err)
	}
	if prev != 0 {
		t.Errorf("first poll should see zero, got %d", prev)
	}

	second := first.Add(2 * time.Second)
	prev, err = s.TouchCiba(ctx, "req-1", second)
	if err != nil {
		t.Fatal(err)
	}
	if prev != first.UnixMilli() {
		t.Errorf("second poll should see the first poll time, got %d want %d", prev, first.UnixMilli())
	}

	if _, err := s.TouchCiba(ctx, "missing", time.Now()); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("touching a missing request: got %v", err)
	}
}

func TestCibaExpiry(t *testing.T) {
	req := &models.CibaRequest{
		Status:    models.BackchannelPending,
		CreatedAt: time.Now().Add(-3 * time.Minute),
		ExpiresIn: 2 * time.Minute,
	}
	if req.EffectiveStatus() != models.BackchannelExpired {
		t.Error("pending request past its TTL must report expired")
	}

	req.Status = models.BackchannelDenied
	if req.EffectiveStatus() != models.BackchannelDenied {
		t.Error("terminal status wins over expiry")
	}
}

func TestDeviceLifecycle(t *testing.T) {
	s := newTestBackchannelStore(t)
	ctx := context.Background()

	auth := &models.DeviceAuthorization{
		DeviceCode: "dev-1",
		UserCode:   "BCDF-GHJK",
		ClientID:   "c1",
		Scopes:     []string{"openid"},
		Status:     models.BackchannelPending,
		CreatedAt:  time.Now(),
		ExpiresIn:  10 * time.Minute,
	}
	if err := s.SaveDevice(ctx, auth); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserCode != "BCDF-GHJK" {
		t.Errorf("device round trip: %+v", got)
	}

	byUser, err := s.GetDeviceByUserCode(ctx, "BCDF-GHJK")
	if err != nil || byUser.DeviceCode != "dev-1" {
		t.Errorf("user code lookup: %v, %v", byUser, err)
	}

	if err := s.UpdateDeviceStatus(ctx, "dev-1", models.BackchannelDenied, "u1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetDevice(ctx, "dev-1")
	if got.Status != models.BackchannelDenied {
		t.Errorf("device status update lost: %+v", got)
	}

	if err := s.RemoveDevice(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDevice(ctx, "dev-1"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("removed device auth: got %v", err)
	}
	if _, err := s.GetDeviceByUserCode(ctx, "BCDF-GHJK"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("user code index should be gone: got %v", err)
	}
}
