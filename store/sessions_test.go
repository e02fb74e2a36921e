package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veridian-io/authserver/models"
)

func newTestSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(":memory:", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestSessionStore(t)
	ctx := context.Background()

	sess := &models.Session{
		ID:                 "sess-1",
		OutsideSID:         "sid-1",
		UserID:             "u1",
		State:              models.SessionAuthenticated,
		AuthenticationTime: time.Now(),
	}
	sess.AddPermission("c1", true)
	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u1" || !got.IsAuthenticated() {
		t.Errorf("session round trip: %+v", got)
	}
	if !got.IsPermissionGranted("c1") {
		t.Error("granted permission lost")
	}

	bySID, err := s.GetByOutsideSID(ctx, "sid-1")
	if err != nil || bySID.ID != "sess-1" {
		t.Errorf("outside sid lookup: %v, %v", bySID, err)
	}
}

func TestSessionRemove(t *testing.T) {
	s := newTestSessionStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "sess-1", OutsideSID: "sid-1"}
	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("removed session: got %v", err)
	}
}

func TestSessionUnknown(t *testing.T) {
	s := newTestSessionStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: got %v", err)
	}
}
