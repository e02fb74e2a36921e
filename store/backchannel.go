package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/veridian-io/authserver/models"
)

// ErrRequestNotFound indicates no pending backchannel or device authorization
// matches the lookup key.
var ErrRequestNotFound = errors.New("authorization request not found")

// BackchannelStore keeps CIBA requests and device authorizations in buntdb.
// Both share the token-poll pacing mechanics, so they share a store.
type BackchannelStore struct {
	db *buntdb.DB
}

// Records outlive their logical expiry by this much so the token endpoint can
// answer expired_token instead of invalid_grant.
const expiryGrace = 5 * time.Minute

// NewBackchannelStore opens a backchannel store at path.
func NewBackchannelStore(path string) (*BackchannelStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &BackchannelStore{db: db}, nil
}

// NewBackchannelStoreWithDB wraps an existing buntdb handle.
func NewBackchannelStoreWithDB(db *buntdb.DB) *BackchannelStore {
	return &BackchannelStore{db: db}
}

// Close closes the underlying database.
func (s *BackchannelStore) Close() error { return s.db.Close() }

func cibaKey(authReqID string) string   { return "ciba:" + authReqID }
func devKey(deviceCode string) string   { return "dev:" + deviceCode }
func devUserKey(userCode string) string { return "devuser:" + userCode }

func (s *BackchannelStore) save(key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var opts *buntdb.SetOptions
	if ttl > 0 {
		opts = &buntdb.SetOptions{Expires: true, TTL: ttl}
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(data), opts)
		return err
	})
}

func (s *BackchannelStore) load(key string, v interface{}) error {
	return s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(key)
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return ErrRequestNotFound
			}
			return err
		}
		return json.Unmarshal([]byte(raw), v)
	})
}

// SaveCiba persists a CIBA request for its requested lifetime.
func (s *BackchannelStore) SaveCiba(ctx context.Context, req *models.CibaRequest) error {
	ttl := req.ExpiresIn
	if ttl > 0 {
		ttl += expiryGrace
	}
	return s.save(cibaKey(req.AuthReqID), req, ttl)
}

// GetCiba returns the CIBA request with the given auth_req_id.
func (s *BackchannelStore) GetCiba(ctx context.Context, authReqID string) (*models.CibaRequest, error) {
	var req models.CibaRequest
	if err := s.load(cibaKey(authReqID), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// UpdateCibaStatus moves a CIBA request to a terminal or granted state.
// userID is recorded on grant.
func (s *BackchannelStore) UpdateCibaStatus(ctx context.Context, authReqID string, status models.BackchannelStatus, userID string) error {
	return s.mutate(cibaKey(authReqID), func(raw string) (string, error) {
		var req models.CibaRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return "", err
		}
		req.Status = status
		if userID != "" {
			req.UserID = userID
		}
		out, err := json.Marshal(&req)
		return string(out), err
	})
}

// TouchCiba records a token-endpoint poll and returns the previous poll time
// in unix milliseconds, zero on the first poll. Read and write happen in one
// transaction so concurrent polls cannot both observe the same previous time.
func (s *BackchannelStore) TouchCiba(ctx context.Context, authReqID string, now time.Time) (int64, error) {
	var previous int64
	err := s.mutate(cibaKey(authReqID), func(raw string) (string, error) {
		var req models.CibaRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return "", err
		}
		previous = req.LastAccessControl
		req.LastAccessControl = now.UnixMilli()
		out, err := json.Marshal(&req)
		return string(out), err
	})
	return previous, err
}

// RemoveCiba deletes a CIBA request.
func (s *BackchannelStore) RemoveCiba(ctx context.Context, authReqID string) error {
	return s.remove(cibaKey(authReqID))
}

// SaveDevice persists a device authorization and its user-code index.
func (s *BackchannelStore) SaveDevice(ctx context.Context, auth *models.DeviceAuthorization) error {
	data, err := json.Marshal(auth)
	if err != nil {
		return err
	}
	var opts *buntdb.SetOptions
	if auth.ExpiresIn > 0 {
		opts = &buntdb.SetOptions{Expires: true, TTL: auth.ExpiresIn + expiryGrace}
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(devKey(auth.DeviceCode), string(data), opts); err != nil {
			return err
		}
		_, _, err := tx.Set(devUserKey(auth.UserCode), auth.DeviceCode, opts)
		return err
	})
}

// GetDevice returns the device authorization for the device code.
func (s *BackchannelStore) GetDevice(ctx context.Context, deviceCode string) (*models.DeviceAuthorization, error) {
	var auth models.DeviceAuthorization
	if err := s.load(devKey(deviceCode), &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

// GetDeviceByUserCode returns the device authorization the user code points
// at.
func (s *BackchannelStore) GetDeviceByUserCode(ctx context.Context, userCode string) (*models.DeviceAuthorization, error) {
	var deviceCode string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(devUserKey(userCode))
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return ErrRequestNotFound
			}
			return err
		}
		deviceCode = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetDevice(ctx, deviceCode)
}

// UpdateDeviceStatus moves a device authorization to a terminal or granted
// state. userID is recorded on grant.
func (s *BackchannelStore) UpdateDeviceStatus(ctx context.Context, deviceCode string, status models.BackchannelStatus, userID string) error {
	return s.mutate(devKey(deviceCode), func(raw string) (string, error) {
		var auth models.DeviceAuthorization
		if err := json.Unmarshal([]byte(raw), &auth); err != nil {
			return "", err
		}
		auth.Status = status
		if userID != "" {
			auth.UserID = userID
		}
		out, err := json.Marshal(&auth)
		return string(out), err
	})
}

// TouchDevice records a token-endpoint poll, as TouchCiba does for CIBA.
func (s *BackchannelStore) TouchDevice(ctx context.Context, deviceCode string, now time.Time) (int64, error) {
	var previous int64
	err := s.mutate(devKey(deviceCode), func(raw string) (string, error) {
		var auth models.DeviceAuthorization
		if err := json.Unmarshal([]byte(raw), &auth); err != nil {
			return "", err
		}
		previous = auth.LastAccessControl
		auth.LastAccessControl = now.UnixMilli()
		out, err := json.Marshal(&auth)
		return string(out), err
	})
	return previous, err
}

// RemoveDevice deletes a device authorization and its user-code index.
func (s *BackchannelStore) RemoveDevice(ctx context.Context, deviceCode string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(devKey(deviceCode))
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return nil
			}
			return err
		}
		var auth models.DeviceAuthorization
		if err := json.Unmarshal([]byte(raw), &auth); err == nil && auth.UserCode != "" {
			if _, err := tx.Delete(devUserKey(auth.UserCode)); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		_, err = tx.Delete(devKey(deviceCode))
		return err
	})
}

// mutate applies fn to the value at key inside one Update transaction,
// preserving the remaining TTL.
func (s *BackchannelStore) mutate(key string, fn func(raw string) (string, error)) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(key)
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return ErrRequestNotFound
			}
			return err
		}
		next, err := fn(raw)
		if err != nil {
			return err
		}
		var opts *buntdb.SetOptions
		if ttl, err := tx.TTL(key); err == nil && ttl > 0 {
			opts = &buntdb.SetOptions{Expires: true, TTL: ttl}
		}
		_, _, err = tx.Set(key, next, opts)
		return err
	})
}

// remove deletes a single key, tolerating absence.
func (s *BackchannelStore) remove(key string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}
