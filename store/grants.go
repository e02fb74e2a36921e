package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/veridian-io/authserver/models"
)

// ErrGrantNotFound indicates no grant matches the lookup key. Lookups by a
// consumed authorization code report the same error as lookups by a code that
// never existed.
var ErrGrantNotFound = errors.New("grant not found")

// GrantStore keeps authorization grants and their token indexes in buntdb.
// Every mutation runs in a single Update transaction, which is what makes
// code redemption at-most-once.
type GrantStore struct {
	db  *buntdb.DB
	ttl time.Duration
}

// NewGrantStore opens a grant store at path. Use ":memory:" for tests.
func NewGrantStore(path string, ttl time.Duration) (*GrantStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &GrantStore{db: db, ttl: ttl}, nil
}

// NewGrantStoreWithDB wraps an existing buntdb handle.
func NewGrantStoreWithDB(db *buntdb.DB, ttl time.Duration) *GrantStore {
	return &GrantStore{db: db, ttl: ttl}
}

// Close closes the underlying database.
func (s *GrantStore) Close() error { return s.db.Close() }

func grantKey(id string) string      { return "grant:" + id }
func codeKey(code string) string     { return "code:" + code }
func accessKey(code string) string   { return "access:" + code }
func refreshKey(code string) string  { return "refresh:" + code }
func authReqKey(id string) string    { return "authreq:" + id }
func deviceKey(code string) string   { return "device:" + code }
func userCodeKey(code string) string { return "usercode:" + code }

func (s *GrantStore) options() *buntdb.SetOptions {
	if s.ttl <= 0 {
		return nil
	}
	return &buntdb.SetOptions{Expires: true, TTL: s.ttl}
}

// Save persists the grant and rebuilds its token indexes.
func (s *GrantStore) Save(ctx context.Context, grant *models.Grant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	opts := s.options()
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(grantKey(grant.ID), string(data), opts); err != nil {
			return err
		}
		if grant.AuthorizationCode != nil {
			if _, _, err := tx.Set(codeKey(grant.AuthorizationCode.Code), grant.ID, opts); err != nil {
				return err
			}
		}
		for _, t := range grant.AccessTokens {
			if _, _, err := tx.Set(accessKey(t.Code), grant.ID, opts); err != nil {
				return err
			}
		}
		for _, t := range grant.RefreshTokens {
			if _, _, err := tx.Set(refreshKey(t.Code), grant.ID, opts); err != nil {
				return err
			}
		}
		if grant.AuthReqID != "" {
			if _, _, err := tx.Set(authReqKey(grant.AuthReqID), grant.ID, opts); err != nil {
				return err
			}
		}
		if grant.DeviceCode != "" {
			if _, _, err := tx.Set(deviceKey(grant.DeviceCode), grant.ID, opts); err != nil {
				return err
			}
		}
		if grant.UserCode != "" {
			if _, _, err := tx.Set(userCodeKey(grant.UserCode), grant.ID, opts); err != nil {
				return err
			}
		}
		return nil
	})
}

func loadGrant(tx *buntdb.Tx, id string) (*models.Grant, error) {
	raw, err := tx.Get(grantKey(id))
	if err != nil {
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	var grant models.Grant
	if err := json.Unmarshal([]byte(raw), &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func (s *GrantStore) getByIndex(key string) (*models.Grant, error) {
	var grant *models.Grant
	err := s.db.View(func(tx *buntdb.Tx) error {
		id, err := tx.Get(key)
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return ErrGrantNotFound
			}
			return err
		}
		grant, err = loadGrant(tx, id)
		return err
	})
	return grant, err
}

// GetByID returns the grant with the given id.
func (s *GrantStore) GetByID(ctx context.Context, id string) (*models.Grant, error) {
	var grant *models.Grant
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		grant, err = loadGrant(tx, id)
		return err
	})
	return grant, err
}

// GetByAccessToken returns the grant that issued the access token.
func (s *GrantStore) GetByAccessToken(ctx context.Context, code string) (*models.Grant, error) {
	return s.getByIndex(accessKey(code))
}

// GetByRefreshToken returns the grant that issued the refresh token.
func (s *GrantStore) GetByRefreshToken(ctx context.Context, code string) (*models.Grant, error) {
	return s.getByIndex(refreshKey(code))
}

// GetByAuthReqID returns the backchannel grant for the auth_req_id.
func (s *GrantStore) GetByAuthReqID(ctx context.Context, authReqID string) (*models.Grant, error) {
	return s.getByIndex(authReqKey(authReqID))
}

// GetByDeviceCode returns the device grant for the device code.
func (s *GrantStore) GetByDeviceCode(ctx context.Context, deviceCode string) (*models.Grant, error) {
	return s.getByIndex(deviceKey(deviceCode))
}

// GetByUserCode returns the device grant for the user code.
func (s *GrantStore) GetByUserCode(ctx context.Context, userCode string) (*models.Grant, error) {
	return s.getByIndex(userCodeKey(userCode))
}

// RedeemCode atomically consumes an authorization code: the code index entry
// is removed and the grant saved back without its code in the same
// transaction, so a second redemption of the same code cannot succeed. The
// returned grant still carries the redeemed code token so the caller can
// check its expiry.
func (s *GrantStore) RedeemCode(ctx context.Context, code string) (*models.Grant, error) {
	var grant *models.Grant
	err := s.db.Update(func(tx *buntdb.Tx) error {
		id, err := tx.Get(codeKey(code))
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return ErrGrantNotFound
			}
			return err
		}
		if _, err := tx.Delete(codeKey(code)); err != nil {
			return err
		}
		grant, err = loadGrant(tx, id)
		if err != nil {
			return err
		}
		stored := *grant
		stored.AuthorizationCode = nil
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(grantKey(id), string(data), s.options())
		return err
	})
	return grant, err
}

// RemoveByCode deletes every grant that ever issued the given authorization
// code, along with all tokens those grants issued. This is the replayed-code
// response: a code seen twice voids everything derived from it.
func (s *GrantStore) RemoveByCode(ctx context.Context, code string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		var ids []string
		if id, err := tx.Get(codeKey(code)); err == nil {
			ids = append(ids, id)
		}
		// consumed codes no longer have an index entry; scan for grants that
		// recorded the code at issuance
		err := tx.AscendKeys("grant:*", func(key, value string) bool {
			var g models.Grant
			if err := json.Unmarshal([]byte(value), &g); err != nil {
				return true
			}
			if g.IssuedCode == code {
				ids = append(ids, g.ID)
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := removeGrant(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove deletes a grant and all its token indexes.
func (s *GrantStore) Remove(ctx context.Context, id string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return removeGrant(tx, id)
	})
}

func removeGrant(tx *buntdb.Tx, id string) error {
	grant, err := loadGrant(tx, id)
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			return nil
		}
		return err
	}
	keys := make([]string, 0, 8)
	keys = append(keys, grantKey(id))
	if grant.AuthorizationCode != nil {
		keys = append(keys, codeKey(grant.AuthorizationCode.Code))
	}
	for _, t := range grant.AccessTokens {
		keys = append(keys, accessKey(t.Code))
	}
	for _, t := range grant.RefreshTokens {
		keys = append(keys, refreshKey(t.Code))
	}
	if grant.AuthReqID != "" {
		keys = append(keys, authReqKey(grant.AuthReqID))
	}
	if grant.DeviceCode != "" {
		keys = append(keys, deviceKey(grant.DeviceCode))
	}
	if grant.UserCode != "" {
		keys = append(keys, userCodeKey(grant.UserCode))
	}
	for _, k := range keys {
		if _, err := tx.Delete(k); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
	}
	return nil
}

// RemoveBySession deletes every grant bound to the given session. Used on
// logout to void what the session authorized.
func (s *GrantStore) RemoveBySession(ctx context.Context, sessionDN string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		var ids []string
		err := tx.AscendKeys("grant:*", func(key, value string) bool {
			var g models.Grant
			if err := json.Unmarshal([]byte(value), &g); err != nil {
				return true
			}
			if g.SessionDN == sessionDN {
				ids = append(ids, g.ID)
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := removeGrant(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}
