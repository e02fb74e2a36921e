package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/veridian-io/authserver/models"
)

// ErrSessionNotFound indicates the session id is unknown or expired.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore keeps server-side user sessions in buntdb, indexed by the
// internal id and the outside sid that goes into ID tokens.
type SessionStore struct {
	db  *buntdb.DB
	ttl time.Duration
}

// NewSessionStore opens a session store at path. Use ":memory:" for tests.
func NewSessionStore(path string, ttl time.Duration) (*SessionStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &SessionStore{db: db, ttl: ttl}, nil
}

// NewSessionStoreWithDB wraps an existing buntdb handle.
func NewSessionStoreWithDB(db *buntdb.DB, ttl time.Duration) *SessionStore {
	return &SessionStore{db: db, ttl: ttl}
}

// Close closes the underlying database.
func (s *SessionStore) Close() error { return s.db.Close() }

func sessionKey(id string) string { return "session:" + id }
func sidKey(sid string) string    { return "sid:" + sid }

func (s *SessionStore) options() *buntdb.SetOptions {
	if s.ttl <= 0 {
		return nil
	}
	return &buntdb.SetOptions{Expires: true, TTL: s.ttl}
}

// Save persists the session and its sid index.
func (s *SessionStore) Save(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	opts := s.options()
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(sessionKey(session.ID), string(data), opts); err != nil {
			return err
		}
		if session.OutsideSID != "" {
			if _, _, err := tx.Set(sidKey(session.OutsideSID), session.ID, opts); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the session with the given internal id.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var session *models.Session
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(sessionKey(id))
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		session = &models.Session{}
		return json.Unmarshal([]byte(raw), session)
	})
	return session, err
}

// GetByOutsideSID returns the session carrying the given outside sid.
func (s *SessionStore) GetByOutsideSID(ctx context.Context, sid string) (*models.Session, error) {
	var session *models.Session
	err := s.db.View(func(tx *buntdb.Tx) error {
		id, err := tx.Get(sidKey(sid))
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		raw, err := tx.Get(sessionKey(id))
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		session = &models.Session{}
		return json.Unmarshal([]byte(raw), session)
	})
	return session, err
}

// Remove deletes the session and its sid index.
func (s *SessionStore) Remove(ctx context.Context, id string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(sessionKey(id))
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return nil
			}
			return err
		}
		var session models.Session
		if err := json.Unmarshal([]byte(raw), &session); err == nil && session.OutsideSID != "" {
			if _, err := tx.Delete(sidKey(session.OutsideSID)); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		_, err = tx.Delete(sessionKey(id))
		return err
	})
}
