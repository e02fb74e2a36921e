package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/veridian-io/authserver/models"
)

// ErrClientNotFound indicates the client id is not registered.
var ErrClientNotFound = errors.New("client not found")

// ClientStore in-memory client registry for tests and the example setup.
type ClientStore struct {
	sync.RWMutex
	data map[string]*models.Client
}

// NewClientStore create client store (memory)
func NewClientStore() *ClientStore {
	return &ClientStore{data: make(map[string]*models.Client)}
}

// GetByID according to the ID for the client information
func (cs *ClientStore) GetByID(ctx context.Context, id string) (*models.Client, error) {
	cs.RLock()
	defer cs.RUnlock()

	if c, ok := cs.data[id]; ok {
		return c, nil
	}
	return nil, ErrClientNotFound
}

// Set set client information
func (cs *ClientStore) Set(id string, cli *models.Client) error {
	cs.Lock()
	defer cs.Unlock()

	cs.data[id] = cli
	return nil
}

// Upsert stores a client registration, matching the persistent store API.
func (cs *ClientStore) Upsert(ctx context.Context, cli *models.Client) error {
	return cs.Set(cli.ID, cli)
}

// --- Persistent client store ---

type DBClientStore struct{ DB *gorm.DB }

func NewDBClientStore(db *gorm.DB) *DBClientStore { return &DBClientStore{DB: db} }

// Upsert creates or updates a client registration.
func (s *DBClientStore) Upsert(ctx context.Context, c *models.Client) error {
	return s.DB.WithContext(ctx).Save(c).Error
}

// GetByID returns the client registration for id.
func (s *DBClientStore) GetByID(ctx context.Context, id string) (*models.Client, error) {
	var c models.Client
	err := s.DB.WithContext(ctx).First(&c, "client_id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return &c, nil
}

// List returns a page of clients ordered by id.
func (s *DBClientStore) List(ctx context.Context, offset, limit int) ([]models.Client, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	var out []models.Client
	err := s.DB.WithContext(ctx).Order("client_id").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

// Delete removes a client registration.
func (s *DBClientStore) Delete(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Delete(&models.Client{}, "client_id = ?", id).Error
}

// VerifySecret checks a presented client secret in constant time. The stored
// secret stays recoverable because HS-signed request objects and
// secret-derived JWE keys need the plaintext.
func VerifySecret(stored, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// HashPassword produces the stored bcrypt hash for a user password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyPassword checks a user password against the stored hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
