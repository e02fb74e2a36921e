package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/veridian-io/authserver/models"
)

// Authorization a remembered user consent: this user approved these scopes
// for this client. Only written for clients with persist_authorizations set.
type Authorization struct {
	ClientID string `gorm:"primaryKey;column:client_id"`
	UserID   string `gorm:"primaryKey;column:user_id"`

	Scopes []string `gorm:"serializer:json"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName gorm table name.
func (Authorization) TableName() string { return "authorizations" }

type AuthorizationStore struct{ DB *gorm.DB }

func NewAuthorizationStore(db *gorm.DB) *AuthorizationStore {
	return &AuthorizationStore{DB: db}
}

// Save records or widens a remembered consent. Scopes accumulate so a later
// narrower request does not discard an earlier broader approval.
func (s *AuthorizationStore) Save(ctx context.Context, clientID, userID string, scopes []string) error {
	existing, err := s.Find(ctx, clientID, userID)
	if err == nil {
		for _, sc := range existing.Scopes {
			if !models.ContainsScope(scopes, sc) {
				scopes = append(scopes, sc)
			}
		}
	}
	auth := &Authorization{ClientID: clientID, UserID: userID, Scopes: scopes}
	return s.DB.WithContext(ctx).Save(auth).Error
}

// Find returns the remembered consent for the client/user pair, or
// gorm.ErrRecordNotFound.
func (s *AuthorizationStore) Find(ctx context.Context, clientID, userID string) (*Authorization, error) {
	var auth Authorization
	err := s.DB.WithContext(ctx).First(&auth, "client_id = ? AND user_id = ?", clientID, userID).Error
	if err != nil {
		return nil, err
	}
	return &auth, nil
}

// Covers reports whether a remembered consent already covers every requested
// scope.
func (s *AuthorizationStore) Covers(ctx context.Context, clientID, userID string, scopes []string) bool {
	auth, err := s.Find(ctx, clientID, userID)
	if err != nil {
		return false
	}
	for _, sc := range scopes {
		if !models.ContainsScope(auth.Scopes, sc) {
			return false
		}
	}
	return true
}

// Revoke forgets the remembered consent for the client/user pair.
func (s *AuthorizationStore) Revoke(ctx context.Context, clientID, userID string) error {
	err := s.DB.WithContext(ctx).Delete(&Authorization{}, "client_id = ? AND user_id = ?", clientID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
