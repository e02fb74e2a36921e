package generates

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/models"
)

// Confirmation RFC 8473 token binding confirmation.
type Confirmation struct {
	X5tS256 string `json:"x5t#S256,omitempty"`
}

// JWTAccessClaims jwt claims
type JWTAccessClaims struct {
	jwt.RegisteredClaims
	ClientID string        `json:"client_id,omitempty"`
	Scope    string        `json:"scope,omitempty"`
	ACR      string        `json:"acr,omitempty"`
	AuthTime int64         `json:"auth_time,omitempty"`
	Cnf      *Confirmation `json:"cnf,omitempty"`
}

// Valid claims verification
func (a *JWTAccessClaims) Valid() error {
	if a.ExpiresAt != nil && a.ExpiresAt.Before(time.Now()) {
		return errors.ErrExpiredToken
	}
	return nil
}

// NewJWTAccessGenerate create to generate the jwt access token instance
func NewJWTAccessGenerate(issuer, kid string, key []byte, method jwt.SigningMethod) *JWTAccessGenerate {
	return &JWTAccessGenerate{
		Issuer:       issuer,
		SignedKeyID:  kid,
		SignedKey:    key,
		SignedMethod: method,
	}
}

// JWTAccessGenerate generate the jwt access token
type JWTAccessGenerate struct {
	Issuer       string
	SignedKeyID  string
	SignedKey    []byte
	SignedMethod jwt.SigningMethod
}

// Token mints a signed access token for the grant. The token record carries
// the creation time and lifetime; the grant contributes subject, scope and
// the binding confirmation.
func (a *JWTAccessGenerate) Token(ctx context.Context, client *models.Client, grant *models.Grant, token *models.Token) (string, error) {
	subject := grant.UserID
	if subject == "" {
		subject = client.ID
	}

	claims := &JWTAccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.Issuer,
			Audience:  jwt.ClaimStrings{client.ID},
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(token.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpirationTime()),
		},
		ClientID: client.ID,
		Scope:    models.JoinScopes(grant.Scopes),
	}
	if grant.ACRValues != "" {
		claims.ACR = grant.ACRValues
	}
	if !grant.AuthenticationTime.IsZero() {
		claims.AuthTime = grant.AuthenticationTime.Unix()
	}
	if grant.TokenBindingHash != "" {
		claims.Cnf = &Confirmation{X5tS256: grant.TokenBindingHash}
	}

	t := jwt.NewWithClaims(a.SignedMethod, claims)
	if a.SignedKeyID != "" {
		t.Header["kid"] = a.SignedKeyID
	}
	key, err := a.signingKey()
	if err != nil {
		return "", err
	}
	return t.SignedString(key)
}

func (a *JWTAccessGenerate) signingKey() (interface{}, error) {
	switch {
	case a.isEs():
		return jwt.ParseECPrivateKeyFromPEM(a.SignedKey)
	case a.isRsOrPS():
		return jwt.ParseRSAPrivateKeyFromPEM(a.SignedKey)
	case a.isHs():
		return a.SignedKey, nil
	case a.isEd():
		return jwt.ParseEdPrivateKeyFromPEM(a.SignedKey)
	}
	return nil, errors.New("unsupported sign method")
}

func (a *JWTAccessGenerate) isEs() bool {
	return strings.HasPrefix(a.SignedMethod.Alg(), "ES")
}

func (a *JWTAccessGenerate) isRsOrPS() bool {
	isRs := strings.HasPrefix(a.SignedMethod.Alg(), "RS")
	isPs := strings.HasPrefix(a.SignedMethod.Alg(), "PS")
	return isRs || isPs
}

func (a *JWTAccessGenerate) isHs() bool { return strings.HasPrefix(a.SignedMethod.Alg(), "HS") }
func (a *JWTAccessGenerate) isEd() bool { return strings.HasPrefix(a.SignedMethod.Alg(), "Ed") }
