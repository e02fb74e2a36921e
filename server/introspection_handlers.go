package server

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/models"
)

// HandleIntrospectionRequest RFC 7662 token introspection. Unknown, expired
// and revoked tokens all produce the same inactive answer.
func (s *Server) HandleIntrospectionRequest(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	_ = r.ParseForm()

	if r.Method != http.MethodPost {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}
	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		// A bearer token presented by the caller also authorizes
		// introspection, on behalf of the client it was issued to.
		grant, _, berr := s.validateBearerToken(r)
		if berr != nil {
			return s.tokenError(w, err)
		}
		client, err = s.Clients.GetByID(ctx, grant.ClientID)
		if err != nil {
			return s.tokenError(w, errors.ErrInvalidClient)
		}
	}

	tokenValue := r.Form.Get("token")
	if tokenValue == "" {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}
	hint := r.Form.Get("token_type_hint")

	data := map[string]interface{}{"active": false}

	grant, token := s.findToken(r, tokenValue, hint)
	if token != nil && token.IsValid() {
		data = map[string]interface{}{
			"active":     true,
			"scope":      models.JoinScopes(grant.Scopes),
			"client_id":  grant.ClientID,
			"token_type": s.Config.TokenType,
			"exp":        token.ExpirationTime().Unix(),
			"iat":        token.CreatedAt.Unix(),
			"iss":        s.Config.Issuer,
			"aud":        grant.ClientID,
		}
		if grant.UserID != "" {
			data["sub"] = grant.UserID
			data["username"] = grant.UserID
		}
		if grant.ACRValues != "" {
			data["acr"] = grant.ACRValues
		}
		if !grant.AuthenticationTime.IsZero() {
			data["auth_time"] = grant.AuthenticationTime.Unix()
		}
		if token.X5tS256 != "" {
			data["cnf"] = map[string]string{"x5t#S256": token.X5tS256}
		}
	}

	if r.Form.Get("response_as_jwt") == "true" {
		signed, err := s.signIntrospection(client, data)
		if err != nil {
			return s.tokenError(w, err)
		}
		w.Header().Set("Content-Type", "application/token-introspection+jwt")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, err = w.Write([]byte(signed))
		return err
	}

	return s.token(w, data, nil)
}

// findToken resolves the grant and token record for an introspected or
// revoked token, trying the hinted index first.
func (s *Server) findToken(r *http.Request, tokenValue, hint string) (*models.Grant, *models.Token) {
	ctx := r.Context()

	byRefresh := func() (*models.Grant, *models.Token) {
		if grant, err := s.Grants.GetByRefreshToken(ctx, tokenValue); err == nil {
			return grant, grant.RefreshToken(tokenValue)
		}
		return nil, nil
	}
	byAccess := func() (*models.Grant, *models.Token) {
		if grant, err := s.Grants.GetByAccessToken(ctx, tokenValue); err == nil {
			return grant, grant.AccessToken(tokenValue)
		}
		return nil, nil
	}

	if hint == "refresh_token" {
		if g, t := byRefresh(); t != nil {
			return g, t
		}
		return byAccess()
	}
	if g, t := byAccess(); t != nil {
		return g, t
	}
	return byRefresh()
}

func (s *Server) signIntrospection(client *models.Client, data map[string]interface{}) (string, error) {
	claims := jwt.MapClaims{
		"iss": s.Config.Issuer,
		"aud": client.ID,
		"iat": time.Now().Unix(),
		"jti": uuid.NewString(),
	}
	for k, v := range data {
		claims[k] = v
	}

	t := jwt.NewWithClaims(s.AccessGenerate.SignedMethod, claims)
	t.Header["typ"] = "token-introspection+jwt"
	if s.AccessGenerate.SignedKeyID != "" {
		t.Header["kid"] = s.AccessGenerate.SignedKeyID
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(s.AccessGenerate.SignedKey)
	if err != nil {
		return "", err
	}
	return t.SignedString(key)
}

// HandleRevocationRequest RFC 7009 token revocation. Revoking any token of a
// grant voids the whole grant; unknown tokens succeed silently.
func (s *Server) HandleRevocationRequest(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	_ = r.ParseForm()

	if r.Method != http.MethodPost {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}
	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		return s.tokenError(w, err)
	}

	tokenValue := r.Form.Get("token")
	if tokenValue == "" {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	grant, token := s.findToken(r, tokenValue, r.Form.Get("token_type_hint"))
	if token != nil {
		if grant.ClientID != client.ID {
			return s.tokenError(w, errors.ErrInvalidClient)
		}
		if err := s.Grants.Remove(ctx, grant.ID); err != nil {
			return s.tokenError(w, err)
		}
	}

	w.WriteHeader(http.StatusOK)
	return nil
}
