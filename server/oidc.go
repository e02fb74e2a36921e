package server

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/models"
)

// HandleOIDCDiscovery serves the OpenID Provider Metadata.
func (s *Server) HandleOIDCDiscovery(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
	issuer := strings.TrimRight(s.Config.Issuer, "/")
	meta := map[string]interface{}{
		"issuer":                             issuer,
		"authorization_endpoint":             issuer + "/oauth/authorize",
		"token_endpoint":                     issuer + "/oauth/token",
		"userinfo_endpoint":                  issuer + "/oauth/userinfo",
		"introspection_endpoint":             issuer + "/oauth/introspect",
		"revocation_endpoint":                issuer + "/oauth/revoke",
		"registration_endpoint":              issuer + "/oauth/register",
		"end_session_endpoint":               issuer + "/oauth/end_session",
		"backchannel_authentication_endpoint": issuer + "/oauth/bc-authorize",
		"device_authorization_endpoint":       issuer + "/oauth/device_authorization",
		"jwks_uri":                            issuer + "/.well-known/jwks.json",
		"response_types_supported":            []string{"code", "token", "id_token", "code id_token", "code token", "id_token token", "code id_token token"},
		"response_modes_supported":            []string{"query", "fragment", "form_post"},
		"subject_types_supported":             []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email", "offline_access"},
		"grant_types_supported":                 s.Config.AllowedGrantTypes,
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"code_challenge_methods_supported":      s.Config.AllowedCodeChallengeMethods,
		"request_parameter_supported":           true,
		"request_uri_parameter_supported":       true,
		"backchannel_token_delivery_modes_supported":    []string{"poll", "ping", "push"},
		"backchannel_user_code_parameter_supported":     false,
		"introspection_signing_alg_values_supported":    []string{"RS256"},
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(meta)
}

// HandleOIDCJWKS serves the public JWKS derived from the signing key.
func (s *Server) HandleOIDCJWKS(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(s.AccessGenerate.SignedKey)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	pub := key.Public().(*rsa.PublicKey)
	jwks := map[string]interface{}{
		"keys": []map[string]interface{}{
			{
				"kty": "RSA",
				"kid": s.AccessGenerate.SignedKeyID,
				"alg": "RS256",
				"use": "sig",
				"n":   base64urlUInt(pub.N),
				"e":   base64urlUInt(big.NewInt(int64(pub.E))),
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(jwks)
}

// HandleOIDCUserInfo serves the user claims for a valid bearer access token.
func (s *Server) HandleOIDCUserInfo(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
	grant, _, err := s.validateBearerToken(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}
	if !grant.HasScope(models.ScopeOpenID) || grant.UserID == "" {
		w.WriteHeader(http.StatusForbidden)
		return nil
	}

	claims := map[string]interface{}{
		"sub": grant.UserID,
		"aud": grant.ClientID,
		"iss": strings.TrimRight(s.Config.Issuer, "/"),
	}
	if !grant.AuthenticationTime.IsZero() {
		claims["auth_time"] = grant.AuthenticationTime.Unix()
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(claims)
}

// validateBearerToken resolves the grant behind the Authorization bearer
// token.
func (s *Server) validateBearerToken(r *http.Request) (*models.Grant, *models.Token, error) {
	auth := r.Header.Get("Authorization")
	prefix := "Bearer "
	tokenValue := ""
	if strings.HasPrefix(auth, prefix) {
		tokenValue = strings.TrimSpace(auth[len(prefix):])
	} else if v := r.FormValue("access_token"); v != "" {
		tokenValue = v
	}
	if tokenValue == "" {
		return nil, nil, errors.ErrInvalidRequest
	}
	grant, err := s.Grants.GetByAccessToken(r.Context(), tokenValue)
	if err != nil {
		return nil, nil, errors.ErrInvalidGrant
	}
	token := grant.AccessToken(tokenValue)
	if !token.IsValid() {
		return nil, nil, errors.ErrExpiredToken
	}
	return grant, token, nil
}

// HandleEndSession the OIDC logout endpoint. Ends the session named by the
// id_token_hint sid claim and voids every grant the session authorized.
func (s *Server) HandleEndSession(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	_ = r.ParseForm()

	sid := ""
	if hint := r.Form.Get("id_token_hint"); hint != "" {
		if claims := unverifiedClaims(hint); claims != nil {
			if v, ok := claims["sid"].(string); ok {
				sid = v
			}
		}
	}
	if sid == "" {
		if cookie, err := r.Cookie("sid"); err == nil {
			sid = cookie.Value
		}
	}
	if sid == "" {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	session, err := s.Sessions.GetByOutsideSID(ctx, sid)
	if err != nil {
		session, err = s.Sessions.Get(ctx, sid)
	}
	if err == nil {
		_ = s.Grants.RemoveBySession(ctx, session.ID)
		_ = s.Sessions.Remove(ctx, session.ID)
		s.audit().SessionEnded(session.ID, session.UserID)
	}

	if target := r.Form.Get("post_logout_redirect_uri"); target != "" {
		w.Header().Set("Location", target)
		w.WriteHeader(http.StatusFound)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// unverifiedClaims decodes a JWT payload without verifying the signature.
// Only used for id_token_hint inspection, never for authentication.
func unverifiedClaims(token string) map[string]interface{} {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil
	}
	return claims
}

// Helper to compute base64url without padding for big.Int
func base64urlUInt(i *big.Int) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(i.Bytes()), "=")
}
