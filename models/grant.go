package models

import "time"

// GrantKind discriminates the authorization grant variants.
type GrantKind string

const (
	GrantAuthorizationCode GrantKind = "authorization_code"
	GrantImplicit          GrantKind = "implicit"
	GrantClientCredentials GrantKind = "client_credentials"
	GrantPassword          GrantKind = "password"
	GrantCIBA              GrantKind = "ciba"
	GrantDeviceCode        GrantKind = "device_code"
)

// Grant a server-side authorization grant: the record binding a client, an
// optional user and a scope set to the tokens issued for one authorization.
// Tokens are attached during issuance; the record is persisted through the
// grant store.
type Grant struct {
	ID       string    `json:"id"`
	Kind     GrantKind `json:"kind"`
	ClientID string    `json:"client_id"`
	UserID   string    `json:"user_id,omitempty"`

	Scopes              []string `json:"scopes,omitempty"`
	ACRValues           string   `json:"acr_values,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	Claims              string   `json:"claims,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	TokenBindingHash    string   `json:"token_binding_hash,omitempty"`
	SessionDN           string   `json:"session_dn,omitempty"`
	RedirectURI         string   `json:"redirect_uri,omitempty"`

	AuthenticationTime time.Time `json:"authentication_time,omitempty"`
	CreatedAt          time.Time `json:"created_at"`

	// Zero or one live authorization code.
	AuthorizationCode *Token `json:"authorization_code,omitempty"`

	// The code this grant was issued under, kept after redemption so a
	// replayed code can be traced back to everything it produced.
	IssuedCode string `json:"issued_code,omitempty"`

	AccessTokens  []*Token `json:"access_tokens,omitempty"`
	RefreshTokens []*Token `json:"refresh_tokens,omitempty"`
	IDTokens      []*Token `json:"id_tokens,omitempty"`

	// CIBA specifics.
	AuthReqID               string `json:"auth_req_id,omitempty"`
	ClientNotificationToken string `json:"client_notification_token,omitempty"`
	TokensDelivered         bool   `json:"tokens_delivered,omitempty"`

	// Device flow specifics.
	DeviceCode string `json:"device_code,omitempty"`
	UserCode   string `json:"user_code,omitempty"`
}

// HasScope reports whether the grant carries scope s.
func (g *Grant) HasScope(s string) bool {
	for _, v := range g.Scopes {
		if v == s {
			return true
		}
	}
	return false
}

// AccessToken returns the issued access token with the given code, or nil.
func (g *Grant) AccessToken(code string) *Token {
	for _, t := range g.AccessTokens {
		if t.Code == code {
			return t
		}
	}
	return nil
}

// RefreshToken returns the issued refresh token with the given code, or nil.
func (g *Grant) RefreshToken(code string) *Token {
	for _, t := range g.RefreshTokens {
		if t.Code == code {
			return t
		}
	}
	return nil
}

// CheckScopesPolicy narrows a requested space-separated scope string to the
// scopes the grant actually carries. An empty intersection yields "".
func (g *Grant) CheckScopesPolicy(requested string) string {
	out := ""
	for _, s := range SplitScopes(requested) {
		if g.HasScope(s) {
			if out != "" {
				out += " "
			}
			out += s
		}
	}
	return out
}
