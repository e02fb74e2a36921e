package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-io/authserver/authorize"
	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/generates"
	"github.com/veridian-io/authserver/models"
	"github.com/veridian-io/authserver/store"
)

// Grant type identifiers handled by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypePassword          = "password"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeCIBA              = "urn:openid:params:grant-type:ciba"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// clientCredentials extracts client id and secret from Basic auth, falling
// back to the form body.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.Form.Get("client_id"), r.Form.Get("client_secret")
}

// authenticateClient resolves and authenticates the requesting client.
// Public clients pass with the bare client_id.
func (s *Server) authenticateClient(ctx context.Context, r *http.Request) (*models.Client, error) {
	id, secret := clientCredentials(r)
	if id == "" {
		return nil, errors.ErrInvalidClient
	}
	client, err := s.Clients.GetByID(ctx, id)
	if err != nil {
		return nil, errors.ErrInvalidClient
	}
	if client.Disabled {
		return nil, errors.ErrDisabledClient
	}
	if client.Public {
		return client, nil
	}
	if !store.VerifySecret(client.Secret, secret) {
		s.audit().ClientAuthFailed(id)
		return nil, errors.ErrInvalidClient
	}
	return client, nil
}

// HandleTokenRequest the token endpoint.
func (s *Server) HandleTokenRequest(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	_ = r.ParseForm()

	if !s.Config.AllowGetAccessRequest && r.Method != http.MethodPost {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	gt := r.Form.Get("grant_type")
	if gt == "" || !s.checkGrantType(gt) {
		return s.tokenError(w, errors.ErrUnsupportedGrantType)
	}

	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		return s.tokenError(w, err)
	}
	if !client.HasGrantType(gt) {
		return s.tokenError(w, errors.ErrUnauthorizedClient)
	}

	var grant *models.Grant
	switch gt {
	case GrantTypeAuthorizationCode:
		grant, err = s.handleAuthorizationCodeGrant(ctx, r, client)
	case GrantTypePassword:
		grant, err = s.handlePasswordGrant(ctx, r, client)
	case GrantTypeClientCredentials:
		grant, err = s.handleClientCredentialsGrant(ctx, r, client)
	case GrantTypeRefreshToken:
		grant, err = s.handleRefreshTokenGrant(ctx, r, client)
	case GrantTypeCIBA:
		grant, err = s.handleCIBAGrant(ctx, r, client)
	case GrantTypeDeviceCode:
		grant, err = s.handleDeviceCodeGrant(ctx, r, client)
	default:
		return s.tokenError(w, errors.ErrUnsupportedGrantType)
	}
	if err != nil {
		return s.tokenError(w, err)
	}

	issueRefresh := s.shouldIssueRefresh(client, grant)
	issueID := true
	if gt == GrantTypeRefreshToken {
		issueRefresh = client.HasGrantType(GrantTypeRefreshToken) && s.Config.RefreshRotation.GenerateNew
		issueID = s.Config.OpenidScopeBackwardCompatibility
	}
	data, err := s.issueTokens(ctx, r, client, grant, issueRefresh, issueID)
	if err != nil {
		return s.tokenError(w, err)
	}

	s.audit().TokenIssued(client.ID, grant.UserID, grant.Kind, grant.Scopes)
	return s.token(w, data, nil)
}

// handleAuthorizationCodeGrant redeems a single-use code. A code that misses
// the index was either never issued or already consumed; both void every
// grant the code ever produced before failing the request.
func (s *Server) handleAuthorizationCodeGrant(ctx context.Context, r *http.Request, client *models.Client) (*models.Grant, error) {
	code := r.Form.Get("code")
	if code == "" {
		return nil, errors.ErrInvalidRequest
	}

	grant, err := s.Grants.RedeemCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrGrantNotFound) {
			s.audit().CodeReplayed(client.ID)
			_ = s.Grants.RemoveByCode(ctx, code)
			return nil, errors.ErrInvalidGrant
		}
		return nil, err
	}

	if grant.ClientID != client.ID {
		_ = s.Grants.RemoveByCode(ctx, code)
		return nil, errors.ErrInvalidClient
	}
	if grant.AuthorizationCode == nil || !grant.AuthorizationCode.IsValid() {
		return nil, errors.ErrInvalidGrant
	}
	if grant.RedirectURI != "" && r.Form.Get("redirect_uri") != grant.RedirectURI {
		return nil, errors.ErrInvalidGrant
	}

	if grant.CodeChallenge != "" {
		verifier := r.Form.Get("code_verifier")
		if !authorize.VerifyCodeChallenge(grant.CodeChallenge, grant.CodeChallengeMethod, verifier) {
			return nil, errors.WithStatus(&authorize.Error{
				Err:    errors.ErrInvalidGrant,
				Reason: "PKCE verification failed",
			}, http.StatusUnauthorized)
		}
	} else if s.Config.ForcePKCE || s.Config.FAPIMode {
		return nil, errors.ErrInvalidGrant
	}

	grant.AuthorizationCode = nil
	return grant, nil
}

func (s *Server) handlePasswordGrant(ctx context.Context, r *http.Request, client *models.Client) (*models.Grant, error) {
	username := r.Form.Get("username")
	password := r.Form.Get("password")
	if username == "" || password == "" {
		return nil, errors.ErrInvalidRequest
	}
	userID, err := s.PasswordAuthorizationHandler(ctx, client.ID, username, password)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errors.ErrInvalidGrant
	}
	grant := s.newTokenGrant(models.GrantPassword, client, userID, r.Form.Get("scope"), tokenBindingHash(r))

	// bind to a browser session when the caller carries one
	if s.Sessions != nil {
		if cookie, err := r.Cookie("sid"); err == nil {
			if session, err := s.Sessions.Get(ctx, cookie.Value); err == nil && session.UserID == userID {
				session.SetAttribute(models.SessionAttrAuthorizedGrant, string(models.GrantPassword))
				_ = s.Sessions.Save(ctx, session)
				grant.SessionDN = session.ID
			}
		}
	}
	return grant, nil
}

func (s *Server) handleClientCredentialsGrant(ctx context.Context, r *http.Request, client *models.Client) (*models.Grant, error) {
	if client.Public {
		return nil, errors.ErrUnauthorizedClient
	}
	return s.newTokenGrant(models.GrantClientCredentials, client, "", r.Form.Get("scope"), tokenBindingHash(r)), nil
}

// newTokenGrant builds a grant for the flows that start at the token
// endpoint, narrowing the requested scope to the client registration.
func (s *Server) newTokenGrant(kind models.GrantKind, client *models.Client, userID, scope, binding string) *models.Grant {
	scopes := make([]string, 0)
	for _, sc := range models.SplitScopes(scope) {
		if client.HasScope(sc) {
			scopes = append(scopes, sc)
		}
	}
	if scope == "" {
		scopes = client.Scopes
	}
	return &models.Grant{
		ID:               uuid.NewString(),
		Kind:             kind,
		ClientID:         client.ID,
		UserID:           userID,
		Scopes:           scopes,
		TokenBindingHash: binding,
		CreatedAt:        time.Now(),
	}
}

func (s *Server) handleRefreshTokenGrant(ctx context.Context, r *http.Request, client *models.Client) (*models.Grant, error) {
	refresh := r.Form.Get("refresh_token")
	if refresh == "" {
		return nil, errors.ErrInvalidRequest
	}
	grant, err := s.Grants.GetByRefreshToken(ctx, refresh)
	if err != nil {
		if errors.Is(err, store.ErrGrantNotFound) {
			return nil, errors.ErrInvalidGrant
		}
		return nil, err
	}
	if grant.ClientID != client.ID {
		return nil, errors.ErrInvalidClient
	}
	token := grant.RefreshToken(refresh)
	if !token.IsValid() {
		return nil, errors.ErrExpiredToken
	}

	// optional down-scoping on refresh
	if requested := r.Form.Get("scope"); requested != "" {
		narrowed := grant.CheckScopesPolicy(requested)
		if narrowed == "" {
			return nil, errors.ErrInvalidScope
		}
		grant.Scopes = models.SplitScopes(narrowed)
	}

	rot := s.Config.RefreshRotation
	if rot.RemoveOldAccess {
		grant.AccessTokens = nil
	}
	if rot.GenerateNew && rot.RemoveOldRefresh {
		kept := grant.RefreshTokens[:0]
		for _, t := range grant.RefreshTokens {
			if t.Code != refresh {
				kept = append(kept, t)
			}
		}
		grant.RefreshTokens = kept
	}
	return grant, nil
}

func (s *Server) handleCIBAGrant(ctx context.Context, r *http.Request, client *models.Client) (*models.Grant, error) {
	authReqID := r.Form.Get("auth_req_id")
	if authReqID == "" {
		return nil, errors.ErrInvalidRequest
	}

	// a grant bound to the auth_req_id means the user already approved
	if grant, err := s.Grants.GetByAuthReqID(ctx, authReqID); err == nil {
		if grant.ClientID != client.ID {
			return nil, errors.ErrInvalidClient
		}
		if grant.TokensDelivered {
			return nil, errors.ErrInvalidGrant
		}
		grant.TokensDelivered = true
		return grant, nil
	}

	req, err := s.Backchannel.GetCiba(ctx, authReqID)
	if err != nil {
		return nil, errors.ErrInvalidGrant
	}
	if req.ClientID != client.ID {
		return nil, errors.ErrInvalidClient
	}

	switch req.EffectiveStatus() {
	case models.BackchannelDenied:
		return nil, errors.ErrAccessDenied
	case models.BackchannelExpired:
		return nil, errors.ErrExpiredToken
	}

	// pending: pace the polling
	previous, err := s.Backchannel.TouchCiba(ctx, authReqID, time.Now())
	if err != nil {
		return nil, err
	}
	if previous > 0 && time.Since(time.UnixMilli(previous)) < s.Config.CIBA.PollInterval {
		return nil, errors.ErrSlowDown
	}
	return nil, errors.ErrAuthorizationPending
}

func (s *Server) handleDeviceCodeGrant(ctx context.Context, r *http.Request, client *models.Client) (*models.Grant, error) {
	deviceCode := r.Form.Get("device_code")
	if deviceCode == "" {
		return nil, errors.ErrInvalidRequest
	}

	if grant, err := s.Grants.GetByDeviceCode(ctx, deviceCode); err == nil {
		if grant.ClientID != client.ID {
			return nil, errors.ErrInvalidClient
		}
		if grant.TokensDelivered {
			return nil, errors.ErrInvalidGrant
		}
		grant.TokensDelivered = true
		return grant, nil
	}

	auth, err := s.Backchannel.GetDevice(ctx, deviceCode)
	if err != nil {
		return nil, errors.ErrInvalidGrant
	}
	if auth.ClientID != client.ID {
		return nil, errors.ErrInvalidClient
	}

	switch auth.EffectiveStatus() {
	case models.BackchannelDenied:
		return nil, errors.ErrAccessDenied
	case models.BackchannelExpired:
		return nil, errors.ErrExpiredToken
	}

	previous, err := s.Backchannel.TouchDevice(ctx, deviceCode, time.Now())
	if err != nil {
		return nil, err
	}
	if previous > 0 && time.Since(time.UnixMilli(previous)) < s.Config.Device.PollInterval {
		return nil, errors.ErrSlowDown
	}
	return nil, errors.ErrAuthorizationPending
}

// issueTokens mints the access token, and where the grant calls for them the
// refresh and ID tokens, then persists the grant.
func (s *Server) issueTokens(ctx context.Context, r *http.Request, client *models.Client, grant *models.Grant, issueRefresh, issueID bool) (map[string]interface{}, error) {
	binding := tokenBindingHash(r)
	if binding != "" {
		grant.TokenBindingHash = binding
	}

	accessRecord := newToken("", s.Config.AccessTokenLifetime)
	access, err := s.AccessGenerate.Token(ctx, client, grant, accessRecord)
	if err != nil {
		return nil, err
	}
	accessRecord.Code = access
	accessRecord.X5tS256 = grant.TokenBindingHash
	grant.AccessTokens = append(grant.AccessTokens, accessRecord)

	data := map[string]interface{}{
		"access_token": access,
		"token_type":   s.Config.TokenType,
		"expires_in":   accessRecord.ExpiresInSeconds(),
		"scope":        models.JoinScopes(grant.Scopes),
	}

	if issueRefresh {
		refresh := generates.RefreshToken(access)
		grant.RefreshTokens = append(grant.RefreshTokens, newToken(refresh, s.Config.RefreshTokenLifetime))
		data["refresh_token"] = refresh
	}

	if issueID && grant.HasScope(models.ScopeOpenID) && grant.UserID != "" && s.IDTokenGenerate != nil {
		idToken, err := s.IDTokenGenerate.Token(ctx, generates.IDTokenParams{
			Client:      client,
			Grant:       grant,
			AccessToken: access,
		})
		if err != nil {
			return nil, err
		}
		grant.IDTokens = append(grant.IDTokens, newToken(idToken, s.Config.IDTokenLifetime))
		data["id_token"] = idToken
	}

	if fn := s.ExtensionFieldsHandler; fn != nil {
		for k, v := range fn(grant) {
			data[k] = v
		}
	}

	if grant.AuthReqID != "" {
		data["auth_req_id"] = grant.AuthReqID
	}

	if err := s.Grants.Save(ctx, grant); err != nil {
		return nil, err
	}
	return data, nil
}

// shouldIssueRefresh refresh tokens go to confidential flows whose client
// holds the refresh_token grant type; browser-issued flows additionally need
// offline_access.
func (s *Server) shouldIssueRefresh(client *models.Client, grant *models.Grant) bool {
	if !client.HasGrantType(GrantTypeRefreshToken) {
		return false
	}
	switch grant.Kind {
	case models.GrantClientCredentials, models.GrantImplicit:
		return false
	case models.GrantAuthorizationCode:
		return grant.HasScope(models.ScopeOfflineAccess) || len(grant.RefreshTokens) == 0
	case models.GrantPassword, models.GrantCIBA, models.GrantDeviceCode:
		return len(grant.RefreshTokens) == 0
	}
	return false
}
