package server

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-io/authserver/authorize"
	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/generates"
	"github.com/veridian-io/authserver/models"
)

// HandleAuthorizeRequest the authorization endpoint. Validation order
// matters: client first, then request object, then redirect URI; only after
// the redirect URI is trusted do errors travel by redirect.
func (s *Server) HandleAuthorizeRequest(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	_ = r.ParseForm()

	clientID := r.Form.Get("client_id")
	if clientID == "" {
		return s.handleAuthorizeError(w, nil, errors.ErrInvalidRequest)
	}
	client, err := s.Clients.GetByID(ctx, clientID)
	if err != nil {
		return s.handleAuthorizeError(w, nil, errors.ErrUnauthorizedClient)
	}
	if client.Disabled {
		return s.handleAuthorizeError(w, nil, errors.ErrDisabledClient)
	}

	req := &AuthorizeRequest{
		ClientID: clientID,
		Client:   client,
		Request:  r,
	}

	// request object
	var ro *authorize.RequestObject
	request := r.Form.Get("request")
	requestURI := r.Form.Get("request_uri")
	if s.Config.FAPIMode && request == "" && requestURI == "" {
		return s.handleAuthorizeError(w, nil, errors.ErrInvalidRequest)
	}
	if s.RequestObjects != nil && (request != "" || requestURI != "") {
		ro, err = s.RequestObjects.Resolve(ctx, request, requestURI, client, client.Secret)
		if err != nil {
			return s.handleAuthorizeError(w, nil, err)
		}
		if ro != nil {
			if err := ro.Validate(s.Config.Issuer, s.Config.FAPIMode); err != nil {
				return s.handleAuthorizeError(w, nil, err)
			}
		}
	}

	s.fillAuthorizeRequest(req, r.Form, ro)

	if req.ClientID != clientID {
		return s.handleAuthorizeError(w, nil, errors.ErrInvalidRequestObject)
	}

	// redirect URI before anything that redirects errors
	effectiveRedirect, err := authorize.ValidateRedirectURI(client, req.RedirectURI)
	if err != nil {
		return s.handleAuthorizeError(w, nil, err)
	}
	req.RedirectURI = effectiveRedirect

	if err := s.validateAuthorizeRequest(req); err != nil {
		return s.handleAuthorizeError(w, req, err)
	}

	// authentication
	session, userID, done, err := s.resolveUser(w, r, req)
	if err != nil {
		return s.handleAuthorizeError(w, req, err)
	}
	if done {
		return nil
	}
	req.UserID = userID
	// a request object may pin the expected subject
	if ro != nil {
		if entry := ro.IDTokenMember.Claim("sub"); entry != nil && entry.Value != "" && entry.Value != userID {
			return s.handleAuthorizeError(w, req, errors.ErrUserMismatched)
		}
	}
	if session != nil {
		req.SessionID = session.ID
		req.AuthenticationTime = session.AuthenticationTime
		if req.ACRValues == "" {
			req.ACRValues = session.ACR
		}
	}
	if req.AuthenticationTime.IsZero() {
		req.AuthenticationTime = time.Now()
	}

	// consent
	granted, err := s.resolveConsent(r, req, session)
	if err != nil {
		return s.handleAuthorizeError(w, req, err)
	}
	if !granted {
		s.audit().AuthorizationDenied(clientID, "consent refused")
		return s.handleAuthorizeError(w, req, errors.ErrAccessDenied)
	}

	// an authorize request carrying a user_code doubles as the device
	// activation approval
	if req.UserCode != "" {
		if err := s.CompleteDeviceAuthorization(r, req.UserCode, req.UserID, true); err != nil {
			return s.handleAuthorizeError(w, req, errors.ErrInvalidRequest)
		}
	}

	return s.issueAuthorization(w, r, req, session)
}

// fillAuthorizeRequest merges form parameters with the request object. A
// claim present in the request object replaces the form value. Under FAPI the
// state parameter is only honored when it arrives inside the request object.
func (s *Server) fillAuthorizeRequest(req *AuthorizeRequest, form url.Values, ro *authorize.RequestObject) {
	req.ResponseTypes = models.SplitScopes(form.Get("response_type"))
	req.Scopes = models.SplitScopes(form.Get("scope"))
	req.RedirectURI = form.Get("redirect_uri")
	req.State = form.Get("state")
	req.Nonce = form.Get("nonce")
	req.Display = form.Get("display")
	req.Prompts = models.SplitScopes(form.Get("prompt"))
	req.ACRValues = form.Get("acr_values")
	req.Claims = form.Get("claims")
	req.ResponseMode = form.Get("response_mode")
	req.CodeChallenge = form.Get("code_challenge")
	req.CodeChallengeMethod = form.Get("code_challenge_method")
	req.IDTokenHint = form.Get("id_token_hint")
	req.LoginHint = form.Get("login_hint")
	req.UserCode = form.Get("user_code")
	if v := form.Get("max_age"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.MaxAge = &n
		}
	}

	if ro == nil {
		if s.Config.FAPIMode {
			req.State = ""
		}
		return
	}

	if len(ro.ResponseTypes) > 0 {
		req.ResponseTypes = ro.ResponseTypes
	}
	if ro.ClientID != "" {
		req.ClientID = ro.ClientID
	}
	if len(ro.Scopes) > 0 {
		req.Scopes = ro.Scopes
	}
	if ro.RedirectURI != "" {
		req.RedirectURI = ro.RedirectURI
	}
	if s.Config.FAPIMode {
		req.State = ro.State
	} else if ro.State != "" {
		req.State = ro.State
	}
	if ro.Nonce != "" {
		req.Nonce = ro.Nonce
	}
	if ro.Display != "" {
		req.Display = ro.Display
	}
	if len(ro.Prompts) > 0 {
		req.Prompts = ro.Prompts
	}
	if ro.ACRValues != "" {
		req.ACRValues = ro.ACRValues
	}
	if ro.IDTokenMember != nil || ro.UserInfoMember != nil {
		req.Claims = ro.Payload
	}
	if ro.ResponseMode != "" {
		req.ResponseMode = ro.ResponseMode
	}
	if ro.CodeChallenge != "" {
		req.CodeChallenge = ro.CodeChallenge
	}
	if ro.CodeChallengeMethod != "" {
		req.CodeChallengeMethod = ro.CodeChallengeMethod
	}
	if ro.IDTokenHint != "" {
		req.IDTokenHint = ro.IDTokenHint
	}
	if ro.LoginHint != "" {
		req.LoginHint = ro.LoginHint
	}
	if ro.IDTokenMember != nil && ro.IDTokenMember.MaxAge != nil {
		req.MaxAge = ro.IDTokenMember.MaxAge
	}

	// defaults from the client registration
	if req.ACRValues == "" && len(req.Client.DefaultACRValues) > 0 {
		req.ACRValues = models.JoinScopes(req.Client.DefaultACRValues)
	}
	if req.MaxAge == nil {
		req.MaxAge = req.Client.DefaultMaxAge
	}
}

func (s *Server) validateAuthorizeRequest(req *AuthorizeRequest) error {
	rts, err := authorize.ParseResponseTypes(models.JoinScopes(req.ResponseTypes))
	if err != nil {
		return err
	}
	req.ResponseTypes = rts
	if !s.checkResponseTypes(rts) {
		return errors.ErrUnsupportedResponseType
	}
	if err := authorize.ValidateResponseTypes(rts, req.Client); err != nil {
		return err
	}

	prompts, err := authorize.ParsePrompts(models.JoinScopes(req.Prompts))
	if err != nil {
		return err
	}
	req.Prompts = prompts

	if err := authorize.ValidateResponseMode(req.ResponseMode, rts); err != nil {
		return err
	}

	req.Scopes = s.narrowScopes(req)
	if len(req.Scopes) == 0 {
		return errors.ErrInvalidScope
	}

	if authorize.NonceRequired(rts, req.Scopes, s.Config.FAPIMode) && req.Nonce == "" {
		return errors.ErrInvalidRequest
	}

	if req.CodeChallenge == "" && (s.Config.ForcePKCE || s.Config.FAPIMode) && authorize.ContainsResponseType(rts, authorize.ResponseTypeCode) {
		return errors.ErrInvalidRequest
	}
	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod == "" {
			req.CodeChallengeMethod = authorize.CodeChallengePlain
		}
		if !s.checkCodeChallengeMethod(req.CodeChallengeMethod) {
			return errors.ErrInvalidRequest
		}
	}
	return nil
}

// narrowScopes keeps the scopes the client is registered for and applies the
// offline_access rules: a refresh grant only makes sense on the code flow,
// for a client holding the refresh_token grant type. Trusted clients keep
// offline_access regardless of flow.
func (s *Server) narrowScopes(req *AuthorizeRequest) []string {
	out := make([]string, 0, len(req.Scopes))
	for _, sc := range req.Scopes {
		if !req.Client.HasScope(sc) {
			continue
		}
		if sc == models.ScopeOfflineAccess && !req.Client.Trusted {
			if !authorize.ContainsResponseType(req.ResponseTypes, authorize.ResponseTypeCode) {
				continue
			}
			if !req.Client.HasGrantType("refresh_token") {
				continue
			}
		}
		out = append(out, sc)
	}
	return out
}

// resolveUser finds or establishes the authenticated user. done is true when
// a login redirect was already written.
func (s *Server) resolveUser(w http.ResponseWriter, r *http.Request, req *AuthorizeRequest) (*models.Session, string, bool, error) {
	var session *models.Session
	if s.Sessions != nil {
		if cookie, err := r.Cookie("sid"); err == nil {
			if v, err := s.Sessions.Get(r.Context(), cookie.Value); err == nil {
				session = v
			}
		}
	}

	// a grant authorized over the direct credential path does not carry
	// into the interactive flow
	if session != nil && session.Attributes[models.SessionAttrAuthorizedGrant] != "" {
		delete(session.Attributes, models.SessionAttrAuthorizedGrant)
		_ = s.Sessions.Save(r.Context(), session)
	}

	authenticated := session != nil && session.IsAuthenticated()

	// max_age turns a stale session back into an unauthenticated one
	if authenticated && req.MaxAge != nil && *req.MaxAge >= 0 {
		age := time.Since(session.AuthenticationTime)
		if age > time.Duration(*req.MaxAge)*time.Second {
			authenticated = false
		}
	}
	if authorize.HasPrompt(req.Prompts, authorize.PromptLogin) {
		if authenticated {
			session.Unauthenticate()
			_ = s.Sessions.Save(r.Context(), session)
			s.audit().SessionUnauthenticated(session.ID, req.ClientID)
		}
		authenticated = false
	}

	// a session that does not satisfy the requested acr cannot be reused
	// silently
	if authenticated && req.ACRValues != "" && session.ACR != "" &&
		!models.ContainsScope(models.SplitScopes(req.ACRValues), session.ACR) {
		return nil, "", false, errors.ErrSessionSelectionRequired
	}

	// an id_token_hint naming another subject cannot be satisfied by this
	// session
	if authenticated && req.IDTokenHint != "" {
		if claims := unverifiedClaims(req.IDTokenHint); claims != nil {
			if sub, ok := claims["sub"].(string); ok && sub != "" && sub != session.UserID {
				return nil, "", false, errors.ErrLoginRequired
			}
		}
	}

	if authenticated {
		return session, session.UserID, false, nil
	}

	if authorize.HasPrompt(req.Prompts, authorize.PromptNone) {
		return nil, "", false, errors.ErrLoginRequired
	}

	userID, err := s.UserAuthorizationHandler(w, r)
	if err != nil {
		return nil, "", false, err
	}
	if userID == "" {
		// login redirect written by the handler
		return nil, "", true, nil
	}
	if session != nil && session.UserID != "" && session.UserID != userID {
		return nil, "", false, errors.ErrUserMismatched
	}
	if session == nil && s.Sessions != nil {
		session = &models.Session{
			ID:         generates.Opaque(uuid.NewString()),
			OutsideSID: uuid.NewString(),
		}
		http.SetCookie(w, &http.Cookie{
			Name:     "sid",
			Value:    session.ID,
			Path:     "/",
			HttpOnly: true,
		})
	}
	if session != nil {
		session.UserID = userID
		session.State = models.SessionAuthenticated
		session.AuthenticationTime = time.Now()
		_ = s.Sessions.Save(r.Context(), session)
	}
	return session, userID, false, nil
}

// resolveConsent decides whether the user approved the requested scopes.
func (s *Server) resolveConsent(r *http.Request, req *AuthorizeRequest, session *models.Session) (bool, error) {
	forced := authorize.HasPrompt(req.Prompts, authorize.PromptConsent)

	if forced && s.Authorizations != nil && req.Client.PersistAuthorizations {
		_ = s.Authorizations.Revoke(r.Context(), req.ClientID, req.UserID)
	}

	if !forced {
		if req.Client.Trusted {
			return true, nil
		}
		if s.Authorizations != nil && req.Client.PersistAuthorizations {
			if s.Authorizations.Covers(r.Context(), req.ClientID, req.UserID, req.Scopes) {
				return true, nil
			}
		}
		if session != nil && session.IsPermissionGranted(req.ClientID) {
			return true, nil
		}
	}

	if authorize.HasPrompt(req.Prompts, authorize.PromptNone) {
		return false, errors.ErrConsentRequired
	}

	// the consent page posts back with authorized=true
	switch r.Form.Get("authorized") {
	case "true":
	case "false":
		return false, errors.ErrAccessDenied
	default:
		return false, errors.ErrConsentRequired
	}

	if session != nil {
		session.AddPermission(req.ClientID, true)
		_ = s.Sessions.Save(r.Context(), session)
	}
	if s.Authorizations != nil && req.Client.PersistAuthorizations {
		_ = s.Authorizations.Save(r.Context(), req.ClientID, req.UserID, req.Scopes)
	}
	return true, nil
}

// issueAuthorization builds the grant and redirects with the response
// parameters the response types call for.
func (s *Server) issueAuthorization(w http.ResponseWriter, r *http.Request, req *AuthorizeRequest, session *models.Session) error {
	ctx := r.Context()
	now := time.Now()

	kind := models.GrantAuthorizationCode
	if !authorize.ContainsResponseType(req.ResponseTypes, authorize.ResponseTypeCode) {
		kind = models.GrantImplicit
	}

	grant := &models.Grant{
		ID:                  uuid.NewString(),
		Kind:                kind,
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		Scopes:              req.Scopes,
		ACRValues:           req.ACRValues,
		Nonce:               req.Nonce,
		Claims:              req.Claims,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		TokenBindingHash:    tokenBindingHash(r),
		SessionDN:           req.SessionID,
		RedirectURI:         req.RedirectURI,
		AuthenticationTime:  req.AuthenticationTime,
		CreatedAt:           now,
	}

	params := url.Values{}
	var accessToken, code string

	if authorize.ContainsResponseType(req.ResponseTypes, authorize.ResponseTypeCode) {
		code = generates.AuthorizationCode(req.ClientID)
		grant.AuthorizationCode = newToken(code, s.Config.CodeLifetime)
		grant.IssuedCode = code
		params.Set("code", code)
	}

	if authorize.ContainsResponseType(req.ResponseTypes, authorize.ResponseTypeToken) {
		token := newToken("", s.Config.AccessTokenLifetime)
		access, err := s.AccessGenerate.Token(ctx, req.Client, grant, token)
		if err != nil {
			return s.handleAuthorizeError(w, req, err)
		}
		token.Code = access
		token.X5tS256 = grant.TokenBindingHash
		grant.AccessTokens = append(grant.AccessTokens, token)
		accessToken = access
		params.Set("access_token", access)
		params.Set("token_type", s.Config.TokenType)
		params.Set("expires_in", strconv.FormatInt(token.ExpiresInSeconds(), 10))
		if !s.Config.FAPIMode {
			params.Set("scope", models.JoinScopes(req.Scopes))
		}
	}

	sessionState := ""
	if session != nil {
		sessionState = buildSessionState(req.ClientID, req.RedirectURI, session.ID)
		params.Set("session_state", sessionState)
	}

	if authorize.ContainsResponseType(req.ResponseTypes, authorize.ResponseTypeIDToken) && grant.HasScope(models.ScopeOpenID) {
		idParams := generates.IDTokenParams{
			Client:            req.Client,
			Grant:             grant,
			AccessToken:       accessToken,
			AuthorizationCode: code,
			SessionState:      sessionState,
		}
		if session != nil {
			idParams.SessionID = session.OutsideSID
		}
		idToken, err := s.IDTokenGenerate.Token(ctx, idParams)
		if err != nil {
			return s.handleAuthorizeError(w, req, err)
		}
		grant.IDTokens = append(grant.IDTokens, newToken(idToken, s.Config.IDTokenLifetime))
		params.Set("id_token", idToken)
	}

	if req.State != "" {
		params.Set("state", req.State)
	}

	if err := s.Grants.Save(ctx, grant); err != nil {
		return s.handleAuthorizeError(w, req, err)
	}

	s.audit().AuthorizationGranted(req.ClientID, req.UserID, req.Scopes)
	return s.redirect(w, req, params)
}

// buildSessionState the OIDC session management salted hash binding the
// client, the redirect origin and the OP browser state.
func buildSessionState(clientID, redirectURI, opbs string) string {
	salt := uuid.NewString()[:8]
	origin := redirectURI
	if u, err := url.Parse(redirectURI); err == nil {
		origin = u.Scheme + "://" + u.Host
	}
	sum := sha256.Sum256([]byte(clientID + " " + origin + " " + opbs + " " + salt))
	return base64.RawURLEncoding.EncodeToString(sum[:]) + "." + salt
}
