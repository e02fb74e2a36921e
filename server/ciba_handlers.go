package server

import (
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

// HandleBackchannelAuthorize the backchannel authentication endpoint. The
// client asks the server to go get the user; tokens follow by poll, ping or
// push depending on the registered delivery mode.
func (s *Server) HandleBackchannelAuthorize(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	_ = r.ParseForm()

	if r.Method != http.MethodPost {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		return s.tokenError(w, err)
	}
	if !client.HasGrantType(GrantTypeCIBA) {
		return s.tokenError(w, errors.ErrUnauthorizedClient)
	}
	if client.BackchannelDeliveryMode == "" {
		return s.tokenError(w, errors.ErrUnauthorizedClient)
	}

	form := r.Form

	// a signed request object replaces the form parameters entirely
	if encoded := form.Get("request"); encoded != "" {
		if s.RequestObjects == nil {
			return s.tokenError(w, errors.ErrRequestNotSupported)
		}
		ro, err := s.RequestObjects.Parse(encoded, client, client.Secret)
		if err != nil {
			return s.tokenError(w, err)
		}
		if err := ro.ValidateCIBA(s.Config.Issuer, client.ID, s.Config.CIBA.MaxExpiry, s.Config.FAPIMode); err != nil {
			return s.tokenError(w, err)
		}
		form = cibaFormFromRequestObject(ro)
	}

	scopes := models.SplitScopes(form.Get("scope"))
	if !models.ContainsScope(scopes, models.ScopeOpenID) {
		return s.tokenError(w, errors.ErrInvalidScope)
	}
	narrowed := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		if client.HasScope(sc) {
			narrowed = append(narrowed, sc)
		}
	}
	if !models.ContainsScope(narrowed, models.ScopeOpenID) {
		return s.tokenError(w, errors.ErrInvalidScope)
	}

	notificationToken := form.Get("client_notification_token")
	if client.BackchannelDeliveryMode != models.DeliveryModePoll && notificationToken == "" {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	loginHint := form.Get("login_hint")
	loginHintToken := form.Get("login_hint_token")
	idTokenHint := form.Get("id_token_hint")
	hints := 0
	for _, h := range []string{loginHint, loginHintToken, idTokenHint} {
		if h != "" {
			hints++
		}
	}
	if hints != 1 {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	if s.BackchannelUserResolver == nil {
		return s.tokenError(w, errors.ErrRequestNotSupported)
	}
	userID, err := s.BackchannelUserResolver(ctx, loginHint, loginHintToken, idTokenHint)
	if err != nil || userID == "" {
		return s.tokenError(w, errors.ErrUnknownUserID)
	}

	expiry := s.Config.CIBA.DefaultExpiry
	if v := form.Get("requested_expiry"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return s.tokenError(w, errors.ErrInvalidRequest)
		}
		expiry = time.Duration(n) * time.Second
	}
	if expiry > s.Config.CIBA.MaxExpiry {
		expiry = s.Config.CIBA.MaxExpiry
	}

	req := &models.CibaRequest{
		AuthReqID:               generates.AuthReqID(),
		ClientID:                client.ID,
		UserID:                  userID,
		Scopes:                  narrowed,
		Status:                  models.BackchannelPending,
		ClientNotificationToken: notificationToken,
		BindingMessage:          form.Get("binding_message"),
		ACRValues:               form.Get("acr_values"),
		CreatedAt:               time.Now(),
		ExpiresIn:               expiry,
	}
	if err := s.Backchannel.SaveCiba(ctx, req); err != nil {
		return s.tokenError(w, err)
	}

	data := map[string]interface{}{
		"auth_req_id": req.AuthReqID,
		"expires_in":  int64(expiry / time.Second),
	}
	if client.BackchannelDeliveryMode != models.DeliveryModePush {
		data["interval"] = int64(s.Config.CIBA.PollInterval / time.Second)
	}
	return s.token(w, data, nil)
}

// cibaFormFromRequestObject projects the request object claims onto the
// parameter names the form path reads.
func cibaFormFromRequestObject(ro *authorize.RequestObject) url.Values {
	form := url.Values{}
	set := func(k, v string) {
		if v != "" {
			form[k] = []string{v}
		}
	}
	set("scope", models.JoinScopes(ro.Scopes))
	set("client_notification_token", ro.ClientNotificationToken)
	set("acr_values", ro.ACRValues)
	set("login_hint", ro.LoginHint)
	set("login_hint_token", ro.LoginHintToken)
	set("id_token_hint", ro.IDTokenHint)
	set("binding_message", ro.BindingMessage)
	set("user_code", ro.UserCode)
	if ro.RequestedExpiry != nil {
		set("requested_expiry", strconv.Itoa(*ro.RequestedExpiry))
	}
	return form
}

// CompleteBackchannelAuthorization records the user's decision on a pending
// CIBA request. On approval the grant is created and, for ping and push
// clients, delivery is kicked off.
func (s *Server) CompleteBackchannelAuthorization(r *http.Request, authReqID string, approved bool) error {
	ctx := r.Context()

	req, err := s.Backchannel.GetCiba(ctx, authReqID)
	if err != nil {
		return err
	}
	if req.EffectiveStatus() != models.BackchannelPending {
		return errors.ErrExpiredToken
	}

	if !approved {
		if err := s.Backchannel.UpdateCibaStatus(ctx, authReqID, models.BackchannelDenied, ""); err != nil {
			return err
		}
		s.audit().AuthorizationDenied(req.ClientID, "backchannel request denied")
		return nil
	}

	client, err := s.Clients.GetByID(ctx, req.ClientID)
	if err != nil {
		return err
	}

	grant := &models.Grant{
		ID:                      uuid.NewString(),
		Kind:                    models.GrantCIBA,
		ClientID:                req.ClientID,
		UserID:                  req.UserID,
		Scopes:                  req.Scopes,
		ACRValues:               req.ACRValues,
		AuthReqID:               req.AuthReqID,
		ClientNotificationToken: req.ClientNotificationToken,
		AuthenticationTime:      time.Now(),
		CreatedAt:               time.Now(),
	}

	switch client.BackchannelDeliveryMode {
	case models.DeliveryModePush:
		// tokens travel inside the callback, so mint them now and bar the
		// token endpoint from handing them out again
		grant.TokensDelivered = true
		data, err := s.issueTokens(ctx, r, client, grant, s.shouldIssueRefresh(client, grant), true)
		if err != nil {
			return err
		}
		err = s.Notifier.Push(ctx, client, grant.AuthReqID, grant.ClientNotificationToken, data)
		s.audit().BackchannelDelivery(client.ID, grant.AuthReqID, err)
		if err != nil {
			return err
		}
	case models.DeliveryModePing:
		if err := s.Grants.Save(ctx, grant); err != nil {
			return err
		}
		err = s.Notifier.Ping(ctx, client, grant.AuthReqID, grant.ClientNotificationToken)
		s.audit().BackchannelDelivery(client.ID, grant.AuthReqID, err)
		if err != nil {
			return err
		}
	default:
		if err := s.Grants.Save(ctx, grant); err != nil {
			return err
		}
	}

	s.audit().AuthorizationGranted(req.ClientID, req.UserID, req.Scopes)
	return s.Backchannel.RemoveCiba(ctx, authReqID)
}
