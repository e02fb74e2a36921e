package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/generates"
	"github.com/veridian-io/authserver/models"
)

// HandleDeviceAuthorization the device authorization endpoint: hands the
// device a device_code to poll with and a user_code for the user to type on
// the verification page.
func (s *Server) HandleDeviceAuthorization(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	_ = r.ParseForm()

	if r.Method != http.MethodPost {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		return s.tokenError(w, err)
	}
	if !client.HasGrantType(GrantTypeDeviceCode) {
		return s.tokenError(w, errors.ErrUnauthorizedClient)
	}

	scopes := make([]string, 0)
	for _, sc := range models.SplitScopes(r.Form.Get("scope")) {
		if client.HasScope(sc) {
			scopes = append(scopes, sc)
		}
	}

	auth := &models.DeviceAuthorization{
		DeviceCode: generates.DeviceCode(),
		UserCode:   generates.UserCode(),
		ClientID:   client.ID,
		Scopes:     scopes,
		Status:     models.BackchannelPending,
		CreatedAt:  time.Now(),
		ExpiresIn:  s.Config.Device.Expiry,
	}
	if err := s.Backchannel.SaveDevice(ctx, auth); err != nil {
		return s.tokenError(w, err)
	}

	verificationURI := s.Config.Device.VerificationURI
	if strings.HasPrefix(verificationURI, "/") {
		verificationURI = strings.TrimRight(s.Config.Issuer, "/") + verificationURI
	}
	return s.token(w, map[string]interface{}{
		"device_code":               auth.DeviceCode,
		"user_code":                 auth.UserCode,
		"verification_uri":          verificationURI,
		"verification_uri_complete": verificationURI + "?user_code=" + auth.UserCode,
		"expires_in":                int64(auth.ExpiresIn / time.Second),
		"interval":                  int64(s.Config.Device.PollInterval / time.Second),
	}, nil)
}

// CompleteDeviceAuthorization records the user's decision on the device
// verification page. Approval creates the grant the polling device picks up.
func (s *Server) CompleteDeviceAuthorization(r *http.Request, userCode, userID string, approved bool) error {
	ctx := r.Context()

	auth, err := s.Backchannel.GetDeviceByUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if auth.EffectiveStatus() != models.BackchannelPending {
		return errors.ErrExpiredToken
	}

	if !approved {
		if err := s.Backchannel.UpdateDeviceStatus(ctx, auth.DeviceCode, models.BackchannelDenied, ""); err != nil {
			return err
		}
		s.audit().AuthorizationDenied(auth.ClientID, "device request denied")
		return nil
	}

	grant := &models.Grant{
		ID:                 uuid.NewString(),
		Kind:               models.GrantDeviceCode,
		ClientID:           auth.ClientID,
		UserID:             userID,
		Scopes:             auth.Scopes,
		DeviceCode:         auth.DeviceCode,
		UserCode:           auth.UserCode,
		AuthenticationTime: time.Now(),
		CreatedAt:          time.Now(),
	}
	if err := s.Grants.Save(ctx, grant); err != nil {
		return err
	}

	s.audit().AuthorizationGranted(auth.ClientID, userID, auth.Scopes)
	return s.Backchannel.RemoveDevice(ctx, auth.DeviceCode)
}
