package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/veridian-io/authserver/authorize"
	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/models"
)

// ClientWriter stores client registrations. Both client stores implement it;
// a read-only registry makes the registration endpoint answer
// request_not_supported.
type ClientWriter interface {
	Upsert(ctx context.Context, c *models.Client) error
}

type clientRegistration struct {
	RedirectURIs                    []string `json:"redirect_uris"`
	GrantTypes                      []string `json:"grant_types"`
	ResponseTypes                   []string `json:"response_types"`
	ClientName                      string   `json:"client_name"`
	Scope                           string   `json:"scope"`
	JWKS                            string   `json:"jwks"`
	JWKSURI                         string   `json:"jwks_uri"`
	RequestObjectSigningAlg         string   `json:"request_object_signing_alg"`
	IDTokenSignedResponseAlg        string   `json:"id_token_signed_response_alg"`
	IDTokenEncryptedResponseAlg     string   `json:"id_token_encrypted_response_alg"`
	IDTokenEncryptedResponseEnc     string   `json:"id_token_encrypted_response_enc"`
	BackchannelTokenDeliveryMode    string   `json:"backchannel_token_delivery_mode"`
	BackchannelNotificationEndpoint string   `json:"backchannel_client_notification_endpoint"`
	TokenEndpointAuthMethod         string   `json:"token_endpoint_auth_method"`
}

// HandleClientRegistrationRequest RFC 7591 dynamic registration. Redirect
// URIs are screened against the operator's allow and deny pattern lists
// before the registration is accepted.
func (s *Server) HandleClientRegistrationRequest(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	var reg clientRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}
	if len(reg.RedirectURIs) == 0 {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	if err := s.screenRedirectURIs(reg.RedirectURIs); err != nil {
		s.audit().RegistrationRejected(reg.ClientName, "redirect uri not permitted")
		return s.tokenError(w, err)
	}

	clientID := genRandomID(16)
	secret := genRandomID(32)

	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	responseTypes := reg.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{authorize.ResponseTypeCode}
	}
	scopes := models.SplitScopes(reg.Scope)
	if len(scopes) == 0 {
		scopes = []string{models.ScopeOpenID}
	}

	client := &models.Client{
		ID:                          clientID,
		Secret:                      secret,
		Name:                        reg.ClientName,
		RedirectURIs:                reg.RedirectURIs,
		GrantTypes:                  grantTypes,
		ResponseTypes:               responseTypes,
		Scopes:                      scopes,
		Public:                      reg.TokenEndpointAuthMethod == "none",
		JWKS:                        reg.JWKS,
		JWKSURI:                     reg.JWKSURI,
		RequestObjectSigningAlg:     reg.RequestObjectSigningAlg,
		IDTokenSignedResponseAlg:    reg.IDTokenSignedResponseAlg,
		IDTokenEncryptedResponseAlg: reg.IDTokenEncryptedResponseAlg,
		IDTokenEncryptedResponseEnc: reg.IDTokenEncryptedResponseEnc,
		BackchannelDeliveryMode:     models.BackchannelDeliveryMode(reg.BackchannelTokenDeliveryMode),
		BackchannelNotificationEndpoint: reg.BackchannelNotificationEndpoint,
	}

	writer, ok := s.Clients.(ClientWriter)
	if !ok {
		return s.tokenError(w, errors.ErrRequestNotSupported)
	}
	if err := writer.Upsert(ctx, client); err != nil {
		return s.tokenError(w, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(map[string]interface{}{
		"client_id":       client.ID,
		"client_secret":   client.Secret,
		"client_name":     client.Name,
		"redirect_uris":   client.RedirectURIs,
		"grant_types":     client.GrantTypes,
		"response_types":  client.ResponseTypes,
		"scope":           models.JoinScopes(client.Scopes),
		"token_endpoint_auth_method": reg.TokenEndpointAuthMethod,
	})
}

// screenRedirectURIs applies the deny list first, then the allow list when
// one is configured.
func (s *Server) screenRedirectURIs(uris []string) error {
	if len(s.Config.RedirectURIDenyList) > 0 {
		deny := authorize.NewURLPatternList(s.Config.RedirectURIDenyList)
		for _, uri := range uris {
			if deny.IsURLListed(uri) {
				return &authorize.Error{Err: errors.ErrInvalidRequest, Reason: "redirect_uri is black-listed"}
			}
		}
	}
	if len(s.Config.RedirectURIAllowList) > 0 {
		allow := authorize.NewURLPatternList(s.Config.RedirectURIAllowList)
		for _, uri := range uris {
			if !allow.IsURLListed(uri) {
				return &authorize.Error{Err: errors.ErrInvalidRequest, Reason: "redirect_uri is not white-listed"}
			}
		}
	}
	return nil
}

func genRandomID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
