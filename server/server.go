package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veridian-io/authserver/authorize"
	"github.com/veridian-io/authserver/ciba"
	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/generates"
	"github.com/veridian-io/authserver/models"
	"github.com/veridian-io/authserver/store"
)

// ClientRegistry resolves client registrations. Implemented by both the
// in-memory and the database client stores.
type ClientRegistry interface {
	GetByID(ctx context.Context, id string) (*models.Client, error)
}

// UserAuthorizationHandler resolves the authenticated user for an authorize
// request. Returning an empty user id with a nil error means a login redirect
// was already written.
type UserAuthorizationHandler func(w http.ResponseWriter, r *http.Request) (string, error)

// PasswordAuthorizationHandler verifies resource owner credentials.
type PasswordAuthorizationHandler func(ctx context.Context, clientID, username, password string) (string, error)

// ExtensionFieldsHandler contributes extra fields to the token response.
type ExtensionFieldsHandler func(grant *models.Grant) map[string]interface{}

// ResponseErrorHandler observes the error response before it is written.
type ResponseErrorHandler func(re *errors.Response)

// InternalErrorHandler maps unexpected errors to a response. A nil return
// falls back to server_error.
type InternalErrorHandler func(err error) *errors.Response

// BackchannelUserResolver resolves the end user a CIBA hint points at.
type BackchannelUserResolver func(ctx context.Context, loginHint, loginHintToken, idTokenHint string) (string, error)

// NewDefaultServer create a default authorization server
func NewDefaultServer(clients ClientRegistry, grants *store.GrantStore) *Server {
	return NewServer(NewConfig(), clients, grants)
}

// NewServer create authorization server
func NewServer(cfg *Config, clients ClientRegistry, grants *store.GrantStore) *Server {
	srv := &Server{
		Config:  cfg,
		Clients: clients,
		Grants:  grants,
	}

	srv.UserAuthorizationHandler = func(w http.ResponseWriter, r *http.Request) (string, error) {
		return "", errors.ErrAccessDenied
	}
	srv.PasswordAuthorizationHandler = func(ctx context.Context, clientID, username, password string) (string, error) {
		return "", errors.ErrAccessDenied
	}
	return srv
}

// Server Provide authorization server
type Server struct {
	Config *Config

	Clients        ClientRegistry
	Grants         *store.GrantStore
	Sessions       *store.SessionStore
	Backchannel    *store.BackchannelStore
	Authorizations *store.AuthorizationStore

	AccessGenerate  *generates.JWTAccessGenerate
	IDTokenGenerate *generates.IDTokenGenerate
	RequestObjects  *authorize.Resolver
	Notifier        *ciba.Notifier

	Audit *Audit

	UserAuthorizationHandler     UserAuthorizationHandler
	PasswordAuthorizationHandler PasswordAuthorizationHandler
	BackchannelUserResolver      BackchannelUserResolver
	ExtensionFieldsHandler       ExtensionFieldsHandler
	ResponseErrorHandler         ResponseErrorHandler
	InternalErrorHandler         InternalErrorHandler
}

func (s *Server) audit() *Audit {
	if s.Audit == nil {
		return defaultAudit
	}
	return s.Audit
}

// GetErrorData builds the wire representation of an error.
func (s *Server) GetErrorData(err error) (map[string]interface{}, int, http.Header) {
	var re errors.Response
	if v, ok := errors.Descriptions[innerError(err)]; ok {
		re.Error = innerError(err)
		re.Description = v
		re.StatusCode = errors.Status(innerError(err))
	} else {
		if fn := s.InternalErrorHandler; fn != nil {
			if v := fn(err); v != nil {
				re = *v
			}
		}
		if re.Error == nil {
			re.Error = errors.ErrServerError
			re.Description = errors.Descriptions[errors.ErrServerError]
			re.StatusCode = errors.StatusCodes[errors.ErrServerError]
		}
	}

	// attach the internal reason unless FAPI suppresses it
	if !s.Config.FAPIMode {
		if reason := authorize.Reason(err); reason != "" {
			re.Description = reason
		}
	}
	if code, ok := errors.StatusOf(err); ok {
		re.StatusCode = code
	}

	if fn := s.ResponseErrorHandler; fn != nil {
		fn(&re)
	}

	data := make(map[string]interface{})
	if re.Error != nil {
		data["error"] = re.Error.Error()
	}
	if v := re.Description; v != "" {
		data["error_description"] = v
	}
	if v := re.URI; v != "" {
		data["error_uri"] = v
	}

	statusCode := http.StatusInternalServerError
	if v := re.StatusCode; v > 0 {
		statusCode = v
	}
	return data, statusCode, re.Header
}

// innerError finds the protocol sentinel in err's chain, or returns err.
func innerError(err error) error {
	for target := range errors.Descriptions {
		if errors.Is(err, target) {
			return target
		}
	}
	return err
}

func (s *Server) tokenError(w http.ResponseWriter, err error) error {
	data, statusCode, header := s.GetErrorData(err)
	return s.token(w, data, header, statusCode)
}

func (s *Server) token(w http.ResponseWriter, data map[string]interface{}, header http.Header, statusCode ...int) error {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	for key := range header {
		w.Header().Set(key, header.Get(key))
	}

	status := http.StatusOK
	if len(statusCode) > 0 && statusCode[0] > 0 {
		status = statusCode[0]
	}

	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

func (s *Server) handleAuthorizeError(w http.ResponseWriter, req *AuthorizeRequest, err error) error {
	// no validated redirect URI yet, or the redirect URI itself is the
	// problem: answer directly instead of redirecting
	if req == nil || req.RedirectURI == "" || errors.Is(err, errors.ErrInvalidRedirectURI) {
		data, statusCode, header := s.GetErrorData(err)
		return s.token(w, data, header, statusCode)
	}

	data, _, _ := s.GetErrorData(err)
	params := url.Values{}
	for k, v := range data {
		if str, ok := v.(string); ok {
			params.Set(k, str)
		}
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	return s.redirect(w, req, params)
}

func (s *Server) redirect(w http.ResponseWriter, req *AuthorizeRequest, params url.Values) error {
	mode := req.ResponseMode
	if mode == "" {
		mode = authorize.DefaultResponseMode(req.ResponseTypes)
	}
	uri, err := authorize.BuildRedirect(req.RedirectURI, mode, params)
	if err != nil {
		return err
	}
	if s.Config.CustomResponseHeaders && req.Client != nil {
		for k, v := range req.Client.ResponseHeaders {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("Location", uri)
	w.WriteHeader(http.StatusFound)
	return nil
}

// newToken issues a fresh token record with the given lifetime.
func newToken(code string, lifetime time.Duration) *models.Token {
	return &models.Token{
		Code:      code,
		CreatedAt: time.Now(),
		ExpiresIn: lifetime,
	}
}

func (s *Server) checkGrantType(gt string) bool {
	for _, v := range s.Config.AllowedGrantTypes {
		if v == gt {
			return true
		}
	}
	return false
}

func (s *Server) checkResponseTypes(rts []string) bool {
	for _, rt := range rts {
		ok := false
		for _, v := range s.Config.AllowedResponseTypes {
			if v == rt {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *Server) checkCodeChallengeMethod(ccm string) bool {
	for _, v := range s.Config.AllowedCodeChallengeMethods {
		if v == ccm {
			return true
		}
	}
	return false
}

// tokenBindingHash extracts the provided token binding id hash, from the
// Sec-Token-Binding header.
func tokenBindingHash(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Sec-Token-Binding"))
}
