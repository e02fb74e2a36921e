package errors

import (
	"errors"
	"net/http"
)

// New returns an error that formats as the given text.
var New = errors.New

// Is reports whether any error in err's chain matches target.
var Is = errors.Is

// As finds the first error in err's chain that matches target.
var As = errors.As

// Protocol errors returned by the authorize and token flows. The error text is
// the OAuth2/OIDC error code that goes on the wire.
var (
	ErrInvalidRequest            = errors.New("invalid_request")
	ErrInvalidRequestObject      = errors.New("invalid_request_object")
	ErrInvalidRequestURI         = errors.New("invalid_request_uri")
	ErrInvalidRedirectURI        = errors.New("invalid_redirect_uri")
	ErrUnauthorizedClient        = errors.New("unauthorized_client")
	ErrDisabledClient            = errors.New("disabled_client")
	ErrAccessDenied              = errors.New("access_denied")
	ErrUnsupportedResponseType   = errors.New("unsupported_response_type")
	ErrUnsupportedGrantType      = errors.New("unsupported_grant_type")
	ErrInvalidScope              = errors.New("invalid_scope")
	ErrServerError               = errors.New("server_error")
	ErrInvalidGrant              = errors.New("invalid_grant")
	ErrInvalidClient             = errors.New("invalid_client")
	ErrAuthorizationPending      = errors.New("authorization_pending")
	ErrSlowDown                  = errors.New("slow_down")
	ErrExpiredToken              = errors.New("expired_token")
	ErrLoginRequired             = errors.New("login_required")
	ErrConsentRequired           = errors.New("consent_required")
	ErrSessionSelectionRequired  = errors.New("session_selection_required")
	ErrUserMismatched            = errors.New("user_mismatched")
	ErrInteractionRequired       = errors.New("interaction_required")
	ErrRequestNotSupported       = errors.New("request_not_supported")
	ErrUnknownUserID             = errors.New("unknown_user_id")
)

// Descriptions default error descriptions.
var Descriptions = map[error]string{
	ErrInvalidRequest:           "The request is missing a required parameter, includes an invalid parameter value or is otherwise malformed",
	ErrUnknownUserID:            "The OpenID Provider is not able to identify the end-user from the provided hint",
	ErrInvalidRequestObject:     "The request parameter contains an invalid request object",
	ErrInvalidRequestURI:        "The request_uri in the authorization request returns an error or contains invalid data",
	ErrInvalidRedirectURI:       "The redirect_uri does not match any registered redirect URI of the client",
	ErrUnauthorizedClient:       "The client is not authorized to request an access token using this method",
	ErrDisabledClient:           "The client is disabled and cannot request tokens",
	ErrAccessDenied:             "The resource owner or authorization server denied the request",
	ErrUnsupportedResponseType:  "The authorization server does not support obtaining an access token using this method",
	ErrUnsupportedGrantType:     "The authorization grant type is not supported by the authorization server",
	ErrInvalidScope:             "The requested scope is invalid, unknown, or malformed",
	ErrServerError:              "The authorization server encountered an unexpected condition",
	ErrInvalidGrant:             "The provided authorization grant or refresh token is invalid, expired or revoked",
	ErrInvalidClient:            "Client authentication failed",
	ErrAuthorizationPending:     "The authorization request is still pending as the end-user hasn't yet been authenticated",
	ErrSlowDown:                 "The client is polling faster than the allowed interval",
	ErrExpiredToken:             "The token has expired",
	ErrLoginRequired:            "The authorization server requires end-user authentication",
	ErrConsentRequired:          "The authorization server requires end-user consent",
	ErrSessionSelectionRequired: "The authenticated session does not correspond to the requested acr values",
	ErrUserMismatched:           "The current logged in user does not match the requested subject",
	ErrInteractionRequired:      "The authorization server requires end-user interaction of some form",
	ErrRequestNotSupported:      "The authorization server does not support the request parameter",
}

// StatusCodes HTTP status codes per error. Errors not listed default to 400.
var StatusCodes = map[error]int{
	ErrServerError:       500,
	ErrInvalidClient:     401,
	ErrUnauthorizedClient: 401,
	ErrDisabledClient:    403,
	ErrAccessDenied:      403,
}

// Response carries an error plus its transport representation. Flow controllers
// fill in the redirect target when the error may be delivered on the
// validated redirect URI; otherwise the error is rendered as a JSON body.
type Response struct {
	Error       error
	Description string
	URI         string
	StatusCode  int
	Header      http.Header
}

type statusError struct {
	err  error
	code int
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

// WithStatus overrides the HTTP status code err maps to, keeping err in the
// chain for Is checks.
func WithStatus(err error, code int) error {
	return &statusError{err: err, code: code}
}

// StatusOf reports an explicit status override attached with WithStatus.
func StatusOf(err error) (int, bool) {
	var se *statusError
	if errors.As(err, &se) {
		return se.code, true
	}
	return 0, false
}

// NewResponse builds a Response for err with the given status code.
func NewResponse(err error, statusCode int) *Response {
	return &Response{Error: err, StatusCode: statusCode}
}

// Status returns the HTTP status code for err: the explicit mapping when one
// exists, otherwise 400.
func Status(err error) int {
	if c, ok := StatusCodes[err]; ok {
		return c
	}
	return 400
}

// Description returns the default description for err, or empty.
func Description(err error) string {
	return Descriptions[err]
}
