package authorize

import (
	"strings"

	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/models"
)

// Response types.
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// Prompt values.
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// Response modes.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
	ResponseModeJWT      = "jwt"
)

// ParseResponseTypes splits and validates the response_type parameter.
func ParseResponseTypes(s string) ([]string, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, failf(errors.ErrUnsupportedResponseType, "response_type is not set")
	}
	seen := make(map[string]bool, len(fields))
	for _, rt := range fields {
		switch rt {
		case ResponseTypeCode, ResponseTypeToken, ResponseTypeIDToken:
		default:
			return nil, failf(errors.ErrUnsupportedResponseType, "unknown response_type %q", rt)
		}
		if seen[rt] {
			return nil, failf(errors.ErrUnsupportedResponseType, "duplicate response_type %q", rt)
		}
		seen[rt] = true
	}
	// token alone is the only combination without code or id_token that OIDC
	// defines; everything else is covered by the membership check above.
	return fields, nil
}

// ValidateResponseTypes checks the parsed response types against the client
// registration.
func ValidateResponseTypes(responseTypes []string, client *models.Client) error {
	for _, rt := range responseTypes {
		if !client.HasResponseType(rt) {
			return failf(errors.ErrUnauthorizedClient, "client is not registered for response_type %q", rt)
		}
	}
	return nil
}

// ParsePrompts splits and validates the prompt parameter. prompt=none must not
// be combined with any other value.
func ParsePrompts(s string) ([]string, error) {
	fields := strings.Fields(s)
	hasNone := false
	for _, p := range fields {
		switch p {
		case PromptNone:
			hasNone = true
		case PromptLogin, PromptConsent, PromptSelectAccount:
		default:
			return nil, failf(errors.ErrInvalidRequest, "unknown prompt %q", p)
		}
	}
	if hasNone && len(fields) > 1 {
		return nil, failf(errors.ErrInvalidRequest, "prompt none must not be combined with other values")
	}
	return fields, nil
}

// HasPrompt reports whether the prompt list contains p.
func HasPrompt(prompts []string, p string) bool {
	return contains(prompts, p)
}

// ContainsResponseType reports whether the response type list contains rt.
func ContainsResponseType(responseTypes []string, rt string) bool {
	return contains(responseTypes, rt)
}

// IsImplicitOrHybrid reports whether the flow issues tokens straight from the
// authorization endpoint.
func IsImplicitOrHybrid(responseTypes []string) bool {
	return contains(responseTypes, ResponseTypeToken) || contains(responseTypes, ResponseTypeIDToken)
}

// DefaultResponseMode returns the response mode mandated by the response
// types when the request did not pick one.
func DefaultResponseMode(responseTypes []string) string {
	if IsImplicitOrHybrid(responseTypes) {
		return ResponseModeFragment
	}
	return ResponseModeQuery
}

// ValidateResponseMode rejects modes that would leak tokens on the query
// string.
func ValidateResponseMode(mode string, responseTypes []string) error {
	switch mode {
	case "", ResponseModeQuery, ResponseModeFragment, ResponseModeFormPost:
	default:
		return failf(errors.ErrInvalidRequest, "unknown response_mode %q", mode)
	}
	if mode == ResponseModeQuery && IsImplicitOrHybrid(responseTypes) {
		return failf(errors.ErrInvalidRequest, "response_mode query is not allowed for implicit and hybrid flows")
	}
	return nil
}

// NonceRequired reports whether the request must carry a nonce. Implicit and
// hybrid flows always require it; FAPI requires it for every openid request.
func NonceRequired(responseTypes []string, scopes []string, fapi bool) bool {
	if !models.ContainsScope(scopes, models.ScopeOpenID) {
		return false
	}
	if fapi {
		return true
	}
	return contains(responseTypes, ResponseTypeIDToken)
}
