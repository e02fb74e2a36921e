package authorize

import (
	"net/url"
	"strings"

	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/models"
)

// ValidateRedirectURI checks the redirect_uri request parameter against the
// client registration and returns the effective redirect URI. A missing
// parameter is only tolerated when the client has exactly one registered URI.
func ValidateRedirectURI(client *models.Client, redirectURI string) (string, error) {
	registered := client.RedirectURIs

	if redirectURI == "" {
		if len(registered) == 1 {
			return registered[0], nil
		}
		return "", failf(errors.ErrInvalidRedirectURI, "redirect_uri is not set and the client has %d registered uris", len(registered))
	}

	for _, candidate := range registered {
		if redirectURI == candidate {
			return redirectURI, nil
		}
		// A registered URI without query parameters also matches when the
		// request appends its own query string.
		if !strings.Contains(candidate, "?") && equalWithoutQuery(redirectURI, candidate) {
			return redirectURI, nil
		}
	}
	return "", failf(errors.ErrInvalidRedirectURI, "redirect_uri is not registered for the client")
}

func equalWithoutQuery(requested, registered string) bool {
	u, err := url.Parse(requested)
	if err != nil {
		return false
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String() == registered
}

// BuildRedirect appends the response parameters to the redirect URI using the
// given response mode (query or fragment). form_post is rendered by the
// caller, not here.
func BuildRedirect(redirectURI, responseMode string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", failf(errors.ErrInvalidRedirectURI, "malformed redirect_uri")
	}
	switch responseMode {
	case ResponseModeFragment:
		u.Fragment = ""
		return u.String() + "#" + params.Encode(), nil
	default:
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
}
