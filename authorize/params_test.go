package authorize

import (
	"testing"

	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/models"
)

func TestParseResponseTypes(t *testing.T) {
	rts, err := ParseResponseTypes("code id_token")
	if err != nil {
		t.Fatal(err)
	}
	if len(rts) != 2 || rts[0] != "code" || rts[1] != "id_token" {
		t.Errorf("unexpected response types: %v", rts)
	}

	if _, err := ParseResponseTypes(""); !errors.Is(err, errors.ErrUnsupportedResponseType) {
		t.Errorf("empty response_type: got %v", err)
	}
	if _, err := ParseResponseTypes("code magic"); !errors.Is(err, errors.ErrUnsupportedResponseType) {
		t.Errorf("unknown response_type: got %v", err)
	}
	if _, err := ParseResponseTypes("code code"); !errors.Is(err, errors.ErrUnsupportedResponseType) {
		t.Errorf("duplicate response_type: got %v", err)
	}
}

func TestValidateResponseTypes(t *testing.T) {
	client := &models.Client{ResponseTypes: []string{"code"}}
	if err := ValidateResponseTypes([]string{"code"}, client); err != nil {
		t.Error(err)
	}
	err := ValidateResponseTypes([]string{"code", "token"}, client)
	if !errors.Is(err, errors.ErrUnauthorizedClient) {
		t.Errorf("unregistered response type: got %v", err)
	}
}

func TestParsePrompts(t *testing.T) {
	ps, err := ParsePrompts("login consent")
	if err != nil {
		t.Fatal(err)
	}
	if !HasPrompt(ps, PromptLogin) || !HasPrompt(ps, PromptConsent) {
		t.Errorf("prompts lost in parsing: %v", ps)
	}

	if _, err := ParsePrompts("none login"); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("none combined with login: got %v", err)
	}
	if _, err := ParsePrompts("bogus"); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("unknown prompt: got %v", err)
	}
	if ps, err := ParsePrompts(""); err != nil || len(ps) != 0 {
		t.Errorf("absent prompt should parse to empty: %v %v", ps, err)
	}
}

func TestDefaultResponseMode(t *testing.T) {
	if m := DefaultResponseMode([]string{"code"}); m != ResponseModeQuery {
		t.Errorf("code flow default = %q", m)
	}
	if m := DefaultResponseMode([]string{"code", "id_token"}); m != ResponseModeFragment {
		t.Errorf("hybrid flow default = %q", m)
	}
	if m := DefaultResponseMode([]string{"token"}); m != ResponseModeFragment {
		t.Errorf("implicit flow default = %q", m)
	}
}

func TestValidateResponseMode(t *testing.T) {
	if err := ValidateResponseMode(ResponseModeQuery, []string{"code"}); err != nil {
		t.Error(err)
	}
	err := ValidateResponseMode(ResponseModeQuery, []string{"code", "token"})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("query mode for hybrid flow: got %v", err)
	}
	if err := ValidateResponseMode("jwt", []string{"code"}); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("unsupported mode: got %v", err)
	}
}

func TestNonceRequired(t *testing.T) {
	openid := []string{"openid"}
	if NonceRequired([]string{"code"}, openid, false) {
		t.Error("plain code flow should not require nonce")
	}
	if !NonceRequired([]string{"code", "id_token"}, openid, false) {
		t.Error("hybrid flow must require nonce")
	}
	if !NonceRequired([]string{"code"}, openid, true) {
		t.Error("strict profile must require nonce for openid requests")
	}
	if NonceRequired([]string{"code"}, []string{"profile"}, true) {
		t.Error("non-openid request never requires nonce")
	}
}
