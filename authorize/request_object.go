package authorize

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/models"
)

// Error wraps a protocol error with an internal reason. The reason is meant
// for logs and non-FAPI error descriptions; it is never sent under FAPI.
type Error struct {
	Err    error
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func failf(sentinel error, format string, args ...interface{}) error {
	return &Error{Err: sentinel, Reason: fmt.Sprintf(format, args...)}
}

// Reason extracts the internal reason from err, if any.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// ClaimEntry a single requested claim from the claims request parameter.
type ClaimEntry struct {
	Essential bool     `json:"essential,omitempty"`
	Value     string   `json:"value,omitempty"`
	Values    []string `json:"values,omitempty"`
}

// ClaimsMember the userinfo or id_token member of the claims parameter.
type ClaimsMember struct {
	Claims map[string]*ClaimEntry
	MaxAge *int
}

// Claim returns the entry for name, or nil.
func (m *ClaimsMember) Claim(name string) *ClaimEntry {
	if m == nil {
		return nil
	}
	return m.Claims[name]
}

// RequestObject the parsed and validated representation of a signed or
// encrypted request/request_uri JWT. Constructed per request, never persisted.
type RequestObject struct {
	// Header
	Type                string
	Algorithm           string
	EncryptionAlgorithm string
	KeyID               string

	// Payload
	ResponseTypes           []string
	ClientID                string
	Scopes                  []string
	RedirectURI             string
	Nonce                   string
	State                   string
	Aud                     []string
	Display                 string
	Prompts                 []string
	UserInfoMember          *ClaimsMember
	IDTokenMember           *ClaimsMember
	Exp                     *int64
	Iss                     string
	Iat                     *int64
	Nbf                     *int64
	JTI                     string
	ClientNotificationToken string
	ACRValues               string
	LoginHintToken          string
	IDTokenHint             string
	LoginHint               string
	BindingMessage          string
	UserCode                string
	CodeChallenge           string
	CodeChallengeMethod     string
	RequestedExpiry         *int
	ResponseMode            string

	Payload string
}

var allowedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

var allowedKeyAlgorithms = []jose.KeyAlgorithm{
	jose.RSA1_5, jose.RSA_OAEP, jose.RSA_OAEP_256,
	jose.A128KW, jose.A192KW, jose.A256KW,
	jose.DIRECT,
	jose.PBES2_HS256_A128KW, jose.PBES2_HS384_A192KW, jose.PBES2_HS512_A256KW,
}

var allowedContentEncryption = []jose.ContentEncryption{
	jose.A128CBC_HS256, jose.A192CBC_HS384, jose.A256CBC_HS512,
	jose.A128GCM, jose.A192GCM, jose.A256GCM,
}

// Resolver fetches, decrypts and verifies request objects.
type Resolver struct {
	// HTTPClient used for request_uri and jwks_uri fetches. The caller is
	// expected to configure timeouts; exactly one fetch attempt is made.
	HTTPClient *http.Client

	// DecryptionKey resolves the server private key for RSA-family JWE key
	// encryption, by kid. May be nil when JWE is not in use.
	DecryptionKey func(kid string) (crypto.PrivateKey, error)

	// FAPIMode forbids alg=none and triggers the strict claim checks.
	FAPIMode bool

	// RequestURIHashVerification enables the SHA-256 fragment digest check on
	// fetched request_uri bodies.
	RequestURIHashVerification bool
}

func (r *Resolver) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

// Resolve produces the request object for the given request/request_uri pair,
// or nil when neither is present. clientSecret is the decrypted client secret
// used for HS-family signatures and secret-derived JWE keys.
func (r *Resolver) Resolve(ctx context.Context, request, requestURI string, client *models.Client, clientSecret string) (*RequestObject, error) {
	if requestURI != "" {
		fetched, err := r.fetchRequestURI(ctx, requestURI)
		if err != nil {
			return nil, err
		}
		request = fetched
	}
	if request == "" {
		return nil, nil
	}
	return r.Parse(request, client, clientSecret)
}

func (r *Resolver) fetchRequestURI(ctx context.Context, requestURI string) (string, error) {
	u, err := url.Parse(requestURI)
	if err != nil {
		return "", failf(errors.ErrInvalidRequestURI, "malformed request_uri")
	}
	fragment := u.Fragment
	u.Fragment = ""

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return "", failf(errors.ErrInvalidRequestURI, "malformed request_uri")
	}
	resp, err := r.httpClient().Do(req.WithContext(ctx))
	if err != nil {
		return "", failf(errors.ErrInvalidRequestURI, "failed to fetch request_uri: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", failf(errors.ErrInvalidRequestURI, "request_uri returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", failf(errors.ErrInvalidRequestURI, "failed to read request_uri body")
	}

	if fragment != "" && r.RequestURIHashVerification {
		sum := sha256.Sum256(body)
		if base64.RawURLEncoding.EncodeToString(sum[:]) != fragment {
			return "", failf(errors.ErrInvalidRequestURI, "request_uri hash does not match content")
		}
	}
	return strings.TrimSpace(string(body)), nil
}

// Parse decrypts/verifies an encoded request object and loads its payload.
// Structure dispatch is by segment count: five segments is a JWE, two or three
// a JWS (or unsecured JWT).
func (r *Resolver) Parse(encoded string, client *models.Client, clientSecret string) (*RequestObject, error) {
	if encoded == "" {
		return nil, failf(errors.ErrInvalidRequestObject, "the JWT is null or empty")
	}
	parts := strings.Split(encoded, ".")

	switch len(parts) {
	case 5:
		return r.parseEncrypted(encoded, parts[0], clientSecret)
	case 2, 3:
		return r.parseSigned(encoded, parts, client, clientSecret)
	default:
		return nil, failf(errors.ErrInvalidRequestObject, "the JWT is not well formed")
	}
}

type joseHeader struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
	Enc string `json:"enc"`
	Kid string `json:"kid"`
}

func decodeHeader(segment string) (*joseHeader, error) {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return nil, failf(errors.ErrInvalidRequestObject, "malformed JWT header")
	}
	var h joseHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, failf(errors.ErrInvalidRequestObject, "malformed JWT header")
	}
	return &h, nil
}

func (r *Resolver) parseEncrypted(encoded, headerSegment, clientSecret string) (*RequestObject, error) {
	header, err := decodeHeader(headerSegment)
	if err != nil {
		return nil, err
	}

	jwe, err := jose.ParseEncrypted(encoded, allowedKeyAlgorithms, allowedContentEncryption)
	if err != nil {
		return nil, failf(errors.ErrInvalidRequestObject, "failed to parse JWE: %v", err)
	}

	var key interface{}
	if strings.HasPrefix(header.Alg, "RSA") {
		if r.DecryptionKey == nil {
			return nil, failf(errors.ErrInvalidRequestObject, "no decryption key configured")
		}
		key, err = r.DecryptionKey(header.Kid)
		if err != nil {
			return nil, failf(errors.ErrInvalidRequestObject, "unknown encryption key %q", header.Kid)
		}
	} else {
		key = []byte(clientSecret)
	}

	payload, err := jwe.Decrypt(key)
	if err != nil {
		return nil, failf(errors.ErrInvalidRequestObject, "failed to decrypt JWE: %v", err)
	}

	ro, err := parsePayload(payload)
	if err != nil {
		return nil, err
	}
	ro.Type = header.Typ
	ro.Algorithm = header.Alg
	ro.EncryptionAlgorithm = header.Enc
	ro.KeyID = header.Kid
	return ro, nil
}

func (r *Resolver) parseSigned(encoded string, parts []string, client *models.Client, clientSecret string) (*RequestObject, error) {
	header, err := decodeHeader(parts[0])
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch {
	case header.Alg == "" || strings.EqualFold(header.Alg, "none"):
		if r.FAPIMode {
			return nil, failf(errors.ErrInvalidRequestObject, "none algorithm is not allowed for FAPI")
		}
		if len(parts) == 3 && parts[2] != "" {
			return nil, failf(errors.ErrInvalidRequestObject, "unsecured JWT must not carry a signature")
		}
		payload, err = base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, failf(errors.ErrInvalidRequestObject, "malformed JWT payload")
		}
	default:
		if len(parts) != 3 || parts[2] == "" {
			return nil, failf(errors.ErrInvalidRequestObject, "the JWT signature is missing")
		}
		jws, err := jose.ParseSigned(encoded, allowedSignatureAlgorithms)
		if err != nil {
			return nil, failf(errors.ErrInvalidRequestObject, "the JWT algorithm is not supported: %v", err)
		}
		key, err := r.verificationKey(header, client, clientSecret)
		if err != nil {
			return nil, err
		}
		payload, err = jws.Verify(key)
		if err != nil {
			return nil, failf(errors.ErrInvalidRequestObject, "the JWT signature is not valid")
		}
	}

	ro, err := parsePayload(payload)
	if err != nil {
		return nil, err
	}
	ro.Type = header.Typ
	ro.Algorithm = header.Alg
	ro.KeyID = header.Kid
	return ro, nil
}

func (r *Resolver) verificationKey(header *joseHeader, client *models.Client, clientSecret string) (interface{}, error) {
	if strings.HasPrefix(header.Alg, "HS") {
		return []byte(clientSecret), nil
	}

	rawJWKS := client.JWKS
	if rawJWKS == "" && client.JWKSURI != "" {
		resp, err := r.httpClient().Get(client.JWKSURI)
		if err != nil {
			return nil, failf(errors.ErrInvalidRequestObject, "failed to fetch client jwks_uri: %v", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return nil, failf(errors.ErrInvalidRequestObject, "failed to read client jwks_uri")
		}
		rawJWKS = string(body)
	}
	if rawJWKS == "" {
		return nil, failf(errors.ErrInvalidRequestObject, "client has no registered JWKS")
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(rawJWKS), &set); err != nil {
		return nil, failf(errors.ErrInvalidRequestObject, "malformed client JWKS")
	}
	if header.Kid != "" {
		if keys := set.Key(header.Kid); len(keys) > 0 {
			return keys[0].Key, nil
		}
	}
	for _, k := range set.Keys {
		if k.Use == "" || k.Use == "sig" {
			return k.Key, nil
		}
	}
	return nil, failf(errors.ErrInvalidRequestObject, "no usable key in client JWKS")
}

func parsePayload(payload []byte) (*RequestObject, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, failf(errors.ErrInvalidRequestObject, "malformed JWT payload")
	}

	ro := &RequestObject{Payload: string(payload)}

	ro.ResponseTypes = stringList(m["response_type"])
	ro.ClientID = stringValue(m["client_id"])
	ro.Scopes = stringList(m["scope"])
	if raw := stringValue(m["redirect_uri"]); raw != "" {
		if decoded, err := url.QueryUnescape(raw); err == nil {
			ro.RedirectURI = decoded
		} else {
			ro.RedirectURI = raw
		}
	}
	ro.Nonce = stringValue(m["nonce"])
	ro.State = stringValue(m["state"])
	ro.Aud = audienceList(m["aud"])
	ro.Display = stringValue(m["display"])
	ro.Prompts = stringList(m["prompt"])
	ro.Exp = intClaim(m["exp"])
	ro.Iss = stringValue(m["iss"])
	ro.Iat = intClaim(m["iat"])
	ro.Nbf = intClaim(m["nbf"])
	ro.JTI = stringValue(m["jti"])
	ro.ClientNotificationToken = stringValue(m["client_notification_token"])
	ro.ACRValues = stringValue(m["acr_values"])
	ro.LoginHintToken = stringValue(m["login_hint_token"])
	ro.IDTokenHint = stringValue(m["id_token_hint"])
	ro.LoginHint = stringValue(m["login_hint"])
	ro.BindingMessage = stringValue(m["binding_message"])
	ro.UserCode = stringValue(m["user_code"])
	ro.CodeChallenge = stringValue(m["code_challenge"])
	ro.CodeChallengeMethod = stringValue(m["code_challenge_method"])
	ro.ResponseMode = stringValue(m["response_mode"])

	// requested_expiry may arrive as number or string.
	if raw, ok := m["requested_expiry"]; ok {
		var n int
		if err := json.Unmarshal(raw, &n); err == nil {
			ro.RequestedExpiry = &n
		} else {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if v, err := strconv.Atoi(s); err == nil {
					ro.RequestedExpiry = &v
				}
			}
		}
	}

	if raw, ok := m["claims"]; ok {
		var claims struct {
			UserInfo map[string]json.RawMessage `json:"userinfo"`
			IDToken  map[string]json.RawMessage `json:"id_token"`
		}
		if err := json.Unmarshal(raw, &claims); err == nil {
			if claims.UserInfo != nil {
				ro.UserInfoMember = parseClaimsMember(claims.UserInfo)
			}
			if claims.IDToken != nil {
				ro.IDTokenMember = parseClaimsMember(claims.IDToken)
			}
		}
	}

	return ro, nil
}

func parseClaimsMember(raw map[string]json.RawMessage) *ClaimsMember {
	member := &ClaimsMember{Claims: make(map[string]*ClaimEntry)}
	for name, v := range raw {
		if name == "max_age" {
			var n int
			if err := json.Unmarshal(v, &n); err == nil {
				member.MaxAge = &n
			}
			continue
		}
		entry := &ClaimEntry{}
		// a claim member may be null (claim requested with no constraints)
		_ = json.Unmarshal(v, entry)
		member.Claims[name] = entry
	}
	return member
}

func stringValue(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// stringList accepts both a space-separated string and a JSON array.
func stringList(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.Fields(s)
	}
	return nil
}

// audienceList accepts a single string or an array of strings.
func audienceList(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}
	if s := stringValue(raw); s != "" {
		return []string{s}
	}
	return nil
}

func intClaim(raw json.RawMessage) *int64 {
	if raw == nil {
		return nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n
	}
	return nil
}

// Validate performs the audience check and, under FAPI, the strict claim
// requirements on a request object bound for the authorize endpoint.
func (ro *RequestObject) Validate(issuer string, fapi bool) error {
	if len(ro.Aud) > 0 && !contains(ro.Aud, issuer) {
		return failf(errors.ErrInvalidRequestObject, "failed to match aud to AS, aud: %v", ro.Aud)
	}
	if !fapi {
		return nil
	}
	if ro.Exp == nil {
		return failf(errors.ErrInvalidRequestObject, "the exp claim is not set")
	}
	if time.Unix(*ro.Exp, 0).Before(time.Now()) {
		return failf(errors.ErrInvalidRequestObject, "request object expired")
	}
	if len(ro.Scopes) == 0 {
		return failf(errors.ErrInvalidRequestObject, "request object does not have scope claim")
	}
	if ro.Nonce == "" {
		return failf(errors.ErrInvalidRequestObject, "request object does not have nonce claim")
	}
	if ro.RedirectURI == "" {
		return failf(errors.ErrInvalidRequestObject, "request object does not have redirect_uri claim")
	}
	return nil
}

// ValidateCIBA performs the backchannel-authentication request object checks:
// audience, and under FAPI the signed-request constraints (exp window, iss
// equals client_id, fresh iat, nbf window, jti, exactly one login hint).
func (ro *RequestObject) ValidateCIBA(issuer, clientID string, maxExpiration time.Duration, fapi bool) error {
	if len(ro.Aud) == 0 || !contains(ro.Aud, issuer) {
		return failf(errors.ErrInvalidRequest, "failed to match aud to AS, aud: %v", ro.Aud)
	}
	if !fapi {
		return nil
	}
	if ro.Exp == nil {
		return failf(errors.ErrInvalidRequest, "the exp claim is not set")
	}
	if time.Unix(*ro.Exp, 0).Before(time.Now()) {
		return failf(errors.ErrInvalidRequest, "request object expired")
	}
	if len(ro.Scopes) == 0 {
		return failf(errors.ErrInvalidRequest, "request object does not have scope claim")
	}
	if ro.Iss == "" || ro.Iss != clientID {
		return failf(errors.ErrInvalidRequest, "request object has a wrong iss claim")
	}
	if ro.Iat == nil || *ro.Iat == 0 {
		return failf(errors.ErrInvalidRequest, "request object has a wrong iat claim")
	}
	now := time.Now().Unix()
	if ro.Nbf == nil || *ro.Nbf > now || *ro.Nbf < now-int64(maxExpiration/time.Second) {
		return failf(errors.ErrInvalidRequest, "request object has a wrong nbf claim")
	}
	if ro.JTI == "" {
		return failf(errors.ErrInvalidRequest, "request object has a wrong jti claim")
	}
	hints := 0
	for _, h := range []string{ro.LoginHint, ro.LoginHintToken, ro.IDTokenHint} {
		if h != "" {
			hints++
		}
	}
	if hints != 1 {
		return failf(errors.ErrInvalidRequest, "request object has too many hints or doesn't have any")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
