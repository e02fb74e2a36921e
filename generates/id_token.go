package generates

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"hash"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/veridian-io/authserver/errors"
	"github.com/veridian-io/authserver/models"
)

// IDTokenParams everything the session and the flow contribute to one ID
// token.
type IDTokenParams struct {
	Client *models.Client
	Grant  *models.Grant

	// Hash inputs. Empty values produce no at_hash/c_hash claim.
	AccessToken       string
	AuthorizationCode string

	SessionID    string
	SessionState string
}

// IDTokenGenerate builds signed, optionally encrypted ID tokens.
type IDTokenGenerate struct {
	Issuer       string
	Lifetime     time.Duration
	SignedKeyID  string
	SignedKey    []byte
	SignedMethod jwt.SigningMethod

	// Modify runs over the final claim set before signing. Nil disables it.
	Modify func(claims jwt.MapClaims, client *models.Client, grant *models.Grant)

	// HTTPClient used to fetch the client JWKS for encryption. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Token builds the ID token for the grant. When the client registered
// id_token_encrypted_response_alg the signed JWT is nested in a JWE.
func (g *IDTokenGenerate) Token(ctx context.Context, p IDTokenParams) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": g.Issuer,
		"aud": p.Client.ID,
		"sub": p.Grant.UserID,
		"iat": now.Unix(),
		"exp": now.Add(g.Lifetime).Unix(),
	}
	if p.Grant.Nonce != "" {
		claims["nonce"] = p.Grant.Nonce
	}
	if p.Grant.ACRValues != "" {
		claims["acr"] = p.Grant.ACRValues
	}
	if !p.Grant.AuthenticationTime.IsZero() {
		claims["auth_time"] = p.Grant.AuthenticationTime.Unix()
	}
	if p.SessionID != "" {
		claims["sid"] = p.SessionID
	}
	if p.SessionState != "" {
		claims["session_state"] = p.SessionState
	}
	if p.AccessToken != "" {
		claims["at_hash"] = g.halfHash(p.AccessToken)
	}
	if p.AuthorizationCode != "" {
		claims["c_hash"] = g.halfHash(p.AuthorizationCode)
	}
	if p.Client.IDTokenTokenBindingCnf != "" && p.Grant.TokenBindingHash != "" {
		claims["cnf"] = map[string]string{"x5t#S256": p.Grant.TokenBindingHash}
	}

	if g.Modify != nil {
		g.Modify(claims, p.Client, p.Grant)
	}

	t := jwt.NewWithClaims(g.SignedMethod, claims)
	if g.SignedKeyID != "" {
		t.Header["kid"] = g.SignedKeyID
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(g.SignedKey)
	if err != nil {
		return "", err
	}
	signed, err := t.SignedString(key)
	if err != nil {
		return "", err
	}

	if p.Client.IDTokenEncryptedResponseAlg == "" {
		return signed, nil
	}
	return g.encrypt(signed, p.Client)
}

// halfHash the left half of the signing digest over s, base64url encoded.
// This is the at_hash/c_hash recipe from OIDC Core 3.1.3.6.
func (g *IDTokenGenerate) halfHash(s string) string {
	var h hash.Hash
	switch g.SignedMethod.Alg() {
	case "RS384", "ES384", "PS384":
		h = sha512.New384()
	case "RS512", "ES512", "PS512":
		h = sha512.New()
	default:
		h = sha256.New()
	}
	h.Write([]byte(s))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func (g *IDTokenGenerate) encrypt(signed string, client *models.Client) (string, error) {
	alg := jose.KeyAlgorithm(client.IDTokenEncryptedResponseAlg)
	enc := jose.ContentEncryption(client.IDTokenEncryptedResponseEnc)
	if enc == "" {
		enc = jose.A128CBC_HS256
	}

	key, err := g.clientEncryptionKey(client)
	if err != nil {
		return "", err
	}
	encrypter, err := jose.NewEncrypter(enc, jose.Recipient{Algorithm: alg, Key: key}, (&jose.EncrypterOptions{}).WithContentType("JWT"))
	if err != nil {
		return "", err
	}
	obj, err := encrypter.Encrypt([]byte(signed))
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

// clientEncryptionKey resolves the client key used to wrap the ID token.
// RSA-family algorithms use the client JWKS; symmetric ones fall back to the
// client secret.
func (g *IDTokenGenerate) clientEncryptionKey(client *models.Client) (interface{}, error) {
	switch jose.KeyAlgorithm(client.IDTokenEncryptedResponseAlg) {
	case jose.RSA1_5, jose.RSA_OAEP, jose.RSA_OAEP_256:
	default:
		if client.Secret != "" {
			return []byte(client.Secret), nil
		}
	}
	raw := client.JWKS
	if raw == "" && client.JWKSURI != "" {
		httpClient := g.HTTPClient
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		resp, err := httpClient.Get(client.JWKSURI)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		raw = string(body)
	}
	if raw == "" {
		return nil, errors.New("client has no JWKS for id_token encryption")
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, err
	}
	for _, k := range set.Keys {
		if k.Use == "enc" || k.Use == "" {
			return k.Key, nil
		}
	}
	return nil, errors.New("no encryption key in client JWKS")
}
