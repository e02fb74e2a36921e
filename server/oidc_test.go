package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/veridian-io/authserver/generates"
	"github.com/veridian-io/authserver/models"
)

func testRSAKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func TestOIDCDiscovery(t *testing.T) {
	srv = newTestServer(t, newClientStore("", false))
	srv.Config.Issuer = "https://as.example.com"

	gsrv := httptest.NewServer(NewGinEngine(srv))
	defer gsrv.Close()
	e := httpexpect.New(t, gsrv.URL)

	meta := e.GET("/.well-known/openid-configuration").
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	meta.Value("issuer").String().Equal("https://as.example.com")
	meta.Value("authorization_endpoint").String().Equal("https://as.example.com/oauth/authorize")
	meta.Value("token_endpoint").String().Equal("https://as.example.com/oauth/token")
	meta.Value("userinfo_endpoint").String().Equal("https://as.example.com/oauth/userinfo")
	meta.Value("jwks_uri").String().Equal("https://as.example.com/.well-known/jwks.json")
	meta.Value("backchannel_authentication_endpoint").String().Equal("https://as.example.com/oauth/bc-authorize")
	meta.Value("device_authorization_endpoint").String().Equal("https://as.example.com/oauth/device_authorization")
	meta.Value("grant_types_supported").Array().Contains("authorization_code", GrantTypeCIBA, GrantTypeDeviceCode)
	meta.Value("code_challenge_methods_supported").Array().ContainsOnly("plain", "S256")
	meta.Value("backchannel_token_delivery_modes_supported").Array().ContainsOnly("poll", "ping", "push")
	meta.Value("request_parameter_supported").Boolean().True()
}

func TestOIDCJWKS(t *testing.T) {
	srv = newTestServer(t, newClientStore("", false))
	srv.AccessGenerate = generates.NewJWTAccessGenerate(srv.Config.Issuer, "rs-k1", testRSAKeyPEM(t), jwt.SigningMethodRS256)

	gsrv := httptest.NewServer(NewGinEngine(srv))
	defer gsrv.Close()
	e := httpexpect.New(t, gsrv.URL)

	keys := e.GET("/.well-known/jwks.json").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("keys").Array()

	keys.Length().Equal(1)
	key := keys.First().Object()
	key.Value("kty").String().Equal("RSA")
	key.Value("kid").String().Equal("rs-k1")
	key.Value("alg").String().Equal("RS256")
	key.Value("use").String().Equal("sig")
	key.Value("n").String().NotEmpty()
	key.Value("e").String().NotEmpty()
}

func TestOIDCUserInfo(t *testing.T) {
	srv = newTestServer(t, newClientStore("", false))
	srv.PasswordAuthorizationHandler = func(ctx context.Context, clientID, username, password string) (string, error) {
		return "000000", nil
	}

	gsrv := httptest.NewServer(NewGinEngine(srv))
	defer gsrv.Close()
	e := httpexpect.New(t, gsrv.URL)

	accessToken := e.POST("/oauth/token").
		WithFormField("grant_type", "password").
		WithFormField("username", "admin").
		WithFormField("password", "123456").
		WithFormField("scope", "openid profile").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("access_token").String().Raw()

	claims := e.GET("/oauth/userinfo").
		WithHeader("Authorization", "Bearer "+accessToken).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	claims.Value("sub").String().Equal("000000")
	claims.Value("aud").String().Equal(clientID)

	e.GET("/oauth/userinfo").
		WithHeader("Authorization", "Bearer bogus").
		Expect().Status(http.StatusUnauthorized)
}

func TestOIDCUserInfoRequiresOpenIDScope(t *testing.T) {
	srv = newTestServer(t, newClientStore("", false))

	gsrv := httptest.NewServer(NewGinEngine(srv))
	defer gsrv.Close()
	e := httpexpect.New(t, gsrv.URL)

	// client credentials tokens carry no user
	accessToken := e.POST("/oauth/token").
		WithFormField("grant_type", "client_credentials").
		WithFormField("scope", "all").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("access_token").String().Raw()

	e.GET("/oauth/userinfo").
		WithHeader("Authorization", "Bearer "+accessToken).
		Expect().Status(http.StatusForbidden)
}

func TestTokenEndpointIssuesIDToken(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	keyPEM := testRSAKeyPEM(t)
	srv = newTestServer(t, newClientStore("", false))
	srv.PasswordAuthorizationHandler = func(ctx context.Context, clientID, username, password string) (string, error) {
		return "000000", nil
	}
	srv.IDTokenGenerate = &generates.IDTokenGenerate{
		Issuer:       srv.Config.Issuer,
		Lifetime:     time.Hour,
		SignedKeyID:  "rs-k1",
		SignedKey:    keyPEM,
		SignedMethod: jwt.SigningMethodRS256,
	}

	idToken := e.POST("/token").
		WithFormField("grant_type", "password").
		WithFormField("username", "admin").
		WithFormField("password", "123456").
		WithFormField("scope", "openid profile").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("id_token").String().Raw()

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := jwt.Parse(idToken, func(tok *jwt.Token) (interface{}, error) {
		return key.Public(), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["sub"] != "000000" {
		t.Fatalf("unexpected sub %v", claims["sub"])
	}
	if claims["aud"] != clientID {
		t.Fatalf("unexpected aud %v", claims["aud"])
	}
}

func TestEndSession(t *testing.T) {
	srv = newTestServer(t, newClientStore("", false))

	ctx := context.Background()
	session := &models.Session{
		ID:         "sess-1",
		OutsideSID: "outside-1",
		UserID:     "000000",
		State:      models.SessionAuthenticated,
	}
	if err := srv.Sessions.Save(ctx, session); err != nil {
		t.Fatal(err)
	}
	grant := &models.Grant{
		ID:           "grant-1",
		Kind:         models.GrantAuthorizationCode,
		ClientID:     clientID,
		UserID:       "000000",
		Scopes:       []string{"openid"},
		SessionDN:    session.ID,
		CreatedAt:    time.Now(),
		AccessTokens: []*models.Token{{Code: "at-1", CreatedAt: time.Now(), ExpiresIn: time.Hour}},
	}
	if err := srv.Grants.Save(ctx, grant); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/end_session?post_logout_redirect_uri=http://localhost/bye", nil)
	r.AddCookie(&http.Cookie{Name: "sid", Value: session.ID})
	w := httptest.NewRecorder()

	if err := srv.HandleEndSession(w, r); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "http://localhost/bye" {
		t.Fatalf("unexpected redirect target %q", loc)
	}

	if _, err := srv.Sessions.Get(ctx, session.ID); err == nil {
		t.Fatal("session survived logout")
	}
	if _, err := srv.Grants.GetByAccessToken(ctx, "at-1"); err == nil {
		t.Fatal("session grants survived logout")
	}
}

func TestEndSessionWithoutSession(t *testing.T) {
	srv = newTestServer(t, newClientStore("", false))

	r := httptest.NewRequest("GET", "/end_session", nil)
	w := httptest.NewRecorder()
	_ = srv.HandleEndSession(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a session reference, got %d", w.Code)
	}
}
