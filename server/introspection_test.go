package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"

	"github.com/veridian-io/authserver/models"
)

func TestIntrospection(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	srv = newTestServer(t, newClientStore("", false))
	srv.PasswordAuthorizationHandler = func(ctx context.Context, clientID, username, password string) (string, error) {
		return "000000", nil
	}

	tokObj := e.POST("/token").
		WithFormField("grant_type", "password").
		WithFormField("username", "admin").
		WithFormField("password", "123456").
		WithFormField("scope", "openid profile").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	accessToken := tokObj.Value("access_token").String().Raw()
	refreshToken := tokObj.Value("refresh_token").String().Raw()

	resObj := e.POST("/introspect").
		WithFormField("token", accessToken).
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	resObj.Value("active").Boolean().True()
	resObj.Value("client_id").String().Equal(clientID)
	resObj.Value("scope").String().Equal("openid profile")
	resObj.Value("token_type").String().Equal("Bearer")
	resObj.Value("sub").String().Equal("000000")
	resObj.ContainsKey("exp")
	resObj.ContainsKey("iat")

	// the refresh token resolves through the hinted index
	e.POST("/introspect").
		WithFormField("token", refreshToken).
		WithFormField("token_type_hint", "refresh_token").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("active").Boolean().True()

	// unknown tokens are indistinguishable from revoked ones
	e.POST("/introspect").
		WithFormField("token", "no-such-token").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("active").Boolean().False()
}

func TestIntrospectionBearerAuth(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	srv = newTestServer(t, newClientStore("", false))

	tokObj := e.POST("/token").
		WithFormField("grant_type", "client_credentials").
		WithFormField("scope", "all").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	accessToken := tokObj.Value("access_token").String().Raw()

	// a valid bearer token stands in for client credentials
	e.POST("/introspect").
		WithFormField("token", accessToken).
		WithHeader("Authorization", "Bearer "+accessToken).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("active").Boolean().True()

	e.POST("/introspect").
		WithFormField("token", accessToken).
		WithHeader("Authorization", "Bearer bogus").
		Expect().
		Status(http.StatusUnauthorized).
		JSON().Object().
		Value("error").String().Equal("invalid_client")
}

func TestRevocation(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	srv = newTestServer(t, newClientStore("", false))
	srv.PasswordAuthorizationHandler = func(ctx context.Context, clientID, username, password string) (string, error) {
		return "000000", nil
	}

	tokObj := e.POST("/token").
		WithFormField("grant_type", "password").
		WithFormField("username", "admin").
		WithFormField("password", "123456").
		WithFormField("scope", "openid").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	accessToken := tokObj.Value("access_token").String().Raw()
	refreshToken := tokObj.Value("refresh_token").String().Raw()

	// revoking the refresh token voids the whole grant
	e.POST("/revoke").
		WithFormField("token", refreshToken).
		WithFormField("token_type_hint", "refresh_token").
		WithBasicAuth(clientID, clientSecret).
		Expect().Status(http.StatusOK)

	e.POST("/introspect").
		WithFormField("token", accessToken).
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("active").Boolean().False()

	// unknown tokens revoke silently
	e.POST("/revoke").
		WithFormField("token", "no-such-token").
		WithBasicAuth(clientID, clientSecret).
		Expect().Status(http.StatusOK)
}

func TestRevocationForeignClient(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	cs := newClientStore("", false)
	_ = cs.Set("222222", &models.Client{
		ID:         "222222",
		Secret:     "22222222",
		GrantTypes: []string{GrantTypeClientCredentials},
		Scopes:     []string{"all"},
	})
	srv = newTestServer(t, cs)

	tokObj := e.POST("/token").
		WithFormField("grant_type", "client_credentials").
		WithFormField("scope", "all").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	// another client cannot revoke this grant
	e.POST("/revoke").
		WithFormField("token", tokObj.Value("access_token").String().Raw()).
		WithBasicAuth("222222", "22222222").
		Expect().Status(http.StatusUnauthorized).
		JSON().Object().
		Value("error").String().Equal("invalid_client")
}
