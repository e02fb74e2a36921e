package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"

	"github.com/veridian-io/authserver/store"
)

func TestClientRegistration(t *testing.T) {
	srv = newTestServer(t, store.NewClientStore())

	gsrv := httptest.NewServer(NewGinEngine(srv))
	defer gsrv.Close()
	e := httpexpect.New(t, gsrv.URL)

	resObj := e.POST("/oauth/register").
		WithJSON(map[string]interface{}{
			"client_name":   "My Test App",
			"redirect_uris": []string{"https://app.example.com/cb"},
			"scope":         "openid profile",
		}).
		Expect().
		Status(http.StatusCreated).
		JSON().Object()

	resObj.Value("client_name").String().Equal("My Test App")
	resObj.Value("scope").String().Equal("openid profile")
	resObj.Value("grant_types").Array().ContainsOnly("authorization_code", "refresh_token")
	resObj.Value("response_types").Array().ContainsOnly("code")

	id := resObj.Value("client_id").String().Raw()
	secret := resObj.Value("client_secret").String().Raw()
	if id == "" || secret == "" {
		t.Fatal("registration must mint credentials")
	}

	// the registration is live immediately
	client, err := srv.Clients.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if client.Secret != secret {
		t.Fatal("stored secret does not match the response")
	}
	if client.Public {
		t.Fatal("default registration is confidential")
	}
}

func TestClientRegistrationPublicClient(t *testing.T) {
	srv = newTestServer(t, store.NewClientStore())

	gsrv := httptest.NewServer(NewGinEngine(srv))
	defer gsrv.Close()
	e := httpexpect.New(t, gsrv.URL)

	id := e.POST("/oauth/register").
		WithJSON(map[string]interface{}{
			"redirect_uris":              []string{"https://app.example.com/cb"},
			"token_endpoint_auth_method": "none",
		}).
		Expect().
		Status(http.StatusCreated).
		JSON().Object().
		Value("client_id").String().Raw()

	client, err := srv.Clients.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !client.Public {
		t.Fatal("token_endpoint_auth_method none registers a public client")
	}
}

func TestClientRegistrationDenyList(t *testing.T) {
	srv = newTestServer(t, store.NewClientStore())
	srv.Config.RedirectURIDenyList = []string{"*.attacker.com/*"}

	gsrv := httptest.NewServer(NewGinEngine(srv))
	defer gsrv.Close()
	e := httpexpect.New(t, gsrv.URL)

	e.POST("/oauth/register").
		WithJSON(map[string]interface{}{
			"redirect_uris": []string{"https://www.attacker.com/cb"},
		}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("invalid_request")
}

func TestClientRegistrationAllowList(t *testing.T) {
	srv = newTestServer(t, store.NewClientStore())
	srv.Config.RedirectURIAllowList = []string{"*.example.com/*"}

	gsrv := httptest.NewServer(NewGinEngine(srv))
	defer gsrv.Close()
	e := httpexpect.New(t, gsrv.URL)

	e.POST("/oauth/register").
		WithJSON(map[string]interface{}{
			"redirect_uris": []string{"https://app.example.com/cb"},
		}).
		Expect().Status(http.StatusCreated)

	e.POST("/oauth/register").
		WithJSON(map[string]interface{}{
			"redirect_uris": []string{"https://app.elsewhere.org/cb"},
		}).
		Expect().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("invalid_request")
}

func TestClientRegistrationRequiresRedirectURI(t *testing.T) {
	srv = newTestServer(t, store.NewClientStore())

	gsrv := httptest.NewServer(NewGinEngine(srv))
	defer gsrv.Close()
	e := httpexpect.New(t, gsrv.URL)

	e.POST("/oauth/register").
		WithJSON(map[string]interface{}{"client_name": "No Redirects"}).
		Expect().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("invalid_request")
}
