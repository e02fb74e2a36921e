package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"

	"github.com/veridian-io/authserver/models"
	"github.com/veridian-io/authserver/store"
)

func newDeviceClientStore() *store.ClientStore {
	cs := store.NewClientStore()
	_ = cs.Set(clientID, &models.Client{
		ID:         clientID,
		Secret:     clientSecret,
		GrantTypes: []string{GrantTypeDeviceCode, GrantTypeRefreshToken},
		Scopes:     []string{"openid", "profile"},
	})
	return cs
}

func TestDeviceAuthorizationFlow(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	srv = newTestServer(t, newDeviceClientStore())

	resObj := e.POST("/device_authorization").
		WithFormField("scope", "openid profile").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	deviceCode := resObj.Value("device_code").String().Raw()
	userCode := resObj.Value("user_code").String().Raw()
	resObj.Value("verification_uri").String().Equal("http://localhost/device")
	resObj.Value("verification_uri_complete").String().Equal("http://localhost/device?user_code=" + userCode)
	resObj.Value("interval").Number().Equal(5)
	resObj.ContainsKey("expires_in")

	poll := func() *httpexpect.Response {
		return e.POST("/token").
			WithFormField("grant_type", GrantTypeDeviceCode).
			WithFormField("device_code", deviceCode).
			WithBasicAuth(clientID, clientSecret).
			Expect()
	}

	poll().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("authorization_pending")
	poll().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("slow_down")

	req := httptest.NewRequest("POST", "/device", nil)
	if err := srv.CompleteDeviceAuthorization(req, userCode, "000000", true); err != nil {
		t.Fatal(err)
	}

	tokObj := poll().Status(http.StatusOK).JSON().Object()
	tokObj.Value("scope").String().Equal("openid profile")
	tokObj.ContainsKey("refresh_token")
	validationAccessToken(t, tokObj.Value("access_token").String().Raw())

	// single delivery per device code
	poll().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("invalid_grant")
}

func TestDeviceAuthorizationDenied(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	srv = newTestServer(t, newDeviceClientStore())

	resObj := e.POST("/device_authorization").
		WithFormField("scope", "openid").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	req := httptest.NewRequest("POST", "/device", nil)
	if err := srv.CompleteDeviceAuthorization(req, resObj.Value("user_code").String().Raw(), "000000", false); err != nil {
		t.Fatal(err)
	}

	e.POST("/token").
		WithFormField("grant_type", GrantTypeDeviceCode).
		WithFormField("device_code", resObj.Value("device_code").String().Raw()).
		WithBasicAuth(clientID, clientSecret).
		Expect().Status(http.StatusForbidden).
		JSON().Object().
		Value("error").String().Equal("access_denied")
}

func TestDeviceAuthorizationUnknownUserCode(t *testing.T) {
	srv = newTestServer(t, newDeviceClientStore())

	req := httptest.NewRequest("POST", "/device", nil)
	if err := srv.CompleteDeviceAuthorization(req, "XXXX-XXXX", "000000", true); err == nil {
		t.Fatal("expected an error for an unknown user code")
	}
}

func TestDeviceAuthorizationWrongGrantType(t *testing.T) {
	srv = newTestServer(t, newClientStore("", false))

	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	// the default store's client is not registered for the device grant
	e.POST("/device_authorization").
		WithFormField("scope", "openid").
		WithBasicAuth(clientID, clientSecret).
		Expect().Status(http.StatusUnauthorized).
		JSON().Object().
		Value("error").String().Equal("unauthorized_client")
}
