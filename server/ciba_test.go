package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"

	"github.com/veridian-io/authserver/ciba"
	"github.com/veridian-io/authserver/models"
	"github.com/veridian-io/authserver/store"
)

func newCibaClientStore(mode models.BackchannelDeliveryMode, notificationEndpoint string) *store.ClientStore {
	cs := store.NewClientStore()
	_ = cs.Set(clientID, &models.Client{
		ID:                              clientID,
		Secret:                          clientSecret,
		GrantTypes:                      []string{GrantTypeCIBA, GrantTypeRefreshToken},
		Scopes:                          []string{"openid", "profile"},
		BackchannelDeliveryMode:         mode,
		BackchannelNotificationEndpoint: notificationEndpoint,
	})
	return cs
}

func newCibaServer(t *testing.T, mode models.BackchannelDeliveryMode, notificationEndpoint string) *Server {
	s := newTestServer(t, newCibaClientStore(mode, notificationEndpoint))
	s.BackchannelUserResolver = func(ctx context.Context, loginHint, loginHintToken, idTokenHint string) (string, error) {
		if loginHint == "admin" {
			return "000000", nil
		}
		return "", nil
	}
	return s
}

func TestBackchannelPollFlow(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	srv = newCibaServer(t, models.DeliveryModePoll, "")

	resObj := e.POST("/bc-authorize").
		WithFormField("scope", "openid profile").
		WithFormField("login_hint", "admin").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	resObj.ContainsKey("expires_in")
	resObj.Value("interval").Number().Equal(5)
	authReqID := resObj.Value("auth_req_id").String().Raw()

	poll := func() *httpexpect.Response {
		return e.POST("/token").
			WithFormField("grant_type", GrantTypeCIBA).
			WithFormField("auth_req_id", authReqID).
			WithBasicAuth(clientID, clientSecret).
			Expect()
	}

	// first poll is pending, an immediate second one is paced
	poll().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("authorization_pending")
	poll().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("slow_down")

	req := httptest.NewRequest("POST", "/complete", nil)
	if err := srv.CompleteBackchannelAuthorization(req, authReqID, true); err != nil {
		t.Fatal(err)
	}

	tokObj := poll().Status(http.StatusOK).JSON().Object()
	tokObj.Value("auth_req_id").String().Equal(authReqID)
	tokObj.Value("scope").String().Equal("openid profile")
	tokObj.ContainsKey("refresh_token")
	validationAccessToken(t, tokObj.Value("access_token").String().Raw())

	// tokens are delivered once
	poll().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("invalid_grant")
}

func TestBackchannelDenied(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	srv = newCibaServer(t, models.DeliveryModePoll, "")

	authReqID := e.POST("/bc-authorize").
		WithFormField("scope", "openid").
		WithFormField("login_hint", "admin").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("auth_req_id").String().Raw()

	req := httptest.NewRequest("POST", "/complete", nil)
	if err := srv.CompleteBackchannelAuthorization(req, authReqID, false); err != nil {
		t.Fatal(err)
	}

	e.POST("/token").
		WithFormField("grant_type", GrantTypeCIBA).
		WithFormField("auth_req_id", authReqID).
		WithBasicAuth(clientID, clientSecret).
		Expect().Status(http.StatusForbidden).
		JSON().Object().
		Value("error").String().Equal("access_denied")
}

func TestBackchannelHintValidation(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	srv = newCibaServer(t, models.DeliveryModePoll, "")

	request := func() *httpexpect.Request {
		return e.POST("/bc-authorize").WithBasicAuth(clientID, clientSecret)
	}

	// no hint at all
	request().
		WithFormField("scope", "openid").
		Expect().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("invalid_request")

	// two hints
	request().
		WithFormField("scope", "openid").
		WithFormField("login_hint", "admin").
		WithFormField("id_token_hint", "eyJ.eyJ.x").
		Expect().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("invalid_request")

	// openid scope is mandatory
	request().
		WithFormField("scope", "profile").
		WithFormField("login_hint", "admin").
		Expect().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("invalid_scope")

	// hint does not resolve to a user
	request().
		WithFormField("scope", "openid").
		WithFormField("login_hint", "nobody").
		Expect().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("unknown_user_id")
}

func TestBackchannelExpiry(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	srv = newCibaServer(t, models.DeliveryModePoll, "")

	authReqID := e.POST("/bc-authorize").
		WithFormField("scope", "openid").
		WithFormField("login_hint", "admin").
		WithFormField("requested_expiry", "1").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("auth_req_id").String().Raw()

	time.Sleep(1100 * time.Millisecond)

	e.POST("/token").
		WithFormField("grant_type", GrantTypeCIBA).
		WithFormField("auth_req_id", authReqID).
		WithBasicAuth(clientID, clientSecret).
		Expect().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("expired_token")
}

func TestBackchannelPingDelivery(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	type callback struct {
		auth    string
		payload map[string]interface{}
	}
	received := make(chan callback, 1)
	nsrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- callback{auth: r.Header.Get("Authorization"), payload: payload}
	}))
	defer nsrv.Close()

	srv = newCibaServer(t, models.DeliveryModePing, nsrv.URL)
	srv.Notifier = ciba.NewNotifier(time.Second)

	authReqID := e.POST("/bc-authorize").
		WithFormField("scope", "openid").
		WithFormField("login_hint", "admin").
		WithFormField("client_notification_token", "notify-123").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("auth_req_id").String().Raw()

	req := httptest.NewRequest("POST", "/complete", nil)
	if err := srv.CompleteBackchannelAuthorization(req, authReqID, true); err != nil {
		t.Fatal(err)
	}

	cb := <-received
	if cb.auth != "Bearer notify-123" {
		t.Fatalf("unexpected notification auth %q", cb.auth)
	}
	if cb.payload["auth_req_id"] != authReqID {
		t.Fatalf("unexpected ping payload %v", cb.payload)
	}
	// the ping carries no tokens, the client comes back for them
	if _, ok := cb.payload["access_token"]; ok {
		t.Fatal("ping delivery must not carry tokens")
	}

	tokObj := e.POST("/token").
		WithFormField("grant_type", GrantTypeCIBA).
		WithFormField("auth_req_id", authReqID).
		WithBasicAuth(clientID, clientSecret).
		Expect().Status(http.StatusOK).
		JSON().Object()
	validationAccessToken(t, tokObj.Value("access_token").String().Raw())
}

func TestBackchannelPushDelivery(t *testing.T) {
	tsrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testServer(t, w, r)
	}))
	defer tsrv.Close()
	e := httpexpect.New(t, tsrv.URL)

	received := make(chan map[string]interface{}, 1)
	nsrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
	}))
	defer nsrv.Close()

	srv = newCibaServer(t, models.DeliveryModePush, nsrv.URL)
	srv.Notifier = ciba.NewNotifier(time.Second)

	resObj := e.POST("/bc-authorize").
		WithFormField("scope", "openid").
		WithFormField("login_hint", "admin").
		WithFormField("client_notification_token", "notify-456").
		WithBasicAuth(clientID, clientSecret).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	// push clients get no polling interval
	resObj.NotContainsKey("interval")
	authReqID := resObj.Value("auth_req_id").String().Raw()

	req := httptest.NewRequest("POST", "/complete", nil)
	if err := srv.CompleteBackchannelAuthorization(req, authReqID, true); err != nil {
		t.Fatal(err)
	}

	payload := <-received
	if payload["auth_req_id"] != authReqID {
		t.Fatalf("unexpected push payload %v", payload)
	}
	access, _ := payload["access_token"].(string)
	if access == "" {
		t.Fatal("push delivery must carry the tokens")
	}
	validationAccessToken(t, access)

	// the token endpoint refuses a second delivery
	e.POST("/token").
		WithFormField("grant_type", GrantTypeCIBA).
		WithFormField("auth_req_id", authReqID).
		WithBasicAuth(clientID, clientSecret).
		Expect().Status(http.StatusBadRequest).
		JSON().Object().
		Value("error").String().Equal("invalid_grant")
}
