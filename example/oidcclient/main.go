package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
)

var (
	authBaseURL   = env("OIDC_AUTH_BASE_URL", "http://localhost:9096")
	clientID      = env("OIDC_CLIENT_ID", "222222")
	clientSecret  = env("OIDC_CLIENT_SECRET", "22222222")
	redirectURL   = env("OIDC_REDIRECT_URL", "http://localhost:9098/callback")
	stateExpected = env("OIDC_STATE", "xyz")
)

var conf = &oauth2.Config{
	ClientID:     clientID,
	ClientSecret: clientSecret,
	RedirectURL:  redirectURL,
	Scopes:       []string{"openid", "profile"},
	Endpoint: oauth2.Endpoint{
		AuthURL:  authBaseURL + "/oauth/authorize",
		TokenURL: authBaseURL + "/oauth/token",
	},
}

var (
	verifier  = oauth2.GenerateVerifier()
	token     *oauth2.Token
	lastError string
)

func main() {
	http.HandleFunc("/", handleIndex)
	http.HandleFunc("/authorize", handleAuthorize)
	http.HandleFunc("/callback", handleCallback)
	http.HandleFunc("/refresh", handleRefresh)
	http.HandleFunc("/userinfo", handleUserInfo)

	port := os.Getenv("OIDC_CLIENT_PORT")
	if port == "" {
		port = "9098"
	}
	log.Printf("OIDC example client running at http://localhost:%s", port)
	log.Printf("Config: AUTH_BASE=%s CLIENT_ID=%s REDIRECT_URL=%s", authBaseURL, clientID, redirectURL)
	log.Fatal(http.ListenAndServe(":"+port, nil))
}

func handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	warn := ""
	if token == nil {
		warn = `<div style="color:#b45309;background:#fff7ed;border:1px solid #fdba74;padding:8px;margin-bottom:8px;">No access token yet. Click "Authorize" to complete the flow. If it still fails, ensure the server has this redirect URL registered: <code>` + redirectURL + `</code>.</div>`
	}
	if lastError != "" {
		warn += `<div style="color:#991b1b;background:#fee2e2;border:1px solid #fca5a5;padding:8px;margin-bottom:8px;">` + lastError + `</div>`
	}
	var access, refresh, id string
	if token != nil {
		access = token.AccessToken
		refresh = token.RefreshToken
		id, _ = token.Extra("id_token").(string)
	}
	fmt.Fprintf(w, `<h1>OIDC Example Client</h1>
	%s
	<ul>
		<li><a href="/authorize">Start OIDC Authorization Code (PKCE)</a></li>
		<li><a href="/refresh">Refresh tokens (requires refresh token)</a></li>
		<li><a href="/userinfo">Call UserInfo (requires access token)</a></li>
	</ul>
	<pre>access_token=%s
refresh_token=%s
id_token=%s</pre>`, warn, access, refresh, id)
}

func handleAuthorize(w http.ResponseWriter, r *http.Request) {
	u := conf.AuthCodeURL(stateExpected, oauth2.S256ChallengeOption(verifier))
	http.Redirect(w, r, u, http.StatusFound)
}

func handleCallback(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	if r.Form.Get("state") != stateExpected {
		lastError = "invalid state returned from authorization server"
		http.Error(w, "invalid state", 400)
		return
	}
	code := r.Form.Get("code")
	if code == "" {
		lastError = "authorization server did not return code"
		http.Error(w, "missing code", 400)
		return
	}
	tok, err := conf.Exchange(context.Background(), code, oauth2.VerifierOption(verifier))
	if err != nil {
		lastError = "token exchange failed: " + err.Error()
		http.Error(w, lastError, 500)
		return
	}
	token = tok
	lastError = ""
	http.Redirect(w, r, "/", http.StatusFound)
}

func handleRefresh(w http.ResponseWriter, r *http.Request) {
	if token == nil || token.RefreshToken == "" {
		lastError = "no refresh token yet"
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	src := conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		lastError = "refresh failed: " + err.Error()
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	token = tok
	lastError = ""
	http.Redirect(w, r, "/", http.StatusFound)
}

func handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if token == nil {
		lastError = "no access token yet"
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	client := conf.Client(context.Background(), token)
	resp, err := client.Get(authBaseURL + "/oauth/userinfo")
	if err != nil {
		lastError = "userinfo request failed: " + err.Error()
		http.Error(w, err.Error(), 500)
		return
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var pretty map[string]interface{}
	if json.Unmarshal(raw, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		raw = out
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(raw)
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
