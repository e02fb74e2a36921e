package main

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-session/session/v3"

	"github.com/veridian-io/authserver/server"
	"github.com/veridian-io/authserver/store"
)

var loginTpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html><head><title>Sign in</title></head><body>
<h1>Sign in</h1>
{{if .Error}}<p style="color:red">{{.Error}}</p>{{end}}
<form method="post" action="/login">
  <label>Username <input type="text" name="username" value="{{.LoginHint}}"></label><br>
  <label>Password <input type="password" name="password"></label><br>
  <button type="submit">Sign in</button>
</form>
</body></html>`))

var consentTpl = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html><head><title>Authorize</title></head><body>
<h1>Authorize access</h1>
<p>An application is requesting access to your account.</p>
<form method="post" action="/oauth/authorize">
  <input type="hidden" name="authorized" value="true">
  <button type="submit">Allow</button>
</form>
<form method="post" action="/oauth/authorize">
  <input type="hidden" name="authorized" value="false">
  <button type="submit">Deny</button>
</form>
</body></html>`))

var deviceTpl = template.Must(template.New("device").Parse(`<!DOCTYPE html>
<html><head><title>Device activation</title></head><body>
<h1>Device activation</h1>
{{if .Message}}<p>{{.Message}}</p>{{end}}
<form method="post" action="/device">
  <label>Code <input type="text" name="user_code" value="{{.UserCode}}"></label><br>
  <button type="submit" name="action" value="approve">Approve</button>
  <button type="submit" name="action" value="deny">Deny</button>
</form>
</body></html>`))

var cibaTpl = template.Must(template.New("ciba").Parse(`<!DOCTYPE html>
<html><head><title>Pending sign-in</title></head><body>
<h1>Confirm sign-in</h1>
{{if .Message}}<p>{{.Message}}</p>{{end}}
<form method="post" action="/ciba">
  <label>Request <input type="text" name="auth_req_id" value="{{.AuthReqID}}"></label><br>
  <button type="submit" name="action" value="approve">Approve</button>
  <button type="submit" name="action" value="deny">Deny</button>
</form>
</body></html>`))

// registerUIRoutes adds the interactive pages: login, consent, device
// activation and backchannel approval. They carry the web session that the
// authorize endpoint reads.
func registerUIRoutes(r *gin.Engine, srv *server.Server, users *store.UserStore) {
	r.GET("/login", func(c *gin.Context) {
		_ = loginTpl.Execute(c.Writer, gin.H{"LoginHint": c.Query("login_hint")})
	})

	r.POST("/login", func(c *gin.Context) {
		st, err := session.Start(c.Request.Context(), c.Writer, c.Request)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if users == nil {
			_ = loginTpl.Execute(c.Writer, gin.H{"Error": "no user database configured", "LoginHint": c.PostForm("username")})
			return
		}
		u, err := users.Authenticate(c.Request.Context(), c.PostForm("username"), c.PostForm("password"))
		if err != nil {
			c.Status(http.StatusUnauthorized)
			_ = loginTpl.Execute(c.Writer, gin.H{"Error": "invalid username or password", "LoginHint": c.PostForm("username")})
			return
		}
		st.Set("LoggedInUserID", u.ID)
		_ = st.Save()
		c.Redirect(http.StatusFound, "/auth")
	})

	r.GET("/auth", func(c *gin.Context) {
		st, err := session.Start(c.Request.Context(), c.Writer, c.Request)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if _, ok := st.Get("LoggedInUserID"); !ok {
			c.Redirect(http.StatusFound, "/login")
			return
		}
		_ = consentTpl.Execute(c.Writer, nil)
	})

	r.GET("/device", func(c *gin.Context) {
		st, err := session.Start(c.Request.Context(), c.Writer, c.Request)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if _, ok := st.Get("LoggedInUserID"); !ok {
			c.Redirect(http.StatusFound, "/login")
			return
		}
		_ = deviceTpl.Execute(c.Writer, gin.H{"UserCode": c.Query("user_code")})
	})

	r.POST("/device", func(c *gin.Context) {
		st, err := session.Start(c.Request.Context(), c.Writer, c.Request)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		uid, ok := st.Get("LoggedInUserID")
		if !ok {
			c.Redirect(http.StatusFound, "/login")
			return
		}
		approved := c.PostForm("action") == "approve"
		err = srv.CompleteDeviceAuthorization(c.Request, c.PostForm("user_code"), uid.(string), approved)
		msg := "Device authorized."
		if err != nil {
			msg = "Code not recognized or expired."
		} else if !approved {
			msg = "Device denied."
		}
		_ = deviceTpl.Execute(c.Writer, gin.H{"Message": msg, "UserCode": ""})
	})

	r.GET("/ciba", func(c *gin.Context) {
		st, err := session.Start(c.Request.Context(), c.Writer, c.Request)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if _, ok := st.Get("LoggedInUserID"); !ok {
			c.Redirect(http.StatusFound, "/login")
			return
		}
		_ = cibaTpl.Execute(c.Writer, gin.H{"AuthReqID": c.Query("auth_req_id")})
	})

	r.POST("/ciba", func(c *gin.Context) {
		st, err := session.Start(c.Request.Context(), c.Writer, c.Request)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if _, ok := st.Get("LoggedInUserID"); !ok {
			c.Redirect(http.StatusFound, "/login")
			return
		}
		approved := c.PostForm("action") == "approve"
		err = srv.CompleteBackchannelAuthorization(c.Request, c.PostForm("auth_req_id"), approved)
		msg := "Sign-in approved."
		if err != nil {
			msg = "Request not recognized or expired."
		} else if !approved {
			msg = "Sign-in denied."
		}
		_ = cibaTpl.Execute(c.Writer, gin.H{"Message": msg, "AuthReqID": ""})
	})
}
