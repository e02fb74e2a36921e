package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-session/session/v3"
)

// NewGinEngine builds a Gin router and registers all OAuth2/OIDC routes.
func NewGinEngine(s *Server) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(parseFormMiddleware())

	// /oauth/authorize with session form restore middleware
	r.GET("/oauth/authorize", restoreAuthorizeFormMiddleware(), ginFrom(s.HandleAuthorizeRequest))
	r.POST("/oauth/authorize", restoreAuthorizeFormMiddleware(), ginFrom(s.HandleAuthorizeRequest))

	r.POST("/oauth/token", ginFrom(s.HandleTokenRequest))
	if s.Config != nil && s.Config.AllowGetAccessRequest {
		r.GET("/oauth/token", ginFrom(s.HandleTokenRequest))
	}

	r.POST("/oauth/introspect", ginFrom(s.HandleIntrospectionRequest))
	r.POST("/oauth/revoke", ginFrom(s.HandleRevocationRequest))
	r.POST("/oauth/register", ginFrom(s.HandleClientRegistrationRequest))

	r.POST("/oauth/bc-authorize", ginFrom(s.HandleBackchannelAuthorize))
	r.POST("/oauth/device_authorization", ginFrom(s.HandleDeviceAuthorization))

	r.GET("/oauth/end_session", ginFrom(s.HandleEndSession))
	r.POST("/oauth/end_session", ginFrom(s.HandleEndSession))

	r.GET("/.well-known/openid-configuration", ginFrom(s.HandleOIDCDiscovery))
	r.GET("/.well-known/jwks.json", ginFrom(s.HandleOIDCJWKS))
	r.GET("/oauth/userinfo", ginFrom(s.HandleOIDCUserInfo))
	r.POST("/oauth/userinfo", ginFrom(s.HandleOIDCUserInfo))

	return r
}

// ginFrom adapts existing handlers (http.ResponseWriter, *http.Request) to a Gin handler.
func ginFrom(h func(http.ResponseWriter, *http.Request) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		_ = h(c.Writer, c.Request)
		c.Abort()
	}
}

// parseFormMiddleware ensures r.ParseForm() is called for urlencoded/multipart requests so r.FormValue works.
func parseFormMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		r := c.Request
		ct := r.Header.Get("Content-Type")
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if ct != "" {
				if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
					_ = r.ParseForm()
				}
			}
		}
		c.Next()
	}
}

// restoreAuthorizeFormMiddleware restores saved authorize request form from session after login redirects.
func restoreAuthorizeFormMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if store, err := session.Start(c.Request.Context(), c.Writer, c.Request); err == nil {
			if v, ok := store.Get("ReturnUri"); ok {
				var saved url.Values
				if form, ok2 := v.(map[string][]string); ok2 {
					saved = form
				} else if vals, ok2 := v.(url.Values); ok2 {
					saved = vals
				}
				if saved != nil {
					if c.Request.Form == nil {
						_ = c.Request.ParseForm()
					}
					// merge so the consent form's own fields survive the restore
					for k, vs := range saved {
						if _, exists := c.Request.Form[k]; !exists {
							c.Request.Form[k] = vs
						}
					}
				}
				store.Delete("ReturnUri")
				_ = store.Save()
			}
		}
		c.Next()
	}
}
