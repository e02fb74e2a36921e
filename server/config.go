package server

import (
	"net/http"
	"time"

	"github.com/veridian-io/authserver/authorize"
	"github.com/veridian-io/authserver/models"
)

// Config configuration parameters
type Config struct {
	TokenType string // token type
	Issuer    string // issuer URL for tokens and discovery

	AllowGetAccessRequest       bool // to allow GET requests for the token
	AllowedResponseTypes        []string
	AllowedGrantTypes           []string
	AllowedCodeChallengeMethods []string
	ForcePKCE                   bool

	// FAPI strict mode: required request objects, mandatory exp/nonce/
	// redirect_uri claims, suppressed error descriptions.
	FAPIMode bool

	// Lifetimes.
	CodeLifetime         time.Duration
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
	IDTokenLifetime      time.Duration
	SessionLifetime      time.Duration

	// Refresh rotation settings (operator-configurable)
	RefreshRotation RefreshRotationConfig

	// OpenidScopeBackwardCompatibility re-issues the ID token on
	// refresh_token exchanges carrying the openid scope.
	OpenidScopeBackwardCompatibility bool

	// CustomResponseHeaders sets each client's registered ResponseHeaders
	// on its authorize responses.
	CustomResponseHeaders bool

	// Request object handling.
	RequestURIHashVerification bool
	MaxRequestObjectAge        time.Duration

	// Backchannel (CIBA) settings.
	CIBA CIBAConfig

	// Device flow settings.
	Device DeviceConfig

	// Redirect URIs matching the deny list are refused at client
	// registration; a non-empty allow list restricts registration to
	// matching URIs.
	RedirectURIAllowList []string
	RedirectURIDenyList  []string
}

// RefreshRotationConfig controls refresh token rotation.
type RefreshRotationConfig struct {
	// Whether to issue a new refresh token during refresh
	GenerateNew bool
	// Whether to reset refresh token create time on rotation
	ResetTime bool
	// Whether to remove old access token on refresh
	RemoveOldAccess bool
	// Whether to remove old refresh token on refresh
	RemoveOldRefresh bool
}

// CIBAConfig backchannel authentication settings.
type CIBAConfig struct {
	// Minimum seconds between token polls for one auth_req_id.
	PollInterval time.Duration
	// Default and maximum requested_expiry.
	DefaultExpiry time.Duration
	MaxExpiry     time.Duration
}

// DeviceConfig device authorization settings.
type DeviceConfig struct {
	VerificationURI string
	PollInterval    time.Duration
	Expiry          time.Duration
}

// NewConfig create to configuration instance
func NewConfig() *Config {
	return &Config{
		TokenType: "Bearer",
		Issuer:    "http://localhost",
		AllowedResponseTypes: []string{
			authorize.ResponseTypeCode,
			authorize.ResponseTypeToken,
			authorize.ResponseTypeIDToken,
		},
		AllowedGrantTypes: []string{
			"authorization_code",
			"password",
			"client_credentials",
			"refresh_token",
			"urn:openid:params:grant-type:ciba",
			"urn:ietf:params:oauth:grant-type:device_code",
		},
		AllowedCodeChallengeMethods: []string{
			authorize.CodeChallengePlain,
			authorize.CodeChallengeS256,
		},
		ForcePKCE:            false,
		CodeLifetime:         time.Minute,
		AccessTokenLifetime:  time.Hour,
		RefreshTokenLifetime: 14 * 24 * time.Hour,
		IDTokenLifetime:      time.Hour,
		SessionLifetime:      24 * time.Hour,
		RefreshRotation: RefreshRotationConfig{
			GenerateNew:      true,
			ResetTime:        true,
			RemoveOldAccess:  true,
			RemoveOldRefresh: true,
		},
		RequestURIHashVerification: true,
		MaxRequestObjectAge:        time.Hour,
		CIBA: CIBAConfig{
			PollInterval:  5 * time.Second,
			DefaultExpiry: 2 * time.Minute,
			MaxExpiry:     time.Hour,
		},
		Device: DeviceConfig{
			VerificationURI: "/device",
			PollInterval:    5 * time.Second,
			Expiry:          10 * time.Minute,
		},
	}
}

// AuthorizeRequest the validated authorization request, after parameter
// parsing and request object merging.
type AuthorizeRequest struct {
	ResponseTypes       []string
	ClientID            string
	Client              *models.Client
	Scopes              []string
	RedirectURI         string
	State               string
	Nonce               string
	Display             string
	Prompts             []string
	ACRValues           string
	Claims              string
	MaxAge              *int
	ResponseMode        string
	CodeChallenge       string
	CodeChallengeMethod string
	IDTokenHint         string
	LoginHint           string
	UserCode            string
	SessionID           string
	UserID              string
	AuthenticationTime  time.Time

	Request *http.Request
}
