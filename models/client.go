package models

import "time"

// BackchannelDeliveryMode how CIBA tokens reach the client.
type BackchannelDeliveryMode string

const (
	DeliveryModePush BackchannelDeliveryMode = "push"
	DeliveryModePing BackchannelDeliveryMode = "ping"
	DeliveryModePoll BackchannelDeliveryMode = "poll"
)

// Client registered OAuth2/OIDC client. Immutable during a request; owned by
// the client registry.
type Client struct {
	ID     string `gorm:"primaryKey;column:client_id"`
	Secret string
	Name   string

	RedirectURIs  []string `gorm:"serializer:json"`
	GrantTypes    []string `gorm:"serializer:json"`
	ResponseTypes []string `gorm:"serializer:json"`
	Scopes        []string `gorm:"serializer:json"`

	Trusted  bool
	Disabled bool
	Public   bool

	DefaultACRValues []string `gorm:"serializer:json"`
	DefaultMaxAge    *int

	// Request object / JWKS settings
	JWKS                    string
	JWKSURI                 string `gorm:"column:jwks_uri"`
	RequestObjectSigningAlg string

	// ID token crypto settings
	IDTokenSignedResponseAlg    string
	IDTokenEncryptedResponseAlg string
	IDTokenEncryptedResponseEnc string
	IDTokenTokenBindingCnf      string

	// Whether user consents are remembered across authorizations.
	PersistAuthorizations bool

	// Headers set verbatim on authorize responses for this client.
	ResponseHeaders map[string]string `gorm:"serializer:json"`

	// CIBA settings
	BackchannelDeliveryMode         BackchannelDeliveryMode
	BackchannelNotificationEndpoint string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName gorm table name.
func (Client) TableName() string { return "clients" }

// HasGrantType reports whether gt is registered for the client.
func (c *Client) HasGrantType(gt string) bool {
	for _, g := range c.GrantTypes {
		if g == gt {
			return true
		}
	}
	return false
}

// HasResponseType reports whether rt is registered for the client.
func (c *Client) HasResponseType(rt string) bool {
	for _, r := range c.ResponseTypes {
		if r == rt {
			return true
		}
	}
	return false
}

// HasScope reports whether the client is permitted scope s.
func (c *Client) HasScope(s string) bool {
	for _, v := range c.Scopes {
		if v == s {
			return true
		}
	}
	return false
}
