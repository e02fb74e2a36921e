package models

import "time"

// SessionState the authentication state of a user session.
type SessionState string

const (
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionAuthenticated   SessionState = "authenticated"
)

// Session attribute keys used by the flow controllers.
const (
	SessionAttrAuthorizedGrant = "authorized_grant"
	SessionAttrPrompt          = "prompt"
)

// Session a user session record. Mutated by the authorize flow and persisted
// through the session store; sessions are addressed by opaque id, never by
// in-process reference.
type Session struct {
	ID         string       `json:"id"`
	OutsideSID string       `json:"outside_sid,omitempty"`
	UserID     string       `json:"user_id,omitempty"`
	State      SessionState `json:"state"`

	AuthenticationTime time.Time `json:"authentication_time,omitempty"`
	ACR                string    `json:"acr,omitempty"`

	// Per-client granted permission flags (consent remembered on the session).
	Permissions map[string]bool `json:"permissions,omitempty"`

	Attributes map[string]string `json:"attributes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsAuthenticated reports whether the session carries an authenticated user.
func (s *Session) IsAuthenticated() bool {
	return s != nil && s.State == SessionAuthenticated && s.UserID != ""
}

// AddPermission records the consent decision for a client on the session.
func (s *Session) AddPermission(clientID string, granted bool) {
	if s.Permissions == nil {
		s.Permissions = make(map[string]bool)
	}
	s.Permissions[clientID] = granted
}

// IsPermissionGranted reports whether consent for the client was remembered.
func (s *Session) IsPermissionGranted(clientID string) bool {
	return s != nil && s.Permissions[clientID]
}

// SetAttribute sets a session attribute, allocating the map on first use.
func (s *Session) SetAttribute(key, value string) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[key] = value
}

// Unauthenticate clears the authenticated user from the session.
func (s *Session) Unauthenticate() {
	s.State = SessionUnauthenticated
	s.UserID = ""
	s.AuthenticationTime = time.Time{}
}
