package server

import (
	"log/slog"

	"github.com/veridian-io/authserver/models"
)

// Audit emits structured security events. Every event carries the client id;
// user ids appear only where a user was actually involved.
type Audit struct {
	Logger *slog.Logger
}

var defaultAudit = &Audit{Logger: slog.Default()}

func (a *Audit) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// AuthorizationGranted an authorize request passed validation and consent.
func (a *Audit) AuthorizationGranted(clientID, userID string, scopes []string) {
	a.logger().Info("authorization granted",
		"event", "authorization_granted",
		"client_id", clientID,
		"user_id", userID,
		"scopes", scopes,
	)
}

// AuthorizationDenied an authorize request was refused.
func (a *Audit) AuthorizationDenied(clientID, reason string) {
	a.logger().Warn("authorization denied",
		"event", "authorization_denied",
		"client_id", clientID,
		"reason", reason,
	)
}

// TokenIssued tokens left the token endpoint.
func (a *Audit) TokenIssued(clientID, userID string, kind models.GrantKind, scopes []string) {
	a.logger().Info("token issued",
		"event", "token_issued",
		"client_id", clientID,
		"user_id", userID,
		"grant", string(kind),
		"scopes", scopes,
	)
}

// CodeReplayed an authorization code was presented twice. Everything the code
// produced is voided when this fires.
func (a *Audit) CodeReplayed(clientID string) {
	a.logger().Warn("authorization code replayed",
		"event", "code_replayed",
		"client_id", clientID,
	)
}

// ClientAuthFailed client authentication at the token endpoint failed.
func (a *Audit) ClientAuthFailed(clientID string) {
	a.logger().Warn("client authentication failed",
		"event", "client_auth_failed",
		"client_id", clientID,
	)
}

// RegistrationRejected a client registration was refused, typically a
// deny-listed redirect URI.
func (a *Audit) RegistrationRejected(clientID, reason string) {
	a.logger().Warn("client registration rejected",
		"event", "registration_rejected",
		"client_id", clientID,
		"reason", reason,
	)
}

// SessionUnauthenticated a live session was forced back to the login page.
func (a *Audit) SessionUnauthenticated(sessionID, clientID string) {
	a.logger().Info("session unauthenticated",
		"event", "session_unauthenticated",
		"session_id", sessionID,
		"client_id", clientID,
	)
}

// SessionEnded a user session was terminated and its grants voided.
func (a *Audit) SessionEnded(sessionID, userID string) {
	a.logger().Info("session ended",
		"event", "session_ended",
		"session_id", sessionID,
		"user_id", userID,
	)
}

// BackchannelDelivery outcome of a CIBA push or ping callback.
func (a *Audit) BackchannelDelivery(clientID, authReqID string, err error) {
	if err != nil {
		a.logger().Warn("backchannel delivery failed",
			"event", "backchannel_delivery",
			"client_id", clientID,
			"auth_req_id", authReqID,
			"error", err,
		)
		return
	}
	a.logger().Info("backchannel delivery",
		"event", "backchannel_delivery",
		"client_id", clientID,
		"auth_req_id", authReqID,
	)
}
