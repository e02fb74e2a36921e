package models

import "time"

// BackchannelStatus state of a pending CIBA or device authorization request.
// A granted request is represented implicitly by the corresponding grant
// record; the pending record is removed when the grant is created.
type BackchannelStatus string

const (
	BackchannelPending BackchannelStatus = "pending"
	BackchannelDenied  BackchannelStatus = "denied"
	BackchannelExpired BackchannelStatus = "expired"
)

// CibaRequest a pending backchannel authentication request, stored until the
// end-user responds or the request expires. LastAccessControl carries the
// wall-clock millisecond timestamp of the client's last poll, driving the
// slow-down contract.
type CibaRequest struct {
	AuthReqID string            `json:"auth_req_id"`
	ClientID  string            `json:"client_id"`
	UserID    string            `json:"user_id,omitempty"`
	Scopes    []string          `json:"scopes,omitempty"`
	Status    BackchannelStatus `json:"status"`

	ClientNotificationToken string `json:"client_notification_token,omitempty"`
	BindingMessage          string `json:"binding_message,omitempty"`
	ACRValues               string `json:"acr_values,omitempty"`

	CreatedAt         time.Time     `json:"created_at"`
	ExpiresIn         time.Duration `json:"expires_in"`
	LastAccessControl int64         `json:"last_access_control,omitempty"`
}

// IsExpired whether the request TTL elapsed.
func (r *CibaRequest) IsExpired() bool {
	return time.Now().After(r.CreatedAt.Add(r.ExpiresIn))
}

// EffectiveStatus the stored status, degraded to expired once the TTL passed.
func (r *CibaRequest) EffectiveStatus() BackchannelStatus {
	if r.Status == BackchannelPending && r.IsExpired() {
		return BackchannelExpired
	}
	return r.Status
}

// DeviceAuthorization a pending device-flow request keyed by device_code and
// cross-indexed by user_code.
type DeviceAuthorization struct {
	DeviceCode string            `json:"device_code"`
	UserCode   string            `json:"user_code"`
	ClientID   string            `json:"client_id"`
	UserID     string            `json:"user_id,omitempty"`
	Scopes     []string          `json:"scopes,omitempty"`
	Status     BackchannelStatus `json:"status"`

	CreatedAt         time.Time     `json:"created_at"`
	ExpiresIn         time.Duration `json:"expires_in"`
	LastAccessControl int64         `json:"last_access_control,omitempty"`
}

// IsExpired whether the request TTL elapsed.
func (d *DeviceAuthorization) IsExpired() bool {
	return time.Now().After(d.CreatedAt.Add(d.ExpiresIn))
}

// EffectiveStatus the stored status, degraded to expired once the TTL passed.
func (d *DeviceAuthorization) EffectiveStatus() BackchannelStatus {
	if d.Status == BackchannelPending && d.IsExpired() {
		return BackchannelExpired
	}
	return d.Status
}
