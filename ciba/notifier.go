// Package ciba implements client-notification delivery for backchannel
// authentication: ping callbacks carrying the auth_req_id and push callbacks
// carrying the tokens themselves.
package ciba

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/veridian-io/authserver/models"
)

// Notifier posts backchannel callbacks to client notification endpoints.
type Notifier struct {
	HTTPClient *http.Client
}

// NewNotifier builds a Notifier with a bounded request timeout.
func NewNotifier(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{HTTPClient: &http.Client{Timeout: timeout}}
}

func (n *Notifier) httpClient() *http.Client {
	if n == nil || n.HTTPClient == nil {
		return http.DefaultClient
	}
	return n.HTTPClient
}

// Ping notifies a ping-mode client that its auth_req_id is ready; the client
// comes back to the token endpoint for the tokens.
func (n *Notifier) Ping(ctx context.Context, client *models.Client, authReqID, notificationToken string) error {
	return n.post(ctx, client, notificationToken, map[string]interface{}{
		"auth_req_id": authReqID,
	})
}

// Push delivers the full token response to a push-mode client.
func (n *Notifier) Push(ctx context.Context, client *models.Client, authReqID, notificationToken string, tokens map[string]interface{}) error {
	payload := make(map[string]interface{}, len(tokens)+1)
	for k, v := range tokens {
		payload[k] = v
	}
	payload["auth_req_id"] = authReqID
	return n.post(ctx, client, notificationToken, payload)
}

func (n *Notifier) post(ctx context.Context, client *models.Client, notificationToken string, payload map[string]interface{}) error {
	if client.BackchannelNotificationEndpoint == "" {
		return fmt.Errorf("client %s has no backchannel notification endpoint", client.ID)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.BackchannelNotificationEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+notificationToken)

	resp, err := n.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
