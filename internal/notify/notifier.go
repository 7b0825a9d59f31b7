// Package notify delivers donor- and requester-facing notifications.
// Delivery is fire-and-forget: failures are logged by callers, never
// propagated into the state change they were attached to.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Notification struct {
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// PushNotifier tries an open WebSocket session first and falls back to the
// push provider's HTTP endpoint.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushNotifier(endpoint, key string, ws *WSRegistry) *PushNotifier {
	return &PushNotifier{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		WS:       ws,
	}
}

func (p *PushNotifier) Notify(ctx context.Context, userID string, n Notification) error {
	if p.WS != nil {
		if err := p.WS.Send(userID, n); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return fmt.Errorf("no session for %s and no push endpoint configured", userID)
	}
	body := map[string]any{
		"message": map[string]any{
			"token": userID,
			"data":  n,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
	return nil
}
