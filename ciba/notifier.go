package ciba

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultNotificationTimeout bounds a single notification delivery
const DefaultNotificationTimeout = 10 * time.Second

// maxErrorBody bounds how much of a failed notification response is read
const maxErrorBody = 1024

// PingPayload is sent to ping-mode clients once the user decided
type PingPayload struct {
	AuthReqID string `json:"auth_req_id"`
}

// PushTokenPayload delivers tokens to push-mode clients
type PushTokenPayload struct {
	AuthReqID    string `json:"auth_req_id"`
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// PushErrorPayload delivers a denial to push-mode clients
type PushErrorPayload struct {
	AuthReqID        string `json:"auth_req_id"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Notifier delivers a payload to a client notification endpoint, authenticated
// with the client notification token as a bearer token
type Notifier interface {
	Notify(ctx context.Context, endpoint, bearer string, payload any) error
}

// HTTPNotifier posts JSON payloads over HTTP
type HTTPNotifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPNotifier creates a notifier. A nil client uses one with
// DefaultNotificationTimeout.
func NewHTTPNotifier(client *http.Client, logger *slog.Logger) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Timeout: DefaultNotificationTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPNotifier{client: client, logger: logger}
}

// Notify implements Notifier. Any non-2xx response is an error.
func (n *HTTPNotifier) Notify(ctx context.Context, endpoint, bearer string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	notificationID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Request-ID", notificationID)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("notification endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	n.logger.Debug("Delivered backchannel notification",
		"notification_id", notificationID,
		"status", resp.StatusCode)
	return nil
}
