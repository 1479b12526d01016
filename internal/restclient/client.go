// Package restclient talks to the control-plane REST API: heartbeat,
// pending-message polling, acks, outbound sends, session patches, pub/sub
// token issuance, and history lookups (spec §6). No REST SDK for this
// surface appears anywhere in the reference corpus, so it is built directly
// on net/http, following the same doRequest-plus-typed-wrapper shape the
// corpus uses for its own outbound HTTP clients.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kandev/agentd/internal/protocol"
)

// Client is a REST client for the control-plane API consumed by the daemon.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New returns a Client with a default 10-second per-call timeout if cfg.Timeout
// is zero.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response for %s %s: %w", method, path, err)
	}
	return nil
}

// StatusError is returned when a REST call completes with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Permanent reports whether the status indicates a permanent failure
// (spec §4.5: 401/403/404 are not worth retrying).
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	default:
		return false
	}
}

// Heartbeat reports active sessions and returns the control plane's view of
// this agent's identity.
func (c *Client) Heartbeat(ctx context.Context, activeSessions []string) (*protocol.HeartbeatResponse, error) {
	var resp protocol.HeartbeatResponse
	if err := c.doRequest(ctx, http.MethodPost, "/agent/heartbeat", protocol.HeartbeatRequest{ActiveSessions: activeSessions}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PendingMessages fetches messages waiting for this agent when the pub/sub
// channel is unavailable.
func (c *Client) PendingMessages(ctx context.Context) ([]protocol.IngestMessage, error) {
	var resp protocol.PendingMessagesResponse
	if err := c.doRequest(ctx, http.MethodGet, "/messages/pending", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// AckMessages acknowledges a batch of message IDs as processed.
func (c *Client) AckMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return c.doRequest(ctx, http.MethodPost, "/messages/ack", protocol.AckMessagesRequest{MessageIDs: messageIDs}, nil)
}

// SendMessage delivers an outbound event's durable copy via REST (the
// outbox's eventually-consistent path).
func (c *Client) SendMessage(ctx context.Context, req protocol.SendMessageRequest) error {
	return c.doRequest(ctx, http.MethodPost, "/messages/send", req, nil)
}

// UpdateSession patches session status/metadata on the control plane.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, req protocol.UpdateSessionRequest) error {
	return c.doRequest(ctx, http.MethodPatch, "/sessions/"+sessionID, req, nil)
}

// AgentToken requests a fresh pub/sub subscribe/publish credential.
func (c *Client) AgentToken(ctx context.Context) (*protocol.AgentTokenResponse, error) {
	var resp protocol.AgentTokenResponse
	if err := c.doRequest(ctx, http.MethodPost, "/pubnub/token/agent", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MessageHistory fetches recent messages for a session, bounded by limit.
func (c *Client) MessageHistory(ctx context.Context, sessionID string, limit int) ([]protocol.MessageHistoryEntry, error) {
	path := "/messages/history?sessionId=" + sessionID
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var resp protocol.MessageHistoryResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}
