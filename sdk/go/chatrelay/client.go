// Package chatrelay provides a Go client for the chat relay HTTP API.
//
// Usage:
//
//	client := chatrelay.NewClient("http://localhost:5000")
//	id, err := client.Start(ctx)
//	reply, err := client.Send(ctx, id, "Hello!")
//	fmt.Println(reply.Response)
package chatrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is the response to a sent message. Response may be a fallback text
// when the provider failed; that is still a successful call.
type Reply struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status             string `json:"status"`
	Service            string `json:"service"`
	ActiveSessionCount int    `json:"active_session_count"`
	ProviderAvailable  bool   `json:"provider_available"`
	Uptime             string `json:"uptime"`
}

// APIError is a failure envelope returned by the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server, such as an unknown
// session.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRequestID sets the X-Request-ID sent with every request.
func WithRequestID(id string) Option {
	return func(c *Client) { c.requestID = id }
}

// Client is the chat relay API client.
type Client struct {
	baseURL    string
	requestID  string
	httpClient *http.Client
}

// NewClient creates a new client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.requestID != "" {
		req.Header.Set("X-Request-ID", c.requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("HTTP %d: unexpected response body", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if result == nil {
		return nil
	}
	return json.Unmarshal(data, result)
}

// Start creates a session and returns its id.
func (c *Client) Start(ctx context.Context) (string, error) {
	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/session/start", nil, &result); err != nil {
		return "", err
	}
	return result.SessionID, nil
}

// Send sends a message and waits for the assistant's reply.
func (c *Client) Send(ctx context.Context, sessionID, message string) (*Reply, error) {
	body := map[string]string{"session_id": sessionID, "message": message}
	var result Reply
	if err := c.doJSON(ctx, http.MethodPost, "/session/message", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// History returns the session's turns in order.
func (c *Client) History(ctx context.Context, sessionID string) ([]Message, error) {
	var result struct {
		Messages []Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/session/history/"+url.PathEscape(sessionID), nil, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// Clear empties the session's history. The session stays usable.
func (c *Client) Clear(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/session/history/"+url.PathEscape(sessionID), nil, nil)
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var result HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
