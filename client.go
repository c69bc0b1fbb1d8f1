// Package tide implements the conversation synchronization engine behind the
// Tide messaging client: a canonical message model fed by REST fetches, a
// real-time event stream, and optimistic local mutations, reconciled into one
// consistent view.
//
// Example:
//
//	client := tide.NewClient("https://tide.example.com", token)
//	engine := tide.NewEngine(client, tide.EngineConfig{Self: tide.Sender{ID: "user-1"}})
//	defer engine.Close()
//
//	feed := tide.NewRealtimeClient(&tide.RealtimeConfig{Token: token})
//	engine.AttachFeed(feed)
//
//	engine.RefreshRoster(ctx)
//	engine.OpenConversation(ctx, "conv-42")
//	engine.Send(ctx, "conv-42", "hello", "")
package tide

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultTimeout = 30 * time.Second

// TokenRefresher exchanges an expired token for a fresh one. Wired to an
// external auth collaborator; the engine never manages credentials itself.
type TokenRefresher func(ctx context.Context) (string, error)

// Client is the REST collaborator for the sync engine.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	refresher  TokenRefresher
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithTokenRefresher installs the auth collaborator called on a 401. The
// original request is then retried exactly once.
func WithTokenRefresher(r TokenRefresher) ClientOption {
	return func(c *Client) { c.refresher = r }
}

// NewClient creates a REST client for the given server.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after an external refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	data, status, err := c.doOnce(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized && c.refresher != nil {
		token, rerr := c.refresher(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("token refresh: %w", rerr)
		}
		c.token = token
		data, status, err = c.doOnce(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
	}
	if status >= 400 {
		return nil, decodeAPIError(status, data)
	}
	return data, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeAPIError(status int, data []byte) error {
	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		return wrapped.Error
	}
	var apiErr APIError
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
		return &apiErr
	}
	return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversation endpoints
// ============================================================================

// ListConversations fetches all conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]RawConversation, error) {
	data, err := c.doRequest(ctx, "GET", "/conversations", nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]RawConversation](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// GetMessages fetches the raw message history for one conversation.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]RawMessage, error) {
	data, err := c.doRequest(ctx, "GET", "/conversations/"+conversationID+"/messages", nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]RawMessage](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// SendMessage creates a message and returns the server's version of it.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (*RawMessage, error) {
	data, err := c.doRequest(ctx, "POST", "/conversations/"+conversationID+"/messages", req)
	if err != nil {
		return nil, err
	}
	return decodeJSON[RawMessage](data)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := c.doRequest(ctx, "DELETE", "/conversations/"+conversationID+"/messages/"+messageID, nil)
	return err
}

// React toggles an emoji reaction on a message.
func (c *Client) React(ctx context.Context, conversationID, messageID, emoji string) (*ReactResult, error) {
	path := "/conversations/" + conversationID + "/messages/" + messageID + "/react"
	data, err := c.doRequest(ctx, "POST", path, ReactRequest{Emoji: emoji})
	if err != nil {
		return nil, err
	}
	return decodeJSON[ReactResult](data)
}

// GetThread fetches full thread detail for a parent message.
func (c *Client) GetThread(ctx context.Context, conversationID, messageID string) (*RawThread, error) {
	path := "/conversations/" + conversationID + "/messages/" + messageID + "/threads"
	data, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[RawThread](data)
}

// PostThreadReply creates a reply in a message's thread and returns the
// updated thread detail.
func (c *Client) PostThreadReply(ctx context.Context, conversationID, messageID, content string) (*RawThread, error) {
	path := "/conversations/" + conversationID + "/messages/" + messageID + "/threads"
	data, err := c.doRequest(ctx, "POST", path, ThreadReplyRequest{Content: content})
	if err != nil {
		return nil, err
	}
	return decodeJSON[RawThread](data)
}

// MarkRead reports the conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "POST", "/conversations/"+conversationID+"/mark_read", nil)
	return err
}
