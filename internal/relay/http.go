package relay

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

	"go.uber.org/zap"
)

// DefaultTimeout bounds every relay HTTP call. A timed-out call is a
// transport failure and goes back through the outbox retry mechanics.
const DefaultTimeout = 15 * time.Second

// HTTPClient talks to the relay's REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a relay client for the given base URL
// (e.g. https://relay.example.com). A zero timeout uses DefaultTimeout.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Upload implements Client. The server upserts on id, so a retried
// upload of an already-stored message succeeds; a 409 from an older
// relay is treated the same way.
func (c *HTTPClient) Upload(ctx context.Context, row Row) error {
	err := c.post(ctx, "/v1/messages", row)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return nil
	}
	return err
}

// FetchInbox implements Client.
func (c *HTTPClient) FetchInbox(ctx context.Context, receiverID string) ([]Row, error) {
	u := c.baseURL + "/v1/inbox?receiver_id=" + url.QueryEscape(receiverID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch inbox: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, readStatusError(resp)
	}
	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode inbox: %w", err)
	}
	return rows, nil
}

// SendReceipt implements Client.
func (c *HTTPClient) SendReceipt(ctx context.Context, r Receipt) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	return c.post(ctx, "/v1/receipts", r)
}

// Evict implements Client. A 404 means the row is already gone (a
// previous attempt crashed after the delete), which is the desired
// end state.
func (c *HTTPClient) Evict(ctx context.Context, messageID string) error {
	u := c.baseURL + "/v1/messages/" + url.PathEscape(messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("evict message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return readStatusError(resp)
	}
	return nil
}

// React implements Client.
func (c *HTTPClient) React(ctx context.Context, messageID, senderID, emoji string) error {
	return c.post(ctx, "/v1/reactions", map[string]string{
		"message_id": messageID,
		"sender_id":  senderID,
		"emoji":      emoji,
	})
}

// Delete implements Client.
func (c *HTTPClient) Delete(ctx context.Context, messageID, senderID string) error {
	return c.post(ctx, "/v1/deletes", map[string]string{
		"message_id": messageID,
		"sender_id":  senderID,
	})
}

// Typing implements Client.
func (c *HTTPClient) Typing(ctx context.Context, chatID, senderID string, typing bool) error {
	return c.post(ctx, "/v1/typing", map[string]any{
		"chat_id":   chatID,
		"sender_id": senderID,
		"typing":    typing,
	})
}

// Ping implements Client.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/healthz", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
