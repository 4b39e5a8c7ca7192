// Package extract contains clients for the downstream content-extraction
// service.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config controls the HTTP extraction client.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

const defaultTimeout = 30 * time.Second

// Client submits items to an HTTP extraction service. The service owns
// retries and content storage; any error returned here is terminal for the
// queue entry.
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient creates an extraction Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("extraction endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type extractRequest struct {
	ItemID string `json:"item_id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

// Extract submits one item for content extraction and blocks until the
// service accepts or rejects it.
func (c *Client) Extract(ctx context.Context, itemID, url, title string) error {
	body, err := json.Marshal(extractRequest{ItemID: itemID, URL: url, Title: title})
	if err != nil {
		return fmt.Errorf("marshal extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}

// NoOp accepts every item without doing anything. It stands in for the
// extraction service in tests and dry runs.
type NoOp struct{}

// Extract always succeeds.
func (NoOp) Extract(context.Context, string, string, string) error {
	return nil
}
