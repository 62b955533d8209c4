package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client reads the metadata index through a Blockfrost-compatible API.
type Client struct {
	baseURL   string
	projectID string
	client    *http.Client
}

// NewClient creates a client for the given API endpoint. projectID is
// sent as the project_id header on every request; pass an empty string
// for endpoints without authentication.
func NewClient(baseURL, projectID string, timeoutSeconds int) *Client {
	return &Client{
		baseURL:   baseURL,
		projectID: projectID,
		client: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

// MetadataByLabel fetches one page of transaction metadata under a
// label. It retries up to 3 times with exponential backoff (1s, 2s,
// 4s) on network errors, 429 and 5xx responses. A label with no
// transactions yields an empty page, not an error.
func (c *Client) MetadataByLabel(ctx context.Context, label string, page, count int) ([]LabeledMetadata, error) {
	const maxRetries = 3
	backoffDurations := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
	}

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		// Check context before attempt
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Wait for backoff (except on first attempt)
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDurations[attempt-1]):
			}
		}

		entries, err, retryable := c.doFetch(ctx, label, page, count)
		if err == nil {
			return entries, nil
		}

		lastErr = err

		if !retryable {
			return nil, lastErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	// All retries exhausted
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

// doFetch performs a single page request.
// Returns (entries, error, retryable).
func (c *Client) doFetch(ctx context.Context, label string, page, count int) ([]LabeledMetadata, error, bool) {
	endpoint := fmt.Sprintf("%s/metadata/txs/labels/%s?page=%d&count=%d",
		c.baseURL, url.PathEscape(label), page, count)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err), false
	}
	if c.projectID != "" {
		req.Header.Set("project_id", c.projectID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Network errors and timeouts
		return nil, fmt.Errorf("request failed: %w", err), true
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// The label has never been used on this network.
		return nil, nil, false
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("index returned status %d", resp.StatusCode), true
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("index error: status %d: %s", resp.StatusCode, string(body)), false
	}

	var entries []LabeledMetadata
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err), false
	}
	return entries, nil, false
}
