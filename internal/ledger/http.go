package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haulmark/fieldsync/internal/envelope"
	"github.com/haulmark/fieldsync/internal/faults"
)

// DefaultTimeout bounds every ledger request. The original design left the
// timeout to the transport; here it is explicit so a wedged connection
// cannot stall a drain cycle indefinitely.
const DefaultTimeout = 30 * time.Second

// Client is the HTTP implementation of Ledger.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a ledger client for the given base URL.
// A zero timeout falls back to DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// InsertEvent upserts one event. Connection-level failures and 5xx
// responses come back as network faults (transient, retried by the sync
// manager); 4xx responses are permanent rejections of this event.
func (c *Client) InsertEvent(ctx context.Context, ev envelope.WireEvent) error {
	return c.post(ctx, "/v1/events", ev)
}

// IngestGPSEvents uploads a batch of position samples.
func (c *Client) IngestGPSEvents(ctx context.Context, samples []envelope.GPSSample) error {
	if len(samples) == 0 {
		return nil
	}
	return c.post(ctx, "/v1/gps/batch", map[string]any{"events": samples})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Network("ledger unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return faults.Network(fmt.Sprintf("ledger returned %d for %s", resp.StatusCode, path), nil)
	default:
		// Permanent rejection: include a snippet of the body for diagnosis.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("ledger rejected %s: status %d: %s", path, resp.StatusCode, snippet)
	}
}
