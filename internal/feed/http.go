package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPConfig configures the HTTP feed client.
type HTTPConfig struct {
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int           // attempts per page, including the first
	RetryBackoff time.Duration // initial backoff, doubled per attempt
	MaxPageSize  int           // hard cap on requested page size
}

// HTTPClient talks to the remote ledger feed over HTTP.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
	log    *slog.Logger
}

// NewHTTPClient creates a feed client for the given endpoint.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("feed base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse feed base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxPageSize < 1 {
		cfg.MaxPageSize = 1000
	}

	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    slog.With("component", "feed"),
	}, nil
}

// FetchPage fetches one page of records strictly after the cursor.
// Transient transport and server errors are retried with exponential
// backoff; once the retry budget is exhausted the error wraps
// ErrUnavailable and the run ends without touching the cursor.
func (c *HTTPClient) FetchPage(ctx context.Context, partitionID int64, after Cursor, pageSize int) (*Page, error) {
	if pageSize < 1 || pageSize > c.cfg.MaxPageSize {
		pageSize = c.cfg.MaxPageSize
	}

	endpoint := fmt.Sprintf("%s/v1/partitions/%d/events", c.cfg.BaseURL, partitionID)
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	if !after.IsZero() {
		q.Set("after_time", after.RecordTime.UTC().Format(time.RFC3339Nano))
		q.Set("after_id", after.RecordID)
	}
	reqURL := endpoint + "?" + q.Encode()

	var lastErr error
	delay := c.cfg.RetryBackoff

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		page, retryable, err := c.getPage(ctx, reqURL)
		if err == nil {
			return c.trim(page, after, pageSize), nil
		}
		if !retryable {
			return nil, err
		}

		lastErr = err
		if attempt < c.cfg.MaxRetries {
			c.log.Warn("page fetch failed, retrying",
				"partition", partitionID,
				"attempt", attempt,
				"max_attempts", c.cfg.MaxRetries,
				"backoff", delay.String(),
				"error", err,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return nil, fmt.Errorf("%w: %d attempts failed: %v", ErrUnavailable, c.cfg.MaxRetries, lastErr)
}

// Lookup fetches a single record by identity.
func (c *HTTPClient) Lookup(ctx context.Context, partitionID int64, recordID string) (*Record, error) {
	reqURL := fmt.Sprintf("%s/v1/partitions/%d/events/%s", c.cfg.BaseURL, partitionID, url.PathEscape(recordID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// getPage performs a single GET and reports whether a failure is retryable.
func (c *HTTPClient) getPage(ctx context.Context, reqURL string) (*Page, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, true, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		// A garbled body is as retryable as a dropped connection.
		return nil, true, fmt.Errorf("decode page: %w", err)
	}
	return &page, false, nil
}

// trim drops the boundary record already consumed and enforces the page
// length bound regardless of what the server returned.
func (c *HTTPClient) trim(page *Page, after Cursor, pageSize int) *Page {
	if page == nil {
		return &Page{}
	}
	out := page.Records[:0]
	for _, rec := range page.Records {
		if !after.IsZero() && rec.RecordID == after.RecordID {
			continue
		}
		out = append(out, rec)
		if len(out) == pageSize {
			break
		}
	}
	page.Records = out
	return page
}

// Close releases the underlying session.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
