package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nicktill/minerstats/pkg/httpx"
	"github.com/nicktill/minerstats/pkg/model"
)

// Publisher posts normalized updates to a minerstats server
type Publisher struct {
	endpoint string
	client   *http.Client
	attempts int
	backoff  time.Duration
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithHTTPClient replaces the default client, e.g. with a traced transport
func WithHTTPClient(c *http.Client) PublisherOption {
	return func(p *Publisher) { p.client = c }
}

// WithRetry retries unacknowledged batches up to attempts times in total
func WithRetry(attempts int, backoff time.Duration) PublisherOption {
	return func(p *Publisher) {
		if attempts > 0 {
			p.attempts = attempts
		}
		p.backoff = backoff
	}
}

// NewPublisher creates a publisher for the server at baseURL
func NewPublisher(baseURL string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		endpoint: strings.TrimRight(baseURL, "/") + "/v1/updates",
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends updates as one batch. Malformed batches fail with
// ErrRejected and are not retried; server-side failures are retried and
// end with ErrNotAcknowledged.
func (p *Publisher) Publish(ctx context.Context, updates ...model.Update) error {
	batch := Batch{Updates: make([]json.RawMessage, len(updates))}
	for i, u := range updates {
		data, err := model.Encode(u)
		if err != nil {
			return fmt.Errorf("encode update %d: %w", i, err)
		}
		batch.Updates[i] = data
	}
	return p.PublishBatch(ctx, batch)
}

// PublishBatch sends already encoded updates
func (p *Publisher) PublishBatch(ctx context.Context, batch Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 && p.backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff * time.Duration(attempt)):
			}
		}

		lastErr = p.post(ctx, body)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (p *Publisher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotAcknowledged, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var e httpx.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, e.Message)
	}
	return fmt.Errorf("%w: %s: %s", ErrNotAcknowledged, resp.Status, e.Message)
}

func retryable(err error) bool {
	if errors.Is(err, ErrRejected) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
