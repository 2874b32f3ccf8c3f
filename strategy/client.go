package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"virtex/core"
	"virtex/pkg/logger"

	"github.com/jpillora/backoff"
)

// Default client tuning.
const (
	defaultTimeout    = 90 * time.Second
	defaultMaxRetries = 3
)

// Client calls the external strategy service over HTTP. Every call passes
// the backtest timestamp explicitly; the service must not rely on
// session state, so concurrent runs never interfere.
type Client struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	log        logger.Logger
}

// ClientOption configures the strategy client.
type ClientOption func(*Client)

// WithTimeout bounds each strategy call.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

// WithMaxRetries bounds the transport-level retry loop.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// NewClient creates a strategy client for the given URL.
func NewClient(url string, log logger.Logger, options ...ClientOption) *Client {
	client := &Client{
		url:        url,
		httpClient: http.DefaultClient,
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		log:        log,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// decideRequest is the wire shape of one strategy invocation.
type decideRequest struct {
	Symbol            string `json:"symbol"`
	BacktestTimestamp int64  `json:"backtest_timestamp"`
}

// Decide asks the service for this step's actions. Connection failures and
// 5xx replies are retried with exponential backoff; exhausting the retries
// returns ErrStrategyUnavailable, a deadline hit returns ErrStrategyTimeout.
// Either way the caller treats the step as "no orders".
func (c *Client) Decide(ctx context.Context, symbol string, at time.Time) ([]Action, error) {
	payload, err := json.Marshal(decideRequest{Symbol: symbol, BacktestTimestamp: at.Unix()})
	if err != nil {
		return nil, err
	}

	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", core.ErrStrategyUnavailable, ctx.Err())
			}
		}

		body, err := c.call(ctx, payload)
		if err == nil {
			return ExtractActions(body), nil
		}
		if errors.Is(err, core.ErrStrategyTimeout) || errors.Is(err, core.ErrStrategyUnavailable) {
			return nil, err
		}
		lastErr = err
		c.log.WithError(err).Warnf("strategy call attempt %d/%d failed", attempt+1, c.maxRetries+1)
	}

	return nil, fmt.Errorf("%w: %v", core.ErrStrategyUnavailable, lastErr)
}

// call performs one HTTP round trip under the per-call deadline.
func (c *Client) call(ctx context.Context, payload []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", core.ErrStrategyTimeout, c.timeout)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("strategy service returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: strategy service returned %d", core.ErrStrategyUnavailable, resp.StatusCode)
	}
	return body, nil
}
