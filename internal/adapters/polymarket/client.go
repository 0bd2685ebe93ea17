package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"polyMonitorBot/internal/ports"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"
)

const (
	defaultGammaBase = "https://gamma-api.polymarket.com"
	defaultFeedURL   = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	// Gamma /markets: documented 300/10s; run at 60% of that.
	gammaRatePerSec = 18

	maxQueryRetries = 3
)

// Client is the Gamma HTTP client with rate limiting and retries.
type Client struct {
	http      *http.Client
	gammaBase string
	limiter   *rate.Limiter
	logger    ports.Logger
}

// NewClient creates a Gamma client. An empty base URL selects production.
func NewClient(gammaBase string, logger ports.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for Polymarket client")
	}
	if gammaBase == "" {
		gammaBase = defaultGammaBase
	}
	return &Client{
		http:      &http.Client{Timeout: 10 * time.Second},
		gammaBase: gammaBase,
		limiter:   rate.NewLimiter(gammaRatePerSec, 10),
		logger:    logger,
	}, nil
}

// get issues a rate-limited GET and decodes the JSON response into out,
// retrying transient failures with exponential backoff.
func (c *Client) get(ctx context.Context, path string, out any) error {
	retryWait := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= maxQueryRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w: %w", ports.ErrContextCanceled, err)
		}

		err := c.doGet(ctx, path, out)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err

		select {
		case <-time.After(retryWait.Duration()):
		case <-ctx.Done():
			return fmt.Errorf("gamma query canceled: %w: %w", ports.ErrContextCanceled, ctx.Err())
		}
	}
	return fmt.Errorf("gamma query failed after %d retries: %w", maxQueryRetries, lastErr)
}

func (c *Client) doGet(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gammaBase+path, nil)
	if err != nil {
		return fmt.Errorf("build gamma request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("gamma request canceled: %w: %w", ports.ErrContextCanceled, err)
		}
		return fmt.Errorf("gamma request failed: %w: %w", ports.ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("gamma %s: %w", path, ports.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("gamma %s: %w", path, ports.ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("gamma %s returned %d: %w", path, resp.StatusCode, ports.ErrTransport)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("gamma %s returned %d: %w", path, resp.StatusCode, ports.ErrInvalidRequest)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read gamma response: %w: %w", ports.ErrTransport, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode gamma response: %w: %w", ports.ErrDataIntegrity, err)
	}
	return nil
}

// retryable reports whether a query error is worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, ports.ErrTransport) || errors.Is(err, ports.ErrRateLimited)
}
