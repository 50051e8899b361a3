// Package redcap talks to a REDCap project API as the remote record store.
package redcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/rpattn/qcsync/internal/middleware"
)

// Config holds the API connection settings.
type Config struct {
	URL        string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	BatchSize  int
	// RateLimit is requests per second; zero disables throttling.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns the default client settings without credentials.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
		BatchSize:  100,
		RateLimit:  10,
		RateBurst:  5,
	}
}

// Observer receives one call per HTTP attempt.
type Observer interface {
	ObserveRemoteCall(operation, outcome string, duration time.Duration)
}

// Client is a REDCap API client. It implements repository.RecordStore and
// repository.MetadataSource.
type Client struct {
	cfg      Config
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	observer Observer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is used as is.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver reports each HTTP attempt to o.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redcap api url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("redcap api token is required")
	}
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: middleware.NewLoggingTransport(http.DefaultTransport, c.logger),
		}
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// BatchSize is the maximum number of records sent per import call.
func (c *Client) BatchSize() int {
	return c.cfg.BatchSize
}

// retryPolicy decides whether a failed attempt may be repeated.
type retryPolicy func(error) bool

// anyTransient retries every transient failure. Used for reads.
func anyTransient(err error) bool {
	return isTransient(err)
}

// notSent retries only failures where the request never reached the server.
// Used for writes.
func notSent(err error) bool {
	var transient *transientError
	return errors.As(err, &transient) && !transient.sent
}

// call posts form with bounded exponential backoff.
func (c *Client) call(ctx context.Context, op string, form url.Values, shouldRetry retryPolicy) ([]byte, error) {
	backoff := retry.NewExponential(c.cfg.RetryDelay)
	backoff = retry.WithCappedDuration(30*time.Second, backoff)
	backoff = retry.WithMaxRetries(uint64(c.cfg.MaxRetries), backoff)

	attempt := 0
	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		result, err := c.post(ctx, op, form)
		if err == nil {
			body = result
			return nil
		}
		if shouldRetry(err) && attempt <= c.cfg.MaxRetries {
			c.logger.Warn("remote call failed, retrying", "operation", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return body, nil
}

// post performs one HTTP attempt. Failures are returned as unexported
// transport errors; classify converts them to domain errors.
func (c *Client) post(ctx context.Context, op string, form url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	payload := url.Values{}
	for k, v := range form {
		payload[k] = v
	}
	payload.Set("token", c.cfg.Token)
	if payload.Get("returnFormat") == "" {
		payload.Set("returnFormat", "json")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(payload.Encode()))
	if err != nil {
		return nil, &statusError{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, "error", start)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &transientError{sent: !isDialError(err), err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		c.observe(op, "error", start)
		return nil, &transientError{sent: true, status: resp.StatusCode, err: fmt.Errorf("read response: %w", readErr)}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		c.observe(op, "transient", start)
		return nil, &transientError{sent: true, status: resp.StatusCode, err: fmt.Errorf("%s", responseMessage(body, resp.Status))}
	case resp.StatusCode >= 400:
		c.observe(op, "rejected", start)
		return nil, &statusError{status: resp.StatusCode, body: string(body), err: fmt.Errorf("%s", responseMessage(body, resp.Status))}
	}

	if message, isError := apiError(body); isError {
		c.observe(op, "rejected", start)
		return nil, &statusError{status: resp.StatusCode, body: string(body), err: fmt.Errorf("%s", message)}
	}

	c.observe(op, "ok", start)
	return body, nil
}

func (c *Client) observe(op, outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRemoteCall(op, outcome, time.Since(start))
	}
}

// isDialError reports failures that happened before any byte was written.
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
