// Package upstream fetches audio from origin servers on behalf of the
// streaming proxy, with retry and client-specific header shaping.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the client configuration.
type Config struct {
	// UserAgent is presented for desktop clients.
	UserAgent string

	// HeaderTimeout bounds the wait for response headers. The body is
	// streamed without a deadline.
	HeaderTimeout time.Duration

	// Retry controls attempts and backoff.
	Retry RetryConfig

	// Transport overrides the HTTP transport, e.g. with a caching one.
	Transport http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent:     DefaultUserAgent,
		HeaderTimeout: 15 * time.Second,
		Retry:         DefaultRetryConfig(),
	}
}

// Client performs upstream audio requests.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = DefaultConfig().HeaderTimeout
	}

	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(cfg.HeaderTimeout)
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		config:     cfg,
		logger:     log.With().Str("component", "upstream").Logger(),
	}
}

// NewTransport returns the transport used for upstream requests. Callers
// that wrap it (for example with a caching RoundTripper) pass the result as
// Config.Transport.
func NewTransport(headerTimeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = headerTimeout
	// Keep Content-Length and byte offsets intact.
	t.DisableCompression = true
	return t
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// ParseTarget validates an upstream URL. Only absolute http(s) URLs are
// accepted.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}
	return u, nil
}

// Fetch issues a GET for target with headers shaped from in. Network
// failures and 5xx answers are retried; 4xx answers are returned as-is for
// the caller to pass through. The caller must close the response body.
func (c *Client) Fetch(ctx context.Context, target *url.URL, in http.Header) (*http.Response, error) {
	headers := ShapeHeaders(in, target, c.config.UserAgent)
	logger := c.logger.With().Str("host", target.Host).Logger()

	var resp *http.Response
	err := retryWithBackoff(ctx, c.config.Retry, logger, func() (ErrorClass, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header = headers.Clone()

		start := time.Now()
		r, err := c.httpClient.Do(req)
		upstreamRequestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			upstreamRequestsTotal.WithLabelValues("network_error").Inc()
			logger.Warn().Err(err).Msg("Upstream request failed")
			if ctx.Err() != nil {
				return "", err
			}
			return ErrorClassNetwork, &UpstreamError{URL: target.String(), ErrorClass: ErrorClassNetwork, Err: err}
		}

		upstreamRequestsTotal.WithLabelValues(strconv.Itoa(r.StatusCode)).Inc()
		if class := classifyStatus(r.StatusCode); shouldRetry(class) {
			r.Body.Close()
			logger.Warn().
				Int("status", r.StatusCode).
				Str("error_class", string(class)).
				Msg("Upstream error response")
			return class, &UpstreamError{URL: target.String(), StatusCode: r.StatusCode, ErrorClass: class}
		}

		resp = r
		return "", nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Str("range", headers.Get("Range")).
		Bool("mobile", IsMobile(in.Get("User-Agent"))).
		Msg("Upstream response")
	return resp, nil
}
