// Package request is the client's HTTP gateway: per-attempt timeouts,
// exponential retry for transient failures, and a read-through cache that
// can serve stale entries while the device is offline.
package request

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

	"github.com/cenkalti/backoff/v5"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/cache"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Connectivity reports the platform's network state.
type Connectivity interface {
	Offline() bool
}

// Request describes one logical call. CacheKey and CacheTTL only apply to
// GET and HEAD.
type Request struct {
	Method   string
	Path     string
	Header   http.Header
	Body     []byte
	CacheKey string
	CacheTTL time.Duration
}

// IsRead reports whether the request may be served from cache.
func (r Request) IsRead() bool {
	return r.Method == "" || r.Method == http.MethodGet || r.Method == http.MethodHead
}

// Response is a completed call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	// FromCache is set when the body came from the cache. Stale additionally
	// marks an expired entry served because the device is offline.
	FromCache bool
	Stale     bool
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Config configures a Gateway.
type Config struct {
	BaseURL       string
	Client        *http.Client
	Timeout       time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RetryStatuses []int
	Cache         *cache.Cache
	Connectivity  Connectivity
	// Header is added to every request, e.g. Authorization.
	Header http.Header
	Logger zerolog.Logger
}

// Gateway issues requests against one base URL.
type Gateway struct {
	baseURL      string
	client       *http.Client
	timeout      time.Duration
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	retryStatus  map[int]bool
	cache        *cache.Cache
	connectivity Connectivity
	header       http.Header
	logger       zerolog.Logger
}

// New creates a gateway, filling unset fields with defaults.
func New(cfg Config) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("request: base URL is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.RetryStatuses == nil {
		cfg.RetryStatuses = DefaultRetryStatuses
	}

	retryStatus := make(map[int]bool, len(cfg.RetryStatuses))
	for _, code := range cfg.RetryStatuses {
		retryStatus[code] = true
	}

	return &Gateway{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       cfg.Client,
		timeout:      cfg.Timeout,
		maxAttempts:  cfg.MaxAttempts,
		baseDelay:    cfg.BaseDelay,
		maxDelay:     cfg.MaxDelay,
		retryStatus:  retryStatus,
		cache:        cfg.Cache,
		connectivity: cfg.Connectivity,
		header:       cfg.Header,
		logger:       cfg.Logger,
	}, nil
}

// Get issues a GET. A non-empty cacheKey enables the read-through cache.
func (g *Gateway) Get(ctx context.Context, path, cacheKey string, ttl time.Duration) (*Response, error) {
	return g.Do(ctx, Request{Method: http.MethodGet, Path: path, CacheKey: cacheKey, CacheTTL: ttl})
}

// Post issues a JSON POST.
func (g *Gateway) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return g.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Do runs req with retries. Reads with a CacheKey return a fresh cache hit
// without touching the network, and fall back to a stale entry when every
// attempt failed with a retryable error while offline. Writes never use the cache.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	cacheable := req.IsRead() && req.CacheKey != "" && g.cache != nil

	if cacheable {
		if entry, err := g.cache.Get(ctx, req.CacheKey); err == nil {
			return &Response{StatusCode: http.StatusOK, Body: entry.Data, FromCache: true}, nil
		}
	}

	resp, err := g.retry(ctx, req)
	if err == nil {
		if cacheable {
			if cerr := g.cache.Set(ctx, req.CacheKey, resp.Body, req.CacheTTL); cerr != nil {
				g.logger.Warn().Err(cerr).Str("key", req.CacheKey).Msg("Failed to cache response")
			}
		}
		return resp, nil
	}

	// A permanent error is an answer from the server, not an outage.
	if cacheable && ctx.Err() == nil && IsRetryable(err) && g.offline() {
		if entry, cerr := g.cache.GetStale(ctx, req.CacheKey); cerr == nil {
			observability.RecordCacheFallback()
			g.logger.Info().
				Str("key", req.CacheKey).
				Time("cachedAt", entry.CachedAt).
				Err(err).
				Msg("Serving stale cache entry while offline")
			return &Response{StatusCode: http.StatusOK, Body: entry.Data, FromCache: true, Stale: true}, nil
		}
	}

	return nil, err
}

func (g *Gateway) retry(ctx context.Context, req Request) (*Response, error) {
	// delay = base * 2^(attempt-1), no jitter
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.baseDelay
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = g.maxDelay
	policy.Reset()

	logger := tracing.LoggerFromContext(ctx, g.logger)
	attempts := 0

	operation := func() (*Response, error) {
		attempts++
		resp, err := g.attempt(ctx, req)
		if err == nil {
			observability.RecordRequestAttempt(req.Method, "success")
			resp.Attempts = attempts
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			observability.RecordRequestAttempt(req.Method, "cancelled")
			return nil, backoff.Permanent(ctxErr)
		}
		if !IsRetryable(err) {
			observability.RecordRequestAttempt(req.Method, "permanent")
			return nil, backoff.Permanent(err)
		}
		observability.RecordRequestAttempt(req.Method, "retryable")
		return nil, err
	}

	notify := func(err error, next time.Duration) {
		observability.RecordRequestRetry()
		logger.Debug().
			Str("method", req.Method).
			Str("path", req.Path).
			Int("attempt", attempts).
			Dur("retryIn", next).
			Err(err).
			Msg("Retrying request")
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(g.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Debug().
			Str("method", req.Method).
			Str("path", req.Path).
			Int("attempts", attempts).
			Err(err).
			Msg("Request failed")
		return nil, err
	}
	return resp, nil
}

// attempt performs a single HTTP exchange bounded by the gateway timeout.
func (g *Gateway) attempt(ctx context.Context, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, g.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrPermanentRequest, err)
	}
	for key, values := range g.header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectHeader(ctx, httpReq.Header)

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, g.classify(ctx, attemptCtx, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, g.classify(ctx, attemptCtx, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &StatusError{
			StatusCode: httpResp.StatusCode,
			Body:       data,
			Retryable:  g.retryStatus[httpResp.StatusCode],
		}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func (g *Gateway) classify(ctx, attemptCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrRequestTimeout, g.timeout)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

func (g *Gateway) offline() bool {
	return g.connectivity != nil && g.connectivity.Offline()
}
