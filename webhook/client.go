package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/exquy/txrecover/core"
)

// Result is the outcome of one delivery POST.
type Result struct {
	StatusCode int
	Body       string
}

// Success reports whether the subscriber accepted the delivery.
func (r *Result) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client POSTs signed payloads to subscriber endpoints through a pooled,
// instrumented HTTP client. Each target URL gets its own circuit breaker so
// a dead subscriber cannot soak the pool.
type Client struct {
	httpClient *http.Client
	cfg        core.WebhookConfig
	logger     core.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient builds the delivery client from the webhook configuration.
func NewClient(cfg core.WebhookConfig, logger core.Logger) *Client {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAlive,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		MaxIdleConns:          cfg.MaxTotalConns,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout + cfg.AcquireTimeout,
		},
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// errSubscriberStatus marks a non-2xx response inside the breaker so it
// counts as a failure without masking the Result.
var errSubscriberStatus = fmt.Errorf("subscriber returned error status")

// Post delivers the payload with the given headers. Transport errors and an
// open circuit return an error; HTTP error statuses return a Result so the
// failure policy can record the code.
func (c *Client) Post(ctx context.Context, url string, payload []byte, headers map[string]string) (*Result, error) {
	breaker := c.breakerFor(url)
	out, err := breaker.Execute(func() (interface{}, error) {
		res, derr := c.doPost(ctx, url, payload, headers)
		if derr != nil {
			return nil, derr
		}
		if !res.Success() {
			return res, errSubscriberStatus
		}
		return res, nil
	})
	switch {
	case err == nil:
		return out.(*Result), nil
	case err == errSubscriberStatus:
		return out.(*Result), nil
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		return nil, fmt.Errorf("subscriber circuit open for %s: %w", url, core.ErrRequestFailed)
	default:
		return nil, err
	}
}

func (c *Client) doPost(ctx context.Context, url string, payload []byte, headers map[string]string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, core.ErrValidation)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %v: %w", url, err, core.ErrRequestFailed)
	}
	defer func() { _ = resp.Body.Close() }()

	excerpt, err := readExcerpt(resp.Body, c.cfg.ResponseBodyExcerpt)
	if err != nil {
		c.logger.Debug("Could not read subscriber response body", map[string]interface{}{
			"url":   url,
			"error": err,
		})
	}
	return &Result{StatusCode: resp.StatusCode, Body: excerpt}, nil
}

// breakerFor returns the circuit breaker for a target URL, creating it on
// first use. Trips after 5 consecutive failures; probes again after 60s.
func (c *Client) breakerFor(url string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[url]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Subscriber circuit state changed", map[string]interface{}{
				"url":  name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	c.breakers[url] = b
	return b
}

func readExcerpt(r io.Reader, limit int) (string, error) {
	if limit <= 0 {
		limit = 4000
	}
	buf, err := io.ReadAll(io.LimitReader(r, int64(limit)))
	return string(buf), err
}
