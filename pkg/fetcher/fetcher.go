// Package fetcher performs the single outbound HTTP/1.x request the
// pipeline issues on a cache miss: one retried, timed, size-capped round
// trip to the origin named by the client's request target.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Result is what the pipeline needs from a completed fetch.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
}

// Kind names why a fetch failed, so the pipeline can map it to the
// canonical external status without inspecting error strings.
type Kind int

const (
	KindNone Kind = iota
	KindTimeout
	KindTooLarge
	KindUnreachable
)

// Error wraps a fetch failure with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Config bounds a Fetcher's timeouts, retry policy, and response cap.
type Config struct {
	ConnectTimeout time.Duration // default 5s
	ResponseTimeout time.Duration // default 5s
	MaxBodyBytes   int64         // hard cap on response body; exceeding it is KindTooLarge
	MaxRetries     int           // default 3, transport errors only
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 4096
	}
	return c
}

// Fetcher issues outbound requests through an http.Client whose transport
// dials with a fixed connect timeout, mirroring die-net-conduit's
// dialer.Config{DialTimeout, IOTimeout} shape.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New constructs a Fetcher. The underlying http.Transport disables
// connection reuse to the scope we touch: Fetch forces Connection: close
// on every outgoing request, so a pooled idle connection would never be
// reused anyway.
func New(cfg Config) *Fetcher {
	cfg = cfg.withDefaults()
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		DisableKeepAlives: true,
	}
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ResponseTimeout,
		},
	}
}

// Fetch performs req against the origin, retrying transport-level failures
// with linear backoff. An HTTP-level response of any status is returned
// immediately and is never retried.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (Result, error) {
	req.Header.Set("Connection", "close")

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Ctx(ctx).Warn().
				Int("attempt", attempt).
				Str("url", req.URL.String()).
				Err(lastErr).
				Msg("retrying origin fetch after transport error")
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return Result{}, &Error{Kind: KindTimeout, Err: ctx.Err()}
			}
		}

		result, err := f.once(ctx, req)
		if err == nil {
			return result, nil
		}

		var ferr *Error
		if errors.As(err, &ferr) {
			// Timeouts and oversize bodies are not retried: the server was
			// reachable and answered, it just didn't answer in time or in
			// budget.
			return Result{}, ferr
		}

		lastErr = err
		if !isRetryable(err) {
			return Result{}, &Error{Kind: KindUnreachable, Err: err}
		}
	}
	return Result{}, &Error{Kind: KindUnreachable, Err: fmt.Errorf("origin unreachable after %d retries: %w", f.cfg.MaxRetries, lastErr)}
}

func (f *Fetcher) once(ctx context.Context, req *http.Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout+f.cfg.ResponseTimeout)
	defer cancel()

	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, &Error{Kind: KindTimeout, Err: ctx.Err()}
		}
		return Result{}, err
	}
	defer resp.Body.Close()

	// Read one byte past the cap: if it's present, the body is too large
	// without ever buffering more than MaxBodyBytes+1 into memory.
	limited := io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, &Error{Kind: KindTimeout, Err: ctx.Err()}
		}
		return Result{}, err
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return Result{}, &Error{Kind: KindTooLarge, Err: fmt.Errorf("response body exceeds %d bytes", f.cfg.MaxBodyBytes)}
	}

	return Result{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func isRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
