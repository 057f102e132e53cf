// Package tunnel bridges two byte streams for CONNECT-style HTTPS
// tunneling: the proxy does not interpret the bytes it relays, only
// shuttles them until either side closes, errors, or goes idle.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config bounds the dial and idle-read behavior of a tunnel.
type Config struct {
	DialTimeout time.Duration // default 5s
	IdleTimeout time.Duration // per-side idle-read timeout, default 5m
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return c
}

// Dial opens a TCP connection to target (defaulting to port 443 when the
// target omits one).
func Dial(ctx context.Context, cfg Config, target string) (net.Conn, error) {
	cfg = cfg.withDefaults()
	if !strings.Contains(target, ":") {
		target = target + ":443"
	}
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return d.DialContext(ctx, "tcp", target)
}

// EstablishedPreamble is written to the client once the upstream dial
// succeeds.
const EstablishedPreamble = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Bridge copies bytes between client and upstream in both directions
// until either side closes, errors, or sits idle past cfg.IdleTimeout.
// Both halves are torn down together via a single sync.Once, satisfying
// the TunnelPair invariant that neither half outlives the pair. Adopted
// close to verbatim from die-net-conduit's proxy.CopyBidirectional, with
// a per-read idle deadline (reset on every successful read) in place of
// that function's single fixed deadline, in favor of an
// idle-read timeout rather than a hard ceiling on total tunnel lifetime.
func Bridge(ctx context.Context, cfg Config, client, upstream net.Conn) error {
	cfg = cfg.withDefaults()

	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closed := make(chan struct{})
	closeBoth := func() {
		closeOnce.Do(func() {
			close(closed)
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	g.Go(func() error {
		_, err := io.Copy(idleDeadlineWriter{upstream}, idleDeadlineReader{client, cfg.IdleTimeout})
		closeBoth()
		return err
	})

	g.Go(func() error {
		_, err := io.Copy(idleDeadlineWriter{client}, idleDeadlineReader{upstream, cfg.IdleTimeout})
		closeBoth()
		return err
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			closeBoth()
		case <-closed:
		}
		return nil
	})

	if err := g.Wait(); err != nil && !isClosedConnError(err) {
		return fmt.Errorf("tunnel: %w", err)
	}
	return nil
}

// idleDeadlineReader extends conn's read deadline by timeout before every
// Read, so the tunnel tears down only after genuine inactivity rather than
// a fixed total lifetime.
type idleDeadlineReader struct {
	net.Conn
	timeout time.Duration
}

func (r idleDeadlineReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		_ = r.Conn.SetReadDeadline(time.Now().Add(r.timeout))
	}
	return r.Conn.Read(p)
}

// idleDeadlineWriter is a plain passthrough; it exists only so both
// directions of io.Copy share the same wrapped-type shape above.
type idleDeadlineWriter struct {
	net.Conn
}

func (w idleDeadlineWriter) Write(p []byte) (int, error) {
	return w.Conn.Write(p)
}

func isClosedConnError(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}
