// Package rawsocket implements the proxy's second listening port: a
// line-based reader that routes CONNECT preambles to the tunnel and
// every other request line back through the HTTP pipeline in-process.
package rawsocket

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nodeproxy/cache-proxy/pkg/pipeline"
	"github.com/nodeproxy/cache-proxy/pkg/tunnel"
)

// Config bounds a Server's per-connection limits.
type Config struct {
	MaxRequestBytes  int64         // bound on the request line (413 past it); the header block after it is not bounded
	AdmissionTimeout time.Duration // forwarded to pipeline.Handle for non-CONNECT requests
	TunnelConfig     tunnel.Config
}

func (c Config) withDefaults() Config {
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = 4096
	}
	return c
}

// Server accepts raw connections on one TCP address. Its accept loop
// (temporary-error backoff, done channel, sync.Once shutdown) reads
// HTTP-style request lines rather than a SOCKS5 binary handshake.
type Server struct {
	Addr     string
	Cfg      Config
	Pipeline *pipeline.Pipeline

	ln           net.Listener
	done         chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// Start begins listening and accepting until Close is called.
func (s *Server) Start() error {
	s.Cfg = s.Cfg.withDefaults()
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.done = make(chan struct{})

	go s.acceptLoop()
	log.Info().Str("addr", s.Addr).Msg("raw socket listener started")
	return nil
}

// ListenAddr returns the address the server is bound to. Valid only
// after Start returns successfully.
func (s *Server) ListenAddr() net.Addr { return s.ln.Addr() }

// Close stops the listener and waits for in-flight connections to finish.
func (s *Server) Close() error {
	s.shutdownOnce.Do(func() {
		if s.ln != nil {
			_ = s.ln.Close()
		}
		if s.done != nil {
			close(s.done)
		}
	})
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Warn().Err(err).Msg("temporary accept error, retrying")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			log.Warn().Err(err).Msg("accept error")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	connID, _ := uuid.NewRandom()
	ctx := context.WithValue(context.Background(), pipeline.ConnectionIDKey{}, connID)

	br := bufio.NewReaderSize(conn, int(s.Cfg.MaxRequestBytes))

	line, err := readRequestLine(br, s.Cfg.MaxRequestBytes)
	if err != nil {
		writePlainError(conn, http.StatusRequestEntityTooLarge)
		return
	}

	method, target, version, ok := splitRequestLine(line)
	if !ok {
		writePlainError(conn, http.StatusBadRequest)
		return
	}

	if method == http.MethodConnect {
		s.handleConnect(ctx, conn, target)
		return
	}

	// readRequestLine already consumed the request line, so the header
	// block is spliced back onto it before handing off to http.ReadRequest
	// to build an *http.Request from a connection already partway read.
	req, err := buildRequestFromLine(method, target, version, br)
	if err != nil {
		writePlainError(conn, http.StatusBadRequest)
		return
	}

	s.Pipeline.Handle(ctx, conn, req, s.Cfg.AdmissionTimeout)
}

func (s *Server) handleConnect(ctx context.Context, conn net.Conn, target string) {
	upstream, err := tunnel.Dial(ctx, s.Cfg.TunnelConfig, target)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("target", target).Msg("tunnel dial failed")
		writePlainError(conn, http.StatusBadGateway)
		return
	}
	if _, err := conn.Write([]byte(tunnel.EstablishedPreamble)); err != nil {
		_ = upstream.Close()
		return
	}
	if err := tunnel.Bridge(ctx, s.Cfg.TunnelConfig, conn, upstream); err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("target", target).Msg("tunnel bridge ended")
	}
}

// readRequestLine reads up to the first \r\n, bounded by maxBytes, so a
// client that never sends a line terminator cannot exhaust memory.
func readRequestLine(br *bufio.Reader, maxBytes int64) (string, error) {
	var sb strings.Builder
	for int64(sb.Len()) < maxBytes {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return strings.TrimRight(sb.String(), "\r"), nil
		}
		sb.WriteByte(b)
	}
	return "", errTooLong
}

var errTooLong = &lineTooLongError{}

type lineTooLongError struct{}

func (*lineTooLongError) Error() string { return "rawsocket: request line exceeds limit" }

// splitRequestLine parses "METHOD target HTTP/1.x". Missing any token or
// a version that does not begin with HTTP/ is a 400.
func splitRequestLine(line string) (method, target, version string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", "", false
	}
	if !strings.HasPrefix(parts[2], "HTTP/") {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// buildRequestFromLine constructs a minimal *http.Request when the
// request line was already consumed by readRequestLine. It still reads
// the remaining header block with http.ReadRequest's own MIME parser by
// prefixing the line back on.
func buildRequestFromLine(method, target, version string, br *bufio.Reader) (*http.Request, error) {
	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		_, _ = pw.Write([]byte(method + " " + target + " " + version + "\r\n"))
		_, _ = io.Copy(pw, br)
	}()
	return http.ReadRequest(bufio.NewReader(pr))
}

func writePlainError(conn net.Conn, status int) {
	_, _ = fmt.Fprintf(conn, "%d %s\r\n", status, http.StatusText(status))
}
