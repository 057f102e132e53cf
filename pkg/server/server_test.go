package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodeproxy/cache-proxy/pkg/cache"
	"github.com/nodeproxy/cache-proxy/pkg/fetcher"
	"github.com/nodeproxy/cache-proxy/pkg/pipeline"
)

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.RawSocketAddr = "127.0.0.1:0"
	s := New(cfg)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func sendRawRequest(t *testing.T, addr, requestLine string) *http.Response {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Write([]byte(requestLine))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	return resp
}

func TestColdWarmSpeedup(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Hello from test server!"))
	}))
	defer origin.Close()

	s := startTestServer(t, Config{CacheConfig: cache.Config{CapacityBytes: 1 << 20, PerEntryCap: 1 << 16}})
	addr := s.httpLn.Addr().String()

	line := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", origin.URL+"/", origin.Listener.Addr().String())

	start1 := time.Now()
	resp1 := sendRawRequest(t, addr, line)
	d1 := time.Since(start1)
	require.Equal(t, http.StatusOK, resp1.StatusCode)

	require.Eventually(t, func() bool {
		_, ok := s.cache.Lookup(origin.URL + "/")
		return ok
	}, time.Second, 10*time.Millisecond)

	start2 := time.Now()
	resp2 := sendRawRequest(t, addr, line)
	d2 := time.Since(start2)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Equal(t, "HIT", resp2.Header.Get("X-Cache"))
	require.Less(t, d2, d1)
}

func TestOversizeResponseRejected(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 5*1024*1024)
		_, _ = w.Write(body)
	}))
	defer origin.Close()

	s := startTestServer(t, Config{
		CacheConfig:   cache.Config{CapacityBytes: 10 << 20, PerEntryCap: 10 << 20},
		FetcherConfig: fetcher.Config{MaxBodyBytes: 4096},
	})
	addr := s.httpLn.Addr().String()
	line := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", origin.URL+"/", origin.Listener.Addr().String())

	resp := sendRawRequest(t, addr, line)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	_, ok := s.cache.Lookup(origin.URL + "/")
	require.False(t, ok, "oversize response must not be cached")
}

func TestDelayedResponsePreservesLatency(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1000 * time.Millisecond)
		_, _ = w.Write([]byte("Delayed response"))
	}))
	defer origin.Close()

	s := startTestServer(t, Config{FetcherConfig: fetcher.Config{ResponseTimeout: 5 * time.Second, ConnectTimeout: 5 * time.Second}})
	addr := s.httpLn.Addr().String()
	line := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", origin.URL+"/", origin.Listener.Addr().String())

	start := time.Now()
	resp := sendRawRequest(t, addr, line)
	elapsed := time.Since(start)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.GreaterOrEqual(t, elapsed, 1000*time.Millisecond)
}

func TestMethodRejection(t *testing.T) {
	s := startTestServer(t, Config{})
	addr := s.httpLn.Addr().String()
	line := "POST http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"
	resp := sendRawRequest(t, addr, line)
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestAdmissionSaturationReturns503(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte("slow"))
	}))
	defer origin.Close()

	s := startTestServer(t, Config{
		AdmissionMax:   4,
		PipelineConfig: pipeline.Config{AdmissionTimeout: 100 * time.Millisecond},
	})
	addr := s.httpLn.Addr().String()
	line := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", origin.URL+"/", origin.Listener.Addr().String())

	results := make(chan int, 5)
	for i := 0; i < 5; i++ {
		go func() {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				results <- -1
				return
			}
			defer conn.Close()
			if _, err := conn.Write([]byte(line)); err != nil {
				results <- -1
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
			if err != nil {
				results <- -1
				return
			}
			results <- resp.StatusCode
		}()
		time.Sleep(5 * time.Millisecond)
	}

	saw503 := false
	for i := 0; i < 5; i++ {
		if <-results == http.StatusServiceUnavailable {
			saw503 = true
		}
	}
	require.True(t, saw503, "the 5th pinned request should see capacity exhausted")
}

func TestInflightGaugeTracksRequestLifetime(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("done"))
	}))
	defer origin.Close()

	s := startTestServer(t, Config{})
	addr := s.httpLn.Addr().String()
	line := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", origin.URL+"/", origin.Listener.Addr().String())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte(line))
	require.NoError(t, err)

	readInflight := func() int {
		m := s.Metrics()
		m.Lock()
		defer m.Unlock()
		return m.Inflight
	}

	require.Eventually(t, func() bool {
		return readInflight() == 1
	}, time.Second, 10*time.Millisecond, "inflight gauge should rise while the origin request is outstanding")

	close(release)
	_ = conn.Close()

	require.Eventually(t, func() bool {
		return readInflight() == 0
	}, time.Second, 10*time.Millisecond, "inflight gauge should fall back to zero once the request completes")
}

func TestTunnelEstablishedAndRelayed(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstreamLn.Close()
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		_, _ = conn.Read(buf)
		_, _ = conn.Write(buf)
	}()

	s := startTestServer(t, Config{})
	rawAddr := s.rawSrv.ListenAddr().String()

	conn, err := net.Dial("tcp", rawAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("CONNECT " + upstreamLn.Addr().String() + " HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "200")
	_, _ = br.ReadString('\n') // blank line terminating the preamble

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = br.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}
