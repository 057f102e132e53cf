package pipeline

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodeproxy/cache-proxy/pkg/admission"
	cachepkg "github.com/nodeproxy/cache-proxy/pkg/cache"
	fetcherpkg "github.com/nodeproxy/cache-proxy/pkg/fetcher"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	c := cachepkg.New(cachepkg.Config{CapacityBytes: 1 << 20, PerEntryCap: 1 << 16})
	t.Cleanup(c.Close)
	gate := admission.New(4)
	f := fetcherpkg.New(fetcherpkg.Config{MaxBodyBytes: 4096})
	return New(Config{}, c, gate, f, nil, nil)
}

// loopbackPair returns two ends of an in-memory connection so the
// pipeline's net.Conn writes can be read back in the test.
func loopbackPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })
	return server, client
}

func readResponse(t *testing.T, client net.Conn) *http.Response {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	return resp
}

func TestHandleCachesSuccessfulMissThenServesHit(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Hello from test server!"))
	}))
	defer origin.Close()

	p := newTestPipeline(t)
	req := mustRequest(t, origin.URL)

	server, client := loopbackPair(t)
	go p.Handle(context.Background(), server, req, 0)
	resp := readResponse(t, client)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, ok := p.cache.Lookup(req.URL.String())
		return ok
	}, time.Second, 10*time.Millisecond)

	server2, client2 := loopbackPair(t)
	go p.Handle(context.Background(), server2, mustRequest(t, origin.URL), 0)
	resp2 := readResponse(t, client2)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Equal(t, "HIT", resp2.Header.Get("X-Cache"))
}

func TestHandleRejectsNonGetMethod(t *testing.T) {
	p := newTestPipeline(t)
	req := mustRequest(t, "http://example.com/")
	req.Method = http.MethodPost

	server, client := loopbackPair(t)
	go p.Handle(context.Background(), server, req, 0)
	resp := readResponse(t, client)
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestHandleRejectsUnsupportedVersion(t *testing.T) {
	p := newTestPipeline(t)
	req := mustRequest(t, "http://example.com/")
	req.ProtoMajor = 0
	req.ProtoMinor = 9

	server, client := loopbackPair(t)
	go p.Handle(context.Background(), server, req, 0)
	resp := readResponse(t, client)
	require.Equal(t, http.StatusHTTPVersionNotSupported, resp.StatusCode)
}

func TestHandleSurfacesAdmissionTimeoutAs503(t *testing.T) {
	p := newTestPipeline(t)
	// Exhaust the gate and hold it there.
	require.NoError(t, p.gate.Acquire(context.Background()))
	require.NoError(t, p.gate.Acquire(context.Background()))
	require.NoError(t, p.gate.Acquire(context.Background()))
	require.NoError(t, p.gate.Acquire(context.Background()))

	req := mustRequest(t, "http://example.com/")
	server, client := loopbackPair(t)
	go p.Handle(context.Background(), server, req, 50*time.Millisecond)
	resp := readResponse(t, client)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func mustRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	req.ProtoMajor, req.ProtoMinor = 1, 1
	return req
}
