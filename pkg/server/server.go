// Package server owns one proxy instance end to end: its cache,
// admission gate, fetcher, and the two listeners that front them. No
// package-level state lives here or anywhere below it — the cache,
// admission gate, and listeners are instead fields of Server, so
// multiple instances are constructible and testable side by side.
package server

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nodeproxy/cache-proxy/pkg/admin"
	"github.com/nodeproxy/cache-proxy/pkg/admission"
	"github.com/nodeproxy/cache-proxy/pkg/cache"
	"github.com/nodeproxy/cache-proxy/pkg/fetcher"
	"github.com/nodeproxy/cache-proxy/pkg/pipeline"
	"github.com/nodeproxy/cache-proxy/pkg/rawsocket"
	"github.com/nodeproxy/cache-proxy/pkg/tunnel"
)

// Config bounds every tunable of a Server: the HTTP and raw-socket
// listen addresses, the admin listen address (empty disables it), and
// the per-component configuration each subsystem exposes.
type Config struct {
	HTTPAddr      string
	RawSocketAddr string
	AdminAddr     string // empty disables the admin surface

	CacheConfig     cache.Config
	AdmissionMax    int
	FetcherConfig   fetcher.Config
	PipelineConfig  pipeline.Config
	TunnelConfig    tunnel.Config
	ShutdownTimeout time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.AdmissionMax <= 0 {
		c.AdmissionMax = 16
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Server is the explicit, non-singleton owner of one proxy's full stack.
type Server struct {
	cfg Config

	cache    *cache.Cache
	gate     *admission.Gate
	fetcher  *fetcher.Fetcher
	pipeline *pipeline.Pipeline
	metrics  *admin.Metrics

	httpLn    net.Listener
	httpWG    sync.WaitGroup
	rawSrv    *rawsocket.Server
	adminHTTP *http.Server
}

// New wires one Server's components together but does not start
// accepting connections; call Start for that.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	metrics := admin.NewMetrics()

	c := cache.New(cfg.CacheConfig)
	c.Subscribe(func(ev cache.Event) {
		if ev.Kind == cache.EventError {
			log.Error().Str("key", ev.Key).Err(ev.Err).Msg("cache rejected entry")
		}
	})

	gate := admission.New(cfg.AdmissionMax)
	gate.OnAdmit = func() { metrics.SetAdmission(gate.Active(), gate.Waiting()) }
	gate.OnRelease = func() { metrics.SetAdmission(gate.Active(), gate.Waiting()) }

	f := fetcher.New(cfg.FetcherConfig)
	p := pipeline.New(cfg.PipelineConfig, c, gate, f, metrics, nil)

	return &Server{
		cfg:      cfg,
		cache:    c,
		gate:     gate,
		fetcher:  f,
		pipeline: p,
		metrics:  metrics,
		rawSrv: &rawsocket.Server{
			Addr:     cfg.RawSocketAddr,
			Pipeline: p,
			Cfg: rawsocket.Config{
				MaxRequestBytes:  cfg.PipelineConfig.MaxRequestBytes,
				AdmissionTimeout: cfg.PipelineConfig.AdmissionTimeout,
				TunnelConfig:     cfg.TunnelConfig,
			},
		},
	}
}

// Start binds every configured listener and begins serving. It returns
// once all listeners are bound; serving continues in background
// goroutines until Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	s.httpLn = ln
	go s.acceptHTTP()
	log.Info().Str("addr", s.cfg.HTTPAddr).Msg("http listener started")

	if err := s.rawSrv.Start(); err != nil {
		_ = s.httpLn.Close()
		return err
	}
	log.Info().Str("addr", s.cfg.RawSocketAddr).Msg("raw socket listener started")

	if s.cfg.AdminAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", admin.HandleHealth)
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { admin.HandleMetrics(w, s.metrics) })
		mux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) { admin.HandleStatusz(w, s.metrics) })
		mux.HandleFunc("/varz", func(w http.ResponseWriter, r *http.Request) {
			admin.HandleVarz(w, map[string]interface{}{
				"http_addr":       s.cfg.HTTPAddr,
				"raw_socket_addr": s.cfg.RawSocketAddr,
				"admission_max":   s.cfg.AdmissionMax,
			})
		})
		s.adminHTTP = &http.Server{Addr: s.cfg.AdminAddr, Handler: mux}
		go func() {
			if err := s.adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("admin http server failed")
			}
		}()
		log.Info().Str("addr", s.cfg.AdminAddr).Msg("admin http listener started")
	}

	return nil
}

// acceptHTTP serves absolute-form requests on the main HTTP port,
// re-entering the same Pipeline the raw socket listener uses rather than
// maintaining a second handler, matching rawsocket's in-process re-entry.
func (s *Server) acceptHTTP() {
	for {
		conn, err := s.httpLn.Accept()
		if err != nil {
			return
		}
		s.httpWG.Add(1)
		go func() {
			defer s.httpWG.Done()
			s.handleHTTPConn(conn)
		}()
	}
}

func (s *Server) handleHTTPConn(conn net.Conn) {
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n"))
		return
	}

	connID, _ := uuid.NewRandom()
	ctx := context.WithValue(context.Background(), pipeline.ConnectionIDKey{}, connID)
	s.pipeline.Handle(ctx, conn, req, s.cfg.PipelineConfig.AdmissionTimeout)
}

// Shutdown stops accepting new connections on every listener and waits
// (bounded by s.cfg.ShutdownTimeout, or ctx if sooner) for in-flight
// connections to finish, then releases the cache. HTTP connections drain
// via s.httpWG, incremented per accepted connection; rawSrv.Close() blocks
// on its own internal WaitGroup for raw-socket and tunnel connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if s.adminHTTP != nil {
		_ = s.adminHTTP.Shutdown(shutdownCtx)
	}

	rawDone := make(chan struct{})
	go func() {
		_ = s.rawSrv.Close()
		close(rawDone)
	}()

	httpDone := make(chan struct{})
	go func() {
		s.httpWG.Wait()
		close(httpDone)
	}()

	for _, done := range []chan struct{}{httpDone, rawDone} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Warn().Msg("shutdown timeout reached with connections still draining")
		}
	}

	s.cache.Close()
	return nil
}

// Metrics exposes the server's metrics sink for callers that want to
// inspect it directly (e.g. tests).
func (s *Server) Metrics() *admin.Metrics { return s.metrics }

// Cache exposes the server's content cache for direct inspection in tests.
func (s *Server) Cache() *cache.Cache { return s.cache }
