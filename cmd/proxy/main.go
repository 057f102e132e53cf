// Command proxy runs the caching forward HTTP proxy: one positional port
// argument binds the main HTTP listener, with the raw socket and admin
// surfaces derived from it by default.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/nodeproxy/cache-proxy/pkg/cache"
	"github.com/nodeproxy/cache-proxy/pkg/fetcher"
	"github.com/nodeproxy/cache-proxy/pkg/logging"
	"github.com/nodeproxy/cache-proxy/pkg/pipeline"
	"github.com/nodeproxy/cache-proxy/pkg/server"
	"github.com/nodeproxy/cache-proxy/pkg/signals"
)

var (
	flagRawSocketAddr   = flag.String("raw-socket-addr", "", "raw socket listen address (default: port+1)")
	flagAdminAddr       = flag.String("admin-addr", "", "admin HTTP listen address, empty disables it (default: port+2)")
	flagLogLevel        = flag.String("log-level", "info", "log level")
	flagAdmissionMax    = flag.Int("admission-max", 16, "maximum simultaneously-serviced requests")
	flagAdmissionWait   = flag.Duration("admission-timeout", 30*time.Second, "how long a request waits for an admission slot")
	flagCacheCapacity   = flag.Int64("cache-capacity-bytes", 64<<20, "total bytes the content cache may hold")
	flagCachePerEntry   = flag.Int64("cache-per-entry-cap-bytes", 4<<20, "largest single cached response")
	flagCacheIdleTTL    = flag.Duration("cache-idle-ttl", 30*time.Minute, "idle age after which a cache entry is swept")
	flagMaxRequestBytes = flag.Int64("max-request-bytes", 4096, "request size cap enforced by the pipeline")
	flagConnectTimeout  = flag.Duration("connect-timeout", 5*time.Second, "outbound connect timeout")
	flagResponseTimeout = flag.Duration("response-timeout", 5*time.Second, "outbound response timeout")
	flagMaxRetries      = flag.Int("max-retries", 3, "outbound transport-error retries")
	flagShutdownTimeout = flag.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown drain bound")
)

func main() {
	flag.Parse()
	logging.Setup(*flagLogLevel)

	port := 8080
	if flag.NArg() > 0 {
		p, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			log.Fatal().Err(err).Str("arg", flag.Arg(0)).Msg("invalid port argument")
		}
		port = p
	}

	httpAddr := fmt.Sprintf(":%d", port)
	rawSocketAddr := *flagRawSocketAddr
	if rawSocketAddr == "" {
		rawSocketAddr = fmt.Sprintf(":%d", port+1)
	}
	adminAddr := *flagAdminAddr
	adminAddrSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "admin-addr" {
			adminAddrSet = true
		}
	})
	if adminAddr == "" && !adminAddrSet {
		adminAddr = fmt.Sprintf(":%d", port+2)
	}

	cfg := server.Config{
		HTTPAddr:      httpAddr,
		RawSocketAddr: rawSocketAddr,
		AdminAddr:     adminAddr,
		AdmissionMax:  *flagAdmissionMax,
		CacheConfig: cache.Config{
			CapacityBytes: *flagCacheCapacity,
			PerEntryCap:   *flagCachePerEntry,
			IdleTTL:       *flagCacheIdleTTL,
		},
		FetcherConfig: fetcher.Config{
			ConnectTimeout:  *flagConnectTimeout,
			ResponseTimeout: *flagResponseTimeout,
			MaxBodyBytes:    *flagCachePerEntry,
			MaxRetries:      *flagMaxRetries,
		},
		PipelineConfig: pipeline.Config{
			MaxRequestBytes:  *flagMaxRequestBytes,
			AdmissionTimeout: *flagAdmissionWait,
		},
		ShutdownTimeout: *flagShutdownTimeout,
	}

	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start proxy")
	}
	log.Info().
		Str("http_addr", httpAddr).
		Str("raw_socket_addr", rawSocketAddr).
		Str("admin_addr", adminAddr).
		Msg("proxy started")

	stopCh := make(chan struct{})
	ctx := signals.Setup(stopCh)
	<-ctx.Done()

	log.Info().Msg("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *flagShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	log.Info().Msg("proxy stopped")
	os.Exit(0)
}
