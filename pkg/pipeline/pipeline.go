// Package pipeline implements the request state machine that turns one
// parsed client request into exactly one written response: admit,
// validate, consult the cache, fetch on miss, cache a success, respond,
// release.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nodeproxy/cache-proxy/pkg/admission"
	"github.com/nodeproxy/cache-proxy/pkg/cache"
	"github.com/nodeproxy/cache-proxy/pkg/fetcher"
)

// ConnectionIDKey and RequestIDKey are the context keys the pipeline and
// its callers use to carry correlation IDs into log lines.
type ConnectionIDKey struct{}
type RequestIDKey struct{}

// hopByHopHeaders are stripped before forwarding a request upstream.
var hopByHopHeaders = map[string]bool{
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// Outcome names what the pipeline did with a request, used for both
// logging and the RequestObserver stream.
type Outcome string

const (
	OutcomeHit   Outcome = "HIT"
	OutcomeMiss  Outcome = "MISS"
	OutcomeError Outcome = "ERROR"
)

// RequestRecord is a one-way observation of a completed request.
type RequestRecord struct {
	Time        time.Time
	URL         string
	Method      string
	Outcome     Outcome
	LatencySecs float64
	Size        int64
	Status      int
}

// RequestObserver receives RequestRecords. It is invoked asynchronously;
// a panic inside obs is recovered and logged rather than crashing the
// connection that produced the record.
type RequestObserver func(RequestRecord)

func notifyObserver(obs RequestObserver, rec RequestRecord) {
	if obs == nil {
		return
	}
	go func(r RequestRecord) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("panic", err).Str("url", r.URL).Msg("request observer panicked")
			}
		}()
		obs(r)
	}(rec)
}

// Metrics is the minimal counter/histogram surface the pipeline drives,
// implemented concretely by pkg/admin.Metrics.
type Metrics interface {
	IncTotalRequests()
	IncHit()
	IncMiss()
	IncError(status int)
	ObserveDuration(outcome string, seconds float64)
	InflightAdd(id string)
	InflightRemove(id string)
}

// Config bounds one Pipeline's validation and cache-key behavior.
type Config struct {
	MaxRequestBytes    int64         // default 4096
	AdmissionTimeout   time.Duration // default 30s, used when the caller doesn't supply one
	DefaultContentType string        // "text/html" fallback when an entry never recorded one
}

func (c Config) withDefaults() Config {
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = 4096
	}
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = 30 * time.Second
	}
	if c.DefaultContentType == "" {
		c.DefaultContentType = "text/html"
	}
	return c
}

// Pipeline wires one Cache, one admission Gate, and one Fetcher into the
// request state machine. No package-level state: every dependency is an
// explicit field, so multiple Pipelines are testable in-process side by
// side rather than through package-level state.
type Pipeline struct {
	cfg      Config
	cache    *cache.Cache
	gate     *admission.Gate
	fetcher  *fetcher.Fetcher
	metrics  Metrics
	observer RequestObserver
}

// New constructs a Pipeline. metrics and observer may be nil.
func New(cfg Config, c *cache.Cache, gate *admission.Gate, f *fetcher.Fetcher, metrics Metrics, observer RequestObserver) *Pipeline {
	return &Pipeline{
		cfg:      cfg.withDefaults(),
		cache:    c,
		gate:     gate,
		fetcher:  f,
		metrics:  metrics,
		observer: observer,
	}
}

// normalizeTarget collapses accidental repeated scheme prefixes
// (http://http://host/path -> http://host/path).
func normalizeTarget(raw string) string {
	for strings.HasPrefix(raw, "http://http://") {
		raw = strings.TrimPrefix(raw, "http://")
	}
	for strings.HasPrefix(raw, "https://https://") {
		raw = strings.TrimPrefix(raw, "https://")
	}
	return raw
}

// connIDFromCtx returns the correlation ID stashed under ConnectionIDKey,
// or "-" if the caller never set one (e.g. in tests that build a bare ctx).
func connIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(ConnectionIDKey{}).(uuid.UUID); ok {
		return id.String()
	}
	return "-"
}

// cacheKey derives the cache key from a validated, normalized URL. Method
// is deliberately excluded: non-GET requests are rejected in validate
// before a cache lookup ever happens, so every cached entry is implicitly
// a GET response and including the method would be redundant.
func cacheKey(u *url.URL) string {
	return u.String()
}

// Handle runs one request through the full state machine and writes
// exactly one response on conn. admissionTimeout, if zero, falls back to
// the Pipeline's configured default.
func (p *Pipeline) Handle(ctx context.Context, conn net.Conn, req *http.Request, admissionTimeout time.Duration) {
	start := time.Now()
	if admissionTimeout <= 0 {
		admissionTimeout = p.cfg.AdmissionTimeout
	}

	if p.metrics != nil {
		p.metrics.IncTotalRequests()
		connID := connIDFromCtx(ctx)
		p.metrics.InflightAdd(connID)
		defer p.metrics.InflightRemove(connID)
	}

	if err := p.gate.AcquireTimeout(admissionTimeout); err != nil {
		p.fail(ctx, conn, CapacityExhausted, req, start)
		return
	}
	defer p.gate.Release()

	kind, normalized, ok := p.validate(req)
	if !ok {
		p.fail(ctx, conn, kind, req, start)
		return
	}

	key := cacheKey(normalized)
	if entry, hit := p.cache.Lookup(key); hit {
		p.respondFromCache(conn, entry)
		p.record(ctx, req, OutcomeHit, http.StatusOK, int64(len(entry.Body)), start)
		return
	}

	outReq, err := p.buildOriginRequest(ctx, req, normalized)
	if err != nil {
		p.fail(ctx, conn, ClientBadRequest, req, start)
		return
	}

	res, ferr := p.fetcher.Fetch(ctx, outReq)
	if ferr != nil {
		var fe *fetcher.Error
		if errors.As(ferr, &fe) {
			switch fe.Kind {
			case fetcher.KindTimeout:
				p.fail(ctx, conn, UpstreamTimeout, req, start)
			case fetcher.KindTooLarge:
				p.fail(ctx, conn, ResponseTooLarge, req, start)
			default:
				p.fail(ctx, conn, UpstreamUnreachable, req, start)
			}
			return
		}
		p.fail(ctx, conn, Internal, req, start)
		return
	}

	if res.Status == http.StatusOK {
		if err := p.cache.Insert(key, res.Body, res.ContentType); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("url", key).Msg("cache insert rejected, serving response uncached")
		}
	}

	if err := writeUpstreamResponse(conn, res); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("url", key).Msg("failed writing response after headers sent")
		return
	}
	p.record(ctx, req, OutcomeMiss, res.Status, int64(len(res.Body)), start)
}

// validate enforces a merged, stricter rule set: method must
// be GET, version must be 1.0 or 1.1, the target must parse with a
// scheme and host, and the request must not exceed the configured byte
// cap. Returns the normalized URL on success.
func (p *Pipeline) validate(req *http.Request) (Kind, *url.URL, bool) {
	if req.ContentLength > p.cfg.MaxRequestBytes {
		return ClientBadRequest, nil, false
	}
	if req.Method != http.MethodGet {
		return MethodNotImplemented, nil, false
	}
	if req.ProtoMajor != 1 || (req.ProtoMinor != 0 && req.ProtoMinor != 1) {
		return VersionUnsupported, nil, false
	}

	raw := normalizeTarget(req.URL.String())
	if req.URL.Host == "" && req.Host != "" {
		raw = normalizeTarget(fmt.Sprintf("http://%s%s", req.Host, req.URL.RequestURI()))
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ClientBadRequest, nil, false
	}
	if u.Port() == "" {
		u.Host = u.Host + ":80"
	}
	return 0, u, true
}

// buildOriginRequest constructs the outbound request: client headers
// forwarded verbatim minus hop-by-hop headers.
func (p *Pipeline) buildOriginRequest(ctx context.Context, req *http.Request, target *url.URL) (*http.Request, error) {
	outReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	outReq.Header = make(http.Header, len(req.Header))
	for k, vv := range req.Header {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vv {
			outReq.Header.Add(k, v)
		}
	}
	outReq.Host = target.Host
	return outReq, nil
}

// respondFromCache writes a synthetic 200 with the entry's preserved
// content type (falling back to the configured default only when the
// entry never recorded one), matching the resolved Open
// Question favoring content-type preservation.
func (p *Pipeline) respondFromCache(conn net.Conn, entry cache.Entry) {
	contentType := entry.ContentType
	if contentType == "" {
		contentType = p.cfg.DefaultContentType
	}
	fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nDate: %s\r\nServer: NodeProxy/1.0\r\nContent-Type: %s\r\nContent-Length: %d\r\nX-Cache: HIT\r\nConnection: close\r\n\r\n",
		time.Now().UTC().Format(http.TimeFormat), contentType, len(entry.Body))
	conn.Write(entry.Body)
}

// writeUpstreamResponse relays a fetched origin response verbatim (status
// and content type) plus a forced Connection: close.
func writeUpstreamResponse(conn net.Conn, res fetcher.Result) error {
	contentType := res.ContentType
	if contentType == "" {
		contentType = "text/html"
	}
	_, err := fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nDate: %s\r\nServer: NodeProxy/1.0\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		res.Status, http.StatusText(res.Status), time.Now().UTC().Format(http.TimeFormat), contentType, len(res.Body))
	if err != nil {
		return err
	}
	_, err = conn.Write(res.Body)
	return err
}

func (p *Pipeline) fail(ctx context.Context, conn net.Conn, kind Kind, req *http.Request, start time.Time) {
	status := kind.Status()
	if err := WriteError(conn, kind); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed writing error response")
	}
	if p.metrics != nil {
		p.metrics.IncError(status)
	}
	p.record(ctx, req, OutcomeError, status, 0, start)
}

func (p *Pipeline) record(ctx context.Context, req *http.Request, outcome Outcome, status int, size int64, start time.Time) {
	elapsed := time.Since(start)
	url := ""
	if req != nil && req.URL != nil {
		url = req.URL.String()
	}
	method := ""
	if req != nil {
		method = req.Method
	}

	if p.metrics != nil {
		switch outcome {
		case OutcomeHit:
			p.metrics.IncHit()
		case OutcomeMiss:
			p.metrics.IncMiss()
		}
		p.metrics.ObserveDuration(string(outcome), elapsed.Seconds())
	}

	notifyObserver(p.observer, RequestRecord{
		Time:        time.Now(),
		URL:         url,
		Method:      method,
		Outcome:     outcome,
		LatencySecs: elapsed.Seconds(),
		Size:        size,
		Status:      status,
	})

	connID := connIDFromCtx(ctx)
	log.Ctx(ctx).Info().
		Str("connection_id", connID).
		Str("url", url).
		Str("outcome", string(outcome)).
		Int("status", status).
		Dur("latency", elapsed).
		Msg("served")
}
