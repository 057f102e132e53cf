// Package admin implements the proxy's admin HTTP endpoints: health,
// Prometheus-format metrics, a small inflight-requests status page, and
// a JSON snapshot of the running configuration.
package admin

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics is the concrete counter/gauge/histogram container that
// implements pkg/pipeline.Metrics and feeds the /metrics and /statusz
// endpoints.
type Metrics struct {
	sync.Mutex

	TotalRequests uint64 `json:"total_requests"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Errors        uint64 `json:"errors"`

	// ErrorsByStatus breaks Errors down by the external status written,
	// e.g. 503 for admission exhaustion, 502/504/413 for fetch failures.
	ErrorsByStatus map[int]uint64 `json:"errors_by_status"`

	// Inflight gauge + map of id->start time for /statusz.
	Inflight     int                  `json:"inflight"`
	InflightList map[string]time.Time `json:"inflight_list"`

	// AdmissionActive/AdmissionWaiting mirror pkg/admission.Gate's own
	// counters, set by the server on every admit/release via the Gate's
	// OnAdmit/OnRelease hooks.
	AdmissionActive  int `json:"admission_active"`
	AdmissionWaiting int `json:"admission_waiting"`

	// Histograms: map outcome -> counts per bucket.
	HistCounts map[string][]uint64 `json:"hist_counts"`
	HistSum    map[string]float64  `json:"hist_sum"`
	HistTotal  map[string]uint64   `json:"hist_total"`
}

// NewMetrics constructs a Metrics instance with initialized maps.
func NewMetrics() *Metrics {
	return &Metrics{
		ErrorsByStatus: make(map[int]uint64),
		InflightList:   make(map[string]time.Time),
		HistCounts:     make(map[string][]uint64),
		HistSum:        make(map[string]float64),
		HistTotal:      make(map[string]uint64),
	}
}

// InflightAdd records an inflight request with id.
func (m *Metrics) InflightAdd(id string) {
	m.Lock()
	defer m.Unlock()
	m.Inflight++
	m.InflightList[id] = time.Now()
}

// InflightRemove removes an inflight request id.
func (m *Metrics) InflightRemove(id string) {
	m.Lock()
	defer m.Unlock()
	if m.Inflight > 0 {
		m.Inflight--
	}
	delete(m.InflightList, id)
}

// SetAdmission records the admission gate's current occupancy, called by
// pkg/server after every acquire/release.
func (m *Metrics) SetAdmission(active, waiting int) {
	m.Lock()
	defer m.Unlock()
	m.AdmissionActive = active
	m.AdmissionWaiting = waiting
}

// Increment helpers, implementing pkg/pipeline.Metrics.
func (m *Metrics) IncTotalRequests() { m.Lock(); m.TotalRequests++; m.Unlock() }
func (m *Metrics) IncHit()           { m.Lock(); m.Hits++; m.Unlock() }
func (m *Metrics) IncMiss()          { m.Lock(); m.Misses++; m.Unlock() }

// IncError records a failed request under the external status written.
func (m *Metrics) IncError(status int) {
	m.Lock()
	defer m.Unlock()
	m.Errors++
	m.ErrorsByStatus[status]++
}

// ObserveDuration records a request duration (in seconds) under a named outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
		m.HistSum[outcome] = 0
		m.HistTotal[outcome] = 0
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
}

// Admin handlers

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleVarz writes config (provided) as JSON.
func HandleVarz(w http.ResponseWriter, cfg interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

// HandleStatusz renders a small HTML page showing inflight requests and
// current admission occupancy.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	m.Lock()
	defer m.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Inflight: " + strconv.Itoa(m.Inflight) + "</p>"))
	_, _ = w.Write([]byte("<p>Admission: " + strconv.Itoa(m.AdmissionActive) + " active, " + strconv.Itoa(m.AdmissionWaiting) + " waiting</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Request</th><th>Start</th><th>Age(s)</th></tr>"))
	now := time.Now()
	for k, t := range m.InflightList {
		age := now.Sub(t).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(k) + "</td><td>" + t.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}

// HandleMetrics writes Prometheus-compatible output including histograms and counters.
func HandleMetrics(w http.ResponseWriter, m *Metrics) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m.Lock()
	write := func(name, help string, v uint64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
		_, _ = fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
	write("proxy_requests_total", "Total requests processed", m.TotalRequests)
	write("proxy_cache_hits_total", "Served from the content cache", m.Hits)
	write("proxy_cache_misses_total", "Answered from origin rather than the content cache", m.Misses)
	write("proxy_errors_total", "Requests that ended in a non-success status", m.Errors)

	_, _ = fmt.Fprintf(w, "# HELP proxy_inflight_requests In-flight requests\n")
	_, _ = fmt.Fprintf(w, "# TYPE proxy_inflight_requests gauge\n")
	_, _ = fmt.Fprintf(w, "proxy_inflight_requests %d\n\n", m.Inflight)

	_, _ = fmt.Fprintf(w, "# HELP proxy_admission_active Requests currently holding an admission slot\n")
	_, _ = fmt.Fprintf(w, "# TYPE proxy_admission_active gauge\n")
	_, _ = fmt.Fprintf(w, "proxy_admission_active %d\n\n", m.AdmissionActive)

	_, _ = fmt.Fprintf(w, "# HELP proxy_admission_waiting Requests queued for an admission slot\n")
	_, _ = fmt.Fprintf(w, "# TYPE proxy_admission_waiting gauge\n")
	_, _ = fmt.Fprintf(w, "proxy_admission_waiting %d\n\n", m.AdmissionWaiting)

	_, _ = fmt.Fprintf(w, "# HELP proxy_errors_by_status_total Errors by external HTTP status\n")
	_, _ = fmt.Fprintf(w, "# TYPE proxy_errors_by_status_total counter\n")
	for status, count := range m.ErrorsByStatus {
		_, _ = fmt.Fprintf(w, "proxy_errors_by_status_total{status=\"%d\"} %d\n", status, count)
	}
	_, _ = fmt.Fprintf(w, "\n")

	_, _ = fmt.Fprintf(w, "# HELP proxy_request_duration_seconds Request duration by outcome\n")
	_, _ = fmt.Fprintf(w, "# TYPE proxy_request_duration_seconds histogram\n")
	for outcome, counts := range m.HistCounts {
		cum := uint64(0)
		for i, b := range HistogramBuckets {
			if i < len(counts) {
				cum += counts[i]
			}
			_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_bucket{outcome=\"%s\",le=\"%g\"} %d\n", outcome, b, cum)
		}
		total := m.HistTotal[outcome]
		_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_bucket{outcome=\"%s\",le=\"+Inf\"} %d\n", outcome, total)
		_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_sum{outcome=\"%s\"} %g\n", outcome, m.HistSum[outcome])
		_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_count{outcome=\"%s\"} %d\n\n", outcome, total)
	}
	m.Unlock()
}
