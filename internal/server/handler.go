// Package server implements the mastiff HTTP query service: search and
// gather over a read-only index, health probes, metrics and static assets.
package server

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/revindex"
	"github.com/kilupskalvis/mastiff/internal/signature"
	"github.com/kilupskalvis/mastiff/internal/sketch"
)

// Index is the query surface the server needs from an open index
type Index interface {
	Template() revindex.Template
	Len() int
	Search(q *sketch.Sketch, p revindex.SearchParams) ([]models.SearchResult, error)
	GatherQuery(q *sketch.Sketch, p revindex.GatherParams) ([]models.GatherResult, error)
}

// ServerConfig holds the query defaults and limits of the server
type ServerConfig struct {
	Selection         *models.Selection // sketch queries are reduced to; nil means the index template
	ThresholdBP       uint64
	MaxRequestBody    int64         // bytes
	MaxConcurrent     int64         // queries in flight before shedding load
	Timeout           time.Duration // per query
	RequestsPerMinute int           // per client address, 0 disables
	AssetsDir         string        // served for every unmatched path
	Registry          *prometheus.Registry
}

// DefaultServerConfig returns the limits used by mastiff-server
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ThresholdBP:    50000,
		MaxRequestBody: 5 * 1000 * 1024, // ~5MB
		MaxConcurrent:  200,
		Timeout:        time.Hour,
	}
}

type metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	rejected *prometheus.CounterVec
	inflight prometheus.Gauge
	matches  *prometheus.HistogramVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mastiff_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mastiff_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"route"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mastiff_rejected_requests_total",
			Help: "Requests refused before running a query, by reason.",
		}, []string{"reason"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mastiff_queries_in_flight",
			Help: "Queries currently running against the index.",
		}),
		matches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mastiff_query_matches",
			Help:    "Number of result rows per query.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"route"}),
	}
	reg.MustRegister(m.requests, m.latency, m.rejected, m.inflight, m.matches)
	return m
}

type server struct {
	index  Index
	cfg    *ServerConfig
	sel    *models.Selection
	sem    *semaphore.Weighted
	m      *metrics
	logger *slog.Logger
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(index Index, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	sel := cfg.Selection
	if sel == nil {
		sel = index.Template().Selection()
	}
	s := &server{
		index:  index,
		cfg:    cfg,
		sel:    sel,
		sem:    semaphore.NewWeighted(max(cfg.MaxConcurrent, 1)),
		m:      newMetrics(reg),
		logger: logger,
	}
	rl := newRateLimiter(cfg.RequestsPerMinute)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("POST /search", rl.middleware(s.m)(http.HandlerFunc(s.handleSearch)))
	mux.Handle("POST /gather", rl.middleware(s.m)(http.HandlerFunc(s.handleGather)))
	if cfg.AssetsDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.AssetsDir)))
	} else {
		mux.HandleFunc("/", handleNotFound)
	}

	handler := applyMiddleware(mux,
		requestIDMiddleware,
		recoveryMiddleware(logger),
		loggingMiddleware(logger, s.m),
	)
	return handler, rl.Stop
}

func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.index.Len() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready: index is empty"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	s.runQuery(w, r, "search", func(q *sketch.Sketch) ([]byte, int, error) {
		results, err := s.index.Search(q, revindex.SearchParams{ThresholdBP: s.cfg.ThresholdBP})
		if err != nil {
			return nil, 0, err
		}
		out, err := SearchCSV(results)
		return out, len(results), err
	})
}

func (s *server) handleGather(w http.ResponseWriter, r *http.Request) {
	s.runQuery(w, r, "gather", func(q *sketch.Sketch) ([]byte, int, error) {
		results, err := s.index.GatherQuery(q, revindex.GatherParams{ThresholdBP: s.cfg.ThresholdBP})
		if err != nil {
			return nil, 0, err
		}
		out, err := GatherCSV(results)
		return out, len(results), err
	})
}

type queryResult struct {
	body []byte
	rows int
	err  error
}

// runQuery reads the signature in the request body and runs fn on its
// selected sketch. At most MaxConcurrent queries run at once and further
// requests are turned away with 503. A query outliving Timeout gets a 408;
// its goroutine keeps its slot until the index returns.
func (s *server) runQuery(w http.ResponseWriter, r *http.Request, route string, fn func(*sketch.Sketch) ([]byte, int, error)) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.m.rejected.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("signature larger than %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return
	}

	sigs, err := signature.Load(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	_, q, err := signature.PrepareQuery(sigs, s.sel)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "no_compatible_sketch", err.Error())
		return
	}

	if !s.sem.TryAcquire(1) {
		s.m.rejected.WithLabelValues("overloaded").Inc()
		writeError(w, http.StatusServiceUnavailable, "overloaded", "service is overloaded, try again later")
		return
	}

	done := make(chan queryResult, 1)
	s.m.inflight.Inc()
	go func() {
		defer func() {
			s.m.inflight.Dec()
			s.sem.Release(1)
		}()
		defer func() {
			if rec := recover(); rec != nil {
				done <- queryResult{err: fmt.Errorf("query panicked: %v", rec)}
			}
		}()
		out, rows, err := fn(q)
		done <- queryResult{body: out, rows: rows, err: err}
	}()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, sketch.ErrIncompatible) {
				writeError(w, http.StatusUnprocessableEntity, "incompatible_sketch", res.err.Error())
				return
			}
			s.logger.Error("query failed", "route", route, "error", res.err, "request_id", requestID(r))
			writeError(w, http.StatusInternalServerError, "internal_error", res.err.Error())
			return
		}
		s.m.matches.WithLabelValues(route).Observe(float64(res.rows))
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(res.body)
	case <-timer.C:
		s.m.rejected.WithLabelValues("timeout").Inc()
		writeError(w, http.StatusRequestTimeout, "timeout", "request timed out")
	case <-r.Context().Done():
		s.logger.Debug("client went away", "route", route, "request_id", requestID(r))
	}
}

// SearchCSV renders search results as the service returns them: a header
// and one accession,containment row per match
func SearchCSV(results []models.SearchResult) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Write([]string{"SRA accession", "containment"})
	for _, r := range results {
		cw.Write([]string{r.Accession(), formatFloat(r.Containment)})
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}

// GatherCSV renders gather results, one row per rank
func GatherCSV(results []models.GatherResult) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Write([]string{"rank", "name", "intersect_bp", "f_match", "f_orig_query"})
	for _, r := range results {
		cw.Write([]string{
			strconv.Itoa(r.Rank),
			r.Name,
			strconv.FormatUint(r.IntersectBP, 10),
			formatFloat(r.FMatch),
			formatFloat(r.FOrigQuery),
		})
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
