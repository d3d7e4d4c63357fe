package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"math"
	"mime/multipart"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/swarm/libs/go/core/otelinit"
	"github.com/swarmguard/swarm/libs/go/core/resilience"
	"github.com/swarmguard/swarm/services/signature-engine/findings"
	"github.com/swarmguard/swarm/services/signature-engine/rulestore"
	"github.com/swarmguard/swarm/services/signature-engine/scanner"
)

const (
	defaultRecentScans = 20
	batchWorkers       = 4
	batchMemoryBytes   = 8 << 20
)

// server holds the HTTP surface of the signature engine. Optional dependencies
// (findings, rules, publisher, limiter) may be nil.
type server struct {
	cfg       Config
	engine    atomic.Pointer[scanner.HotReloadScanner]
	collector *scanner.MetricsCollector
	metrics   otelinit.Metrics
	limiter   *resilience.RateLimiter
	findings  *findings.Store
	rules     *rulestore.Store
	publisher *matchPublisher
}

func newServer(cfg Config, metrics otelinit.Metrics) *server {
	s := &server{cfg: cfg, collector: scanner.NewMetricsCollector(), metrics: metrics}
	if cfg.ScanBytesPerSec > 0 {
		s.limiter = resilience.NewRateLimiter(cfg.ScanBytesPerSec, float64(cfg.ScanBytesPerSec), 0, 0)
	}
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/v1/scan", s.handleScan)
	mux.HandleFunc("/v1/scan/stream", s.handleScanStream)
	mux.HandleFunc("/v1/scan/batch", s.handleScanBatch)
	mux.HandleFunc("/reload", s.handleReload)          // backward compatible
	mux.HandleFunc("/v1/rules/reload", s.handleReload) // versioned
	mux.HandleFunc("/rules", s.handleRules)            // legacy
	mux.HandleFunc("/v1/rules", s.handleRules)
	mux.HandleFunc("/v1/rules/versions", s.handleRuleVersions)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("GET /v1/scans", s.handleRecentScans)
	mux.HandleFunc("GET /v1/scans/{id}", s.handleGetScan)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// throttled charges n bytes to the scan budget and answers 429 when it is spent.
func (s *server) throttled(w http.ResponseWriter, r *http.Request, n int64) bool {
	if s.limiter == nil || s.limiter.AllowN(n) {
		return false
	}
	s.rejectThrottled(w, r, n)
	return true
}

func (s *server) rejectThrottled(w http.ResponseWriter, r *http.Request, n int64) {
	s.metrics.Throttled.Add(r.Context(), 1)
	wait := s.limiter.ReserveAfter(n)
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	writeError(w, http.StatusTooManyRequests, errBudgetExhausted.Error())
}

var errBudgetExhausted = errors.New("scan byte budget exhausted")

// budgetReader charges every chunk read from a request body to the scan byte budget,
// so bodies without a Content-Length are metered too.
type budgetReader struct {
	r       io.Reader
	limiter *resilience.RateLimiter
	n       int64
	denied  int64
}

func (b *budgetReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n += int64(n)
	if n > 0 && b.limiter != nil && !b.limiter.AllowN(int64(n)) {
		b.denied = int64(n)
		return n, errBudgetExhausted
	}
	return n, err
}

func (s *server) handleScan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, span := otelinit.WithSpan(r.Context(), "signature.scan")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.metrics.ScanErrors.Add(ctx, 1)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.throttled(w, r, int64(len(body))) {
		return
	}
	engine := s.engine.Load()
	if engine == nil || engine.Current() == nil {
		s.metrics.ScanErrors.Add(ctx, 1)
		writeError(w, http.StatusServiceUnavailable, "no ruleset loaded")
		return
	}
	s.metrics.ActiveScans.Add(ctx, 1)
	defer s.metrics.ActiveScans.Add(ctx, -1)

	// Pin one scanner so the matches and the reported ruleset agree across a reload.
	sc := engine.Current()
	matches, err := scanner.NewInstrumentedScanner(sc, s.collector).ScanWithContext(ctx, body)
	if err != nil {
		s.metrics.ScanErrors.Add(ctx, 1)
		span.RecordError(err)
		slog.Warn("scan aborted", "error", err, "bytes", len(body))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if matches == nil {
		matches = []scanner.MatchResult{}
	}
	span.SetAttributes(attribute.Int("scan.bytes", len(body)), attribute.Int("scan.matches", len(matches)))
	report := s.recordScan(ctx, engine, sc, r.URL.Query().Get("source"), start, int64(len(body)), matches)

	w.Header().Set("X-Scan-ID", report.ID)
	w.Header().Set("X-Ruleset-Version", report.RulesetVersion)
	w.Header().Set("X-Match-Count", strconv.Itoa(len(matches)))
	writeJSON(w, http.StatusOK, matches)
}

// handleScanStream scans the request body chunk by chunk without buffering it.
// recordScan updates scan telemetry, stores the scan report and publishes the match
// event. The in-process collector is fed by the caller.
func (s *server) recordScan(ctx context.Context, engine *scanner.HotReloadScanner, sc *scanner.WMScanner, source string, start time.Time, n int64, matches []scanner.MatchResult) findings.Report {
	for _, m := range matches {
		attrs := []attribute.KeyValue{attribute.String("rule_type", m.RuleType)}
		if m.Severity != "" {
			attrs = append(attrs, attribute.String("severity", m.Severity))
		}
		s.metrics.Matches.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	elapsed := time.Since(start)
	s.metrics.ScanBytes.Add(ctx, n)
	s.metrics.ScanDuration.Record(ctx, elapsed.Seconds())

	report := findings.Report{
		ID:             findings.NewID(),
		At:             start.UTC(),
		Source:         source,
		RulesetVersion: engine.GetMetadata().Version,
		RulesetHash:    sc.Ruleset().Hash(),
		Bytes:          n,
		DurationMs:     float64(elapsed.Microseconds()) / 1000,
		Matches:        matches,
	}
	if s.findings != nil {
		if err := s.findings.Save(ctx, &report); err != nil {
			slog.Warn("scan report save failed", "scan_id", report.ID, "error", err)
		}
	}
	if s.publisher != nil && len(matches) > 0 {
		ev := MatchEvent{
			ScanID:         report.ID,
			At:             report.At,
			Source:         report.Source,
			RulesetVersion: report.RulesetVersion,
			RulesetHash:    report.RulesetHash,
			Bytes:          report.Bytes,
			Matches:        matches,
		}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			slog.Warn("match event publish failed", "scan_id", report.ID, "error", err)
		}
	}
	return report
}

func streamResults(matches []scanner.StreamMatch) []scanner.MatchResult {
	out := make([]scanner.MatchResult, len(matches))
	for i, m := range matches {
		out[i] = m.MatchResult
	}
	return out
}

// handleScanStream scans the request body chunk by chunk without buffering it.
func (s *server) handleScanStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, span := otelinit.WithSpan(r.Context(), "signature.scan_stream")
	defer span.End()
	engine := s.engine.Load()
	if engine == nil || engine.Current() == nil {
		s.metrics.ScanErrors.Add(ctx, 1)
		writeError(w, http.StatusServiceUnavailable, "no ruleset loaded")
		return
	}
	s.metrics.ActiveScans.Add(ctx, 1)
	defer s.metrics.ActiveScans.Add(ctx, -1)

	sc := engine.Current()
	body := &budgetReader{r: http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes), limiter: s.limiter}
	matches, err := scanner.NewStreamingScanner(sc, 0).ScanStream(ctx, body)
	if err != nil {
		s.metrics.ScanErrors.Add(ctx, 1)
		s.collector.RecordError()
		span.RecordError(err)
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, errBudgetExhausted):
			s.rejectThrottled(w, r, body.denied)
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	if matches == nil {
		matches = []scanner.StreamMatch{}
	}
	results := streamResults(matches)
	s.collector.RecordScan(time.Since(start).Microseconds(), results, body.n)
	span.SetAttributes(attribute.Int64("scan.bytes", body.n), attribute.Int("scan.matches", len(matches)))
	report := s.recordScan(ctx, engine, sc, r.URL.Query().Get("source"), start, body.n, results)

	w.Header().Set("X-Scan-ID", report.ID)
	w.Header().Set("X-Ruleset-Version", report.RulesetVersion)
	w.Header().Set("X-Match-Count", strconv.Itoa(len(matches)))
	writeJSON(w, http.StatusOK, matches)
}

// BatchResult is the outcome for one file of a batch upload.
type BatchResult struct {
	File    string                `json:"file"`
	ScanID  string                `json:"scan_id,omitempty"`
	Bytes   int64                 `json:"bytes"`
	Matches []scanner.StreamMatch `json:"matches"`
	Error   string                `json:"error,omitempty"`
}

// handleScanBatch scans every file of a multipart upload on the worker pool. Each
// file gets its own scan report.
func (s *server) handleScanBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, span := otelinit.WithSpan(r.Context(), "signature.scan_batch")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseMultipartForm(batchMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	var parts []*multipart.FileHeader
	for _, field := range slices.Sorted(maps.Keys(r.MultipartForm.File)) {
		parts = append(parts, r.MultipartForm.File[field]...)
	}
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, "no files in upload")
		return
	}
	var total int64
	for _, p := range parts {
		total += p.Size
	}
	if s.throttled(w, r, total) {
		return
	}
	engine := s.engine.Load()
	if engine == nil || engine.Current() == nil {
		s.metrics.ScanErrors.Add(ctx, 1)
		writeError(w, http.StatusServiceUnavailable, "no ruleset loaded")
		return
	}
	s.metrics.ActiveScans.Add(ctx, 1)
	defer s.metrics.ActiveScans.Add(ctx, -1)

	files := make([]multipart.File, 0, len(parts))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range parts {
		f, err := p.Open()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		files = append(files, f)
	}

	sc := engine.Current()
	pool := scanner.NewWorkerPool(ctx, scanner.NewStreamingScanner(sc, 0), min(len(files), batchWorkers))
	go func() {
		for i, f := range files {
			pool.Submit(strconv.Itoa(i), f)
		}
		pool.Close()
	}()

	results := make([]BatchResult, len(parts))
	for res := range pool.Results() {
		i, _ := strconv.Atoi(res.ID)
		p := parts[i]
		out := BatchResult{File: p.Filename, Bytes: p.Size, Matches: res.Matches}
		if out.Matches == nil {
			out.Matches = []scanner.StreamMatch{}
		}
		if res.Err != nil {
			s.metrics.ScanErrors.Add(ctx, 1)
			s.collector.RecordError()
			out.Error = res.Err.Error()
			results[i] = out
			continue
		}
		matches := streamResults(res.Matches)
		s.collector.RecordScan(time.Since(start).Microseconds(), matches, p.Size)
		out.ScanID = s.recordScan(ctx, engine, sc, p.Filename, start, p.Size, matches).ID
		results[i] = out
	}
	span.SetAttributes(attribute.Int("scan.files", len(parts)), attribute.Int64("scan.bytes", total))
	writeJSON(w, http.StatusOK, results)
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, span := otelinit.WithSpan(r.Context(), "signature.reload")
	defer span.End()
	engine := s.engine.Load()
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "no ruleset loaded")
		return
	}
	t0 := time.Now()
	if err := engine.ForceReload(); err != nil {
		s.metrics.ReloadFailures.Add(ctx, 1)
		span.RecordError(err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	meta := engine.GetMetadata()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"duration_seconds": time.Since(t0).Seconds(),
		"rules":            meta.RuleCount,
		"version":          meta.Version,
	})
}

func (s *server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	engine := s.engine.Load()
	rules := []scanner.ExtendedRule{}
	version := ""
	if engine != nil && engine.Current() != nil {
		rules = engine.Current().Ruleset().Rules()
		version = engine.GetMetadata().Version
	}
	if r.URL.Path == "/rules" {
		writeJSON(w, http.StatusOK, rules)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": version, "rules": rules})
}

func (s *server) handleRuleVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.rules == nil {
		writeError(w, http.StatusNotFound, "rule store disabled")
		return
	}
	versions, err := s.rules.Versions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := map[string]any{
		"goroutines": runtime.NumGoroutine(),
		"scans":      s.collector.GetStats(),
	}
	if engine := s.engine.Load(); engine != nil {
		st["reload"] = engine.GetMetadata()
		if sc := engine.Current(); sc != nil {
			st["rules"] = sc.Ruleset().RuleCount()
			st["tables"] = sc.Ruleset().Tables().Stats()
			st["fingerprint"] = sc.Ruleset().Tables().Fingerprint()
		}
	}
	if s.publisher != nil {
		st["publisher"] = map[string]string{"subject": s.publisher.subject, "circuit": s.publisher.breaker.State()}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleRecentScans(w http.ResponseWriter, r *http.Request) {
	if s.findings == nil {
		writeError(w, http.StatusNotFound, "findings store disabled")
		return
	}
	limit := defaultRecentScans
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	reports, err := s.findings.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reports == nil {
		reports = []findings.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	if s.findings == nil {
		writeError(w, http.StatusNotFound, "findings store disabled")
		return
	}
	report, err := s.findings.Get(r.PathValue("id"))
	if errors.Is(err, findings.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
