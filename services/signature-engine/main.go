package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	corelog "github.com/swarmguard/swarm/libs/go/core/logging"
	"github.com/swarmguard/swarm/libs/go/core/otelinit"
	"github.com/swarmguard/swarm/libs/go/core/resilience"
	"github.com/swarmguard/swarm/services/signature-engine/findings"
	"github.com/swarmguard/swarm/services/signature-engine/rulestore"
	"github.com/swarmguard/swarm/services/signature-engine/scanner"
)

func main() {
	os.Exit(run())
}

// run starts the service and blocks until shutdown. Deferred cleanup runs before the
// exit code reaches os.Exit.
func run() int {
	service := "signature-engine"
	corelog.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 2
	}
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, metrics := otelinit.InitMetrics(ctx, service)

	srv := newServer(cfg, metrics)

	var loader scanner.RuleLoader = scanner.NewDirectoryRuleLoader(cfg.RuleDir)
	if cfg.RuleStorePath != "" {
		rs, err := rulestore.Open(cfg.RuleStorePath)
		if err != nil {
			slog.Error("rule store unavailable", "path", cfg.RuleStorePath, "error", err)
			return 1
		}
		defer rs.Close()
		srv.rules = rs
		loader = &rulestore.FallbackLoader{Primary: loader, Store: rs, Keep: cfg.RuleStoreKeep}
	}
	if cfg.FindingsDir != "" {
		fs, err := findings.Open(cfg.FindingsDir, cfg.FindingsTTL)
		if err != nil {
			slog.Error("findings store unavailable", "dir", cfg.FindingsDir, "error", err)
			return 1
		}
		defer fs.Close()
		srv.findings = fs
		go fs.RunGCEvery(ctx, 10*time.Minute)
	}
	if cfg.NATSURL != "" {
		if nc, err := connectNATS(ctx, cfg.NATSURL); err != nil {
			slog.Warn("match events disabled", "error", err)
		} else {
			defer nc.Drain()
			srv.publisher = newMatchPublisher(nc, cfg.MatchSubject, metrics)
			slog.Info("publishing match events", "subject", cfg.MatchSubject)
		}
	}

	go startEngine(ctx, srv, loader)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("service started", "addr", cfg.ListenAddr, "rule_dir", cfg.RuleDir)
	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = httpSrv.Shutdown(ctxSd)
	if engine := srv.engine.Load(); engine != nil {
		engine.Stop()
	}
	otelinit.Flush(ctxSd, shutdownTrace)
	otelinit.Flush(ctxSd, shutdownMetrics)
	slog.Info("shutdown complete")
	return 0
}

// startEngine builds the first ruleset, retrying until it succeeds or ctx ends.
// Until then /scan answers 503.
func startEngine(ctx context.Context, srv *server, loader scanner.RuleLoader) {
	for {
		engine, err := loadEngine(ctx, srv, loader)
		if err == nil {
			srv.engine.Store(engine)
			return
		}
		slog.Error("initial rule load failed", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(max(srv.cfg.ReloadInterval, 5*time.Second)):
		}
	}
}

// loadEngine builds the hot-reload scanner, retrying loader failures. Rules that fail
// to compile are returned at once: the same files fail the same way until edited.
func loadEngine(ctx context.Context, srv *server, loader scanner.RuleLoader) (*scanner.HotReloadScanner, error) {
	opts := []scanner.ReloadOption{
		scanner.WithBuildOptions(srv.cfg.buildOptions()...),
		scanner.WithOnReload(srv.onReload),
		scanner.WithWatchDir(srv.cfg.RuleDir),
	}
	return resilience.Retry(ctx, 5, time.Second, func() (*scanner.HotReloadScanner, error) {
		engine, err := scanner.NewHotReloadScanner(loader, srv.cfg.ReloadInterval, opts...)
		if scanner.IsBuildError(err) {
			return nil, resilience.Permanent(err)
		}
		return engine, err
	})
}

func (s *server) onReload(rs *scanner.Ruleset, meta scanner.ReloadMetadata) {
	ctx := context.Background()
	s.metrics.Reloads.Add(ctx, 1)
	s.metrics.RulesLoaded.Record(ctx, int64(meta.RuleCount))
	s.metrics.BuildDuration.Record(ctx, rs.BuildDuration().Seconds())
	st := rs.Tables().Stats()
	slog.Info("ruleset active",
		"version", meta.Version,
		"rules", meta.RuleCount,
		"block_size", st.BlockSize,
		"min_len", st.MinLen,
		"zero_shift_slots", st.ZeroShiftSlots,
		"fingerprint", rs.Hash(),
	)
}
