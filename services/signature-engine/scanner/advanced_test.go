package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type mockLoader struct {
	mu    sync.Mutex
	rules []ExtendedRule
	err   error
}

func (m *mockLoader) Load() ([]ExtendedRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]ExtendedRule(nil), m.rules...), nil
}

func (m *mockLoader) set(rules []ExtendedRule, err error) {
	m.mu.Lock()
	m.rules, m.err = rules, err
	m.mu.Unlock()
}

func writeRules(t *testing.T, path string, rules ...ExtendedRule) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"rules": rules})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestHotReloadScanner(t *testing.T) {
	loader := &mockLoader{rules: []ExtendedRule{
		literal("test-1", "malware", "high"),
		literal("test-2", "virus", "critical"),
	}}
	scanner, err := NewHotReloadScanner(loader, 0)
	if err != nil {
		t.Fatalf("Failed to create hot reload scanner: %v", err)
	}
	defer scanner.Stop()

	testData := []byte("This file contains malware and virus and trojan patterns")
	if matches := scanner.Scan(testData); len(matches) != 2 {
		t.Errorf("Expected 2 matches, got %d", len(matches))
	}
	meta := scanner.GetMetadata()
	if meta.RuleCount != 2 || meta.ReloadCount != 1 {
		t.Errorf("Unexpected metadata after initial load: %+v", meta)
	}

	loader.set(append(loader.rules, literal("test-3", "trojan", "critical")), nil)
	if err := scanner.ForceReload(); err != nil {
		t.Fatalf("Failed to force reload: %v", err)
	}
	meta = scanner.GetMetadata()
	if meta.RuleCount != 3 || meta.ReloadCount != 2 {
		t.Errorf("Unexpected metadata after reload: %+v", meta)
	}
	if matches := scanner.Scan(testData); len(matches) != 3 {
		t.Errorf("Expected 3 matches after reload, got %d", len(matches))
	}

	// Unchanged rules do not rebuild.
	if err := scanner.ForceReload(); err != nil {
		t.Fatal(err)
	}
	if got := scanner.GetMetadata().ReloadCount; got != 2 {
		t.Errorf("Expected reload count to stay 2, got %d", got)
	}
}

func TestHotReloadKeepsRulesetOnError(t *testing.T) {
	loader := &mockLoader{rules: []ExtendedRule{literal("a", "malware", "high")}}
	scanner, err := NewHotReloadScanner(loader, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer scanner.Stop()

	loader.set(nil, errors.New("disk gone"))
	if err := scanner.ForceReload(); err == nil {
		t.Fatal("Expected reload error")
	}
	meta := scanner.GetMetadata()
	if meta.LastError != "disk gone" || meta.RuleCount != 1 {
		t.Errorf("Unexpected metadata: %+v", meta)
	}
	if len(scanner.Scan([]byte("malware"))) != 1 {
		t.Error("Previous ruleset should stay active")
	}

	loader.set([]ExtendedRule{literal("empty", "", "low")}, nil)
	if err := scanner.ForceReload(); err == nil {
		t.Fatal("Expected build error")
	}
	if len(scanner.Scan([]byte("malware"))) != 1 {
		t.Error("Previous ruleset should stay active after build failure")
	}
}

func TestHotReloadUnchangedClearsError(t *testing.T) {
	rules := []ExtendedRule{literal("a", "malware", "high")}
	loader := &mockLoader{rules: rules}
	scanner, err := NewHotReloadScanner(loader, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer scanner.Stop()

	loader.set(nil, errors.New("disk gone"))
	_ = scanner.ForceReload()
	if scanner.GetMetadata().LastError == "" {
		t.Fatal("Expected recorded error")
	}

	loader.set(rules, nil)
	if err := scanner.ForceReload(); err != nil {
		t.Fatal(err)
	}
	meta := scanner.GetMetadata()
	if meta.LastError != "" {
		t.Errorf("Expected error cleared after recovery, got %q", meta.LastError)
	}
	if meta.ReloadCount != 1 {
		t.Errorf("Unchanged rules must not rebuild, reload count %d", meta.ReloadCount)
	}
}

func TestHotReloadManifestVersionBump(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, filepath.Join(dir, "a.json"), literal("a", "alpha", "low"))
	_, composite, err := dirCompositeHash(dir)
	if err != nil {
		t.Fatal(err)
	}
	writeManifest := func(version string) {
		man, _ := json.Marshal(manifest{Version: version, Hash: composite})
		if err := os.WriteFile(filepath.Join(dir, manifestName), man, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	writeManifest("v1")
	scanner, err := NewHotReloadScanner(NewDirectoryRuleLoader(dir), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer scanner.Stop()
	if v := scanner.GetMetadata().Version; v != "v1" {
		t.Fatalf("Expected v1, got %q", v)
	}

	writeManifest("v2")
	if err := scanner.ForceReload(); err != nil {
		t.Fatal(err)
	}
	meta := scanner.GetMetadata()
	if meta.Version != "v2" {
		t.Errorf("Expected manifest version v2, got %q", meta.Version)
	}
	if meta.ReloadCount != 1 {
		t.Errorf("Same rule files must not rebuild, reload count %d", meta.ReloadCount)
	}
}

func TestHotReloadInitialFailure(t *testing.T) {
	if _, err := NewHotReloadScanner(&mockLoader{err: errors.New("nope")}, 0); err == nil {
		t.Fatal("Expected constructor error")
	}
}

func TestHotReloadPolling(t *testing.T) {
	loader := &mockLoader{rules: []ExtendedRule{literal("a", "alpha", "low")}}
	reloaded := make(chan ReloadMetadata, 4)
	scanner, err := NewHotReloadScanner(loader, 20*time.Millisecond, WithOnReload(func(_ *Ruleset, meta ReloadMetadata) {
		reloaded <- meta
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer scanner.Stop()
	<-reloaded // initial load

	loader.set([]ExtendedRule{literal("a", "alpha", "low"), literal("b", "beta", "low")}, nil)
	select {
	case meta := <-reloaded:
		if meta.RuleCount != 2 {
			t.Errorf("Expected 2 rules, got %d", meta.RuleCount)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for polled reload")
	}
}

func TestHotReloadStopIdempotent(t *testing.T) {
	scanner, err := NewHotReloadScanner(&mockLoader{rules: []ExtendedRule{literal("a", "abc", "low")}}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	scanner.Stop()
	scanner.Stop()
}

func TestDirectoryRuleLoader(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, filepath.Join(dir, "a.json"), literal("a", "alpha", "low"))
	single, _ := json.Marshal(literal("b", "beta", "high"))
	if err := os.WriteFile(filepath.Join(dir, "b.json"), single, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewDirectoryRuleLoader(dir)
	rules, err := loader.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(rules) != 2 || rules[0].ID != "a" || rules[1].ID != "b" {
		t.Fatalf("Unexpected rules: %+v", rules)
	}
	if len(loader.Version()) != 12 {
		t.Errorf("Expected hash-derived version, got %q", loader.Version())
	}
}

func TestDirectoryRuleLoaderManifest(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, filepath.Join(dir, "a.json"), literal("a", "alpha", "low"))
	_, composite, err := dirCompositeHash(dir)
	if err != nil {
		t.Fatal(err)
	}

	man, _ := json.Marshal(manifest{Version: "2024.06.1", Hash: composite})
	if err := os.WriteFile(filepath.Join(dir, manifestName), man, 0o644); err != nil {
		t.Fatal(err)
	}
	loader := NewDirectoryRuleLoader(dir)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loader.Version() != "2024.06.1" {
		t.Errorf("Expected manifest version, got %q", loader.Version())
	}

	writeRules(t, filepath.Join(dir, "b.json"), literal("b", "beta", "low"))
	if _, err := loader.Load(); err == nil {
		t.Fatal("Expected manifest hash mismatch")
	}
}

func TestDirectoryRuleLoaderEmpty(t *testing.T) {
	if _, err := NewDirectoryRuleLoader(t.TempDir()).Load(); err == nil {
		t.Fatal("Expected error for empty directory")
	}
}

func TestHotReloadWatchDir(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, filepath.Join(dir, "base.json"), literal("a", "alpha", "low"))

	reloaded := make(chan ReloadMetadata, 4)
	scanner, err := NewHotReloadScanner(NewDirectoryRuleLoader(dir), 0,
		WithWatchDir(dir),
		WithOnReload(func(_ *Ruleset, meta ReloadMetadata) { reloaded <- meta }),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer scanner.Stop()
	<-reloaded

	writeRules(t, filepath.Join(dir, "extra.json"), literal("b", "bravo", "low"))
	select {
	case meta := <-reloaded:
		if meta.RuleCount != 2 {
			t.Errorf("Expected 2 rules, got %d", meta.RuleCount)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for watched reload")
	}
	if len(scanner.Scan([]byte("alpha bravo"))) != 2 {
		t.Error("Expected both rules to match after reload")
	}
}

func TestRuleDirWatcherDebounce(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 16)
	w, err := WatchRuleDir(dir, 100*time.Millisecond, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	for i := 0; i < 5; i++ {
		writeRules(t, filepath.Join(dir, "burst.json"), literal("a", "alpha", "low"))
	}
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for change notification")
	}
	select {
	case <-fired:
		t.Error("Burst should collapse into one notification")
	case <-time.After(300 * time.Millisecond):
	}

	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Second Stop should be a no-op: %v", err)
	}
}

func TestStreamingScanner(t *testing.T) {
	sc := mustScanner(t, literal("atk", "ATTACK", "high"))
	data := bytes.Repeat([]byte("a"), 3000)
	copy(data[1020:], "ATTACK") // straddles the first 1024 byte chunk
	copy(data[2500:], "ATTACK")

	streamer := NewStreamingScanner(sc, 1024)
	matches, err := streamer.ScanStream(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ScanStream failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d: %+v", len(matches), matches)
	}
	if matches[0].GlobalOffset != 1020 || matches[1].GlobalOffset != 2500 {
		t.Errorf("Unexpected offsets: %d, %d", matches[0].GlobalOffset, matches[1].GlobalOffset)
	}
}

func TestStreamingMatchesInMemory(t *testing.T) {
	sc := mustScanner(t,
		literal("a", "abc", "low"),
		literal("b", "bcab", "low"),
		literal("c", "cccccc", "low"),
	)
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 20000)
	for i := range data {
		data[i] = "abc"[rng.Intn(3)]
	}
	want := sc.Scan(data)
	got, err := NewStreamingScanner(sc, 1500).ScanStream(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d matches, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].RuleID != want[i].RuleID || got[i].GlobalOffset != int64(want[i].Offset) {
			t.Fatalf("match %d: want %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestWorkerPool(t *testing.T) {
	sc := mustScanner(t, literal("m", "malware", "high"))
	pool := NewWorkerPool(context.Background(), NewStreamingScanner(sc, 4096), 4)

	const jobs = 10
	go func() {
		for i := 0; i < jobs; i++ {
			pool.Submit(string(rune('a'+i)), bytes.NewReader([]byte("clean malware clean malware")))
		}
		pool.Close()
	}()

	seen := make(map[string]bool)
	for res := range pool.Results() {
		if res.Err != nil {
			t.Errorf("job %s: %v", res.ID, res.Err)
		}
		if len(res.Matches) != 2 {
			t.Errorf("job %s: expected 2 matches, got %d", res.ID, len(res.Matches))
		}
		seen[res.ID] = true
	}
	if len(seen) != jobs {
		t.Errorf("Expected %d results, got %d", jobs, len(seen))
	}
}

func TestMetricsCollector(t *testing.T) {
	sc := mustScanner(t, literal("a", "alpha", "low"), literal("b", "beta", "low"))
	metrics := NewMetricsCollector()
	is := NewInstrumentedScanner(sc, metrics)

	is.Scan([]byte("alpha beta alpha"))
	is.Scan([]byte("beta"))
	is.Scan([]byte("nothing here"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := is.ScanWithContext(ctx, []byte("alpha")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected cancellation, got %v", err)
	}

	stats := is.GetMetrics()
	if stats.TotalScans != 3 || stats.TotalMatches != 4 || stats.TotalErrors != 1 {
		t.Errorf("Unexpected totals: %+v", stats)
	}
	if stats.TotalBytesScanned != int64(len("alpha beta alpha")+len("beta")+len("nothing here")) {
		t.Errorf("Unexpected byte count: %d", stats.TotalBytesScanned)
	}
	if len(stats.TopRules) != 2 || stats.TopRules[0].RuleID != "a" || stats.TopRules[0].Hits != 2 {
		t.Errorf("Unexpected top rules: %+v", stats.TopRules)
	}
	var bucketed int64
	for _, n := range stats.LatencyHistogram {
		bucketed += n
	}
	if bucketed != 3 {
		t.Errorf("Expected 3 latency samples, got %d", bucketed)
	}
}

func TestMetricsWindowPruning(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewMetricsCollector()
	m.now = func() time.Time { return now }

	m.RecordScan(500, nil, 100)
	now = now.Add(2 * time.Minute)
	m.RecordScan(500, nil, 300)

	if len(m.RecentScans) != 1 {
		t.Fatalf("Expected old scan to be pruned, have %d", len(m.RecentScans))
	}
	now = now.Add(time.Second)
	if bps := m.GetStats().RecentThroughputBPS; bps != 300 {
		t.Errorf("Expected 300 B/s, got %v", bps)
	}
}

func TestLatencyBuckets(t *testing.T) {
	cases := map[int64]int{0: 0, 999: 0, 1000: 1, 50000: 2, 500000: 3, 5000000: 4}
	for us, want := range cases {
		if got := latencyBucket(us); got != want {
			t.Errorf("latencyBucket(%d) = %d, want %d", us, got, want)
		}
	}
}
