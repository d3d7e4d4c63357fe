package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swarmguard/swarm/services/signature-engine/wumanber"
)

// ErrNoRuleset is returned when scanning before any ruleset was loaded.
var ErrNoRuleset = errors.New("no ruleset loaded")

// RuleLoader loads rules from a source (filesystem, rule store).
type RuleLoader interface {
	Load() ([]ExtendedRule, error)
}

// Versioner is implemented by loaders that know the version of what they loaded last.
type Versioner interface {
	Version() string
}

// FileRuleLoader loads rules from a JSON file on disk.
type FileRuleLoader struct {
	path string
}

// NewFileRuleLoader constructs a loader for the given JSON file path.
func NewFileRuleLoader(path string) *FileRuleLoader {
	return &FileRuleLoader{path: path}
}

// Load reads and parses the rule file. Both {"rules": [...]} and a single rule object
// are accepted.
func (f *FileRuleLoader) Load() ([]ExtendedRule, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Rules []ExtendedRule `json:"rules"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(f.path), err)
	}
	if wrapper.Rules != nil {
		return wrapper.Rules, nil
	}
	var single ExtendedRule
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(f.path), err)
	}
	if single.ID == "" {
		return nil, fmt.Errorf("%s: no rules", filepath.Base(f.path))
	}
	return []ExtendedRule{single}, nil
}

// manifest structure (optional): index.json
type manifest struct {
	Version   string `json:"version"`
	CreatedAt string `json:"created_at"`
	Hash      string `json:"hash"` // expected composite hash
}

const manifestName = "index.json"

// DirectoryRuleLoader loads all .json files from a directory. An optional index.json
// manifest pins the expected composite hash and names the version.
type DirectoryRuleLoader struct {
	dirPath string
	version atomic.Value // string
}

// NewDirectoryRuleLoader constructs a loader for a rules directory.
func NewDirectoryRuleLoader(dirPath string) *DirectoryRuleLoader {
	d := &DirectoryRuleLoader{dirPath: dirPath}
	d.version.Store("")
	return d
}

// Dir returns the watched directory.
func (d *DirectoryRuleLoader) Dir() string { return d.dirPath }

// Version returns the manifest version, or the composite hash prefix, of the last load.
func (d *DirectoryRuleLoader) Version() string { return d.version.Load().(string) }

// Load reads all JSON files in the directory and merges rules. Unparseable files are
// skipped with a warning; a manifest hash mismatch fails the whole load.
func (d *DirectoryRuleLoader) Load() ([]ExtendedRule, error) {
	files, composite, err := dirCompositeHash(d.dirPath)
	if err != nil {
		return nil, err
	}
	var man manifest
	if b, err := os.ReadFile(filepath.Join(d.dirPath, manifestName)); err == nil {
		if err := json.Unmarshal(b, &man); err != nil {
			slog.Warn("manifest parse failed", "error", err)
		} else if man.Hash != "" && man.Hash != composite {
			return nil, fmt.Errorf("rule manifest hash mismatch expected=%s got=%s", man.Hash, composite)
		}
	}

	var allRules []ExtendedRule
	for _, f := range files {
		rules, err := NewFileRuleLoader(f).Load()
		if err != nil {
			slog.Warn("skipping rule file", "file", f, "error", err)
			continue
		}
		allRules = append(allRules, rules...)
	}
	if len(allRules) == 0 {
		return nil, errors.New("no rules loaded from directory")
	}

	ver := man.Version
	if ver == "" {
		ver = composite[:12]
	}
	d.version.Store(ver)
	return allRules, nil
}

// dirCompositeHash builds a deterministic hash across rule JSON file contents
// (excluding the manifest itself) and returns the sorted file list.
func dirCompositeHash(dir string) ([]string, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" || e.Name() == manifestName {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	h := sha256.New()
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, "", err
		}
		h.Write(b)
	}
	return files, hex.EncodeToString(h.Sum(nil)), nil
}

// HotReloadScanner wraps WMScanner with hot-reload capabilities.
// Monitors rule changes and atomically swaps scanner instances.
type HotReloadScanner struct {
	loader     RuleLoader
	scannerPtr atomic.Pointer[WMScanner]

	checkInterval time.Duration
	buildOpts     []wumanber.Option
	onReload      func(*Ruleset, ReloadMetadata)
	watchDir      string
	watcher       *RuleDirWatcher

	reloadMu sync.Mutex // serializes reloads
	lastHash string

	mu       sync.RWMutex
	metadata ReloadMetadata

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ReloadMetadata tracks reload statistics.
type ReloadMetadata struct {
	Version         string    `json:"version"`
	RulesetHash     string    `json:"ruleset_hash"`
	LoadedAt        time.Time `json:"loaded_at"`
	RuleCount       int       `json:"rule_count"`
	BuildDurationMs int64     `json:"build_duration_ms"`
	LastReloadAt    time.Time `json:"last_reload_at,omitempty"`
	ReloadCount     int       `json:"reload_count"`
	LastError       string    `json:"last_error,omitempty"`
}

// ReloadOption configures a HotReloadScanner.
type ReloadOption func(*HotReloadScanner)

// WithBuildOptions passes table build options to every rebuild.
func WithBuildOptions(opts ...wumanber.Option) ReloadOption {
	return func(h *HotReloadScanner) { h.buildOpts = opts }
}

// WithOnReload registers a hook called after every successful swap, including the
// initial load.
func WithOnReload(fn func(*Ruleset, ReloadMetadata)) ReloadOption {
	return func(h *HotReloadScanner) { h.onReload = fn }
}

// WithWatchDir reloads as soon as JSON files in dir change, in addition to the
// periodic check.
func WithWatchDir(dir string) ReloadOption {
	return func(h *HotReloadScanner) { h.watchDir = dir }
}

// NewHotReloadScanner creates a scanner with hot-reload capability. A positive
// checkInterval starts a background goroutine polling the loader.
func NewHotReloadScanner(loader RuleLoader, checkInterval time.Duration, opts ...ReloadOption) (*HotReloadScanner, error) {
	hrs := &HotReloadScanner{
		loader:        loader,
		checkInterval: checkInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(hrs)
	}

	if err := hrs.reload(); err != nil {
		return nil, err
	}

	if hrs.watchDir != "" {
		w, err := WatchRuleDir(hrs.watchDir, DefaultDebounce, func() {
			if err := hrs.reload(); err != nil {
				slog.Warn("watched reload failed", "error", err)
			}
		})
		if err != nil {
			slog.Warn("rule directory watch unavailable; polling only", "dir", hrs.watchDir, "error", err)
		} else {
			hrs.watcher = w
		}
	}

	go hrs.watchLoop()
	return hrs, nil
}

// reload performs the actual rule reload and scanner rebuild.
func (hrs *HotReloadScanner) reload() error {
	hrs.reloadMu.Lock()
	defer hrs.reloadMu.Unlock()

	rules, err := hrs.loader.Load()
	if err != nil {
		hrs.recordError(err)
		return err
	}

	hash := calculateRuleHash(rules)
	if hash == hrs.lastHash {
		// Same rules: the loader recovered, or only the manifest version moved.
		hrs.mu.Lock()
		hrs.metadata.LastError = ""
		hrs.metadata.Version = hrs.versionFor(hash)
		hrs.mu.Unlock()
		return nil
	}

	start := time.Now()
	rs, err := BuildRuleset(rules, hrs.buildOpts...)
	if err != nil {
		hrs.recordError(err)
		return err
	}
	hrs.scannerPtr.Store(NewWMScanner(rs))
	hrs.lastHash = hash

	hrs.mu.Lock()
	hrs.metadata = ReloadMetadata{
		Version:         hrs.versionFor(hash),
		RulesetHash:     rs.Hash(),
		LoadedAt:        start,
		RuleCount:       rs.RuleCount(),
		BuildDurationMs: time.Since(start).Milliseconds(),
		LastReloadAt:    time.Now(),
		ReloadCount:     hrs.metadata.ReloadCount + 1,
	}
	meta := hrs.metadata
	hrs.mu.Unlock()

	slog.Info("rules reloaded", "count", meta.RuleCount, "version", meta.Version, "block_size", rs.Tables().Config().BlockSize)
	if hrs.onReload != nil {
		hrs.onReload(rs, meta)
	}
	return nil
}

// versionFor names the ruleset: the loader's version when it has one, else the hash prefix.
func (hrs *HotReloadScanner) versionFor(hash string) string {
	if v, ok := hrs.loader.(Versioner); ok && v.Version() != "" {
		return v.Version()
	}
	return hash[:12]
}

func (hrs *HotReloadScanner) recordError(err error) {
	hrs.mu.Lock()
	hrs.metadata.LastError = err.Error()
	hrs.mu.Unlock()
}

// calculateRuleHash computes a deterministic hash of all enabled rules, independent of
// their order.
func calculateRuleHash(rules []ExtendedRule) string {
	sorted := make([]ExtendedRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	for _, r := range sorted {
		for _, field := range []string{
			r.ID, r.Type, r.Pattern, r.PatternHex, r.Severity,
			strconv.Itoa(r.Version), strconv.Itoa(r.SamplePercent), strings.Join(r.Tags, ","),
		} {
			h.Write([]byte(field))
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// watchLoop periodically checks for rule changes.
func (hrs *HotReloadScanner) watchLoop() {
	defer close(hrs.doneCh)
	if hrs.checkInterval <= 0 {
		<-hrs.stopCh
		return
	}

	ticker := time.NewTicker(hrs.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = hrs.reload() // Errors are stored in metadata
		case <-hrs.stopCh:
			return
		}
	}
}

// Current returns the active scanner.
func (hrs *HotReloadScanner) Current() *WMScanner {
	return hrs.scannerPtr.Load()
}

// Scan delegates to the current scanner instance.
func (hrs *HotReloadScanner) Scan(data []byte) []MatchResult {
	sc := hrs.scannerPtr.Load()
	if sc == nil {
		return nil
	}
	return sc.Scan(data)
}

// ScanContext delegates to the current scanner instance. A scan keeps using the
// ruleset it started with even if a reload swaps it meanwhile.
func (hrs *HotReloadScanner) ScanContext(ctx context.Context, data []byte, fn func(MatchResult) bool) error {
	sc := hrs.scannerPtr.Load()
	if sc == nil {
		return ErrNoRuleset
	}
	return sc.ScanContext(ctx, data, fn)
}

// GetMetadata returns current reload statistics.
func (hrs *HotReloadScanner) GetMetadata() ReloadMetadata {
	hrs.mu.RLock()
	defer hrs.mu.RUnlock()
	return hrs.metadata
}

// Stop terminates the background watcher goroutine.
func (hrs *HotReloadScanner) Stop() {
	hrs.stopOnce.Do(func() {
		if hrs.watcher != nil {
			_ = hrs.watcher.Stop()
		}
		close(hrs.stopCh)
		<-hrs.doneCh
	})
}

// ForceReload triggers an immediate reload check.
func (hrs *HotReloadScanner) ForceReload() error {
	return hrs.reload()
}
