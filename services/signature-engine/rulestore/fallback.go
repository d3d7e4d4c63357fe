package rulestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/swarmguard/swarm/services/signature-engine/scanner"
)

// FallbackLoader loads from Primary and records every new rule set in Store. When
// Primary fails, the latest stored snapshot is served instead.
type FallbackLoader struct {
	Primary scanner.RuleLoader
	Store   *Store
	// Keep bounds the number of retained snapshots; 0 keeps everything.
	Keep int

	mu      sync.Mutex
	version string
}

// Load implements scanner.RuleLoader.
func (f *FallbackLoader) Load() ([]scanner.ExtendedRule, error) {
	rules, err := f.Primary.Load()
	if err != nil {
		stored, serr := f.Store.Load()
		if serr != nil {
			return nil, err
		}
		slog.Warn("rule source unavailable, using stored snapshot", "error", err, "version", f.Store.Version())
		f.setVersion(f.Store.Version())
		return stored, nil
	}

	version := ""
	if v, ok := f.Primary.(scanner.Versioner); ok {
		version = v.Version()
	}
	if version == "" {
		version = contentVersion(rules)
	}
	f.setVersion(version)

	if latest, lerr := f.Store.Latest(); lerr == nil && latest.Version == version {
		return rules, nil
	}
	if err := f.Store.Save(context.Background(), version, rules); err != nil {
		slog.Warn("rule snapshot save failed", "version", version, "error", err)
		return rules, nil
	}
	if f.Keep > 0 {
		if _, err := f.Store.Prune(f.Keep); err != nil {
			slog.Warn("rule snapshot prune failed", "error", err)
		}
	}
	return rules, nil
}

// Version implements scanner.Versioner.
func (f *FallbackLoader) Version() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

func (f *FallbackLoader) setVersion(v string) {
	f.mu.Lock()
	f.version = v
	f.mu.Unlock()
}

func contentVersion(rules []scanner.ExtendedRule) string {
	b, _ := json.Marshal(rules)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:12]
}
