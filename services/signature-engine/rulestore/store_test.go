package rulestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/swarm/services/signature-engine/scanner"
)

// newTestStore creates a temporary bbolt store for testing.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func rule(id, pattern string) scanner.ExtendedRule {
	return scanner.ExtendedRule{
		Rule:          scanner.Rule{ID: id, Type: "literal", Pattern: pattern, Version: 1, Enabled: true},
		SamplePercent: 100,
		Severity:      "high",
	}
}

func TestSaveAndLatest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "v1", []scanner.ExtendedRule{rule("a", "alpha")}))
	require.NoError(t, store.Save(ctx, "v2", []scanner.ExtendedRule{rule("a", "alpha"), rule("b", "beta")}))

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.Version)
	assert.Len(t, latest.Rules, 2)
	assert.False(t, latest.SavedAt.IsZero())

	v1, err := store.Get("v1")
	require.NoError(t, err)
	require.Len(t, v1.Rules, 1)
	assert.Equal(t, "alpha", v1.Rules[0].Pattern)
}

func TestEmptyStore(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Latest()
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Save(context.Background(), "", nil), ErrEmptyVersion)
}

func TestResaveMovesVersionToFront(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "v1", []scanner.ExtendedRule{rule("a", "alpha")}))
	require.NoError(t, store.Save(ctx, "v2", []scanner.ExtendedRule{rule("b", "beta")}))
	require.NoError(t, store.Save(ctx, "v1", []scanner.ExtendedRule{rule("c", "gamma")}))

	versions, err := store.Versions()
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v1", versions[0].Version)
	assert.Equal(t, "v2", versions[1].Version)

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, "gamma", latest.Rules[0].Pattern)
}

func TestPrune(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	for _, v := range []string{"v1", "v2", "v3", "v4"} {
		require.NoError(t, store.Save(ctx, v, []scanner.ExtendedRule{rule(v, "pattern-"+v)}))
	}

	removed, err := store.Prune(2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	versions, err := store.Versions()
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v4", versions[0].Version)
	assert.Equal(t, "v3", versions[1].Version)

	_, err = store.Get("v1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistsAcrossReopen(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), "v7", []scanner.ExtendedRule{rule("a", "alpha")}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	rules, err := reopened.Load()
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	assert.Equal(t, "v7", reopened.Version())
}

func TestOpenLocked(t *testing.T) {
	_, path := newTestStore(t)
	start := time.Now()
	_, err := Open(path)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

type stubLoader struct {
	rules   []scanner.ExtendedRule
	err     error
	version string
}

func (s *stubLoader) Load() ([]scanner.ExtendedRule, error) { return s.rules, s.err }
func (s *stubLoader) Version() string                        { return s.version }

func TestFallbackLoaderRecordsAndServes(t *testing.T) {
	store, _ := newTestStore(t)
	primary := &stubLoader{rules: []scanner.ExtendedRule{rule("a", "alpha")}, version: "2024.1"}
	loader := &FallbackLoader{Primary: primary, Store: store, Keep: 3}

	rules, err := loader.Load()
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	assert.Equal(t, "2024.1", loader.Version())

	// Loading the same version again does not add a snapshot.
	_, err = loader.Load()
	require.NoError(t, err)
	versions, err := store.Versions()
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	primary.rules, primary.err = nil, errors.New("rules dir missing")
	rules, err = loader.Load()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "alpha", rules[0].Pattern)
	assert.Equal(t, "2024.1", loader.Version())
}

func TestFallbackLoaderNoSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	boom := errors.New("rules dir missing")
	loader := &FallbackLoader{Primary: &stubLoader{err: boom}, Store: store}
	_, err := loader.Load()
	assert.ErrorIs(t, err, boom)
}

func TestFallbackLoaderContentVersion(t *testing.T) {
	store, _ := newTestStore(t)
	loader := &FallbackLoader{Primary: &stubLoader{rules: []scanner.ExtendedRule{rule("a", "alpha")}}, Store: store}
	_, err := loader.Load()
	require.NoError(t, err)
	assert.Len(t, loader.Version(), 12)

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, loader.Version(), latest.Version)
}

func TestFallbackLoaderWithHotReload(t *testing.T) {
	store, _ := newTestStore(t)
	primary := &stubLoader{rules: []scanner.ExtendedRule{rule("a", "malware")}, version: "v1"}
	hrs, err := scanner.NewHotReloadScanner(&FallbackLoader{Primary: primary, Store: store}, 0)
	require.NoError(t, err)
	defer hrs.Stop()

	assert.Equal(t, "v1", hrs.GetMetadata().Version)
	assert.Len(t, hrs.Scan([]byte("some malware here")), 1)
}
