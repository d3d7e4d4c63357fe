// Package rulestore keeps versioned snapshots of signature rule sets in a bbolt file,
// so the engine can boot from the last known good rules when the rule source is
// unavailable.
package rulestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/swarm/services/signature-engine/scanner"
)

var (
	// ErrNotFound is returned when no snapshot exists for the requested version.
	ErrNotFound = errors.New("rule snapshot not found")
	// ErrEmptyVersion is returned by Save for a blank version label.
	ErrEmptyVersion = errors.New("rule snapshot version is empty")
)

var (
	bucketSnapshots = []byte("snapshots") // seq -> Snapshot JSON
	bucketVersions  = []byte("versions")  // version -> seq
)

// Snapshot is one saved rule set.
type Snapshot struct {
	Version string                 `json:"version"`
	SavedAt time.Time              `json:"saved_at"`
	Rules   []scanner.ExtendedRule `json:"rules"`
}

// VersionInfo summarizes a snapshot without its rules.
type VersionInfo struct {
	Version   string    `json:"version"`
	SavedAt   time.Time `json:"saved_at"`
	RuleCount int       `json:"rule_count"`
}

// Store is a bbolt-backed rule snapshot store. It is safe for concurrent use.
type Store struct {
	db           *bbolt.DB
	now          func() time.Time
	writeLatency metric.Float64Histogram

	mu     sync.Mutex
	loaded string
}

// Open opens (or creates) the store file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	writeLatency, _ := otel.Meter("swarm-go").Float64Histogram("swarm_rulestore_write_ms")
	return &Store{db: db, now: time.Now, writeLatency: writeLatency}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error { return s.db.Close() }

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// Save stores rules under version and makes it the latest snapshot. Saving an existing
// version replaces it.
func (s *Store) Save(ctx context.Context, version string, rules []scanner.ExtendedRule) error {
	if version == "" {
		return ErrEmptyVersion
	}
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "save")))
	}()

	data, err := json.Marshal(Snapshot{Version: version, SavedAt: s.now().UTC(), Rules: rules})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		snaps, vers := tx.Bucket(bucketSnapshots), tx.Bucket(bucketVersions)
		if old := vers.Get([]byte(version)); old != nil {
			if err := snaps.Delete(old); err != nil {
				return err
			}
		}
		seq, err := snaps.NextSequence()
		if err != nil {
			return err
		}
		if err := snaps.Put(seqKey(seq), data); err != nil {
			return err
		}
		return vers.Put([]byte(version), seqKey(seq))
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recently saved snapshot.
func (s *Store) Latest() (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(bucketSnapshots).Cursor().Last()
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &snap)
	})
	return snap, err
}

// Get returns the snapshot saved under version.
func (s *Store) Get(version string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		seq := tx.Bucket(bucketVersions).Get([]byte(version))
		if seq == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketSnapshots).Get(seq)
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &snap)
	})
	return snap, err
}

// Versions lists snapshots newest first.
func (s *Store) Versions() ([]VersionInfo, error) {
	var out []VersionInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("snapshot %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, VersionInfo{Version: snap.Version, SavedAt: snap.SavedAt, RuleCount: len(snap.Rules)})
		}
		return nil
	})
	return out, err
}

// Prune keeps the newest keep snapshots and deletes the rest. It returns the number
// of snapshots removed.
func (s *Store) Prune(keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		snaps, vers := tx.Bucket(bucketSnapshots), tx.Bucket(bucketVersions)
		var stale [][]byte
		seen := 0
		c := snaps.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if seen++; seen <= keep {
				continue
			}
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err == nil {
				if err := vers.Delete([]byte(snap.Version)); err != nil {
					return err
				}
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := snaps.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Load returns the rules of the latest snapshot, making Store a scanner.RuleLoader.
func (s *Store) Load() ([]scanner.ExtendedRule, error) {
	snap, err := s.Latest()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.loaded = snap.Version
	s.mu.Unlock()
	return snap.Rules, nil
}

// Version reports the version returned by the last Load.
func (s *Store) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}
