// Package findings persists scan reports in BadgerDB with a retention TTL.
package findings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/swarm/services/signature-engine/scanner"
)

// ErrNotFound is returned when no report exists for an id.
var ErrNotFound = errors.New("scan report not found")

var reportPrefix = []byte("scan/")

// Report is the stored outcome of one scan.
type Report struct {
	ID             string                `json:"id"`
	At             time.Time             `json:"at"`
	Source         string                `json:"source,omitempty"`
	RulesetVersion string                `json:"ruleset_version,omitempty"`
	RulesetHash    string                `json:"ruleset_hash,omitempty"`
	Bytes          int64                 `json:"bytes"`
	DurationMs     float64               `json:"duration_ms"`
	Matches        []scanner.MatchResult `json:"matches"`
}

// Store wraps BadgerDB with report-specific methods and metrics.
type Store struct {
	db    *badger.DB
	ttl   time.Duration
	now   func() time.Time
	saved metric.Int64Counter
}

// Open returns a store rooted at dir. Reports expire after ttl; ttl <= 0 keeps them.
func Open(dir string, ttl time.Duration) (*Store, error) {
	return open(badger.DefaultOptions(filepath.Clean(dir)), ttl)
}

// OpenInMemory returns a store that keeps everything in memory.
func OpenInMemory(ttl time.Duration) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), ttl)
}

func open(opts badger.Options, ttl time.Duration) (*Store, error) {
	db, err := badger.Open(opts.WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	saved, _ := otel.Meter("swarm-go").Int64Counter("swarm_findings_saved_total")
	return &Store{db: db, ttl: ttl, now: time.Now, saved: saved}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

// NewID returns a time-ordered report id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func reportKey(id string) []byte {
	return append(append([]byte(nil), reportPrefix...), id...)
}

// Save writes r, assigning an id and timestamp when missing.
func (s *Store) Save(ctx context.Context, r *Report) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.At.IsZero() {
		r.At = s.now().UTC()
	}
	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(reportKey(r.ID), val)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return err
	}
	s.saved.Add(ctx, 1)
	return nil
}

// Get returns the report with the given id.
func (s *Store) Get(id string) (Report, error) {
	var out Report
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(reportKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Report{}, ErrNotFound
	}
	return out, err
}

// Recent returns up to limit reports, newest first. Ids are UUIDv7, so key order
// is time order.
func (s *Store) Recent(limit int) ([]Report, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []Report
	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Reverse = true
		opt.Prefix = reportPrefix
		it := txn.NewIterator(opt)
		defer it.Close()
		seek := append(append([]byte(nil), reportPrefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(reportPrefix) && len(out) < limit; it.Next() {
			var r Report
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", bytes.TrimPrefix(it.Item().Key(), reportPrefix), err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// RunGC reclaims value log space until badger reports nothing left to rewrite.
func (s *Store) RunGC() {
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			return
		}
	}
}

// RunGCEvery runs RunGC on interval until ctx is done.
func (s *Store) RunGCEvery(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RunGC()
		}
	}
}
