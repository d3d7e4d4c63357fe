package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/swarmguard/swarm/services/signature-engine/wumanber"
)

// ExtendedRule augments Rule with optional metadata used only at runtime.
type ExtendedRule struct {
	Rule
	SamplePercent int      `json:"sample_percent,omitempty"` // 1..100 (default 100)
	Severity      string   `json:"severity,omitempty"`       // low|medium|high|critical
	Tags          []string `json:"tags,omitempty"`           // optional classification labels
}

// Ruleset is the compiled, immutable form of the enabled rules. Pattern id i of the
// tables corresponds to rules[i].
type Ruleset struct {
	tables     *wumanber.SearchTables
	rules      []ExtendedRule
	buildHash  string // fingerprint of rule set (for diagnostics)
	buildNanos int64
}

// ErrInvalidRule marks a rule rejected at build time (bad sample_percent or pattern_hex).
var ErrInvalidRule = errors.New("scanner: invalid rule")

// IsBuildError reports whether err comes from compiling a rule set rather than from
// loading it. Rebuilding the same rules fails the same way.
func IsBuildError(err error) bool {
	return errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, wumanber.ErrEmptyPatternSet) ||
		errors.Is(err, wumanber.ErrInvalidPattern) ||
		errors.Is(err, wumanber.ErrPatternTooShort) ||
		errors.Is(err, wumanber.ErrInvalidBlockSize)
}

// BuildRuleset compiles the enabled rules. Disabled rules are skipped; an enabled
// rule without a pattern is rejected, as is a set without any enabled rule.
func BuildRuleset(rules []ExtendedRule, opts ...wumanber.Option) (*Ruleset, error) {
	start := time.Now()
	kept := make([]ExtendedRule, 0, len(rules))
	patterns := make([][]byte, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.SamplePercent == 0 {
			r.SamplePercent = 100
		}
		if r.SamplePercent < 0 || r.SamplePercent > 100 {
			return nil, fmt.Errorf("%w: rule %s: sample_percent %d out of range", ErrInvalidRule, r.ID, r.SamplePercent)
		}
		p, err := r.Bytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		if len(p) == 0 {
			return nil, fmt.Errorf("rule %s: %w", r.ID, wumanber.ErrInvalidPattern)
		}
		kept = append(kept, r)
		patterns = append(patterns, p)
	}
	tables, err := wumanber.Build(patterns, opts...)
	if err != nil {
		return nil, err
	}
	return &Ruleset{
		tables:     tables,
		rules:      kept,
		buildHash:  tables.Fingerprint()[:16],
		buildNanos: time.Since(start).Nanoseconds(),
	}, nil
}

// Tables exposes the underlying search tables.
func (rs *Ruleset) Tables() *wumanber.SearchTables { return rs.tables }

// Rules returns the enabled rules in pattern id order.
func (rs *Ruleset) Rules() []ExtendedRule { return rs.rules }

// RuleCount returns the number of compiled rules.
func (rs *Ruleset) RuleCount() int { return len(rs.rules) }

// Hash returns the short fingerprint of the compiled patterns.
func (rs *Ruleset) Hash() string { return rs.buildHash }

// BuildDuration reports how long compilation took.
func (rs *Ruleset) BuildDuration() time.Duration { return time.Duration(rs.buildNanos) }

// WMScanner is concurrency-safe after construction; cloning not required.
type WMScanner struct {
	ruleset *Ruleset
	rngPool sync.Pool // per-scan RNG for sampling
}

// NewWMScanner constructs scanner; expects non-nil ruleset
func NewWMScanner(rs *Ruleset) *WMScanner {
	s := &WMScanner{ruleset: rs}
	s.rngPool.New = func() any { return rand.New(rand.NewSource(time.Now().UnixNano())) }
	return s
}

// Ruleset returns the compiled rules behind the scanner.
func (s *WMScanner) Ruleset() *Ruleset { return s.ruleset }

// Scan performs multi-pattern search with sampling.
func (s *WMScanner) Scan(data []byte) []MatchResult {
	var results []MatchResult
	_ = s.ScanContext(context.Background(), data, func(m MatchResult) bool {
		results = append(results, m)
		return true
	})
	return results
}

// ScanContext streams sampled matches to fn until fn returns false, the payload is
// exhausted or ctx is done.
func (s *WMScanner) ScanContext(ctx context.Context, data []byte, fn func(MatchResult) bool) error {
	if s.ruleset == nil || s.ruleset.tables == nil {
		return nil
	}
	rng := s.rngPool.Get().(*rand.Rand)
	defer s.rngPool.Put(rng)
	it := s.ruleset.tables.Scan(data)
	for {
		m, ok, err := it.NextContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		er := &s.ruleset.rules[m.Pattern]
		// sampling gate
		if er.SamplePercent < 100 && rng.Intn(100) >= er.SamplePercent {
			continue
		}
		if !fn(s.ruleset.result(er, m.Start, m.Len())) {
			return nil
		}
	}
}

func (rs *Ruleset) result(er *ExtendedRule, offset, length int) MatchResult {
	return MatchResult{
		RuleID:   er.ID,
		RuleType: er.Type,
		Offset:   offset,
		Length:   length,
		Severity: er.Severity,
		Version:  er.Version,
		Tags:     er.Tags,
		Sampled:  er.SamplePercent < 100,
		Ruleset:  rs.buildHash,
	}
}
