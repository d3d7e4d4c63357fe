package scanner

import (
	"context"
	"encoding/hex"
	"fmt"
)

// Interface-first design for the scanning pipeline.
//  - Wu-Manber tables for the multi-pattern match (wumanber package)
//  - Streaming API for large payloads
//  - Hot reload with atomic ruleset swap

// Rule describes a scanning rule (shared minimal contract)
type Rule struct {
	ID         string `json:"id"`
	Type       string `json:"type"` // e.g. "literal", "binary"
	Pattern    string `json:"pattern,omitempty"`
	PatternHex string `json:"pattern_hex,omitempty"` // binary signatures, takes precedence over Pattern
	Version    int    `json:"version"`
	Enabled    bool   `json:"enabled"`
}

// Bytes returns the raw signature bytes of the rule.
func (r Rule) Bytes() ([]byte, error) {
	if r.PatternHex != "" {
		b, err := hex.DecodeString(r.PatternHex)
		if err != nil {
			return nil, fmt.Errorf("rule %s: pattern_hex: %w", r.ID, err)
		}
		return b, nil
	}
	return []byte(r.Pattern), nil
}

// MatchResult is emitted when a rule matches a payload
type MatchResult struct {
	RuleID   string   `json:"rule_id"`
	RuleType string   `json:"rule_type"`
	Offset   int      `json:"offset"`
	Length   int      `json:"length"`
	Severity string   `json:"severity,omitempty"`
	Version  int      `json:"version,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Sampled  bool     `json:"sampled"`
	Ruleset  string   `json:"ruleset_hash,omitempty"`
}

// Engine scans byte payloads for matches
type Engine interface {
	Scan(data []byte) []MatchResult
}

// ContextEngine is an Engine whose scans can be interrupted.
type ContextEngine interface {
	Engine
	ScanContext(ctx context.Context, data []byte, fn func(MatchResult) bool) error
}
