package scanner

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/swarmguard/swarm/services/signature-engine/wumanber"
)

func literal(id, pattern, severity string) ExtendedRule {
	return ExtendedRule{
		Rule:          Rule{ID: id, Type: "literal", Pattern: pattern, Version: 1, Enabled: true},
		SamplePercent: 100,
		Severity:      severity,
	}
}

func mustScanner(t testing.TB, rules ...ExtendedRule) *WMScanner {
	t.Helper()
	rs, err := BuildRuleset(rules)
	if err != nil {
		t.Fatalf("BuildRuleset failed: %v", err)
	}
	return NewWMScanner(rs)
}

func TestBuildRuleset(t *testing.T) {
	rs, err := BuildRuleset([]ExtendedRule{
		literal("rule-1", "virus", "high"),
		literal("rule-2", "shellcode", "critical"),
	})
	if err != nil {
		t.Fatalf("BuildRuleset failed: %v", err)
	}
	if rs.RuleCount() != 2 {
		t.Errorf("Expected 2 rules, got %d", rs.RuleCount())
	}
	if len(rs.Hash()) != 16 {
		t.Errorf("Expected 16 char hash, got %q", rs.Hash())
	}
	if rs.Tables().Config().MinLen != 5 {
		t.Errorf("Expected min len 5, got %d", rs.Tables().Config().MinLen)
	}
	if rs.BuildDuration() <= 0 {
		t.Error("Build duration should be recorded")
	}
}

func TestBuildRulesetSkipsDisabled(t *testing.T) {
	off := literal("off", "xy", "low")
	off.Enabled = false
	rs, err := BuildRuleset([]ExtendedRule{literal("on", "malware", "high"), off})
	if err != nil {
		t.Fatalf("BuildRuleset failed: %v", err)
	}
	if rs.RuleCount() != 1 || rs.Rules()[0].ID != "on" {
		t.Fatalf("Expected only enabled rule, got %+v", rs.Rules())
	}
	// The disabled two-byte rule must not shrink the block size.
	if rs.Tables().Config().MinLen != 7 {
		t.Errorf("Expected min len 7, got %d", rs.Tables().Config().MinLen)
	}
}

func TestBuildRulesetErrors(t *testing.T) {
	off := literal("off", "abc", "low")
	off.Enabled = false

	badPct := literal("pct", "abc", "low")
	badPct.SamplePercent = 101
	badHex := literal("hex", "", "low")
	badHex.PatternHex = "zz"

	tests := []struct {
		name  string
		rules []ExtendedRule
		opts  []wumanber.Option
		want  error
	}{
		{"no rules", nil, nil, wumanber.ErrEmptyPatternSet},
		{"all disabled", []ExtendedRule{off}, nil, wumanber.ErrEmptyPatternSet},
		{"empty pattern", []ExtendedRule{literal("e", "", "low")}, nil, wumanber.ErrInvalidPattern},
		{"sample percent", []ExtendedRule{badPct}, nil, ErrInvalidRule},
		{"bad hex", []ExtendedRule{badHex}, nil, ErrInvalidRule},
		{"block size", []ExtendedRule{literal("a", "abc", "low")}, []wumanber.Option{wumanber.WithBlockSize(9)}, wumanber.ErrInvalidBlockSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildRuleset(tt.rules, tt.opts...)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if !IsBuildError(err) {
				t.Errorf("Expected %v to be a build error", err)
			}
		})
	}
}

func TestIsBuildErrorIgnoresLoadErrors(t *testing.T) {
	for _, err := range []error{nil, errors.New("read rules: permission denied"), fs.ErrNotExist} {
		if IsBuildError(err) {
			t.Errorf("Expected %v not to be a build error", err)
		}
	}
}

func TestInvalidSamplePercent(t *testing.T) {
	for _, pct := range []int{-5, 101, 150} {
		r := literal("bad", "test", "low")
		r.SamplePercent = pct
		if _, err := BuildRuleset([]ExtendedRule{r}); err == nil {
			t.Errorf("Expected error for sample_percent %d", pct)
		}
	}
}

func TestSamplePercentDefaultsToFull(t *testing.T) {
	r := literal("r", "abc", "low")
	r.SamplePercent = 0
	sc := mustScanner(t, r)
	if got := sc.Ruleset().Rules()[0].SamplePercent; got != 100 {
		t.Fatalf("Expected default 100, got %d", got)
	}
	matches := sc.Scan([]byte(strings.Repeat("abc", 50)))
	if len(matches) != 50 {
		t.Fatalf("Expected 50 matches, got %d", len(matches))
	}
	if matches[0].Sampled {
		t.Error("Unsampled rule reported as sampled")
	}
}

func TestWMScanBasic(t *testing.T) {
	sc := mustScanner(t,
		literal("rule-1", "virus", "high"),
		literal("rule-2", "shellcode", "critical"),
	)
	matches := sc.Scan([]byte("this contains virus and shellcode"))
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d: %+v", len(matches), matches)
	}
	if matches[0].RuleID != "rule-1" || matches[0].Offset != 14 || matches[0].Length != 5 {
		t.Errorf("Unexpected first match: %+v", matches[0])
	}
	if matches[1].RuleID != "rule-2" || matches[1].Offset != 24 || matches[1].Length != 9 {
		t.Errorf("Unexpected second match: %+v", matches[1])
	}
	if matches[1].Severity != "critical" || matches[1].Ruleset != sc.Ruleset().Hash() {
		t.Errorf("Metadata not propagated: %+v", matches[1])
	}
}

func TestWMScanOverlapping(t *testing.T) {
	sc := mustScanner(t,
		literal("he", "he", "low"),
		literal("she", "she", "low"),
		literal("his", "his", "low"),
		literal("hers", "hers", "low"),
	)
	got := sc.Scan([]byte("ushers"))
	want := []struct {
		id     string
		offset int
	}{{"she", 1}, {"he", 2}, {"hers", 2}}
	if len(got) != len(want) {
		t.Fatalf("Expected %d matches, got %+v", len(want), got)
	}
	for i, w := range want {
		if got[i].RuleID != w.id || got[i].Offset != w.offset {
			t.Errorf("match %d: want %s@%d, got %s@%d", i, w.id, w.offset, got[i].RuleID, got[i].Offset)
		}
	}
}

func TestWMScanBinaryRule(t *testing.T) {
	bin := ExtendedRule{
		Rule:          Rule{ID: "mz", Type: "binary", PatternHex: "4d5a9000", Version: 2, Enabled: true},
		SamplePercent: 100,
		Severity:      "medium",
		Tags:          []string{"pe"},
	}
	sc := mustScanner(t, bin)
	data := append([]byte{0x00, 0xff}, 0x4d, 0x5a, 0x90, 0x00, 0x03)
	matches := sc.Scan(data)
	if len(matches) != 1 || matches[0].Offset != 2 || matches[0].Length != 4 {
		t.Fatalf("Unexpected matches: %+v", matches)
	}
	if matches[0].Version != 2 || len(matches[0].Tags) != 1 {
		t.Errorf("Metadata not propagated: %+v", matches[0])
	}
}

func TestInvalidPatternHex(t *testing.T) {
	r := ExtendedRule{Rule: Rule{ID: "bad", PatternHex: "zz", Enabled: true}}
	if _, err := BuildRuleset([]ExtendedRule{r}); err == nil {
		t.Fatal("Expected hex decode error")
	}
}

func TestWMSampling(t *testing.T) {
	r := literal("noisy", "x", "low")
	r.SamplePercent = 1
	sc := mustScanner(t, r)
	matches := sc.Scan(bytes.Repeat([]byte("x"), 10000))
	if len(matches) == 0 || len(matches) >= 1000 {
		t.Fatalf("Expected roughly 1%% of 10000 matches, got %d", len(matches))
	}
	for _, m := range matches {
		if !m.Sampled {
			t.Fatalf("Sampled rule match not flagged: %+v", m)
		}
	}
}

func TestScanContextEarlyStop(t *testing.T) {
	sc := mustScanner(t, literal("a", "ab", "low"))
	var seen int
	err := sc.ScanContext(context.Background(), []byte(strings.Repeat("ab", 100)), func(MatchResult) bool {
		seen++
		return seen < 3
	})
	if err != nil {
		t.Fatalf("ScanContext failed: %v", err)
	}
	if seen != 3 {
		t.Fatalf("Expected 3 callbacks, got %d", seen)
	}
}

func TestScanContextCancelled(t *testing.T) {
	sc := mustScanner(t, literal("a", "needle", "low"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sc.ScanContext(ctx, bytes.Repeat([]byte("z"), 1<<20), func(MatchResult) bool { return true })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestWMScannerConcurrent(t *testing.T) {
	sc := mustScanner(t, literal("a", "alpha", "low"), literal("b", "beta", "low"))
	data := []byte(strings.Repeat("alpha beta gamma ", 200))
	done := make(chan int, 8)
	for i := 0; i < 8; i++ {
		go func() { done <- len(sc.Scan(data)) }()
	}
	for i := 0; i < 8; i++ {
		if n := <-done; n != 400 {
			t.Errorf("Expected 400 matches, got %d", n)
		}
	}
}
