package wumanber

import (
	"bytes"
	"context"
	"iter"
)

// ctxCheckEvery bounds the shift/verify steps taken between context checks.
const ctxCheckEvery = 1024

// Matches is a pull iterator over the occurrences of every pattern in a text. Matches
// are produced in ascending start offset and, at one offset, in pattern input order.
// Overlapping occurrences are all reported.
//
// A Matches value is not safe for concurrent use; the tables it reads are.
type Matches struct {
	t    *SearchTables
	text []byte

	pos     int
	cand    uint32
	candEnd uint32
	inCand  bool
}

// Scan returns an iterator over all matches in text. It panics with a
// *PreconditionError if t is not a valid result of Build.
func (t *SearchTables) Scan(text []byte) *Matches {
	if err := t.Validate(); err != nil {
		panic(err)
	}
	m := &Matches{t: t, text: text}
	m.Reset()
	return m
}

// Reset rewinds the iterator to the start of the text.
func (m *Matches) Reset() {
	m.pos = m.t.cfg.MinLen - 1
	m.cand, m.candEnd = 0, 0
	m.inCand = false
}

// Next returns the next match, or false when the text is exhausted.
func (m *Matches) Next() (Match, bool) {
	mt, ok, _ := m.next(nil)
	return mt, ok
}

// NextContext is Next with cancellation. The context is consulted at least every
// ctxCheckEvery steps, so long match-free stretches remain interruptible.
func (m *Matches) NextContext(ctx context.Context) (Match, bool, error) {
	if err := ctx.Err(); err != nil {
		return Match{}, false, err
	}
	return m.next(ctx)
}

func (m *Matches) next(ctx context.Context) (Match, bool, error) {
	t, text := m.t, m.text
	b, minLen := t.cfg.BlockSize, t.cfg.MinLen
	steps := 0
	for {
		for m.cand < m.candEnd {
			k := m.cand
			m.cand++
			id := int(t.cands[k])
			p := t.Pattern(id)
			start := m.pos - minLen + 1
			end := start + len(p)
			if end > len(text) {
				continue
			}
			if t.prefix[k] != blockKey(text[start:start+b]) {
				continue
			}
			if bytes.Equal(text[start:end], p) {
				return Match{Pattern: id, Start: start, End: end}, true, nil
			}
		}
		if m.inCand {
			m.inCand = false
			m.pos++
		}
		if m.pos >= len(text) {
			return Match{}, false, nil
		}

		if ctx != nil {
			if steps++; steps%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return Match{}, false, err
				}
			}
		}

		s := slotOf(blockKey(text[m.pos-b+1:m.pos+1]), b)
		if shift := t.shift[s]; shift > 0 {
			m.pos += int(shift)
			continue
		}
		m.cand, m.candEnd = t.bucketStart[s], t.bucketStart[s+1]
		m.inCand = true
	}
}

// All returns a single-use sequence over the matches in text. Each call starts a
// fresh scan.
func (t *SearchTables) All(text []byte) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		it := t.Scan(text)
		for {
			mt, ok := it.Next()
			if !ok || !yield(mt) {
				return
			}
		}
	}
}

// FindAll collects every match in text.
func (t *SearchTables) FindAll(text []byte) []Match {
	var out []Match
	for mt := range t.All(text) {
		out = append(out, mt)
	}
	return out
}

// Count returns the number of matches in text.
func (t *SearchTables) Count(text []byte) int {
	n := 0
	it := t.Scan(text)
	for {
		if _, ok := it.Next(); !ok {
			return n
		}
		n++
	}
}

// Contains reports whether any pattern occurs in text.
func (t *SearchTables) Contains(text []byte) bool {
	_, ok := t.Scan(text).Next()
	return ok
}

// NonOverlapping returns leftmost, non-overlapping matches. At one start offset the
// shortest pattern wins (input order breaks ties); scanning resumes at its end.
func (t *SearchTables) NonOverlapping(text []byte) []Match {
	var (
		out     []Match
		best    Match
		have    bool
		nextMin int
	)
	for mt := range t.All(text) {
		if mt.Start < nextMin {
			continue
		}
		if have && mt.Start != best.Start {
			out = append(out, best)
			nextMin = best.End
			have = false
			if mt.Start < nextMin {
				continue
			}
		}
		if !have || mt.Len() < best.Len() {
			best, have = mt, true
		}
	}
	if have {
		out = append(out, best)
	}
	return out
}
