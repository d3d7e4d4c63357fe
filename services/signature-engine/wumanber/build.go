package wumanber

import (
	"fmt"
	"sort"
)

// Option adjusts how tables are built.
type Option func(*buildOptions)

type buildOptions struct {
	blockSize int // 0 = automatic
}

// WithBlockSize overrides the automatic block size. Values larger than the shortest
// pattern are reduced to its length.
func WithBlockSize(b int) Option {
	return func(o *buildOptions) { o.blockSize = b }
}

// BuildStrings is Build for string patterns.
func BuildStrings(patterns []string, opts ...Option) (*SearchTables, error) {
	bs := make([][]byte, len(patterns))
	for i, p := range patterns {
		bs[i] = []byte(p)
	}
	return Build(bs, opts...)
}

// Build preprocesses patterns into SearchTables. Pattern ids are indexes into patterns.
// The bytes are copied, so callers may reuse their buffers afterwards.
func Build(patterns [][]byte, opts ...Option) (*SearchTables, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.blockSize != 0 && (o.blockSize < 1 || o.blockSize > MaxBlockSize) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockSize, o.blockSize)
	}
	if len(patterns) == 0 {
		return nil, ErrEmptyPatternSet
	}

	minLen, maxLen, total := -1, 0, 0
	for i, p := range patterns {
		if len(p) == 0 {
			return nil, fmt.Errorf("pattern %d: %w", i, ErrInvalidPattern)
		}
		if minLen < 0 || len(p) < minLen {
			minLen = len(p)
		}
		if len(p) > maxLen {
			maxLen = len(p)
		}
		total += len(p)
	}

	b := chooseBlockSize(len(patterns), minLen, o.blockSize)
	if b < 1 {
		return nil, ErrPatternTooShort
	}

	t := &SearchTables{
		cfg:          Config{BlockSize: b, MinLen: minLen},
		maxLen:       maxLen,
		defaultShift: uint32(minLen - b + 1),
		data:         make([]byte, 0, total),
		offsets:      make([]int, 0, len(patterns)+1),
	}
	for _, p := range patterns {
		t.offsets = append(t.offsets, len(t.data))
		t.data = append(t.data, p...)
	}
	t.offsets = append(t.offsets, len(t.data))

	t.buildShift()
	t.buildBuckets()
	return t, nil
}

// chooseBlockSize picks B <= m. Short sets use two-byte blocks; large sets of long
// enough patterns use three bytes to keep buckets small.
func chooseBlockSize(n, m, override int) int {
	if override > 0 {
		return min(override, m)
	}
	switch {
	case m <= 2:
		return m
	case n >= LargeSetThreshold:
		return 3
	default:
		return 2
	}
}

func (t *SearchTables) buildShift() {
	b, m := t.cfg.BlockSize, t.cfg.MinLen
	t.shift = make([]uint32, slotCount(b))
	for i := range t.shift {
		t.shift[i] = t.defaultShift
	}
	for id := 0; id < t.Len(); id++ {
		p := t.Pattern(id)[:m]
		for j := 0; j <= m-b; j++ {
			s := slotOf(blockKey(p[j:j+b]), b)
			if d := uint32(m - b - j); d < t.shift[s] {
				t.shift[s] = d
			}
		}
	}
}

func (t *SearchTables) buildBuckets() {
	b, m := t.cfg.BlockSize, t.cfg.MinLen
	n := t.Len()
	slots := make([]uint32, n)
	for id := 0; id < n; id++ {
		p := t.Pattern(id)
		slots[id] = slotOf(blockKey(p[m-b:m]), b)
	}

	order := make([]int32, n)
	for i := range order {
		order[i] = int32(i)
	}
	sort.SliceStable(order, func(i, j int) bool { return slots[order[i]] < slots[order[j]] })

	t.cands = order
	t.prefix = make([]uint32, n)
	t.bucketStart = make([]uint32, len(t.shift)+1)
	for k, id := range order {
		t.prefix[k] = blockKey(t.Pattern(int(id))[:b])
		t.bucketStart[slots[id]+1]++
	}
	for s := 1; s < len(t.bucketStart); s++ {
		t.bucketStart[s] += t.bucketStart[s-1]
	}
}
