// Package wumanber implements the Wu-Manber multi-pattern exact matching algorithm.
//
// A pattern set is preprocessed once by Build into immutable SearchTables: a block
// shift table, hash buckets of candidate patterns, and a flat pattern store. Scanning
// walks the text with the shift table and only verifies candidates at alignments whose
// block could end a pattern prefix, so on typical inputs far fewer than one comparison
// per byte is performed.
//
// SearchTables are safe for concurrent use; each Scan owns its own cursor.
package wumanber

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/spaolacci/murmur3"
)

const (
	// MaxBlockSize is the widest block key supported; keys fit in a uint32.
	MaxBlockSize = 4

	// LargeSetThreshold is the pattern count above which three-byte blocks are chosen
	// automatically when every pattern is long enough.
	LargeSetThreshold = 128

	foldBits = 16
)

// Match reports one occurrence of a pattern. Start and End are byte offsets into the
// scanned text, End exclusive.
type Match struct {
	Pattern int `json:"pattern"`
	Start   int `json:"start"`
	End     int `json:"end"`
}

// Len returns the length of the matched span.
func (m Match) Len() int { return m.End - m.Start }

// Config holds the parameters fixed at build time.
type Config struct {
	BlockSize int // B
	MinLen    int // M
}

// SearchTables is the preprocessed, read-only form of a pattern set.
type SearchTables struct {
	cfg          Config
	maxLen       int
	defaultShift uint32

	// pattern store: pattern i is data[offsets[i]:offsets[i+1]]
	data    []byte
	offsets []int

	// shift[slot] is the safe advance for a block hashing to slot.
	shift []uint32

	// Candidates of slot s are cands[bucketStart[s]:bucketStart[s+1]], in input order.
	bucketStart []uint32
	cands       []int32
	prefix      []uint32
}

// Config returns the block size and minimum pattern length.
func (t *SearchTables) Config() Config { return t.cfg }

// Len returns the number of patterns.
func (t *SearchTables) Len() int { return len(t.offsets) - 1 }

// MaxLen returns the length of the longest pattern.
func (t *SearchTables) MaxLen() int { return t.maxLen }

// Pattern returns the bytes of pattern id. The slice must not be modified.
func (t *SearchTables) Pattern(id int) []byte {
	return t.data[t.offsets[id]:t.offsets[id+1]:t.offsets[id+1]]
}

// Stats describes the shape of the tables.
type Stats struct {
	Patterns       int `json:"patterns"`
	MinLen         int `json:"min_len"`
	MaxLen         int `json:"max_len"`
	BlockSize      int `json:"block_size"`
	DefaultShift   int `json:"default_shift"`
	Slots          int `json:"slots"`
	ZeroShiftSlots int `json:"zero_shift_slots"`
	Buckets        int `json:"buckets"`
	LargestBucket  int `json:"largest_bucket"`
	StoreBytes     int `json:"store_bytes"`
}

// Stats computes table statistics.
func (t *SearchTables) Stats() Stats {
	st := Stats{
		Patterns:     t.Len(),
		MinLen:       t.cfg.MinLen,
		MaxLen:       t.maxLen,
		BlockSize:    t.cfg.BlockSize,
		DefaultShift: int(t.defaultShift),
		Slots:        len(t.shift),
		StoreBytes:   len(t.data),
	}
	for s, v := range t.shift {
		if v == 0 {
			st.ZeroShiftSlots++
		}
		if n := int(t.bucketStart[s+1] - t.bucketStart[s]); n > 0 {
			st.Buckets++
			if n > st.LargestBucket {
				st.LargestBucket = n
			}
		}
	}
	return st
}

// Fingerprint identifies the pattern set and block size. Equal inputs built with equal
// options always produce the same fingerprint.
func (t *SearchTables) Fingerprint() string {
	h := murmur3.New128()
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(t.cfg.BlockSize))
	h.Write(buf[:4])
	for i := 0; i < t.Len(); i++ {
		p := t.Pattern(i)
		binary.BigEndian.PutUint64(buf[:], uint64(len(p)))
		h.Write(buf[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks the structural consistency scanning relies on.
func (t *SearchTables) Validate() error {
	if t == nil {
		return &PreconditionError{Reason: "nil tables"}
	}
	b, m := t.cfg.BlockSize, t.cfg.MinLen
	switch {
	case len(t.offsets) < 2:
		return &PreconditionError{Reason: "no patterns"}
	case b < 1 || b > MaxBlockSize:
		return &PreconditionError{Reason: fmt.Sprintf("block size %d out of range", b)}
	case m < b:
		return &PreconditionError{Reason: fmt.Sprintf("min length %d below block size %d", m, b)}
	case len(t.shift) != slotCount(b):
		return &PreconditionError{Reason: fmt.Sprintf("shift table has %d slots, want %d", len(t.shift), slotCount(b))}
	case len(t.bucketStart) != len(t.shift)+1:
		return &PreconditionError{Reason: "bucket index does not cover the shift table"}
	case len(t.cands) != len(t.prefix) || int(t.bucketStart[len(t.shift)]) != len(t.cands):
		return &PreconditionError{Reason: "candidate arrays out of step"}
	case t.offsets[len(t.offsets)-1] != len(t.data):
		return &PreconditionError{Reason: "pattern store truncated"}
	}
	return nil
}

func slotCount(blockSize int) int {
	if blockSize == 1 {
		return 1 << 8
	}
	return 1 << foldBits
}

// blockKey composes b bytes big-endian.
func blockKey(p []byte) uint32 {
	var k uint32
	for _, c := range p {
		k = k<<8 | uint32(c)
	}
	return k
}

// slotOf maps a block key to its table slot. Keys of one or two bytes index directly;
// wider keys are folded with a Fibonacci multiplier.
func slotOf(key uint32, blockSize int) uint32 {
	if blockSize <= 2 {
		return key
	}
	return (key * 0x9E3779B1) >> (32 - foldBits)
}
