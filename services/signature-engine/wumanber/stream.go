package wumanber

import (
	"context"
	"errors"
	"io"
)

// DefaultBufferSize is the chunk size ScanReader uses when none is given.
const DefaultBufferSize = 64 << 10

// ScanReader scans r chunk by chunk and calls fn for every match with offsets relative
// to the start of the stream. The last MaxLen()-1 bytes of each chunk are carried into
// the next one so occurrences spanning a chunk boundary are found exactly once, in the
// same order Scan reports them.
//
// Returning ErrStop from fn ends the scan with a nil error; any other error from fn or
// r is returned as is.
func (t *SearchTables) ScanReader(ctx context.Context, r io.Reader, bufSize int, fn func(Match) error) error {
	if err := t.Validate(); err != nil {
		panic(err)
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	keep := t.maxLen - 1
	if bufSize < t.maxLen {
		bufSize = t.maxLen
	}
	buf := make([]byte, keep+bufSize)

	carry, base := 0, 0
	for {
		n, rerr := io.ReadFull(r, buf[carry:])
		eof := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
		if rerr != nil && !eof {
			return rerr
		}
		if n == 0 && eof && carry == 0 {
			return nil
		}
		data := buf[:carry+n]

		// Matches starting in the tail are reported by the next chunk, which sees
		// them in full. Start offsets therefore never go backwards across chunks.
		tail := min(keep, len(data))
		limit := len(data) - tail
		if eof {
			limit = len(data)
		}

		it := t.Scan(data)
		for {
			mt, ok, err := it.NextContext(ctx)
			if err != nil {
				return err
			}
			if !ok || mt.Start >= limit {
				break
			}
			mt.Start += base
			mt.End += base
			if err := fn(mt); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		}
		if eof {
			return nil
		}

		copy(buf, data[limit:])
		base += limit
		carry = tail
	}
}
