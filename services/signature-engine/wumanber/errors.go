package wumanber

import "errors"

var (
	// ErrEmptyPatternSet is returned by Build when no patterns are given.
	ErrEmptyPatternSet = errors.New("wumanber: empty pattern set")
	// ErrInvalidPattern is returned by Build for a zero-length pattern.
	ErrInvalidPattern = errors.New("wumanber: empty pattern")
	// ErrPatternTooShort is returned when no block size >= 1 fits the shortest pattern.
	ErrPatternTooShort = errors.New("wumanber: pattern shorter than one block")
	// ErrInvalidBlockSize is returned for a block size override outside [1, MaxBlockSize].
	ErrInvalidBlockSize = errors.New("wumanber: invalid block size")
	// ErrPreconditionViolation marks inconsistent tables handed to the scanner.
	ErrPreconditionViolation = errors.New("wumanber: precondition violation")
	// ErrStop may be returned from a ScanReader callback to end the scan early.
	ErrStop = errors.New("wumanber: stop")
)

// PreconditionError describes why a SearchTables value cannot be scanned. It indicates
// a programming error, not a runtime condition to retry.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return ErrPreconditionViolation.Error() + ": " + e.Reason
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionViolation }
