package scanner

import (
	"context"
	"io"
	"math/rand"
	"sync"

	"github.com/swarmguard/swarm/services/signature-engine/wumanber"
)

// StreamingScanner allows scanning large payloads in chunks without loading entire data into memory.
// Thread-safe for concurrent use after construction.
type StreamingScanner struct {
	scanner    *WMScanner
	bufferSize int
}

// NewStreamingScanner constructs a scanner with a configurable chunk size. Chunks overlap
// by the longest pattern length minus one, so boundary matches are reported exactly once.
func NewStreamingScanner(scanner *WMScanner, bufferSize int) *StreamingScanner {
	if bufferSize < 1024 {
		bufferSize = wumanber.DefaultBufferSize
	}
	return &StreamingScanner{scanner: scanner, bufferSize: bufferSize}
}

// StreamMatch represents a match with global offset (across all chunks).
type StreamMatch struct {
	MatchResult
	GlobalOffset int64 `json:"global_offset"` // Absolute offset from stream start
}

// ScanStream scans an io.Reader and returns all matches with global offsets.
// Safe for concurrent use with different readers.
func (s *StreamingScanner) ScanStream(ctx context.Context, r io.Reader) ([]StreamMatch, error) {
	rs := s.scanner.ruleset
	if rs == nil || rs.tables == nil {
		return nil, nil
	}
	rng := s.scanner.rngPool.Get().(*rand.Rand)
	defer s.scanner.rngPool.Put(rng)

	var results []StreamMatch
	err := rs.tables.ScanReader(ctx, r, s.bufferSize, func(m wumanber.Match) error {
		er := &rs.rules[m.Pattern]
		if er.SamplePercent < 100 && rng.Intn(100) >= er.SamplePercent {
			return nil
		}
		results = append(results, StreamMatch{
			MatchResult:  rs.result(er, m.Start, m.Len()),
			GlobalOffset: int64(m.Start),
		})
		return nil
	})
	return results, err
}

// WorkerPool provides concurrent scanning of multiple streams.
type WorkerPool struct {
	ctx     context.Context
	scanner *StreamingScanner
	workers int
	jobs    chan scanJob
	results chan ScanResult
	wg      sync.WaitGroup
}

type scanJob struct {
	id     string
	reader io.Reader
}

// ScanResult is the outcome of one pooled stream scan.
type ScanResult struct {
	ID      string
	Matches []StreamMatch
	Err     error
}

// NewWorkerPool creates a pool of N workers for parallel scanning. Cancelling ctx
// interrupts in-flight scans.
func NewWorkerPool(ctx context.Context, scanner *StreamingScanner, workers int) *WorkerPool {
	if workers < 1 {
		workers = 4
	}
	wp := &WorkerPool{
		ctx:     ctx,
		scanner: scanner,
		workers: workers,
		jobs:    make(chan scanJob, workers*2),
		results: make(chan ScanResult, workers*2),
	}
	wp.start()
	return wp
}

func (wp *WorkerPool) start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		matches, err := wp.scanner.ScanStream(wp.ctx, job.reader)
		wp.results <- ScanResult{ID: job.id, Matches: matches, Err: err}
	}
}

// Submit queues a scan job. Blocks while the queue is full.
func (wp *WorkerPool) Submit(id string, r io.Reader) {
	wp.jobs <- scanJob{id: id, reader: r}
}

// Results returns the result channel (read until closed).
func (wp *WorkerPool) Results() <-chan ScanResult {
	return wp.results
}

// Close stops accepting new jobs and waits for all workers to finish.
func (wp *WorkerPool) Close() {
	close(wp.jobs)
	wp.wg.Wait()
	close(wp.results)
}
