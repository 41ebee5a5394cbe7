package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Scheduler uploads the chunks of one recording with bounded concurrency and retries.
// A Scheduler drives a single run; create a new one for every upload.
type Scheduler struct {
	config  Config
	logger  log.Logger
	stats   *Stats
	metrics *Metrics

	abort     chan struct{}
	abortOnce sync.Once
}

// NewScheduler creates a Scheduler. metrics may be nil.
func NewScheduler(config Config, logger log.Logger, metrics *Metrics) *Scheduler {
	return &Scheduler{
		config:  config.withDefaults(),
		logger:  logger,
		stats:   NewStats(),
		metrics: metrics,
		abort:   make(chan struct{}),
	}
}

// Abort stops the scheduler from starting or retrying uploads.
// Run returns ErrAborted once the uploads already in flight finish.
func (s *Scheduler) Abort() {
	s.abortOnce.Do(func() {
		close(s.abort)
	})
}

func (s *Scheduler) aborted() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}

// Stats returns the upload statistics.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

type attemptResult struct {
	chunk  *Chunk
	result Result
	took   time.Duration
}

type progressTick struct {
	chunk    *Chunk
	fraction float64
}

// Run uploads every chunk that is not yet marked as uploaded.
// Chunks are mutated only from the calling goroutine, so observers may read them freely.
func (s *Scheduler) Run(ctx context.Context, chunks []*Chunk, upload UploadFunc, obs Observer) error {
	if obs == nil {
		obs = NopObserver{}
	}

	pending := make([]*Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if !chunk.Uploaded {
			pending = append(pending, chunk)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Index < pending[j].Index })

	s.logger.Debugf("Scheduling %d of %d chunks (concurrency=%d, max retries=%d)",
		len(pending), len(chunks), s.config.Concurrency, s.config.MaxRetryPerChunk)

	done := make(chan struct{})
	defer close(done)

	results := make(chan attemptResult)
	ticks := make(chan progressTick)
	requeue := make(chan *Chunk)

	abortCh := s.abort
	ctxDone := ctx.Done()

	inFlight := 0
	waiting := 0
	stopping := false
	var failure error

	stop := func(err error) {
		stopping = true
		if failure == nil {
			failure = err
		}
	}

	for {
		if !stopping && ctx.Err() != nil {
			stop(fmt.Errorf("upload cancelled: %w", ctx.Err()))
		}
		if !stopping && s.aborted() {
			abortCh = nil
			s.logger.Warnf("Upload aborted, waiting for %d in-flight chunk(s)", inFlight)
			stop(ErrAborted)
		}

		for !stopping && inFlight < s.config.Concurrency && len(pending) > 0 {
			chunk := pending[0]
			pending = pending[1:]
			inFlight++
			obs.ChunkStarted(chunk)
			go s.attempt(ctx, chunk, *chunk, upload, results, ticks, done)
		}

		if inFlight == 0 && (stopping || (len(pending) == 0 && waiting == 0)) {
			break
		}

		select {
		case r := <-results:
			inFlight--
			if err := s.handleResult(r, obs, stopping, &waiting, requeue, done); err != nil {
				stop(err)
			}
		case t := <-ticks:
			if !t.chunk.Uploaded {
				obs.ChunkProgress(t.chunk, t.fraction)
			}
		case chunk := <-requeue:
			waiting--
			if !stopping {
				pending = insertByIndex(pending, chunk)
			}
		case <-abortCh:
			abortCh = nil
			s.logger.Warnf("Upload aborted, waiting for %d in-flight chunk(s)", inFlight)
			stop(ErrAborted)
		case <-ctxDone:
			ctxDone = nil
			stop(fmt.Errorf("upload cancelled: %w", ctx.Err()))
		}
	}

	if failure != nil {
		return failure
	}

	for _, chunk := range chunks {
		if !chunk.Uploaded {
			return fmt.Errorf("chunk %d was not uploaded", chunk.Index)
		}
	}

	return nil
}

func (s *Scheduler) handleResult(r attemptResult, obs Observer, stopping bool, waiting *int, requeue chan<- *Chunk, done <-chan struct{}) error {
	chunk := r.chunk

	switch r.result.Kind {
	case ResultSuccess:
		chunk.Uploaded = true
		s.stats.Update(r.took)
		s.logger.Debugf("Chunk %d uploaded in %v", chunk.Index, r.took.Round(time.Millisecond))
		obs.ChunkUploaded(chunk)
		return nil
	case ResultFatal:
		s.stats.fail()
		return &ChunkError{Index: chunk.Index, Attempts: chunk.Retries + 1, Kind: ResultFatal, Err: r.result.Err}
	}

	s.stats.fail()
	if stopping {
		return nil
	}

	if chunk.Retries >= s.config.MaxRetryPerChunk {
		return &ChunkError{Index: chunk.Index, Attempts: chunk.Retries + 1, Kind: ResultTransient, Err: r.result.Err}
	}

	chunk.Retries++
	delay := s.config.RetryDelay(chunk.Retries)
	s.logger.Warnf("Chunk %d attempt %d failed: %v; retrying in %v", chunk.Index, chunk.Retries, r.result.Err, delay)
	s.metrics.observeRetry()
	obs.ChunkRetrying(chunk, r.result.Err)

	*waiting++
	time.AfterFunc(delay, func() {
		select {
		case requeue <- chunk:
		case <-done:
		}
	})

	return nil
}

func (s *Scheduler) attempt(ctx context.Context, chunk *Chunk, snapshot Chunk, upload UploadFunc, results chan<- attemptResult, ticks chan<- progressTick, done <-chan struct{}) {
	var attemptCtx context.Context
	var cancel context.CancelFunc
	if s.config.ChunkTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, s.config.ChunkTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	s.stats.start()
	s.metrics.attemptStarted()

	if s.config.HungThreshold > 0 {
		go s.detectHungUpload(attemptCtx, cancel, start, snapshot.Index)
	}

	onProgress := func(fraction float64) {
		select {
		case ticks <- progressTick{chunk: chunk, fraction: fraction}:
		case <-done:
		}
	}

	result := upload(attemptCtx, snapshot, onProgress)
	if result.Kind != ResultSuccess && ctx.Err() == nil && attemptCtx.Err() != nil {
		// The attempt was cut short by our own deadline or hung detection.
		cause := result.Err
		if cause == nil {
			cause = attemptCtx.Err()
		}
		result = TransientFailure(fmt.Errorf("chunk %d attempt interrupted: %w", snapshot.Index, cause))
	}
	if result.Kind != ResultSuccess && result.Err == nil {
		result.Err = errors.New("upload failed")
	}

	took := time.Since(start)
	s.metrics.attemptFinished(result.Kind, took)

	select {
	case results <- attemptResult{chunk: chunk, result: result, took: took}:
	case <-done:
	}
}

func (s *Scheduler) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := s.stats.Average()
			if elapsed-avg > s.config.HungThreshold {
				s.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
					index, elapsed.Round(time.Second), avg.Round(time.Second))
				cancel()
				return
			}
		}
	}
}

func insertByIndex(pending []*Chunk, chunk *Chunk) []*Chunk {
	i := sort.Search(len(pending), func(i int) bool { return pending[i].Index > chunk.Index })
	pending = append(pending, nil)
	copy(pending[i+1:], pending[i:])
	pending[i] = chunk
	return pending
}
