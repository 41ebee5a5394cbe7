package chunkuploader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	config := DefaultConfig()
	config.InitialRetryDelay = time.Millisecond
	return config
}

func planned(t *testing.T, count int) []*Chunk {
	chunks, err := PlanChunks(int64(count)*10, 10)
	require.NoError(t, err)
	return chunks
}

type recordingObserver struct {
	started  []int
	uploaded []int
	retried  []int
	progress []float64
}

func (o *recordingObserver) ChunkStarted(c *Chunk) { o.started = append(o.started, c.Index) }
func (o *recordingObserver) ChunkProgress(c *Chunk, fraction float64) {
	o.progress = append(o.progress, fraction)
}
func (o *recordingObserver) ChunkUploaded(c *Chunk) { o.uploaded = append(o.uploaded, c.Index) }
func (o *recordingObserver) ChunkRetrying(c *Chunk, err error) {
	o.retried = append(o.retried, c.Index)
}

// attemptCounter counts upload attempts per chunk index.
type attemptCounter struct {
	mu     sync.Mutex
	counts map[int]int
}

func newAttemptCounter() *attemptCounter {
	return &attemptCounter{counts: map[int]int{}}
}

func (c *attemptCounter) next(index int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[index]++
	return c.counts[index]
}

func (c *attemptCounter) get(index int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[index]
}

func TestScheduler_Run_Success(t *testing.T) {
	chunks := planned(t, 6)

	var current, peak int32
	upload := func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		onProgress(0.5)
		time.Sleep(5 * time.Millisecond)
		onProgress(1)
		atomic.AddInt32(&current, -1)
		return Success()
	}

	obs := &recordingObserver{}
	scheduler := NewScheduler(testConfig(), log.NewLogger(), nil)
	err := scheduler.Run(context.Background(), chunks, upload, obs)
	require.NoError(t, err)

	for _, chunk := range chunks {
		assert.True(t, chunk.Uploaded)
		assert.Zero(t, chunk.Retries)
	}
	assert.LessOrEqual(t, int(peak), 2)
	assert.Equal(t, 2, int(peak))
	assert.Len(t, obs.uploaded, 6)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, obs.started)
	assert.Len(t, obs.progress, 12)
	assert.Equal(t, int64(6), scheduler.Stats().FinishedCount())
}

func TestScheduler_Run_ConcurrencyCap(t *testing.T) {
	for _, concurrency := range []int{1, 3, 5} {
		chunks := planned(t, 12)

		var current, peak int32
		upload := func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result {
			n := atomic.AddInt32(&current, 1)
			defer atomic.AddInt32(&current, -1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			return Success()
		}

		config := testConfig()
		config.Concurrency = concurrency
		err := NewScheduler(config, log.NewLogger(), nil).Run(context.Background(), chunks, upload, nil)
		require.NoError(t, err)
		require.LessOrEqual(t, int(peak), concurrency, "concurrency %d", concurrency)
	}
}

func TestScheduler_Run_RetryThenSuccess(t *testing.T) {
	chunks := planned(t, 3)
	attempts := newAttemptCounter()

	upload := func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result {
		n := attempts.next(chunk.Index)
		if chunk.Index == 1 && n <= 2 {
			return TransientFailure(errors.New("HTTP 503"))
		}
		return Success()
	}

	obs := &recordingObserver{}
	err := NewScheduler(testConfig(), log.NewLogger(), nil).Run(context.Background(), chunks, upload, obs)
	require.NoError(t, err)

	assert.Equal(t, 0, chunks[0].Retries)
	assert.Equal(t, 2, chunks[1].Retries)
	assert.Equal(t, 0, chunks[2].Retries)
	assert.Equal(t, 3, attempts.get(1))
	assert.Equal(t, []int{1, 1}, obs.retried)
	assert.ElementsMatch(t, []int{0, 1, 2}, obs.uploaded)
}

func TestScheduler_Run_RetryExhausted(t *testing.T) {
	chunks := planned(t, 3)
	attempts := newAttemptCounter()
	cause := errors.New("connection reset")

	upload := func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result {
		attempts.next(chunk.Index)
		if chunk.Index == 2 {
			return TransientFailure(cause)
		}
		return Success()
	}

	config := testConfig()
	err := NewScheduler(config, log.NewLogger(), nil).Run(context.Background(), chunks, upload, nil)
	require.Error(t, err)

	var chunkErr *ChunkError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, 2, chunkErr.Index)
	assert.Equal(t, config.MaxRetryPerChunk+1, chunkErr.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "chunk 2")

	assert.Equal(t, config.MaxRetryPerChunk, chunks[2].Retries)
	assert.Equal(t, config.MaxRetryPerChunk+1, attempts.get(2))
	assert.False(t, chunks[2].Uploaded)
}

func TestScheduler_Run_FatalResult(t *testing.T) {
	chunks := planned(t, 2)
	attempts := newAttemptCounter()

	upload := func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result {
		attempts.next(chunk.Index)
		if chunk.Index == 0 {
			return FatalFailure(errors.New("read recording: input/output error"))
		}
		return Success()
	}

	err := NewScheduler(testConfig(), log.NewLogger(), nil).Run(context.Background(), chunks, upload, nil)

	var chunkErr *ChunkError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, 0, chunkErr.Index)
	assert.Equal(t, ResultFatal, chunkErr.Kind)
	assert.Equal(t, 1, attempts.get(0))
	assert.Equal(t, 0, chunks[0].Retries)
}

func TestScheduler_Run_Abort(t *testing.T) {
	chunks := planned(t, 5)
	release := make(chan struct{})
	started := make(chan int, len(chunks))

	upload := func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result {
		started <- chunk.Index
		<-release
		return Success()
	}

	scheduler := NewScheduler(testConfig(), log.NewLogger(), nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- scheduler.Run(context.Background(), chunks, upload, nil)
	}()

	<-started
	<-started
	scheduler.Abort()
	scheduler.Abort()
	close(release)

	err := <-errCh
	require.ErrorIs(t, err, ErrAborted)
	assert.Len(t, started, 0, "no upload may start after abort")

	// In-flight uploads still finish and are recorded.
	assert.True(t, chunks[0].Uploaded)
	assert.True(t, chunks[1].Uploaded)
	assert.False(t, chunks[2].Uploaded)
}

func TestScheduler_Run_AbortedBeforeStart(t *testing.T) {
	chunks := planned(t, 3)
	var calls int32
	upload := func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result {
		atomic.AddInt32(&calls, 1)
		return Success()
	}

	scheduler := NewScheduler(testConfig(), log.NewLogger(), nil)
	scheduler.Abort()
	err := scheduler.Run(context.Background(), chunks, upload, nil)

	require.ErrorIs(t, err, ErrAborted)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestScheduler_Run_ContextCancellation(t *testing.T) {
	chunks := planned(t, 3)

	upload := func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result {
		<-ctx.Done()
		return TransientFailure(ctx.Err())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := NewScheduler(testConfig(), log.NewLogger(), nil).Run(ctx, chunks, upload, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_Run_ChunkTimeoutRetries(t *testing.T) {
	chunks := planned(t, 1)
	attempts := newAttemptCounter()

	upload := func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result {
		if attempts.next(chunk.Index) == 1 {
			<-ctx.Done()
			return TransientFailure(ctx.Err())
		}
		return Success()
	}

	config := testConfig()
	config.ChunkTimeout = 20 * time.Millisecond
	err := NewScheduler(config, log.NewLogger(), nil).Run(context.Background(), chunks, upload, nil)
	require.NoError(t, err)

	assert.True(t, chunks[0].Uploaded)
	assert.Equal(t, 1, chunks[0].Retries)
	assert.Equal(t, 2, attempts.get(0))
}

func TestScheduler_Run_SkipsUploadedChunks(t *testing.T) {
	chunks := planned(t, 4)
	chunks[0].Uploaded = true
	chunks[2].Uploaded = true
	attempts := newAttemptCounter()

	upload := func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result {
		attempts.next(chunk.Index)
		return Success()
	}

	err := NewScheduler(testConfig(), log.NewLogger(), nil).Run(context.Background(), chunks, upload, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, attempts.get(0))
	assert.Equal(t, 1, attempts.get(1))
	assert.Equal(t, 0, attempts.get(2))
	assert.Equal(t, 1, attempts.get(3))
}

func TestScheduler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	// A second instance on the same registry reuses the collectors.
	again, err := NewMetrics(reg)
	require.NoError(t, err)
	require.NotNil(t, again)

	chunks := planned(t, 2)
	attempts := newAttemptCounter()
	upload := func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result {
		if chunk.Index == 1 && attempts.next(chunk.Index) == 1 {
			return TransientFailure(errors.New("HTTP 500"))
		}
		return Success()
	}

	err = NewScheduler(testConfig(), log.NewLogger(), metrics).Run(context.Background(), chunks, upload, nil)
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.attempts.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.attempts.WithLabelValues("transient")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.retries))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.inFlight))
}

func TestConfig_RetryDelay(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, time.Second, config.RetryDelay(1))
	assert.Equal(t, 2*time.Second, config.RetryDelay(2))
	assert.Equal(t, 4*time.Second, config.RetryDelay(3))
}

func TestStats(t *testing.T) {
	stats := NewStats()

	if stats.FinishedCount() != 0 {
		t.Errorf("Expected 0 finished, got %d", stats.FinishedCount())
	}

	if stats.Average() != 0 {
		t.Errorf("Expected 0 average, got %v", stats.Average())
	}

	stats.start()
	stats.start()
	stats.fail()
	stats.Update(100 * time.Millisecond)
	stats.Update(200 * time.Millisecond)
	stats.Update(300 * time.Millisecond)

	snapshot := stats.Snapshot()
	assert.Equal(t, int64(2), snapshot.Attempts)
	assert.Equal(t, int64(1), snapshot.Failures)
	assert.Equal(t, int64(3), snapshot.FinishedChunks)
	assert.Equal(t, 200*time.Millisecond, snapshot.Average)
}
