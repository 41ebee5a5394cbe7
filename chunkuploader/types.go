// Package chunkuploader plans recording chunks and drives their upload with bounded
// concurrency, per-chunk retries with exponential backoff, and hung request detection.
package chunkuploader

import (
	"context"
	"errors"
	"fmt"
)

// ResultKind classifies the outcome of a single chunk upload attempt.
type ResultKind int

const (
	// ResultSuccess means the server confirmed the chunk.
	ResultSuccess ResultKind = iota
	// ResultTransient means the attempt failed but may be retried.
	ResultTransient
	// ResultFatal means the attempt failed and retrying cannot help.
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultTransient:
		return "transient"
	case ResultFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is the outcome of one chunk upload attempt.
type Result struct {
	Kind ResultKind
	Err  error
}

// Success returns a successful Result.
func Success() Result {
	return Result{Kind: ResultSuccess}
}

// TransientFailure returns a retryable failed Result.
func TransientFailure(err error) Result {
	return Result{Kind: ResultTransient, Err: err}
}

// FatalFailure returns a non-retryable failed Result.
func FatalFailure(err error) Result {
	return Result{Kind: ResultFatal, Err: err}
}

// ProgressFunc receives the fraction [0, 1] of the chunk sent so far.
type ProgressFunc func(fraction float64)

// UploadFunc uploads a single chunk. It must report failures through the Result, not panic.
// onProgress may be called from the goroutine running the upload.
type UploadFunc func(ctx context.Context, chunk Chunk, onProgress ProgressFunc) Result

// Observer is notified about scheduler progress.
// All methods are called from the scheduler's loop goroutine, one at a time.
type Observer interface {
	ChunkStarted(chunk *Chunk)
	ChunkProgress(chunk *Chunk, fraction float64)
	ChunkUploaded(chunk *Chunk)
	ChunkRetrying(chunk *Chunk, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) ChunkStarted(*Chunk)           {} //nolint:revive
func (NopObserver) ChunkProgress(*Chunk, float64) {} //nolint:revive
func (NopObserver) ChunkUploaded(*Chunk)          {} //nolint:revive
func (NopObserver) ChunkRetrying(*Chunk, error)   {} //nolint:revive

// ErrAborted is returned by Run when Abort was called before every chunk was uploaded.
var ErrAborted = errors.New("upload aborted")

// ChunkError reports the chunk that made the whole upload fail.
type ChunkError struct {
	Index    int
	Attempts int
	Kind     ResultKind
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %s", e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
