package recording

import (
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"

	"github.com/medrec-io/go-recupload/chunkuploader"
)

func TestHandle_EmitCoalescesProgress(t *testing.T) {
	h := newHandle("id", chunkuploader.NewScheduler(chunkuploader.DefaultConfig(), log.NewLogger(), nil))

	h.emit(StatusEvent{Progress: Progress{Status: StatusUploading}})
	h.emit(ChunkProgressEvent{ChunkProgress{Index: 0, Fraction: 0.1}})
	h.emit(ProgressEvent{Progress: Progress{Percent: 5}})
	h.emit(ChunkProgressEvent{ChunkProgress{Index: 1, Fraction: 0.2}})
	h.emit(ProgressEvent{Progress: Progress{Percent: 10}})
	h.emit(ChunkProgressEvent{ChunkProgress{Index: 0, Fraction: 0.5}})
	h.emit(ProgressEvent{Progress: Progress{Percent: 20}})
	h.emit(ChunkCompleteEvent{Index: 0, TotalChunks: 2})
	h.emit(ProgressEvent{Progress: Progress{Percent: 50}})
	h.finish(Result{Success: true}, nil)

	var events []Event
	for ev := range h.Events() {
		events = append(events, ev)
	}

	assert.Equal(t, []Event{
		StatusEvent{Progress: Progress{Status: StatusUploading}},
		ChunkProgressEvent{ChunkProgress{Index: 1, Fraction: 0.2}},
		ChunkProgressEvent{ChunkProgress{Index: 0, Fraction: 0.5}},
		ProgressEvent{Progress: Progress{Percent: 20}},
		ChunkCompleteEvent{Index: 0, TotalChunks: 2},
		ProgressEvent{Progress: Progress{Percent: 50}},
	}, events)
}

func TestHandle_UpdateNeverMovesBackwards(t *testing.T) {
	h := newHandle("id", chunkuploader.NewScheduler(chunkuploader.DefaultConfig(), log.NewLogger(), nil))

	h.update(Progress{Status: StatusUploading, Percent: 40, ChunksUploaded: 2})
	got := h.update(Progress{Status: StatusUploading, Percent: 30, ChunksUploaded: 1})

	assert.Equal(t, 40.0, got.Percent)
	assert.Equal(t, 2, got.ChunksUploaded)
	assert.Equal(t, got, h.Progress())
}

func TestHandle_AbortIsIdempotent(t *testing.T) {
	h := newHandle("id", chunkuploader.NewScheduler(chunkuploader.DefaultConfig(), log.NewLogger(), nil))

	assert.False(t, h.aborted())
	h.Abort()
	h.Abort()
	assert.True(t, h.aborted())
}
