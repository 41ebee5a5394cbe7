package recording

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory creates the analytics tracker of an Uploader.
type TrackerFactory func(...analytics.Properties) analytics.Tracker

type uploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newUploadTracker(factory TrackerFactory, logger log.Logger) *uploadTracker {
	if factory == nil {
		return &uploadTracker{logger: logger}
	}
	return &uploadTracker{
		tracker: factory(analytics.Properties{"component": "recupload"}),
		logger:  logger,
	}
}

func (t *uploadTracker) enqueue(event string, properties analytics.Properties) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue(event, properties)
}

func (t *uploadTracker) logUploadStarted(uploadID string, fileSize int64, chunkCount int, chunkSize int64, concurrency int) {
	t.enqueue("recording_upload_started", analytics.Properties{
		"upload_id":        uploadID,
		"file_size_bytes":  fileSize,
		"chunk_count":      chunkCount,
		"chunk_size_bytes": chunkSize,
		"max_concurrency":  concurrency,
	})
}

func (t *uploadTracker) logChunkRetried(uploadID string, index, retry int) {
	t.enqueue("recording_upload_chunk_retried", analytics.Properties{
		"upload_id":   uploadID,
		"chunk_index": index,
		"retry":       retry,
	})
}

func (t *uploadTracker) logUploadCompleted(uploadID string, uploadTime time.Duration, fileSize int64, chunkCount, retries int) {
	t.enqueue("recording_upload_completed", analytics.Properties{
		"upload_id":         uploadID,
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": fileSize,
		"chunk_count":       chunkCount,
		"retry_count":       retries,
	})
}

func (t *uploadTracker) logUploadFailed(uploadID string, stage Status, cancelled bool, uploadTime time.Duration) {
	t.enqueue("recording_upload_failed", analytics.Properties{
		"upload_id":     uploadID,
		"stage":         string(stage),
		"cancelled":     cancelled,
		"upload_time_s": uploadTime.Truncate(time.Second).Seconds(),
	})
}

func (t *uploadTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}

func defaultTrackerFactory(logger log.Logger) TrackerFactory {
	return func(properties ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, properties...)
	}
}
