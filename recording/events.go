package recording

// Progress is a snapshot of the overall progress of one upload.
type Progress struct {
	Status         Status
	Percent        float64
	ChunksUploaded int
	TotalChunks    int
	Message        string
}

// ChunkProgress reports the progress of a single chunk.
type ChunkProgress struct {
	Index    int
	Fraction float64
}

// Event is one item of the stream returned by Handle.Events.
// It is one of StatusEvent, ProgressEvent, ChunkProgressEvent, ChunkCompleteEvent or ChunkRetryEvent.
type Event interface {
	isEvent()
}

// StatusEvent is emitted on every status transition.
type StatusEvent struct {
	Progress Progress
}

// ProgressEvent is emitted whenever the overall progress advances.
type ProgressEvent struct {
	Progress Progress
}

// ChunkProgressEvent is emitted as the bytes of a chunk are sent.
type ChunkProgressEvent struct {
	ChunkProgress
}

// ChunkCompleteEvent is emitted once the service confirmed a chunk.
type ChunkCompleteEvent struct {
	Index       int
	TotalChunks int
}

// ChunkRetryEvent is emitted when a failed chunk is scheduled for another attempt.
type ChunkRetryEvent struct {
	Index int
	Retry int
	Err   error
}

func (StatusEvent) isEvent()        {}
func (ProgressEvent) isEvent()      {}
func (ChunkProgressEvent) isEvent() {}
func (ChunkCompleteEvent) isEvent() {}
func (ChunkRetryEvent) isEvent()    {}

// supersedes reports whether next makes prev redundant for a consumer that is lagging behind.
func supersedes(prev, next Event) bool {
	switch n := next.(type) {
	case ProgressEvent:
		_, ok := prev.(ProgressEvent)
		return ok
	case ChunkProgressEvent:
		p, ok := prev.(ChunkProgressEvent)
		return ok && p.Index == n.Index
	}
	return false
}

func coalescable(ev Event) bool {
	switch ev.(type) {
	case ProgressEvent, ChunkProgressEvent:
		return true
	}
	return false
}
