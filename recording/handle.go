package recording

import (
	"sync"

	"github.com/medrec-io/go-recupload/chunkuploader"
)

// Handle identifies one running upload.
type Handle struct {
	id        string
	scheduler *chunkuploader.Scheduler

	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	sessionID string
	progress  Progress
	result    Result
	err       error
	queue     []Event
	finished  bool

	notify     chan struct{}
	eventsOnce sync.Once
	events     chan Event
}

func newHandle(id string, scheduler *chunkuploader.Scheduler) *Handle {
	return &Handle{
		id:        id,
		scheduler: scheduler,
		abort:     make(chan struct{}),
		done:      make(chan struct{}),
		notify:    make(chan struct{}, 1),
		progress:  Progress{Status: StatusInitializing},
	}
}

// ID returns the opaque identifier of the upload.
func (h *Handle) ID() string {
	return h.id
}

// SessionID returns the id of the remote session, or "" before it was opened.
func (h *Handle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// Progress returns the latest progress snapshot.
func (h *Handle) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// Abort stops the upload. Chunks already in flight are allowed to finish, then the
// session is cancelled and Wait returns an *Error whose Cancelled method reports true.
func (h *Handle) Abort() {
	h.abortOnce.Do(func() {
		close(h.abort)
		h.scheduler.Abort()
	})
}

func (h *Handle) aborted() bool {
	select {
	case <-h.abort:
		return true
	default:
		return false
	}
}

// Done is closed when the upload finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the upload finished and returns its outcome.
func (h *Handle) Wait() (Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Events returns the event stream of the upload. The channel is closed after the last
// event of a finished upload was received. Events emitted before the first call are
// replayed. When the consumer falls behind, intermediate progress events are dropped
// in favor of newer ones; status and chunk completion events are always delivered.
// The caller must drain the channel until it is closed.
func (h *Handle) Events() <-chan Event {
	h.eventsOnce.Do(func() {
		h.events = make(chan Event)
		go h.pump()
	})
	return h.events
}

func (h *Handle) pump() {
	defer close(h.events)

	for {
		h.mu.Lock()
		batch := h.queue
		h.queue = nil
		finished := h.finished
		h.mu.Unlock()

		for _, ev := range batch {
			h.events <- ev
		}

		if len(batch) == 0 {
			if finished {
				return
			}
			<-h.notify
		}
	}
}

func (h *Handle) emit(ev Event) {
	h.mu.Lock()
	if coalescable(ev) {
		for i := len(h.queue) - 1; i >= 0 && coalescable(h.queue[i]); i-- {
			if supersedes(h.queue[i], ev) {
				h.queue = append(h.queue[:i], h.queue[i+1:]...)
				break
			}
		}
	}
	h.queue = append(h.queue, ev)
	h.mu.Unlock()

	h.wake()
}

func (h *Handle) wake() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Handle) setSessionID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = id
}

// update stores p unless it would move the percentage backwards and returns the stored value.
func (h *Handle) update(p Progress) Progress {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p.Percent < h.progress.Percent {
		p.Percent = h.progress.Percent
	}
	if p.ChunksUploaded < h.progress.ChunksUploaded {
		p.ChunksUploaded = h.progress.ChunksUploaded
	}
	h.progress = p
	return p
}

func (h *Handle) finish(result Result, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.finished = true
	h.mu.Unlock()

	h.wake()
	close(h.done)
}
