package recording

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docker/go-units"

	"github.com/medrec-io/go-recupload/chunkuploader"
	"github.com/medrec-io/go-recupload/session"
)

const cleanupTimeout = 30 * time.Second

// Input describes one recording to upload.
type Input struct {
	FilePath       string
	EncounterID    string
	PatientID      string
	PractitionerID string
	Sequence       int

	// Callbacks are invoked synchronously from the upload goroutine, in event order.
	OnProgress      func(Progress)
	OnChunkProgress func(ChunkProgress)
	OnChunkComplete func(index, total int)
}

// Result is the outcome of a successful upload.
type Result struct {
	Success     bool
	RecordingID string
	Message     string
	SessionID   string
}

func (u *Uploader) run(ctx context.Context, h *Handle, in Input) (result Result, err error) {
	start := time.Now()
	stage := StatusInitializing
	var state *session.State
	cancelled := false

	cleanupCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	}
	cancelSession := func() {
		if state == nil || cancelled {
			return
		}
		cancelled = true
		cctx, cancel := cleanupCtx()
		defer cancel()
		u.coordinator.CancelSession(cctx, state)
	}

	defer func() {
		if state != nil {
			cctx, cancel := cleanupCtx()
			u.coordinator.ClearState(cctx, state.SessionID)
			cancel()
		}
		if err != nil {
			uerr := uploadError(stage, err)
			u.logger.Errorf("Upload %s failed: %s", h.ID(), uerr)
			u.tracker.logUploadFailed(h.ID(), stage, uerr.Cancelled(), time.Since(start))
			u.report(h, in, Progress{Status: StatusError, Message: uerr.Message}, true)
			err = uerr
		}
	}()

	u.report(h, in, Progress{Status: StatusInitializing, Message: msgInitializing}, true)

	info, statErr := u.osProxy.Stat(in.FilePath)
	if statErr != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrEmptyRecording, statErr)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrEmptyRecording, in.FilePath)
	}
	fileSize := info.Size()

	provider, err := chunkuploader.NewFileChunkProvider(in.FilePath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrEmptyRecording, err)
	}
	defer func() {
		if cerr := provider.Close(); cerr != nil {
			u.logger.Warnf("Failed to close %s: %s", in.FilePath, cerr)
		}
	}()

	chunks, err := chunkuploader.PlanChunks(fileSize, u.config.ChunkSize)
	if err != nil {
		return Result{}, err
	}
	u.logger.Infof("Uploading %s (%s) in %d chunk(s) of %s",
		in.FilePath, units.HumanSizeWithPrecision(float64(fileSize), 3), len(chunks), units.BytesSize(float64(u.config.ChunkSize)))
	u.tracker.logUploadStarted(h.ID(), fileSize, len(chunks), u.config.ChunkSize, u.config.Scheduler.Concurrency)

	sc := session.Context{
		FilePath:       in.FilePath,
		FileName:       filepath.Base(in.FilePath),
		EncounterID:    in.EncounterID,
		PatientID:      in.PatientID,
		PractitionerID: in.PractitionerID,
		Sequence:       in.Sequence,
	}
	state, err = u.coordinator.CreateSession(ctx, sc, fileSize, chunks)
	if err != nil {
		return Result{}, err
	}
	h.setSessionID(state.SessionID)

	if h.aborted() {
		cancelSession()
		return Result{}, chunkuploader.ErrAborted
	}

	stage = StatusUploading
	obs := &uploadObserver{
		ctx:      context.WithoutCancel(ctx),
		uploader: u,
		handle:   h,
		input:    in,
		state:    state,
		inFlight: map[int]float64{},
	}
	obs.report(true)

	upload := func(ctx context.Context, chunk chunkuploader.Chunk, onProgress chunkuploader.ProgressFunc) chunkuploader.Result {
		reader, err := provider.Reader(chunk)
		if err != nil {
			return chunkuploader.FatalFailure(fmt.Errorf("read chunk %d: %w", chunk.Index, err))
		}
		return u.coordinator.UploadChunk(ctx, state, chunk, reader, onProgress)
	}

	if err := h.scheduler.Run(ctx, chunks, upload, obs); err != nil {
		cancelSession()
		return Result{}, err
	}

	for _, chunk := range state.Chunks {
		if !chunk.Uploaded {
			cancelSession()
			return Result{}, fmt.Errorf("chunk %d was not uploaded", chunk.Index)
		}
	}
	if h.aborted() {
		cancelSession()
		return Result{}, chunkuploader.ErrAborted
	}

	stage = StatusCompleting
	u.report(h, in, Progress{
		Status:         StatusCompleting,
		Percent:        100,
		ChunksUploaded: state.ChunksUploaded,
		TotalChunks:    state.TotalChunks,
		Message:        msgCompleting,
	}, true)

	response, err := u.coordinator.CompleteSession(ctx, state)
	if err != nil {
		cancelSession()
		return Result{}, err
	}

	stage = StatusCompleted
	u.report(h, in, Progress{
		Status:         StatusCompleted,
		Percent:        100,
		ChunksUploaded: state.ChunksUploaded,
		TotalChunks:    state.TotalChunks,
		Message:        msgCompleted,
	}, true)

	stats := h.scheduler.Stats().Snapshot()
	u.tracker.logUploadCompleted(h.ID(), time.Since(start), fileSize, len(chunks), int(stats.Failures))
	u.logger.Donef("Recording uploaded in %s, recording id: %s", time.Since(start).Round(time.Millisecond), response.RecordingID)

	message := response.Message
	if message == "" {
		message = msgCompleted
	}
	return Result{
		Success:     true,
		RecordingID: response.RecordingID,
		Message:     message,
		SessionID:   state.SessionID,
	}, nil
}

// report stores p on the handle, emits it and invokes the progress callback.
func (u *Uploader) report(h *Handle, in Input, p Progress, statusChanged bool) {
	prev := h.Progress()
	if p.TotalChunks == 0 {
		p.TotalChunks = prev.TotalChunks
	}
	p = h.update(p)

	if statusChanged {
		h.emit(StatusEvent{Progress: p})
	} else {
		h.emit(ProgressEvent{Progress: p})
	}
	if in.OnProgress != nil {
		in.OnProgress(p)
	}
}

type uploadObserver struct {
	ctx      context.Context
	uploader *Uploader
	handle   *Handle
	input    Input
	state    *session.State
	inFlight map[int]float64
}

func (o *uploadObserver) ChunkStarted(chunk *chunkuploader.Chunk) {
	o.inFlight[chunk.Index] = 0
}

func (o *uploadObserver) ChunkProgress(chunk *chunkuploader.Chunk, fraction float64) {
	o.inFlight[chunk.Index] = fraction

	cp := ChunkProgress{Index: chunk.Index, Fraction: fraction}
	o.handle.emit(ChunkProgressEvent{ChunkProgress: cp})
	if o.input.OnChunkProgress != nil {
		o.input.OnChunkProgress(cp)
	}
	o.report(false)
}

func (o *uploadObserver) ChunkUploaded(chunk *chunkuploader.Chunk) {
	delete(o.inFlight, chunk.Index)
	if o.state.ChunksUploaded < o.state.TotalChunks {
		o.state.ChunksUploaded++
	}
	o.uploader.coordinator.PersistState(o.ctx, o.state)

	o.handle.emit(ChunkCompleteEvent{Index: chunk.Index, TotalChunks: o.state.TotalChunks})
	if o.input.OnChunkComplete != nil {
		o.input.OnChunkComplete(chunk.Index, o.state.TotalChunks)
	}
	o.report(false)
}

func (o *uploadObserver) ChunkRetrying(chunk *chunkuploader.Chunk, err error) {
	o.inFlight[chunk.Index] = 0
	o.handle.emit(ChunkRetryEvent{Index: chunk.Index, Retry: chunk.Retries, Err: err})
	o.uploader.tracker.logChunkRetried(o.handle.ID(), chunk.Index, chunk.Retries)
}

func (o *uploadObserver) report(statusChanged bool) {
	partial := 0.0
	for _, fraction := range o.inFlight {
		partial += fraction
	}
	total := o.state.TotalChunks
	percent := (float64(o.state.ChunksUploaded) + partial) / float64(total) * 100
	if percent > 100 {
		percent = 100
	}

	o.uploader.report(o.handle, o.input, Progress{
		Status:         StatusUploading,
		Percent:        percent,
		ChunksUploaded: o.state.ChunksUploaded,
		TotalChunks:    total,
		Message:        fmt.Sprintf(msgUploading, o.state.ChunksUploaded, total),
	}, statusChanged)
}

var _ chunkuploader.Observer = (*uploadObserver)(nil)

// IsCancelled reports whether err is an upload that was stopped by the caller.
func IsCancelled(err error) bool {
	var uerr *Error
	return errors.As(err, &uerr) && uerr.Cancelled()
}
