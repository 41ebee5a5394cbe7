// Package session talks to the recording session service and keeps the local
// crash-recovery snapshot of every session it opens.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/medrec-io/go-recupload/chunkuploader"
	"github.com/medrec-io/go-recupload/kvstore"
)

const (
	// DefaultMaxChunkDuration is the per-chunk duration hint sent when a session is created.
	DefaultMaxChunkDuration = 5 * time.Minute

	numCancelRetries = 3
)

// Params configures a Coordinator.
type Params struct {
	APIBaseURL  string
	AccessToken string

	// HTTPClient is used for the JSON session calls. Defaults to a retrying client.
	HTTPClient *retryablehttp.Client
	// ChunkClient is used for chunk uploads. Retries of those are owned by the scheduler,
	// so it must not retry on its own. Defaults to chunkuploader.DefaultHTTPClient().
	ChunkClient *http.Client

	MaxChunkDuration time.Duration
	CancelRetryWait  time.Duration
}

// Coordinator owns the remote session lifecycle and the local snapshots.
// It holds no per-upload state, so one Coordinator may serve concurrent uploads.
type Coordinator struct {
	api              apiClient
	chunkClient      *http.Client
	store            kvstore.Store
	logger           log.Logger
	maxChunkDuration time.Duration
	cancelRetryWait  time.Duration
}

// NewCoordinator creates a Coordinator that persists snapshots into store.
func NewCoordinator(params Params, store kvstore.Store, logger log.Logger) (*Coordinator, error) {
	if params.APIBaseURL == "" {
		return nil, fmt.Errorf("API base URL must not be empty")
	}
	if store == nil {
		store = kvstore.NewMemoryStore()
	}

	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = retryhttp.NewClient(logger)
		httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	}
	chunkClient := params.ChunkClient
	if chunkClient == nil {
		chunkClient = chunkuploader.DefaultHTTPClient()
	}
	maxChunkDuration := params.MaxChunkDuration
	if maxChunkDuration <= 0 {
		maxChunkDuration = DefaultMaxChunkDuration
	}
	cancelRetryWait := params.CancelRetryWait
	if cancelRetryWait <= 0 {
		cancelRetryWait = 2 * time.Second
	}

	return &Coordinator{
		api:              newAPIClient(httpClient, strings.TrimSuffix(params.APIBaseURL, "/"), params.AccessToken, logger),
		chunkClient:      chunkClient,
		store:            store,
		logger:           logger,
		maxChunkDuration: maxChunkDuration,
		cancelRetryWait:  cancelRetryWait,
	}, nil
}

// CreateSession opens a remote session sized to chunks and persists its first snapshot.
func (c *Coordinator) CreateSession(ctx context.Context, sc Context, fileSize int64, chunks []*chunkuploader.Chunk) (*State, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("cannot open a session without chunks")
	}

	response, err := c.api.createSession(ctx, sc, createSessionRequest{
		ExpectedChunks:          len(chunks),
		MaxChunkDurationSeconds: int(c.maxChunkDuration / time.Second),
		FileName:                sc.FileName,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	c.logger.Infof("Session %s opened (%s, %d chunks, status: %s)",
		response.SessionID, units.HumanSize(float64(fileSize)), len(chunks), response.Status)

	state := &State{
		Version:     StateVersion,
		SessionID:   response.SessionID,
		Context:     sc,
		FileSize:    fileSize,
		TotalChunks: len(chunks),
		Chunks:      chunks,
		CreatedAt:   time.Now().UTC(),
	}
	c.PersistState(ctx, state)

	return state, nil
}

// PersistState writes the snapshot of state. Failures are logged, never returned.
func (c *Coordinator) PersistState(ctx context.Context, state *State) {
	data, err := EncodeState(state)
	if err != nil {
		c.logger.Warnf("Failed to encode session state %s: %s", state.SessionID, err)
		return
	}
	if err := c.store.Put(ctx, StateKey(state.SessionID), data); err != nil {
		c.logger.Warnf("Failed to persist session state %s: %s", state.SessionID, err)
		return
	}
	c.logger.Debugf("Persisted session state %s (%d/%d chunks)", state.SessionID, state.ChunksUploaded, state.TotalChunks)
}

// ClearState removes the snapshot of a session. Failures are logged, never returned.
func (c *Coordinator) ClearState(ctx context.Context, sessionID string) {
	if err := c.store.Delete(ctx, StateKey(sessionID)); err != nil {
		c.logger.Warnf("Failed to clear session state %s: %s", sessionID, err)
		return
	}
	c.logger.Debugf("Cleared session state %s", sessionID)
}

// LoadState reads back the snapshot of a session.
func (c *Coordinator) LoadState(ctx context.Context, sessionID string) (*State, error) {
	data, err := c.store.Get(ctx, StateKey(sessionID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("load session state: %w", err)
	}
	return DecodeState(data)
}

// ListStates returns the ids of the sessions that still have a snapshot.
func (c *Coordinator) ListStates(ctx context.Context) ([]string, error) {
	keys, err := c.store.List(ctx, stateKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list session states: %w", err)
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id, ok := sessionIDFromKey(key)
		if !ok {
			c.logger.Debugf("Skipping unrecognized snapshot key %s", key)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UploadChunk sends the bytes of one chunk. Errors are reported through the Result.
func (c *Coordinator) UploadChunk(ctx context.Context, state *State, chunk chunkuploader.Chunk, body io.Reader, onProgress chunkuploader.ProgressFunc) chunkuploader.Result {
	reader := &progressReader{reader: body, total: chunk.Size, onProgress: onProgress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.api.sessionURL(state.SessionID, "chunks"), reader)
	if err != nil {
		return chunkuploader.FatalFailure(fmt.Errorf("create request: %w", err))
	}
	c.api.setHeaders(req.Header, state.Context)
	req.Header.Set(headerChunkIndex, strconv.Itoa(chunk.Index))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = chunk.Size

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return chunkuploader.TransientFailure(fmt.Errorf("upload chunk %d: %w", chunk.Index, err))
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Warnf("close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := unwrapError(resp)
		if isPermanentChunkStatus(resp.StatusCode) {
			return chunkuploader.FatalFailure(fmt.Errorf("upload chunk %d: %w", chunk.Index, err))
		}
		return chunkuploader.TransientFailure(fmt.Errorf("upload chunk %d: %w", chunk.Index, err))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return chunkuploader.Success()
}

// CompleteSession asks the service to assemble the uploaded chunks into a recording.
func (c *Coordinator) CompleteSession(ctx context.Context, state *State) (CompleteResponse, error) {
	for _, chunk := range state.Chunks {
		if !chunk.Uploaded {
			return CompleteResponse{}, fmt.Errorf("chunk %d is not uploaded yet", chunk.Index)
		}
	}

	response, err := c.api.completeSession(ctx, state.SessionID, state.Context)
	if err != nil {
		return CompleteResponse{}, fmt.Errorf("complete session: %w", err)
	}
	if response.RecordingID == "" {
		return CompleteResponse{}, fmt.Errorf("complete session: service returned no recording id (%s)", response.Message)
	}

	c.logger.Donef("Session %s completed, recording id: %s", state.SessionID, response.RecordingID)
	return response, nil
}

// CancelSession tells the service to discard the session. Failures are logged, never returned.
func (c *Coordinator) CancelSession(ctx context.Context, state *State) {
	err := retry.Times(numCancelRetries).Wait(c.cancelRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		response, err := c.api.cancelSession(ctx, state.SessionID, state.Context)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode < 500 {
				return err, true
			}
			c.logger.Debugf("Cancel session %s (attempt %d): %s", state.SessionID, attempt+1, err)
			return err, ctx.Err() != nil
		}
		c.logger.Debugf("Session %s cancelled (acknowledged: %t)", state.SessionID, response.Cancelled)
		return nil, false
	})
	if err != nil {
		c.logger.Warnf("Failed to cancel session %s: %s", state.SessionID, err)
	}
}

// Status returns the server side progress of a session.
func (c *Coordinator) Status(ctx context.Context, state *State) (StatusResponse, error) {
	response, err := c.api.status(ctx, state.SessionID, state.Context)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("session status: %w", err)
	}
	return response, nil
}

// isPermanentChunkStatus reports the statuses a retry cannot fix.
// 401 stays retryable so a credential renewed between attempts can still succeed.
func isPermanentChunkStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

type progressReader struct {
	reader     io.Reader
	sent       int64
	total      int64
	onProgress chunkuploader.ProgressFunc
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent += int64(n)
		if r.onProgress != nil && r.total > 0 {
			fraction := float64(r.sent) / float64(r.total)
			if fraction > 1 {
				fraction = 1
			}
			r.onProgress(fraction)
		}
	}
	return n, err
}
