// Package recording uploads audio recordings to the recording session service in
// fixed-size chunks and reports progress while doing so.
package recording

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/medrec-io/go-recupload/chunkuploader"
	"github.com/medrec-io/go-recupload/internal"
	"github.com/medrec-io/go-recupload/kvstore"
	"github.com/medrec-io/go-recupload/session"
)

// Options overrides the collaborators an Uploader builds from its Config.
type Options struct {
	// Store keeps the session snapshots. Defaults to the store described by the Config.
	Store kvstore.Store
	// HTTPClient is used for the session calls.
	HTTPClient *retryablehttp.Client
	// ChunkClient is used for the chunk uploads.
	ChunkClient *http.Client
	// TrackerFactory enables analytics. When nil, Config.Analytics selects the default tracker.
	TrackerFactory TrackerFactory
	// Registerer receives the upload metrics. Metrics are disabled when nil.
	Registerer prometheus.Registerer
}

// Uploader runs recording uploads. It is safe for concurrent use; every upload is
// tracked by its own Handle.
type Uploader struct {
	config      Config
	coordinator *session.Coordinator
	store       kvstore.Store
	ownsStore   bool
	osProxy     internal.OsProxy
	logger      log.Logger
	tracker     *uploadTracker
	metrics     *chunkuploader.Metrics

	mu      sync.Mutex
	handles map[string]*Handle
	wg      sync.WaitGroup
}

// NewUploader creates an Uploader.
func NewUploader(ctx context.Context, config Config, opts Options, logger log.Logger) (*Uploader, error) {
	if config.ChunkSize <= 0 {
		config.ChunkSize = chunkuploader.DefaultChunkSize
	}
	if config.Scheduler == (chunkuploader.Config{}) {
		config.Scheduler = chunkuploader.DefaultConfig()
	}
	logger.EnableDebugLog(config.Verbose)

	store := opts.Store
	ownsStore := false
	if store == nil {
		var err error
		store, err = OpenStore(ctx, config, logger)
		if err != nil {
			return nil, err
		}
		ownsStore = true
	}

	coordinator, err := session.NewCoordinator(session.Params{
		APIBaseURL:  config.APIBaseURL,
		AccessToken: string(config.AccessToken),
		HTTPClient:  opts.HTTPClient,
		ChunkClient: opts.ChunkClient,
	}, store, logger)
	if err != nil {
		if closer, ok := store.(io.Closer); ok && ownsStore {
			_ = closer.Close()
		}
		return nil, err
	}

	trackerFactory := opts.TrackerFactory
	if trackerFactory == nil && config.Analytics {
		trackerFactory = defaultTrackerFactory(logger)
	}

	var metrics *chunkuploader.Metrics
	if opts.Registerer != nil {
		metrics, err = chunkuploader.NewMetrics(opts.Registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	return &Uploader{
		config:      config,
		coordinator: coordinator,
		store:       store,
		ownsStore:   ownsStore,
		osProxy:     internal.RealOS{},
		logger:      logger,
		tracker:     newUploadTracker(trackerFactory, logger),
		metrics:     metrics,
		handles:     map[string]*Handle{},
	}, nil
}

// OpenStore returns the snapshot store described by config: an S3 bucket when
// StateBucket is set, a directory when StateDir is set, memory otherwise.
func OpenStore(ctx context.Context, config Config, logger log.Logger) (kvstore.Store, error) {
	switch {
	case config.StateBucket != "":
		store, err := kvstore.NewS3Store(ctx, kvstore.S3Params{
			Bucket:          config.StateBucket,
			Prefix:          config.StatePrefix,
			Region:          config.StateRegion,
			AccessKeyID:     string(config.StateAccessKeyID),
			SecretAccessKey: string(config.StateSecretAccessKey),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open S3 state store: %w", err)
		}
		return store, nil
	case config.StateDir != "":
		store, err := kvstore.NewFileStore(config.StateDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open state directory: %w", err)
		}
		return store, nil
	default:
		logger.Debugf("No state store configured, snapshots are kept in memory")
		return kvstore.NewMemoryStore(), nil
	}
}

// Coordinator returns the session coordinator used by the uploads.
func (u *Uploader) Coordinator() *session.Coordinator {
	return u.coordinator
}

// Start begins uploading the recording described by in and returns immediately.
func (u *Uploader) Start(ctx context.Context, in Input) (*Handle, error) {
	if in.FilePath == "" {
		return nil, uploadError(StatusInitializing, fmt.Errorf("%w: no file path given", ErrEmptyRecording))
	}

	id := uuid.NewString()
	h := newHandle(id, chunkuploader.NewScheduler(u.config.Scheduler, u.logger, u.metrics))

	u.mu.Lock()
	u.handles[id] = h
	u.mu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()

		result, err := u.run(ctx, h, in)

		u.mu.Lock()
		delete(u.handles, id)
		u.mu.Unlock()

		h.finish(result, err)
	}()

	return h, nil
}

// Upload uploads a recording and blocks until it finished.
func (u *Uploader) Upload(ctx context.Context, in Input) (Result, error) {
	h, err := u.Start(ctx, in)
	if err != nil {
		return Result{}, err
	}
	return h.Wait()
}

// Lookup returns the running upload with the given id.
func (u *Uploader) Lookup(id string) (*Handle, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	h, ok := u.handles[id]
	return h, ok
}

// Abort aborts the running upload with the given id.
func (u *Uploader) Abort(id string) error {
	h, ok := u.Lookup(id)
	if !ok {
		return fmt.Errorf("no running upload with id %s", id)
	}
	h.Abort()
	return nil
}

// Running returns the ids of the uploads in progress.
func (u *Uploader) Running() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	ids := make([]string, 0, len(u.handles))
	for id := range u.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close waits for the running uploads and flushes analytics.
func (u *Uploader) Close() error {
	u.wg.Wait()
	u.tracker.wait()

	if closer, ok := u.store.(io.Closer); ok && u.ownsStore {
		return closer.Close()
	}
	return nil
}
