package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/medrec-io/go-recupload/internal"
)

const fileExtension = ".json.zst"

// FileStore keeps every value in its own zstd compressed file under a directory.
// Writes go through a temporary file and a rename, so a crash never leaves a torn value behind.
type FileStore struct {
	dir     string
	osProxy internal.OsProxy
	logger  log.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFileStore creates the directory if needed and returns a FileStore rooted at it.
func NewFileStore(dir string, logger log.Logger) (*FileStore, error) {
	return newFileStore(dir, internal.RealOS{}, logger)
}

func newFileStore(dir string, osProxy internal.OsProxy, logger log.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory must not be empty")
	}
	if err := osProxy.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &FileStore{
		dir:     dir,
		osProxy: osProxy,
		logger:  logger,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Dir returns the directory holding the values.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file that holds key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, key+fileExtension)
}

func (s *FileStore) Put(ctx context.Context, key string, value []byte) error { //nolint:revive
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	compressed := s.encoder.EncodeAll(value, make([]byte, 0, len(value)/2))

	tmp, err := s.osProxy.CreateTemp(s.dir, "."+key+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err := s.osProxy.Remove(tmpName); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Debugf("remove temp file %s: %s", tmpName, err)
		}
	}()

	if _, err := tmp.Write(compressed); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}

	if err := s.osProxy.Rename(tmpName, s.Path(key)); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}

	s.logger.Debugf("Stored %s (%d bytes, %d compressed)", key, len(value), len(compressed))
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) { //nolint:revive
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	compressed, err := s.osProxy.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	value, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", key, err)
	}
	return value, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error { //nolint:revive
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.osProxy.Remove(s.Path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) { //nolint:revive
	if prefix != "" {
		if err := ValidateKey(prefix); err != nil {
			return nil, fmt.Errorf("invalid prefix: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Valid keys never contain glob meta characters.
	pattern := prefix + "*" + fileExtension
	matches, err := doublestar.Glob(s.osProxy.DirFS(s.dir), pattern, doublestar.WithFilesOnly(), doublestar.WithNoFollow())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}

	keys := make([]string, 0, len(matches))
	for _, match := range matches {
		keys = append(keys, strings.TrimSuffix(match, fileExtension))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the compression resources.
func (s *FileStore) Close() error {
	s.decoder.Close()
	if err := s.encoder.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
