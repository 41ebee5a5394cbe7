package recording

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/medrec-io/go-recupload/chunkuploader"
)

// Environment variables read by NewConfig.
const (
	APIURLEnvKey            = "RECUPLOAD_API_URL"
	AccessTokenEnvKey       = "RECUPLOAD_ACCESS_TOKEN"
	ChunkSizeEnvKey         = "RECUPLOAD_CHUNK_SIZE"
	ConcurrencyEnvKey       = "RECUPLOAD_CONCURRENCY"
	MaxRetriesEnvKey        = "RECUPLOAD_MAX_RETRIES"
	RetryDelayEnvKey        = "RECUPLOAD_RETRY_DELAY"
	ChunkTimeoutEnvKey      = "RECUPLOAD_CHUNK_TIMEOUT"
	HungThresholdEnvKey     = "RECUPLOAD_HUNG_THRESHOLD"
	StateDirEnvKey          = "RECUPLOAD_STATE_DIR"
	StateBucketEnvKey       = "RECUPLOAD_STATE_BUCKET"
	StateRegionEnvKey       = "RECUPLOAD_STATE_REGION"
	StatePrefixEnvKey       = "RECUPLOAD_STATE_PREFIX"
	StateAccessKeyIDEnvKey  = "RECUPLOAD_STATE_ACCESS_KEY_ID"
	StateSecretAccessEnvKey = "RECUPLOAD_STATE_SECRET_ACCESS_KEY"
	AnalyticsEnvKey         = "RECUPLOAD_ANALYTICS"
	VerboseEnvKey           = "RECUPLOAD_VERBOSE"
)

const maxChunkSize int64 = 512 * 1024 * 1024

// Secret is a string that is never printed in clear text.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Config is the configuration of an Uploader.
type Config struct {
	APIBaseURL  string
	AccessToken Secret

	ChunkSize int64
	Scheduler chunkuploader.Config

	StateDir             string
	StateBucket          string
	StateRegion          string
	StatePrefix          string
	StateAccessKeyID     Secret
	StateSecretAccessKey Secret

	Analytics bool
	Verbose   bool
}

// DefaultConfig returns a Config with the default chunk size and scheduler settings.
func DefaultConfig() Config {
	return Config{
		ChunkSize: chunkuploader.DefaultChunkSize,
		Scheduler: chunkuploader.DefaultConfig(),
	}
}

// NewConfig reads the configuration from the environment.
func NewConfig(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()

	config.APIBaseURL = strings.TrimSpace(envRepo.Get(APIURLEnvKey))
	if config.APIBaseURL == "" {
		return Config{}, fmt.Errorf("the secret '%s' is not defined", APIURLEnvKey)
	}
	config.AccessToken = Secret(strings.TrimSpace(envRepo.Get(AccessTokenEnvKey)))
	if config.AccessToken == "" {
		return Config{}, fmt.Errorf("the secret '%s' is not defined", AccessTokenEnvKey)
	}

	if value := envRepo.Get(ChunkSizeEnvKey); value != "" {
		size, err := ParseChunkSize(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", ChunkSizeEnvKey, err)
		}
		config.ChunkSize = size
	}

	var err error
	if config.Scheduler.Concurrency, err = intValue(envRepo, ConcurrencyEnvKey, config.Scheduler.Concurrency, 1); err != nil {
		return Config{}, err
	}
	if config.Scheduler.MaxRetryPerChunk, err = intValue(envRepo, MaxRetriesEnvKey, config.Scheduler.MaxRetryPerChunk, 0); err != nil {
		return Config{}, err
	}
	if config.Scheduler.InitialRetryDelay, err = durationValue(envRepo, RetryDelayEnvKey, config.Scheduler.InitialRetryDelay); err != nil {
		return Config{}, err
	}
	if config.Scheduler.ChunkTimeout, err = durationValue(envRepo, ChunkTimeoutEnvKey, config.Scheduler.ChunkTimeout); err != nil {
		return Config{}, err
	}
	if config.Scheduler.HungThreshold, err = durationValue(envRepo, HungThresholdEnvKey, config.Scheduler.HungThreshold); err != nil {
		return Config{}, err
	}

	config.StateDir = envRepo.Get(StateDirEnvKey)
	config.StateBucket = envRepo.Get(StateBucketEnvKey)
	config.StateRegion = envRepo.Get(StateRegionEnvKey)
	config.StatePrefix = envRepo.Get(StatePrefixEnvKey)
	config.StateAccessKeyID = Secret(envRepo.Get(StateAccessKeyIDEnvKey))
	config.StateSecretAccessKey = Secret(envRepo.Get(StateSecretAccessEnvKey))
	if config.StateBucket != "" && config.StateRegion == "" {
		return Config{}, fmt.Errorf("%s is required when %s is set", StateRegionEnvKey, StateBucketEnvKey)
	}

	config.Analytics = envRepo.Get(AnalyticsEnvKey) == "true"
	config.Verbose = envRepo.Get(VerboseEnvKey) == "true"

	return config, nil
}

// ParseChunkSize parses sizes like "5MiB", "512k" or "1048576".
func ParseChunkSize(value string) (int64, error) {
	size, err := units.RAMInBytes(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if size > maxChunkSize {
		return 0, fmt.Errorf("chunk size %s exceeds the %s limit", units.BytesSize(float64(size)), units.BytesSize(float64(maxChunkSize)))
	}
	return size, nil
}

// Print logs the configuration with secrets redacted.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	logger.Printf("- %s: %s", APIURLEnvKey, valueOrUnset(c.APIBaseURL))
	logger.Printf("- %s: %s", AccessTokenEnvKey, valueOrUnset(c.AccessToken.String()))
	logger.Printf("- %s: %s", ChunkSizeEnvKey, units.BytesSize(float64(c.ChunkSize)))
	logger.Printf("- %s: %d", ConcurrencyEnvKey, c.Scheduler.Concurrency)
	logger.Printf("- %s: %d", MaxRetriesEnvKey, c.Scheduler.MaxRetryPerChunk)
	logger.Printf("- %s: %s", RetryDelayEnvKey, c.Scheduler.InitialRetryDelay)
	logger.Printf("- %s: %s", ChunkTimeoutEnvKey, durationOrUnset(c.Scheduler.ChunkTimeout))
	logger.Printf("- %s: %s", HungThresholdEnvKey, durationOrUnset(c.Scheduler.HungThreshold))
	logger.Printf("- %s: %s", StateDirEnvKey, valueOrUnset(c.StateDir))
	logger.Printf("- %s: %s", StateBucketEnvKey, valueOrUnset(c.StateBucket))
	logger.Printf("- %s: %s", StateRegionEnvKey, valueOrUnset(c.StateRegion))
	logger.Printf("- %s: %s", StateAccessKeyIDEnvKey, valueOrUnset(c.StateAccessKeyID.String()))
	logger.Printf("- %s: %t", AnalyticsEnvKey, c.Analytics)
}

func valueOrUnset(value string) string {
	if value == "" {
		return "<unset>"
	}
	return value
}

func durationOrUnset(d time.Duration) string {
	if d == 0 {
		return "<unset>"
	}
	return d.String()
}

func intValue(envRepo env.Repository, key string, fallback, minimum int) (int, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if i < minimum {
		return 0, fmt.Errorf("invalid %s: must be at least %d, got %d", key, minimum, i)
	}
	return i, nil
}

func durationValue(envRepo env.Repository, key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}
