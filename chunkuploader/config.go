package chunkuploader

import (
	"net/http"
	"time"
)

// DefaultChunkSize is the target size of a recording chunk (5 MiB).
const DefaultChunkSize int64 = 5 * 1024 * 1024

// Config holds configuration for the upload scheduler.
type Config struct {
	// Concurrency is the maximum number of chunk uploads in flight.
	// Default: 2
	Concurrency int

	// MaxRetryPerChunk is the number of retries a chunk may consume after its first attempt.
	// Default: 3
	MaxRetryPerChunk int

	// InitialRetryDelay is the backoff before the first retry, doubled for every further retry.
	// Default: 1 second
	InitialRetryDelay time.Duration

	// ChunkTimeout bounds a single upload attempt. Zero disables the deadline.
	ChunkTimeout time.Duration

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount. Zero disables hung detection.
	HungThreshold time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:       2,
		MaxRetryPerChunk:  3,
		InitialRetryDelay: time.Second,
	}
}

// RetryDelay returns the backoff applied before the given retry (1-based).
func (c Config) RetryDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	return c.InitialRetryDelay * time.Duration(1<<uint(retry-1))
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxRetryPerChunk < 0 {
		c.MaxRetryPerChunk = 0
	}
	return c
}

// DefaultHTTPClient creates an HTTP client tuned for chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual chunk timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxConnsPerHost:     4,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
