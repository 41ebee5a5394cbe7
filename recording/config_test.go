package recording

import (
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrec-io/go-recupload/chunkuploader"
)

func setRequired(t *testing.T) {
	t.Setenv(APIURLEnvKey, "https://recordings.example.com/api")
	t.Setenv(AccessTokenEnvKey, "token")
}

func TestNewConfig_Defaults(t *testing.T) {
	setRequired(t)

	config, err := NewConfig(env.NewRepository())

	require.NoError(t, err)
	assert.Equal(t, "https://recordings.example.com/api", config.APIBaseURL)
	assert.Equal(t, Secret("token"), config.AccessToken)
	assert.Equal(t, chunkuploader.DefaultChunkSize, config.ChunkSize)
	assert.Equal(t, 2, config.Scheduler.Concurrency)
	assert.Equal(t, 3, config.Scheduler.MaxRetryPerChunk)
	assert.Equal(t, time.Second, config.Scheduler.InitialRetryDelay)
	assert.Zero(t, config.Scheduler.ChunkTimeout)
	assert.False(t, config.Analytics)
	assert.False(t, config.Verbose)
}

func TestNewConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv(ChunkSizeEnvKey, "8MiB")
	t.Setenv(ConcurrencyEnvKey, "4")
	t.Setenv(MaxRetriesEnvKey, "0")
	t.Setenv(RetryDelayEnvKey, "250ms")
	t.Setenv(ChunkTimeoutEnvKey, "2m")
	t.Setenv(StateDirEnvKey, "/var/lib/recupload")
	t.Setenv(StateBucketEnvKey, "snapshots")
	t.Setenv(StateRegionEnvKey, "eu-west-1")
	t.Setenv(AnalyticsEnvKey, "true")
	t.Setenv(VerboseEnvKey, "true")

	config, err := NewConfig(env.NewRepository())

	require.NoError(t, err)
	assert.Equal(t, int64(8*1024*1024), config.ChunkSize)
	assert.Equal(t, 4, config.Scheduler.Concurrency)
	assert.Equal(t, 0, config.Scheduler.MaxRetryPerChunk)
	assert.Equal(t, 250*time.Millisecond, config.Scheduler.InitialRetryDelay)
	assert.Equal(t, 2*time.Minute, config.Scheduler.ChunkTimeout)
	assert.Equal(t, "/var/lib/recupload", config.StateDir)
	assert.Equal(t, "snapshots", config.StateBucket)
	assert.Equal(t, "eu-west-1", config.StateRegion)
	assert.True(t, config.Analytics)
	assert.True(t, config.Verbose)
}

func TestNewConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing url",
			env:     map[string]string{AccessTokenEnvKey: "token"},
			wantErr: "the secret 'RECUPLOAD_API_URL' is not defined",
		},
		{
			name:    "missing token",
			env:     map[string]string{APIURLEnvKey: "https://example.com"},
			wantErr: "the secret 'RECUPLOAD_ACCESS_TOKEN' is not defined",
		},
		{
			name:    "bad chunk size",
			env:     map[string]string{APIURLEnvKey: "u", AccessTokenEnvKey: "t", ChunkSizeEnvKey: "lots"},
			wantErr: "invalid RECUPLOAD_CHUNK_SIZE",
		},
		{
			name:    "zero concurrency",
			env:     map[string]string{APIURLEnvKey: "u", AccessTokenEnvKey: "t", ConcurrencyEnvKey: "0"},
			wantErr: "invalid RECUPLOAD_CONCURRENCY: must be at least 1, got 0",
		},
		{
			name:    "bad delay",
			env:     map[string]string{APIURLEnvKey: "u", AccessTokenEnvKey: "t", RetryDelayEnvKey: "soon"},
			wantErr: "invalid RECUPLOAD_RETRY_DELAY",
		},
		{
			name:    "bucket without region",
			env:     map[string]string{APIURLEnvKey: "u", AccessTokenEnvKey: "t", StateBucketEnvKey: "b"},
			wantErr: "RECUPLOAD_STATE_REGION is required when RECUPLOAD_STATE_BUCKET is set",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{APIURLEnvKey, AccessTokenEnvKey} {
				t.Setenv(key, "")
			}
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			_, err := NewConfig(env.NewRepository())

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseChunkSize(t *testing.T) {
	tests := []struct {
		value   string
		want    int64
		wantErr bool
	}{
		{value: "5MiB", want: 5 * 1024 * 1024},
		{value: "512k", want: 512 * 1024},
		{value: "1048576", want: 1048576},
		{value: "0", wantErr: true},
		{value: "1g", wantErr: true},
		{value: "five", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := ParseChunkSize(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSecret_String(t *testing.T) {
	assert.Equal(t, "*****", Secret("token").String())
	assert.Equal(t, "", Secret("").String())
}
