package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	value := []byte("value")
	require.NoError(t, store.Put(ctx, "b_key", value))
	require.NoError(t, store.Put(ctx, "a_key", []byte("other")))

	value[0] = 'X'
	got, err := store.Get(ctx, "b_key")
	require.NoError(t, err)
	assert.Equal(t, "value", string(got), "stored values must not alias the caller's slice")

	keys, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_key", "b_key"}, keys)

	keys, err = store.List(ctx, "b_")
	require.NoError(t, err)
	assert.Equal(t, []string{"b_key"}, keys)

	require.NoError(t, store.Delete(ctx, "b_key"))
	_, err = store.Get(ctx, "b_key")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, store.Put(ctx, "bad key", nil))
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{key: "recording_upload_session_0b7c-11", wantErr: false},
		{key: "a.b-c_d", wantErr: false},
		{key: "", wantErr: true},
		{key: "a/b", wantErr: true},
		{key: "a b", wantErr: true},
		{key: string(make([]byte, 256)), wantErr: true},
	}
	for _, tt := range tests {
		err := ValidateKey(tt.key)
		if tt.wantErr {
			assert.Error(t, err, tt.key)
		} else {
			assert.NoError(t, err, tt.key)
		}
	}
}
