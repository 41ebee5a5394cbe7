package chunkuploader

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileChunkProvider(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "recording.m4a")

	testData := make([]byte, 100)
	for i := range testData {
		testData[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(testFile, testData, 0644))

	provider, err := NewFileChunkProvider(testFile)
	require.NoError(t, err)
	defer provider.Close()

	require.Equal(t, int64(100), provider.Size())

	// 30+30+30+10 = 100
	chunks, err := PlanChunks(provider.Size(), 30)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	// Read in parallel and in reverse order: sections must not share an offset.
	parts := make([][]byte, len(chunks))
	var wg sync.WaitGroup
	for i := len(chunks) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reader, err := provider.Reader(*chunks[i])
			if err != nil {
				t.Errorf("Reader(%d) error: %v", i, err)
				return
			}
			data, err := io.ReadAll(reader)
			if err != nil {
				t.Errorf("ReadAll(%d) error: %v", i, err)
				return
			}
			parts[i] = data
		}(i)
	}
	wg.Wait()

	var readData []byte
	for i, part := range parts {
		require.Len(t, part, int(chunks[i].Size))
		readData = append(readData, part...)
	}
	require.Equal(t, testData, readData)

	// Readers can be re-read for retries.
	reader, err := provider.Reader(*chunks[3])
	require.NoError(t, err)
	_, err = io.ReadAll(reader)
	require.NoError(t, err)
	_, err = reader.Seek(0, io.SeekStart)
	require.NoError(t, err)
	again, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, testData[90:], again)

	_, err = provider.Reader(Chunk{Index: 9, Start: 95, End: 125, Size: 30})
	require.Error(t, err)
}

func TestNewFileChunkProvider_MissingFile(t *testing.T) {
	_, err := NewFileChunkProvider(filepath.Join(t.TempDir(), "missing.m4a"))
	require.Error(t, err)
}

func TestBytesChunkProvider(t *testing.T) {
	provider := NewBytesChunkProvider([]byte("first-second-third"))

	reader, err := provider.Reader(Chunk{Index: 1, Start: 6, End: 12, Size: 6})
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	_, err = provider.Reader(Chunk{Index: 2, Start: 13, End: 23, Size: 10})
	require.Error(t, err)
}
