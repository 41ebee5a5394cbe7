package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// ChunkProvider gives access to the bytes of a planned chunk.
// Implementations must be safe for concurrent use; Reader may be called again for retries.
type ChunkProvider interface {
	Reader(chunk Chunk) (io.ReadSeeker, error)
}

// FileChunkProvider reads chunks lazily from a file on disk.
// Every reader is an independent section of the file, so parallel reads never share an offset.
type FileChunkProvider struct {
	file *os.File
	size int64
}

// NewFileChunkProvider opens the recording at path.
func NewFileChunkProvider(path string) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileChunkProvider{
		file: file,
		size: info.Size(),
	}, nil
}

// Size returns the size of the file at open time.
func (p *FileChunkProvider) Size() int64 {
	return p.size
}

// Reader returns a reader over exactly chunk.Size bytes starting at chunk.Start.
func (p *FileChunkProvider) Reader(chunk Chunk) (io.ReadSeeker, error) {
	if chunk.Start < 0 || chunk.Size <= 0 || chunk.Start+chunk.Size > p.size {
		return nil, fmt.Errorf("chunk %d range [%d, %d) outside of file (%d bytes)", chunk.Index, chunk.Start, chunk.Start+chunk.Size, p.size)
	}
	return io.NewSectionReader(p.file, chunk.Start, chunk.Size), nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// BytesChunkProvider serves chunks from an in-memory buffer.
type BytesChunkProvider struct {
	data []byte
}

// NewBytesChunkProvider creates a ChunkProvider over data.
func NewBytesChunkProvider(data []byte) *BytesChunkProvider {
	return &BytesChunkProvider{data: data}
}

// Reader returns a reader over the chunk's byte range.
func (p *BytesChunkProvider) Reader(chunk Chunk) (io.ReadSeeker, error) {
	end := chunk.Start + chunk.Size
	if chunk.Start < 0 || end > int64(len(p.data)) {
		return nil, fmt.Errorf("chunk %d range [%d, %d) out of range [0, %d)", chunk.Index, chunk.Start, end, len(p.data))
	}
	return bytes.NewReader(p.data[chunk.Start:end]), nil
}
