package chunkuploader

import "fmt"

// Chunk is one byte range [Start, End) of the source recording.
type Chunk struct {
	Index    int   `json:"index"`
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	Size     int64 `json:"size"`
	Uploaded bool  `json:"uploaded"`
	Retries  int   `json:"retries"`
}

// TotalChunks returns ceil(fileSize / chunkSize).
func TotalChunks(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// PlanChunks splits a file of fileSize bytes into contiguous chunks of chunkSize bytes.
// The last chunk holds the remainder.
func PlanChunks(fileSize, chunkSize int64) ([]*Chunk, error) {
	if fileSize <= 0 {
		return nil, fmt.Errorf("file size must be positive, got %d", fileSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	count := TotalChunks(fileSize, chunkSize)
	chunks := make([]*Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		chunks = append(chunks, &Chunk{
			Index: i,
			Start: start,
			End:   end,
			Size:  end - start,
		})
	}

	return chunks, nil
}
