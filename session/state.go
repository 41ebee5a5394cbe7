package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medrec-io/go-recupload/chunkuploader"
)

// StateVersion is the version of the snapshot format written by EncodeState.
const StateVersion = 1

const stateKeyPrefix = "recording_upload_session_"

var (
	// ErrUnsupportedStateVersion is returned when a snapshot was written in an unknown format.
	ErrUnsupportedStateVersion = errors.New("unsupported session state version")
	// ErrSnapshotNotFound is returned when no snapshot is stored for a session.
	ErrSnapshotNotFound = errors.New("session snapshot not found")
)

// Context identifies the recording an upload belongs to.
// It is opaque to the uploader and forwarded to the service as request headers.
type Context struct {
	FilePath       string `json:"file_path"`
	FileName       string `json:"file_name,omitempty"`
	EncounterID    string `json:"encounter_id,omitempty"`
	PatientID      string `json:"patient_id,omitempty"`
	PractitionerID string `json:"practitioner_id,omitempty"`
	Sequence       int    `json:"sequence,omitempty"`
}

// State is the client side view of one open session.
type State struct {
	Version        int                    `json:"version"`
	SessionID      string                 `json:"session_id"`
	Context        Context                `json:"context"`
	FileSize       int64                  `json:"file_size"`
	TotalChunks    int                    `json:"total_chunks"`
	ChunksUploaded int                    `json:"chunks_uploaded"`
	Chunks         []*chunkuploader.Chunk `json:"chunks"`
	CreatedAt      time.Time              `json:"created_at"`
}

// StateKey returns the store key of the snapshot of a session.
// The id is issued by the service and may hold any character, so it is stored URL-safe base64 encoded.
func StateKey(sessionID string) string {
	return stateKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(sessionID))
}

// sessionIDFromKey reverses StateKey.
func sessionIDFromKey(key string) (string, bool) {
	encoded, ok := strings.CutPrefix(key, stateKeyPrefix)
	if !ok || encoded == "" {
		return "", false
	}
	id, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return string(id), true
}

// EncodeState serializes a snapshot.
func EncodeState(state *State) ([]byte, error) {
	if state.Version == 0 {
		state.Version = StateVersion
	}
	if state.Version != StateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedStateVersion, state.Version)
	}
	return json.Marshal(state)
}

// DecodeState parses a snapshot, rejecting formats it does not know.
func DecodeState(data []byte) (*State, error) {
	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	if header.Version != StateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedStateVersion, header.Version)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	if state.SessionID == "" {
		return nil, fmt.Errorf("decode session state: missing session id")
	}
	if state.TotalChunks != len(state.Chunks) {
		return nil, fmt.Errorf("decode session state: %d chunks listed, %d expected", len(state.Chunks), state.TotalChunks)
	}
	return &state, nil
}
