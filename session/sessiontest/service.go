// Package sessiontest provides an in-process fake of the recording session service.
package sessiontest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// ChunkResponder decides the status code returned for a chunk upload.
// attempt counts the uploads of the same chunk, starting at 1.
type ChunkResponder func(index, attempt int) int

// Session is the server side record of one session.
type Session struct {
	ID                      string
	ExpectedChunks          int
	MaxChunkDurationSeconds int
	FileName                string
	Header                  http.Header
	Chunks                  map[int][]byte
	Attempts                map[int]int
	Completed               bool
	CompleteCalls           int
	Cancelled               bool
	CancelCalls             int
}

// Service is a fake session service backed by an httptest.Server.
type Service struct {
	Token string

	// CreateStatus overrides the status code of session creation when non-zero.
	CreateStatus int
	// CreateFailures is the number of first creations answered with 503
	// after the session was already opened on the server.
	CreateFailures int
	// CompleteStatus overrides the status code of session completion when non-zero.
	CompleteStatus int
	// CancelStatus overrides the status code of session cancellation when non-zero.
	CancelStatus int
	// ChunkResponder is consulted for every chunk upload when set.
	ChunkResponder ChunkResponder
	// ChunkDelay is slept before answering a chunk upload.
	ChunkDelay time.Duration

	server *httptest.Server

	mu          sync.Mutex
	sessions    map[string]*Session
	nextID      int
	createCalls int
	inFlight    int
	maxInFlight int
}

// New starts a fake service that is shut down when the test ends.
func New(t testing.TB) *Service {
	s := &Service{
		Token:    "test-token",
		sessions: map[string]*Session{},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.server.Close)
	return s
}

// URL is the base URL of the service.
func (s *Service) URL() string {
	return s.server.URL
}

// Session returns a copy of the session record with the given id.
func (s *Service) Session(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	c := *session
	c.Chunks = make(map[int][]byte, len(session.Chunks))
	for k, v := range session.Chunks {
		c.Chunks[k] = v
	}
	c.Attempts = make(map[int]int, len(session.Attempts))
	for k, v := range session.Attempts {
		c.Attempts[k] = v
	}
	return c, true
}

// SessionIDs returns the ids of every session created so far.
func (s *Service) SessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for i := 1; i <= s.nextID; i++ {
		id := sessionID(i)
		if _, ok := s.sessions[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// CreateCalls returns the number of session creation requests received.
func (s *Service) CreateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

// MaxInFlight returns the highest number of concurrent chunk uploads seen.
func (s *Service) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

func sessionID(n int) string {
	return fmt.Sprintf("sess-%04d", n)
}

func (s *Service) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.Token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] != "recording-sessions" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodPost:
		s.create(w, r)
	case len(parts) == 3 && parts[2] == "chunks" && r.Method == http.MethodPut:
		s.chunk(w, r, parts[1])
	case len(parts) == 3 && parts[2] == "complete" && r.Method == http.MethodPost:
		s.complete(w, parts[1])
	case len(parts) == 3 && parts[2] == "cancel" && r.Method == http.MethodPost:
		s.cancel(w, parts[1])
	case len(parts) == 3 && parts[2] == "status" && r.Method == http.MethodGet:
		s.status(w, parts[1])
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (s *Service) create(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ExpectedChunks          int    `json:"expected_chunks"`
		MaxChunkDurationSeconds int    `json:"max_chunk_duration_seconds"`
		FileName                string `json:"file_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.ExpectedChunks <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.createCalls++
	if s.CreateStatus != 0 {
		writeJSON(w, s.CreateStatus, map[string]string{"error": "session creation rejected"})
		return
	}

	s.nextID++
	id := sessionID(s.nextID)
	s.sessions[id] = &Session{
		ID:                      id,
		ExpectedChunks:          request.ExpectedChunks,
		MaxChunkDurationSeconds: request.MaxChunkDurationSeconds,
		FileName:                request.FileName,
		Header:                  r.Header.Clone(),
		Chunks:                  map[int][]byte{},
		Attempts:                map[int]int{},
	}
	if s.createCalls <= s.CreateFailures {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id, "status": "open"})
}

func (s *Service) chunk(w http.ResponseWriter, r *http.Request, id string) {
	index, err := strconv.Atoi(r.Header.Get("X-Chunk-Index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing chunk index"})
		return
	}

	s.mu.Lock()
	session, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	session.Attempts[index]++
	attempt := session.Attempts[index]
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	responder := s.ChunkResponder
	delay := s.ChunkDelay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	code := http.StatusOK
	if responder != nil {
		code = responder(index, attempt)
	}
	if code < 200 || code > 299 {
		writeJSON(w, code, map[string]string{"error": fmt.Sprintf("chunk %d rejected", index)})
		return
	}

	s.mu.Lock()
	session.Chunks[index] = body
	s.mu.Unlock()
	writeJSON(w, code, map[string]bool{"received": true})
}

func (s *Service) complete(w http.ResponseWriter, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	session.CompleteCalls++

	if s.CompleteStatus != 0 {
		writeJSON(w, s.CompleteStatus, map[string]string{"error": "completion rejected"})
		return
	}
	if len(session.Chunks) != session.ExpectedChunks {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("received %d of %d chunks", len(session.Chunks), session.ExpectedChunks),
		})
		return
	}

	session.Completed = true
	writeJSON(w, http.StatusOK, map[string]string{"recording_id": "rec-" + id, "message": "recording stored"})
}

func (s *Service) cancel(w http.ResponseWriter, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	session.CancelCalls++

	if s.CancelStatus != 0 {
		writeJSON(w, s.CancelStatus, map[string]string{"error": "cancel rejected"})
		return
	}
	session.Cancelled = true
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Service) status(w http.ResponseWriter, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}

	status := "open"
	switch {
	case session.Completed:
		status = "completed"
	case session.Cancelled:
		status = "cancelled"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chunks_received": len(session.Chunks),
		"expected_chunks": session.ExpectedChunks,
		"status":          status,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
