package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	headerPatientID      = "X-Patient-ID"
	headerPractitionerID = "X-Practitioner-ID"
	headerEncounterID    = "X-Encounter-ID"
	headerSequence       = "X-Sequence-Number"
	headerChunkIndex     = "X-Chunk-Index"
)

type createSessionRequest struct {
	ExpectedChunks          int    `json:"expected_chunks"`
	MaxChunkDurationSeconds int    `json:"max_chunk_duration_seconds"`
	FileName                string `json:"file_name,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// CompleteResponse is returned by the service once a session was finalized into a recording.
type CompleteResponse struct {
	RecordingID string `json:"recording_id"`
	Message     string `json:"message"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// StatusResponse describes the server side view of a session.
type StatusResponse struct {
	ChunksReceived int    `json:"chunks_received"`
	ExpectedChunks int    `json:"expected_chunks"`
	Status         string `json:"status"`
}

// HTTPError is returned when the session service answers with an unexpected status code.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

type apiClient struct {
	httpClient    *retryablehttp.Client
	// singleAttempt sends the calls that are unsafe to repeat: create and complete.
	singleAttempt *retryablehttp.Client
	baseURL       string
	accessToken   string
	logger        log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) apiClient {
	return apiClient{
		httpClient:    client,
		singleAttempt: singleAttemptClient(client),
		baseURL:       baseURL,
		accessToken:   accessToken,
		logger:        logger,
	}
}

// singleAttemptClient shares the transport and logging of client but never retries.
func singleAttemptClient(client *retryablehttp.Client) *retryablehttp.Client {
	single := retryablehttp.NewClient()
	single.HTTPClient = client.HTTPClient
	single.Logger = client.Logger
	single.RequestLogHook = client.RequestLogHook
	single.ResponseLogHook = client.ResponseLogHook
	single.RetryMax = 0
	single.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return single
}

func (c apiClient) sessionURL(sessionID string, action string) string {
	u := fmt.Sprintf("%s/recording-sessions/%s", c.baseURL, url.PathEscape(sessionID))
	if action != "" {
		u += "/" + action
	}
	return u
}

func (c apiClient) setHeaders(header http.Header, sc Context) {
	header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	if sc.PatientID != "" {
		header.Set(headerPatientID, sc.PatientID)
	}
	if sc.PractitionerID != "" {
		header.Set(headerPractitionerID, sc.PractitionerID)
	}
	if sc.EncounterID != "" {
		header.Set(headerEncounterID, sc.EncounterID)
	}
	if sc.Sequence > 0 {
		header.Set(headerSequence, strconv.Itoa(sc.Sequence))
	}
}

func (c apiClient) createSession(ctx context.Context, sc Context, requestBody createSessionRequest) (createSessionResponse, error) {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return createSessionResponse{}, err
	}

	var response createSessionResponse
	err = c.doJSON(ctx, c.singleAttempt, http.MethodPost, fmt.Sprintf("%s/recording-sessions", c.baseURL), sc, body, &response,
		http.StatusOK, http.StatusCreated)
	if err != nil {
		return createSessionResponse{}, err
	}
	if response.SessionID == "" {
		return createSessionResponse{}, fmt.Errorf("session service returned an empty session id")
	}

	return response, nil
}

func (c apiClient) completeSession(ctx context.Context, sessionID string, sc Context) (CompleteResponse, error) {
	var response CompleteResponse
	err := c.doJSON(ctx, c.singleAttempt, http.MethodPost, c.sessionURL(sessionID, "complete"), sc, nil, &response, http.StatusOK)
	if err != nil {
		return CompleteResponse{}, err
	}

	return response, nil
}

func (c apiClient) cancelSession(ctx context.Context, sessionID string, sc Context) (cancelResponse, error) {
	var response cancelResponse
	err := c.doJSON(ctx, c.httpClient, http.MethodPost, c.sessionURL(sessionID, "cancel"), sc, nil, &response,
		http.StatusOK, http.StatusNoContent)
	if err != nil {
		return cancelResponse{}, err
	}

	return response, nil
}

func (c apiClient) status(ctx context.Context, sessionID string, sc Context) (StatusResponse, error) {
	var response StatusResponse
	err := c.doJSON(ctx, c.httpClient, http.MethodGet, c.sessionURL(sessionID, "status"), sc, nil, &response, http.StatusOK)
	if err != nil {
		return StatusResponse{}, err
	}

	return response, nil
}

func (c apiClient) doJSON(ctx context.Context, client *retryablehttp.Client, method, endpoint string, sc Context, body []byte, response interface{}, expected ...int) error {
	var reqBody interface{}
	if body != nil {
		reqBody = body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	c.setHeaders(req.Header, sc)
	if body != nil {
		req.Header.Set("Content-type", "application/json")
	}

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Warnf("close response body: %s", err)
		}
	}(resp.Body)

	if !statusIn(resp.StatusCode, expected) {
		return unwrapError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debugf("Response: HTTP %d %s", resp.StatusCode, string(respBody))

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func statusIn(code int, expected []int) bool {
	for _, e := range expected {
		if code == e {
			return true
		}
	}
	return false
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(errorResp))}
}
