package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"

	"hdr-transcoder/pkg/models"
)

// ErrDisabled is returned by every call when no orchestrator is configured.
var ErrDisabled = errors.New("orchestrator reporting disabled")

// Options configure an OrchestratorClient.
type Options struct {
	BaseURL  string
	WorkerID string
	// RetryMax, RetryWaitMin and RetryWaitMax tune retries; zero keeps the
	// defaults of 3 retries between 1s and 5s.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       hclog.Logger
}

type OrchestratorClient struct {
	baseURL    string
	workerID   string
	httpClient *http.Client
	log        hclog.Logger
}

// NewOrchestratorClient creates an HTTP client with retries.
func NewOrchestratorClient(opts Options) *OrchestratorClient {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("orchestrator")

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 5 * time.Second
	if opts.RetryMax > 0 {
		retryClient.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = opts.RetryWaitMax
	}
	retryClient.Logger = retryablehttp.LeveledLogger(logger)

	return &OrchestratorClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		workerID:   opts.WorkerID,
		httpClient: retryClient.StandardClient(),
		log:        logger,
	}
}

// Enabled reports whether an orchestrator URL is configured.
func (c *OrchestratorClient) Enabled() bool { return c != nil && c.baseURL != "" }

// doRequest is the core HTTP request handler with error interception
func (c *OrchestratorClient) doRequest(ctx context.Context, method, path string, payload interface{}, response interface{}) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	url := fmt.Sprintf("%s%s", c.baseURL, path)

	var body io.Reader
	if payload != nil {
		jsonBytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Worker-ID", c.workerID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// 404: the orchestrator lost this worker's state and needs a re-registration.
	if resp.StatusCode == http.StatusNotFound {
		return &OrchestratorStateError{StatusCode: resp.StatusCode}
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("API returned error status: %d", resp.StatusCode)
	}

	if response != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(response); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// OrchestratorStateError indicates the orchestrator lost worker state
type OrchestratorStateError struct {
	StatusCode int
}

func (e *OrchestratorStateError) Error() string {
	return fmt.Sprintf("orchestrator state error: status %d", e.StatusCode)
}

// IsStateLost reports whether err asks for a re-registration.
func IsStateLost(err error) bool {
	var se *OrchestratorStateError
	return errors.As(err, &se)
}

// ===== Worker Registration =====

// Register declares the worker's capabilities to the orchestrator.
// Called once on startup and again whenever the orchestrator lost state.
func (c *OrchestratorClient) Register(ctx context.Context, capabilities models.WorkerCapabilities) error {
	payload := models.RegistrationPayload{
		WorkerID:     c.workerID,
		Capabilities: capabilities,
	}

	c.log.Info("registering worker", "url", c.baseURL)
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/workers/register", payload, nil); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	c.log.Info("worker registered", "worker", c.workerID)
	return nil
}

// ===== Worker Sync (Heartbeat + Job Assignment) =====

// Sync sends worker state and receives a potential job assignment.
func (c *OrchestratorClient) Sync(ctx context.Context, payload models.SyncPayload) (*models.SyncResponse, error) {
	var syncResp models.SyncResponse

	payload.WorkerID = c.workerID
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/workers/sync", payload, &syncResp)
	if err != nil {
		if IsStateLost(err) {
			return nil, err
		}
		return nil, fmt.Errorf("sync failed: %w", err)
	}

	return &syncResp, nil
}

// ===== Job Status Updates =====

// UpdateJobStatus reports transcoding progress
func (c *OrchestratorClient) UpdateJobStatus(ctx context.Context, jobID string, payload models.JobStatusPayload) error {
	payload.WorkerID = c.workerID
	path := fmt.Sprintf("/api/v1/jobs/%s", jobID)
	return c.doRequest(ctx, http.MethodPatch, path, payload, nil)
}

// FinalizeJob reports job completion or failure
func (c *OrchestratorClient) FinalizeJob(ctx context.Context, jobID string, payload models.JobResultPayload) error {
	path := fmt.Sprintf("/api/v1/jobs/%s/finalize", jobID)
	return c.doRequest(ctx, http.MethodPost, path, payload, nil)
}
