package sorami

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Sorami server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is the workspace-scoped bearer token.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used. Note that the default
	// timeout also bounds WatchRun streams; pass a client without a
	// Timeout to watch long fits.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Sorami marketing mix modeling API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or Token is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sorami: BaseURL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("sorami: Token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// ---------------------------------------------------------------------------
// Datasets
// ---------------------------------------------------------------------------

// UploadDataset uploads a CSV file and returns the column profile and
// auto-detected mapping. The filename must end in ".csv".
func (c *Client) UploadDataset(ctx context.Context, filename string, data io.Reader) (*UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("sorami: create multipart form: %w", err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return nil, fmt.Errorf("sorami: read upload data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("sorami: finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/datasets", &buf)
	if err != nil {
		return nil, fmt.Errorf("sorami: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp UploadResult
	if err := c.doRequest(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDatasets returns all datasets in the workspace, newest first.
func (c *Client) ListDatasets(ctx context.Context) ([]Dataset, error) {
	var resp []Dataset
	if err := c.get(ctx, "/v1/datasets", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetDataset retrieves a dataset with its mapping and last validation
// report.
func (c *Client) GetDataset(ctx context.Context, datasetID uuid.UUID) (*Dataset, error) {
	var resp Dataset
	if err := c.get(ctx, "/v1/datasets/"+datasetID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateMapping replaces the column mapping. The dataset drops back to
// "pending"; call ValidateDataset afterwards.
func (c *Client) UpdateMapping(ctx context.Context, datasetID uuid.UUID, mapping ColumnMapping) (*Dataset, error) {
	body := map[string]any{"column_mapping": mapping}
	var resp Dataset
	if err := c.put(ctx, "/v1/datasets/"+datasetID.String()+"/mapping", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateDataset runs the validation battery against the stored mapping
// and returns the report. The dataset moves to "validated" or
// "validation_error".
func (c *Client) ValidateDataset(ctx context.Context, datasetID uuid.UUID) (*ValidationReport, error) {
	var resp ValidationReport
	if err := c.post(ctx, "/v1/datasets/"+datasetID.String()+"/validate", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteDataset removes a dataset and its stored objects.
func (c *Client) DeleteDataset(ctx context.Context, datasetID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/datasets/"+datasetID.String())
}

// ---------------------------------------------------------------------------
// Model runs
// ---------------------------------------------------------------------------

// CreateRun queues an asynchronous model fit over a validated dataset.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*ModelRun, error) {
	var resp ModelRun
	if err := c.post(ctx, "/v1/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns returns all runs in the workspace, newest first. A non-nil
// datasetID restricts the listing to that dataset.
func (c *Client) ListRuns(ctx context.Context, datasetID *uuid.UUID) ([]ModelRun, error) {
	path := "/v1/runs"
	if datasetID != nil {
		params := url.Values{}
		params.Set("dataset_id", datasetID.String())
		path += "?" + params.Encode()
	}
	var resp []ModelRun
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRun retrieves a run with its status, progress, and config.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*ModelRun, error) {
	var resp ModelRun
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Results retrieves the full results of a completed run. The server
// returns 400 until the run completes.
func (c *Client) Results(ctx context.Context, runID uuid.UUID) (*Results, error) {
	var resp Results
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/results", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Summary retrieves the plain-language summary of a completed run.
func (c *Client) Summary(ctx context.Context, runID uuid.UUID) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/summary", &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

// OptimizeBudget allocates a budget across channels using the run's
// response curves. Stateless; nothing is persisted server-side.
func (c *Client) OptimizeBudget(ctx context.Context, runID uuid.UUID, req OptimizeBudgetRequest) (*OptimizationResult, error) {
	var resp OptimizationResult
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/optimize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteRun removes a run and its stored artifacts.
func (c *Client) DeleteRun(ctx context.Context, runID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/runs/"+runID.String())
}

// WatchRun streams progress events for a run over SSE, invoking fn for
// each event until the run reaches a terminal state, fn returns an error,
// or ctx is cancelled. For runs that already finished, fn is invoked
// exactly once with the final state.
//
// The underlying HTTP client's Timeout bounds the whole stream; pass a
// client without one in Config.HTTPClient when watching full fits.
func (c *Client) WatchRun(ctx context.Context, runID uuid.UUID, fn func(ProgressEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+runID.String()+"/events", nil)
	if err != nil {
		return fmt.Errorf("sorami: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sorami: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			// Keepalive pings carry no progress payload.
			if eventName != "progress" {
				continue
			}
			var ev ProgressEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				return fmt.Errorf("sorami: decode progress event: %w", err)
			}
			if err := fn(ev); err != nil {
				return err
			}
		case line == "":
			eventName = ""
		}
	}
	if err := scanner.Err(); err != nil {
		// Context cancellation surfaces as a read error on the body.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("sorami: read event stream: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health checks the server's health status. This endpoint does not
// require authentication and works even with invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("sorami: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sorami: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var health HealthStatus
	if err := handleResponse(resp, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sorami: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("sorami: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sorami: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("sorami: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("sorami: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("sorami: create request: %w", err)
	}

	return c.doRequest(req, nil)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sorami: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sorami: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("sorami: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
