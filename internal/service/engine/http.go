package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/tabular"
)

// fitPollInterval is how often the client polls the sidecar for fit
// progress.
const fitPollInterval = time.Second

// HTTPEngine drives a model fit on an external modeling sidecar over
// its session API. Data preparation happens locally; the prepared
// series are uploaded once and all heavy computation runs remotely.
// Short calls share a 30 second client timeout, and the long fit phase
// is a start-then-poll loop bounded by the caller's context.
type HTTPEngine struct {
	baseURL    string
	cfg        model.RunConfig
	httpClient *http.Client
	sessionID  string
}

// NewHTTPEngine creates a client for the modeling sidecar at baseURL.
func NewHTTPEngine(baseURL string, cfg model.RunConfig) *HTTPEngine {
	if baseURL == "" {
		baseURL = "http://localhost:8600"
	}
	return &HTTPEngine{
		baseURL: baseURL,
		cfg:     cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type sidecarSessionRequest struct {
	Config model.RunConfig `json:"config"`
}

type sidecarSessionResponse struct {
	SessionID string `json:"session_id"`
}

type sidecarDataset struct {
	DateColumn     string               `json:"date_column"`
	TargetColumn   string               `json:"target_column"`
	MediaColumns   []string             `json:"media_columns"`
	ControlColumns []string             `json:"control_columns"`
	Dates          []string             `json:"dates"`
	Target         []float64            `json:"target"`
	Media          map[string][]float64 `json:"media"`
	Controls       map[string][]float64 `json:"controls"`
}

type sidecarProgress struct {
	State   string `json:"state"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Prepare cleans the table locally, opens a sidecar session and uploads
// the prepared series.
func (e *HTTPEngine) Prepare(ctx context.Context, tbl *tabular.Table, mapping model.ColumnMapping) (*PreparedData, error) {
	data, err := prepareData(tbl, mapping)
	if err != nil {
		return nil, err
	}

	var session sidecarSessionResponse
	if err := e.postJSON(ctx, "/v1/sessions", sidecarSessionRequest{Config: e.cfg}, &session); err != nil {
		return nil, fmt.Errorf("engine: create session: %w", err)
	}
	if session.SessionID == "" {
		return nil, fmt.Errorf("engine: sidecar returned empty session id")
	}
	e.sessionID = session.SessionID

	payload := sidecarDataset{
		DateColumn:     data.DateColumn,
		TargetColumn:   data.TargetColumn,
		MediaColumns:   data.MediaColumns,
		ControlColumns: data.ControlColumns,
		Dates:          make([]string, len(data.Dates)),
		Target:         data.Target,
		Media:          data.Media,
		Controls:       data.Controls,
	}
	for i, d := range data.Dates {
		payload.Dates[i] = d.Format(time.RFC3339)
	}
	if err := e.postJSON(ctx, "/v1/sessions/"+e.sessionID+"/data", payload, nil); err != nil {
		return nil, fmt.Errorf("engine: upload dataset: %w", err)
	}

	return data, nil
}

// Build constructs the model specification on the sidecar.
func (e *HTTPEngine) Build(ctx context.Context, _ *PreparedData) error {
	if e.sessionID == "" {
		return fmt.Errorf("engine: session not initialized")
	}
	if err := e.postJSON(ctx, "/v1/sessions/"+e.sessionID+"/build", struct{}{}, nil); err != nil {
		return fmt.Errorf("engine: build model: %w", err)
	}
	return nil
}

// Fit starts sampling on the sidecar and polls for progress until the
// fit completes, fails, or the context is canceled. Each distinct
// progress report is forwarded to the callback.
func (e *HTTPEngine) Fit(ctx context.Context, _ *PreparedData, progress ProgressFunc) error {
	if e.sessionID == "" {
		return fmt.Errorf("engine: session not initialized")
	}
	if progress == nil {
		progress = func(int, string) {}
	}

	if err := e.postJSON(ctx, "/v1/sessions/"+e.sessionID+"/fit", struct{}{}, nil); err != nil {
		return fmt.Errorf("engine: start fit: %w", err)
	}

	ticker := time.NewTicker(fitPollInterval)
	defer ticker.Stop()

	lastPercent, lastMessage := -1, ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var p sidecarProgress
		if err := e.getJSON(ctx, "/v1/sessions/"+e.sessionID+"/progress", &p); err != nil {
			return fmt.Errorf("engine: poll progress: %w", err)
		}

		if p.Percent != lastPercent || p.Message != lastMessage {
			lastPercent, lastMessage = p.Percent, p.Message
			progress(p.Percent, p.Message)
		}

		switch p.State {
		case "completed":
			return nil
		case "failed":
			if p.Error == "" {
				p.Error = "sampling failed"
			}
			return fmt.Errorf("engine: sidecar fit failed: %s", p.Error)
		}
	}
}

// Extract downloads posterior summaries from the sidecar. Decay curves
// are derived locally when the sidecar omits them.
func (e *HTTPEngine) Extract(ctx context.Context) (*model.EngineResults, error) {
	if e.sessionID == "" {
		return nil, fmt.Errorf("engine: session not initialized")
	}

	var results model.EngineResults
	if err := e.getJSON(ctx, "/v1/sessions/"+e.sessionID+"/results", &results); err != nil {
		return nil, fmt.Errorf("engine: download results: %w", err)
	}
	if len(results.AdstockDecayCurves) == 0 && len(results.AdstockParams) > 0 {
		results.AdstockDecayCurves = adstockDecayCurves(results.AdstockParams, decayCurveWeeks)
	}
	return &results, nil
}

// ResponseCurves downloads per-channel response curves.
func (e *HTTPEngine) ResponseCurves(ctx context.Context, points int) (map[string]model.ResponseCurve, error) {
	if e.sessionID == "" {
		return nil, fmt.Errorf("engine: session not initialized")
	}
	if points <= 0 {
		points = 50
	}

	curves := make(map[string]model.ResponseCurve)
	path := fmt.Sprintf("/v1/sessions/%s/curves?points=%d", e.sessionID, points)
	if err := e.getJSON(ctx, path, &curves); err != nil {
		return nil, fmt.Errorf("engine: download response curves: %w", err)
	}
	return curves, nil
}

// Serialize downloads the fitted model artifact.
func (e *HTTPEngine) Serialize(ctx context.Context) ([]byte, error) {
	if e.sessionID == "" {
		return nil, fmt.Errorf("engine: session not initialized")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/v1/sessions/"+e.sessionID+"/artifact", nil)
	if err != nil {
		return nil, fmt.Errorf("engine: create artifact request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine: download artifact: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("engine: download artifact: status %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

func (e *HTTPEngine) postJSON(ctx context.Context, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return e.do(req, out)
}

func (e *HTTPEngine) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return e.do(req, out)
}

func (e *HTTPEngine) do(req *http.Request, out any) error {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
