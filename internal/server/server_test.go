package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorami-ai/sorami/internal/auth"
	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/objstore"
	"github.com/sorami-ai/sorami/internal/server"
	"github.com/sorami-ai/sorami/internal/storage"
	"github.com/sorami-ai/sorami/internal/testutil"
)

var (
	testSrv     *httptest.Server
	testDB      *storage.DB
	testStore   *objstore.Client
	testJWT     *auth.JWTManager
	testBroker  *server.Broker
	workspaceID uuid.UUID
	token       string
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())

	pg := testutil.MustStartPostgres()
	mn := testutil.MustStartMinIO()

	fail := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
		cancel()
		pg.Terminate()
		mn.Terminate()
		os.Exit(1)
	}

	db, err := pg.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fail("failed to create test DB: %v", err)
	}
	testDB = db

	store, err := objstore.New(mn.Endpoint, mn.AccessKey, mn.SecretKey, "sorami-test", false)
	if err == nil {
		err = store.EnsureBucket(ctx)
	}
	if err != nil {
		fail("failed to create objstore: %v", err)
	}
	testStore = store

	// Ephemeral key pair: empty paths make the manager generate one.
	testJWT, err = auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fail("failed to create JWT manager: %v", err)
	}

	workspaceID = uuid.New()
	token, _, err = testJWT.IssueToken(workspaceID)
	if err != nil {
		fail("failed to issue token: %v", err)
	}

	testBroker = server.NewBroker(testDB, testutil.TestLogger())
	go testBroker.Start(ctx)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Store:               testStore,
		JWTMgr:              testJWT,
		Broker:              testBroker,
		Logger:              testutil.TestLogger(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		MaxUploadBytes:      8 << 20,
		RunMaxAttempts:      2,
		OpenAPISpec:         []byte("openapi: 3.0.3\n"),
	})
	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	cancel()
	testDB.Close(context.Background())
	pg.Terminate()
	mn.Terminate()
	os.Exit(code)
}

// doJSON performs an authenticated request with an optional JSON body and
// decodes the response envelope's data field into out.
func doJSON(t *testing.T, method, path string, body, out any) int {
	t.Helper()

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		require.NoError(t, json.Unmarshal(envelope.Data, out))
	}
	return resp.StatusCode
}

func weeklyCSV(weeks int) []byte {
	var b strings.Builder
	b.WriteString("week,revenue,tv_spend,search_spend,promo\n")
	start := time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)
	for i := range weeks {
		date := start.AddDate(0, 0, 7*i)
		tv := 900.0 + 40.0*float64(i%6)
		search := 400.0 + 25.0*float64(i%4)
		promo := i % 2
		revenue := 8000.0 + 2.1*tv + 1.4*search + 300.0*float64(promo)
		fmt.Fprintf(&b, "%s,%.2f,%.2f,%.2f,%d\n", date.Format("2006-01-02"), revenue, tv, search, promo)
	}
	return []byte(b.String())
}

// uploadCSV posts a multipart upload and returns the decoded response.
func uploadCSV(t *testing.T, filename string, data []byte) (model.UploadResponse, int) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, testSrv.URL+"/v1/datasets", &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var upload model.UploadResponse
	if resp.StatusCode == http.StatusCreated {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		require.NoError(t, json.Unmarshal(envelope.Data, &upload))
	}
	return upload, resp.StatusCode
}

// validatedDataset uploads and validates a dataset, returning its ID.
func validatedDataset(t *testing.T) uuid.UUID {
	t.Helper()

	upload, status := uploadCSV(t, "spend.csv", weeklyCSV(30))
	require.Equal(t, http.StatusCreated, status)
	require.NotNil(t, upload.AutoMapping, "detector should find week+revenue")

	var report model.ValidationReport
	status = doJSON(t, http.MethodPost, "/v1/datasets/"+upload.DatasetID.String()+"/validate", nil, &report)
	require.Equal(t, http.StatusOK, status)
	require.True(t, report.IsValid, "errors: %+v", report.Errors)
	return upload.DatasetID
}

func TestHealthNoAuth(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "healthy", envelope.Data.Status)
	assert.Equal(t, "connected", envelope.Data.Postgres)
	assert.Equal(t, "connected", envelope.Data.ObjectStore)
	assert.Equal(t, "running", envelope.Data.SSEBroker)
}

func TestOpenAPISpecNoAuth(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
}

func TestAuthRequired(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/v1/datasets")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var envelope model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, model.ErrCodeUnauthorized, envelope.Error.Code)
	assert.NotEmpty(t, envelope.Meta.RequestID)
}

func TestWorkspaceIsolation(t *testing.T) {
	upload, status := uploadCSV(t, "spend.csv", weeklyCSV(20))
	require.Equal(t, http.StatusCreated, status)

	otherToken, _, err := testJWT.IssueToken(uuid.New())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, testSrv.URL+"/v1/datasets/"+upload.DatasetID.String(), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadDetectsColumns(t *testing.T) {
	upload, status := uploadCSV(t, "spend.csv", weeklyCSV(20))
	require.Equal(t, http.StatusCreated, status)

	assert.Equal(t, "spend.csv", upload.Filename)
	assert.Equal(t, 20, upload.RowCount)
	assert.Len(t, upload.Columns, 5)
	assert.Len(t, upload.PreviewRows, 5)

	require.NotNil(t, upload.AutoMapping)
	assert.Equal(t, "week", upload.AutoMapping.DateColumn)
	assert.Equal(t, "revenue", upload.AutoMapping.TargetColumn)
	assert.Contains(t, upload.AutoMapping.MediaColumns, "tv_spend")
	assert.Contains(t, upload.AutoMapping.MediaColumns, "search_spend")
}

func TestUploadRejectsBadCSV(t *testing.T) {
	_, status := uploadCSV(t, "bad.csv", []byte("a,b\n1,2,3\n"))
	assert.Equal(t, http.StatusBadRequest, status)

	_, status = uploadCSV(t, "notes.txt", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMappingUpdateResetsStatus(t *testing.T) {
	id := validatedDataset(t)

	var ds model.Dataset
	status := doJSON(t, http.MethodGet, "/v1/datasets/"+id.String(), nil, &ds)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, model.DatasetStatusValidated, ds.Status)

	update := model.UpdateMappingRequest{ColumnMapping: model.ColumnMapping{
		DateColumn:   "week",
		TargetColumn: "revenue",
		MediaColumns: map[string]model.MediaColumnConfig{
			"tv_spend": {ChannelName: "TV", SpendType: model.SpendTypeSpend},
		},
	}}
	status = doJSON(t, http.MethodPut, "/v1/datasets/"+id.String()+"/mapping", update, &ds)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.DatasetStatusPending, ds.Status)
}

func TestMappingRejectsUnknownSpendType(t *testing.T) {
	id := validatedDataset(t)

	update := model.UpdateMappingRequest{ColumnMapping: model.ColumnMapping{
		DateColumn:   "week",
		TargetColumn: "revenue",
		MediaColumns: map[string]model.MediaColumnConfig{
			"tv_spend": {ChannelName: "TV", SpendType: "eyeballs"},
		},
	}}
	status := doJSON(t, http.MethodPut, "/v1/datasets/"+id.String()+"/mapping", update, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCreateRunRequiresValidatedDataset(t *testing.T) {
	upload, status := uploadCSV(t, "spend.csv", weeklyCSV(20))
	require.Equal(t, http.StatusCreated, status)

	req := model.CreateRunRequest{DatasetID: upload.DatasetID}
	status = doJSON(t, http.MethodPost, "/v1/runs", req, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCreateRunAppliesQuickModeDefaults(t *testing.T) {
	id := validatedDataset(t)

	var run model.ModelRun
	status := doJSON(t, http.MethodPost, "/v1/runs", model.CreateRunRequest{DatasetID: id}, &run)
	require.Equal(t, http.StatusCreated, status)

	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.Equal(t, model.RunModeQuick, run.Config.Mode)
	assert.Equal(t, model.AdstockGeometric, run.Config.AdstockType)
	assert.Equal(t, model.SaturationLogistic, run.Config.SaturationType)
	assert.Equal(t, 500, run.Config.NSamples)
	assert.Equal(t, 2, run.Config.NChains)
	assert.InDelta(t, 0.9, run.Config.TargetAccept, 1e-9)
	assert.True(t, run.Config.YearlySeasonality)
}

func TestCreateRunRejectsBadConfig(t *testing.T) {
	id := validatedDataset(t)

	status := doJSON(t, http.MethodPost, "/v1/runs", model.CreateRunRequest{
		DatasetID: id, AdstockType: "exponential",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = doJSON(t, http.MethodPost, "/v1/runs", model.CreateRunRequest{
		DatasetID: id, TargetAccept: 1.5,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestResultsUnavailableBeforeCompletion(t *testing.T) {
	id := validatedDataset(t)

	var run model.ModelRun
	status := doJSON(t, http.MethodPost, "/v1/runs", model.CreateRunRequest{DatasetID: id}, &run)
	require.Equal(t, http.StatusCreated, status)

	status = doJSON(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/results", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status = doJSON(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/summary", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListRunsFiltersByDataset(t *testing.T) {
	idA := validatedDataset(t)
	idB := validatedDataset(t)

	var run model.ModelRun
	require.Equal(t, http.StatusCreated,
		doJSON(t, http.MethodPost, "/v1/runs", model.CreateRunRequest{DatasetID: idA}, &run))
	require.Equal(t, http.StatusCreated,
		doJSON(t, http.MethodPost, "/v1/runs", model.CreateRunRequest{DatasetID: idB}, &run))

	var runs []model.ModelRun
	status := doJSON(t, http.MethodGet, "/v1/runs?dataset_id="+idA.String(), nil, &runs)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, runs, 1)
	assert.Equal(t, idA, runs[0].DatasetID)
}

// completedResults builds a minimal valid results document for marking a
// run completed directly in storage.
func completedResults() model.UnifiedResults {
	return model.UnifiedResults{
		Diagnostics: model.Diagnostics{
			RSquared: 0.9, RHatMax: 1.01, ConvergenceStatus: model.ConvergenceGood,
		},
		BaseSales: model.BaseSales{WeeklyMean: 5000, ShareOfTotal: 0.6},
		ChannelResults: []model.ChannelResult{
			{Channel: "TV", ContributionShare: 0.25, WeeklyContributionMean: 2000},
			{Channel: "Search", ContributionShare: 0.15, WeeklyContributionMean: 1200},
		},
		SummaryText:       "TV drives the largest share of incremental revenue.",
		TopRecommendation: "Shift budget toward Search.",
		ResponseCurves: map[string]model.ResponseCurve{
			"TV": {
				SpendLevels:           []float64{0, 500, 1000, 1500, 2000},
				PredictedContribution: []float64{0, 1200, 2000, 2500, 2800},
				CurrentSpend:          1000,
				CurrentContribution:   2000,
			},
			"Search": {
				SpendLevels:           []float64{0, 250, 500, 750, 1000},
				PredictedContribution: []float64{0, 700, 1200, 1500, 1650},
				CurrentSpend:          500,
				CurrentContribution:   1200,
			},
		},
	}
}

// completedRun creates a run and force-completes it through storage.
func completedRun(t *testing.T) model.ModelRun {
	t.Helper()
	ctx := context.Background()

	id := validatedDataset(t)
	var run model.ModelRun
	require.Equal(t, http.StatusCreated,
		doJSON(t, http.MethodPost, "/v1/runs", model.CreateRunRequest{DatasetID: id}, &run))

	require.NoError(t, testDB.MarkRunCompleted(ctx, run.ID, completedResults(), nil))
	require.NoError(t, testDB.CompleteRunJob(ctx, run.ID))

	var got model.ModelRun
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, "/v1/runs/"+run.ID.String(), nil, &got))
	return got
}

func TestResultsAndSummaryForCompletedRun(t *testing.T) {
	run := completedRun(t)

	var results model.UnifiedResults
	status := doJSON(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/results", nil, &results)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, results.ChannelResults, 2)
	assert.Equal(t, model.ConvergenceGood, results.Diagnostics.ConvergenceStatus)

	var summary model.SummaryResponse
	status = doJSON(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/summary", nil, &summary)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, summary.Summary, "TV")
}

func TestOptimizeBudget(t *testing.T) {
	run := completedRun(t)

	var result model.OptimizationResult
	status := doJSON(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/optimize",
		model.OptimizeBudgetRequest{TotalBudget: 2000}, &result)
	require.Equal(t, http.StatusOK, status)

	require.Len(t, result.Allocations, 2)
	total := 0.0
	for _, v := range result.Allocations {
		assert.GreaterOrEqual(t, v, 0.0)
		total += v
	}
	assert.InDelta(t, 2000, total, 1.0)
	assert.Greater(t, result.TotalPredictedContribution, 0.0)

	// Zero budget is rejected before the allocator runs.
	status = doJSON(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/optimize",
		model.OptimizeBudgetRequest{TotalBudget: 0}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeleteRunAndDataset(t *testing.T) {
	run := completedRun(t)

	status := doJSON(t, http.MethodDelete, "/v1/runs/"+run.ID.String(), nil, nil)
	require.Equal(t, http.StatusNoContent, status)
	status = doJSON(t, http.MethodGet, "/v1/runs/"+run.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status = doJSON(t, http.MethodDelete, "/v1/datasets/"+run.DatasetID.String(), nil, nil)
	require.Equal(t, http.StatusNoContent, status)
	status = doJSON(t, http.MethodGet, "/v1/datasets/"+run.DatasetID.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	Name string
	Data model.ProgressEvent
}

// readSSE consumes events from an open SSE stream until the body closes
// or maxEvents arrive.
func readSSE(t *testing.T, body io.Reader, maxEvents int) []sseEvent {
	t.Helper()

	var events []sseEvent
	var name string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev model.ProgressEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			events = append(events, sseEvent{Name: name, Data: ev})
			if len(events) >= maxEvents {
				return events
			}
		}
	}
	return events
}

func TestEventsImmediateTerminal(t *testing.T) {
	run := completedRun(t)

	req, err := http.NewRequest(http.MethodGet, testSrv.URL+"/v1/runs/"+run.ID.String()+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Exactly one terminal event, then the server closes the stream.
	events := readSSE(t, resp.Body, 10)
	require.Len(t, events, 1)
	assert.Equal(t, "progress", events[0].Name)
	assert.Equal(t, string(model.RunStatusCompleted), events[0].Data.Status)
	assert.Equal(t, model.StageDone, events[0].Data.Stage)
}

func TestEventsStreamLiveProgress(t *testing.T) {
	ctx := context.Background()

	id := validatedDataset(t)
	var run model.ModelRun
	require.Equal(t, http.StatusCreated,
		doJSON(t, http.MethodPost, "/v1/runs", model.CreateRunRequest{DatasetID: id}, &run))

	req, err := http.NewRequest(http.MethodGet, testSrv.URL+"/v1/runs/"+run.ID.String()+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(300 * time.Millisecond)

	publish := func(ev model.ProgressEvent) {
		require.NoError(t, testDB.NotifyRunProgress(ctx, run.ID, ev))
	}
	publish(model.ProgressEvent{Status: "preprocessing", Progress: 10, Message: "Loading data...", Stage: model.StagePreprocessing})
	publish(model.ProgressEvent{Status: "fitting", Progress: 50, Message: "Sampling...", Stage: model.StageFitting})
	publish(model.ProgressEvent{Status: "completed", Progress: 100, Message: "Model complete!", Stage: model.StageDone})

	events := readSSE(t, resp.Body, 3)
	require.Len(t, events, 3)
	assert.Equal(t, model.StagePreprocessing, events[0].Data.Stage)
	assert.Equal(t, 10, events[0].Data.Progress)
	assert.Equal(t, model.StageFitting, events[1].Data.Stage)
	assert.Equal(t, model.StageDone, events[2].Data.Stage)
	assert.Equal(t, 100, events[2].Data.Progress)

	// Terminal event ends the stream: the body reaches EOF.
	extra := readSSE(t, resp.Body, 1)
	assert.Empty(t, extra)

	require.NoError(t, testDB.CompleteRunJob(ctx, run.ID))
}
