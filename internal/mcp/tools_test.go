package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/sorami-ai/sorami/internal/auth"
	"github.com/sorami-ai/sorami/internal/ctxutil"
	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/storage"
	"github.com/sorami-ai/sorami/internal/testutil"
)

var (
	testDB     *storage.DB
	testServer *Server
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	testServer = New(testDB, logger, "test")

	return m.Run()
}

// workspaceCtx returns a context carrying claims for a fresh workspace.
func workspaceCtx(workspaceID uuid.UUID) context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{
		WorkspaceID: workspaceID,
	})
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func weeklyMapping() model.ColumnMapping {
	return model.ColumnMapping{
		DateColumn:   "week",
		TargetColumn: "revenue",
		MediaColumns: map[string]model.MediaColumnConfig{
			"tv_spend":     {ChannelName: "TV", SpendType: model.SpendTypeSpend},
			"search_spend": {ChannelName: "Search", SpendType: model.SpendTypeSpend},
		},
	}
}

func createDataset(t *testing.T, workspaceID uuid.UUID) model.Dataset {
	t.Helper()
	mapping := weeklyMapping()
	ds, err := testDB.CreateDataset(context.Background(), workspaceID, "spend.csv",
		fmt.Sprintf("datasets/%s/%s/spend.csv", workspaceID, uuid.New()), &mapping)
	require.NoError(t, err)
	return ds
}

func validatedDataset(t *testing.T, workspaceID uuid.UUID) model.Dataset {
	t.Helper()
	ctx := context.Background()
	ds := createDataset(t, workspaceID)
	report := model.ValidationReport{
		IsValid: true,
		Warnings: []model.ValidationItem{
			{Code: "SHORT_HISTORY", Message: "Only 30 weeks of data; 52+ recommended"},
		},
		DataSummary: model.DataSummary{
			RowCount:          30,
			Frequency:         "weekly",
			MediaChannelCount: 2,
			TotalMediaSpend:   60000,
		},
	}
	require.NoError(t, testDB.SetDatasetValidation(ctx, workspaceID, ds.ID, report, model.DatasetStatusValidated))
	got, err := testDB.GetDataset(ctx, workspaceID, ds.ID)
	require.NoError(t, err)
	return got
}

func quickConfig() model.RunConfig {
	return model.RunConfig{
		AdstockType:    model.AdstockGeometric,
		SaturationType: model.SaturationLogistic,
		NSamples:       500,
		NChains:        2,
		TargetAccept:   0.9,
		Mode:           model.RunModeQuick,
	}
}

func createRun(t *testing.T, workspaceID uuid.UUID) model.ModelRun {
	t.Helper()
	ds := validatedDataset(t, workspaceID)
	run, err := testDB.CreateRun(context.Background(), workspaceID, ds.ID, "Model Run", quickConfig())
	require.NoError(t, err)
	return run
}

func linearCurve(current, slope float64) model.ResponseCurve {
	curve := model.ResponseCurve{
		CurrentSpend:        current,
		CurrentContribution: current * slope,
	}
	for i := 0; i <= 20; i++ {
		spend := current * 2 * float64(i) / 20
		curve.SpendLevels = append(curve.SpendLevels, spend)
		curve.PredictedContribution = append(curve.PredictedContribution, spend*slope)
	}
	return curve
}

func completedRun(t *testing.T, workspaceID uuid.UUID) model.ModelRun {
	t.Helper()
	ctx := context.Background()
	run := createRun(t, workspaceID)
	results := model.UnifiedResults{
		Diagnostics: model.Diagnostics{
			RSquared:          0.87,
			RHatMax:           1.004,
			ConvergenceStatus: model.ConvergenceGood,
		},
		SummaryText:       "TV drives the largest share of incremental revenue.",
		TopRecommendation: "Shift budget from Search to TV.",
		ResponseCurves: map[string]model.ResponseCurve{
			"TV":     linearCurve(1000, 3.0),
			"Search": linearCurve(1000, 1.5),
		},
	}
	require.NoError(t, testDB.MarkRunCompleted(ctx, run.ID, results, nil))
	require.NoError(t, testDB.CompleteRunJob(ctx, run.ID))
	got, err := testDB.GetRun(ctx, workspaceID, run.ID)
	require.NoError(t, err)
	return got
}

func TestHandleListDatasets(t *testing.T) {
	ws := uuid.New()
	validatedDataset(t, ws)
	createDataset(t, ws)

	result, err := testServer.handleListDatasets(workspaceCtx(ws), toolRequest("sorami_list_datasets", nil))
	require.NoError(t, err)
	require.False(t, result.IsError, "list should succeed: %s", parseToolText(t, result))

	var resp struct {
		Datasets []model.Dataset `json:"datasets"`
		Total    int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, 2, resp.Total)
	for _, ds := range resp.Datasets {
		assert.Nil(t, ds.ValidationReport, "listing should not carry full reports")
	}
}

func TestHandleListDatasets_WorkspaceIsolation(t *testing.T) {
	ws := uuid.New()
	validatedDataset(t, ws)

	result, err := testServer.handleListDatasets(workspaceCtx(uuid.New()), toolRequest("sorami_list_datasets", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, 0, resp.Total)
}

func TestHandleListDatasets_NoClaims(t *testing.T) {
	result, err := testServer.handleListDatasets(context.Background(), toolRequest("sorami_list_datasets", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "no workspace")
}

func TestHandleValidationReport(t *testing.T) {
	ws := uuid.New()
	ds := validatedDataset(t, ws)

	result, err := testServer.handleValidationReport(workspaceCtx(ws), toolRequest("sorami_validation_report", map[string]any{
		"dataset_id": ds.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "report should succeed: %s", parseToolText(t, result))

	var report model.ValidationReport
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &report))
	assert.True(t, report.IsValid)
	assert.Len(t, report.Warnings, 1)
	assert.Equal(t, 30, report.DataSummary.RowCount)
}

func TestHandleValidationReport_NotValidated(t *testing.T) {
	ws := uuid.New()
	ds := createDataset(t, ws)

	result, err := testServer.handleValidationReport(workspaceCtx(ws), toolRequest("sorami_validation_report", map[string]any{
		"dataset_id": ds.ID.String(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not been validated")
}

func TestHandleValidationReport_BadArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		errText string
	}{
		{"missing id", nil, "dataset_id is required"},
		{"malformed id", map[string]any{"dataset_id": "not-a-uuid"}, "invalid dataset_id"},
		{"unknown id", map[string]any{"dataset_id": uuid.New().String()}, "dataset not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := testServer.handleValidationReport(workspaceCtx(uuid.New()),
				toolRequest("sorami_validation_report", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.errText)
		})
	}
}

func TestHandleListRuns(t *testing.T) {
	ws := uuid.New()
	run := createRun(t, ws)
	createRun(t, ws)

	result, err := testServer.handleListRuns(workspaceCtx(ws), toolRequest("sorami_list_runs", nil))
	require.NoError(t, err)
	require.False(t, result.IsError, "list should succeed: %s", parseToolText(t, result))

	var resp struct {
		Runs  []model.ModelRun `json:"runs"`
		Total int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, 2, resp.Total)

	// Filtered by dataset.
	result, err = testServer.handleListRuns(workspaceCtx(ws), toolRequest("sorami_list_runs", map[string]any{
		"dataset_id": run.DatasetID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, run.ID, resp.Runs[0].ID)
}

func TestHandleListRuns_InvalidFilter(t *testing.T) {
	result, err := testServer.handleListRuns(workspaceCtx(uuid.New()), toolRequest("sorami_list_runs", map[string]any{
		"dataset_id": "bogus",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "invalid dataset_id")
}

func TestHandleRunStatus(t *testing.T) {
	ws := uuid.New()
	run := createRun(t, ws)

	result, err := testServer.handleRunStatus(workspaceCtx(ws), toolRequest("sorami_run_status", map[string]any{
		"run_id": run.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "status should succeed: %s", parseToolText(t, result))

	var resp struct {
		Status   model.RunStatus `json:"status"`
		Progress int             `json:"progress"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, model.RunStatusQueued, resp.Status)
	assert.Equal(t, 0, resp.Progress)
}

func TestHandleRunStatus_OtherWorkspace(t *testing.T) {
	run := createRun(t, uuid.New())

	result, err := testServer.handleRunStatus(workspaceCtx(uuid.New()), toolRequest("sorami_run_status", map[string]any{
		"run_id": run.ID.String(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "run not found")
}

func TestHandleResults(t *testing.T) {
	ws := uuid.New()
	run := completedRun(t, ws)

	result, err := testServer.handleResults(workspaceCtx(ws), toolRequest("sorami_results", map[string]any{
		"run_id": run.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "results should succeed: %s", parseToolText(t, result))

	var results model.UnifiedResults
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &results))
	assert.InDelta(t, 0.87, results.Diagnostics.RSquared, 1e-9)
	assert.Len(t, results.ResponseCurves, 2)
}

func TestHandleResults_NotCompleted(t *testing.T) {
	ws := uuid.New()
	run := createRun(t, ws)

	result, err := testServer.handleResults(workspaceCtx(ws), toolRequest("sorami_results", map[string]any{
		"run_id": run.ID.String(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "no results yet")
	assert.Contains(t, parseToolText(t, result), "queued")
}

func TestHandleSummary(t *testing.T) {
	ws := uuid.New()
	run := completedRun(t, ws)

	result, err := testServer.handleSummary(workspaceCtx(ws), toolRequest("sorami_summary", map[string]any{
		"run_id": run.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "summary should succeed: %s", parseToolText(t, result))

	var resp struct {
		Summary           string `json:"summary"`
		TopRecommendation string `json:"top_recommendation"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Contains(t, resp.Summary, "TV")
	assert.NotEmpty(t, resp.TopRecommendation)
}

func TestHandleOptimizeBudget(t *testing.T) {
	ws := uuid.New()
	run := completedRun(t, ws)

	result, err := testServer.handleOptimizeBudget(workspaceCtx(ws), toolRequest("sorami_optimize_budget", map[string]any{
		"run_id":       run.ID.String(),
		"total_budget": 2000.0,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "optimize should succeed: %s", parseToolText(t, result))

	var res model.OptimizationResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &res))
	var total float64
	for _, v := range res.Allocations {
		total += v
	}
	assert.InDelta(t, 2000.0, total, 1.0)
	// TV has twice the marginal return, so it should get at least half.
	assert.GreaterOrEqual(t, res.Allocations["TV"], res.Allocations["Search"])
}

func TestHandleOptimizeBudget_BadBudget(t *testing.T) {
	ws := uuid.New()
	run := completedRun(t, ws)

	for _, budget := range []any{0.0, -100.0} {
		result, err := testServer.handleOptimizeBudget(workspaceCtx(ws), toolRequest("sorami_optimize_budget", map[string]any{
			"run_id":       run.ID.String(),
			"total_budget": budget,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, parseToolText(t, result), "total_budget must be positive")
	}
}
