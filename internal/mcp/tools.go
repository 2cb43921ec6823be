package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/sorami-ai/sorami/internal/ctxutil"
	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/service/optimizer"
	"github.com/sorami-ai/sorami/internal/storage"
)

func (s *Server) registerTools() {
	// sorami_list_datasets — uploaded datasets and their validation state.
	s.mcpServer.AddTool(
		mcplib.NewTool("sorami_list_datasets",
			mcplib.WithDescription(`List the datasets uploaded to this workspace.

WHEN TO USE: FIRST, to see what data is available before starting an
analysis. Each entry shows the validation status — only datasets with
status "validated" can be modeled.

WHAT YOU GET BACK: dataset id, filename, row count, date range, status,
and the column mapping (date column, target column, media channels).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListDatasets,
	)

	// sorami_validation_report — the detailed validation verdict.
	s.mcpServer.AddTool(
		mcplib.NewTool("sorami_validation_report",
			mcplib.WithDescription(`Get the validation report for a dataset.

WHEN TO USE: When a dataset has status "validation_error" and you need to
know what is wrong, or to review warnings before a model run.

WHAT YOU GET BACK: blocking errors, non-blocking warnings, suggestions,
and a data summary (row count, date range, detected frequency, totals per
media channel).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("dataset_id",
				mcplib.Description("UUID of the dataset"),
				mcplib.Required(),
			),
		),
		s.handleValidationReport,
	)

	// sorami_list_runs — model runs, optionally per dataset.
	s.mcpServer.AddTool(
		mcplib.NewTool("sorami_list_runs",
			mcplib.WithDescription(`List model runs in this workspace, newest first.

WHEN TO USE: To find a previous run, or to check what has already been
fitted against a dataset before starting another run.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("dataset_id",
				mcplib.Description("Optional: only list runs over this dataset"),
			),
		),
		s.handleListRuns,
	)

	// sorami_run_status — progress of one run.
	s.mcpServer.AddTool(
		mcplib.NewTool("sorami_run_status",
			mcplib.WithDescription(`Check the status and progress of a model run.

WHEN TO USE: After starting a run, poll this until status is "completed"
or "failed". A full Bayesian fit can take many minutes; quick mode is
usually done within a few.

WHAT YOU GET BACK: status (queued/preprocessing/building/fitting/
postprocessing/completed/failed), progress percent, and the error
message when the run failed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the model run"),
				mcplib.Required(),
			),
		),
		s.handleRunStatus,
	)

	// sorami_results — full unified results of a completed run.
	s.mcpServer.AddTool(
		mcplib.NewTool("sorami_results",
			mcplib.WithDescription(`Get the full results of a completed model run.

WHAT YOU GET BACK: fit diagnostics (R², R-hat, convergence), base sales,
per-channel contribution shares, ROAS with credible intervals, adstock
and saturation parameters, and response curves. Large payload — prefer
sorami_summary when you only need the narrative.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the completed model run"),
				mcplib.Required(),
			),
		),
		s.handleResults,
	)

	// sorami_summary — narrative summary of a completed run.
	s.mcpServer.AddTool(
		mcplib.NewTool("sorami_summary",
			mcplib.WithDescription(`Get the plain-language summary of a completed model run.

WHEN TO USE: To report findings to a user. The summary names the top
contributing channels, the best-ROAS channel, and the single most
important budget recommendation.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the completed model run"),
				mcplib.Required(),
			),
		),
		s.handleSummary,
	)

	// sorami_optimize_budget — allocate a budget over response curves.
	s.mcpServer.AddTool(
		mcplib.NewTool("sorami_optimize_budget",
			mcplib.WithDescription(`Optimize a weekly budget split across channels using a completed run's
response curves.

WHEN TO USE: After a run completes, to answer "how should we split
budget X across our channels?". Nothing is persisted; call it as often
as needed with different budgets.

WHAT YOU GET BACK: per-channel allocations summing to the total budget,
predicted contribution per channel, and the expected lift versus the
current spend split.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the completed model run"),
				mcplib.Required(),
			),
			mcplib.WithNumber("total_budget",
				mcplib.Description("Total weekly budget to allocate, in the dataset's currency"),
				mcplib.Required(),
				mcplib.Min(0),
			),
		),
		s.handleOptimizeBudget,
	)
}

func (s *Server) handleListDatasets(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, ok := workspaceFrom(ctx)
	if !ok {
		return errorResult("no workspace in context"), nil
	}

	datasets, err := s.db.ListDatasets(ctx, ws)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list datasets: %v", err)), nil
	}

	// Reports are large; the dedicated tool serves them.
	for i := range datasets {
		datasets[i].ValidationReport = nil
	}
	return jsonResult(map[string]any{
		"datasets": datasets,
		"total":    len(datasets),
	})
}

func (s *Server) handleValidationReport(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, ok := workspaceFrom(ctx)
	if !ok {
		return errorResult("no workspace in context"), nil
	}
	id, err := uuidArg(request, "dataset_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	ds, err := s.db.GetDataset(ctx, ws, id)
	if err != nil {
		return storageErrorResult("dataset", err), nil
	}
	if ds.ValidationReport == nil {
		return errorResult("dataset has not been validated yet"), nil
	}
	return jsonResult(ds.ValidationReport)
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, ok := workspaceFrom(ctx)
	if !ok {
		return errorResult("no workspace in context"), nil
	}

	var datasetID *uuid.UUID
	if raw := request.GetString("dataset_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("invalid dataset_id: " + raw), nil
		}
		datasetID = &id
	}

	runs, err := s.db.ListRuns(ctx, ws, datasetID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list runs: %v", err)), nil
	}

	// Strip the bulky results document from the listing.
	for i := range runs {
		runs[i].Results = nil
	}
	return jsonResult(map[string]any{
		"runs":  runs,
		"total": len(runs),
	})
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, result := s.loadRun(ctx, request)
	if result != nil {
		return result, nil
	}

	out := map[string]any{
		"run_id":   run.ID,
		"name":     run.Name,
		"status":   run.Status,
		"progress": run.Progress,
	}
	if run.ErrorMessage != nil {
		out["error_message"] = *run.ErrorMessage
	}
	if run.CompletedAt != nil {
		out["completed_at"] = *run.CompletedAt
	}
	return jsonResult(out)
}

func (s *Server) handleResults(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, result := s.loadCompletedRun(ctx, request)
	if result != nil {
		return result, nil
	}
	return jsonResult(run.Results)
}

func (s *Server) handleSummary(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, result := s.loadCompletedRun(ctx, request)
	if result != nil {
		return result, nil
	}
	return jsonResult(map[string]any{
		"summary":            run.Results.SummaryText,
		"top_recommendation": run.Results.TopRecommendation,
	})
}

func (s *Server) handleOptimizeBudget(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, result := s.loadCompletedRun(ctx, request)
	if result != nil {
		return result, nil
	}

	totalBudget := request.GetFloat("total_budget", 0)
	if totalBudget <= 0 {
		return errorResult("total_budget must be positive"), nil
	}

	opt := optimizer.New(s.logger)
	res, err := opt.Optimize(run.Results.ResponseCurves, totalBudget, nil, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("optimization failed: %v", err)), nil
	}
	return jsonResult(res)
}

// loadRun parses run_id and fetches the run. The second return value is
// non-nil when the caller should return it as the tool result.
func (s *Server) loadRun(ctx context.Context, request mcplib.CallToolRequest) (model.ModelRun, *mcplib.CallToolResult) {
	ws, ok := workspaceFrom(ctx)
	if !ok {
		return model.ModelRun{}, errorResult("no workspace in context")
	}
	id, err := uuidArg(request, "run_id")
	if err != nil {
		return model.ModelRun{}, errorResult(err.Error())
	}

	run, err := s.db.GetRun(ctx, ws, id)
	if err != nil {
		return model.ModelRun{}, storageErrorResult("run", err)
	}
	return run, nil
}

func (s *Server) loadCompletedRun(ctx context.Context, request mcplib.CallToolRequest) (model.ModelRun, *mcplib.CallToolResult) {
	run, result := s.loadRun(ctx, request)
	if result != nil {
		return model.ModelRun{}, result
	}
	if run.Status != model.RunStatusCompleted || run.Results == nil {
		return model.ModelRun{}, errorResult(
			fmt.Sprintf("run has no results yet (status: %s, progress: %d%%)", run.Status, run.Progress))
	}
	return run, nil
}

func workspaceFrom(ctx context.Context) (uuid.UUID, bool) {
	ws := ctxutil.WorkspaceIDFromContext(ctx)
	return ws, ws != uuid.Nil
}

func uuidArg(request mcplib.CallToolRequest, name string) (uuid.UUID, error) {
	raw := request.GetString(name, "")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func storageErrorResult(resource string, err error) *mcplib.CallToolResult {
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(resource + " not found")
	}
	return errorResult(fmt.Sprintf("failed to load %s: %v", resource, err))
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
