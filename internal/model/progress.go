package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Stage labels carried on progress events. Stages mostly mirror run
// statuses; done and error mark the final event of a stream.
const (
	StageQueued         = "queued"
	StagePreprocessing  = "preprocessing"
	StageBuilding       = "building"
	StageFitting        = "fitting"
	StagePostprocessing = "postprocessing"
	StageDone           = "done"
	StageError          = "error"
)

// TerminalStage reports whether a progress event with this stage closes
// the stream. The status values are included so a final event synthesized
// from the run record terminates the same way.
func TerminalStage(stage string) bool {
	switch stage {
	case StageDone, StageError, string(RunStatusCompleted), string(RunStatusFailed):
		return true
	}
	return false
}

// ProgressEvent is one progress update for a run, published to the run's
// broadcast channel and forwarded verbatim to streaming clients.
type ProgressEvent struct {
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Message    string `json:"message"`
	Stage      string `json:"stage"`
	ETASeconds *int   `json:"eta_seconds,omitempty"`
}

// RunProgressNotification is the envelope published on the shared
// Postgres notify channel. The broker routes on RunID and hands
// subscribers the inner event only.
type RunProgressNotification struct {
	RunID uuid.UUID     `json:"run_id"`
	Event ProgressEvent `json:"event"`
}

// EncodeRunProgress serializes the notification envelope for pg_notify.
func EncodeRunProgress(runID uuid.UUID, ev ProgressEvent) (string, error) {
	b, err := json.Marshal(RunProgressNotification{RunID: runID, Event: ev})
	if err != nil {
		return "", fmt.Errorf("model: encode run progress: %w", err)
	}
	return string(b), nil
}

// DecodeRunProgress parses a notification payload produced by
// EncodeRunProgress.
func DecodeRunProgress(payload []byte) (RunProgressNotification, error) {
	var n RunProgressNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return RunProgressNotification{}, fmt.Errorf("model: decode run progress: %w", err)
	}
	if n.RunID == uuid.Nil {
		return RunProgressNotification{}, fmt.Errorf("model: decode run progress: missing run_id")
	}
	return n, nil
}
