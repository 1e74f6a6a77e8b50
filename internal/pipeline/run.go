package pipeline

import (
	"time"

	"github.com/MikeSquared-Agency/minutes/internal/apperr"
	"github.com/MikeSquared-Agency/minutes/internal/cleanup"
)

// Step names, in execution order.
const (
	StepResolveRoom       = "resolve_room"
	StepMerge             = "merge"
	StepTranscribe        = "transcribe"
	StepPersistTranscript = "persist_transcript"
	StepSummarize         = "summarize"
	StepPersistSummary    = "persist_summary"
	StepNotify            = "notify"
)

// StepResult is the outcome of one pipeline stage.
type StepResult struct {
	Name         string         `json:"name"`
	Success      bool           `json:"success"`
	Detail       map[string]any `json:"detail,omitempty"`
	Error        string         `json:"error,omitempty"`
	FallbackUsed bool           `json:"fallback_used,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

// Run is the immutable record of one pipeline execution. Success is true iff
// merge, transcribe and persist-transcript all succeeded.
type Run struct {
	RunID           string          `json:"run_id"`
	RoomID          string          `json:"room_id"`
	RoomNo          *int64          `json:"room_no,omitempty"`
	Steps           []StepResult    `json:"steps"`
	Success         bool            `json:"success"`
	AISummaryFailed bool            `json:"ai_summary_failed"`
	Error           string          `json:"error,omitempty"`
	ErrorCode       apperr.Code     `json:"error_code,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	Elapsed         time.Duration   `json:"-"`
	ElapsedMs       int64           `json:"elapsed_ms"`
	Cleanup         *cleanup.Report `json:"cleanup,omitempty"`
}

// Step returns the result of the named step, if it ran.
func (r *Run) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// FailedStep returns the first step that failed without a fallback, or ""
// when the failure happened outside a step.
func (r *Run) FailedStep() string {
	for _, s := range r.Steps {
		if !s.Success && !s.FallbackUsed {
			return s.Name
		}
	}
	return ""
}

func (r *Run) fail(err error) {
	r.Success = false
	r.Error = err.Error()
	r.ErrorCode = apperr.Classify(err)
}
