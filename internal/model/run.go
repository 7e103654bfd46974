package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// RunKind names the capability invocation a run executes.
type RunKind string

const (
	RunKindExtract RunKind = "extract"
	RunKindReview  RunKind = "review"
)

// ErrorCategory classifies a run failure for retry decisions.
type ErrorCategory string

const (
	ErrorCategoryTransient ErrorCategory = "transient"
	ErrorCategoryPermanent ErrorCategory = "permanent"
)

// Error types surfaced in RunError.ErrorType.
const (
	ErrorTypeRetrievalProvider = "RetrievalProviderError"
	ErrorTypeExtractionParse   = "ExtractionParseError"
	ErrorTypeExtractionSchema  = "ExtractionSchemaError"
	ErrorTypeCancelled         = "Cancelled"
	ErrorTypeInternal          = "InternalError"
)

// RunError is the structured failure payload persisted with a failed run.
type RunError struct {
	ErrorType        string        `json:"error_type"`
	Message          string        `json:"message"`
	Category         ErrorCategory `json:"category,omitempty"`
	ValidationErrors []string      `json:"validation_errors,omitempty"`
	RawOutputSnippet string        `json:"raw_output_snippet,omitempty"`
	Stage            string        `json:"stage,omitempty"`
}

// Run is a tracked asynchronous unit of work.
type Run struct {
	ID        string          `json:"run_id"`
	ProjectID string          `json:"project_id"`
	Kind      RunKind         `json:"kind"`
	Status    RunStatus       `json:"status"`
	Progress  int             `json:"progress"`
	Request   json.RawMessage `json:"request,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RunError       `json:"error,omitempty"`
	WorkerID  string          `json:"worker_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RunView is the client-facing status of a run. It never carries the raw
// LLM output snippet.
type RunView struct {
	RunID     string          `json:"run_id"`
	Status    RunStatus       `json:"status"`
	Progress  int             `json:"progress"`
	ErrorType string          `json:"error_type,omitempty"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// View returns the client-facing projection of r.
func (r *Run) View() RunView {
	v := RunView{
		RunID:    r.ID,
		Status:   r.Status,
		Progress: r.Progress,
		Result:   r.Result,
	}
	if r.Error != nil {
		v.ErrorType = r.Error.ErrorType
		v.Message = r.Error.Message
	}
	return v
}
