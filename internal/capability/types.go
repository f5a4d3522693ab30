package capability

import (
	"context"
	"time"

	"github.com/querypilot/querypilot/internal/schema"
)

// Descriptor is the self-describing card a capability registers with. The
// planner sees the catalog of descriptors and nothing else, so the
// description and schemas are the whole interface between planner and
// capability.
type Descriptor struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	WorkTypes    []string               `json:"work_types"`
	InputSchema  map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
}

// TaskEnvelope is the uniform input every capability receives.
type TaskEnvelope struct {
	SessionID    string                 `json:"session_id"`
	Instruction  string                 `json:"instruction"`
	DatasetRef   string                 `json:"dataset_ref"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Schema       schema.Context         `json:"schema"`
	PriorResults []PriorResult          `json:"prior_results,omitempty"`
}

// PriorResult carries the output of an already-completed plan step into the
// envelopes of the steps that depend on it.
type PriorResult struct {
	Capability  string                 `json:"capability_name"`
	Instruction string                 `json:"instruction"`
	Result      map[string]interface{} `json:"result"`
}

// Status is the terminal state of a capability invocation.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// QueryRecord is one query a capability ran, kept for transparency.
type QueryRecord struct {
	Purpose string `json:"purpose,omitempty"`
	Query   string `json:"query_text"`
}

// Metrics summarizes an invocation for telemetry and the result payload.
type Metrics struct {
	Duration time.Duration `json:"duration_ns"`
	RowCount int           `json:"row_count"`
}

// Result is the uniform output every capability returns.
type Result struct {
	Status     Status                 `json:"status"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	QueriesRun []QueryRecord          `json:"queries_run,omitempty"`
	Metrics    Metrics                `json:"metrics"`
	Error      string                 `json:"error,omitempty"`
}

// Executor is the execution side of a capability. Implementations emit
// their own transparency events and honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, envelope TaskEnvelope) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, envelope TaskEnvelope) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, envelope TaskEnvelope) (Result, error) {
	return f(ctx, envelope)
}
