package core

import (
	"context"
	"fmt"
	"time"

	"github.com/querypilot/querypilot/internal/capability"
	"github.com/querypilot/querypilot/internal/schema"
)

// AnalysisRequest is a user question about a dataset.
type AnalysisRequest struct {
	ID          string                 `json:"id"`
	SessionID   string                 `json:"session_id"`
	UserID      string                 `json:"user_id"`
	Text        string                 `json:"text"`
	DatasetRef  string                 `json:"dataset_ref"`
	Context     map[string]interface{} `json:"context,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// StepOutcome pairs a plan step with what happened to it.
type StepOutcome struct {
	StepID     string            `json:"step_id"`
	Capability string            `json:"capability_name"`
	Result     capability.Result `json:"result"`
}

// AnalysisAnswer is the final product of one request.
type AnalysisAnswer struct {
	SessionID      string        `json:"session_id"`
	Answer         string        `json:"answer"`
	Steps          []StepOutcome `json:"steps"`
	ProcessingTime time.Duration `json:"processing_time"`
	Cost           float64       `json:"cost"`
	CreatedAt      time.Time     `json:"created_at"`
}

// PlanStep is one unit of work in an execution plan.
type PlanStep struct {
	ID          string   `json:"id"`
	Capability  string   `json:"capability_name"`
	Instruction string   `json:"instruction"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// ExecutionPlan is the planner's output: steps plus optional direct answer.
// A plan with DirectAnswer set and no steps means the question needs no
// capability work.
type ExecutionPlan struct {
	Steps        []PlanStep `json:"steps"`
	DirectAnswer string     `json:"direct_answer,omitempty"`
	Reasoning    string     `json:"reasoning,omitempty"`
}

// PlanValidationError is fatal: the request ends without executing anything.
type PlanValidationError struct {
	Reason string
}

func (e *PlanValidationError) Error() string {
	return "plan validation failed: " + e.Reason
}

// ServiceError marks a transient provider failure. Call sites retry such
// failures once before giving up.
type ServiceError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s provider error (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Transient reports whether a retry could plausibly succeed.
func (e *ServiceError) Transient() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// ModelInfo represents information about an LLM model
type ModelInfo struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	MaxTokens       int      `json:"max_tokens"`
	CostPer1KInput  float64  `json:"cost_per_1k_input"`
	CostPer1KOutput float64  `json:"cost_per_1k_output"`
	Capabilities    []string `json:"capabilities"`
	Description     string   `json:"description"`
}

// LLMProvider is the interface for LLM backends
type LLMProvider interface {
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)
	GetAvailableModels() []string
	GetModelInfo(model string) (ModelInfo, error)
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// SchemaProvider resolves a dataset reference to its schema context.
type SchemaProvider interface {
	DatasetContext(ctx context.Context, datasetRef string) (schema.Context, error)
}

// ConversationStore persists sessions and their messages.
type ConversationStore interface {
	EnsureSession(ctx context.Context, sessionID, userID, title string) error
	SaveMessage(ctx context.Context, sessionID, role, content string, metadata map[string]interface{}) error
}
