package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/querypilot/querypilot/config"
	"github.com/querypilot/querypilot/internal/agent/telemetry"
	"github.com/querypilot/querypilot/internal/capability"
	"github.com/querypilot/querypilot/internal/schema"
)

// Planner turns a user question plus the capability catalog into an
// execution plan
type Planner struct {
	config      *config.Config
	llmProvider LLMProvider
	telemetry   *telemetry.Telemetry
	logger      *log.Logger
}

// NewPlanner creates a new planner instance
func NewPlanner(cfg *config.Config, llmProvider LLMProvider, telemetry *telemetry.Telemetry) *Planner {
	return &Planner{
		config:      cfg,
		llmProvider: llmProvider,
		telemetry:   telemetry,
		logger:      log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Plan creates an execution plan for an analysis request
func (p *Planner) Plan(ctx context.Context, req AnalysisRequest, schemaCtx schema.Context, catalog []capability.Descriptor) (ExecutionPlan, error) {
	startTime := time.Now()

	if len(catalog) == 0 {
		return ExecutionPlan{}, &PlanValidationError{Reason: "capability catalog is empty"}
	}

	prompt := p.createPlanningPrompt(req, schemaCtx, catalog)
	model := p.config.LLM.Routing.Planning

	response, err := GenerateWithRetry(ctx, p.llmProvider, prompt, model, map[string]interface{}{
		"temperature": 0.3, // Lower temperature for more consistent planning
		"max_tokens":  2000,
	})
	if err != nil {
		return ExecutionPlan{}, fmt.Errorf("failed to generate plan: %w", err)
	}

	plan, err := p.parsePlanningResponse(response)
	if err != nil {
		return ExecutionPlan{}, &PlanValidationError{Reason: err.Error()}
	}

	if err := p.ValidatePlan(plan, catalog); err != nil {
		return ExecutionPlan{}, err
	}

	p.logger.Printf("Planning completed in %v with %d steps", time.Since(startTime), len(plan.Steps))
	return plan, nil
}

// createPlanningPrompt renders the question, dataset schema, and capability
// catalog into the planning prompt
func (p *Planner) createPlanningPrompt(req AnalysisRequest, schemaCtx schema.Context, catalog []capability.Descriptor) string {
	var caps strings.Builder
	for _, d := range catalog {
		fmt.Fprintf(&caps, "- %s: %s", d.Name, d.Description)
		if len(d.WorkTypes) > 0 {
			fmt.Fprintf(&caps, " (handles: %s)", strings.Join(d.WorkTypes, ", "))
		}
		caps.WriteString("\n")
	}

	ctxBlock := ""
	if req.Context != nil {
		if v, ok := req.Context["history_summary"].(string); ok && v != "" {
			if len(v) > 800 {
				v = v[:800] + "..."
			}
			ctxBlock = "\nCONVERSATION SO FAR:\n" + v + "\n"
		}
	}

	return fmt.Sprintf(`You are a planning agent for a data analysis system. A user asked a question about their dataset; decide which capabilities answer it and in what order.%s

USER QUESTION: %s

DATASET:
%s
AVAILABLE CAPABILITIES:
%s
PLANNING REQUIREMENTS:
1. Break the question into specific instructions, one per step.
2. Every step's capability_name MUST come from the list above.
3. Use depends_on when one step needs another step's results.
4. Keep the plan minimal: most questions need one or two steps.
5. If the question needs no dataset work at all (a greeting, a question about this system), return an empty steps list and put your reply in direct_answer.

OUTPUT FORMAT (JSON):
{
  "steps": [
    {
      "id": "step_1",
      "capability_name": "capability from the list",
      "instruction": "what this step must find out",
      "depends_on": []
    }
  ],
  "direct_answer": "",
  "reasoning": "why this plan answers the question"
}

Respond with the JSON only.`, ctxBlock, req.Text, schemaCtx.Describe(), caps.String())
}

// parsePlanningResponse parses the LLM response into an ExecutionPlan
func (p *Planner) parsePlanningResponse(response string) (ExecutionPlan, error) {
	// Extract JSON from response using balanced brace scanning
	jsonStr := ""
	start := -1
	depth := 0
	for i, ch := range response {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				jsonStr = response[start : i+1]
				break
			}
		}
	}
	if jsonStr == "" {
		return ExecutionPlan{}, fmt.Errorf("no JSON found in response")
	}

	var rawPlan struct {
		Steps []struct {
			ID          string      `json:"id"`
			Capability  string      `json:"capability_name"`
			Instruction string      `json:"instruction"`
			DependsOn   interface{} `json:"depends_on"`
		} `json:"steps"`
		DirectAnswer string `json:"direct_answer"`
		Reasoning    string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &rawPlan); err != nil {
		return ExecutionPlan{}, fmt.Errorf("failed to parse JSON: %w", err)
	}

	plan := ExecutionPlan{
		DirectAnswer: strings.TrimSpace(rawPlan.DirectAnswer),
		Reasoning:    rawPlan.Reasoning,
	}
	for _, rawStep := range rawPlan.Steps {
		step := PlanStep{
			ID:          rawStep.ID,
			Capability:  rawStep.Capability,
			Instruction: rawStep.Instruction,
			DependsOn:   coerceStringList(rawStep.DependsOn),
		}
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

// coerceStringList tolerates models emitting numbers or a single string for
// depends_on.
func coerceStringList(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		var out []string
		for _, item := range t {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case float64:
				out = append(out, fmt.Sprintf("%.0f", s))
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}

// ValidatePlan checks a plan against the catalog before anything runs
func (p *Planner) ValidatePlan(plan ExecutionPlan, catalog []capability.Descriptor) error {
	if len(plan.Steps) == 0 {
		if plan.DirectAnswer == "" {
			return &PlanValidationError{Reason: "plan has no steps and no direct answer"}
		}
		return nil
	}

	known := make(map[string]bool, len(catalog))
	for _, d := range catalog {
		known[d.Name] = true
	}

	ids := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		if ids[step.ID] {
			return &PlanValidationError{Reason: fmt.Sprintf("duplicate step id %q", step.ID)}
		}
		ids[step.ID] = true
		if !known[step.Capability] {
			return &PlanValidationError{Reason: fmt.Sprintf("step %q names unknown capability %q", step.ID, step.Capability)}
		}
		if strings.TrimSpace(step.Instruction) == "" {
			return &PlanValidationError{Reason: fmt.Sprintf("step %q has no instruction", step.ID)}
		}
	}

	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return &PlanValidationError{Reason: fmt.Sprintf("step %q depends on missing step %q", step.ID, dep)}
			}
			if dep == step.ID {
				return &PlanValidationError{Reason: fmt.Sprintf("step %q depends on itself", step.ID)}
			}
		}
	}

	if err := checkCircularDependencies(plan.Steps); err != nil {
		return &PlanValidationError{Reason: err.Error()}
	}
	return nil
}

// checkCircularDependencies runs a DFS over the dependency graph
func checkCircularDependencies(steps []PlanStep) error {
	graph := make(map[string][]string, len(steps))
	for _, s := range steps {
		graph[s.ID] = s.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range graph[id] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("circular dependency involving step %q", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
