package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/querypilot/querypilot/config"
	"github.com/querypilot/querypilot/internal/agent/telemetry"
	"github.com/querypilot/querypilot/internal/capability"
	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/schema"
)

var orchestratorTracer = otel.Tracer("querypilot/orchestrator")

// Orchestrator coordinates planning, capability execution, and synthesis
// for analysis requests
type Orchestrator struct {
	config      *config.Config
	logger      *log.Logger
	telemetry   *telemetry.Telemetry
	llmProvider LLMProvider
	planner     *Planner
	registry    *capability.Registry
	events      events.Sink
	schemas     SchemaProvider
	store       ConversationStore
	semaphore   chan struct{}

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// NewOrchestrator creates a new orchestrator with all its dependencies
func NewOrchestrator(
	cfg *config.Config,
	llmProvider LLMProvider,
	planner *Planner,
	registry *capability.Registry,
	sink events.Sink,
	schemas SchemaProvider,
	store ConversationStore,
	tel *telemetry.Telemetry,
) *Orchestrator {
	maxConcurrent := cfg.Engine.MaxConcurrentSteps
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Orchestrator{
		config:      cfg,
		logger:      log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
		telemetry:   tel,
		llmProvider: llmProvider,
		planner:     planner,
		registry:    registry,
		events:      sink,
		schemas:     schemas,
		store:       store,
		semaphore:   make(chan struct{}, maxConcurrent),
		active:      make(map[string]context.CancelFunc),
	}
}

// Cancel aborts in-flight processing for a session, if any.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	cancel, ok := o.active[sessionID]
	if ok {
		cancel()
	}
	return ok
}

// Handle processes one analysis request end to end: plan, execute, and
// synthesize, emitting transparency events at every stage. It always
// terminates the session's event stream with an orchestrator result or
// error event.
func (o *Orchestrator) Handle(ctx context.Context, req AnalysisRequest) (AnalysisAnswer, error) {
	startTime := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.activeMu.Lock()
	o.active[req.SessionID] = cancel
	o.activeMu.Unlock()
	defer func() {
		o.activeMu.Lock()
		delete(o.active, req.SessionID)
		o.activeMu.Unlock()
	}()

	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.handle",
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.String("request.session_id", req.SessionID),
		))
	defer span.End()

	o.emit(ctx, req.SessionID, events.KindReceived, "Received question", map[string]interface{}{
		"question":    req.Text,
		"dataset_ref": req.DatasetRef,
	}, 0)

	if o.store != nil {
		if err := o.store.EnsureSession(ctx, req.SessionID, req.UserID, req.Text); err != nil {
			o.logger.Printf("failed to ensure session %s: %v", req.SessionID, err)
		}
		if err := o.store.SaveMessage(ctx, req.SessionID, "user", req.Text, nil); err != nil {
			o.logger.Printf("failed to save user message: %v", err)
		}
	}

	schemaCtx, err := o.schemas.DatasetContext(ctx, req.DatasetRef)
	if err != nil {
		return o.fail(ctx, span, req, startTime, fmt.Errorf("resolving dataset %q: %w", req.DatasetRef, err))
	}

	o.emit(ctx, req.SessionID, events.KindThinking, "Interpreting the question", map[string]interface{}{
		"dataset": schemaCtx.Name,
		"fields":  len(schemaCtx.Fields),
	}, 0)

	catalog := o.registry.Catalog()
	plan, err := o.planner.Plan(ctx, req, schemaCtx, catalog)
	if err != nil {
		return o.fail(ctx, span, req, startTime, err)
	}

	if len(plan.Steps) == 0 {
		// No capability work needed; the planner answered directly.
		o.emit(ctx, req.SessionID, events.KindDecision, "Answering directly", map[string]interface{}{
			"reasoning": plan.Reasoning,
		}, 0)
		return o.finish(ctx, req, startTime, plan.DirectAnswer, nil)
	}

	for _, step := range plan.Steps {
		o.emit(ctx, req.SessionID, events.KindDecision, fmt.Sprintf("Planned step: %s", step.Capability), map[string]interface{}{
			"step_id":     step.ID,
			"capability":  step.Capability,
			"instruction": step.Instruction,
			"depends_on":  step.DependsOn,
		}, 0)
	}

	outcomes := o.executeSteps(ctx, req, schemaCtx, plan)

	if ctx.Err() != nil {
		return o.fail(ctx, span, req, startTime, fmt.Errorf("processing cancelled: %w", ctx.Err()))
	}

	answer, synthErr := o.synthesizeAnswer(ctx, req, outcomes)
	if synthErr != nil {
		o.logger.Printf("synthesis failed, degrading answer: %v", synthErr)
		answer = degradedAnswer(outcomes)
	}

	return o.finish(ctx, req, startTime, answer, outcomes)
}

// executeSteps runs the plan wave by wave: a step runs once all of its
// dependencies completed, and a step whose dependency failed or was skipped
// is marked skipped without being invoked. Steps in the same wave run
// concurrently under the semaphore.
func (o *Orchestrator) executeSteps(ctx context.Context, req AnalysisRequest, schemaCtx schema.Context, plan ExecutionPlan) []StepOutcome {
	var mu sync.Mutex
	results := make(map[string]capability.Result, len(plan.Steps))
	executed := make(map[string]bool, len(plan.Steps))

	stepByID := make(map[string]PlanStep, len(plan.Steps))
	for _, s := range plan.Steps {
		stepByID[s.ID] = s
	}

	for len(executed) < len(plan.Steps) {
		if ctx.Err() != nil {
			break
		}

		var readySteps []PlanStep
		progressed := false
		for _, step := range plan.Steps {
			if executed[step.ID] {
				continue
			}
			ready := true
			blocked := false
			for _, depID := range step.DependsOn {
				if !executed[depID] {
					ready = false
					break
				}
				if r := results[depID]; r.Status != capability.StatusCompleted {
					blocked = true
				}
			}
			if !ready {
				continue
			}
			if blocked {
				executed[step.ID] = true
				results[step.ID] = capability.Result{
					Status: capability.StatusSkipped,
					Error:  "dependency did not complete",
				}
				o.emit(ctx, req.SessionID, events.KindDecision, fmt.Sprintf("Skipping step: %s", step.Capability), map[string]interface{}{
					"step_id": step.ID,
					"reason":  "a dependency failed or was skipped",
				}, 0)
				progressed = true
				continue
			}
			readySteps = append(readySteps, step)
		}

		if len(readySteps) == 0 {
			if progressed {
				continue
			}
			// Validation rejects cycles, so this is unreachable unless the
			// plan was mutated.
			o.logger.Printf("no runnable steps remain with %d unexecuted", len(plan.Steps)-len(executed))
			break
		}

		var wg sync.WaitGroup
		for _, step := range readySteps {
			wg.Add(1)
			go func(s PlanStep) {
				defer wg.Done()

				select {
				case o.semaphore <- struct{}{}:
					defer func() { <-o.semaphore }()
				case <-ctx.Done():
					return
				}

				stepCtx := ctx
				if o.config.Engine.StepTimeout > 0 {
					var cancel context.CancelFunc
					stepCtx, cancel = context.WithTimeout(ctx, o.config.Engine.StepTimeout)
					defer cancel()
				}
				stepCtx, stepSpan := orchestratorTracer.Start(stepCtx, "capability.execute",
					trace.WithAttributes(
						attribute.String("step.id", s.ID),
						attribute.String("step.capability", s.Capability),
					))
				defer stepSpan.End()

				mu.Lock()
				var priors []capability.PriorResult
				// Prior results are injected in plan order so envelopes are
				// deterministic regardless of completion order.
				for _, prev := range plan.Steps {
					if !containsString(s.DependsOn, prev.ID) {
						continue
					}
					if r, ok := results[prev.ID]; ok && r.Status == capability.StatusCompleted {
						priors = append(priors, capability.PriorResult{
							Capability:  prev.Capability,
							Instruction: prev.Instruction,
							Result:      r.Payload,
						})
					}
				}
				mu.Unlock()

				envelope := capability.TaskEnvelope{
					SessionID:    req.SessionID,
					Instruction:  s.Instruction,
					DatasetRef:   req.DatasetRef,
					Context:      req.Context,
					Schema:       schemaCtx,
					PriorResults: priors,
				}

				started := time.Now()
				result := o.runStep(stepCtx, s, envelope)
				duration := time.Since(started)

				if result.Status != capability.StatusCompleted {
					stepSpan.SetStatus(codes.Error, result.Error)
				}
				if o.telemetry != nil {
					o.telemetry.RecordCapabilityEvent(ctx, telemetry.CapabilityEvent{
						Capability: s.Capability,
						SessionID:  req.SessionID,
						Duration:   duration,
						Success:    result.Status == capability.StatusCompleted,
						Error:      result.Error,
						QueriesRun: len(result.QueriesRun),
					})
				}

				mu.Lock()
				results[s.ID] = result
				executed[s.ID] = true
				mu.Unlock()
			}(step)
		}
		wg.Wait()
	}

	if ctx.Err() != nil {
		// Remaining steps are never invoked once the request is cancelled.
		for _, step := range plan.Steps {
			if !executed[step.ID] {
				executed[step.ID] = true
				results[step.ID] = capability.Result{
					Status: capability.StatusSkipped,
					Error:  "processing cancelled",
				}
			}
		}
	}

	outcomes := make([]StepOutcome, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		outcomes = append(outcomes, StepOutcome{
			StepID:     step.ID,
			Capability: step.Capability,
			Result:     results[step.ID],
		})
	}
	return outcomes
}

// runStep resolves and invokes one capability, converting every failure
// mode into a failed result
func (o *Orchestrator) runStep(ctx context.Context, step PlanStep, envelope capability.TaskEnvelope) capability.Result {
	exec, err := o.registry.Get(step.Capability)
	if err != nil {
		return capability.Result{Status: capability.StatusFailed, Error: err.Error()}
	}
	result, err := exec.Execute(ctx, envelope)
	if err != nil {
		o.logger.Printf("step %s (%s) failed: %v", step.ID, step.Capability, err)
		return capability.Result{Status: capability.StatusFailed, Error: err.Error()}
	}
	if result.Status == "" {
		result.Status = capability.StatusCompleted
	}
	return result
}

// synthesizeAnswer combines completed step payloads into a final answer
func (o *Orchestrator) synthesizeAnswer(ctx context.Context, req AnalysisRequest, outcomes []StepOutcome) (string, error) {
	var completed []StepOutcome
	for _, out := range outcomes {
		if out.Result.Status == capability.StatusCompleted {
			completed = append(completed, out)
		}
	}
	if len(completed) == 0 {
		return "", fmt.Errorf("no step completed")
	}

	var findings []map[string]interface{}
	for _, out := range completed {
		findings = append(findings, map[string]interface{}{
			"capability": out.Capability,
			"result":     out.Result.Payload,
		})
	}
	findingsJSON, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding findings: %w", err)
	}

	failedNote := ""
	if len(completed) < len(outcomes) {
		failedNote = "\nSome analysis steps failed; answer from the findings available and say what is missing."
	}

	prompt := fmt.Sprintf(`A user asked a question about their dataset. Analysis capabilities produced the findings below. Write the answer.

QUESTION: %s

FINDINGS:
%s
%s
Answer conversationally and concretely, citing the numbers found. Do not mention internal step or capability names.`, req.Text, string(findingsJSON), failedNote)

	return GenerateWithRetry(ctx, o.llmProvider, prompt, o.config.LLM.Routing.Synthesis, map[string]interface{}{
		"temperature": 0.4,
		"max_tokens":  1000,
	})
}

// degradedAnswer is the deterministic fallback when no step result can be
// synthesized
func degradedAnswer(outcomes []StepOutcome) string {
	completed, failed := 0, 0
	for _, out := range outcomes {
		switch out.Result.Status {
		case capability.StatusCompleted:
			completed++
		case capability.StatusFailed:
			failed++
		}
	}
	if completed == 0 {
		return "I could not produce results for this question: every analysis step failed. Please try rephrasing, or check that the dataset contains the fields you asked about."
	}
	return fmt.Sprintf("I completed %d of %d analysis steps but could not compose a full answer. The partial results are attached to this session's activity feed.", completed, len(outcomes))
}

func (o *Orchestrator) finish(ctx context.Context, req AnalysisRequest, startTime time.Time, answer string, outcomes []StepOutcome) (AnalysisAnswer, error) {
	duration := time.Since(startTime)
	if o.store != nil {
		if err := o.store.SaveMessage(ctx, req.SessionID, "assistant", answer, nil); err != nil {
			o.logger.Printf("failed to save assistant message: %v", err)
		}
	}
	o.emit(ctx, req.SessionID, events.KindResult, "Analysis complete", map[string]interface{}{
		"final_answer": answer,
		"steps":        len(outcomes),
	}, duration.Milliseconds())

	if o.telemetry != nil {
		caps := make([]string, 0, len(outcomes))
		for _, out := range outcomes {
			caps = append(caps, out.Capability)
		}
		o.telemetry.RecordProcessingEvent(ctx, telemetry.ProcessingEvent{
			ID:               req.ID,
			SessionID:        req.SessionID,
			StartTime:        startTime,
			EndTime:          time.Now(),
			ProcessingTime:   duration,
			Success:          true,
			CapabilitiesUsed: caps,
		})
	}

	return AnalysisAnswer{
		SessionID:      req.SessionID,
		Answer:         answer,
		Steps:          outcomes,
		ProcessingTime: duration,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, req AnalysisRequest, startTime time.Time, err error) (AnalysisAnswer, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	duration := time.Since(startTime)

	// The terminal event must land even when the request context is gone.
	emitCtx := ctx
	if emitCtx.Err() != nil {
		var cancel context.CancelFunc
		emitCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	o.emit(emitCtx, req.SessionID, events.KindError, "Analysis failed", map[string]interface{}{
		"error": err.Error(),
	}, duration.Milliseconds())

	if o.telemetry != nil {
		o.telemetry.RecordProcessingEvent(ctx, telemetry.ProcessingEvent{
			ID:             req.ID,
			SessionID:      req.SessionID,
			StartTime:      startTime,
			EndTime:        time.Now(),
			ProcessingTime: duration,
			Success:        false,
			Error:          err.Error(),
		})
	}
	return AnalysisAnswer{}, err
}

func (o *Orchestrator) emit(ctx context.Context, sessionID string, kind events.Kind, title string, details map[string]interface{}, durationMS int64) {
	_, err := o.events.Append(ctx, events.Event{
		SessionID:  sessionID,
		Capability: events.OrchestratorName,
		Kind:       kind,
		Title:      title,
		Details:    details,
		DurationMS: durationMS,
	})
	if err != nil {
		o.logger.Printf("failed to emit %s event for session %s: %v", kind, sessionID, err)
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
