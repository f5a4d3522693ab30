// Package queryengine turns natural-language instructions into SQL, gates
// every statement behind a safety validator, and self-corrects failed
// queries with a bounded number of LLM retries.
package queryengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// LLM is the slice of the model provider the engine needs.
type LLM interface {
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)
}

// CorrectionExhaustedError is returned when a query still fails after the
// correction budget is spent.
type CorrectionExhaustedError struct {
	Attempts int
	Last     error
}

func (e *CorrectionExhaustedError) Error() string {
	return fmt.Sprintf("query still failing after %d attempts: %v", e.Attempts, e.Last)
}

func (e *CorrectionExhaustedError) Unwrap() error { return e.Last }

// Attempt records one pass through the validate/execute loop.
type Attempt struct {
	Query string `json:"query_text"`
	Error string `json:"error,omitempty"`
}

// Result is a successful (or partially attempted) query run.
type Result struct {
	Query    string    `json:"query_text"`
	Rows     Rows      `json:"rows"`
	Attempts []Attempt `json:"attempts"`
}

// Engine coordinates generation, validation, execution, and correction.
type Engine struct {
	llm            LLM
	planModel      string
	correctModel   string
	exec           Executor
	maxCorrections int
	logger         *log.Logger
}

// New builds an engine. maxCorrections bounds the self-correction loop: a
// query gets at most maxCorrections+1 execution attempts.
func New(llm LLM, planModel, correctModel string, exec Executor, maxCorrections int) *Engine {
	if maxCorrections < 0 {
		maxCorrections = 1
	}
	return &Engine{
		llm:            llm,
		planModel:      planModel,
		correctModel:   correctModel,
		exec:           exec,
		maxCorrections: maxCorrections,
		logger:         log.New(log.Writer(), "[QUERYENGINE] ", log.LstdFlags),
	}
}

// PlanQuery asks the model for a single SELECT answering the instruction.
func (e *Engine) PlanQuery(ctx context.Context, instruction, schemaContext string) (string, error) {
	prompt := fmt.Sprintf(`You are a PostgreSQL analyst. Write exactly one SELECT statement answering the request below.

%s

Request: %s

Rules:
- One statement, no semicolons, no explanations, no markdown fences.
- Read-only: never modify data or schema.
- Use the exact access paths listed for each field.

SQL:`, schemaContext, instruction)

	raw, err := e.llm.Generate(ctx, prompt, e.planModel, map[string]interface{}{
		"temperature": 0.2,
		"max_tokens":  600,
	})
	if err != nil {
		return "", fmt.Errorf("planning query: %w", err)
	}
	return NormalizeStatement(raw)
}

// Run takes a candidate statement through validate -> execute, correcting
// failures until the budget is spent. Unsafe statements are terminal and
// never corrected. Every attempt is recorded in the result.
func (e *Engine) Run(ctx context.Context, query, schemaContext string) (Result, error) {
	res := Result{}
	current := strings.TrimSpace(query)
	for attempt := 0; ; attempt++ {
		if err := Validate(current); err != nil {
			res.Attempts = append(res.Attempts, Attempt{Query: current, Error: err.Error()})
			var unsafe *UnsafeQueryError
			if errors.As(err, &unsafe) {
				e.logger.Printf("rejected unsafe query (keyword %s)", unsafe.Keyword)
				return res, err
			}
			if attempt >= e.maxCorrections {
				return res, &CorrectionExhaustedError{Attempts: attempt + 1, Last: err}
			}
			fixed, cerr := e.correct(ctx, current, err.Error(), schemaContext)
			if cerr != nil {
				return res, cerr
			}
			current = fixed
			continue
		}

		rows, err := e.exec.Execute(ctx, current)
		res.Attempts = append(res.Attempts, Attempt{Query: current})
		if err == nil {
			res.Query = current
			res.Rows = rows
			return res, nil
		}
		res.Attempts[len(res.Attempts)-1].Error = err.Error()
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if attempt >= e.maxCorrections {
			return res, &CorrectionExhaustedError{Attempts: attempt + 1, Last: err}
		}
		e.logger.Printf("query failed, requesting correction (attempt %d): %v", attempt+1, err)
		fixed, cerr := e.correct(ctx, current, err.Error(), schemaContext)
		if cerr != nil {
			return res, cerr
		}
		current = fixed
	}
}

// PlanAndRun is the common path: generate one statement, then run it.
func (e *Engine) PlanAndRun(ctx context.Context, instruction, schemaContext string) (Result, error) {
	query, err := e.PlanQuery(ctx, instruction, schemaContext)
	if err != nil {
		return Result{}, err
	}
	return e.Run(ctx, query, schemaContext)
}

func (e *Engine) correct(ctx context.Context, query, errMsg, schemaContext string) (string, error) {
	prompt := fmt.Sprintf(`This PostgreSQL query failed. Fix it.

%s

Failed query:
%s

Error:
%s

Return only the corrected SELECT statement. No explanations, no markdown fences, no semicolons.`, schemaContext, query, errMsg)

	raw, err := e.llm.Generate(ctx, prompt, e.correctModel, map[string]interface{}{
		"temperature": 0.1,
		"max_tokens":  600,
	})
	if err != nil {
		return "", fmt.Errorf("correcting query: %w", err)
	}
	return NormalizeStatement(raw)
}
