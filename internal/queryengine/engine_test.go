package queryengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// scriptedLLM returns canned responses in order and records prompts.
type scriptedLLM struct {
	responses []string
	prompts   []string
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.responses) == 0 {
		return "", fmt.Errorf("scriptedLLM: no responses left")
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func TestRunSuccessFirstAttempt(t *testing.T) {
	calls := 0
	exec := ExecutorFunc(func(ctx context.Context, query string) (Rows, error) {
		calls++
		return Rows{Columns: []string{"avg"}, Data: []map[string]interface{}{{"avg": 42.0}}, RowCount: 1}, nil
	})
	eng := New(&scriptedLLM{}, "m", "m", exec, 1)

	res, err := eng.Run(context.Background(), "SELECT avg(x) FROM t", "schema")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("executor called %d times, want 1", calls)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Error != "" {
		t.Fatalf("unexpected attempts: %+v", res.Attempts)
	}
	if res.Rows.RowCount != 1 {
		t.Fatalf("unexpected rows: %+v", res.Rows)
	}
}

func TestRunCorrectsOnce(t *testing.T) {
	calls := 0
	exec := ExecutorFunc(func(ctx context.Context, query string) (Rows, error) {
		calls++
		if strings.Contains(query, "bad_column") {
			return Rows{}, &ExecutionError{Query: query, Message: `column "bad_column" does not exist`}
		}
		return Rows{RowCount: 2}, nil
	})
	llm := &scriptedLLM{responses: []string{"SELECT good_column FROM t"}}
	eng := New(llm, "m", "m", exec, 1)

	res, err := eng.Run(context.Background(), "SELECT bad_column FROM t", "schema")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("executor called %d times, want 2", calls)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(res.Attempts))
	}
	if res.Attempts[0].Error == "" {
		t.Fatal("first attempt should record the execution error")
	}
	if res.Query != "SELECT good_column FROM t" {
		t.Fatalf("unexpected final query: %s", res.Query)
	}
	if len(llm.prompts) != 1 || !strings.Contains(llm.prompts[0], "bad_column") {
		t.Fatalf("correction prompt should carry the failed query: %v", llm.prompts)
	}
}

func TestRunExhaustsCorrectionBudget(t *testing.T) {
	const maxCorrections = 2
	calls := 0
	exec := ExecutorFunc(func(ctx context.Context, query string) (Rows, error) {
		calls++
		return Rows{}, &ExecutionError{Query: query, Message: "syntax error"}
	})
	llm := &scriptedLLM{responses: []string{"SELECT 1 FROM t", "SELECT 2 FROM t"}}
	eng := New(llm, "m", "m", exec, maxCorrections)

	res, err := eng.Run(context.Background(), "SELECT 0 FROM t", "schema")
	var exhausted *CorrectionExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected CorrectionExhaustedError, got %v", err)
	}
	// Structural bound: exactly maxCorrections+1 execution attempts.
	if calls != maxCorrections+1 {
		t.Fatalf("executor called %d times, want %d", calls, maxCorrections+1)
	}
	if exhausted.Attempts != maxCorrections+1 {
		t.Fatalf("error reports %d attempts, want %d", exhausted.Attempts, maxCorrections+1)
	}
	if len(res.Attempts) != maxCorrections+1 {
		t.Fatalf("recorded %d attempts, want %d", len(res.Attempts), maxCorrections+1)
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("exhaustion should wrap the last execution error, got %v", err)
	}
}

func TestRunUnsafeQueryNeverCorrected(t *testing.T) {
	execCalls := 0
	exec := ExecutorFunc(func(ctx context.Context, query string) (Rows, error) {
		execCalls++
		return Rows{}, nil
	})
	llm := &scriptedLLM{responses: []string{"should never be used"}}
	eng := New(llm, "m", "m", exec, 3)

	_, err := eng.Run(context.Background(), "DELETE FROM dataset_rows", "schema")
	var unsafe *UnsafeQueryError
	if !errors.As(err, &unsafe) {
		t.Fatalf("expected UnsafeQueryError, got %v", err)
	}
	if execCalls != 0 {
		t.Fatalf("executor must not run an unsafe query, got %d calls", execCalls)
	}
	if len(llm.prompts) != 0 {
		t.Fatal("unsafe queries must not be sent for correction")
	}
}

func TestRunUnsafeCorrectionIsTerminal(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, query string) (Rows, error) {
		return Rows{}, &ExecutionError{Query: query, Message: "syntax error"}
	})
	// The correction itself comes back mutating; that ends the loop.
	llm := &scriptedLLM{responses: []string{"UPDATE t SET x = 1"}}
	eng := New(llm, "m", "m", exec, 3)

	_, err := eng.Run(context.Background(), "SELECT broken FROM t", "schema")
	var unsafe *UnsafeQueryError
	if !errors.As(err, &unsafe) {
		t.Fatalf("expected UnsafeQueryError, got %v", err)
	}
}

func TestPlanQueryNormalizesFences(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"```sql\nSELECT avg((row_data->>'revenue')::numeric) FROM dataset_rows;\n```"}}
	eng := New(llm, "m", "m", nil, 1)

	q, err := eng.PlanQuery(context.Background(), "average revenue", "schema block")
	if err != nil {
		t.Fatalf("PlanQuery: %v", err)
	}
	if strings.Contains(q, "```") || strings.HasSuffix(q, ";") {
		t.Fatalf("query not normalized: %q", q)
	}
	if !strings.Contains(llm.prompts[0], "schema block") {
		t.Fatal("schema context missing from planning prompt")
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := ExecutorFunc(func(ctx context.Context, query string) (Rows, error) {
		cancel()
		return Rows{}, &ExecutionError{Query: query, Message: "canceling statement due to user request"}
	})
	eng := New(&scriptedLLM{}, "m", "m", exec, 3)

	_, err := eng.Run(ctx, "SELECT 1 FROM t", "schema")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
