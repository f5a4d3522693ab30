package capabilities

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/querypilot/querypilot/config"
	"github.com/querypilot/querypilot/internal/agent/core"
	"github.com/querypilot/querypilot/internal/capability"
	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/queryengine"
	"github.com/querypilot/querypilot/internal/schema"
)

// promptLLM routes on prompt content: query planning, insight synthesis,
// and correction prompts all hit the same provider.
type promptLLM struct {
	fn func(prompt string) (string, error)
}

func (p *promptLLM) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	return p.fn(prompt)
}

func (p *promptLLM) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	out, err := p.fn(prompt)
	return out, 0, 0, err
}

func (p *promptLLM) GetAvailableModels() []string { return nil }
func (p *promptLLM) GetModelInfo(model string) (core.ModelInfo, error) {
	return core.ModelInfo{}, nil
}
func (p *promptLLM) CalculateCost(in, out int64, model string) float64 { return 0 }

func capTestConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{
			Routing: config.LLMRoutingConfig{
				Analysis:   "analysis-model",
				Correction: "correction-model",
			},
		},
		Engine: config.EngineConfig{MaxQueryCorrections: 1},
	}
}

func capTestSchema() schema.Context {
	return schema.Context{
		DatasetID: "ds-1",
		Name:      "clients",
		RowCount:  50,
		Fields: []schema.Field{
			{Name: "revenue", Type: schema.TypeNumeric},
			{Name: "signed_at", Type: schema.TypeDate},
			{Name: "notes", Type: schema.TypeText},
		},
	}
}

func kinds(evts []events.Event) []events.Kind {
	out := make([]events.Kind, len(evts))
	for i, e := range evts {
		out[i] = e.Kind
	}
	return out
}

func TestAnalyticsExecuteLifecycle(t *testing.T) {
	bus := events.NewMemoryBus(events.Options{InactivityTimeout: time.Second})
	llm := &promptLLM{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "planning PostgreSQL queries") {
			return `{"understanding":"compute the average","queries":[{"purpose":"average revenue","sql":"SELECT avg((row_data->>'revenue')::numeric) AS avg_revenue FROM dataset_rows WHERE dataset_id = 'ds-1'"}]}`, nil
		}
		return `{"summary":"Average revenue is 42.","findings":["avg revenue 42"]}`, nil
	}}
	exec := queryengine.ExecutorFunc(func(ctx context.Context, query string) (queryengine.Rows, error) {
		return queryengine.Rows{
			Columns:  []string{"avg_revenue"},
			Data:     []map[string]interface{}{{"avg_revenue": 42.0}},
			RowCount: 1,
		}, nil
	})
	cfg := capTestConfig()
	engine := queryengine.New(llm, cfg.LLM.Routing.Analysis, cfg.LLM.Routing.Correction, exec, cfg.Engine.MaxQueryCorrections)
	a := NewAnalytics(cfg, llm, engine, bus)

	result, err := a.Execute(context.Background(), capability.TaskEnvelope{
		SessionID:   "s1",
		Instruction: "average revenue",
		DatasetRef:  "ds-1",
		Schema:      capTestSchema(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != capability.StatusCompleted {
		t.Fatalf("status = %s, want completed: %s", result.Status, result.Error)
	}
	if result.Payload["summary"] != "Average revenue is 42." {
		t.Fatalf("unexpected payload: %+v", result.Payload)
	}
	if len(result.QueriesRun) != 1 {
		t.Fatalf("expected 1 recorded query, got %d", len(result.QueriesRun))
	}
	if result.Metrics.RowCount != 1 {
		t.Fatalf("unexpected metrics: %+v", result.Metrics)
	}

	evts, _, err := bus.Poll(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	got := kinds(evts)
	want := []events.Kind{events.KindReceived, events.KindThinking, events.KindAction, events.KindResult, events.KindResult}
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", got, want)
		}
	}
	for i, e := range evts {
		if e.StepNumber != i+1 {
			t.Fatalf("step numbers not gap-free: %+v", evts)
		}
	}
}

func TestAnalyticsRejectsMutatingPlan(t *testing.T) {
	bus := events.NewMemoryBus(events.Options{InactivityTimeout: time.Second})
	llm := &promptLLM{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "planning PostgreSQL queries") {
			return `{"understanding":"","queries":[{"purpose":"sneaky","sql":"UPDATE dataset_rows SET row_data = '{}'"}]}`, nil
		}
		t.Error("unsafe queries must not reach correction or synthesis")
		return "", nil
	}}
	execCalls := 0
	exec := queryengine.ExecutorFunc(func(ctx context.Context, query string) (queryengine.Rows, error) {
		execCalls++
		return queryengine.Rows{}, nil
	})
	cfg := capTestConfig()
	engine := queryengine.New(llm, cfg.LLM.Routing.Analysis, cfg.LLM.Routing.Correction, exec, cfg.Engine.MaxQueryCorrections)
	a := NewAnalytics(cfg, llm, engine, bus)

	result, err := a.Execute(context.Background(), capability.TaskEnvelope{
		SessionID:   "s2",
		Instruction: "delete everything",
		Schema:      capTestSchema(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != capability.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if execCalls != 0 {
		t.Fatal("rejected query must never execute")
	}

	evts, _, err := bus.Poll(context.Background(), "s2", "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	last := evts[len(evts)-1]
	if last.Kind != events.KindError {
		t.Fatalf("capability should end with an error event, got %s", last.Kind)
	}
}

func TestAnalyticsNoQuantitativeFields(t *testing.T) {
	bus := events.NewMemoryBus(events.Options{InactivityTimeout: time.Second})
	llm := &promptLLM{fn: func(prompt string) (string, error) {
		t.Error("no LLM call expected without quantitative fields")
		return "", nil
	}}
	cfg := capTestConfig()
	engine := queryengine.New(llm, "m", "m", nil, 1)
	a := NewAnalytics(cfg, llm, engine, bus)

	result, err := a.Execute(context.Background(), capability.TaskEnvelope{
		SessionID:   "s3",
		Instruction: "average of what",
		Schema: schema.Context{
			DatasetID: "ds-2",
			Fields:    []schema.Field{{Name: "notes", Type: schema.TypeText}},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != capability.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
}
