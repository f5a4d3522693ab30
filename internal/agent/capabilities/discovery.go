package capabilities

import (
	"context"
	"time"

	"github.com/querypilot/querypilot/config"
	"github.com/querypilot/querypilot/internal/agent/core"
	"github.com/querypilot/querypilot/internal/capability"
	"github.com/querypilot/querypilot/internal/events"
)

// Discovery profiles a dataset from its schema context alone: what the
// fields mean, which look interesting, and what questions the data can
// answer. It runs no queries.
type Discovery struct {
	cfg *config.Config
	llm core.LLMProvider
	emitter
}

func NewDiscovery(cfg *config.Config, llm core.LLMProvider, sink events.Sink) *Discovery {
	return &Discovery{
		cfg:     cfg,
		llm:     llm,
		emitter: newEmitter(sink, "discovery"),
	}
}

func (d *Discovery) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Name:        "discovery",
		Description: "Profiles the dataset: describes its fields and suggests what questions the data can answer. Runs no queries.",
		WorkTypes:   []string{"profiling", "exploration"},
		OutputSchema: map[string]interface{}{
			"summary":             "what the dataset contains",
			"notable_fields":      "fields worth investigating",
			"suggested_questions": "questions the data can answer",
		},
	}
}

func (d *Discovery) Execute(ctx context.Context, env capability.TaskEnvelope) (capability.Result, error) {
	started := time.Now()
	d.emit(ctx, env.SessionID, events.KindReceived, "Discovery request received", map[string]interface{}{
		"instruction": env.Instruction,
	}, 0)
	d.emit(ctx, env.SessionID, events.KindThinking, "Profiling dataset structure", map[string]interface{}{
		"fields": len(env.Schema.Fields),
		"rows":   env.Schema.RowCount,
	}, 0)

	prompt := `Profile this dataset for a user who just uploaded it.

` + env.Schema.Describe() + `

USER REQUEST: ` + env.Instruction + `

OUTPUT FORMAT (JSON):
{
  "summary": "two sentences on what this dataset contains",
  "notable_fields": ["field and why it is interesting"],
  "suggested_questions": ["question the data can answer"]
}`

	response, err := core.GenerateWithRetry(ctx, d.llm, prompt, d.cfg.LLM.Routing.Analysis, map[string]interface{}{
		"temperature": 0.4,
		"max_tokens":  800,
	})
	if err != nil {
		d.emit(ctx, env.SessionID, events.KindError, "Profiling failed", map[string]interface{}{
			"error": err.Error(),
		}, time.Since(started).Milliseconds())
		return capability.Result{Status: capability.StatusFailed, Error: err.Error()}, nil
	}

	var parsed struct {
		Summary            string   `json:"summary"`
		NotableFields      []string `json:"notable_fields"`
		SuggestedQuestions []string `json:"suggested_questions"`
	}
	if err := extractJSON(response, &parsed); err != nil {
		d.emit(ctx, env.SessionID, events.KindError, "Profile parsing failed", map[string]interface{}{
			"error": err.Error(),
		}, time.Since(started).Milliseconds())
		return capability.Result{Status: capability.StatusFailed, Error: err.Error()}, nil
	}

	d.emit(ctx, env.SessionID, events.KindResult, "Dataset profiled", map[string]interface{}{
		"notable_fields": len(parsed.NotableFields),
	}, time.Since(started).Milliseconds())

	return capability.Result{
		Status: capability.StatusCompleted,
		Payload: map[string]interface{}{
			"summary":             parsed.Summary,
			"notable_fields":      parsed.NotableFields,
			"suggested_questions": parsed.SuggestedQuestions,
		},
		Metrics: capability.Metrics{Duration: time.Since(started)},
	}, nil
}
