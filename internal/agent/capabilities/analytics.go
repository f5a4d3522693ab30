package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/querypilot/querypilot/config"
	"github.com/querypilot/querypilot/internal/agent/core"
	"github.com/querypilot/querypilot/internal/capability"
	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/queryengine"
	"github.com/querypilot/querypilot/internal/schema"
)

// Analytics answers aggregation and statistics questions by planning SQL
// queries, running them through the query engine, and synthesizing insights
// from the rows. It only sees numeric, date, and boolean fields.
type Analytics struct {
	cfg    *config.Config
	llm    core.LLMProvider
	engine *queryengine.Engine
	emitter
}

func NewAnalytics(cfg *config.Config, llm core.LLMProvider, engine *queryengine.Engine, sink events.Sink) *Analytics {
	return &Analytics{
		cfg:     cfg,
		llm:     llm,
		engine:  engine,
		emitter: newEmitter(sink, "analytics"),
	}
}

func (a *Analytics) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Name:        "analytics",
		Description: "Computes aggregations, statistics, trends, and comparisons over numeric and date fields using SQL.",
		WorkTypes:   []string{"aggregation", "statistics", "trends", "comparisons"},
		InputSchema: map[string]interface{}{
			"instruction": "what to compute",
		},
		OutputSchema: map[string]interface{}{
			"summary":  "plain-language summary of the numbers",
			"findings": "list of concrete findings",
			"results":  "rows per executed query",
		},
	}
}

type plannedQuery struct {
	Purpose string `json:"purpose"`
	SQL     string `json:"sql"`
}

func (a *Analytics) Execute(ctx context.Context, env capability.TaskEnvelope) (capability.Result, error) {
	started := time.Now()
	a.emit(ctx, env.SessionID, events.KindReceived, "Analytics request received", map[string]interface{}{
		"instruction": env.Instruction,
	}, 0)

	// Field-type boundary: only quantitative fields reach the prompt.
	restricted := env.Schema.Restrict(schema.TypeNumeric, schema.TypeDate, schema.TypeBoolean)
	if len(restricted.Fields) == 0 {
		a.emit(ctx, env.SessionID, events.KindError, "No quantitative fields in dataset", nil, 0)
		return capability.Result{Status: capability.StatusFailed, Error: "dataset has no numeric, date, or boolean fields"}, nil
	}
	schemaDesc := restricted.Describe()

	understanding, queries, err := a.planQueries(ctx, env, schemaDesc)
	if err != nil {
		a.emit(ctx, env.SessionID, events.KindError, "Query planning failed", map[string]interface{}{
			"error": err.Error(),
		}, time.Since(started).Milliseconds())
		return capability.Result{Status: capability.StatusFailed, Error: err.Error()}, nil
	}
	a.emit(ctx, env.SessionID, events.KindThinking, "Planned analysis queries", map[string]interface{}{
		"understanding": understanding,
		"query_count":   len(queries),
	}, 0)

	var (
		records  []capability.QueryRecord
		results  = make(map[string]interface{}, len(queries))
		rowTotal int
		failures int
	)
	for _, q := range queries {
		if ctx.Err() != nil {
			return capability.Result{Status: capability.StatusFailed, Error: ctx.Err().Error()}, ctx.Err()
		}
		a.emit(ctx, env.SessionID, events.KindAction, "Running query: "+q.Purpose, map[string]interface{}{
			"purpose": q.Purpose,
			"query":   q.SQL,
		}, 0)
		queryStart := time.Now()
		run, err := a.engine.Run(ctx, q.SQL, schemaDesc)
		for _, attempt := range run.Attempts {
			records = append(records, capability.QueryRecord{Purpose: q.Purpose, Query: attempt.Query})
		}
		if err != nil {
			failures++
			a.emit(ctx, env.SessionID, events.KindError, "Query failed: "+q.Purpose, map[string]interface{}{
				"error":    err.Error(),
				"attempts": len(run.Attempts),
			}, time.Since(queryStart).Milliseconds())
			continue
		}
		rowTotal += run.Rows.RowCount
		results[q.Purpose] = run.Rows.Data
		a.emit(ctx, env.SessionID, events.KindResult, "Query succeeded: "+q.Purpose, map[string]interface{}{
			"rows":     run.Rows.RowCount,
			"attempts": len(run.Attempts),
		}, time.Since(queryStart).Milliseconds())
	}

	if len(results) == 0 {
		a.emit(ctx, env.SessionID, events.KindError, "All queries failed", map[string]interface{}{
			"failed": failures,
		}, time.Since(started).Milliseconds())
		return capability.Result{
			Status:     capability.StatusFailed,
			Error:      fmt.Sprintf("all %d planned queries failed", failures),
			QueriesRun: records,
			Metrics:    capability.Metrics{Duration: time.Since(started)},
		}, nil
	}

	payload := a.synthesizeInsights(ctx, env, results)
	payload["results"] = results

	a.emit(ctx, env.SessionID, events.KindResult, "Analysis complete", map[string]interface{}{
		"queries_succeeded": len(results),
		"queries_failed":    failures,
		"rows_examined":     rowTotal,
	}, time.Since(started).Milliseconds())

	return capability.Result{
		Status:     capability.StatusCompleted,
		Payload:    payload,
		QueriesRun: records,
		Metrics:    capability.Metrics{Duration: time.Since(started), RowCount: rowTotal},
	}, nil
}

func (a *Analytics) planQueries(ctx context.Context, env capability.TaskEnvelope, schemaDesc string) (string, []plannedQuery, error) {
	priorBlock := ""
	if len(env.PriorResults) > 0 {
		if encoded, err := json.Marshal(env.PriorResults); err == nil {
			priorBlock = "\nEARLIER RESULTS (may inform the queries):\n" + string(encoded) + "\n"
		}
	}

	prompt := fmt.Sprintf(`You are a data analyst planning PostgreSQL queries.%s

TASK: %s

%s
Plan between one and three SELECT queries that together answer the task.

Rules:
- Read-only SELECT statements only, one statement each, no semicolons.
- Use the exact access paths listed for each field.
- Keep each query focused on one number or grouping.

OUTPUT FORMAT (JSON):
{
  "understanding": "one sentence on what you will compute",
  "queries": [
    {"purpose": "short label", "sql": "SELECT ..."}
  ]
}`, priorBlock, env.Instruction, schemaDesc)

	response, err := core.GenerateWithRetry(ctx, a.llm, prompt, a.cfg.LLM.Routing.Analysis, map[string]interface{}{
		"temperature": 0.2,
		"max_tokens":  1200,
	})
	if err != nil {
		return "", nil, err
	}

	var parsed struct {
		Understanding string         `json:"understanding"`
		Queries       []plannedQuery `json:"queries"`
	}
	if err := extractJSON(response, &parsed); err != nil {
		return "", nil, fmt.Errorf("parsing query plan: %w", err)
	}
	var queries []plannedQuery
	for _, q := range parsed.Queries {
		if strings.TrimSpace(q.SQL) == "" {
			continue
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return "", nil, fmt.Errorf("model planned no queries")
	}
	return parsed.Understanding, queries, nil
}

// synthesizeInsights turns rows into a summary and findings. A failure here
// degrades to raw results rather than failing the capability.
func (a *Analytics) synthesizeInsights(ctx context.Context, env capability.TaskEnvelope, results map[string]interface{}) map[string]interface{} {
	encoded, err := json.Marshal(results)
	if err != nil {
		return map[string]interface{}{}
	}
	if len(encoded) > 8000 {
		encoded = encoded[:8000]
	}

	prompt := fmt.Sprintf(`Query results for the task below. Extract the insights.

TASK: %s

RESULTS:
%s

OUTPUT FORMAT (JSON):
{
  "summary": "one or two sentences answering the task",
  "findings": ["concrete finding with its number", "..."]
}`, env.Instruction, string(encoded))

	response, err := core.GenerateWithRetry(ctx, a.llm, prompt, a.cfg.LLM.Routing.Analysis, map[string]interface{}{
		"temperature": 0.3,
		"max_tokens":  800,
	})
	if err != nil {
		a.logger.Printf("insight synthesis failed: %v", err)
		return map[string]interface{}{}
	}
	var parsed struct {
		Summary  string   `json:"summary"`
		Findings []string `json:"findings"`
	}
	if err := extractJSON(response, &parsed); err != nil {
		a.logger.Printf("insight parsing failed: %v", err)
		return map[string]interface{}{}
	}
	out := map[string]interface{}{}
	if parsed.Summary != "" {
		out["summary"] = parsed.Summary
	}
	if len(parsed.Findings) > 0 {
		out["findings"] = parsed.Findings
	}
	return out
}
