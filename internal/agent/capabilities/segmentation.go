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
)

// Segmentation groups records into meaningful segments: value tiers over
// numeric fields, categorical groupings, and per-segment profiles with
// sizes and shares. It sees the full schema because grouping columns are
// usually text while tier metrics are numeric.
type Segmentation struct {
	cfg    *config.Config
	llm    core.LLMProvider
	engine *queryengine.Engine
	emitter
}

func NewSegmentation(cfg *config.Config, llm core.LLMProvider, engine *queryengine.Engine, sink events.Sink) *Segmentation {
	return &Segmentation{
		cfg:     cfg,
		llm:     llm,
		engine:  engine,
		emitter: newEmitter(sink, "segmentation"),
	}
}

func (s *Segmentation) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Name:        "segmentation",
		Description: "Groups records into segments: value tiers from percentiles, categorical groupings, and segment profiles with sizes and shares.",
		WorkTypes:   []string{"segmentation", "grouping", "tiering", "distribution"},
		InputSchema: map[string]interface{}{
			"instruction": "how to segment the data",
		},
		OutputSchema: map[string]interface{}{
			"summary":  "overview of the segments found",
			"segments": "per-segment name, size, and characteristics",
			"findings": "concrete findings about the segments",
			"results":  "rows per executed query",
		},
	}
}

func (s *Segmentation) Execute(ctx context.Context, env capability.TaskEnvelope) (capability.Result, error) {
	started := time.Now()
	s.emit(ctx, env.SessionID, events.KindReceived, "Segmentation request received", map[string]interface{}{
		"instruction": env.Instruction,
	}, 0)

	if len(env.Schema.Fields) == 0 {
		s.emit(ctx, env.SessionID, events.KindError, "No fields to segment on", nil, 0)
		return capability.Result{Status: capability.StatusFailed, Error: "dataset has no fields"}, nil
	}
	schemaDesc := env.Schema.Describe()

	approach, queries, err := s.planSegments(ctx, env, schemaDesc)
	if err != nil {
		s.emit(ctx, env.SessionID, events.KindError, "Segment planning failed", map[string]interface{}{
			"error": err.Error(),
		}, time.Since(started).Milliseconds())
		return capability.Result{Status: capability.StatusFailed, Error: err.Error()}, nil
	}
	s.emit(ctx, env.SessionID, events.KindThinking, "Planned segmentation queries", map[string]interface{}{
		"approach":    approach,
		"query_count": len(queries),
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
		s.emit(ctx, env.SessionID, events.KindAction, "Running segment query: "+q.Purpose, map[string]interface{}{
			"purpose": q.Purpose,
			"query":   q.SQL,
		}, 0)
		queryStart := time.Now()
		run, err := s.engine.Run(ctx, q.SQL, schemaDesc)
		for _, attempt := range run.Attempts {
			records = append(records, capability.QueryRecord{Purpose: q.Purpose, Query: attempt.Query})
		}
		if err != nil {
			failures++
			s.emit(ctx, env.SessionID, events.KindError, "Segment query failed: "+q.Purpose, map[string]interface{}{
				"error":    err.Error(),
				"attempts": len(run.Attempts),
			}, time.Since(queryStart).Milliseconds())
			continue
		}
		rowTotal += run.Rows.RowCount
		results[q.Purpose] = run.Rows.Data
		s.emit(ctx, env.SessionID, events.KindResult, "Segment query succeeded: "+q.Purpose, map[string]interface{}{
			"rows":     run.Rows.RowCount,
			"attempts": len(run.Attempts),
		}, time.Since(queryStart).Milliseconds())
	}

	if len(results) == 0 {
		s.emit(ctx, env.SessionID, events.KindError, "All segment queries failed", map[string]interface{}{
			"failed": failures,
		}, time.Since(started).Milliseconds())
		return capability.Result{
			Status:     capability.StatusFailed,
			Error:      fmt.Sprintf("all %d planned segment queries failed", failures),
			QueriesRun: records,
			Metrics:    capability.Metrics{Duration: time.Since(started)},
		}, nil
	}

	payload := s.profileSegments(ctx, env, results)
	payload["results"] = results

	segmentCount := 0
	if segs, ok := payload["segments"].([]map[string]interface{}); ok {
		segmentCount = len(segs)
	}
	s.emit(ctx, env.SessionID, events.KindResult, "Segmentation complete", map[string]interface{}{
		"segments":          segmentCount,
		"queries_succeeded": len(results),
		"queries_failed":    failures,
	}, time.Since(started).Milliseconds())

	return capability.Result{
		Status:     capability.StatusCompleted,
		Payload:    payload,
		QueriesRun: records,
		Metrics:    capability.Metrics{Duration: time.Since(started), RowCount: rowTotal},
	}, nil
}

func (s *Segmentation) planSegments(ctx context.Context, env capability.TaskEnvelope, schemaDesc string) (string, []plannedQuery, error) {
	priorBlock := ""
	if len(env.PriorResults) > 0 {
		if encoded, err := json.Marshal(env.PriorResults); err == nil {
			priorBlock = "\nEARLIER RESULTS (may inform the segments):\n" + string(encoded) + "\n"
		}
	}

	prompt := fmt.Sprintf(`You are a data segmentation analyst generating PostgreSQL queries.%s

TASK: %s

%s
Plan between one and three SELECT queries that create meaningful segments.

Rules:
- Read-only SELECT statements only, one statement each, no semicolons.
- Use the exact access paths listed for each field.
- Value tiers: bucket a numeric field with NTILE(3) or NTILE(4) over an
  ordered window, or percentile_cont for custom breakpoints.
- Categorical grouping: GROUP BY a text field with COUNT(*) for segment
  size and SUM/AVG of key metrics per segment.
- Include each segment's share of the total where it helps.

OUTPUT FORMAT (JSON):
{
  "approach": "one sentence on how you will segment the data",
  "queries": [
    {"purpose": "what segment this query creates", "sql": "SELECT ..."}
  ]
}`, priorBlock, env.Instruction, schemaDesc)

	response, err := core.GenerateWithRetry(ctx, s.llm, prompt, s.cfg.LLM.Routing.Analysis, map[string]interface{}{
		"temperature": 0.2,
		"max_tokens":  1200,
	})
	if err != nil {
		return "", nil, err
	}

	var parsed struct {
		Approach string         `json:"approach"`
		Queries  []plannedQuery `json:"queries"`
	}
	if err := extractJSON(response, &parsed); err != nil {
		return "", nil, fmt.Errorf("parsing segment plan: %w", err)
	}
	var queries []plannedQuery
	for _, q := range parsed.Queries {
		if strings.TrimSpace(q.SQL) == "" {
			continue
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return "", nil, fmt.Errorf("model planned no segment queries")
	}
	return parsed.Approach, queries, nil
}

// profileSegments turns segment rows into named segment profiles. A failure
// here degrades to raw results rather than failing the capability.
func (s *Segmentation) profileSegments(ctx context.Context, env capability.TaskEnvelope, results map[string]interface{}) map[string]interface{} {
	encoded, err := json.Marshal(results)
	if err != nil {
		return map[string]interface{}{}
	}
	if len(encoded) > 8000 {
		encoded = encoded[:8000]
	}

	prompt := fmt.Sprintf(`Segmentation query results for the task below. Profile the segments.

TASK: %s

RESULTS:
%s

OUTPUT FORMAT (JSON):
{
  "summary": "one or two sentences on the segments identified, with key numbers",
  "segments": [
    {"name": "segment name", "size": "count or share", "characteristics": "what distinguishes it"}
  ],
  "findings": ["concrete finding about a segment", "..."]
}`, env.Instruction, string(encoded))

	response, err := core.GenerateWithRetry(ctx, s.llm, prompt, s.cfg.LLM.Routing.Analysis, map[string]interface{}{
		"temperature": 0.3,
		"max_tokens":  800,
	})
	if err != nil {
		s.logger.Printf("segment profiling failed: %v", err)
		return map[string]interface{}{}
	}
	var parsed struct {
		Summary  string                   `json:"summary"`
		Segments []map[string]interface{} `json:"segments"`
		Findings []string                 `json:"findings"`
	}
	if err := extractJSON(response, &parsed); err != nil {
		s.logger.Printf("segment profile parsing failed: %v", err)
		return map[string]interface{}{}
	}
	out := map[string]interface{}{}
	if parsed.Summary != "" {
		out["summary"] = parsed.Summary
	}
	if len(parsed.Segments) > 0 {
		out["segments"] = parsed.Segments
	}
	if len(parsed.Findings) > 0 {
		out["findings"] = parsed.Findings
	}
	return out
}
