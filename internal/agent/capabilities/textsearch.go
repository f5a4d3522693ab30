package capabilities

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/querypilot/querypilot/config"
	"github.com/querypilot/querypilot/internal/agent/core"
	"github.com/querypilot/querypilot/internal/capability"
	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/queryengine"
	"github.com/querypilot/querypilot/internal/schema"
)

const candidateLimit = 100

// TextSearch answers free-text questions over text fields. The model
// expands the phrase into search terms, ILIKE queries fetch candidate rows,
// and an in-memory index ranks the candidates against the original phrase.
type TextSearch struct {
	cfg    *config.Config
	llm    core.LLMProvider
	engine *queryengine.Engine
	emitter
}

func NewTextSearch(cfg *config.Config, llm core.LLMProvider, engine *queryengine.Engine, sink events.Sink) *TextSearch {
	return &TextSearch{
		cfg:     cfg,
		llm:     llm,
		engine:  engine,
		emitter: newEmitter(sink, "text_search"),
	}
}

func (t *TextSearch) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Name:        "text_search",
		Description: "Finds rows matching a phrase or topic in the dataset's text fields, ranked by relevance.",
		WorkTypes:   []string{"search", "lookup", "matching"},
		InputSchema: map[string]interface{}{
			"instruction": "what to search for",
		},
		OutputSchema: map[string]interface{}{
			"matches": "ranked matching rows",
			"terms":   "search terms used",
		},
	}
}

func (t *TextSearch) Execute(ctx context.Context, env capability.TaskEnvelope) (capability.Result, error) {
	started := time.Now()
	t.emit(ctx, env.SessionID, events.KindReceived, "Search request received", map[string]interface{}{
		"instruction": env.Instruction,
	}, 0)

	textFields := env.Schema.FieldsOfType(schema.TypeText)
	if len(textFields) == 0 {
		t.emit(ctx, env.SessionID, events.KindError, "No text fields in dataset", nil, 0)
		return capability.Result{Status: capability.StatusFailed, Error: "dataset has no text fields to search"}, nil
	}

	terms, err := t.expandTerms(ctx, env.Instruction)
	if err != nil {
		t.emit(ctx, env.SessionID, events.KindError, "Term expansion failed", map[string]interface{}{
			"error": err.Error(),
		}, time.Since(started).Milliseconds())
		return capability.Result{Status: capability.StatusFailed, Error: err.Error()}, nil
	}
	t.emit(ctx, env.SessionID, events.KindThinking, "Expanded search terms", map[string]interface{}{
		"terms":  terms,
		"fields": textFields,
	}, 0)

	query := buildSearchQuery(env.Schema, textFields, terms)
	t.emit(ctx, env.SessionID, events.KindAction, "Fetching candidate rows", map[string]interface{}{
		"query": query,
	}, 0)

	schemaDesc := env.Schema.Describe()
	run, err := t.engine.Run(ctx, query, schemaDesc)
	records := make([]capability.QueryRecord, 0, len(run.Attempts))
	for _, attempt := range run.Attempts {
		records = append(records, capability.QueryRecord{Purpose: "candidate fetch", Query: attempt.Query})
	}
	if err != nil {
		t.emit(ctx, env.SessionID, events.KindError, "Candidate fetch failed", map[string]interface{}{
			"error": err.Error(),
		}, time.Since(started).Milliseconds())
		return capability.Result{
			Status:     capability.StatusFailed,
			Error:      err.Error(),
			QueriesRun: records,
			Metrics:    capability.Metrics{Duration: time.Since(started)},
		}, nil
	}

	matches := t.rank(env.Instruction, textFields, run.Rows.Data)

	t.emit(ctx, env.SessionID, events.KindResult, "Search complete", map[string]interface{}{
		"candidates": run.Rows.RowCount,
		"matches":    len(matches),
	}, time.Since(started).Milliseconds())

	return capability.Result{
		Status: capability.StatusCompleted,
		Payload: map[string]interface{}{
			"matches":          matches,
			"terms":            terms,
			"total_candidates": run.Rows.RowCount,
		},
		QueriesRun: records,
		Metrics:    capability.Metrics{Duration: time.Since(started), RowCount: run.Rows.RowCount},
	}, nil
}

func (t *TextSearch) expandTerms(ctx context.Context, instruction string) ([]string, error) {
	prompt := fmt.Sprintf(`Expand this search request into 2 to 5 short search terms, including synonyms and close variants.

REQUEST: %s

OUTPUT FORMAT (JSON):
{"terms": ["term one", "term two"]}`, instruction)

	response, err := core.GenerateWithRetry(ctx, t.llm, prompt, t.cfg.LLM.Routing.Analysis, map[string]interface{}{
		"temperature": 0.3,
		"max_tokens":  200,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Terms []string `json:"terms"`
	}
	if err := extractJSON(response, &parsed); err != nil {
		return nil, fmt.Errorf("parsing search terms: %w", err)
	}
	var terms []string
	for _, term := range parsed.Terms {
		term = strings.TrimSpace(term)
		if term != "" {
			terms = append(terms, term)
		}
	}
	if len(terms) == 0 {
		terms = []string{strings.TrimSpace(instruction)}
	}
	return terms, nil
}

// buildSearchQuery produces one ILIKE scan over all text fields for all
// terms, bounded by candidateLimit.
func buildSearchQuery(schemaCtx schema.Context, fields, terms []string) string {
	var clauses []string
	for _, field := range fields {
		for _, term := range terms {
			escaped := strings.ReplaceAll(term, "'", "''")
			clauses = append(clauses, fmt.Sprintf("row_data->>'%s' ILIKE '%%%s%%'", field, escaped))
		}
	}
	return fmt.Sprintf("SELECT row_data FROM dataset_rows WHERE dataset_id = '%s' AND (%s) LIMIT %d",
		schemaCtx.DatasetID, strings.Join(clauses, " OR "), candidateLimit)
}

// rank orders candidate rows by relevance to the original phrase using an
// in-memory index. Falls back to input order when indexing fails.
func (t *TextSearch) rank(phrase string, textFields []string, rows []map[string]interface{}) []map[string]interface{} {
	if len(rows) == 0 {
		return nil
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		t.logger.Printf("ranking index unavailable, returning unranked rows: %v", err)
		return clip(rows, 20)
	}
	defer index.Close()

	for i, row := range rows {
		doc := map[string]interface{}{}
		for _, field := range textFields {
			if v, ok := row[field]; ok {
				doc[field] = fmt.Sprintf("%v", v)
			}
		}
		// Rows arrive as a single row_data JSON column; index its text too.
		if v, ok := row["row_data"]; ok {
			doc["row_data"] = fmt.Sprintf("%v", v)
		}
		if err := index.Index(strconv.Itoa(i), doc); err != nil {
			t.logger.Printf("failed to index candidate %d: %v", i, err)
		}
	}

	query := bleve.NewMatchQuery(phrase)
	searchReq := bleve.NewSearchRequestOptions(query, 20, 0, false)
	res, err := index.Search(searchReq)
	if err != nil {
		t.logger.Printf("ranking search failed, returning unranked rows: %v", err)
		return clip(rows, 20)
	}

	var out []map[string]interface{}
	for _, hit := range res.Hits {
		i, err := strconv.Atoi(hit.ID)
		if err != nil || i < 0 || i >= len(rows) {
			continue
		}
		row := rows[i]
		row["_score"] = hit.Score
		out = append(out, row)
	}
	if len(out) == 0 {
		return clip(rows, 20)
	}
	return out
}

func clip(rows []map[string]interface{}, n int) []map[string]interface{} {
	if len(rows) <= n {
		return rows
	}
	return rows[:n]
}
