package queryengine

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Rows is the generic result of a read query.
type Rows struct {
	Columns  []string                 `json:"columns"`
	Data     []map[string]interface{} `json:"data"`
	RowCount int                      `json:"row_count"`
}

// ExecutionError wraps a database failure so the correction loop can show
// the message back to the model.
type ExecutionError struct {
	Query   string
	Message string
}

func (e *ExecutionError) Error() string {
	return "query execution failed: " + e.Message
}

// Executor runs a validated query against a dataset.
type Executor interface {
	Execute(ctx context.Context, query string) (Rows, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, query string) (Rows, error)

func (f ExecutorFunc) Execute(ctx context.Context, query string) (Rows, error) {
	return f(ctx, query)
}

// PostgresExecutor runs queries inside a read-only transaction. The safety
// gate screens statements first; the read-only transaction backstops it at
// the database.
type PostgresExecutor struct {
	DB      *sql.DB
	Timeout time.Duration
}

func (p *PostgresExecutor) Execute(ctx context.Context, query string) (Rows, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := p.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Rows{}, fmt.Errorf("beginning read-only transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return Rows{}, &ExecutionError{Query: query, Message: err.Error()}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Rows{}, &ExecutionError{Query: query, Message: err.Error()}
	}
	out := Rows{Columns: cols}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Rows{}, &ExecutionError{Query: query, Message: err.Error()}
		}
		record := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			record[col] = normalizeValue(values[i])
		}
		out.Data = append(out.Data, record)
	}
	if err := rows.Err(); err != nil {
		return Rows{}, &ExecutionError{Query: query, Message: err.Error()}
	}
	out.RowCount = len(out.Data)
	return out, nil
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return v
	}
}
