package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/querypilot/querypilot/internal/schema"
)

type Store struct {
	DB *sql.DB
}

// Message roles persisted for a session.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a session's conversation history.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// Session groups messages and workflow runs under one conversation.
type Session struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
}

// Dataset describes an uploaded dataset; its schema context lives in the
// fields JSONB column and its rows in dataset_rows.
type Dataset struct {
	ID        string
	UserID    string
	Name      string
	RowCount  int
	Fields    []schema.Field
	CreatedAt time.Time
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Session operations

// EnsureSession creates the session row if it does not exist yet. Repeat
// messages into the same session keep the original title.
func (s *Store) EnsureSession(ctx context.Context, sessionID, userID, title string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO sessions (id, user_id, title, created_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (id) DO NOTHING
`, sessionID, userID, title)
	return err
}

// SessionOwner returns the user owning a session. Bool indicates existence.
func (s *Store) SessionOwner(ctx context.Context, sessionID string) (string, bool, error) {
	var userID string
	err := s.DB.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id=$1`, sessionID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, title, created_at FROM sessions WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Message operations

func (s *Store) SaveMessage(ctx context.Context, sessionID, role, content string, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO messages (session_id, role, content, metadata, created_at)
VALUES ($1,$2,$3,$4,NOW())
`, sessionID, role, content, metaBytes)
	return err
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, role, content, metadata, created_at
FROM messages
WHERE session_id=$1
ORDER BY created_at ASC, id ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m         Message
			metaBytes []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &metaBytes, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &m.Metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Dataset operations

// CreateDataset registers a dataset's schema context. Rows are loaded
// separately through InsertDatasetRows.
func (s *Store) CreateDataset(ctx context.Context, userID, name string, fields []schema.Field) (string, error) {
	fieldBytes, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal dataset fields: %w", err)
	}
	var id string
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO datasets (user_id, name, row_count, fields, created_at)
VALUES ($1,$2,0,$3,NOW())
RETURNING id
`, userID, name, fieldBytes).Scan(&id)
	return id, err
}

// InsertDatasetRows appends rows to a dataset and bumps its row_count, in
// one transaction.
func (s *Store) InsertDatasetRows(ctx context.Context, datasetID string, rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO dataset_rows (dataset_id, row_data) VALUES ($1,$2)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		rowBytes, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal dataset row: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, datasetID, rowBytes); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE datasets SET row_count = row_count + $2 WHERE id=$1`, datasetID, len(rows)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListDatasets(ctx context.Context, userID string) ([]Dataset, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, name, row_count, fields, created_at FROM datasets WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Dataset
	for rows.Next() {
		var (
			d          Dataset
			fieldBytes []byte
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.RowCount, &fieldBytes, &d.CreatedAt); err != nil {
			return nil, err
		}
		if len(fieldBytes) > 0 {
			if err := json.Unmarshal(fieldBytes, &d.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal dataset fields: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DatasetContext resolves a dataset reference to the schema context the
// planner and capabilities work against.
func (s *Store) DatasetContext(ctx context.Context, datasetRef string) (schema.Context, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, row_count, fields FROM datasets WHERE id=$1`, datasetRef)
	var (
		sc         schema.Context
		fieldBytes []byte
	)
	if err := row.Scan(&sc.DatasetID, &sc.Name, &sc.RowCount, &fieldBytes); err != nil {
		if err == sql.ErrNoRows {
			return schema.Context{}, fmt.Errorf("dataset %q not found", datasetRef)
		}
		return schema.Context{}, err
	}
	if len(fieldBytes) > 0 {
		if err := json.Unmarshal(fieldBytes, &sc.Fields); err != nil {
			return schema.Context{}, fmt.Errorf("unmarshal dataset fields: %w", err)
		}
	}
	return sc, nil
}
