package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/querypilot/querypilot/internal/schema"
)

func TestEnsureSessionIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
INSERT INTO sessions (id, user_id, title, created_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (id) DO NOTHING
`)
	mock.ExpectExec(query).
		WithArgs("sess-1", "user-1", "average revenue").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).
		WithArgs("sess-1", "user-1", "follow-up").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.EnsureSession(context.Background(), "sess-1", "user-1", "average revenue"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := st.EnsureSession(context.Background(), "sess-1", "user-1", "follow-up"); err != nil {
		t.Fatalf("EnsureSession repeat: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveAndListMessages(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	insert := regexp.QuoteMeta(`
INSERT INTO messages (session_id, role, content, metadata, created_at)
VALUES ($1,$2,$3,$4,NOW())
`)
	mock.ExpectExec(insert).
		WithArgs("sess-1", RoleUser, "what is the average revenue?", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := st.SaveMessage(context.Background(), "sess-1", RoleUser, "what is the average revenue?", nil); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	now := time.Now()
	list := regexp.QuoteMeta(`
SELECT id, session_id, role, content, metadata, created_at
FROM messages
WHERE session_id=$1
ORDER BY created_at ASC, id ASC
`)
	mock.ExpectQuery(list).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "role", "content", "metadata", "created_at"}).
			AddRow("m1", "sess-1", RoleUser, "what is the average revenue?", []byte(`{}`), now).
			AddRow("m2", "sess-1", RoleAssistant, "The average revenue is 42.", []byte(`{"workflow":"done"}`), now))

	msgs, err := st.ListMessages(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Metadata["workflow"] != "done" {
		t.Fatalf("unexpected message: %+v", msgs[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDatasetContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`SELECT id, name, row_count, fields FROM datasets WHERE id=$1`)
	mock.ExpectQuery(query).
		WithArgs("ds-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "row_count", "fields"}).
			AddRow("ds-1", "clients", 120, []byte(`[{"name":"revenue","type":"numeric"},{"name":"notes","type":"text"}]`)))

	sc, err := st.DatasetContext(context.Background(), "ds-1")
	if err != nil {
		t.Fatalf("DatasetContext: %v", err)
	}
	if sc.DatasetID != "ds-1" || sc.RowCount != 120 || len(sc.Fields) != 2 {
		t.Fatalf("unexpected context: %+v", sc)
	}
	if sc.Fields[0].Type != schema.TypeNumeric {
		t.Fatalf("unexpected field type: %+v", sc.Fields[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDatasetContextNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`SELECT id, name, row_count, fields FROM datasets WHERE id=$1`)
	mock.ExpectQuery(query).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "row_count", "fields"}))

	if _, err := st.DatasetContext(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown dataset")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertDatasetRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectBegin()
	insert := regexp.QuoteMeta(`INSERT INTO dataset_rows (dataset_id, row_data) VALUES ($1,$2)`)
	prep := mock.ExpectPrepare(insert)
	prep.ExpectExec().WithArgs("ds-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("ds-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE datasets SET row_count = row_count + $2 WHERE id=$1`)).
		WithArgs("ds-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rows := []map[string]interface{}{
		{"revenue": 10, "notes": "first"},
		{"revenue": 20, "notes": "second"},
	}
	if err := st.InsertDatasetRows(context.Background(), "ds-1", rows); err != nil {
		t.Fatalf("InsertDatasetRows: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
