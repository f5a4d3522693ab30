package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/querypilot/querypilot/config"
	core "github.com/querypilot/querypilot/internal/agent/core"
	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/schema"
	"github.com/querypilot/querypilot/internal/store"
)

// unresolvableSchemas fails every lookup so the background workflow ends
// quickly without touching the database.
type unresolvableSchemas struct{}

func (unresolvableSchemas) DatasetContext(ctx context.Context, datasetRef string) (schema.Context, error) {
	return schema.Context{}, fmt.Errorf("dataset %q not found", datasetRef)
}

func setupChatHandler(t *testing.T) (*ChatHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	cfg := &config.Config{}
	bus := events.NewMemoryBus(events.Options{InactivityTimeout: time.Second})
	orch := core.NewOrchestrator(cfg, nil, nil, nil, bus, unresolvableSchemas{}, nil, nil)
	h := &ChatHandler{
		Store:  &store.Store{DB: db},
		Orch:   orch,
		Config: cfg,
		Logger: log.New(log.Writer(), "[CHAT] ", log.LstdFlags),
	}
	return h, mock, func() { db.Close() }
}

func TestChatMessageRequiresDatasetRef(t *testing.T) {
	h, mock, cleanup := setupChatHandler(t)
	defer cleanup()

	body, _ := json.Marshal(map[string]string{"message": "average revenue"})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/message", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "u1")

	err := h.message(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", httpErr.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatMessageSessionRowVisibleBeforeAccept(t *testing.T) {
	h, mock, cleanup := setupChatHandler(t)
	defer cleanup()

	// The INSERT must be served before the handler returns: a client that
	// opens the event stream right after the 202 relies on the session row
	// already existing.
	ensure := regexp.QuoteMeta(`
INSERT INTO sessions (id, user_id, title, created_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (id) DO NOTHING
`)
	mock.ExpectExec(ensure).
		WithArgs(sqlmock.AnyArg(), "u1", "average revenue").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body, _ := json.Marshal(map[string]string{
		"message":     "average revenue",
		"dataset_ref": "ds-1",
	})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/message", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "u1")

	if err := h.message(ctx); err != nil {
		t.Fatalf("message: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp ChatAcceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.SessionID == "" || !resp.Accepted {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatMessageFailedSessionInsertRejected(t *testing.T) {
	h, mock, cleanup := setupChatHandler(t)
	defer cleanup()

	ensure := regexp.QuoteMeta(`
INSERT INTO sessions (id, user_id, title, created_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (id) DO NOTHING
`)
	mock.ExpectExec(ensure).
		WithArgs(sqlmock.AnyArg(), "u1", "average revenue").
		WillReturnError(fmt.Errorf("connection refused"))

	body, _ := json.Marshal(map[string]string{
		"message":     "average revenue",
		"dataset_ref": "ds-1",
	})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/message", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "u1")

	err := h.message(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", httpErr.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatSessionsList(t *testing.T) {
	h, mock, cleanup := setupChatHandler(t)
	defer cleanup()

	now := time.Now()
	list := regexp.QuoteMeta(`SELECT id, user_id, title, created_at FROM sessions WHERE user_id=$1 ORDER BY created_at DESC`)
	mock.ExpectQuery(list).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "created_at"}).
			AddRow("sess-2", "u1", "churn by region", now).
			AddRow("sess-1", "u1", "average revenue", now.Add(-time.Hour)))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "u1")

	if err := h.sessions(ctx); err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []SessionItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 2 || items[0].ID != "sess-2" {
		t.Fatalf("unexpected sessions: %+v", items)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatMessagesHistory(t *testing.T) {
	h, mock, cleanup := setupChatHandler(t)
	defer cleanup()

	owner := regexp.QuoteMeta(`SELECT user_id FROM sessions WHERE id=$1`)
	mock.ExpectQuery(owner).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))

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
			AddRow("m1", "sess-1", store.RoleUser, "average revenue?", []byte(`{}`), now).
			AddRow("m2", "sess-1", store.RoleAssistant, "It is 42.", []byte(`{}`), now))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/chat/sess-1/messages", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("session_id")
	ctx.SetParamValues("sess-1")
	ctx.Set("user_id", "u1")

	if err := h.messages(ctx); err != nil {
		t.Fatalf("messages: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []MessageItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 2 || items[1].Content != "It is 42." {
		t.Fatalf("unexpected history: %+v", items)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatMessagesForbiddenForOtherUser(t *testing.T) {
	h, mock, cleanup := setupChatHandler(t)
	defer cleanup()

	owner := regexp.QuoteMeta(`SELECT user_id FROM sessions WHERE id=$1`)
	mock.ExpectQuery(owner).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/chat/sess-1/messages", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("session_id")
	ctx.SetParamValues("sess-1")
	ctx.Set("user_id", "intruder")

	err := h.messages(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", httpErr.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChatCancelWithoutActiveWorkflow(t *testing.T) {
	h, mock, cleanup := setupChatHandler(t)
	defer cleanup()

	owner := regexp.QuoteMeta(`SELECT user_id FROM sessions WHERE id=$1`)
	mock.ExpectQuery(owner).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/sess-1/cancel", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("session_id")
	ctx.SetParamValues("sess-1")
	ctx.Set("user_id", "u1")

	if err := h.cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["cancelled"] {
		t.Fatal("no workflow in flight, cancelled should be false")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
