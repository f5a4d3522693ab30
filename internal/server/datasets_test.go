package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/querypilot/querypilot/internal/schema"
	"github.com/querypilot/querypilot/internal/store"
)

func setupDatasetsHandler(t *testing.T) (*DatasetsHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	h := &DatasetsHandler{Store: &store.Store{DB: db}}
	return h, mock, func() { db.Close() }
}

func TestDatasetCreateInfersFieldTypes(t *testing.T) {
	h, mock, cleanup := setupDatasetsHandler(t)
	defer cleanup()

	wantFields := []schema.Field{
		{Name: "region", Type: schema.TypeText, SampleValues: []string{"EU", "US"}},
		{Name: "revenue", Type: schema.TypeNumeric, SampleValues: []string{"10.5", "20"}},
	}
	fieldBytes, _ := json.Marshal(wantFields)

	create := regexp.QuoteMeta(`
INSERT INTO datasets (user_id, name, row_count, fields, created_at)
VALUES ($1,$2,0,$3,NOW())
RETURNING id
`)
	mock.ExpectQuery(create).
		WithArgs("u1", "sales", fieldBytes).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("ds-9"))

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO dataset_rows (dataset_id, row_data) VALUES ($1,$2)`))
	prep.ExpectExec().WithArgs("ds-9", []byte(`{"region":"EU","revenue":10.5}`)).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("ds-9", []byte(`{"region":"US","revenue":20}`)).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE datasets SET row_count = row_count + $2 WHERE id=$1`)).
		WithArgs("ds-9", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body, _ := json.Marshal(map[string]interface{}{
		"name": "sales",
		"rows": []map[string]interface{}{
			{"region": "EU", "revenue": 10.5},
			{"region": "US", "revenue": 20},
		},
	})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/datasets", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "u1")

	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp DatasetCreatedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.DatasetID != "ds-9" || resp.RowCount != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Fields) != 2 || resp.Fields[1].Type != schema.TypeNumeric {
		t.Fatalf("unexpected fields: %+v", resp.Fields)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDatasetCreateRequiresRows(t *testing.T) {
	h, mock, cleanup := setupDatasetsHandler(t)
	defer cleanup()

	body, _ := json.Marshal(map[string]interface{}{"name": "empty"})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/datasets", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "u1")

	err := h.create(ctx)
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

func TestDatasetList(t *testing.T) {
	h, mock, cleanup := setupDatasetsHandler(t)
	defer cleanup()

	now := time.Now()
	fieldBytes, _ := json.Marshal([]schema.Field{{Name: "revenue", Type: schema.TypeNumeric}})
	list := regexp.QuoteMeta(`SELECT id, user_id, name, row_count, fields, created_at FROM datasets WHERE user_id=$1 ORDER BY created_at DESC`)
	mock.ExpectQuery(list).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "row_count", "fields", "created_at"}).
			AddRow("ds-9", "u1", "sales", 2, fieldBytes, now))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/datasets", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "u1")

	if err := h.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []DatasetItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 1 || items[0].Name != "sales" || items[0].Fields[0].Type != schema.TypeNumeric {
		t.Fatalf("unexpected datasets: %+v", items)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
