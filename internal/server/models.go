package server

import (
	"time"

	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/schema"
)

// HTTPError is the uniform error body returned by the API.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// ChatMessageRequest submits a question about a dataset. SessionID is
// optional; a new session is created when it is empty.
type ChatMessageRequest struct {
	Message    string `json:"message"`
	SessionID  string `json:"session_id,omitempty"`
	DatasetRef string `json:"dataset_ref"`
}

// ChatAcceptedResponse acknowledges an accepted question. Processing
// continues asynchronously; progress is observable on the event stream.
type ChatAcceptedResponse struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
}

type MessageItem struct {
	ID        string                 `json:"id"`
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type SessionItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// DatasetCreateRequest registers a dataset together with its rows. Fields
// are optional; when omitted the field types are inferred from the rows.
type DatasetCreateRequest struct {
	Name   string                   `json:"name"`
	Fields []schema.Field           `json:"fields,omitempty"`
	Rows   []map[string]interface{} `json:"rows"`
}

type DatasetCreatedResponse struct {
	DatasetID string         `json:"dataset_id"`
	Name      string         `json:"name"`
	RowCount  int            `json:"row_count"`
	Fields    []schema.Field `json:"fields"`
}

type DatasetItem struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	RowCount  int            `json:"row_count"`
	Fields    []schema.Field `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
}

// StreamCompletePayload is the final SSE frame of a session stream. Type is
// "completed" when a terminal event arrived and "timeout" when the stream
// closed on inactivity.
type StreamCompletePayload struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	TotalEvents int    `json:"total_events"`
	Answer      string `json:"answer,omitempty"`
}

// PollResponse is the poll fallback's body.
type PollResponse struct {
	Events      []events.Event `json:"events"`
	LastEventID string         `json:"last_event_id,omitempty"`
	HasMore     bool           `json:"has_more"`
}
