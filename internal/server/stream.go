package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/runtime"
)

var streamTracer = otel.Tracer("querypilot/stream")

// sessionAuthority answers who owns a session.
type sessionAuthority interface {
	SessionOwner(ctx context.Context, sessionID string) (string, bool, error)
}

// StreamHandler exposes the transparency event feed: a live SSE stream and a
// poll fallback for clients that cannot hold a connection open.
type StreamHandler struct {
	Sessions sessionAuthority
	Source   events.Source
	Logger   *log.Logger
}

func (h *StreamHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("/events/:session_id", h.streamEvents)
	g.GET("/events/:session_id/poll", h.pollEvents)
}

// StreamEvents
//
//	@Summary	Live transparency event stream for a session
//	@Tags		stream
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		session_id	path	string	true	"Session ID"
//	@Param		token		query	string	false	"JWT for EventSource clients"
//	@Produce	text/event-stream
//	@Success	200	{string}	string
//	@Failure	403	{object}	HTTPError
//	@Failure	404	{object}	HTTPError
//	@Router		/api/stream/events/{session_id} [get]
func (h *StreamHandler) streamEvents(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()
	sessionID := c.Param("session_id")
	ctx, span := streamTracer.Start(ctx, "StreamHandler.streamEvents")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))
	c.SetRequest(req.WithContext(ctx))

	if err := h.authorizeSession(c, sessionID); err != nil {
		span.SetStatus(codes.Error, "unauthorized session access")
		return err
	}

	ch, err := h.Source.Subscribe(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	var (
		total    int
		terminal *events.Event
	)
	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			span.RecordError(err)
			h.writeFrame(resp, flusher, "error", []byte(`{"error":"event encoding failed"}`))
			continue
		}
		if err := h.writeFrame(resp, flusher, "event", data); err != nil {
			// client went away
			return nil
		}
		total++
		if events.IsTerminal(ev) {
			e := ev
			terminal = &e
		}
	}

	complete := StreamCompletePayload{
		Type:        "timeout",
		SessionID:   sessionID,
		TotalEvents: total,
	}
	if terminal != nil {
		complete.Type = "completed"
		if answer, ok := terminal.Details["final_answer"].(string); ok {
			complete.Answer = answer
		}
	}
	data, err := json.Marshal(complete)
	if err != nil {
		span.RecordError(err)
		return nil
	}
	_ = h.writeFrame(resp, flusher, "complete", data)
	span.SetAttributes(attribute.Int("total_events", total), attribute.String("completion", complete.Type))
	return nil
}

func (h *StreamHandler) writeFrame(resp *echo.Response, flusher http.Flusher, event string, data []byte) error {
	if _, err := resp.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// PollEvents
//
//	@Summary	Poll fallback for the transparency event feed
//	@Tags		stream
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		session_id		path		string	true	"Session ID"
//	@Param		last_event_id	query		string	false	"Return only events after this cursor"
//	@Success	200				{object}	PollResponse
//	@Failure	403				{object}	HTTPError
//	@Failure	404				{object}	HTTPError
//	@Router		/api/stream/events/{session_id}/poll [get]
func (h *StreamHandler) pollEvents(c echo.Context) error {
	sessionID := c.Param("session_id")
	if err := h.authorizeSession(c, sessionID); err != nil {
		return err
	}
	sinceID := strings.TrimSpace(c.QueryParam("last_event_id"))
	evts, hasMore, err := h.Source.Poll(c.Request().Context(), sessionID, sinceID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := PollResponse{Events: evts, HasMore: hasMore}
	if len(evts) > 0 {
		out.LastEventID = evts[len(evts)-1].ID
	} else {
		out.LastEventID = sinceID
	}
	return c.JSON(http.StatusOK, out)
}

func (h *StreamHandler) authorizeSession(c echo.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id required")
	}
	userID, _ := c.Get("user_id").(string)
	owner, exists, err := h.Sessions.SessionOwner(c.Request().Context(), sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !exists {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if owner != userID {
		return echo.NewHTTPError(http.StatusForbidden, "session belongs to another user")
	}
	return nil
}
