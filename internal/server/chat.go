package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/querypilot/querypilot/config"
	core "github.com/querypilot/querypilot/internal/agent/core"
	"github.com/querypilot/querypilot/internal/runtime"
	"github.com/querypilot/querypilot/internal/store"
)

// ChatHandler accepts questions and hands them to the orchestrator. Requests
// are acknowledged immediately; progress is observable on the event stream.
type ChatHandler struct {
	Store  *store.Store
	Orch   *core.Orchestrator
	Config *config.Config
	Logger *log.Logger
}

func (h *ChatHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("/message", h.message)
	g.GET("/sessions", h.sessions)
	g.POST("/:session_id/cancel", h.cancel)
	g.GET("/:session_id/messages", h.messages)
}

// Message
//
//	@Summary		Ask a question about a dataset
//	@Description	Accepts the question and processes it asynchronously
//	@Tags			chat
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		ChatMessageRequest	true	"Question payload"
//	@Success		202		{object}	ChatAcceptedResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		403		{object}	HTTPError
//	@Router			/api/chat/message [post]
func (h *ChatHandler) message(c echo.Context) error {
	var req ChatMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}
	if strings.TrimSpace(req.DatasetRef) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "dataset_ref required")
	}
	userID, _ := c.Get("user_id").(string)

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else {
		owner, exists, err := h.Store.SessionOwner(c.Request().Context(), sessionID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if exists && owner != userID {
			return echo.NewHTTPError(http.StatusForbidden, "session belongs to another user")
		}
	}

	// The session row must be visible before the 202 goes out: clients open
	// the event stream immediately, and its ownership check would 404 on a
	// session that only the background workflow creates.
	if err := h.Store.EnsureSession(c.Request().Context(), sessionID, userID, req.Message); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	analysisReq := core.AnalysisRequest{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		UserID:      userID,
		Text:        req.Message,
		DatasetRef:  req.DatasetRef,
		SubmittedAt: time.Now(),
	}

	// Process on a background context: the HTTP request returns right away
	// and must not take the workflow down with it.
	maxProcessing := h.Config.General.MaxProcessingTime
	if maxProcessing <= 0 {
		maxProcessing = 10 * time.Minute
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), maxProcessing)
		defer cancel()
		if _, err := h.Orch.Handle(ctx, analysisReq); err != nil {
			h.Logger.Printf("session %s: processing failed: %v", sessionID, err)
		}
	}()

	return c.JSON(http.StatusAccepted, ChatAcceptedResponse{SessionID: sessionID, Accepted: true})
}

// Cancel
//
//	@Summary	Cancel in-flight processing for a session
//	@Tags		chat
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		session_id	path		string	true	"Session ID"
//	@Success	200			{object}	map[string]bool
//	@Failure	403			{object}	HTTPError
//	@Router		/api/chat/{session_id}/cancel [post]
func (h *ChatHandler) cancel(c echo.Context) error {
	sessionID := c.Param("session_id")
	if err := h.authorizeSession(c, sessionID); err != nil {
		return err
	}
	cancelled := h.Orch.Cancel(sessionID)
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// Messages
//
//	@Summary	Conversation history for a session
//	@Tags		chat
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		session_id	path		string	true	"Session ID"
//	@Success	200			{array}		MessageItem
//	@Failure	403			{object}	HTTPError
//	@Router		/api/chat/{session_id}/messages [get]
func (h *ChatHandler) messages(c echo.Context) error {
	sessionID := c.Param("session_id")
	if err := h.authorizeSession(c, sessionID); err != nil {
		return err
	}
	msgs, err := h.Store.ListMessages(c.Request().Context(), sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]MessageItem, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageItem{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// Sessions
//
//	@Summary	List the caller's sessions, newest first
//	@Tags		chat
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{array}	SessionItem
//	@Router		/api/chat/sessions [get]
func (h *ChatHandler) sessions(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	sessions, err := h.Store.ListSessions(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]SessionItem, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionItem{
			ID:        s.ID,
			Title:     s.Title,
			CreatedAt: s.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ChatHandler) authorizeSession(c echo.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id required")
	}
	userID, _ := c.Get("user_id").(string)
	owner, exists, err := h.Store.SessionOwner(c.Request().Context(), sessionID)
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
