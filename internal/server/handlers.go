package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/webpilot/internal/agent/core"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID           string   `json:"session_id"`
	Response            string   `json:"response,omitempty"`
	ClarificationNeeded bool     `json:"clarification_needed,omitempty"`
	Questions           []string `json:"questions,omitempty"`
}

// handleChat runs one non-interactive turn. When the planner needs
// clarification the run suspends and the questions come back in the
// response; the client answers by posting again with the same session id.
func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	_, loop := s.newRuntime()
	res, err := loop.Run(c.Request().Context(), req.SessionID, req.Message)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if res.ClarificationNeeded {
		return c.JSON(http.StatusOK, chatResponse{
			SessionID:           req.SessionID,
			ClarificationNeeded: true,
			Questions:           res.Questions,
		})
	}
	return c.JSON(http.StatusOK, chatResponse{
		SessionID: req.SessionID,
		Response:  res.Answer,
	})
}

type conversationResponse struct {
	SessionID    string         `json:"session_id"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	Conversation []core.Message `json:"conversation"`
}

func (s *Server) handleConversation(c echo.Context) error {
	sessionID := c.Param("session_id")
	rec, ok, err := s.store.Get(c.Request().Context(), sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	msgs, err := core.DecodeConversation(rec.Conversation)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conversationResponse{
		SessionID:    sessionID,
		CreatedAt:    rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:    rec.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		Conversation: msgs,
	})
}
