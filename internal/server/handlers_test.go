package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammad-safakhou/webpilot/config"
	"github.com/mohammad-safakhou/webpilot/internal/agent/core"
	"github.com/mohammad-safakhou/webpilot/internal/events"
	"github.com/mohammad-safakhou/webpilot/internal/memory"
	"github.com/mohammad-safakhou/webpilot/internal/telemetry"
)

type stubProvider struct {
	generateFn func(prompt, model string) (string, error)
	completeFn func(req core.CompletionRequest) ([]core.Message, error)
}

func (s *stubProvider) Generate(ctx context.Context, prompt string, model string) (string, error) {
	if s.generateFn == nil {
		return "", nil
	}
	return s.generateFn(prompt, model)
}

func (s *stubProvider) Complete(ctx context.Context, req core.CompletionRequest) ([]core.Message, error) {
	if s.completeFn == nil {
		return nil, nil
	}
	return s.completeFn(req)
}

func testServer(provider core.Provider) *Server {
	cfg := &config.Config{}
	cfg.Agent.MaxStepRounds = 10
	cfg.Agent.MaxClarificationRounds = 3
	cfg.LLM.Routing.Fallback = "test-model"
	return &Server{
		cfg:        cfg,
		store:      memory.NewInMemoryStore(),
		provider:   provider,
		correlator: events.NewCorrelator(0),
		metrics:    telemetry.New(),
		logger:     log.New(log.Writer(), "[SERVER] ", log.LstdFlags),
	}
}

func postChat(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, s.handleChat(c)
}

func TestChatReturnsDirectAnswer(t *testing.T) {
	provider := &stubProvider{}
	provider.generateFn = func(prompt, model string) (string, error) {
		return `{"needs_plan": false}`, nil
	}
	provider.completeFn = func(req core.CompletionRequest) ([]core.Message, error) {
		return []core.Message{core.AssistantMessage("Paris.")}, nil
	}

	s := testServer(provider)
	rec, err := postChat(t, s, `{"session_id": "s1", "message": "capital of France?"}`)
	if err != nil {
		t.Fatalf("handleChat: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID != "s1" || resp.Response != "Paris." {
		t.Fatalf("response = %+v", resp)
	}
}

func TestChatAssignsSessionIDWhenMissing(t *testing.T) {
	provider := &stubProvider{}
	provider.generateFn = func(prompt, model string) (string, error) {
		return `{"needs_plan": false}`, nil
	}
	provider.completeFn = func(req core.CompletionRequest) ([]core.Message, error) {
		return []core.Message{core.AssistantMessage("hello")}, nil
	}

	s := testServer(provider)
	rec, err := postChat(t, s, `{"message": "hi"}`)
	if err != nil {
		t.Fatalf("handleChat: %v", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("no session id assigned")
	}
}

func TestChatSurfacesClarificationQuestions(t *testing.T) {
	provider := &stubProvider{}
	provider.generateFn = func(prompt, model string) (string, error) {
		if strings.Contains(prompt, "needs_plan") {
			return `{"needs_plan": true}`, nil
		}
		return `{"clarification_needed": true, "clarifying_questions": ["Which city?"], "plan": []}`, nil
	}

	s := testServer(provider)
	rec, err := postChat(t, s, `{"session_id": "s1", "message": "book a hotel"}`)
	if err != nil {
		t.Fatalf("handleChat: %v", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.ClarificationNeeded || len(resp.Questions) != 1 || resp.Questions[0] != "Which city?" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	s := testServer(&stubProvider{})
	_, err := postChat(t, s, `{"session_id": "s1", "message": "  "}`)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400", err)
	}
}

func TestRuntimeCountsPublishedEvents(t *testing.T) {
	provider := &stubProvider{}
	provider.generateFn = func(prompt, model string) (string, error) {
		return `{"needs_plan": false}`, nil
	}
	provider.completeFn = func(req core.CompletionRequest) ([]core.Message, error) {
		return []core.Message{core.AssistantMessage("hi")}, nil
	}

	s := testServer(provider)
	_, loop := s.newRuntime()
	if _, err := loop.Run(context.Background(), "s1", "hello"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := testutil.ToFloat64(s.metrics.EventsPublished.WithLabelValues(events.TypeComplete)); got != 1 {
		t.Fatalf("complete events counted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.metrics.EventsPublished.WithLabelValues(events.TypeThinking)); got == 0 {
		t.Fatal("thinking events not counted")
	}
}

func TestConversationEndpoint(t *testing.T) {
	s := testServer(&stubProvider{})
	ctx := context.Background()
	if _, err := s.store.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := s.store.AppendMessage(ctx, "s1", core.UserMessage("hello")); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/conversation/s1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues("s1")

	if err := s.handleConversation(c); err != nil {
		t.Fatalf("handleConversation: %v", err)
	}
	var resp conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Conversation) != 1 || resp.Conversation[0].Content != "hello" {
		t.Fatalf("conversation = %+v", resp.Conversation)
	}
}

func TestConversationUnknownSessionIs404(t *testing.T) {
	s := testServer(&stubProvider{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/conversation/nope", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues("nope")

	err := s.handleConversation(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("err = %v, want 404", err)
	}
}
