package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/webpilot/internal/agent/core"
)

// slowProvider answers after a delay and honors cancellation, like the
// real HTTP client does.
type slowProvider struct {
	delay time.Duration
}

func (p *slowProvider) Generate(ctx context.Context, prompt string, model string) (string, error) {
	return `{"needs_plan": false}`, nil
}

func (p *slowProvider) Complete(ctx context.Context, req core.CompletionRequest) ([]core.Message, error) {
	select {
	case <-time.After(p.delay):
		return []core.Message{core.AssistantMessage("the answer")}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestDisconnectMidRunDoesNotAbortRun(t *testing.T) {
	s := testServer(&slowProvider{delay: 300 * time.Millisecond})

	e := echo.New()
	s.Register(e)
	srv := httptest.NewServer(e)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/s1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	var greeting struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &greeting); err != nil || greeting.Type != "session_info" {
		t.Fatalf("greeting = %s (err %v)", data, err)
	}

	if err := conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"message","message":"what is the answer"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Drop the connection while the model call is still in flight.
	time.Sleep(100 * time.Millisecond)
	_ = conn.Close(websocket.StatusNormalClosure, "")

	// The run must still finish and persist the assistant answer.
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, ok, err := s.store.Get(context.Background(), "s1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok {
			msgs, err := core.DecodeConversation(rec.Conversation)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if last := msgs[len(msgs)-1]; last.Role == core.RoleAssistant {
				if last.Content != "the answer" {
					t.Fatalf("persisted answer = %q", last.Content)
				}
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("assistant answer never persisted after disconnect")
		}
		time.Sleep(25 * time.Millisecond)
	}
}
