package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/webpilot/internal/events"
)

// wsMessage is the inbound client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	ID      string `json:"id,omitempty"`
}

// wsConn serializes writes; the read loop and the run goroutine both
// push frames through the event sink.
type wsConn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	active atomic.Bool
}

func (c *wsConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(context.Background(), websocket.MessageText, data)
}

// handleWS upgrades the connection and streams every event of this
// session to the client while feeding inbound messages into the run
// loop. One run is active per connection at a time.
func (s *Server) handleWS(c echo.Context) error {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	origins := s.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: origins,
	})
	if err != nil {
		s.logger.Printf("websocket accept failed: %v", err)
		return nil
	}
	conn := &wsConn{ws: ws}
	conn.active.Store(true)
	defer func() {
		conn.active.Store(false)
		_ = ws.Close(websocket.StatusNormalClosure, "session ended")
	}()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	bus, loop := s.newRuntime()
	sub := bus.SubscribeAll(func(ctx context.Context, ev events.Event) error {
		if !conn.active.Load() {
			return nil
		}
		return conn.writeJSON(ev)
	})
	defer bus.Unsubscribe(sub)

	if err := conn.writeJSON(events.Event{
		Type: events.TypeSessionInfo,
		Data: map[string]interface{}{"session_id": sessionID},
	}); err != nil {
		return nil
	}

	var running atomic.Bool
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Printf("websocket read error on %s: %v", sessionID, err)
			}
			return nil
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			bus.Publish(ctx, events.TypeError, map[string]interface{}{
				"message": "malformed message",
			})
			continue
		}

		switch msg.Type {
		case "message":
			if !running.CompareAndSwap(false, true) {
				bus.Publish(ctx, events.TypeError, map[string]interface{}{
					"message": "a run is already in progress for this session",
				})
				continue
			}
			// A disconnect only stops the event stream; the run itself
			// continues to completion and persists its session state.
			runCtx := context.WithoutCancel(ctx)
			go func(text string) {
				defer running.Store(false)
				if _, err := loop.Run(runCtx, sessionID, text); err != nil {
					s.logger.Printf("run failed on %s: %v", sessionID, err)
					bus.Publish(runCtx, events.TypeError, map[string]interface{}{
						"message": err.Error(),
					})
				}
			}(msg.Message)
		case "ping":
			bus.Publish(ctx, events.TypePong, nil)
		case "clarification_response":
			// Answer to a browser-agent question, keyed by the id carried
			// in the cua_clarification event.
			s.correlator.Send(msg.ID, msg.Message)
		case "took_control":
			s.correlator.Send(sessionID+"_took_control", true)
		case "took_control_response":
			s.correlator.Send(sessionID+"_took_control_response", msg.Message)
		default:
			bus.Publish(ctx, events.TypeError, map[string]interface{}{
				"message": "unknown message type: " + msg.Type,
			})
		}
	}
}
