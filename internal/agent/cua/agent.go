package cua

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/webpilot/config"
	"github.com/mohammad-safakhou/webpilot/internal/agent/core"
	"github.com/mohammad-safakhou/webpilot/internal/events"
	"github.com/mohammad-safakhou/webpilot/internal/telemetry"
)

var turnTracer = otel.Tracer("webpilot/internal/agent/cua")

// ErrSafetyRejected aborts a turn loop when a model-flagged safety check
// is not acknowledged. No output for the flagged call is ever produced.
var ErrSafetyRejected = errors.New("safety check not acknowledged")

// maxTurns bounds a single delegated sub-task. The loop normally ends
// when the model answers with a plain assistant message.
const maxTurns = 50

// Agent runs the browser-control turn loop for one delegated sub-task.
// It implements the run loop's TurnRunner contract.
type Agent struct {
	cfg        *config.Config
	provider   core.Provider
	bus        *events.Bus
	correlator *events.Correlator
	metrics    *telemetry.Metrics
	logger     *log.Logger

	// NewComputer builds the browsing surface for one turn loop. Tests
	// substitute a fake; the default launches headless Chrome.
	NewComputer func(ctx context.Context) (Computer, error)

	// Acknowledge decides whether flagged safety checks are accepted. The
	// default announces each check on the event stream and accepts it;
	// interactive frontends substitute a prompt.
	Acknowledge func(ctx context.Context, checks []core.SafetyCheck) bool
}

func New(cfg *config.Config, provider core.Provider, bus *events.Bus, correlator *events.Correlator, metrics *telemetry.Metrics) *Agent {
	a := &Agent{
		cfg:        cfg,
		provider:   provider,
		bus:        bus,
		correlator: correlator,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}
	a.NewComputer = func(ctx context.Context) (Computer, error) {
		return NewBrowser(ctx, cfg.Browser)
	}
	a.Acknowledge = a.announceChecks
	return a
}

func (a *Agent) announceChecks(ctx context.Context, checks []core.SafetyCheck) bool {
	for _, c := range checks {
		a.bus.Publish(ctx, events.TypeCuaEvent, map[string]interface{}{
			"message": fmt.Sprintf("Safety check acknowledged: %s", c.Message),
		})
	}
	return true
}

// Run drives the browser until the model produces a final assistant
// message, then returns the formatted turn transcript.
func (a *Agent) Run(ctx context.Context, sessionID string, task string) (string, error) {
	ctx, span := turnTracer.Start(ctx, "cua.run")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	comp, err := a.NewComputer(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "browser start failed")
		return "", fmt.Errorf("starting browser session: %w", err)
	}
	defer comp.Close()

	a.bus.Publish(ctx, events.TypeBrowserStarted, map[string]interface{}{
		"message": "Browser session started",
	})

	if a.cfg.Browser.StartURL != "" {
		if err := comp.Navigate(ctx, a.cfg.Browser.StartURL); err != nil {
			a.logger.Printf("navigating to start page: %v", err)
		}
	}

	items := []core.Message{core.UserMessage(task)}
	mon := newMonitorState(task)

	for turn := 0; ; turn++ {
		if turn >= maxTurns {
			err := fmt.Errorf("browser task did not finish after %d turns", maxTurns)
			span.RecordError(err)
			span.SetStatus(codes.Error, "turn cap exceeded")
			return "", err
		}

		a.foldControlHandoff(ctx, sessionID, &items)

		out, err := a.complete(ctx, comp, task, items)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "model turn failed")
			return "", err
		}
		if len(out) == 0 {
			err := errors.New("model returned no output items")
			span.RecordError(err)
			span.SetStatus(codes.Error, "empty model turn")
			return "", err
		}

		for _, item := range out {
			items = append(items, item)
			switch item.Kind {
			case core.KindMessage:
				a.handleMessage(ctx, item, &items)
			case core.KindReasoning:
				a.handleReasoning(ctx, item)
			case core.KindComputerCall:
				if err := a.handleComputerCall(ctx, comp, item, mon, &items); err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, "computer call failed")
					return "", err
				}
			}
		}

		// A clarification answer or guidance injection leaves a user item
		// last, so the loop keeps going. A plain assistant message ends it.
		mon.sinceCheck += len(out)
		last := items[len(items)-1]
		if last.Kind == core.KindMessage && last.Role == core.RoleAssistant {
			break
		}
		if guidance, ok := a.monitorPass(ctx, mon); ok {
			items = append(items, core.UserMessage(guidance))
			a.bus.Publish(ctx, events.TypeCuaEvent, map[string]interface{}{
				"message": "Course correction: " + guidance,
			})
		}
	}

	span.SetStatus(codes.Ok, "")
	return core.FormatTranscript(items), nil
}

func (a *Agent) complete(ctx context.Context, comp Computer, task string, items []core.Message) ([]core.Message, error) {
	width, height := comp.Dimensions()
	req := core.CompletionRequest{
		Model:        a.cfg.LLM.Routing.Model("computer"),
		Instructions: turnInstructions(task),
		Input:        items,
		Tools: []core.ToolSpec{{
			Type:          "computer_use_preview",
			DisplayWidth:  width,
			DisplayHeight: height,
			Environment:   comp.Environment(),
		}},
		Reasoning: true,
	}

	a.metrics.TurnsTotal.Inc()
	started := time.Now()
	out, err := a.provider.Complete(ctx, req)
	a.metrics.ObserveModelCall("computer", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("browser model turn: %w", err)
	}
	return out, nil
}

// handleMessage treats an assistant message ending in a question mark as
// a request for user input and blocks on the correlated reply. The
// answered or timed-out reply is folded back as a user item.
func (a *Agent) handleMessage(ctx context.Context, item core.Message, items *[]core.Message) {
	if item.Role != core.RoleAssistant {
		return
	}
	content := strings.TrimSpace(item.Content)
	if !strings.HasSuffix(content, "?") {
		if content != "" {
			a.bus.Publish(ctx, events.TypeCuaEvent, map[string]interface{}{"message": content})
		}
		return
	}

	id := uuid.NewString()
	a.bus.Publish(ctx, events.TypeCuaClarification, map[string]interface{}{
		"question": content,
		"id":       id,
	})

	answer, ok := a.correlator.Receive(ctx, id, a.cfg.Agent.ClarificationTimeout)
	if !ok {
		a.correlator.Drop(id)
		a.metrics.ClarificationWait.WithLabelValues("timeout").Inc()
		*items = append(*items, core.UserMessage(
			"No answer arrived in time. Use your best judgment, finish what you can, and wrap up the task."))
		return
	}
	a.metrics.ClarificationWait.WithLabelValues("answered").Inc()
	*items = append(*items, core.UserMessage(fmt.Sprintf("%v", answer)))
}

// handleReasoning surfaces the model's thinking on the event stream. It
// is strictly best-effort and never interrupts the loop.
func (a *Agent) handleReasoning(ctx context.Context, item core.Message) {
	summary := strings.TrimSpace(item.Summary)
	if summary == "" {
		return
	}
	action := classifyReasoning(summary)
	a.metrics.ReasoningActions.WithLabelValues(action).Inc()
	a.bus.Publish(ctx, events.TypeCuaReasoning, map[string]interface{}{
		"message": summary,
		"action":  action,
	})
}

func (a *Agent) handleComputerCall(ctx context.Context, comp Computer, item core.Message, mon *monitorState, items *[]core.Message) error {
	if len(item.PendingSafetyChecks) > 0 && !a.Acknowledge(ctx, item.PendingSafetyChecks) {
		msgs := make([]string, 0, len(item.PendingSafetyChecks))
		for _, c := range item.PendingSafetyChecks {
			msgs = append(msgs, c.Message)
		}
		return fmt.Errorf("%w: %s", ErrSafetyRejected, strings.Join(msgs, "; "))
	}

	a.bus.Publish(ctx, events.TypeCuaEvent, map[string]interface{}{
		"message": describeAction(item.Action),
	})

	if err := applyAction(ctx, comp, item.Action); err != nil {
		// The model sees the unchanged page and can recover on its own.
		a.logger.Printf("action failed: %v", err)
		a.bus.Publish(ctx, events.TypeCuaEvent, map[string]interface{}{
			"message": fmt.Sprintf("Action failed: %v", err),
		})
	}

	screenshot, err := comp.Screenshot(ctx)
	if err != nil {
		return fmt.Errorf("capturing screenshot: %w", err)
	}
	currentURL, err := comp.CurrentURL(ctx)
	if err != nil {
		a.logger.Printf("reading current url: %v", err)
	}
	if hostBlocked(currentURL, a.cfg.Browser.BlockedHosts) {
		return fmt.Errorf("navigation reached blocked host: %s", currentURL)
	}

	mon.recordAction(describeAction(item.Action), currentURL)
	if kind, _ := item.Action["type"].(string); kind == "goto" || kind == "navigate" || kind == "back" || kind == "forward" {
		if text, err := comp.PageText(ctx); err == nil && text != "" {
			mon.recordPage(currentURL, text)
		}
	}

	*items = append(*items, core.Message{
		Kind:                     core.KindComputerCallOutput,
		CallID:                   item.CallID,
		Screenshot:               screenshot,
		CurrentURL:               currentURL,
		AcknowledgedSafetyChecks: item.PendingSafetyChecks,
	})
	return nil
}

// foldControlHandoff pauses the loop while the user drives the browser.
// The handoff is keyed on "<session>_took_control"; the user's summary
// of what they did arrives on "<session>_took_control_response".
func (a *Agent) foldControlHandoff(ctx context.Context, sessionID string, items *[]core.Message) {
	if _, ok := a.correlator.TryReceive(sessionID + "_took_control"); !ok {
		return
	}
	a.bus.Publish(ctx, events.TypeCuaEvent, map[string]interface{}{
		"message": "Pausing while you control the browser",
	})
	summary, ok := a.correlator.Receive(ctx, sessionID+"_took_control_response", a.cfg.Agent.ClarificationTimeout)
	if !ok {
		*items = append(*items, core.UserMessage(
			"I took control of the browser briefly. Re-check the current page state and continue."))
		return
	}
	*items = append(*items, core.UserMessage(fmt.Sprintf(
		"I took control of the browser and did the following: %v. Continue from the current page state.", summary)))
}

func classifyReasoning(summary string) string {
	s := strings.ToLower(summary)
	switch {
	case strings.Contains(s, "click"):
		return "clicking"
	case strings.Contains(s, "typ") || strings.Contains(s, "enter") || strings.Contains(s, "fill"):
		return "typing"
	case strings.Contains(s, "search"):
		return "searching"
	case strings.Contains(s, "scroll"):
		return "scrolling"
	case strings.Contains(s, "navigat") || strings.Contains(s, "go to") || strings.Contains(s, "open"):
		return "navigating"
	default:
		return "working"
	}
}

func turnInstructions(task string) string {
	return fmt.Sprintf(`You are controlling a web browser to complete this task:

%s

Guidelines:
- Work autonomously. Do not ask for confirmation before routine actions like clicking, scrolling, or filling forms.
- Only ask the user a question when you are genuinely blocked, for example a credential you do not have or an ambiguous choice with real consequences. End such a message with a question mark.
- If a page fails to load or an element is missing, try an alternative route before giving up.
- When the task is done, reply with a plain message summarizing exactly what you did and what you found.

Today's date is %s.`, task, time.Now().Format("2006-01-02"))
}
