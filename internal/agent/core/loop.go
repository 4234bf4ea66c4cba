package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/webpilot/config"
	"github.com/mohammad-safakhou/webpilot/internal/events"
	"github.com/mohammad-safakhou/webpilot/internal/memory"
	"github.com/mohammad-safakhou/webpilot/internal/telemetry"
)

var loopTracer trace.Tracer = otel.Tracer("webpilot/internal/agent/loop")

// Run-loop states.
type State string

const (
	StateIdle                 State = "idle"
	StateAnalyzing            State = "analyzing"
	StateDirectAnswer         State = "direct_answer"
	StatePlanning             State = "planning"
	StateClarificationPending State = "clarification_pending"
	StateExecuting            State = "executing"
	StateFinalizing           State = "finalizing"
	StateComplete             State = "complete"
)

// PlanFailureMessage is the terminal response when planning yields no
// steps after clarification resolves.
const PlanFailureMessage = "Failed to create a plan. Please try again with a more specific query."

// AskFunc collects a free-text clarification answer in interactive mode.
// ok=false means no answer (user declined or input closed); the loop
// then returns a clarification-needed result to the caller.
type AskFunc func(ctx context.Context, questions []string) (string, bool)

// RunResult is the outcome of consuming one user message.
type RunResult struct {
	Answer              string   `json:"answer,omitempty"`
	ClarificationNeeded bool     `json:"clarification_needed"`
	Questions           []string `json:"clarifying_questions,omitempty"`
}

// Loop is the top-level state machine: one instance per session stream,
// consuming one user message at a time. It owns no cross-session state;
// the bus and store are shared process-wide.
type Loop struct {
	cfg      *config.Config
	provider Provider
	store    memory.Store
	bus      *events.Bus
	analyzer *Analyzer
	planner  *Planner
	executor *Executor
	metrics  *telemetry.Metrics
	logger   *log.Logger

	// Ask, when set, resolves clarifications in-line (terminal mode).
	// When nil the loop suspends and returns the questions to the caller.
	Ask AskFunc
}

func NewLoop(cfg *config.Config, provider Provider, store memory.Store, bus *events.Bus, turns TurnRunner, metrics *telemetry.Metrics) *Loop {
	return &Loop{
		cfg:      cfg,
		provider: provider,
		store:    store,
		bus:      bus,
		analyzer: NewAnalyzer(cfg, provider),
		planner:  NewPlanner(cfg, provider),
		executor: NewExecutor(cfg, provider, bus, turns, metrics),
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}
}

// Run consumes one user message for a session. Callers serialize Runs
// per session; two concurrent Runs on the same session are undefined.
func (l *Loop) Run(ctx context.Context, sessionID string, message string) (RunResult, error) {
	return l.run(ctx, sessionID, message, 0)
}

func (l *Loop) run(ctx context.Context, sessionID string, message string, clarificationRound int) (RunResult, error) {
	ctx, span := loopTracer.Start(ctx, "agent.run",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if _, err := l.store.GetOrCreate(ctx, sessionID); err != nil {
		return RunResult{}, fmt.Errorf("session init: %w", err)
	}
	if err := l.store.AppendMessage(ctx, sessionID, UserMessage(message)); err != nil {
		return RunResult{}, fmt.Errorf("append user message: %w", err)
	}

	l.setState(ctx, sessionID, StateAnalyzing)
	l.bus.Publish(ctx, events.TypeThinking, map[string]interface{}{
		"message": "Analyzing your request...",
	})

	conversation, err := l.conversation(ctx, sessionID)
	if err != nil {
		return RunResult{}, err
	}

	if !l.analyzer.NeedsPlan(ctx, message) {
		return l.directAnswer(ctx, span, sessionID, conversation)
	}

	// Planning
	l.setState(ctx, sessionID, StatePlanning)
	l.bus.Publish(ctx, events.TypeThinking, map[string]interface{}{
		"message": "Creating a plan...",
	})

	planned, err := l.planner.Plan(ctx, message, conversation)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.publishError(ctx, err)
		return RunResult{}, err
	}

	if planned.ClarificationNeeded {
		return l.clarify(ctx, sessionID, planned, clarificationRound)
	}

	if len(planned.Plan) == 0 {
		return l.failPlan(ctx, span, sessionID)
	}

	span.AddEvent("plan.complete", trace.WithAttributes(attribute.Int("plan.steps", len(planned.Plan))))
	l.bus.Publish(ctx, events.TypePlan, map[string]interface{}{
		"plan": planned.Plan,
	})

	// Executing
	l.setState(ctx, sessionID, StateExecuting)
	ec := &ExecutionContext{
		Plan:          Plan{Steps: planned.Plan},
		OriginalQuery: message,
		Results:       make(map[int]string),
	}

	for i, step := range planned.Plan {
		ec.CurrentStep = i
		l.bus.Publish(ctx, events.TypeStep, map[string]interface{}{
			"current":     i + 1,
			"total":       len(planned.Plan),
			"description": step.Description,
		})
		l.bus.Publish(ctx, events.TypeExecutingStep, map[string]interface{}{
			"message": step.Description,
		})

		result, err := l.executor.Execute(ctx, sessionID, step, ec, &conversation)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			l.publishError(ctx, err)
			l.metrics.RunsTotal.WithLabelValues("step_failed").Inc()
			return RunResult{}, fmt.Errorf("step %d failed: %w", step.Number, err)
		}
		l.metrics.StepsTotal.Inc()

		ec.CompletedSteps = append(ec.CompletedSteps, CompletedStep{
			Step:        step.Number,
			Description: step.Description,
			Result:      result,
		})
		ec.Results[step.Number] = result

		// Persist after every step so a crash mid-plan leaves the last
		// completed step durable.
		if err := l.store.UpdateState(ctx, sessionID, "execution_context", ec); err != nil {
			l.logger.Printf("persist execution context: %v", err)
		}
	}

	// Finalizing
	l.setState(ctx, sessionID, StateFinalizing)
	l.bus.Publish(ctx, events.TypeFinalizing, map[string]interface{}{
		"message": "Preparing your answer...",
	})

	answer, err := l.finalize(ctx, sessionID, message, conversation, ec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.publishError(ctx, err)
		l.metrics.RunsTotal.WithLabelValues("finalize_failed").Inc()
		return RunResult{}, err
	}

	if err := l.store.AppendMessage(ctx, sessionID, AssistantMessage(answer)); err != nil {
		l.logger.Printf("append assistant message: %v", err)
	}
	l.setState(ctx, sessionID, StateComplete)
	l.bus.Publish(ctx, events.TypeComplete, map[string]interface{}{
		"message": answer,
	})
	l.metrics.RunsTotal.WithLabelValues("complete").Inc()
	span.SetStatus(codes.Ok, "completed")
	return RunResult{Answer: answer}, nil
}

func (l *Loop) directAnswer(ctx context.Context, span trace.Span, sessionID string, conversation []Message) (RunResult, error) {
	start := time.Now()
	out, err := l.provider.Complete(ctx, CompletionRequest{
		Model:        l.cfg.LLM.Routing.Model("synthesis"),
		Instructions: "Answer the user's last message directly. Use web_search when live information helps. Reply with the answer only.",
		Input:        conversation,
		Tools:        []ToolSpec{{Type: "web_search"}},
	})
	l.metrics.ObserveModelCall("direct_answer", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.publishError(ctx, err)
		return RunResult{}, fmt.Errorf("direct answer: %w", err)
	}

	answer := assistantText(out)
	if err := l.store.AppendMessage(ctx, sessionID, AssistantMessage(answer)); err != nil {
		l.logger.Printf("append assistant message: %v", err)
	}
	l.setState(ctx, sessionID, StateComplete)
	l.bus.Publish(ctx, events.TypeComplete, map[string]interface{}{
		"message": answer,
	})
	l.metrics.RunsTotal.WithLabelValues("direct").Inc()
	span.SetStatus(codes.Ok, "completed")
	return RunResult{Answer: answer}, nil
}

func (l *Loop) clarify(ctx context.Context, sessionID string, planned PlanResult, round int) (RunResult, error) {
	questions := planned.ClarifyingQuestions
	summary := "I need a bit more information:\n- " + strings.Join(questions, "\n- ")
	if err := l.store.AppendMessage(ctx, sessionID, AssistantMessage(summary)); err != nil {
		l.logger.Printf("append clarification message: %v", err)
	}

	l.setState(ctx, sessionID, StateClarificationPending)
	l.bus.Publish(ctx, events.TypeClarification, map[string]interface{}{
		"questions": questions,
	})

	maxRounds := l.cfg.Agent.MaxClarificationRounds
	if maxRounds <= 0 {
		maxRounds = 3
	}

	if l.Ask == nil || round >= maxRounds {
		// Non-interactive: suspend; the next inbound message on this
		// session is treated as the clarification answer.
		return RunResult{ClarificationNeeded: true, Questions: questions}, nil
	}

	answer, ok := l.Ask(ctx, questions)
	if !ok {
		return RunResult{ClarificationNeeded: true, Questions: questions}, nil
	}
	// The clarification re-enters the whole run as the new query.
	return l.run(ctx, sessionID, answer, round+1)
}

func (l *Loop) failPlan(ctx context.Context, span trace.Span, sessionID string) (RunResult, error) {
	if err := l.store.AppendMessage(ctx, sessionID, AssistantMessage(PlanFailureMessage)); err != nil {
		l.logger.Printf("append failure message: %v", err)
	}
	l.setState(ctx, sessionID, StateComplete)
	l.bus.Publish(ctx, events.TypeComplete, map[string]interface{}{
		"message": PlanFailureMessage,
	})
	l.metrics.RunsTotal.WithLabelValues("plan_failed").Inc()
	span.SetStatus(codes.Ok, "plan failed")
	return RunResult{Answer: PlanFailureMessage}, nil
}

func (l *Loop) finalize(ctx context.Context, sessionID string, query string, conversation []Message, ec *ExecutionContext) (string, error) {
	var results strings.Builder
	for _, cs := range ec.CompletedSteps {
		fmt.Fprintf(&results, "Step %d (%s):\n%s\n\n", cs.Step, cs.Description, cs.Result)
	}

	prompt := fmt.Sprintf(`Write the final response to the user.

USER REQUEST: %s

CONVERSATION:
%s

STEP RESULTS:
%s
Synthesize everything above into one clear, complete answer. Do not mention the plan or the steps.`,
		query, FormatTranscript(conversation), results.String())

	start := time.Now()
	answer, err := l.provider.Generate(ctx, prompt, l.cfg.LLM.Routing.Model("synthesis"))
	l.metrics.ObserveModelCall("synthesis", time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("final response: %w", err)
	}
	return answer, nil
}

func (l *Loop) conversation(ctx context.Context, sessionID string) ([]Message, error) {
	rec, _, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	msgs, err := DecodeConversation(rec.Conversation)
	if err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return msgs, nil
}

func (l *Loop) setState(ctx context.Context, sessionID string, st State) {
	if err := l.store.UpdateState(ctx, sessionID, "status", string(st)); err != nil {
		l.logger.Printf("persist state %s: %v", st, err)
	}
}

func (l *Loop) publishError(ctx context.Context, err error) {
	l.bus.Publish(ctx, events.TypeError, map[string]interface{}{
		"message": err.Error(),
	})
}
