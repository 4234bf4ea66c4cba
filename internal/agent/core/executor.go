package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/webpilot/config"
	"github.com/mohammad-safakhou/webpilot/internal/events"
	"github.com/mohammad-safakhou/webpilot/internal/telemetry"
)

// Executor carries out one plan step against the model. Tool calls in
// the model's output are dispatched and their results folded back into
// the conversation, then the model is re-queried: a ReAct loop with a
// hard round cap so a step always terminates.
type Executor struct {
	provider Provider
	bus      *events.Bus
	metrics  *telemetry.Metrics
	turns    TurnRunner
	cfg      *config.Config
	logger   *log.Logger
}

func NewExecutor(cfg *config.Config, provider Provider, bus *events.Bus, turns TurnRunner, metrics *telemetry.Metrics) *Executor {
	return &Executor{
		provider: provider,
		bus:      bus,
		metrics:  metrics,
		turns:    turns,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
	}
}

func (e *Executor) maxRounds() int {
	if e.cfg.Agent.MaxStepRounds > 0 {
		return e.cfg.Agent.MaxStepRounds
	}
	return 10
}

func (e *Executor) toolCatalog() []ToolSpec {
	return []ToolSpec{
		{Type: "web_search"},
		{
			Type:        "function",
			Name:        ToolComputerUse,
			Description: "Delegate an interactive browser task to a browser-driving agent. Use for anything that requires acting on a website: logging in, filling forms, clicking, booking, buying.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task": map[string]interface{}{
						"type":        "string",
						"description": "Complete, self-contained description of the browser task, including the target site and the desired outcome.",
					},
				},
				"required":             []string{"task"},
				"additionalProperties": false,
			},
		},
	}
}

func (e *Executor) instructions(step Step, ec *ExecutionContext) string {
	var done strings.Builder
	for _, cs := range ec.CompletedSteps {
		fmt.Fprintf(&done, "- Step %d (%s): %s\n", cs.Step, cs.Description, truncate(cs.Result, 500))
	}
	if done.Len() == 0 {
		done.WriteString("(none)\n")
	}

	return fmt.Sprintf(`You are executing one step of a plan for the user's request.

ORIGINAL REQUEST: %s

COMPLETED STEPS:
%s
CURRENT STEP (%d of %d): %s

TOOL GUIDELINES:
- Use web_search for informational lookups; its results arrive inline.
- Call the computer_use function for tasks that require acting on a website. Pass one complete task description; the browser agent handles the whole interaction.
- When you have everything needed, reply with the step result as plain text and no tool call.`,
		ec.OriginalQuery, done.String(), step.Number, len(ec.Plan.Steps), step.Description)
}

// Execute runs one step to completion and returns its textual result.
// The conversation is extended in place with the model's output items
// and every folded tool result.
func (e *Executor) Execute(ctx context.Context, sessionID string, step Step, ec *ExecutionContext, conversation *[]Message) (string, error) {
	model := e.cfg.LLM.Routing.Model("execution")
	tools := e.toolCatalog()
	instructions := e.instructions(step, ec)

	for round := 1; round <= e.maxRounds(); round++ {
		start := time.Now()
		out, err := e.provider.Complete(ctx, CompletionRequest{
			Model:        model,
			Instructions: instructions,
			Input:        *conversation,
			Tools:        tools,
		})
		e.metrics.ObserveModelCall("execution", time.Since(start), err)
		if err != nil {
			return "", fmt.Errorf("step %d model call: %w", step.Number, err)
		}

		// The model's own call records stay in the conversation so later
		// rounds see them.
		*conversation = append(*conversation, out...)

		dispatched := false
		for _, item := range out {
			if item.Kind != KindFunctionCall || item.Name != ToolComputerUse {
				continue
			}
			task := parseTask(item.Arguments)
			e.bus.Publish(ctx, events.TypeToolUsage, map[string]interface{}{
				"tool": ToolComputerUse,
				"task": task,
			})
			e.bus.Publish(ctx, events.TypeCuaEvent, map[string]interface{}{
				"message": task,
			})

			transcript, err := e.turns.Run(ctx, sessionID, task)
			if err != nil {
				return "", fmt.Errorf("step %d browser task: %w", step.Number, err)
			}
			*conversation = append(*conversation, FunctionCallOutput(item.CallID, transcript))
			dispatched = true
		}
		if dispatched {
			continue
		}

		// No tool call: the response's plain text is the step result.
		return assistantText(out), nil
	}

	return "", fmt.Errorf("step %d did not converge after %d model rounds", step.Number, e.maxRounds())
}

func parseTask(arguments string) string {
	var args struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err == nil && args.Task != "" {
		return args.Task
	}
	return arguments
}

func assistantText(items []Message) string {
	var parts []string
	for _, m := range items {
		if m.Kind == KindMessage && m.Role == RoleAssistant && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
