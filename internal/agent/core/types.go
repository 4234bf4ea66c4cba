package core

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message kinds. The set is closed: every consumer switches exhaustively
// on Kind instead of probing for keys.
const (
	KindMessage            = "message"
	KindFunctionCall       = "function_call"
	KindFunctionCallOutput = "function_call_output"
	KindReasoning          = "reasoning"
	KindComputerCall       = "computer_call"
	KindComputerCallOutput = "computer_call_output"
)

// Conversation roles for KindMessage items.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool names the planner can assign to a step.
const (
	ToolWebSearch   = "web_search"
	ToolComputerUse = "computer_use"
	ToolNone        = "none"
)

// SafetyCheck is a model-flagged condition on a computer action that must
// be acknowledged before the action's result is accepted.
type SafetyCheck struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is one conversation item. Kind selects which fields are
// populated. Invariant: every function_call is eventually followed, in
// the same conversation, by a function_call_output carrying the same
// CallID before the conversation is sent back to the model.
type Message struct {
	Kind string `json:"kind"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// function_call / computer_call
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// function_call_output
	Output string `json:"output,omitempty"`

	// reasoning
	Summary string `json:"summary,omitempty"`

	// computer_call
	Action              map[string]interface{} `json:"action,omitempty"`
	PendingSafetyChecks []SafetyCheck          `json:"pending_safety_checks,omitempty"`

	// computer_call_output
	Screenshot               string        `json:"screenshot,omitempty"`
	CurrentURL               string        `json:"current_url,omitempty"`
	AcknowledgedSafetyChecks []SafetyCheck `json:"acknowledged_safety_checks,omitempty"`
}

func UserMessage(content string) Message {
	return Message{Kind: KindMessage, Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Kind: KindMessage, Role: RoleAssistant, Content: content}
}

func SystemMessage(content string) Message {
	return Message{Kind: KindMessage, Role: RoleSystem, Content: content}
}

func FunctionCallOutput(callID, output string) Message {
	return Message{Kind: KindFunctionCallOutput, CallID: callID, Output: output}
}

// Step is one self-contained unit of work produced by the planner.
// Number is 1-based and matches position in the plan.
type Step struct {
	Number      int    `json:"step"`
	Tool        string `json:"tool"`
	Description string `json:"description"`
}

// Plan is immutable once execution starts; re-planning creates a new one.
type Plan struct {
	Steps []Step `json:"plan"`
}

// CompletedStep records one executed step with its textual result.
type CompletedStep struct {
	Step        int    `json:"step"`
	Description string `json:"description"`
	Result      string `json:"result"`
}

// ExecutionContext lives for the duration of one plan's execution. Its
// last snapshot is persisted into session state after every step.
type ExecutionContext struct {
	Plan           Plan            `json:"plan"`
	OriginalQuery  string          `json:"original_query"`
	CompletedSteps []CompletedStep `json:"completed_steps"`
	CurrentStep    int             `json:"current_step"`
	Results        map[int]string  `json:"results"`
}

// ToolSpec describes one entry of the tool catalog sent to the model.
type ToolSpec struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`

	// computer-use tools
	DisplayWidth  int    `json:"display_width,omitempty"`
	DisplayHeight int    `json:"display_height,omitempty"`
	Environment   string `json:"environment,omitempty"`
}

// CompletionRequest is one model turn: conversation items plus
// instructions and a tool catalog.
type CompletionRequest struct {
	Model        string
	Instructions string
	Input        []Message
	Tools        []ToolSpec
	Reasoning    bool
}

// Provider is the opaque model invocation. Complete returns the model's
// ordered output items; Generate is the plain-prompt path used for
// classification, planning and synthesis.
type Provider interface {
	Generate(ctx context.Context, prompt string, model string) (string, error)
	Complete(ctx context.Context, req CompletionRequest) ([]Message, error)
}

// TurnRunner drives the browser-control sub-agent for one delegated
// sub-task and returns its formatted transcript.
type TurnRunner interface {
	Run(ctx context.Context, sessionID string, task string) (string, error)
}

// DecodeConversation converts stored raw JSON entries back into Messages.
func DecodeConversation(raw []json.RawMessage) ([]Message, error) {
	msgs := make([]Message, 0, len(raw))
	for i, r := range raw {
		var m Message
		if err := json.Unmarshal(r, &m); err != nil {
			return nil, fmt.Errorf("conversation item %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
