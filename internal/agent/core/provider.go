package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/mohammad-safakhou/webpilot/config"
)

// OpenAIProvider implements Provider against the OpenAI HTTP API.
// Generate uses chat completions; Complete uses the responses API, which
// carries the tool catalog and returns ordered output items.
type OpenAIProvider struct {
	cfg    config.LLMConfig
	client *http.Client
	logger *log.Logger
}

func NewOpenAIProvider(cfg config.LLMConfig) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}
}

func (p *OpenAIProvider) apiKey() string {
	if p.cfg.APIKey != "" {
		return p.cfg.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (p *OpenAIProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return p.cfg.BaseURL
	}
	return "https://api.openai.com/v1"
}

// Generate sends a single-prompt chat completion and returns the text.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, model string) (string, error) {
	apiKey := p.apiKey()
	if apiKey == "" {
		return "", fmt.Errorf("OpenAI API key not configured")
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model    string    `json:"model"`
		Messages []chatMsg `json:"messages"`
	}

	body, err := json.Marshal(chatReq{
		Model:    model,
		Messages: []chatMsg{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OpenAI status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// Complete runs one model turn with a tool catalog and returns the
// ordered output items.
func (p *OpenAIProvider) Complete(ctx context.Context, creq CompletionRequest) ([]Message, error) {
	apiKey := p.apiKey()
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not configured")
	}

	payload := map[string]interface{}{
		"model":      creq.Model,
		"input":      encodeInput(creq.Input),
		"truncation": "auto",
	}
	if creq.Instructions != "" {
		payload["instructions"] = creq.Instructions
	}
	if len(creq.Tools) > 0 {
		payload["tools"] = encodeTools(creq.Tools)
	}
	if creq.Reasoning {
		payload["reasoning"] = map[string]string{"summary": "concise"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/responses", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error.Message != "" {
			return nil, fmt.Errorf("OpenAI status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("OpenAI status %d", resp.StatusCode)
	}

	var out struct {
		Output []wireItem `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	items := make([]Message, 0, len(out.Output))
	for _, it := range out.Output {
		if m, ok := it.toMessage(); ok {
			items = append(items, m)
		}
	}
	return items, nil
}

// wireItem mirrors one output item of the responses API.
type wireItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Summary   []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"summary,omitempty"`
	Action              map[string]interface{} `json:"action,omitempty"`
	PendingSafetyChecks []SafetyCheck          `json:"pending_safety_checks,omitempty"`
}

// toMessage converts one wire item. Item types outside the closed
// variant set (tool-internal records like web_search_call) report false
// and are dropped rather than becoming empty assistant turns.
func (it wireItem) toMessage() (Message, bool) {
	switch it.Type {
	case "function_call":
		return Message{Kind: KindFunctionCall, Name: it.Name, Arguments: it.Arguments, CallID: it.CallID}, true
	case "reasoning":
		var text string
		for _, s := range it.Summary {
			if text != "" {
				text += "\n"
			}
			text += s.Text
		}
		return Message{Kind: KindReasoning, Summary: text}, true
	case "computer_call":
		return Message{Kind: KindComputerCall, CallID: it.CallID, Action: it.Action, PendingSafetyChecks: it.PendingSafetyChecks}, true
	case "message":
		var text string
		for _, c := range it.Content {
			if text != "" {
				text += "\n"
			}
			text += c.Text
		}
		role := it.Role
		if role == "" {
			role = RoleAssistant
		}
		return Message{Kind: KindMessage, Role: role, Content: text}, true
	default:
		return Message{}, false
	}
}

func encodeInput(msgs []Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		switch m.Kind {
		case KindMessage:
			out = append(out, map[string]interface{}{"role": m.Role, "content": m.Content})
		case KindFunctionCall:
			out = append(out, map[string]interface{}{
				"type":      "function_call",
				"name":      m.Name,
				"arguments": m.Arguments,
				"call_id":   m.CallID,
			})
		case KindFunctionCallOutput:
			out = append(out, map[string]interface{}{
				"type":    "function_call_output",
				"call_id": m.CallID,
				"output":  m.Output,
			})
		case KindReasoning:
			// Rationale traces are telemetry, not model input.
		case KindComputerCall:
			out = append(out, map[string]interface{}{
				"type":    "computer_call",
				"call_id": m.CallID,
				"action":  m.Action,
			})
		case KindComputerCallOutput:
			item := map[string]interface{}{
				"type":    "computer_call_output",
				"call_id": m.CallID,
				"output": map[string]interface{}{
					"type":      "input_image",
					"image_url": "data:image/png;base64," + m.Screenshot,
				},
			}
			if m.CurrentURL != "" {
				item["current_url"] = m.CurrentURL
			}
			if len(m.AcknowledgedSafetyChecks) > 0 {
				item["acknowledged_safety_checks"] = m.AcknowledgedSafetyChecks
			}
			out = append(out, item)
		}
	}
	return out
}

func encodeTools(tools []ToolSpec) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		switch t.Type {
		case "computer_use_preview":
			out = append(out, map[string]interface{}{
				"type":           t.Type,
				"display_width":  t.DisplayWidth,
				"display_height": t.DisplayHeight,
				"environment":    t.Environment,
			})
		case "function":
			out = append(out, map[string]interface{}{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		default:
			out = append(out, map[string]interface{}{"type": t.Type})
		}
	}
	return out
}
