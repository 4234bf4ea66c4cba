package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/webpilot/config"
)

// PlanResult is the planner's structured judgment for one user query.
type PlanResult struct {
	ClarificationNeeded bool     `json:"clarification_needed"`
	ClarifyingQuestions []string `json:"clarifying_questions"`
	Plan                []Step   `json:"plan"`
}

// Planner turns a user query plus conversation history into an ordered
// plan, or a set of clarifying questions when the query is underspecified.
type Planner struct {
	provider Provider
	cfg      *config.Config
	logger   *log.Logger
}

func NewPlanner(cfg *config.Config, provider Provider) *Planner {
	return &Planner{
		provider: provider,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

const plannerPromptTemplate = `You are a planning assistant that decomposes a user's request into an ordered sequence of executable steps.

AVAILABLE TOOLS:
- web_search: answer informational questions using live web results. Use for lookups, comparisons, facts, prices, news.
- computer_use: drive a real browser to interact with websites (log in, fill forms, click, book, buy). Use ONLY when the task requires acting on a site, not just reading.
- none: the step needs no tool (pure reasoning or summarization over earlier results).

PLANNING RULES:
1. Each step description must be fully self-contained. Never reference browser state from a previous step; a computer_use step starts from a fresh page.
2. Collapse an entire interactive browser task into ONE computer_use step with a complete description of the goal, rather than splitting clicks across steps.
3. Prefer the fewest steps that accomplish the request. One step is common.
4. If the request is ambiguous or missing information you need to plan (dates, locations, account specifics), ask instead of guessing: set clarification_needed and list concrete questions.
5. Do not invent steps the user did not ask for.

CONVERSATION SO FAR:
%s

USER REQUEST: %s

Respond ONLY with strict JSON:
{"clarification_needed": boolean, "clarifying_questions": [string], "plan": [{"step": number, "tool": "web_search|computer_use|none", "description": string}]}`

// Plan requests a structured plan from the model. Parse failures degrade
// to an empty plan rather than an error; the run-loop turns an empty
// plan into its terminal failure message.
func (p *Planner) Plan(ctx context.Context, query string, conversation []Message) (PlanResult, error) {
	prompt := fmt.Sprintf(plannerPromptTemplate, FormatTranscript(conversation), query)

	model := p.cfg.LLM.Routing.Model("planning")
	out, err := p.provider.Generate(ctx, prompt, model)
	if err != nil {
		return PlanResult{}, fmt.Errorf("planning call: %w", err)
	}

	var result PlanResult
	if err := json.Unmarshal([]byte(extractFirstJSON(out)), &result); err != nil {
		p.logger.Printf("plan parse failed, treating as empty plan: %v", err)
		return PlanResult{}, nil
	}

	// Renumber so step numbers always match position.
	for i := range result.Plan {
		result.Plan[i].Number = i + 1
		if result.Plan[i].Tool == "" {
			result.Plan[i].Tool = ToolNone
		}
	}
	return result, nil
}

// FormatTranscript renders plain conversation turns as "User: ...\n
// Assistant: ..." lines. Tool traffic and rationale items are omitted.
func FormatTranscript(conversation []Message) string {
	var b strings.Builder
	for _, m := range conversation {
		if m.Kind != KindMessage {
			continue
		}
		switch m.Role {
		case RoleUser:
			b.WriteString("User: " + m.Content + "\n")
		case RoleAssistant:
			b.WriteString("Assistant: " + m.Content + "\n")
		}
	}
	if b.Len() == 0 {
		return "(empty)"
	}
	return strings.TrimRight(b.String(), "\n")
}

// extractFirstJSON attempts to find the first top-level JSON object in a string
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
