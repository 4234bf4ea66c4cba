package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/webpilot/config"
)

// Analyzer classifies an incoming query as answerable directly or
// needing a plan. A cheap model judgment refines a keyword heuristic;
// if the judgment call fails the heuristic alone decides.
type Analyzer struct {
	provider Provider
	cfg      *config.Config
	logger   *log.Logger
}

func NewAnalyzer(cfg *config.Config, provider Provider) *Analyzer {
	return &Analyzer{
		provider: provider,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[ANALYZER] ", log.LstdFlags),
	}
}

var actionKeywords = []string{
	"book", "buy", "order", "purchase", "reserve", "log in", "login",
	"sign up", "sign in", "register", "fill", "submit", "download",
	"upload", "schedule", "cancel", "navigate", "go to", "click",
	"add to cart", "checkout", "then",
}

// NeedsPlan returns true when the query should go through planning and
// step execution rather than direct answering.
func (a *Analyzer) NeedsPlan(ctx context.Context, query string) bool {
	heuristic := a.heuristicNeedsPlan(query)

	prompt := fmt.Sprintf(`Classify the user request below.
A request "needs a plan" when it asks to perform actions on websites (booking, buying, logging in, filling forms) or chains multiple tasks. A request is "direct" when it is a question answerable from web search results alone.

REQUEST: %s

Respond ONLY with strict JSON: {"needs_plan": boolean}`, query)

	out, err := a.provider.Generate(ctx, prompt, a.cfg.LLM.Routing.Model("analysis"))
	if err != nil {
		a.logger.Printf("classification call failed, using heuristic: %v", err)
		return heuristic
	}
	var parsed struct {
		NeedsPlan bool `json:"needs_plan"`
	}
	if err := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); err != nil {
		a.logger.Printf("classification parse failed, using heuristic: %v", err)
		return heuristic
	}
	return parsed.NeedsPlan
}

func (a *Analyzer) heuristicNeedsPlan(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range actionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	// Long multi-clause requests tend to need decomposition.
	return len(strings.Fields(query)) > 40
}
