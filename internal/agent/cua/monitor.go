package cua

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// onTrackSentinel is what the judge model replies when no correction is
// needed. Anything else becomes an injected guidance item.
const onTrackSentinel = "ON_TRACK"

// monitorState accumulates the observable history of one turn loop for
// the periodic progress check.
type monitorState struct {
	task          string
	actions       []string
	pages         []string
	visits        map[string]int
	interventions int
	sinceCheck    int
}

func newMonitorState(task string) *monitorState {
	return &monitorState{task: task, visits: make(map[string]int)}
}

func (m *monitorState) recordAction(desc, url string) {
	m.actions = append(m.actions, desc)
	if url != "" {
		m.visits[url]++
	}
}

func (m *monitorState) recordPage(url, text string) {
	snippet := text
	if len(snippet) > 300 {
		snippet = snippet[:300]
	}
	m.pages = append(m.pages, fmt.Sprintf("%s: %s", url, snippet))
	if len(m.pages) > 5 {
		m.pages = m.pages[len(m.pages)-5:]
	}
}

// monitorPass asks a secondary model whether the loop is still making
// progress toward the task. It runs at most once per configured item
// interval and stops entirely once the intervention cap is reached.
// Judge failures are swallowed; monitoring never breaks the loop.
func (a *Agent) monitorPass(ctx context.Context, m *monitorState) (string, bool) {
	interval := a.cfg.Agent.MonitorInterval
	if interval <= 0 {
		return "", false
	}
	if m.sinceCheck < interval || m.interventions >= a.cfg.Agent.MaxInterventions {
		return "", false
	}
	m.sinceCheck = 0

	started := time.Now()
	resp, err := a.provider.Generate(ctx, m.prompt(), a.cfg.LLM.Routing.Model("analysis"))
	a.metrics.ObserveModelCall("monitor", time.Since(started), err)
	if err != nil {
		a.logger.Printf("monitor pass failed: %v", err)
		return "", false
	}

	resp = strings.TrimSpace(resp)
	if resp == "" || strings.Contains(strings.ToUpper(resp), onTrackSentinel) {
		return "", false
	}

	m.interventions++
	a.metrics.Interventions.Inc()
	return resp, true
}

func (m *monitorState) prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "A browser agent is working on this task:\n%s\n\n", m.task)

	b.WriteString("Recent actions:\n")
	actions := m.actions
	if len(actions) > 10 {
		actions = actions[len(actions)-10:]
	}
	for _, act := range actions {
		fmt.Fprintf(&b, "- %s\n", act)
	}

	var repeats []string
	for url, n := range m.visits {
		if n >= 3 {
			repeats = append(repeats, fmt.Sprintf("%s (%d visits)", url, n))
		}
	}
	if len(repeats) > 0 {
		fmt.Fprintf(&b, "\nRepeatedly visited pages:\n")
		for _, r := range repeats {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(m.pages) > 0 {
		b.WriteString("\nRecently read pages:\n")
		for _, p := range m.pages {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}

	fmt.Fprintf(&b, "\nIs the agent still making progress toward the task? "+
		"Reply with exactly %s if so. Otherwise reply with one short corrective "+
		"instruction for the agent, such as going back to a previous page or "+
		"trying a different approach.", onTrackSentinel)
	return b.String()
}
