package cua

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/webpilot/internal/agent/core"
	"github.com/mohammad-safakhou/webpilot/internal/events"
)

func TestMonitorInjectsGuidance(t *testing.T) {
	provider := &stubProvider{}
	provider.generateFn = func(prompt, model string) (string, error) {
		return "Go back to the search results page.", nil
	}
	provider.completeFn = func(req core.CompletionRequest) ([]core.Message, error) {
		if provider.completeCalls == 1 {
			return []core.Message{{
				Kind:   core.KindComputerCall,
				CallID: "c1",
				Action: map[string]interface{}{"type": "click", "x": float64(1), "y": float64(1)},
			}}, nil
		}
		return []core.Message{core.AssistantMessage("done")}, nil
	}

	cfg := testConfig()
	cfg.Agent.MonitorInterval = 1
	fake := &fakeComputer{currentURL: "https://example.com"}
	agent, _ := newTestAgent(cfg, provider, events.NewBus(), fake)

	if _, err := agent.Run(context.Background(), "s1", "find a product"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var found bool
	for _, m := range provider.requests[1].Input {
		if m.Kind == core.KindMessage && m.Role == core.RoleUser &&
			strings.Contains(m.Content, "Go back to the search results page.") {
			found = true
		}
	}
	if !found {
		t.Fatal("guidance not injected into the next turn")
	}
}

func TestMonitorFailureIsNonFatal(t *testing.T) {
	provider := &stubProvider{}
	provider.generateFn = func(prompt, model string) (string, error) {
		return "", errors.New("judge model unavailable")
	}
	provider.completeFn = func(req core.CompletionRequest) ([]core.Message, error) {
		if provider.completeCalls == 1 {
			return []core.Message{{
				Kind:   core.KindComputerCall,
				CallID: "c1",
				Action: map[string]interface{}{"type": "wait"},
			}}, nil
		}
		return []core.Message{core.AssistantMessage("done")}, nil
	}

	cfg := testConfig()
	cfg.Agent.MonitorInterval = 1
	agent, _ := newTestAgent(cfg, provider, events.NewBus(), &fakeComputer{})

	if _, err := agent.Run(context.Background(), "s1", "anything"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.generateCalls == 0 {
		t.Fatal("monitor pass never consulted the judge")
	}
}

func TestMonitorOnTrackSentinelSkipsIntervention(t *testing.T) {
	provider := &stubProvider{}
	provider.generateFn = func(prompt, model string) (string, error) {
		return "ON_TRACK", nil
	}

	agent, _ := newTestAgent(testConfig(), provider, events.NewBus(), &fakeComputer{})
	m := newMonitorState("a task")
	m.sinceCheck = 100

	if guidance, ok := agent.monitorPass(context.Background(), m); ok {
		t.Fatalf("unexpected intervention: %q", guidance)
	}
	if m.interventions != 0 {
		t.Fatalf("interventions = %d, want 0", m.interventions)
	}
}

func TestMonitorInterventionCap(t *testing.T) {
	provider := &stubProvider{}
	provider.generateFn = func(prompt, model string) (string, error) {
		return "try a different site", nil
	}

	cfg := testConfig()
	cfg.Agent.MonitorInterval = 1
	cfg.Agent.MaxInterventions = 1
	agent, _ := newTestAgent(cfg, provider, events.NewBus(), &fakeComputer{})

	m := newMonitorState("a task")
	m.sinceCheck = 10
	if _, ok := agent.monitorPass(context.Background(), m); !ok {
		t.Fatal("first pass should intervene")
	}
	m.sinceCheck = 10
	if guidance, ok := agent.monitorPass(context.Background(), m); ok {
		t.Fatalf("intervention past cap: %q", guidance)
	}
	if provider.generateCalls != 1 {
		t.Fatalf("judge calls = %d, want 1 (cap stops calling)", provider.generateCalls)
	}
}

func TestMonitorRespectsInterval(t *testing.T) {
	provider := &stubProvider{}
	provider.generateFn = func(prompt, model string) (string, error) {
		return "correction", nil
	}

	cfg := testConfig()
	cfg.Agent.MonitorInterval = 5
	agent, _ := newTestAgent(cfg, provider, events.NewBus(), &fakeComputer{})

	m := newMonitorState("a task")
	m.sinceCheck = 4
	if _, ok := agent.monitorPass(context.Background(), m); ok {
		t.Fatal("intervened below interval")
	}
	m.sinceCheck = 5
	if _, ok := agent.monitorPass(context.Background(), m); !ok {
		t.Fatal("did not check at interval")
	}
	if m.sinceCheck != 0 {
		t.Fatalf("sinceCheck not reset: %d", m.sinceCheck)
	}
}
