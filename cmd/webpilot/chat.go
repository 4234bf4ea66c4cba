package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/webpilot/config"
	"github.com/mohammad-safakhou/webpilot/internal/agent/core"
	"github.com/mohammad-safakhou/webpilot/internal/agent/cua"
	"github.com/mohammad-safakhou/webpilot/internal/events"
	"github.com/mohammad-safakhou/webpilot/internal/memory"
	"github.com/mohammad-safakhou/webpilot/internal/telemetry"
)

func chatCMD() *cobra.Command {
	var cfgPath string
	var chat = &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(config.LoadConfig(cfgPath))
		},
	}
	chat.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return chat
}

// runChat drives a single interactive session against an in-memory
// store. Clarifications and safety checks are answered on stdin.
func runChat(cfg *config.Config) error {
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY not configured")
	}

	reader := bufio.NewReader(os.Stdin)
	provider := core.NewOpenAIProvider(cfg.LLM)
	bus := events.NewBus()
	correlator := events.NewCorrelator(cfg.Agent.QueueTTL)
	defer correlator.Close()
	metrics := telemetry.New()

	turns := cua.New(cfg, provider, bus, correlator, metrics)
	turns.Acknowledge = func(ctx context.Context, checks []core.SafetyCheck) bool {
		for _, check := range checks {
			fmt.Printf("\nSafety check: %s\nAcknowledge and continue? [y/N]: ", check.Message)
			line, err := reader.ReadString('\n')
			if err != nil {
				return false
			}
			if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
				return false
			}
		}
		return true
	}

	// The browser agent's questions come through the event stream; answer
	// them inline and route the reply back by correlation id.
	bus.Subscribe(events.TypeCuaClarification, func(ctx context.Context, ev events.Event) error {
		question, _ := ev.Data["question"].(string)
		id, _ := ev.Data["id"].(string)
		fmt.Printf("\nagent asks: %s\n> ", question)
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		correlator.Send(id, strings.TrimSpace(line))
		return nil
	})

	bus.SubscribeAll(func(ctx context.Context, ev events.Event) error {
		metrics.EventsPublished.WithLabelValues(ev.Type).Inc()
		switch ev.Type {
		case events.TypeThinking, events.TypeBrowserStarted, events.TypeCuaEvent,
			events.TypeExecutingStep, events.TypeFinalizing:
			if msg, ok := ev.Data["message"].(string); ok && msg != "" {
				fmt.Printf("  · %s\n", msg)
			}
		case events.TypeStep:
			fmt.Printf("  · Step %v of %v: %v\n", ev.Data["current"], ev.Data["total"], ev.Data["description"])
		case events.TypeError:
			if msg, ok := ev.Data["message"].(string); ok {
				fmt.Printf("  ! %s\n", msg)
			}
		}
		return nil
	})

	loop := core.NewLoop(cfg, provider, memory.NewInMemoryStore(), bus, turns, metrics)
	loop.Ask = func(ctx context.Context, questions []string) (string, bool) {
		fmt.Println()
		for _, q := range questions {
			fmt.Printf("agent asks: %s\n", q)
		}
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(line), true
	}

	sessionID := uuid.NewString()
	fmt.Println("webpilot interactive session. Type 'exit' to quit.")
	for {
		fmt.Print("\nyou> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		res, err := loop.Run(context.Background(), sessionID, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("\nagent> %s\n", res.Answer)
	}
}
