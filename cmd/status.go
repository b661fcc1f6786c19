package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/chorus/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chorus status",
	RunE:  runStatus,
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfgPath := resolvedConfigPath()

	fmt.Printf("%s chorus Status\n\n", logo)

	_, statErr := os.Stat(cfgPath)
	cfgMark := "✗"
	if statErr == nil {
		cfgMark = "✓"
	}
	fmt.Printf("Config:    %s %s\n", cfgPath, cfgMark)
	fmt.Printf("Data dir:  %s\n", config.DataDir())

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  (could not load config: %v)\n", err)
		return nil
	}

	g := cfg.Gateway
	agent := g.Agent.Endpoint
	if agent == "" {
		agent = "(echo)"
	}
	fmt.Printf("Agent:     %s\n", agent)
	maxDepth := "unbounded"
	if g.Queue.MaxDepth > 0 {
		maxDepth = fmt.Sprint(g.Queue.MaxDepth)
	}
	fmt.Printf("Queue:     max depth %s\n", maxDepth)
	fmt.Printf("Sessions:  stuck after %s, swept every %s\n", g.Session.StuckThreshold, g.Session.ReaperInterval)
	fmt.Printf("Delivery:  %d attempts, backoff %s..%s\n", g.Delivery.MaxAttempts, g.Delivery.BaseBackoff, g.Delivery.MaxBackoff)
	if g.Diagnostics.Enabled {
		fmt.Printf("Heartbeat: every %s\n", g.Diagnostics.HeartbeatInterval)
	} else {
		fmt.Println("Heartbeat: off")
	}

	fmt.Println("\nChannels:")
	ch := cfg.Channels
	fmt.Printf("  %-10s %s\n", "telegram", mark(ch.Telegram.Enabled))
	fmt.Printf("  %-10s %s\n", "slack", mark(ch.Slack.Enabled))
	fmt.Printf("  %-10s %s\n", "whatsapp", mark(ch.WhatsApp.Enabled))
	fmt.Printf("  %-10s %s\n", "console", mark(ch.Console.Enabled))
	return nil
}

func mark(enabled bool) string {
	if enabled {
		return "✓"
	}
	return "(disabled)"
}
