package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/chorus/internal/dependency"
)

var gatewayConsole bool

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the chorus gateway",
	RunE:  runGateway,
}

func init() {
	gatewayCmd.Flags().BoolVar(&gatewayConsole, "console", false, "Also chat from this terminal")
}

func runGateway(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if gatewayConsole {
		cfg.Channels.Console.Enabled = true
	}

	c, err := dependency.New(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("wire gateway: %w", err)
	}
	defer c.Close()

	// Graceful shutdown context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if enabled := c.ChannelManager().EnabledChannels(); len(enabled) > 0 {
		fmt.Printf("✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
	} else {
		fmt.Println("Warning: no channels enabled")
	}
	fmt.Printf("%s Gateway running. Press Ctrl+C to stop.\n", logo)

	if err := c.Gateway().Run(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	fmt.Println("\nShutdown complete.")
	return nil
}
