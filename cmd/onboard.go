package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/chorus/internal/config"
)

var onboardReset bool

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize configuration",
	RunE:  runOnboard,
}

func init() {
	onboardCmd.Flags().BoolVar(&onboardReset, "reset", false, "Overwrite an existing config with defaults")
}

// runOnboard writes a config file. An existing file is rewritten with its
// values kept and new settings filled in, unless --reset is given.
func runOnboard(_ *cobra.Command, _ []string) error {
	cfgPath := resolvedConfigPath()

	cfg := config.DefaultConfig()
	verb := "Created"
	if _, err := os.Stat(cfgPath); err == nil && !onboardReset {
		existing, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("%w (use --reset to start over)", err)
		}
		cfg = *existing
		verb = "Refreshed"
	} else if err == nil {
		verb = "Reset"
	}

	if err := config.Save(&cfg, cfgPath); err != nil {
		return err
	}
	fmt.Printf("✓ %s config at %s\n", verb, cfgPath)

	fmt.Printf("\n%s chorus is ready!\n\n", logo)
	fmt.Println("Next steps:")
	fmt.Printf("  1. Enable a channel and add its tokens in %s\n", cfgPath)
	fmt.Println("  2. Point gateway.agent.endpoint at your agent service (empty echoes messages back)")
	fmt.Println("  3. Run: chorus gateway --console")
	return nil
}
