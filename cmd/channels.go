package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/dependency"
	"github.com/crystaldolphin/chorus/internal/plugins/whatsapp"
	"github.com/crystaldolphin/chorus/internal/shared/cmdutils"
)

var (
	channelsProbe   bool
	channelsTimeout time.Duration
	loginAccount    string
	loginForce      bool
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Manage chat channels",
}

func init() {
	channelsStatusCmd.Flags().BoolVar(&channelsProbe, "probe", false, "Check connectivity of each configured account")
	channelsStatusCmd.Flags().DurationVar(&channelsTimeout, "timeout", 10*time.Second, "Probe timeout per account")
	channelsLoginCmd.Flags().StringVar(&loginAccount, "account", "", "Account id (default account if empty)")
	channelsLoginCmd.Flags().BoolVar(&loginForce, "force", false, "Relink even if already linked")

	channelsCmd.AddCommand(channelsStatusCmd)
	channelsCmd.AddCommand(channelsLoginCmd)
	channelsCmd.AddCommand(channelsLogoutCmd)
}

var channelsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show channel status",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := dependency.New(cfg, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		report := c.ChannelManager().Status(context.Background(), channelsProbe, channelsTimeout)
		var rows [][]string
		var issues []channels.StatusIssue
		for _, cs := range report {
			issues = append(issues, cs.Issues...)
			if len(cs.Accounts) == 0 {
				rows = append(rows, []string{cs.Channel, "-", "not configured", ""})
				continue
			}
			for _, acct := range cs.Accounts {
				rows = append(rows, []string{cs.Channel, acct.AccountID, cs.State[acct.AccountID], probeLabel(acct.Probe)})
			}
		}
		cmdutils.PrintTable(os.Stdout, []string{"Channel", "Account", "State", "Probe"}, rows)

		if len(issues) > 0 {
			fmt.Println("\nIssues:")
			for _, is := range issues {
				fmt.Printf("  [%s] %s/%s: %s\n", is.Kind, is.Channel, is.AccountId, is.Message)
				if is.Fix != "" {
					fmt.Printf("      fix: %s\n", is.Fix)
				}
			}
		}
		return nil
	},
}

func probeLabel(p *channels.ProbeResult) string {
	switch {
	case p == nil:
		return ""
	case p.OK:
		return fmt.Sprintf("ok (%s)", p.Elapsed.Round(time.Millisecond))
	default:
		return "failed: " + p.Error
	}
}

var channelsLoginCmd = &cobra.Command{
	Use:   "login <channel>",
	Short: "Link a channel account, e.g. WhatsApp via QR code scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		channelID := strings.ToLower(args[0])
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := dependency.New(cfg, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		p, ok := c.Registry().Plugin(channelID)
		if !ok {
			return fmt.Errorf("unknown channel %q", channelID)
		}
		accountID := loginAccount
		if accountID == "" {
			accountID = channels.DefaultAccountId(p, cfg)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr := c.ChannelManager()
		if err := mgr.StartAccount(ctx, channelID, accountID); err != nil {
			return err
		}
		defer mgr.StopAll()

		fmt.Printf("%s Starting %s login...\n", logo, channelID)
		var res channels.LoginResult
		err = whileConnecting(ctx, func() error {
			var err error
			res, err = mgr.StartLogin(ctx, channelID, accountID, loginForce)
			return err
		})
		if err != nil {
			return err
		}
		if res.Message != "" {
			fmt.Println(res.Message)
		}
		if res.Connected {
			return nil
		}
		if res.QRDataURL != "" {
			fmt.Printf("Scan this QR code to connect:\n\n%s\n\n", res.QRDataURL)
		}
		res, err = mgr.WaitLogin(ctx, channelID, accountID, 3*time.Minute)
		if err != nil {
			return err
		}
		if !res.Connected {
			return fmt.Errorf("login did not complete: %s", res.Message)
		}
		fmt.Println("✓ Linked")
		return nil
	},
}

// whileConnecting retries fn while the account is still connecting to
// its bridge.
func whileConnecting(ctx context.Context, fn func() error) error {
	deadline := time.Now().Add(15 * time.Second)
	for {
		err := fn()
		if !errors.Is(err, whatsapp.ErrBridgeDisconnected) || time.Now().After(deadline) {
			return err
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var channelsLogoutCmd = &cobra.Command{
	Use:   "logout <channel>",
	Short: "Unlink a channel account",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		channelID := strings.ToLower(args[0])
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := dependency.New(cfg, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		p, ok := c.Registry().Plugin(channelID)
		if !ok {
			return fmt.Errorf("unknown channel %q", channelID)
		}
		accountID := loginAccount
		if accountID == "" {
			accountID = channels.DefaultAccountId(p, cfg)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr := c.ChannelManager()
		if err := mgr.StartAccount(ctx, channelID, accountID); err != nil {
			return err
		}
		defer mgr.StopAll()

		var cleared bool
		err = whileConnecting(ctx, func() error {
			var err error
			cleared, err = mgr.Logout(ctx, channelID, accountID)
			return err
		})
		if err != nil {
			return err
		}
		if cleared {
			fmt.Println("✓ Logged out")
		} else {
			fmt.Println("Nothing to log out")
		}
		return nil
	},
}

func init() {
	channelsLogoutCmd.Flags().StringVar(&loginAccount, "account", "", "Account id (default account if empty)")
}
