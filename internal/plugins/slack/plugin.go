// Package slack is the Slack channel plugin. Inbound traffic arrives over
// Socket Mode; replies go out through the Web API.
package slack

import (
	"fmt"
	"strings"
	"sync"

	slackgo "github.com/slack-go/slack"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config"
	"github.com/crystaldolphin/chorus/internal/config/channel"
)

const (
	ID = string(bus.ChannelSlack)

	textChunkLimit = 3000
)

// Option configures the plugin.
type Option func(*plugin)

// WithAPIURL points the Web API client somewhere other than slack.com.
// The URL must end with a slash.
func WithAPIURL(url string) Option {
	return func(p *plugin) { p.apiURL = url }
}

type plugin struct {
	apiURL string

	mu      sync.Mutex
	clients map[string]*slackgo.Client // bot token -> client
}

// New builds the Slack plugin.
func New(opts ...Option) *channels.Plugin {
	p := &plugin{clients: map[string]*slackgo.Client{}}
	for _, opt := range opts {
		opt(p)
	}

	return &channels.Plugin{
		ID:   ID,
		Meta: channels.Meta{Label: "Slack", Blurb: "Socket Mode app for one workspace", Order: 20},
		Capabilities: channels.Capabilities{
			ChatTypes: []string{"direct", "channel", "thread"},
			Reactions: true,
			Threads:   true,
			Media:     true,
		},
		Config: &channels.ConfigAdapter{
			ListAccountIds:    func(*config.Config) []string { return []string{bus.DefaultAccountID} },
			ResolveAccount:    resolveAccount,
			SetAccountEnabled: setAccountEnabled,
		},
		Setup: &channels.SetupAdapter{
			ValidateInput:      validateInput,
			ApplyAccountConfig: applyAccountConfig,
		},
		Group: &channels.GroupAdapter{
			ResolveRequireMention: func(gc channels.GroupContext) bool {
				return gc.Cfg.Channels.Slack.GroupPolicy == "mention"
			},
		},
		Outbound: &channels.OutboundAdapter{
			DeliveryMode:   channels.DeliveryDirect,
			ChunkerMode:    channels.ChunkMarkdown,
			TextChunkLimit: textChunkLimit,
			ResolveTarget:  resolveTarget,
			SendText:       p.sendText,
			SendMedia:      p.sendMedia,
		},
		Status: &channels.StatusAdapter{
			ProbeAccount: p.probe,
		},
		Gateway: &channels.GatewayAdapter{
			StartAccount: p.startAccount,
		},
		Directory: &channels.DirectoryAdapter{
			Self:      p.self,
			ListPeers: p.listPeers,
		},
		Resolver: &channels.ResolverAdapter{
			ResolveTargets: p.resolveTargets,
		},
		Security: &channels.SecurityAdapter{
			ResolveDMPolicy: resolveDMPolicy,
			CollectWarnings: collectWarnings,
		},
		Pairing: &channels.PairingAdapter{
			IDLabel:             "slackUserId",
			NormalizeAllowEntry: normalizeAllowEntry,
		},
	}
}

func slackConfig(acct channels.Account) channel.SlackConfig {
	sc, _ := acct.Config.(channel.SlackConfig)
	return sc
}

func resolveAccount(cfg *config.Config, accountId string) (channels.Account, error) {
	if accountId != "" && accountId != bus.DefaultAccountID {
		return channels.Account{}, channels.ErrUnknownAccount
	}
	sc := cfg.Channels.Slack
	return channels.Account{
		AccountID:  bus.DefaultAccountID,
		Name:       "workspace",
		Enabled:    sc.Enabled,
		Configured: sc.BotToken != "" && sc.AppToken != "",
		AllowFrom:  sc.DM.AllowFrom,
		Config:     sc,
	}, nil
}

func setAccountEnabled(cfg *config.Config, accountId string, enabled bool) error {
	if accountId != "" && accountId != bus.DefaultAccountID {
		return channels.ErrUnknownAccount
	}
	cfg.Channels.Slack.Enabled = enabled
	return nil
}

func validateInput(_ string, input channels.SetupInput) error {
	if !strings.HasPrefix(input.Token, "xoxb-") {
		return fmt.Errorf("slack: bot token must start with xoxb-")
	}
	if !strings.HasPrefix(input.Fields["appToken"], "xapp-") {
		return fmt.Errorf("slack: app token must start with xapp- (Socket Mode)")
	}
	return nil
}

func applyAccountConfig(cfg *config.Config, accountId string, input channels.SetupInput) error {
	if err := validateInput(accountId, input); err != nil {
		return err
	}
	cfg.Channels.Slack.Enabled = true
	cfg.Channels.Slack.BotToken = input.Token
	cfg.Channels.Slack.AppToken = input.Fields["appToken"]
	return nil
}

func normalizeAllowEntry(entry string) string {
	e := strings.TrimSpace(entry)
	for _, prefix := range []string{"slack:", "user:"} {
		if len(e) >= len(prefix) && strings.EqualFold(e[:len(prefix)], prefix) {
			e = e[len(prefix):]
		}
	}
	return strings.ToUpper(strings.TrimPrefix(e, "@"))
}

func resolveDMPolicy(acct channels.Account) channels.DMPolicy {
	dm := slackConfig(acct).DM
	switch {
	case !dm.Enabled || dm.Policy == "disabled":
		return channels.DMPolicy{Policy: "disabled"}
	case dm.Policy == "allowlist":
		return channels.DMPolicy{
			Policy:      "allowlist",
			AllowFrom:   dm.AllowFrom,
			ApproveHint: "add the member id (U...) to channels.slack.dm.allowFrom",
		}
	}
	return channels.DMPolicy{Policy: "open"}
}

func collectWarnings(acct channels.Account) []string {
	sc := slackConfig(acct)
	var out []string
	if sc.DM.Enabled && sc.DM.Policy == "open" {
		out = append(out, "any workspace member can DM the bot; set dm.policy to allowlist to restrict")
	}
	if sc.GroupPolicy == "open" {
		out = append(out, "the bot answers every message in every channel it is in")
	}
	return out
}
