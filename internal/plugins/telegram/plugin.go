// Package telegram is the Telegram channel plugin: long polling through the
// Bot API for inbound traffic and direct Bot API calls for outbound.
package telegram

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config"
	"github.com/crystaldolphin/chorus/internal/config/channel"
)

const (
	ID = string(bus.ChannelTelegram)

	textChunkLimit  = 4000
	maxMessageRunes = 4096
	pollMaxOptions  = 10
)

var tokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{20,}$`)

// BotFactory creates a Bot API client for a token.
type BotFactory func(token string) (*tgbotapi.BotAPI, error)

// Option configures the plugin.
type Option func(*plugin)

// WithBotFactory replaces tgbotapi.NewBotAPI, e.g. to point at a test server.
func WithBotFactory(f BotFactory) Option {
	return func(p *plugin) { p.newBot = f }
}

type plugin struct {
	newBot BotFactory

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI // token -> client
}

// New builds the Telegram plugin.
func New(opts ...Option) *channels.Plugin {
	p := &plugin{newBot: tgbotapi.NewBotAPI, bots: map[string]*tgbotapi.BotAPI{}}
	for _, opt := range opts {
		opt(p)
	}

	return &channels.Plugin{
		ID:   ID,
		Meta: channels.Meta{Label: "Telegram", Blurb: "Bot API via long polling", Order: 10},
		Capabilities: channels.Capabilities{
			ChatTypes: []string{"direct", "group", "channel", "thread"},
			Polls:     true,
			Media:     true,
			Threads:   true,
		},
		Config: &channels.ConfigAdapter{
			ListAccountIds:    func(cfg *config.Config) []string { return cfg.Channels.Telegram.AccountIds() },
			ResolveAccount:    resolveAccount,
			DefaultAccountId:  func(cfg *config.Config) string { return cfg.Channels.Telegram.DefaultAccount },
			SetAccountEnabled: setAccountEnabled,
		},
		Setup: &channels.SetupAdapter{
			ResolveAccountId:   func(_ *config.Config, id string) string { return normalizeAccountId(id) },
			ValidateInput:      validateInput,
			ApplyAccountConfig: applyAccountConfig,
			ApplyAccountName:   applyAccountName,
		},
		Group: &channels.GroupAdapter{
			ResolveRequireMention: func(channels.GroupContext) bool { return true },
		},
		Outbound: &channels.OutboundAdapter{
			DeliveryMode:   channels.DeliveryDirect,
			ChunkerMode:    channels.ChunkMarkdown,
			TextChunkLimit: textChunkLimit,
			PollMaxOptions: pollMaxOptions,
			ResolveTarget:  resolveTarget,
			SendText:       p.sendText,
			SendMedia:      p.sendMedia,
			SendPoll:       p.sendPoll,
		},
		Status: &channels.StatusAdapter{
			ProbeAccount: p.probe,
		},
		Gateway: &channels.GatewayAdapter{
			StartAccount: p.startAccount,
		},
		Heartbeat: &channels.HeartbeatAdapter{
			ResolveRecipients: resolveRecipients,
		},
		Directory: &channels.DirectoryAdapter{
			Self: p.self,
		},
		Elevated: &channels.ElevatedAdapter{
			AllowFromFallback: func(cfg *config.Config, accountId string) []string {
				acct, _ := cfg.Channels.Telegram.Account(accountId)
				return acct.AllowFrom
			},
		},
		Command: &channels.CommandAdapter{EnforceOwnerForCommands: true},
		Security: &channels.SecurityAdapter{
			ResolveDMPolicy: resolveDMPolicy,
			CollectWarnings: collectWarnings,
		},
		Pairing: &channels.PairingAdapter{
			IDLabel:             "telegramUserId",
			NormalizeAllowEntry: normalizeAllowEntry,
		},
	}
}

func normalizeAccountId(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return bus.DefaultAccountID
	}
	return id
}

// normalizeAllowEntry strips channel prefixes and a leading "@" and
// lowercases usernames.
func normalizeAllowEntry(entry string) string {
	e := strings.TrimSpace(entry)
	for _, prefix := range []string{"telegram:", "tg:"} {
		if len(e) >= len(prefix) && strings.EqualFold(e[:len(prefix)], prefix) {
			e = e[len(prefix):]
		}
	}
	return strings.ToLower(strings.TrimPrefix(e, "@"))
}

func resolveAccount(cfg *config.Config, accountId string) (channels.Account, error) {
	tg := cfg.Channels.Telegram
	ac, ok := tg.Account(accountId)
	if !ok {
		return channels.Account{}, channels.ErrUnknownAccount
	}
	if accountId == "" {
		accountId = bus.DefaultAccountID
	}
	return channels.Account{
		AccountID:  accountId,
		Name:       ac.Name,
		Enabled:    tg.Enabled && ac.IsEnabled(),
		Configured: ac.Token != "",
		AllowFrom:  ac.AllowFrom,
		Config:     ac,
	}, nil
}

func accountConfig(acct channels.Account) channel.TelegramAccountConfig {
	ac, _ := acct.Config.(channel.TelegramAccountConfig)
	return ac
}

func setAccountEnabled(cfg *config.Config, accountId string, enabled bool) error {
	tg := &cfg.Channels.Telegram
	if len(tg.Accounts) == 0 {
		if accountId != bus.DefaultAccountID && accountId != "" {
			return channels.ErrUnknownAccount
		}
		tg.Enabled = enabled
		return nil
	}
	ac, ok := tg.Accounts[accountId]
	if !ok {
		return channels.ErrUnknownAccount
	}
	ac.Enabled = &enabled
	tg.Accounts[accountId] = ac
	if enabled {
		tg.Enabled = true
	}
	return nil
}

func validateInput(_ string, input channels.SetupInput) error {
	if input.Token == "" {
		return fmt.Errorf("telegram: bot token is required (from @BotFather)")
	}
	if !tokenPattern.MatchString(input.Token) {
		return fmt.Errorf("telegram: token does not look like a bot token")
	}
	return nil
}

func applyAccountConfig(cfg *config.Config, accountId string, input channels.SetupInput) error {
	if err := validateInput(accountId, input); err != nil {
		return err
	}
	tg := &cfg.Channels.Telegram
	tg.Enabled = true
	accountId = normalizeAccountId(accountId)
	if accountId == bus.DefaultAccountID && len(tg.Accounts) == 0 {
		tg.Token = input.Token
		return nil
	}
	if tg.Accounts == nil {
		tg.Accounts = map[string]channel.TelegramAccountConfig{}
	}
	ac := tg.Accounts[accountId]
	ac.Token = input.Token
	if input.Name != "" {
		ac.Name = input.Name
	}
	tg.Accounts[accountId] = ac
	return nil
}

func applyAccountName(cfg *config.Config, accountId, name string) error {
	tg := &cfg.Channels.Telegram
	ac, ok := tg.Accounts[accountId]
	if !ok {
		return channels.ErrUnknownAccount
	}
	ac.Name = name
	tg.Accounts[accountId] = ac
	return nil
}

func resolveDMPolicy(acct channels.Account) channels.DMPolicy {
	if len(acct.AllowFrom) == 0 {
		return channels.DMPolicy{Policy: "open"}
	}
	return channels.DMPolicy{
		Policy:      "allowlist",
		AllowFrom:   acct.AllowFrom,
		ApproveHint: "add the user id or @username to channels.telegram.allowFrom",
	}
}

func collectWarnings(acct channels.Account) []string {
	allow := channels.NewAllowList(acct.AllowFrom, normalizeAllowEntry)
	if allow.Open() {
		return []string{"any Telegram user who finds the bot can talk to it; set allowFrom to restrict"}
	}
	return nil
}

func resolveRecipients(cfg *config.Config, to string, all bool) ([]string, string) {
	if to != "" {
		return []string{to}, "explicit"
	}
	acct, _ := cfg.Channels.Telegram.Account(cfg.Channels.Telegram.DefaultAccount)
	allow := channels.NewAllowList(acct.AllowFrom, normalizeAllowEntry)
	if all {
		var out []string
		for _, e := range acct.AllowFrom {
			if e != channels.Wildcard {
				out = append(out, e)
			}
		}
		return out, "allowFrom"
	}
	if first, ok := allow.First(); ok {
		return []string{first}, "allowFrom"
	}
	return nil, "none"
}
