// Package whatsapp is the WhatsApp channel plugin. It talks to a bridge
// process over a websocket; the bridge owns the WhatsApp Web session, so
// outbound sends go through the running gateway connection.
package whatsapp

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config"
	"github.com/crystaldolphin/chorus/internal/config/channel"
)

const (
	ID = string(bus.ChannelWhatsApp)

	textChunkLimit = 4000
	pollMaxOptions = 12

	defaultReconnectDelay = 5 * time.Second
)

// Option configures the plugin.
type Option func(*plugin)

// WithReconnectDelay sets the pause between bridge reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(p *plugin) { p.reconnectDelay = d }
}

type plugin struct {
	reconnectDelay time.Duration

	mu      sync.Mutex
	bridges map[string]*bridge // accountId -> live bridge
}

// New builds the WhatsApp plugin.
func New(opts ...Option) *channels.Plugin {
	p := &plugin{reconnectDelay: defaultReconnectDelay, bridges: map[string]*bridge{}}
	for _, opt := range opts {
		opt(p)
	}

	return &channels.Plugin{
		ID:   ID,
		Meta: channels.Meta{Label: "WhatsApp", Blurb: "WhatsApp Web through a local bridge", Order: 30},
		Capabilities: channels.Capabilities{
			ChatTypes: []string{"direct", "group"},
			Polls:     true,
			Media:     true,
		},
		Config: &channels.ConfigAdapter{
			ListAccountIds:    func(*config.Config) []string { return []string{bus.DefaultAccountID} },
			ResolveAccount:    resolveAccount,
			SetAccountEnabled: setAccountEnabled,
		},
		Setup: &channels.SetupAdapter{
			ApplyAccountConfig: applyAccountConfig,
		},
		Outbound: &channels.OutboundAdapter{
			DeliveryMode:   channels.DeliveryGateway,
			ChunkerMode:    channels.ChunkText,
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
			StartAccount:     p.startAccount,
			LoginWithQRStart: p.loginStart,
			LoginWithQRWait:  p.loginWait,
			LogoutAccount:    p.logout,
		},
		Heartbeat: &channels.HeartbeatAdapter{
			CheckReady: p.checkReady,
			ResolveRecipients: func(cfg *config.Config, to string, all bool) ([]string, string) {
				if to != "" {
					return []string{NormalizeTarget(to)}, "explicit"
				}
				allow := channels.NewAllowList(cfg.Channels.WhatsApp.AllowFrom, NormalizeTarget)
				if first, ok := allow.First(); ok && !all {
					return []string{first}, "allowFrom"
				}
				var out []string
				for _, e := range cfg.Channels.WhatsApp.AllowFrom {
					if n := NormalizeTarget(e); n != "" && n != channels.Wildcard {
						out = append(out, n)
					}
				}
				return out, "allowFrom"
			},
		},
		Security: &channels.SecurityAdapter{
			ResolveDMPolicy: resolveDMPolicy,
			CollectWarnings: func(acct channels.Account) []string {
				if whatsAppConfig(acct).DMPolicy == "open" {
					return []string{"dmPolicy is open; anyone who has the number can talk to the agent"}
				}
				return nil
			},
		},
		Pairing: &channels.PairingAdapter{
			IDLabel:             "phoneNumber",
			NormalizeAllowEntry: NormalizeTarget,
		},
	}
}

func whatsAppConfig(acct channels.Account) channel.WhatsAppConfig {
	wc, _ := acct.Config.(channel.WhatsAppConfig)
	return wc
}

func resolveAccount(cfg *config.Config, accountId string) (channels.Account, error) {
	if accountId != "" && accountId != bus.DefaultAccountID {
		return channels.Account{}, channels.ErrUnknownAccount
	}
	wc := cfg.Channels.WhatsApp
	return channels.Account{
		AccountID:  bus.DefaultAccountID,
		Enabled:    wc.Enabled,
		Configured: wc.BridgeURL != "",
		AllowFrom:  wc.AllowFrom,
		Config:     wc,
	}, nil
}

// resolveTarget applies allowFrom to direct chats only. Group JIDs are where
// group replies go, and an open DM policy means allowFrom is not a gate.
func resolveTarget(req channels.TargetRequest) channels.TargetResult {
	to := NormalizeTarget(req.To)
	if strings.HasSuffix(to, "@g.us") {
		return channels.TargetResult{OK: true, To: to}
	}
	if to != "" && to != channels.Wildcard && req.Cfg != nil {
		if acct, err := resolveAccount(req.Cfg, req.AccountId); err == nil && whatsAppConfig(acct).DMPolicy == "open" {
			return channels.TargetResult{OK: true, To: to}
		}
	}
	return channels.ResolveAllowedTarget(ID, req, NormalizeTarget)
}

func setAccountEnabled(cfg *config.Config, accountId string, enabled bool) error {
	if accountId != "" && accountId != bus.DefaultAccountID {
		return channels.ErrUnknownAccount
	}
	cfg.Channels.WhatsApp.Enabled = enabled
	return nil
}

func applyAccountConfig(cfg *config.Config, _ string, input channels.SetupInput) error {
	wc := &cfg.Channels.WhatsApp
	wc.Enabled = true
	if u := input.Fields["bridgeUrl"]; u != "" {
		wc.BridgeURL = u
	}
	if input.Token != "" {
		wc.BridgeToken = input.Token
	}
	return nil
}

func resolveDMPolicy(acct channels.Account) channels.DMPolicy {
	wc := whatsAppConfig(acct)
	if wc.DMPolicy == "open" {
		return channels.DMPolicy{Policy: "open"}
	}
	return channels.DMPolicy{
		Policy:      wc.DMPolicy,
		AllowFrom:   wc.AllowFrom,
		ApproveHint: "add the number in E.164 form to channels.whatsapp.allowFrom",
	}
}

// NormalizeTarget turns phone numbers and user JIDs into E.164 form
// ("+15551234567"). Group JIDs pass through lowercased.
func NormalizeTarget(s string) string {
	s = strings.TrimSpace(s)
	if s == channels.Wildcard {
		return s
	}
	if len(s) >= 9 && strings.EqualFold(s[:9], "whatsapp:") {
		s = s[9:]
	}
	if strings.HasSuffix(strings.ToLower(s), "@g.us") {
		return strings.ToLower(s)
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 { // device suffix, "1555...:12"
		s = s[:i]
	}
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}

func (p *plugin) checkReady(_ context.Context, _ *config.Config, accountId string) (bool, string) {
	b := p.bridge(accountId)
	if b == nil {
		return false, "bridge not running"
	}
	if !b.linked() {
		return false, "whatsapp not linked; scan the QR code"
	}
	return true, ""
}
