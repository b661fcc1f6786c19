package slack

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config/channel"
)

// client returns the cached Web API client for the account.
func (p *plugin) client(sc channel.SlackConfig) *slackgo.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[sc.BotToken]; ok {
		return c
	}
	opts := []slackgo.Option{slackgo.OptionAppLevelToken(sc.AppToken)}
	if p.apiURL != "" {
		opts = append(opts, slackgo.OptionAPIURL(p.apiURL))
	}
	c := slackgo.New(sc.BotToken, opts...)
	p.clients[sc.BotToken] = c
	return c
}

func (p *plugin) startAccount(ctx context.Context, gc channels.GatewayContext) error {
	sc := slackConfig(gc.Account)
	if sc.BotToken == "" || sc.AppToken == "" {
		return fmt.Errorf("slack: bot/app token not configured")
	}
	api := p.client(sc)
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	gc.Logger.Info("slack connected", "team", auth.Team, "bot_user_id", auth.UserID)

	sm := socketmode.New(api)
	runErr := make(chan error, 1)
	go func() { runErr <- sm.RunContext(ctx) }()

	f := filter{cfg: sc, botUserID: auth.UserID}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			return err
		case evt, ok := <-sm.Events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				gc.SetStatus(func(s *channels.AccountSnapshot) { s.Connected = true })
			case socketmode.EventTypeConnectionError:
				gc.SetStatus(func(s *channels.AccountSnapshot) { s.Connected = false })
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					sm.Ack(*evt.Request)
				}
				cb, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				in, ok := messageFrom(cb.InnerEvent)
				if !ok {
					continue
				}
				p.handleMessage(ctx, gc, api, f, in)
			}
		}
	}
}

// message is the part of a message or app_mention event we act on.
type message struct {
	eventType   string
	user        string
	channel     string
	channelType string
	text        string
	ts          string
	threadTS    string
	subtype     string
	botID       string
}

func messageFrom(ev slackevents.EventsAPIInnerEvent) (message, bool) {
	switch e := ev.Data.(type) {
	case *slackevents.MessageEvent:
		return message{
			eventType:   "message",
			user:        e.User,
			channel:     e.Channel,
			channelType: e.ChannelType,
			text:        e.Text,
			ts:          e.TimeStamp,
			threadTS:    e.ThreadTimeStamp,
			subtype:     e.SubType,
			botID:       e.BotID,
		}, true
	case *slackevents.AppMentionEvent:
		return message{
			eventType:   "app_mention",
			user:        e.User,
			channel:     e.Channel,
			channelType: "channel",
			text:        e.Text,
			ts:          e.TimeStamp,
			threadTS:    e.ThreadTimeStamp,
			botID:       e.BotID,
		}, true
	}
	return message{}, false
}

// filter applies the DM and group policies to inbound events.
type filter struct {
	cfg       channel.SlackConfig
	botUserID string
}

func (f filter) mention() string { return "<@" + f.botUserID + ">" }

func (f filter) accept(m message) bool {
	if m.subtype != "" || m.botID != "" || m.user == "" || m.channel == "" {
		return false
	}
	if m.user == f.botUserID {
		return false
	}
	// Mentions also arrive as app_mention; take only that copy.
	if m.eventType == "message" && m.channelType != "im" && f.botUserID != "" && strings.Contains(m.text, f.mention()) {
		return false
	}
	if m.channelType == "im" {
		return f.allowDM(m.user)
	}
	return f.allowGroup(m)
}

func (f filter) allowDM(user string) bool {
	dm := f.cfg.DM
	if !dm.Enabled {
		return false
	}
	switch dm.Policy {
	case "disabled":
		return false
	case "allowlist":
		return channels.NewAllowList(dm.AllowFrom, normalizeAllowEntry).Allows(user)
	}
	return true
}

func (f filter) allowGroup(m message) bool {
	switch f.cfg.GroupPolicy {
	case "open":
		return true
	case "mention":
		return m.eventType == "app_mention"
	case "allowlist":
		for _, c := range f.cfg.GroupAllowFrom {
			if c == m.channel {
				return true
			}
		}
	}
	return false
}

func (f filter) stripMention(text string) string {
	if f.botUserID == "" {
		return text
	}
	re := regexp.MustCompile(`<@` + regexp.QuoteMeta(f.botUserID) + `>\s*`)
	return strings.TrimSpace(re.ReplaceAllString(text, ""))
}

// threadFor decides where a reply to m should go. DMs stay flat.
func (f filter) threadFor(m message) string {
	if m.channelType == "im" {
		return m.threadTS
	}
	if m.threadTS == "" && f.cfg.ReplyInThread {
		return m.ts
	}
	return m.threadTS
}

func (p *plugin) handleMessage(ctx context.Context, gc channels.GatewayContext, api *slackgo.Client, f filter, m message) {
	if !f.accept(m) {
		gc.Logger.Debug("slack event filtered", "type", m.eventType, "channel", m.channel, "user", m.user)
		return
	}
	if f.cfg.ReactEmoji != "" && m.ts != "" {
		if err := api.AddReactionContext(ctx, f.cfg.ReactEmoji, slackgo.ItemRef{Channel: m.channel, Timestamp: m.ts}); err != nil {
			gc.Logger.Debug("slack reaction failed", "err", err)
		}
	}

	in := bus.NewInboundMessage(bus.ChannelSlack, gc.Account.AccountID, m.user, m.channel, f.stripMention(m.text))
	in.SetUpdateType(m.eventType)
	in.SetMetadata(map[string]any{
		"message_id":   m.ts,
		"thread_ts":    f.threadFor(m),
		"channel_type": m.channelType,
	})
	gc.Sink.PublishInbound(in)
}
