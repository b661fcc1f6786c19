package slack

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	slackgo "github.com/slack-go/slack"

	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/outbound"
)

var reConversationID = regexp.MustCompile(`^[CDGUW][A-Z0-9]{6,}$`)

func normalizeTarget(to string) string {
	t := strings.TrimSpace(to)
	for _, prefix := range []string{"slack:", "channel:", "user:"} {
		if len(t) >= len(prefix) && strings.EqualFold(t[:len(prefix)], prefix) {
			t = t[len(prefix):]
		}
	}
	return strings.ToUpper(t)
}

func resolveTarget(req channels.TargetRequest) channels.TargetResult {
	to := normalizeTarget(req.To)
	if to == "" {
		return channels.ResolveAllowedTarget(ID, req, normalizeAllowEntry)
	}
	if !reConversationID.MatchString(to) {
		return channels.TargetResult{Err: &channels.TargetRejectedError{
			Channel: ID,
			To:      req.To,
			Policy:  channels.PolicyFormat,
			Reason:  "expected a channel or member id; resolve names first",
		}}
	}
	return channels.TargetResult{OK: true, To: to}
}

func (p *plugin) post(ctx context.Context, oc channels.OutboundContext, opts ...slackgo.MsgOption) (channels.DeliveryResult, error) {
	sc := oc.Cfg.Channels.Slack
	if sc.BotToken == "" {
		return channels.DeliveryResult{}, outbound.Permanent(errors.New("slack: bot token not configured"))
	}
	if oc.ThreadId != "" {
		opts = append(opts, slackgo.MsgOptionTS(oc.ThreadId))
	}
	ch, ts, err := p.client(sc).PostMessageContext(ctx, oc.To, opts...)
	if err != nil {
		return channels.DeliveryResult{}, classify(err)
	}
	res := channels.DeliveryResult{Channel: ID, MessageID: ts, ChatID: ch}
	if oc.ThreadId != "" {
		res.Meta = map[string]any{"threadTs": oc.ThreadId}
	}
	return res, nil
}

func (p *plugin) sendText(ctx context.Context, oc channels.OutboundContext) (channels.DeliveryResult, error) {
	return p.post(ctx, oc, slackgo.MsgOptionText(oc.Text, false))
}

// sendMedia posts the URL and lets Slack unfurl it.
func (p *plugin) sendMedia(ctx context.Context, oc channels.OutboundContext) (channels.DeliveryResult, error) {
	text := oc.MediaURL
	if oc.Text != "" {
		text = oc.Text + "\n" + oc.MediaURL
	}
	return p.post(ctx, oc, slackgo.MsgOptionText(text, false), slackgo.MsgOptionEnableLinkUnfurl())
}

// classify marks rate limits and 5xx as retryable. Errors Slack reports
// in the response body (channel_not_found, not_in_channel, ...) are final.
func classify(err error) error {
	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) && retryable.Retryable() {
		return outbound.Transient(fmt.Errorf("slack: %w", err))
	}
	var apiErr slackgo.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return outbound.Permanent(fmt.Errorf("slack: %w", err))
	}
	return fmt.Errorf("slack: %w", err)
}

func (p *plugin) probe(ctx context.Context, acct channels.Account, timeout time.Duration) (channels.ProbeResult, error) {
	sc := slackConfig(acct)
	if sc.BotToken == "" {
		return channels.ProbeResult{Error: "bot token not configured"}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	auth, err := p.client(sc).AuthTestContext(ctx)
	res := channels.ProbeResult{Elapsed: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	res.OK = true
	res.Meta = map[string]any{"team": auth.Team, "user": auth.User, "userId": auth.UserID}
	return res, nil
}

func (p *plugin) self(ctx context.Context, acct channels.Account) (*channels.DirectoryEntry, error) {
	sc := slackConfig(acct)
	auth, err := p.client(sc).AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}
	return &channels.DirectoryEntry{Kind: "user", ID: auth.UserID, Name: auth.User, Handle: "@" + auth.User}, nil
}

func (p *plugin) listPeers(ctx context.Context, acct channels.Account, query string, limit int) ([]channels.DirectoryEntry, error) {
	users, err := p.client(slackConfig(acct)).GetUsersContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack: list users: %w", err)
	}
	query = strings.ToLower(strings.TrimPrefix(query, "@"))
	var out []channels.DirectoryEntry
	for _, u := range users {
		if u.Deleted || u.IsBot {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(u.Name+" "+u.RealName+" "+u.Profile.DisplayName), query) {
			continue
		}
		out = append(out, channels.DirectoryEntry{Kind: "user", ID: u.ID, Name: u.RealName, Handle: "@" + u.Name})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (p *plugin) resolveTargets(ctx context.Context, acct channels.Account, inputs []string, kind channels.TargetKind) ([]channels.ResolvedTarget, error) {
	api := p.client(slackConfig(acct))
	index := map[string]channels.ResolvedTarget{}

	switch kind {
	case channels.KindUser:
		users, err := api.GetUsersContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("slack: list users: %w", err)
		}
		for _, u := range users {
			if u.Deleted {
				continue
			}
			t := channels.ResolvedTarget{Resolved: true, ID: u.ID, Name: u.RealName}
			for _, key := range []string{u.ID, u.Name, u.Profile.DisplayName, u.Profile.Email} {
				if key != "" {
					index[strings.ToLower(key)] = t
				}
			}
		}
	case channels.KindGroup:
		params := &slackgo.GetConversationsParameters{
			Types:           []string{"public_channel", "private_channel"},
			ExcludeArchived: true,
			Limit:           200,
		}
		for {
			convs, cursor, err := api.GetConversationsContext(ctx, params)
			if err != nil {
				return nil, fmt.Errorf("slack: list conversations: %w", err)
			}
			for _, c := range convs {
				t := channels.ResolvedTarget{Resolved: true, ID: c.ID, Name: c.Name}
				index[strings.ToLower(c.ID)] = t
				index[strings.ToLower(c.Name)] = t
			}
			if cursor == "" {
				break
			}
			params.Cursor = cursor
		}
	default:
		return nil, fmt.Errorf("slack: unknown target kind %q", kind)
	}

	out := make([]channels.ResolvedTarget, 0, len(inputs))
	for _, in := range inputs {
		key := strings.ToLower(strings.TrimLeft(strings.TrimSpace(in), "@#"))
		t, ok := index[key]
		if !ok {
			out = append(out, channels.ResolvedTarget{Input: in, Note: "no match"})
			continue
		}
		t.Input = in
		out = append(out, t)
	}
	return out, nil
}
