package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/outbound"
)

var (
	reChatID   = regexp.MustCompile(`^-?\d+$`)
	reUsername = regexp.MustCompile(`^@[A-Za-z][A-Za-z0-9_]{4,}$`)
)

// normalizeTarget strips channel prefixes; usernames keep their "@".
func normalizeTarget(to string) string {
	t := strings.TrimSpace(to)
	for _, prefix := range []string{"telegram:", "tg:"} {
		if len(t) >= len(prefix) && strings.EqualFold(t[:len(prefix)], prefix) {
			t = t[len(prefix):]
		}
	}
	return t
}

func resolveTarget(req channels.TargetRequest) channels.TargetResult {
	to := normalizeTarget(req.To)
	if to == "" {
		return channels.ResolveAllowedTarget(ID, req, normalizeAllowEntry)
	}
	if !reChatID.MatchString(to) && !reUsername.MatchString(to) {
		return channels.TargetResult{Err: &channels.TargetRejectedError{
			Channel: ID,
			To:      to,
			Policy:  channels.PolicyFormat,
			Reason:  "expected a numeric chat id or @channelusername",
		}}
	}
	return channels.TargetResult{OK: true, To: to}
}

// chat holds either a numeric chat id or a public channel username.
type chat struct {
	id       int64
	username string
}

func parseChat(to string) (chat, error) {
	to = normalizeTarget(to)
	if strings.HasPrefix(to, "@") {
		return chat{username: to}, nil
	}
	id, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return chat{}, outbound.Permanent(fmt.Errorf("telegram: invalid chat id %q", to))
	}
	return chat{id: id}, nil
}

func (c chat) apply(base *tgbotapi.BaseChat) {
	base.ChatID = c.id
	base.ChannelUsername = c.username
}

func (p *plugin) botFor(oc channels.OutboundContext) (*tgbotapi.BotAPI, *accountView, error) {
	ac, ok := oc.Cfg.Channels.Telegram.Account(oc.AccountId)
	if !ok {
		return nil, nil, outbound.Permanent(fmt.Errorf("telegram %s: %w", oc.AccountId, channels.ErrUnknownAccount))
	}
	if ac.Token == "" {
		return nil, nil, outbound.Permanent(errors.New("telegram: bot token not configured"))
	}
	bot, err := p.bot(ac.Token)
	if err != nil {
		return nil, nil, classify(err)
	}
	return bot, &accountView{replyToMessage: ac.ReplyToMessage}, nil
}

type accountView struct {
	replyToMessage bool
}

func (v *accountView) replyTo(oc channels.OutboundContext) int {
	if !v.replyToMessage || oc.ReplyTo == "" {
		return 0
	}
	id, _ := strconv.Atoi(oc.ReplyTo)
	return id
}

func (p *plugin) sendText(ctx context.Context, oc channels.OutboundContext) (channels.DeliveryResult, error) {
	bot, view, err := p.botFor(oc)
	if err != nil {
		return channels.DeliveryResult{}, err
	}
	c, err := parseChat(oc.To)
	if err != nil {
		return channels.DeliveryResult{}, err
	}

	m := tgbotapi.NewMessage(0, oc.Text)
	c.apply(&m.BaseChat)
	m.ReplyToMessageID = view.replyTo(oc)
	// Chunks are sized on the raw text; escaping can push the HTML form
	// over the API limit, in which case it goes out plain.
	if html := markdownToTelegramHTML(oc.Text); utf8.RuneCountInString(html) <= maxMessageRunes {
		m.Text = html
		m.ParseMode = tgbotapi.ModeHTML
	}

	sent, err := send(ctx, bot, m)
	if err != nil && m.ParseMode != "" && htmlRejected(err) {
		m.Text = oc.Text
		m.ParseMode = ""
		sent, err = send(ctx, bot, m)
	}
	if err != nil {
		return channels.DeliveryResult{}, err
	}
	return result(sent), nil
}

func (p *plugin) sendMedia(ctx context.Context, oc channels.OutboundContext) (channels.DeliveryResult, error) {
	bot, view, err := p.botFor(oc)
	if err != nil {
		return channels.DeliveryResult{}, err
	}
	c, err := parseChat(oc.To)
	if err != nil {
		return channels.DeliveryResult{}, err
	}

	file := tgbotapi.FileURL(oc.MediaURL)
	var msg tgbotapi.Chattable
	if isImage(oc.MediaURL) {
		ph := tgbotapi.NewPhoto(0, file)
		c.apply(&ph.BaseChat)
		ph.Caption = oc.Text
		ph.ReplyToMessageID = view.replyTo(oc)
		msg = ph
	} else {
		doc := tgbotapi.NewDocument(0, file)
		c.apply(&doc.BaseChat)
		doc.Caption = oc.Text
		doc.ReplyToMessageID = view.replyTo(oc)
		msg = doc
	}
	sent, err := send(ctx, bot, msg)
	if err != nil {
		return channels.DeliveryResult{}, err
	}
	return result(sent), nil
}

func (p *plugin) sendPoll(ctx context.Context, oc channels.OutboundContext, poll channels.Poll) (channels.DeliveryResult, error) {
	bot, _, err := p.botFor(oc)
	if err != nil {
		return channels.DeliveryResult{}, err
	}
	c, err := parseChat(oc.To)
	if err != nil {
		return channels.DeliveryResult{}, err
	}

	pc := tgbotapi.NewPoll(0, poll.Question, poll.Options...)
	c.apply(&pc.BaseChat)
	pc.AllowsMultipleAnswers = poll.MaxSelections > 1
	sent, err := send(ctx, bot, pc)
	if err != nil {
		return channels.DeliveryResult{}, err
	}
	res := result(sent)
	if sent.Poll != nil {
		res.Meta = map[string]any{"pollId": sent.Poll.ID}
	}
	return res, nil
}

// send runs bot.Send on its own goroutine so ctx bounds the wait; the Bot
// API client itself takes no context.
func send(ctx context.Context, bot *tgbotapi.BotAPI, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	type reply struct {
		msg tgbotapi.Message
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		m, err := bot.Send(c)
		ch <- reply{m, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return tgbotapi.Message{}, classify(r.err)
		}
		return r.msg, nil
	case <-ctx.Done():
		return tgbotapi.Message{}, ctx.Err()
	}
}

func result(m tgbotapi.Message) channels.DeliveryResult {
	res := channels.DeliveryResult{
		Channel:   ID,
		MessageID: strconv.Itoa(m.MessageID),
	}
	if m.Chat != nil {
		res.ChatID = strconv.FormatInt(m.Chat.ID, 10)
	}
	return res
}

// classify maps Bot API failures onto retryable and terminal errors.
// Rate limits and server errors are retried; anything Telegram rejects
// outright is not.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return outbound.Transient(fmt.Errorf("telegram: %w", err))
		}
		return outbound.Permanent(fmt.Errorf("telegram: %w", err))
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return outbound.Transient(fmt.Errorf("telegram: %w", err))
	}
	return fmt.Errorf("telegram: %w", err)
}

// htmlRejected reports a 400 caused by the HTML rendering rather than the
// message itself.
func htmlRejected(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != 400 {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "message is too long")
}

func isImage(u string) bool {
	if parsed, err := url.Parse(u); err == nil {
		u = parsed.Path
	}
	switch strings.ToLower(path.Ext(u)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

var (
	reTGCodeBlock  = regexp.MustCompile("(?s)```[\\w]*\\n?([\\s\\S]*?)```")
	reTGInlineCode = regexp.MustCompile("`([^`]+)`")
	reTGHeader     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	reTGBlockquote = regexp.MustCompile(`(?m)^>\s*(.*)$`)
	reTGLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reTGBold       = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	reTGStrike     = regexp.MustCompile(`~~(.+?)~~`)
	reTGBullet     = regexp.MustCompile(`(?m)^[-*]\s+`)
)

// markdownToTelegramHTML renders the subset of Markdown that agents emit
// into Telegram's HTML parse mode. Code spans are lifted out first so their
// contents are escaped but never formatted.
func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	var blocks, inline []string
	text = reTGCodeBlock.ReplaceAllStringFunc(text, func(m string) string {
		blocks = append(blocks, reTGCodeBlock.FindStringSubmatch(m)[1])
		return fmt.Sprintf("\x00B%d\x00", len(blocks)-1)
	})
	text = reTGInlineCode.ReplaceAllStringFunc(text, func(m string) string {
		inline = append(inline, reTGInlineCode.FindStringSubmatch(m)[1])
		return fmt.Sprintf("\x00I%d\x00", len(inline)-1)
	})

	text = reTGHeader.ReplaceAllString(text, "$1")
	text = reTGBlockquote.ReplaceAllString(text, "$1")
	text = htmlEscape(text)
	text = reTGLink.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = reTGBold.ReplaceAllString(text, "<b>$1$2</b>")
	text = reTGStrike.ReplaceAllString(text, "<s>$1</s>")
	text = reTGBullet.ReplaceAllString(text, "• ")

	for i, code := range inline {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00I%d\x00", i), "<code>"+htmlEscape(code)+"</code>")
	}
	for i, code := range blocks {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00B%d\x00", i), "<pre><code>"+htmlEscape(code)+"</code></pre>")
	}
	return text
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func htmlEscape(s string) string { return htmlEscaper.Replace(s) }
