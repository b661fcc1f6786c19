package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config"
)

const pollTimeoutSeconds = 30

// bot returns the cached client for token, creating it on first use.
func (p *plugin) bot(token string) (*tgbotapi.BotAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.bots[token]; ok {
		return b, nil
	}
	b, err := p.newBot(token)
	if err != nil {
		return nil, err
	}
	p.bots[token] = b
	return b, nil
}

func (p *plugin) startAccount(ctx context.Context, gc channels.GatewayContext) error {
	ac := accountConfig(gc.Account)
	if ac.Token == "" {
		return fmt.Errorf("telegram: bot token not configured")
	}
	bot, err := p.bot(ac.Token)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	gc.Logger.Info("telegram connected", "username", bot.Self.UserName)
	gc.SetStatus(func(s *channels.AccountSnapshot) {
		s.Connected = true
		if s.Extra == nil {
			s.Extra = map[string]any{}
		}
		s.Extra["username"] = bot.Self.UserName
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	updates := bot.GetUpdatesChan(u)
	defer bot.StopReceivingUpdates()

	allow := channels.NewAllowList(ac.AllowFrom, normalizeAllowEntry)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			p.handleUpdate(ctx, gc, bot, allow, update)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *plugin) handleUpdate(ctx context.Context, gc channels.GatewayContext, bot *tgbotapi.BotAPI, allow channels.AllowList, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.UserName != "" {
		senderID += "|" + msg.From.UserName
	}
	if !allow.Allows(senderID) {
		gc.Logger.Warn("telegram message from unlisted sender dropped", "sender", senderID)
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	content := msg.Text
	if msg.Caption != "" {
		content = msg.Caption
	}
	var media []string
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		if path, err := downloadFile(ctx, bot, photo.FileID, ".jpg"); err == nil {
			media = append(media, path)
			content = strings.TrimSpace(content + "\n[image: " + path + "]")
		} else {
			gc.Logger.Warn("telegram photo download failed", "err", err)
		}
	}
	if msg.Document != nil {
		if path, err := downloadFile(ctx, bot, msg.Document.FileID, ""); err == nil {
			media = append(media, path)
			content = strings.TrimSpace(content + "\n[file: " + path + "]")
		} else {
			gc.Logger.Warn("telegram document download failed", "err", err)
		}
	}
	if content == "" {
		content = "[empty message]"
	}

	_, _ = bot.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping))

	in := bus.NewInboundMessage(bus.ChannelTelegram, gc.Account.AccountID, senderID, chatID, content)
	in.SetUpdateType("message")
	in.SetMedia(media)
	in.SetMetadata(map[string]any{
		"message_id": msg.MessageID,
		"user_id":    msg.From.ID,
		"username":   msg.From.UserName,
		"first_name": msg.From.FirstName,
		"is_group":   !msg.Chat.IsPrivate(),
	})
	gc.Sink.PublishInbound(in)
	gc.SetStatus(func(s *channels.AccountSnapshot) {
		if s.Extra == nil {
			s.Extra = map[string]any{}
		}
		s.Extra["lastInboundAt"] = time.Now()
	})
}

func downloadFile(ctx context.Context, bot *tgbotapi.BotAPI, fileID, ext string) (string, error) {
	link, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(config.DataDir(), "media", "telegram")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if ext == "" {
		ext = filepath.Ext(link)
	}
	name := fileID
	if len(name) > 16 {
		name = name[:16]
	}
	dest := filepath.Join(dir, name+ext)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", fileID, resp.StatusCode)
	}
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return dest, nil
}

func (p *plugin) probe(ctx context.Context, acct channels.Account, timeout time.Duration) (channels.ProbeResult, error) {
	ac := accountConfig(acct)
	if ac.Token == "" {
		return channels.ProbeResult{Error: "bot token not configured"}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	type reply struct {
		user tgbotapi.User
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		bot, err := p.bot(ac.Token)
		if err != nil {
			ch <- reply{err: err}
			return
		}
		u, err := bot.GetMe()
		ch <- reply{u, err}
	}()

	select {
	case r := <-ch:
		res := channels.ProbeResult{Elapsed: time.Since(start)}
		if r.err != nil {
			res.Error = r.err.Error()
			return res, nil
		}
		res.OK = true
		res.Meta = map[string]any{"username": r.user.UserName, "id": r.user.ID}
		return res, nil
	case <-ctx.Done():
		return channels.ProbeResult{Error: "timeout", Elapsed: time.Since(start)}, nil
	}
}

func (p *plugin) self(_ context.Context, acct channels.Account) (*channels.DirectoryEntry, error) {
	ac := accountConfig(acct)
	if ac.Token == "" {
		return nil, fmt.Errorf("telegram: bot token not configured")
	}
	bot, err := p.bot(ac.Token)
	if err != nil {
		return nil, err
	}
	return &channels.DirectoryEntry{
		Kind:   "user",
		ID:     strconv.FormatInt(bot.Self.ID, 10),
		Name:   bot.Self.FirstName,
		Handle: "@" + bot.Self.UserName,
	}, nil
}
