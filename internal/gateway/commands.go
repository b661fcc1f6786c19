package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
)

const helpText = `chorus commands:
/stop   abort the running turn and drop queued messages
/status show this conversation's queue state
/new    start a new agent session
/help   show this list`

// command handles slash commands before they reach the queue, so /stop
// works while a turn is running. It reports whether msg was a command.
func (g *Gateway) command(ctx context.Context, msg bus.InboundMessage) bool {
	name := strings.ToLower(strings.TrimSpace(msg.Content()))
	key := msg.SessionKey()

	var text string
	switch name {
	case "/stop":
		dropped := g.scheduler.Clear(key)
		aborted := g.scheduler.Cancel(key)
		switch {
		case aborted && dropped > 0:
			text = fmt.Sprintf("Stopped. Dropped %d queued message(s).", dropped)
		case aborted:
			text = "Stopped."
		case dropped > 0:
			text = fmt.Sprintf("Dropped %d queued message(s).", dropped)
		default:
			text = "Nothing to stop."
		}
	case "/status":
		snap, ok := g.sessions.Get(key)
		if !ok {
			text = "No activity yet."
			break
		}
		text = fmt.Sprintf("State: %s\nQueued: %d\nRun attempt: %d", snap.State, snap.QueueDepth, snap.Attempt)
		if snap.Stuck {
			text += "\nThis session looks stuck; send /stop to reset it."
		}
	case "/new":
		id := uuid.NewString()
		if err := g.sessions.SetSessionID(key, id); err != nil {
			text = "New session will start with your next message."
			break
		}
		text = "New session started."
	case "/help":
		text = helpText
	default:
		return false
	}

	g.logger.Info("slash command", "command", name, "session", key)
	err := g.processor.send(ctx, msg, AgentReply{Text: text})
	if err != nil {
		g.logger.Warn("command reply failed", "command", name, "err", err)
		g.events.Publish(diagnostics.WebhookError{
			Channel:    string(msg.Channel()),
			UpdateType: msg.UpdateType(),
			ChatID:     msg.ChatId(),
			Error:      err.Error(),
		})
		return true
	}
	g.events.Publish(diagnostics.WebhookProcessed{
		Channel:    string(msg.Channel()),
		UpdateType: msg.UpdateType(),
		ChatID:     msg.ChatId(),
	})
	return true
}
