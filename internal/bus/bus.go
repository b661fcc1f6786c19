// Package bus defines the inbound message type that flows from channel
// plugins into the gateway, and the buffered bus that carries it.
package bus

import (
	"time"

	"github.com/crystaldolphin/chorus/internal/shared/stringutils"
)

// ChannelType identifies a chat platform ("telegram", "slack", ...).
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelConsole  ChannelType = "console"
	ChannelSystem   ChannelType = "system"
)

// DefaultAccountID is used when a channel has a single unnamed account.
const DefaultAccountID = "default"

// InboundMessage is a message received from a chat channel.
type InboundMessage struct {
	channel    ChannelType
	accountId  string         // configured presence on the channel
	senderId   string         // user identifier within the channel
	chatId     string         // chat / channel / DM identifier
	content    string         // message text
	updateType string         // platform update kind ("message", "app_mention", ...)
	timestamp  time.Time      // when the message was received
	media      []string       // local paths or URLs of attachments
	metadata   map[string]any // channel-specific extra data (message_id, thread_ts, ...)
	sessionKey string         // optional override; empty means derive
}

// NewInboundMessage creates an InboundMessage with the timestamp set to now.
// An empty accountId means DefaultAccountID.
// Use the setters to attach optional fields.
func NewInboundMessage(channel ChannelType, accountId, senderId, chatId, content string) InboundMessage {
	if accountId == "" {
		accountId = DefaultAccountID
	}
	return InboundMessage{
		channel:    channel,
		accountId:  accountId,
		senderId:   senderId,
		chatId:     chatId,
		content:    content,
		updateType: "message",
		timestamp:  time.Now(),
	}
}

func (m InboundMessage) Channel() ChannelType           { return m.channel }
func (m InboundMessage) AccountId() string              { return m.accountId }
func (m InboundMessage) SenderId() string               { return m.senderId }
func (m InboundMessage) ChatId() string                 { return m.chatId }
func (m InboundMessage) Content() string                { return m.content }
func (m InboundMessage) UpdateType() string             { return m.updateType }
func (m InboundMessage) Timestamp() time.Time           { return m.timestamp }
func (m InboundMessage) Media() []string                { return m.media }
func (m InboundMessage) Metadata() map[string]any       { return m.metadata }
func (m *InboundMessage) SetMedia(media []string)       { m.media = media }
func (m *InboundMessage) SetMetadata(md map[string]any) { m.metadata = md }
func (m *InboundMessage) SetUpdateType(t string)        { m.updateType = t }
func (m *InboundMessage) SetSessionKey(key string)      { m.sessionKey = key }

// SessionKey returns the lane/session the message belongs to. Unless
// overridden it is "channel:account:chat".
func (m InboundMessage) SessionKey() string {
	if m.sessionKey != "" {
		return m.sessionKey
	}
	return SessionKey(m.channel, m.accountId, m.chatId)
}

// MessageId returns the platform message id from metadata, if present.
func (m InboundMessage) MessageId() string {
	switch v := m.metadata["message_id"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmtAny(v)
	}
}

// Preview returns a short snippet of the message content for logging.
func (m InboundMessage) Preview() string {
	return stringutils.Truncate(m.content, 80)
}

// Sink accepts inbound messages from channel plugins.
type Sink interface {
	PublishInbound(msg InboundMessage)
}

// MessageBus is the in-process inbound bus backed by a buffered Go channel.
// Plugins publish; the gateway's dispatcher drains it into the lane queue.
type MessageBus struct {
	inbound chan InboundMessage
}

// NewMessageBus creates a bus with the given buffer size.
func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{inbound: make(chan InboundMessage, bufSize)}
}

// PublishInbound sends msg to the gateway. Blocks when the buffer is full.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// InboundChan returns a receive-only view of the inbound channel.
func (b *MessageBus) InboundChan() <-chan InboundMessage {
	return b.inbound
}

// InboundSize reports how many messages are buffered.
func (b *MessageBus) InboundSize() int { return len(b.inbound) }
