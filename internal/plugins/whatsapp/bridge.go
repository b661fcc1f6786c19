package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
)

// ErrBridgeDisconnected is returned for requests made while no bridge
// connection is up.
var ErrBridgeDisconnected = errors.New("whatsapp: bridge not connected")

// frame is one bridge protocol message in either direction.
type frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	// send, poll
	To              string   `json:"to,omitempty"`
	Text            string   `json:"text,omitempty"`
	MediaURL        string   `json:"mediaUrl,omitempty"`
	Question        string   `json:"question,omitempty"`
	Options         []string `json:"options,omitempty"`
	SelectableCount int      `json:"selectableCount,omitempty"`

	// login
	Force bool `json:"force,omitempty"`

	// message
	Pn        string `json:"pn,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	IsGroup   bool   `json:"isGroup,omitempty"`

	// status, qr, ack, error
	Status    string `json:"status,omitempty"`
	QR        string `json:"qr,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// bridge is the live connection of one account plus the WhatsApp session
// state the bridge last reported.
type bridge struct {
	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
	status  string
	qr      string
	changed chan struct{} // closed and replaced on every status or qr update
}

func newBridge() *bridge {
	return &bridge{pending: map[string]chan frame{}, changed: make(chan struct{})}
}

func (b *bridge) linked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.status == "connected"
}

// state returns the current status and qr plus a channel closed on the
// next change.
func (b *bridge) state() (status, qr string, changed <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.qr, b.changed
}

func (b *bridge) update(fn func()) {
	b.mu.Lock()
	fn()
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

func (b *bridge) write(f frame) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrBridgeDisconnected
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// request sends f with a fresh id and waits for the matching ack or error.
func (b *bridge) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)
	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return frame{}, ErrBridgeDisconnected
	}
	b.pending[f.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, f.ID)
		b.mu.Unlock()
	}()

	if err := b.write(f); err != nil {
		return frame{}, err
	}
	select {
	case r, ok := <-ch:
		if !ok {
			return frame{}, ErrBridgeDisconnected
		}
		if r.Type == "error" {
			return r, &BridgeError{Message: r.Error}
		}
		return r, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

// BridgeError is a request the bridge refused.
type BridgeError struct {
	Message string
}

func (e *BridgeError) Error() string { return "whatsapp bridge: " + e.Message }

func (b *bridge) attach(conn *websocket.Conn) {
	b.update(func() { b.conn = conn })
}

// detach drops the connection and fails every waiting request.
func (b *bridge) detach() {
	b.update(func() {
		b.conn = nil
		b.status = ""
		for id, ch := range b.pending {
			close(ch)
			delete(b.pending, id)
		}
	})
}

func (b *bridge) resolve(f frame) {
	b.mu.Lock()
	ch, ok := b.pending[f.ID]
	if ok {
		delete(b.pending, f.ID)
	}
	b.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (p *plugin) bridge(accountId string) *bridge {
	if accountId == "" {
		accountId = bus.DefaultAccountID
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bridges[accountId]
}

func (p *plugin) startAccount(ctx context.Context, gc channels.GatewayContext) error {
	wc := whatsAppConfig(gc.Account)
	if wc.BridgeURL == "" {
		return fmt.Errorf("whatsapp: bridgeUrl not configured")
	}

	b := newBridge()
	p.mu.Lock()
	p.bridges[gc.Account.AccountID] = b
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.bridges[gc.Account.AccountID] == b {
			delete(p.bridges, gc.Account.AccountID)
		}
		p.mu.Unlock()
	}()

	gc.Logger.Info("connecting to whatsapp bridge", "url", wc.BridgeURL)
	for {
		err := p.connectOnce(ctx, gc, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		gc.Logger.Warn("whatsapp bridge connection lost, reconnecting", "err", err, "delay", p.reconnectDelay)
		gc.SetStatus(func(s *channels.AccountSnapshot) {
			s.Connected = false
			if err != nil {
				s.LastError = err.Error()
			}
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.reconnectDelay):
		}
	}
}

func (p *plugin) connectOnce(ctx context.Context, gc channels.GatewayContext, b *bridge) error {
	wc := whatsAppConfig(gc.Account)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wc.BridgeURL, nil)
	if err != nil {
		return err
	}
	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	b.attach(conn)
	defer b.detach()

	if wc.BridgeToken != "" {
		if err := b.write(frame{Type: "auth", Token: wc.BridgeToken}); err != nil {
			return err
		}
	}
	gc.Logger.Info("whatsapp bridge connected")

	allow := channels.NewAllowList(wc.AllowFrom, NormalizeTarget)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			gc.Logger.Warn("whatsapp bridge sent invalid frame", "err", err)
			continue
		}
		p.handleFrame(gc, b, allow, f)
	}
}

func (p *plugin) handleFrame(gc channels.GatewayContext, b *bridge, allow channels.AllowList, f frame) {
	switch f.Type {
	case "message":
		p.handleMessage(gc, allow, f)
	case "status":
		gc.Logger.Info("whatsapp status", "status", f.Status)
		b.update(func() {
			b.status = f.Status
			if f.Status == "connected" {
				b.qr = ""
			}
		})
		gc.SetStatus(func(s *channels.AccountSnapshot) {
			s.Connected = f.Status == "connected"
			if s.Extra == nil {
				s.Extra = map[string]any{}
			}
			s.Extra["linked"] = f.Status == "connected"
		})
	case "qr":
		gc.Logger.Info("whatsapp login pending; scan the QR code")
		b.update(func() { b.qr = f.QR })
	case "ack":
		b.resolve(f)
	case "error":
		if f.ID != "" {
			b.resolve(f)
			return
		}
		gc.Logger.Error("whatsapp bridge error", "error", f.Error)
	}
}

func (p *plugin) handleMessage(gc channels.GatewayContext, allow channels.AllowList, f frame) {
	userJID := f.Pn
	if userJID == "" {
		userJID = f.Sender
	}
	sender := NormalizeTarget(userJID)
	if sender == "" {
		return
	}
	if whatsAppConfig(gc.Account).DMPolicy != "open" && !allow.Allows(sender) {
		gc.Logger.Warn("whatsapp message from unlisted sender dropped", "sender", sender)
		return
	}

	chatID := f.Sender
	if chatID == "" {
		chatID = userJID
	}
	content := f.Content
	if content == "[Voice Message]" {
		content = "[Voice Message: transcription not available]"
	}

	in := bus.NewInboundMessage(bus.ChannelWhatsApp, gc.Account.AccountID, sender, chatID, content)
	in.SetUpdateType("message")
	in.SetMetadata(map[string]any{
		"message_id": f.ID,
		"timestamp":  f.Timestamp,
		"is_group":   f.IsGroup,
	})
	gc.Sink.PublishInbound(in)
}
