package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/outbound"
)

func (p *plugin) deliver(ctx context.Context, oc channels.OutboundContext, f frame) (channels.DeliveryResult, error) {
	b := p.bridge(oc.AccountId)
	if b == nil {
		return channels.DeliveryResult{}, outbound.Transient(ErrBridgeDisconnected)
	}
	f.To = NormalizeTarget(oc.To)
	ack, err := b.request(ctx, f)
	if err != nil {
		return channels.DeliveryResult{}, classify(err)
	}
	return channels.DeliveryResult{Channel: ID, MessageID: ack.MessageID, ChatID: f.To}, nil
}

func (p *plugin) sendText(ctx context.Context, oc channels.OutboundContext) (channels.DeliveryResult, error) {
	return p.deliver(ctx, oc, frame{Type: "send", Text: oc.Text})
}

func (p *plugin) sendMedia(ctx context.Context, oc channels.OutboundContext) (channels.DeliveryResult, error) {
	return p.deliver(ctx, oc, frame{Type: "send", Text: oc.Text, MediaURL: oc.MediaURL})
}

func (p *plugin) sendPoll(ctx context.Context, oc channels.OutboundContext, poll channels.Poll) (channels.DeliveryResult, error) {
	selectable := poll.MaxSelections
	if selectable <= 0 {
		selectable = 1
	}
	return p.deliver(ctx, oc, frame{
		Type:            "poll",
		Question:        poll.Question,
		Options:         poll.Options,
		SelectableCount: selectable,
	})
}

// classify treats a lost bridge as retryable: the gateway reconnects on
// its own. A refusal from the bridge is final.
func classify(err error) error {
	var refused *BridgeError
	switch {
	case errors.As(err, &refused):
		return outbound.Permanent(err)
	case errors.Is(err, ErrBridgeDisconnected), errors.Is(err, websocket.ErrCloseSent):
		return outbound.Transient(err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return outbound.Transient(err)
	}
	return err
}

func (p *plugin) loginStart(ctx context.Context, acct channels.Account, force bool) (channels.LoginResult, error) {
	b := p.bridge(acct.AccountID)
	if b == nil {
		return channels.LoginResult{}, fmt.Errorf("whatsapp: start the gateway before logging in: %w", ErrBridgeDisconnected)
	}
	if b.linked() && !force {
		return channels.LoginResult{Connected: true, Message: "already linked"}, nil
	}
	ack, err := b.request(ctx, frame{Type: "login", Force: force})
	if err != nil {
		return channels.LoginResult{}, err
	}
	qr := ack.QR
	// The bridge may push the code as a separate qr frame.
	for qr == "" {
		var changed <-chan struct{}
		_, qr, changed = b.state()
		if qr != "" {
			break
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return channels.LoginResult{}, ctx.Err()
		}
	}
	return channels.LoginResult{QRDataURL: qr, Message: "scan with WhatsApp > Linked devices"}, nil
}

func (p *plugin) loginWait(ctx context.Context, acct channels.Account, timeout time.Duration) (channels.LoginResult, error) {
	b := p.bridge(acct.AccountID)
	if b == nil {
		return channels.LoginResult{}, ErrBridgeDisconnected
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		status, qr, changed := b.state()
		if status == "connected" {
			return channels.LoginResult{Connected: true, Message: "linked"}, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return channels.LoginResult{QRDataURL: qr, Message: "timed out waiting for scan"}, nil
		}
	}
}

func (p *plugin) logout(ctx context.Context, acct channels.Account) (bool, error) {
	b := p.bridge(acct.AccountID)
	if b == nil {
		return false, ErrBridgeDisconnected
	}
	if _, err := b.request(ctx, frame{Type: "logout"}); err != nil {
		return false, err
	}
	return true, nil
}

func (p *plugin) probe(ctx context.Context, acct channels.Account, timeout time.Duration) (channels.ProbeResult, error) {
	if b := p.bridge(acct.AccountID); b != nil {
		status, _, _ := b.state()
		res := channels.ProbeResult{OK: b.linked(), Meta: map[string]any{"status": status}}
		if !res.OK {
			res.Error = "not linked"
		}
		return res, nil
	}

	wc := whatsAppConfig(acct)
	start := time.Now()
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := dialer.DialContext(ctx, wc.BridgeURL, nil)
	res := channels.ProbeResult{Elapsed: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	conn.Close()
	res.OK = true
	res.Meta = map[string]any{"bridge": "reachable"}
	return res, nil
}
