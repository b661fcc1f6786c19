package console

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func gatewayContext(t *testing.T, p *channels.Plugin, sink bus.Sink) channels.GatewayContext {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Channels.Console.Enabled = true
	acct, err := channels.ResolveAccount(p, &cfg, "")
	require.NoError(t, err)
	return channels.GatewayContext{
		Cfg:       &cfg,
		Account:   acct,
		Sink:      sink,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		SetStatus: func(func(*channels.AccountSnapshot)) {},
	}
}

func TestRun_PublishesLinesUntilExit(t *testing.T) {
	out := &syncBuffer{}
	p := New(WithIO(strings.NewReader("hello\n\n  second  \nexit\nignored\n"), out))
	sink := bus.NewMessageBus(8)

	err := p.Gateway.StartAccount(context.Background(), gatewayContext(t, p, sink))
	require.NoError(t, err)

	require.Equal(t, 2, sink.InboundSize())
	first := <-sink.InboundChan()
	assert.Equal(t, "hello", first.Content())
	assert.Equal(t, bus.ChannelConsole, first.Channel())
	assert.Equal(t, ChatID, first.ChatId())
	second := <-sink.InboundChan()
	assert.Equal(t, "second", second.Content())
	assert.Contains(t, out.String(), "Goodbye!")
}

func TestRun_EOF(t *testing.T) {
	out := &syncBuffer{}
	p := New(WithIO(strings.NewReader("only line"), out))
	sink := bus.NewMessageBus(8)

	require.NoError(t, p.Gateway.StartAccount(context.Background(), gatewayContext(t, p, sink)))
	assert.Equal(t, 1, sink.InboundSize())
}

func TestRun_Cancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := New(WithIO(r, io.Discard))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Gateway.StartAccount(ctx, gatewayContext(t, p, bus.NewMessageBus(1))) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop")
	}
}

func TestSendText_PrintsReply(t *testing.T) {
	out := &syncBuffer{}
	p := New(WithIO(strings.NewReader(""), out))

	res, err := p.Outbound.SendText(context.Background(), channels.OutboundContext{To: ChatID, Text: "pong"})
	require.NoError(t, err)
	assert.Equal(t, ID, res.Channel)
	assert.Contains(t, out.String(), "chorus\npong")

	_, err = p.Outbound.SendMedia(context.Background(), channels.OutboundContext{To: ChatID, MediaURL: "/tmp/a.png"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "[media: /tmp/a.png]")
}
