// Package console is the terminal channel: lines typed on stdin become
// inbound messages and replies are printed to stdout.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config"
	"github.com/crystaldolphin/chorus/internal/shared/cmdutils"
)

const (
	ID = string(bus.ChannelConsole)

	// SenderID and ChatID identify the single local user.
	SenderID = "user"
	ChatID   = "direct"
)

var exitCommands = map[string]bool{
	"exit":  true,
	"quit":  true,
	"/exit": true,
	"/quit": true,
	":q":    true,
}

// Option configures the plugin.
type Option func(*plugin)

// WithIO replaces stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(p *plugin) { p.in, p.out = in, out }
}

type plugin struct {
	in io.Reader

	mu     sync.Mutex
	out    io.Writer
	prompt string
}

// New builds the console plugin.
func New(opts ...Option) *channels.Plugin {
	p := &plugin{in: os.Stdin, out: os.Stdout}
	for _, opt := range opts {
		opt(p)
	}

	return &channels.Plugin{
		ID:           ID,
		Meta:         channels.Meta{Label: "Console", Blurb: "local terminal", Order: 90},
		Capabilities: channels.Capabilities{ChatTypes: []string{"direct"}},
		Config: &channels.ConfigAdapter{
			ListAccountIds: func(*config.Config) []string { return []string{bus.DefaultAccountID} },
			ResolveAccount: func(cfg *config.Config, accountId string) (channels.Account, error) {
				if accountId != "" && accountId != bus.DefaultAccountID {
					return channels.Account{}, channels.ErrUnknownAccount
				}
				return channels.Account{
					AccountID:  bus.DefaultAccountID,
					Name:       "terminal",
					Enabled:    cfg.Channels.Console.Enabled,
					Configured: true,
					Config:     cfg.Channels.Console,
				}, nil
			},
			SetAccountEnabled: func(cfg *config.Config, _ string, enabled bool) error {
				cfg.Channels.Console.Enabled = enabled
				return nil
			},
		},
		Outbound: &channels.OutboundAdapter{
			DeliveryMode: channels.DeliveryDirect,
			ResolveTarget: func(channels.TargetRequest) channels.TargetResult {
				return channels.TargetResult{OK: true, To: ChatID}
			},
			SendText:  p.sendText,
			SendMedia: p.sendMedia,
		},
		Gateway: &channels.GatewayAdapter{
			StartAccount: p.run,
		},
	}
}

// run is the REPL. It returns nil on EOF or an exit command.
func (p *plugin) run(ctx context.Context, gc channels.GatewayContext) error {
	p.mu.Lock()
	p.prompt = gc.Cfg.Channels.Console.Prompt
	fmt.Fprintf(p.out, "Console ready. Type 'exit' or press Ctrl+C to quit.\n\n%s", p.prompt)
	p.mu.Unlock()
	gc.SetStatus(func(s *channels.AccountSnapshot) { s.Connected = true })

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-readCtx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			p.print("\nGoodbye!\n")
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				p.print(p.prompt)
				continue
			}
			if exitCommands[strings.ToLower(line)] {
				p.print("Goodbye!\n")
				return nil
			}
			in := bus.NewInboundMessage(bus.ChannelConsole, gc.Account.AccountID, SenderID, ChatID, line)
			in.SetUpdateType("message")
			gc.Sink.PublishInbound(in)
		}
	}
}

func (p *plugin) print(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, s)
}

func (p *plugin) sendText(_ context.Context, oc channels.OutboundContext) (channels.DeliveryResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmdutils.PrintResponse(p.out, oc.Text)
	fmt.Fprint(p.out, p.prompt)
	return channels.DeliveryResult{Channel: ID, ChatID: ChatID}, nil
}

func (p *plugin) sendMedia(ctx context.Context, oc channels.OutboundContext) (channels.DeliveryResult, error) {
	oc.Text = strings.TrimSpace(oc.Text + "\n[media: " + oc.MediaURL + "]")
	return p.sendText(ctx, oc)
}
