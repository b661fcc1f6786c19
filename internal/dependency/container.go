// Package dependency wires the chorus gateway services using go.uber.org/dig.
package dependency

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/dig"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config"
	"github.com/crystaldolphin/chorus/internal/cron"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
	"github.com/crystaldolphin/chorus/internal/gateway"
	"github.com/crystaldolphin/chorus/internal/heartbeat"
	"github.com/crystaldolphin/chorus/internal/outbound"
	"github.com/crystaldolphin/chorus/internal/plugins/console"
	"github.com/crystaldolphin/chorus/internal/plugins/slack"
	"github.com/crystaldolphin/chorus/internal/plugins/telegram"
	"github.com/crystaldolphin/chorus/internal/plugins/whatsapp"
	"github.com/crystaldolphin/chorus/internal/queue"
	"github.com/crystaldolphin/chorus/internal/session"
)

// Container holds the resolved service singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type Container struct {
	cfg          *config.Config
	events       *diagnostics.Bus
	registry     *channels.Registry
	manager      *channels.Manager
	orchestrator *outbound.Orchestrator
	scheduler    *queue.Scheduler
	sessions     *session.Manager
	gw           *gateway.Gateway
	cron         *cron.Scheduler
	heartbeat    *heartbeat.Service
}

func (c *Container) Config() *config.Config               { return c.cfg }
func (c *Container) Events() *diagnostics.Bus             { return c.events }
func (c *Container) Registry() *channels.Registry         { return c.registry }
func (c *Container) ChannelManager() *channels.Manager    { return c.manager }
func (c *Container) Orchestrator() *outbound.Orchestrator { return c.orchestrator }
func (c *Container) Scheduler() *queue.Scheduler          { return c.scheduler }
func (c *Container) Sessions() *session.Manager           { return c.sessions }
func (c *Container) Gateway() *gateway.Gateway            { return c.gw }
func (c *Container) Cron() *cron.Scheduler                { return c.cron }

// Close detaches long-lived bus subscribers.
func (c *Container) Close() {
	if c.heartbeat != nil {
		c.heartbeat.Close()
	}
	c.events.Close()
}

// Plugins is the set of channel plugins to register. dig needs a named
// type to tell it apart from other slices.
type Plugins []*channels.Plugin

// BuiltinPlugins returns every channel chorus ships with.
func BuiltinPlugins() Plugins {
	return Plugins{telegram.New(), slack.New(), whatsapp.New(), console.New()}
}

// New builds and wires all services from cfg. With no plugins the
// built-in channels are registered.
func New(cfg *config.Config, logger *slog.Logger, plugins ...*channels.Plugin) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(plugins) == 0 {
		plugins = BuiltinPlugins()
	}

	d := dig.New()
	providers := []any{
		func() *config.Config { return cfg },
		func() *slog.Logger { return logger },
		func() Plugins { return plugins },
		newEvents,
		newMessageBus,
		newRegistry,
		newSessionManager,
		newOrchestrator,
		newRunner,
		newProcessor,
		newScheduler,
		newChannelManager,
		newCron,
		newHeartbeat,
		newGateway,
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		events *diagnostics.Bus,
		registry *channels.Registry,
		manager *channels.Manager,
		orchestrator *outbound.Orchestrator,
		scheduler *queue.Scheduler,
		sessions *session.Manager,
		gw *gateway.Gateway,
		sched *cron.Scheduler,
		hb *heartbeat.Service,
	) {
		result = &Container{
			cfg:          cfg,
			events:       events,
			registry:     registry,
			manager:      manager,
			orchestrator: orchestrator,
			scheduler:    scheduler,
			sessions:     sessions,
			gw:           gw,
			cron:         sched,
			heartbeat:    hb,
		}
	})
	if err != nil {
		return nil, dig.RootCause(err)
	}
	return result, nil
}

func newEvents(cfg *config.Config, logger *slog.Logger) *diagnostics.Bus {
	dc := cfg.Gateway.Diagnostics
	events := diagnostics.NewBus(
		diagnostics.WithSubscriberTimeout(dc.SubscriberTimeout.D()),
		diagnostics.WithLogger(logger),
	)
	if dc.LogEvents {
		events.Subscribe(func(env diagnostics.Envelope) {
			logger.Debug("diagnostic event", "type", env.Type(), "seq", env.Seq, "event", env.Event)
		})
	}
	return events
}

func newMessageBus(cfg *config.Config) *bus.MessageBus {
	return bus.NewMessageBus(cfg.Gateway.InboundBuffer)
}

func newRegistry(plugins Plugins, logger *slog.Logger) (*channels.Registry, error) {
	registry := channels.NewRegistry(logger)
	for _, p := range plugins {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("register channel %s: %w", p.ID, err)
		}
	}
	registry.Freeze()
	return registry, nil
}

func newSessionManager(cfg *config.Config, events *diagnostics.Bus, logger *slog.Logger) *session.Manager {
	return session.NewManager(events,
		session.WithStuckThreshold(cfg.Gateway.Session.StuckThreshold.D()),
		session.WithLogger(logger),
	)
}

func newOrchestrator(cfg *config.Config, registry *channels.Registry, events *diagnostics.Bus, logger *slog.Logger) *outbound.Orchestrator {
	dc := cfg.Gateway.Delivery
	return outbound.NewOrchestrator(registry, events,
		outbound.WithRetryPolicy(outbound.RetryPolicy{
			MaxAttempts: dc.MaxAttempts,
			BaseBackoff: dc.BaseBackoff.D(),
			MaxBackoff:  dc.MaxBackoff.D(),
			Timeout:     dc.Timeout.D(),
		}),
		outbound.WithLogger(logger),
	)
}

func newRunner(cfg *config.Config) gateway.AgentRunner {
	return gateway.NewRunner(cfg.Gateway.Agent)
}

func newProcessor(
	cfg *config.Config,
	registry *channels.Registry,
	orchestrator *outbound.Orchestrator,
	sessions *session.Manager,
	events *diagnostics.Bus,
	runner gateway.AgentRunner,
	logger *slog.Logger,
) *gateway.Processor {
	return gateway.NewProcessor(cfg, registry, orchestrator, sessions, events, runner, logger)
}

func newScheduler(cfg *config.Config, p *gateway.Processor, sessions *session.Manager, events *diagnostics.Bus, logger *slog.Logger) *queue.Scheduler {
	return queue.NewScheduler(p.Handle,
		queue.WithLifecycle(sessions),
		queue.WithMaxDepth(cfg.Gateway.Queue.MaxDepth),
		queue.WithEvents(events),
		queue.WithLogger(logger),
	)
}

func newChannelManager(cfg *config.Config, registry *channels.Registry, b *bus.MessageBus, logger *slog.Logger) *channels.Manager {
	return channels.NewManager(registry, cfg, b, logger)
}

// newCron builds the scheduler for periodic tasks and registers the
// stuck-session reaper on it.
func newCron(cfg *config.Config, sessions *session.Manager, logger *slog.Logger) (*cron.Scheduler, error) {
	sched := cron.NewScheduler(logger)
	if err := sessions.RegisterReaper(sched, cfg.Gateway.Session.ReaperInterval.D()); err != nil {
		return nil, err
	}
	return sched, nil
}

// newHeartbeat returns nil when diagnostics are disabled.
func newHeartbeat(cfg *config.Config, events *diagnostics.Bus, scheduler *queue.Scheduler, sched *cron.Scheduler, logger *slog.Logger) (*heartbeat.Service, error) {
	dc := cfg.Gateway.Diagnostics
	if !dc.Enabled {
		return nil, nil
	}
	hb := heartbeat.NewService(events, scheduler, dc.HeartbeatInterval.D(), logger)
	if err := hb.Register(sched); err != nil {
		hb.Close()
		return nil, err
	}
	return hb, nil
}

func newGateway(
	b *bus.MessageBus,
	scheduler *queue.Scheduler,
	sessions *session.Manager,
	manager *channels.Manager,
	sched *cron.Scheduler,
	events *diagnostics.Bus,
	p *gateway.Processor,
	logger *slog.Logger,
) *gateway.Gateway {
	return gateway.New(b, scheduler, sessions, manager, sched, events, p, logger)
}

// Run builds the container from cfg and runs the gateway until ctx is done.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c, err := New(cfg, logger)
	if err != nil {
		return fmt.Errorf("wire gateway: %w", err)
	}
	defer c.Close()
	return c.Gateway().Run(ctx)
}
