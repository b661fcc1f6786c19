package config

import (
	"fmt"

	"github.com/crystaldolphin/chorus/internal/config/channel"
	"github.com/crystaldolphin/chorus/internal/config/gateway"
)

// Config is the root configuration object, read from ~/.chorus/config.json
// or a YAML file with the same shape.
type Config struct {
	Gateway  gateway.GatewayConfig  `json:"gateway" yaml:"gateway"`
	Channels channel.ChannelsConfig `json:"channels" yaml:"channels"`
}

// DefaultConfig returns a Config with every field at its default value.
func DefaultConfig() Config {
	return Config{
		Gateway:  gateway.DefaultGatewayConfig(),
		Channels: channel.DefaultChannelsConfig(),
	}
}

// Validate reports the first setting that would make the gateway misbehave.
func (c *Config) Validate() error {
	g := c.Gateway
	if g.Queue.MaxDepth < 0 {
		return fmt.Errorf("gateway.queue.maxDepth must be >= 0, got %d", g.Queue.MaxDepth)
	}
	if g.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("gateway.delivery.maxAttempts must be >= 1, got %d", g.Delivery.MaxAttempts)
	}
	if g.Delivery.MaxBackoff.D() < g.Delivery.BaseBackoff.D() {
		return fmt.Errorf("gateway.delivery.maxBackoff (%s) is below baseBackoff (%s)",
			g.Delivery.MaxBackoff, g.Delivery.BaseBackoff)
	}
	if g.Session.StuckThreshold.D() <= 0 {
		return fmt.Errorf("gateway.session.stuckThreshold must be positive")
	}
	if g.Session.ReaperInterval.D() <= 0 {
		return fmt.Errorf("gateway.session.reaperInterval must be positive")
	}
	if g.Diagnostics.Enabled && g.Diagnostics.HeartbeatInterval.D() <= 0 {
		return fmt.Errorf("gateway.diagnostics.heartbeatInterval must be positive")
	}
	tg := c.Channels.Telegram
	if tg.Enabled && tg.DefaultAccount != "" {
		if _, ok := tg.Account(tg.DefaultAccount); !ok {
			return fmt.Errorf("channels.telegram.defaultAccount %q is not configured", tg.DefaultAccount)
		}
	}
	return nil
}
