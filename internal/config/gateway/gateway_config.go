package gateway

import "time"

// QueueConfig controls the per-session lane scheduler.
type QueueConfig struct {
	// MaxDepth bounds commands held per lane. 0 keeps lanes unbounded and
	// leaves throttling to whoever watches the queue depth metrics.
	MaxDepth int `json:"maxDepth" yaml:"maxDepth"`
}

// SessionConfig controls stuck-session detection.
type SessionConfig struct {
	StuckThreshold Duration `json:"stuckThreshold" yaml:"stuckThreshold"`
	ReaperInterval Duration `json:"reaperInterval" yaml:"reaperInterval"`
}

// DiagnosticsConfig controls the diagnostic event bus.
type DiagnosticsConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	HeartbeatInterval Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`
	SubscriberTimeout Duration `json:"subscriberTimeout" yaml:"subscriberTimeout"`
	// LogEvents mirrors every event to the debug log.
	LogEvents bool `json:"logEvents" yaml:"logEvents"`
}

// DeliveryConfig controls outbound retries.
type DeliveryConfig struct {
	MaxAttempts int      `json:"maxAttempts" yaml:"maxAttempts"`
	BaseBackoff Duration `json:"baseBackoff" yaml:"baseBackoff"`
	MaxBackoff  Duration `json:"maxBackoff" yaml:"maxBackoff"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
}

// AgentConfig points the gateway at the agent backend that runs each
// command. An empty endpoint selects the built-in echo runner.
type AgentConfig struct {
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Timeout  Duration          `json:"timeout" yaml:"timeout"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// GatewayConfig holds gateway runtime settings.
type GatewayConfig struct {
	InboundBuffer int               `json:"inboundBuffer" yaml:"inboundBuffer"`
	Queue         QueueConfig       `json:"queue" yaml:"queue"`
	Session       SessionConfig     `json:"session" yaml:"session"`
	Diagnostics   DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics"`
	Delivery      DeliveryConfig    `json:"delivery" yaml:"delivery"`
	Agent         AgentConfig       `json:"agent" yaml:"agent"`
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		InboundBuffer: 100,
		Session: SessionConfig{
			StuckThreshold: Duration(2 * time.Minute),
			ReaperInterval: Duration(30 * time.Second),
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:           true,
			HeartbeatInterval: Duration(30 * time.Second),
			SubscriberTimeout: Duration(2 * time.Second),
		},
		Delivery: DeliveryConfig{
			MaxAttempts: 3,
			BaseBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:  Duration(10 * time.Second),
			Timeout:     Duration(30 * time.Second),
		},
		Agent: AgentConfig{
			Timeout: Duration(10 * time.Minute),
		},
	}
}
