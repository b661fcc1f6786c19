// Package channels defines the capability contract every chat platform
// plugin implements, the registry that holds plugins for the process, and
// the manager that runs configured accounts.
package channels

import "time"

// Meta describes a plugin for listings.
type Meta struct {
	Label string
	Blurb string
	Order int
}

// Capabilities lists platform features the plugin can express.
type Capabilities struct {
	ChatTypes []string // "direct", "group", "channel", "thread"
	Polls     bool
	Reactions bool
	Threads   bool
	Media     bool
}

// Plugin bundles the adapters one channel implements. Any adapter may be
// nil.
type Plugin struct {
	ID           string
	Meta         Meta
	Capabilities Capabilities

	Config    *ConfigAdapter
	Setup     *SetupAdapter
	Group     *GroupAdapter
	Outbound  *OutboundAdapter
	Status    *StatusAdapter
	Gateway   *GatewayAdapter
	Auth      *AuthAdapter
	Heartbeat *HeartbeatAdapter
	Directory *DirectoryAdapter
	Resolver  *ResolverAdapter
	Elevated  *ElevatedAdapter
	Command   *CommandAdapter
	Security  *SecurityAdapter
	Pairing   *PairingAdapter
}

// Account is one configured presence on a channel.
type Account struct {
	ChannelID  string
	AccountID  string
	Name       string
	Enabled    bool
	Configured bool
	AllowFrom  []string
	// Config is the plugin's own account settings.
	Config any
}

// AccountSnapshot is the status view of an account, merged from config
// and runtime state.
type AccountSnapshot struct {
	ChannelID   string
	AccountID   string
	Name        string
	Enabled     bool
	Configured  bool
	Running     bool
	Connected   bool
	LastError   string
	LastStartAt time.Time
	LastStopAt  time.Time
	Probe       *ProbeResult
	Extra       map[string]any
}
