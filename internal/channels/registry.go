package channels

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// Capability names one adapter slot of a Plugin.
type Capability string

const (
	CapConfig    Capability = "config"
	CapSetup     Capability = "setup"
	CapGroup     Capability = "group"
	CapOutbound  Capability = "outbound"
	CapStatus    Capability = "status"
	CapGateway   Capability = "gateway"
	CapAuth      Capability = "auth"
	CapHeartbeat Capability = "heartbeat"
	CapDirectory Capability = "directory"
	CapResolver  Capability = "resolver"
	CapElevated  Capability = "elevated"
	CapCommand   Capability = "command"
	CapSecurity  Capability = "security"
	CapPairing   Capability = "pairing"
)

type snapshot struct {
	plugins map[string]*Plugin
	order   []string
}

// Registry holds every channel plugin for the process.
//
// Reads load an immutable snapshot and take no lock. Register copies the
// snapshot and swaps it in; writers are serialised by mu. After Freeze no
// further registration is accepted.
type Registry struct {
	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	frozen atomic.Bool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "registry")}
	r.snap.Store(&snapshot{plugins: map[string]*Plugin{}})
	return r
}

// Register adds p under p.ID.
func (r *Registry) Register(p *Plugin) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("register channel: plugin id is required")
	}
	if r.frozen.Load() {
		return fmt.Errorf("register %s: %w", p.ID, ErrRegistryFrozen)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.plugins[p.ID]; ok {
		return &DuplicateChannelError{ID: p.ID}
	}

	next := &snapshot{plugins: maps.Clone(cur.plugins)}
	next.plugins[p.ID] = p
	next.order = slices.Collect(maps.Keys(next.plugins))
	sort.Slice(next.order, func(i, j int) bool {
		a, b := next.plugins[next.order[i]], next.plugins[next.order[j]]
		if a.Meta.Order != b.Meta.Order {
			return a.Meta.Order < b.Meta.Order
		}
		return a.ID < b.ID
	})
	r.snap.Store(next)

	r.logger.Info("channel registered", "channel", p.ID, "capabilities", capabilityList(p))
	return nil
}

// Freeze rejects later registrations.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Plugin returns the plugin registered under id.
func (r *Registry) Plugin(id string) (*Plugin, bool) {
	p, ok := r.snap.Load().plugins[id]
	return p, ok
}

// Plugins returns all plugins ordered by Meta.Order, then id.
func (r *Registry) Plugins() []*Plugin {
	s := r.snap.Load()
	out := make([]*Plugin, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.plugins[id])
	}
	return out
}

// IDs returns the registered channel ids in listing order.
func (r *Registry) IDs() []string {
	return slices.Clone(r.snap.Load().order)
}

func lookup[A any](r *Registry, id string, get func(*Plugin) *A) (*A, bool) {
	p, ok := r.Plugin(id)
	if !ok {
		return nil, false
	}
	a := get(p)
	return a, a != nil
}

func (r *Registry) Config(id string) (*ConfigAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *ConfigAdapter { return p.Config })
}

func (r *Registry) Setup(id string) (*SetupAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *SetupAdapter { return p.Setup })
}

func (r *Registry) Group(id string) (*GroupAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *GroupAdapter { return p.Group })
}

func (r *Registry) Outbound(id string) (*OutboundAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *OutboundAdapter { return p.Outbound })
}

func (r *Registry) Status(id string) (*StatusAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *StatusAdapter { return p.Status })
}

func (r *Registry) Gateway(id string) (*GatewayAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *GatewayAdapter { return p.Gateway })
}

func (r *Registry) Auth(id string) (*AuthAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *AuthAdapter { return p.Auth })
}

func (r *Registry) Heartbeat(id string) (*HeartbeatAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *HeartbeatAdapter { return p.Heartbeat })
}

func (r *Registry) Directory(id string) (*DirectoryAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *DirectoryAdapter { return p.Directory })
}

func (r *Registry) Resolver(id string) (*ResolverAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *ResolverAdapter { return p.Resolver })
}

func (r *Registry) Elevated(id string) (*ElevatedAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *ElevatedAdapter { return p.Elevated })
}

func (r *Registry) Command(id string) (*CommandAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *CommandAdapter { return p.Command })
}

func (r *Registry) Security(id string) (*SecurityAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *SecurityAdapter { return p.Security })
}

func (r *Registry) Pairing(id string) (*PairingAdapter, bool) {
	return lookup(r, id, func(p *Plugin) *PairingAdapter { return p.Pairing })
}

// Has reports whether channel id offers capability c.
func (r *Registry) Has(id string, c Capability) bool {
	p, ok := r.Plugin(id)
	if !ok {
		return false
	}
	return slices.Contains(capabilityList(p), c)
}

// Require returns an error unless channel id exists and offers c. It is
// meant for startup checks of capabilities a feature cannot run without.
func (r *Registry) Require(id string, c Capability) error {
	if _, ok := r.Plugin(id); !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownChannel)
	}
	if !r.Has(id, c) {
		return Unsupported(id, string(c))
	}
	return nil
}

func capabilityList(p *Plugin) []Capability {
	var caps []Capability
	add := func(present bool, c Capability) {
		if present {
			caps = append(caps, c)
		}
	}
	add(p.Config != nil, CapConfig)
	add(p.Setup != nil, CapSetup)
	add(p.Group != nil, CapGroup)
	add(p.Outbound != nil, CapOutbound)
	add(p.Status != nil, CapStatus)
	add(p.Gateway != nil, CapGateway)
	add(p.Auth != nil, CapAuth)
	add(p.Heartbeat != nil, CapHeartbeat)
	add(p.Directory != nil, CapDirectory)
	add(p.Resolver != nil, CapResolver)
	add(p.Elevated != nil, CapElevated)
	add(p.Command != nil, CapCommand)
	add(p.Security != nil, CapSecurity)
	add(p.Pairing != nil, CapPairing)
	return caps
}
