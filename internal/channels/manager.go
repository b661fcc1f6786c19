package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/config"
)

type accountKey struct {
	channel string
	account string
}

type accountRuntime struct {
	cancel   context.CancelFunc
	done     chan struct{}
	gc       GatewayContext
	snapshot AccountSnapshot
}

// Manager runs the configured accounts of every registered channel that
// offers a gateway adapter, and keeps their runtime snapshots.
type Manager struct {
	registry *Registry
	cfg      *config.Config
	sink     bus.Sink
	logger   *slog.Logger

	mu       sync.Mutex
	runtimes map[accountKey]*accountRuntime
}

// NewManager creates a Manager. Accounts are not started until StartAll
// or StartAccount.
func NewManager(registry *Registry, cfg *config.Config, sink bus.Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With("component", "channels"),
		runtimes: make(map[accountKey]*accountRuntime),
	}
}

func (m *Manager) runnable() []*Plugin {
	var out []*Plugin
	for _, p := range m.registry.Plugins() {
		if p.Gateway != nil && p.Gateway.StartAccount != nil {
			out = append(out, p)
		}
	}
	return out
}

// EnabledChannels returns the ids of runnable channels with at least one
// enabled, configured account.
func (m *Manager) EnabledChannels() []string {
	var ids []string
	for _, p := range m.runnable() {
		accounts, err := ListAccounts(p, m.cfg)
		if err != nil {
			continue
		}
		for _, acct := range accounts {
			if acct.Enabled && acct.Configured {
				ids = append(ids, p.ID)
				break
			}
		}
	}
	return ids
}

// StartAll starts every enabled account of every runnable channel, then
// blocks until ctx is cancelled and every account has stopped.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, p := range m.runnable() {
		id := p.ID
		accounts, err := ListAccounts(p, m.cfg)
		if err != nil {
			m.logger.Error("list accounts failed", "channel", id, "err", err)
			continue
		}
		for _, acct := range accounts {
			if !acct.Enabled {
				m.logger.Debug("account disabled", "channel", id, "account", acct.AccountID)
				continue
			}
			if !acct.Configured {
				m.logger.Warn("account enabled but not configured", "channel", id, "account", acct.AccountID)
				continue
			}
			if err := m.StartAccount(ctx, id, acct.AccountID); err != nil {
				m.logger.Error("start account failed", "channel", id, "account", acct.AccountID, "err", err)
			}
		}
	}

	<-ctx.Done()
	m.StopAll()
	return ctx.Err()
}

// StartAccount launches one account in the background. Starting an
// account that is already running is a no-op.
func (m *Manager) StartAccount(ctx context.Context, channelId, accountId string) error {
	p, ok := m.registry.Plugin(channelId)
	if !ok {
		return fmt.Errorf("%s: %w", channelId, ErrUnknownChannel)
	}
	if p.Gateway == nil || p.Gateway.StartAccount == nil {
		return Unsupported(channelId, "startAccount")
	}
	acct, err := ResolveAccount(p, m.cfg, accountId)
	if err != nil {
		return err
	}
	key := accountKey{channelId, acct.AccountID}

	m.mu.Lock()
	if rt, ok := m.runtimes[key]; ok && rt.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	rt := &accountRuntime{cancel: cancel, done: make(chan struct{})}
	if prev, ok := m.runtimes[key]; ok {
		rt.snapshot = prev.snapshot
	} else {
		rt.snapshot = Describe(p, acct)
	}
	rt.snapshot.Running = true
	rt.snapshot.LastError = ""
	rt.snapshot.LastStartAt = time.Now()
	rt.gc = GatewayContext{
		Cfg:       m.cfg,
		Account:   acct,
		Sink:      m.sink,
		Logger:    m.logger.With("channel", channelId, "account", acct.AccountID),
		SetStatus: func(patch func(*AccountSnapshot)) { m.patch(key, patch) },
	}
	m.runtimes[key] = rt
	m.mu.Unlock()

	m.logger.Info("starting account", "channel", channelId, "account", acct.AccountID)
	go func() {
		defer close(rt.done)
		err := p.Gateway.StartAccount(runCtx, rt.gc)
		m.patch(key, func(s *AccountSnapshot) {
			s.Running = false
			s.Connected = false
			s.LastStopAt = time.Now()
			if err != nil && !errors.Is(err, context.Canceled) {
				s.LastError = err.Error()
			}
		})
		if err != nil && runCtx.Err() == nil {
			m.logger.Error("account exited with error", "channel", channelId, "account", acct.AccountID, "err", err)
		}
		m.mu.Lock()
		if cur := m.runtimes[key]; cur == rt {
			rt.cancel = nil
		}
		m.mu.Unlock()
	}()
	return nil
}

// StopAccount cancels a running account and waits for it to exit.
func (m *Manager) StopAccount(ctx context.Context, channelId, accountId string) error {
	p, ok := m.registry.Plugin(channelId)
	if !ok {
		return fmt.Errorf("%s: %w", channelId, ErrUnknownChannel)
	}
	if accountId == "" {
		accountId = DefaultAccountId(p, m.cfg)
	}
	key := accountKey{channelId, accountId}

	m.mu.Lock()
	rt, ok := m.runtimes[key]
	var cancel context.CancelFunc
	if ok {
		cancel = rt.cancel
	}
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	if p.Gateway.StopAccount != nil {
		if err := p.Gateway.StopAccount(ctx, rt.gc); err != nil {
			m.logger.Warn("stop account hook failed", "channel", channelId, "account", accountId, "err", err)
		}
	}
	cancel()
	select {
	case <-rt.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("account stopped", "channel", channelId, "account", accountId)
	return nil
}

// StopAll stops every running account.
func (m *Manager) StopAll() {
	m.mu.Lock()
	keys := make([]accountKey, 0, len(m.runtimes))
	for k := range m.runtimes {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, k := range keys {
		if err := m.StopAccount(ctx, k.channel, k.account); err != nil {
			m.logger.Warn("stop account failed", "channel", k.channel, "account", k.account, "err", err)
		}
	}
}

// StartLogin begins a QR login for an account.
func (m *Manager) StartLogin(ctx context.Context, channelId, accountId string, force bool) (LoginResult, error) {
	p, acct, err := m.gatewayAccount(channelId, accountId)
	if err != nil {
		return LoginResult{}, err
	}
	if p.Gateway.LoginWithQRStart == nil {
		return LoginResult{}, Unsupported(channelId, "loginWithQrStart")
	}
	return p.Gateway.LoginWithQRStart(ctx, acct, force)
}

// WaitLogin waits for a QR login started by StartLogin to finish.
func (m *Manager) WaitLogin(ctx context.Context, channelId, accountId string, timeout time.Duration) (LoginResult, error) {
	p, acct, err := m.gatewayAccount(channelId, accountId)
	if err != nil {
		return LoginResult{}, err
	}
	if p.Gateway.LoginWithQRWait == nil {
		return LoginResult{}, Unsupported(channelId, "loginWithQrWait")
	}
	res, err := p.Gateway.LoginWithQRWait(ctx, acct, timeout)
	if err == nil && res.Connected {
		m.patch(accountKey{channelId, acct.AccountID}, func(s *AccountSnapshot) { s.Connected = true })
	}
	return res, err
}

// Logout clears the account's stored credentials, then stops it. The
// plugin may need the running connection to log out.
func (m *Manager) Logout(ctx context.Context, channelId, accountId string) (bool, error) {
	p, acct, err := m.gatewayAccount(channelId, accountId)
	if err != nil {
		return false, err
	}
	if p.Gateway.LogoutAccount == nil {
		return false, Unsupported(channelId, "logoutAccount")
	}
	cleared, err := p.Gateway.LogoutAccount(ctx, acct)
	if err != nil {
		return false, err
	}
	if err := m.StopAccount(ctx, channelId, acct.AccountID); err != nil {
		return cleared, err
	}
	return cleared, nil
}

func (m *Manager) gatewayAccount(channelId, accountId string) (*Plugin, Account, error) {
	p, ok := m.registry.Plugin(channelId)
	if !ok {
		return nil, Account{}, fmt.Errorf("%s: %w", channelId, ErrUnknownChannel)
	}
	if p.Gateway == nil {
		return nil, Account{}, Unsupported(channelId, "gateway")
	}
	acct, err := ResolveAccount(p, m.cfg, accountId)
	if err != nil {
		return nil, Account{}, err
	}
	return p, acct, nil
}

func (m *Manager) patch(key accountKey, fn func(*AccountSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[key]
	if !ok {
		rt = &accountRuntime{snapshot: AccountSnapshot{ChannelID: key.channel, AccountID: key.account}}
		m.runtimes[key] = rt
	}
	fn(&rt.snapshot)
}

// Runtime returns the runtime snapshot of an account, if it was ever started.
func (m *Manager) Runtime(channelId, accountId string) (AccountSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[accountKey{channelId, accountId}]
	if !ok {
		return AccountSnapshot{}, false
	}
	return rt.snapshot, true
}

// ChannelStatus is the status view of one channel.
type ChannelStatus struct {
	Channel  string
	Label    string
	State    map[string]string // account id -> state label
	Accounts []AccountSnapshot
	Summary  map[string]any
	Issues   []StatusIssue
}

// Status builds a status report for every registered channel. When probe
// is set, channels with a status adapter are probed live.
func (m *Manager) Status(ctx context.Context, probe bool, timeout time.Duration) []ChannelStatus {
	var out []ChannelStatus
	for _, p := range m.registry.Plugins() {
		cs := ChannelStatus{Channel: p.ID, Label: p.Meta.Label, State: map[string]string{}}
		accounts, err := ListAccounts(p, m.cfg)
		if err != nil {
			cs.Issues = append(cs.Issues, StatusIssue{Channel: p.ID, Kind: "config", Message: err.Error()})
			out = append(out, cs)
			continue
		}
		for _, acct := range accounts {
			snap := m.accountSnapshot(ctx, p, acct, probe, timeout)
			cs.Accounts = append(cs.Accounts, snap)
			cs.State[acct.AccountID] = accountState(p, snap)
			if p.Status != nil && p.Status.AuditAccount != nil && acct.Enabled && acct.Configured {
				issues, err := p.Status.AuditAccount(ctx, acct)
				if err != nil {
					m.logger.Debug("audit failed", "channel", p.ID, "account", acct.AccountID, "err", err)
				}
				cs.Issues = append(cs.Issues, issues...)
			}
		}
		if p.Status != nil && p.Status.BuildSummary != nil {
			cs.Summary = p.Status.BuildSummary(cs.Accounts)
		}
		if p.Status != nil && p.Status.CollectStatusIssues != nil {
			cs.Issues = append(cs.Issues, p.Status.CollectStatusIssues(cs.Accounts)...)
		} else {
			cs.Issues = append(cs.Issues, defaultIssues(cs.Accounts)...)
		}
		out = append(out, cs)
	}
	return out
}

func (m *Manager) accountSnapshot(ctx context.Context, p *Plugin, acct Account, probe bool, timeout time.Duration) AccountSnapshot {
	runtime, ok := m.Runtime(p.ID, acct.AccountID)
	if !ok {
		runtime = Describe(p, acct)
	} else {
		base := Describe(p, acct)
		runtime.Name, runtime.Enabled, runtime.Configured = base.Name, base.Enabled, base.Configured
	}

	var pr *ProbeResult
	if probe && p.Status != nil && p.Status.ProbeAccount != nil && acct.Configured {
		res, err := p.Status.ProbeAccount(ctx, acct, timeout)
		if err != nil {
			res = ProbeResult{Error: err.Error()}
		}
		pr = &res
	}
	if p.Status != nil && p.Status.BuildAccountSnapshot != nil {
		return p.Status.BuildAccountSnapshot(acct, runtime, pr)
	}
	runtime.Probe = pr
	return runtime
}

func accountState(p *Plugin, snap AccountSnapshot) string {
	if p.Status != nil && p.Status.ResolveAccountState != nil {
		return p.Status.ResolveAccountState(snap)
	}
	switch {
	case !snap.Enabled:
		return "disabled"
	case !snap.Configured:
		return "not configured"
	case snap.Running:
		return "running"
	default:
		return "configured"
	}
}

func defaultIssues(snaps []AccountSnapshot) []StatusIssue {
	var issues []StatusIssue
	for _, s := range snaps {
		switch {
		case s.LastError != "":
			issues = append(issues, StatusIssue{
				Channel: s.ChannelID, AccountId: s.AccountID, Kind: "runtime",
				Message: s.LastError,
			})
		case s.Enabled && !s.Configured:
			issues = append(issues, StatusIssue{
				Channel: s.ChannelID, AccountId: s.AccountID, Kind: "config",
				Message: "account is enabled but not configured",
			})
		case s.Probe != nil && !s.Probe.OK:
			issues = append(issues, StatusIssue{
				Channel: s.ChannelID, AccountId: s.AccountID, Kind: "auth",
				Message: "probe failed: " + s.Probe.Error,
			})
		}
	}
	return issues
}
