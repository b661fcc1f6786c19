package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/config"
)

func fakePlugin(started chan<- string) *Plugin {
	return &Plugin{
		ID: "fake",
		Config: &ConfigAdapter{
			ListAccountIds: func(*config.Config) []string { return []string{"a", "b", "off"} },
			ResolveAccount: func(_ *config.Config, id string) (Account, error) {
				if id == "missing" {
					return Account{}, ErrUnknownAccount
				}
				return Account{AccountID: id, Enabled: id != "off", Configured: true}, nil
			},
		},
		Gateway: &GatewayAdapter{
			StartAccount: func(ctx context.Context, gc GatewayContext) error {
				gc.SetStatus(func(s *AccountSnapshot) { s.Connected = true })
				started <- gc.Account.AccountID
				<-ctx.Done()
				return ctx.Err()
			},
		},
	}
}

func TestDefaultAccountId(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, bus.DefaultAccountID, DefaultAccountId(&Plugin{ID: "x"}, &cfg))

	p := fakePlugin(nil)
	assert.Equal(t, "a", DefaultAccountId(p, &cfg))

	p.Config.DefaultAccountId = func(*config.Config) string { return "b" }
	assert.Equal(t, "b", DefaultAccountId(p, &cfg))
}

func TestManager_StartAllSkipsDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	started := make(chan string, 4)
	r := NewRegistry(nil)
	require.NoError(t, r.Register(fakePlugin(started)))
	m := NewManager(r, &cfg, bus.NewMessageBus(1), nil)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- m.StartAll(ctx) }()

	got := map[string]bool{}
	for range 2 {
		select {
		case id := <-started:
			got[id] = true
		case <-time.After(time.Second):
			t.Fatal("account did not start")
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)
	assert.Equal(t, []string{"fake"}, m.EnabledChannels())

	snap, ok := m.Runtime("fake", "a")
	require.True(t, ok)
	assert.True(t, snap.Running)
	assert.True(t, snap.Connected)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	snap, _ = m.Runtime("fake", "a")
	assert.False(t, snap.Running)
	assert.Empty(t, snap.LastError)
	_, ok = m.Runtime("fake", "off")
	assert.False(t, ok)
}

func TestManager_RecordsStartError(t *testing.T) {
	cfg := config.DefaultConfig()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&Plugin{
		ID: "broken",
		Gateway: &GatewayAdapter{
			StartAccount: func(context.Context, GatewayContext) error { return errors.New("bad token") },
		},
	}))
	m := NewManager(r, &cfg, nil, nil)

	require.NoError(t, m.StartAccount(t.Context(), "broken", ""))
	require.Eventually(t, func() bool {
		snap, _ := m.Runtime("broken", bus.DefaultAccountID)
		return !snap.Running && snap.LastError == "bad token"
	}, time.Second, 5*time.Millisecond)

	status := m.Status(t.Context(), false, time.Second)
	require.Len(t, status, 1)
	require.Len(t, status[0].Issues, 1)
	assert.Equal(t, "runtime", status[0].Issues[0].Kind)
}

func TestManager_MissingCapabilities(t *testing.T) {
	cfg := config.DefaultConfig()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&Plugin{ID: "console"}))
	require.NoError(t, r.Register(&Plugin{ID: "gw", Gateway: &GatewayAdapter{}}))
	m := NewManager(r, &cfg, nil, nil)

	assert.ErrorIs(t, m.StartAccount(t.Context(), "console", ""), ErrUnsupported)
	assert.ErrorIs(t, m.StartAccount(t.Context(), "nope", ""), ErrUnknownChannel)

	_, err := m.StartLogin(t.Context(), "console", "", false)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = m.WaitLogin(t.Context(), "gw", "", time.Second)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = m.Logout(t.Context(), "gw", "")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Empty(t, m.EnabledChannels())
}

func TestManager_StopAccount(t *testing.T) {
	cfg := config.DefaultConfig()
	started := make(chan string, 1)
	stopped := false
	p := fakePlugin(started)
	p.Gateway.StopAccount = func(context.Context, GatewayContext) error {
		stopped = true
		return nil
	}
	r := NewRegistry(nil)
	require.NoError(t, r.Register(p))
	m := NewManager(r, &cfg, nil, nil)

	require.NoError(t, m.StartAccount(t.Context(), "fake", "b"))
	<-started
	require.NoError(t, m.StopAccount(t.Context(), "fake", "b"))

	assert.True(t, stopped)
	snap, _ := m.Runtime("fake", "b")
	assert.False(t, snap.Running)
	assert.False(t, snap.LastStopAt.IsZero())

	// stopping again is a no-op
	require.NoError(t, m.StopAccount(t.Context(), "fake", "b"))
}
