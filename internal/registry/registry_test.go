package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/chain/chaintest"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/registry"
	"github.com/terminal-bench/chainsettle/internal/reward"
)

const (
	chainA chain.Type = "chain-a"
	chainB chain.Type = "chain-b"
)

type fixture struct {
	reg      *registry.Registry
	adapters map[chain.Type]*chaintest.Adapter

	mu    sync.Mutex
	notes []registry.Notification
	probe int
}

func (f *fixture) Notify(n registry.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
}

func (f *fixture) RecordProbe(registry.ChainStatus, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probe++
}

func (f *fixture) notifications() []registry.NotificationKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.NotificationKind, 0, len(f.notes))
	for _, n := range f.notes {
		out = append(out, n.Kind)
	}
	return out
}

func newFixture(t *testing.T, cfg registry.Config, types ...chain.Type) *fixture {
	f := &fixture{adapters: make(map[chain.Type]*chaintest.Adapter)}
	engine := reward.NewDefaultEngine()
	factory := func(ct chain.Type) (chain.Adapter, error) {
		a := chaintest.New(engine, chaintest.WithType(ct))
		f.adapters[ct] = a
		return a, nil
	}
	f.reg = registry.New(cfg, factory, zap.NewNop(), registry.WithNotifier(f), registry.WithProbeRecorder(f))
	for _, ct := range types {
		require.NoError(t, f.reg.RegisterChain(context.Background(), ct, chaintest.Config()))
	}
	t.Cleanup(func() { _ = f.reg.Stop() })
	return f
}

func (f *fixture) probeTimes(n int) {
	for i := 0; i < n; i++ {
		f.reg.CheckHealth(context.Background())
	}
}

func TestRegisterChain(t *testing.T) {
	t.Run("should register chains as healthy in order", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig(), chainA, chainB)

		statuses := f.reg.Statuses()
		require.Len(t, statuses, 2)
		assert.Equal(t, chainA, statuses[0].Chain)
		assert.Equal(t, chainB, statuses[1].Chain)
		assert.Equal(t, registry.Healthy, statuses[0].Health)
	})

	t.Run("should not register an adapter that fails to initialize", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig())
		cfg := chaintest.Config()
		cfg.EndpointURL = ""

		err := f.reg.RegisterChain(context.Background(), chainA, cfg)
		assert.ErrorIs(t, err, match.ErrConfiguration)
		assert.Equal(t, registry.Unregistered, f.reg.Status(chainA).Health)
	})

	t.Run("should close the adapter it replaces", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig(), chainA)
		first := f.adapters[chainA]

		require.NoError(t, f.reg.RegisterChain(context.Background(), chainA, chaintest.Config()))
		assert.True(t, first.Closed())
		assert.Len(t, f.reg.Types(), 1)

		got, err := f.reg.GetAdapter(chainA)
		require.NoError(t, err)
		assert.Same(t, f.adapters[chainA], got)
	})

	t.Run("should propagate factory errors", func(t *testing.T) {
		reg := registry.New(registry.DefaultConfig(), func(chain.Type) (chain.Adapter, error) {
			return nil, match.ErrConfiguration
		}, zap.NewNop())
		assert.ErrorIs(t, reg.RegisterChain(context.Background(), chainA, chaintest.Config()), match.ErrConfiguration)
	})
}

func TestHealthStateMachine(t *testing.T) {
	t.Run("should degrade on the first failure and keep serving", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig(), chainA)
		f.adapters[chainA].SetHealth(errors.New("rpc down"))

		f.probeTimes(1)
		st := f.reg.Status(chainA)
		assert.Equal(t, registry.Degraded, st.Health)
		assert.Equal(t, 1, st.ConsecutiveFailures)
		assert.Equal(t, "rpc down", st.LastError)

		_, err := f.reg.GetAdapter(chainA)
		assert.NoError(t, err)
	})

	t.Run("should heal a degraded chain on success", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig(), chainA)
		f.adapters[chainA].SetHealth(errors.New("rpc down"))
		f.probeTimes(2)

		f.adapters[chainA].SetHealth(nil)
		f.probeTimes(1)
		st := f.reg.Status(chainA)
		assert.Equal(t, registry.Healthy, st.Health)
		assert.Zero(t, st.ConsecutiveFailures)
		assert.Empty(t, st.LastError)
		assert.Empty(t, f.notifications())
	})

	t.Run("should notify once when a chain becomes unhealthy", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig(), chainA)
		f.adapters[chainA].SetHealth(errors.New("rpc down"))

		f.probeTimes(5)
		assert.Equal(t, registry.Unhealthy, f.reg.Status(chainA).Health)
		assert.Equal(t, 5, f.reg.Status(chainA).ConsecutiveFailures)
		assert.Equal(t, []registry.NotificationKind{registry.NotifyUnhealthy}, f.notifications())
	})

	t.Run("should need two successes to leave unhealthy", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig(), chainA)
		f.adapters[chainA].SetHealth(errors.New("rpc down"))
		f.probeTimes(3)

		f.adapters[chainA].SetHealth(nil)
		f.probeTimes(1)
		st := f.reg.Status(chainA)
		assert.Equal(t, registry.Unhealthy, st.Health)
		assert.Zero(t, st.ConsecutiveFailures)
		assert.True(t, st.RecoveryPending)
		assert.Equal(t, []registry.NotificationKind{registry.NotifyUnhealthy, registry.NotifyRecovered}, f.notifications())

		f.probeTimes(1)
		st = f.reg.Status(chainA)
		assert.Equal(t, registry.Healthy, st.Health)
		assert.False(t, st.RecoveryPending)
	})

	t.Run("should record every probe", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig(), chainA, chainB)
		f.probeTimes(2)
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Equal(t, 4, f.probe)
	})
}

func TestFailover(t *testing.T) {
	t.Run("should return a healthy chain in place of an unhealthy one", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig(), chainA, chainB)
		f.adapters[chainA].SetHealth(errors.New("rpc down"))
		f.probeTimes(3)

		got, err := f.reg.GetAdapter(chainA)
		require.NoError(t, err)
		assert.Same(t, f.adapters[chainB], got)

		f.adapters[chainA].SetHealth(nil)
		f.probeTimes(1)
		assert.Zero(t, f.reg.Status(chainA).ConsecutiveFailures)
		got, err = f.reg.GetAdapter(chainA)
		require.NoError(t, err)
		assert.Same(t, f.adapters[chainB], got, "one success must not restore an unhealthy chain")
	})

	t.Run("should refuse an unhealthy chain when failover is disabled", func(t *testing.T) {
		cfg := registry.DefaultConfig()
		cfg.EnableFailover = false
		f := newFixture(t, cfg, chainA, chainB)
		f.adapters[chainA].SetHealth(errors.New("rpc down"))
		f.probeTimes(3)

		_, err := f.reg.GetAdapter(chainA)
		assert.ErrorIs(t, err, registry.ErrChainUnavailable)
	})

	t.Run("should report unknown chains as unavailable", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig(), chainA)
		_, err := f.reg.GetAdapter("nowhere")
		assert.ErrorIs(t, err, registry.ErrChainUnavailable)
	})

	t.Run("should fail when no chain is healthy", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig(), chainA, chainB)
		f.adapters[chainA].SetHealth(errors.New("down"))
		f.adapters[chainB].SetHealth(errors.New("down"))
		f.probeTimes(3)

		_, err := f.reg.GetAdapter(chainA)
		assert.ErrorIs(t, err, registry.ErrNoHealthyChain)
	})

	t.Run("should skip degraded chains when picking any healthy chain", func(t *testing.T) {
		f := newFixture(t, registry.DefaultConfig(), chainA, chainB)
		f.adapters[chainA].SetHealth(errors.New("slow"))
		f.probeTimes(1)

		got, err := f.reg.GetHealthyAdapter()
		require.NoError(t, err)
		assert.Same(t, f.adapters[chainB], got)
	})

	t.Run("should prefer the primary chain", func(t *testing.T) {
		cfg := registry.DefaultConfig()
		cfg.PrimaryChain = chainB
		f := newFixture(t, cfg, chainA, chainB)

		got, err := f.reg.GetHealthyAdapter()
		require.NoError(t, err)
		assert.Same(t, f.adapters[chainB], got)
		assert.True(t, f.reg.Status(chainB).Primary)
	})
}

func TestCheckHealthIsolation(t *testing.T) {
	t.Run("should time out a hung probe without delaying the others", func(t *testing.T) {
		cfg := registry.DefaultConfig()
		cfg.ProbeTimeout = 50 * time.Millisecond
		f := newFixture(t, cfg, chainA, chainB)
		f.adapters[chainA].SetHealthDelay(5 * time.Second)

		start := time.Now()
		f.reg.CheckHealth(context.Background())
		assert.Less(t, time.Since(start), 2*time.Second)

		assert.Equal(t, registry.Degraded, f.reg.Status(chainA).Health)
		assert.Contains(t, f.reg.Status(chainA).LastError, context.DeadlineExceeded.Error())
		assert.Equal(t, registry.Healthy, f.reg.Status(chainB).Health)
		assert.False(t, f.reg.Status(chainB).LastCheck.IsZero())
	})
}

func TestScheduler(t *testing.T) {
	t.Run("should probe periodically and close adapters on stop", func(t *testing.T) {
		cfg := registry.DefaultConfig()
		cfg.HealthCheckInterval = 20 * time.Millisecond
		f := newFixture(t, cfg, chainA)

		require.NoError(t, f.reg.Start(context.Background()))
		require.NoError(t, f.reg.RegisterChain(context.Background(), chainB, chaintest.Config()))

		require.Eventually(t, func() bool {
			return f.adapters[chainA].Probes() >= 2 && f.adapters[chainB].Probes() >= 2
		}, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, f.reg.Stop())
		assert.True(t, f.adapters[chainA].Closed())
		assert.True(t, f.adapters[chainB].Closed())
	})
}
