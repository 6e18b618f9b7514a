package chain_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/pkg/circuit"
)

func fullConfig() chain.Config {
	return chain.Config{
		EndpointURL: "http://localhost:8545",
		Contracts: chain.Contracts{
			Token: "0x1", Oracle: "0x2", BurnEngine: "0x3", RewardTiers: "0x4",
		},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("should accept a complete configuration", func(t *testing.T) {
		assert.NoError(t, fullConfig().Validate())
	})

	t.Run("should require an endpoint", func(t *testing.T) {
		cfg := fullConfig()
		cfg.EndpointURL = ""
		assert.ErrorIs(t, cfg.Validate(), match.ErrConfiguration)
	})

	t.Run("should list every missing address in a stable order", func(t *testing.T) {
		cfg := fullConfig()
		cfg.Contracts.Oracle = ""
		cfg.Contracts.BurnEngine = ""
		err := cfg.Validate()
		assert.ErrorIs(t, err, match.ErrConfiguration)
		assert.Contains(t, err.Error(), "[burn_engine oracle]")
	})
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := fullConfig().WithDefaults()
	assert.Equal(t, uint64(1), cfg.MinConfirmations)
	assert.Equal(t, float64(20), cfg.RequestsPerSecond)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)

	custom := fullConfig()
	custom.MinConfirmations = 12
	assert.Equal(t, uint64(12), custom.WithDefaults().MinConfirmations)
}

func TestTypeFamily(t *testing.T) {
	assert.Equal(t, chain.FamilyEVM, chain.TypePolygon.Family())
	assert.Equal(t, chain.FamilyMove, chain.TypeAptos.Family())
	assert.Equal(t, chain.FamilyMemory, chain.TypeMemory.Family())
	assert.Equal(t, chain.Family(""), chain.Type("cosmos").Family())
}

func TestValidateTxHash(t *testing.T) {
	t.Run("should accept a 32-byte hex hash", func(t *testing.T) {
		assert.NoError(t, chain.ValidateTxHash("0x"+strings.Repeat("aB", 32)))
	})

	t.Run("should reject anything else", func(t *testing.T) {
		for _, in := range []string{
			"",
			"0xabc",
			strings.Repeat("ab", 32),
			"0x" + strings.Repeat("zz", 32),
			"0x" + strings.Repeat("ab", 33),
			"../accounts/0x1",
		} {
			assert.ErrorIs(t, chain.ValidateTxHash(in), match.ErrInvalidParameter, in)
		}
	})
}

func TestVocabularyClassify(t *testing.T) {
	v := chain.Vocabulary{
		"E_MATCH":           match.ErrNotFound,
		"E_MATCH_CANCELLED": match.ErrMatchCancelled,
	}

	t.Run("should prefer the longest matching marker", func(t *testing.T) {
		err := v.Classify(errors.New("Move abort: E_MATCH_CANCELLED(0x4)"))
		assert.ErrorIs(t, err, match.ErrMatchCancelled)
		assert.NotErrorIs(t, err, match.ErrNotFound)
	})

	t.Run("should pass unknown failures through", func(t *testing.T) {
		orig := errors.New("connection reset")
		assert.Same(t, orig, v.Classify(orig))
	})

	t.Run("should keep nil as nil", func(t *testing.T) {
		assert.NoError(t, v.Classify(nil))
	})
}

func TestRPCGuard(t *testing.T) {
	t.Run("should not trip on lifecycle errors", func(t *testing.T) {
		g := chain.NewRPCGuard("test", 1000, zap.NewNop())
		for i := 0; i < 10; i++ {
			err := g.Do(context.Background(), func(context.Context) error { return match.ErrDuplicateBurn })
			assert.ErrorIs(t, err, match.ErrDuplicateBurn)
		}
		assert.Equal(t, circuit.StateClosed, g.BreakerState())
	})

	t.Run("should open after repeated transport failures", func(t *testing.T) {
		g := chain.NewRPCGuard("test", 1000, zap.NewNop())
		for i := 0; i < 5; i++ {
			_ = g.Do(context.Background(), func(context.Context) error { return errors.New("dial tcp: refused") })
		}
		assert.Equal(t, circuit.StateOpen, g.BreakerState())
		err := g.Do(context.Background(), func(context.Context) error { return nil })
		assert.ErrorIs(t, err, circuit.ErrCircuitOpen)
	})

	t.Run("should stop waiting when the context ends", func(t *testing.T) {
		g := chain.NewRPCGuard("test", 0.001, zap.NewNop())
		require.NoError(t, g.Do(context.Background(), func(context.Context) error { return nil }))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := g.Do(ctx, func(context.Context) error { return nil })
		assert.Error(t, err)
	})
}

func TestPollSubscription(t *testing.T) {
	t.Run("should poll immediately and on every tick", func(t *testing.T) {
		var calls atomic.Int32
		sub := chain.NewPollSubscription(context.Background(), 5*time.Millisecond, func(context.Context) error {
			calls.Add(1)
			return nil
		}, zap.NewNop())

		require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
		sub.Unsubscribe()
		sub.Unsubscribe()

		stopped := calls.Load()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, stopped, calls.Load())
	})

	t.Run("should keep polling after errors", func(t *testing.T) {
		var calls atomic.Int32
		sub := chain.NewPollSubscription(context.Background(), 5*time.Millisecond, func(context.Context) error {
			calls.Add(1)
			return errors.New("node unavailable")
		}, zap.NewNop())
		defer sub.Unsubscribe()

		require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	})

	t.Run("should close Done when the parent context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		sub := chain.NewPollSubscription(ctx, time.Hour, func(context.Context) error { return nil }, zap.NewNop())
		cancel()

		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("subscription did not stop")
		}
	})
}
