package idempotency_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/idempotency"
	"github.com/terminal-bench/chainsettle/internal/match"
)

func uniqueKey() idempotency.Key {
	return idempotency.Key{
		Chain:       chain.TypeEthereum,
		MatchID:     match.ID("M-" + uuid.NewString()[:8]),
		Participant: "0xabc",
	}
}

// exerciseLedger checks the claim contract every backend must meet.
func exerciseLedger(t *testing.T, l idempotency.Ledger) {
	ctx := context.Background()

	t.Run("should grant only the first claim", func(t *testing.T) {
		key := uniqueKey()
		won, err := l.Claim(ctx, key)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = l.Claim(ctx, key)
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("should allow a claim again after release", func(t *testing.T) {
		key := uniqueKey()
		_, err := l.Claim(ctx, key)
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx, key))

		won, err := l.Claim(ctx, key)
		require.NoError(t, err)
		assert.True(t, won)
	})

	t.Run("should keep keys on different chains independent", func(t *testing.T) {
		key := uniqueKey()
		other := key
		other.Chain = chain.TypeAptos

		won, err := l.Claim(ctx, key)
		require.NoError(t, err)
		assert.True(t, won)
		won, err = l.Claim(ctx, other)
		require.NoError(t, err)
		assert.True(t, won)
	})

	t.Run("should let exactly one concurrent claimant win", func(t *testing.T) {
		key := uniqueKey()
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := l.Claim(ctx, key)
				assert.NoError(t, err)
				if won {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestMemoryLedger(t *testing.T) {
	exerciseLedger(t, idempotency.NewMemoryLedger())
}

func TestKeyString(t *testing.T) {
	key := idempotency.Key{Chain: chain.TypeBase, MatchID: "M1", Participant: "0xabc"}
	assert.Equal(t, fmt.Sprintf("base/%s/0xabc", match.ID("M1").Hex()), key.String())
}

func TestRedisLedger(t *testing.T) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := idempotency.NewRedisLedger(ctx, addr)
	require.NoError(t, err)
	defer l.Close()

	exerciseLedger(t, l)
}

func TestEtcdLedger(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	l, err := idempotency.NewEtcdLedger(strings.Split(endpoints, ","), zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	exerciseLedger(t, l)
}
