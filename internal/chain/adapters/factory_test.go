package adapters_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/chain/adapters"
	"github.com/terminal-bench/chainsettle/internal/chain/aptos"
	"github.com/terminal-bench/chainsettle/internal/chain/evm"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/reward"
)

func TestFactory(t *testing.T) {
	build := adapters.New(reward.NewDefaultEngine(), zap.NewNop())

	t.Run("should build evm adapters for every evm chain type", func(t *testing.T) {
		for _, ct := range []chain.Type{chain.TypeEthereum, chain.TypePolygon, chain.TypeBase} {
			a, err := build(ct)
			require.NoError(t, err)
			assert.IsType(t, &evm.Adapter{}, a)
			assert.Equal(t, ct, a.Type())
		}
	})

	t.Run("should build the aptos adapter", func(t *testing.T) {
		a, err := build(chain.TypeAptos)
		require.NoError(t, err)
		assert.IsType(t, &aptos.Adapter{}, a)
	})

	t.Run("should refuse the in-memory and unknown types", func(t *testing.T) {
		for _, ct := range []chain.Type{chain.TypeMemory, "solana", ""} {
			_, err := build(ct)
			assert.ErrorIs(t, err, match.ErrConfiguration)
		}
	})
}
