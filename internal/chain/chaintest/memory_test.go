package chaintest_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/chain/chaintest"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/reward"
)

const player = "0xabc"

func newAdapter(t *testing.T, opts ...chaintest.Option) *chaintest.Adapter {
	a := chaintest.New(reward.NewDefaultEngine(), opts...)
	require.NoError(t, a.Initialize(context.Background(), chaintest.Config()))
	return a
}

func TestMemoryAdapterLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("should refuse writes before initialization", func(t *testing.T) {
		a := chaintest.New(reward.NewDefaultEngine())
		_, err := a.RegisterMatch(ctx, "M1", match.SportCricket)
		assert.ErrorIs(t, err, match.ErrConfiguration)
	})

	t.Run("should move a match through its lifecycle", func(t *testing.T) {
		a := newAdapter(t)
		_, err := a.RegisterMatch(ctx, "M1", match.SportCricket)
		require.NoError(t, err)

		_, err = a.RecordCricketPerformance(ctx, match.CricketParams{
			MatchID: "M1", Participant: player, Stats: reward.CricketStats{Runs: 100, BallsFaced: 60},
		})
		require.NoError(t, err)

		m, err := a.GetMatch(ctx, "M1")
		require.NoError(t, err)
		assert.Equal(t, match.StatusInProgress, m.Status)
		assert.Equal(t, uint32(1), m.Participants)

		_, err = a.FinalizeMatch(ctx, "M1", 1, [32]byte{7})
		require.NoError(t, err)
		_, err = a.FinalizeMatch(ctx, "M1", 1, [32]byte{7})
		assert.ErrorIs(t, err, match.ErrAlreadyFinalized)

		ok, err := a.VerifyMatchData(ctx, "M1", [32]byte{7})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should reject records on a cancelled match", func(t *testing.T) {
		a := newAdapter(t)
		_, err := a.RegisterMatch(ctx, "M1", match.SportCricket)
		require.NoError(t, err)
		_, err = a.CancelMatch(ctx, "M1")
		require.NoError(t, err)

		_, err = a.RecordPerformance(ctx, match.PerformanceParams{MatchID: "M1", Participant: player, Effort: 10, Tier: reward.TierParticipation})
		assert.ErrorIs(t, err, match.ErrMatchCancelled)
	})
}

func TestMemoryAdapterBurn(t *testing.T) {
	ctx := context.Background()

	t.Run("should settle once and credit the net reward", func(t *testing.T) {
		a := newAdapter(t)
		_, err := a.RegisterMatch(ctx, "M1", match.SportCricket)
		require.NoError(t, err)
		_, err = a.RecordPerformance(ctx, match.PerformanceParams{MatchID: "M1", Participant: player, Score: 1, Effort: 100, Tier: reward.TierCentury})
		require.NoError(t, err)

		var events []chain.BurnEvent
		sub, err := a.SubscribeBurnEvents(ctx, func(ev chain.BurnEvent) { events = append(events, ev) })
		require.NoError(t, err)
		defer sub.Unsubscribe()

		out, err := a.ExecuteBurn(ctx, "M1", player)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1000), out.Reward)
		assert.Equal(t, big.NewInt(100), out.Burn)

		_, err = a.ExecuteBurn(ctx, "M1", player)
		assert.ErrorIs(t, err, match.ErrDuplicateBurn)

		bal, err := a.GetTokenBalance(ctx, player)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(900), bal)

		require.Len(t, events, 2)
		assert.Equal(t, chain.BurnExecuted, events[0].Type)
		assert.Equal(t, chain.RewardClaimed, events[1].Type)
	})

	t.Run("should reject scripted submission failures", func(t *testing.T) {
		a := newAdapter(t)
		a.FailSubmissions(errors.New("mempool full"))
		_, err := a.RegisterMatch(ctx, "M1", match.SportCricket)
		assert.EqualError(t, err, "mempool full")
	})
}

func TestMemoryAdapterConfirmation(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, chaintest.WithConfirmAfter(2))
	out, err := a.RegisterMatch(ctx, "M1", match.SportCricket)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		st, err := a.TransactionStatus(ctx, out.TxID)
		require.NoError(t, err)
		assert.Equal(t, chain.TxPending, st.Status)
	}
	st, err := a.TransactionStatus(ctx, out.TxID)
	require.NoError(t, err)
	assert.Equal(t, chain.TxConfirmed, st.Status)
}

func TestMemoryAdapterRewardTiers(t *testing.T) {
	ctx := context.Background()

	t.Run("should price burns from the ledger table", func(t *testing.T) {
		a := newAdapter(t)
		require.NoError(t, a.SetLedgerTier(reward.Tier{ID: reward.TierCentury, Multiplier: 400, BaseReward: big.NewInt(500)}))
		_, err := a.RegisterMatch(ctx, "M1", match.SportCricket)
		require.NoError(t, err)
		_, err = a.RecordPerformance(ctx, match.PerformanceParams{MatchID: "M1", Participant: player, Score: 1, Effort: 100, Tier: reward.TierCentury})
		require.NoError(t, err)

		out, err := a.ExecuteBurn(ctx, "M1", player)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1000), out.Reward)

		rec, err := a.GetBurn(ctx, "M1", player)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, big.NewInt(2000), rec.RewardAmount)
		assert.Equal(t, big.NewInt(200), rec.BurnAmount)

		bal, err := a.GetTokenBalance(ctx, player)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1800), bal)
	})

	t.Run("should update the ledger table through a transaction", func(t *testing.T) {
		a := newAdapter(t)
		out, err := a.SetRewardTier(ctx, reward.Tier{ID: reward.TierEconomy, Multiplier: 200, BaseReward: big.NewInt(130)})
		require.NoError(t, err)
		assert.Equal(t, chain.TxPending, out.Status)

		tier, err := a.GetRewardTier(ctx, reward.TierEconomy)
		require.NoError(t, err)
		require.NotNil(t, tier)
		assert.Equal(t, "economy", tier.Name)
		assert.Equal(t, uint64(200), tier.Multiplier)
		assert.Equal(t, big.NewInt(130), tier.BaseReward)
	})

	t.Run("should reject out-of-range tiers", func(t *testing.T) {
		a := newAdapter(t)
		_, err := a.SetRewardTier(ctx, reward.Tier{ID: 8, BaseReward: big.NewInt(1)})
		assert.ErrorIs(t, err, match.ErrInvalidParameter)
		_, err = a.GetRewardTier(ctx, 8)
		assert.ErrorIs(t, err, match.ErrInvalidParameter)
	})
}
