package evm_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/chain/evm"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/reward"
)

const (
	oracleAddr = "0x00000000000000000000000000000000000000a1"
	burnAddr   = "0x00000000000000000000000000000000000000b2"
	tokenAddr  = "0x00000000000000000000000000000000000000c3"
	tiersAddr  = "0x00000000000000000000000000000000000000d4"
	player     = "0x00000000000000000000000000000000000000e5"
)

var (
	oracleABI = mustABI(evm.OracleABI)
	burnABI   = mustABI(evm.BurnEngineABI)
	tokenABI  = mustABI(evm.TokenABI)
	tiersABI  = mustABI(evm.RewardTiersABI)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

type matchRow struct {
	status   match.Status
	winner   uint8
	dataHash [32]byte
}

type perfRow struct {
	score  uint64
	effort uint8
	tier   uint8
}

type revertError struct {
	msg  string
	data string
}

func (e revertError) Error() string          { return e.msg }
func (e revertError) ErrorData() interface{} { return e.data }

// fakeNode is a scripted EVM node that answers contract reads from in-memory rows.
type fakeNode struct {
	mu          sync.Mutex
	head        uint64
	nonce       uint64
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	matches     map[[32]byte]matchRow
	perfs       map[[32]byte]perfRow
	burns       map[[32]byte]bool
	tiers       map[uint8]reward.Tier
	balance     *big.Int
	estimateErr error
	logs        []types.Log
	closed      bool
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		head:     100,
		nonce:    7,
		receipts: make(map[common.Hash]*types.Receipt),
		matches:  make(map[[32]byte]matchRow),
		perfs:    make(map[[32]byte]perfRow),
		burns:    make(map[[32]byte]bool),
		tiers:    make(map[uint8]reward.Tier),
		balance:  big.NewInt(0),
	}
}

func (f *fakeNode) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (f *fakeNode) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeNode) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1_000_000_000), Time: 1_700_000_000}, nil
}

func (f *fakeNode) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeNode) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeNode) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50_000, nil
}

func (f *fakeNode) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeNode) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeNode) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, contract := range []abi.ABI{oracleABI, burnABI, tokenABI, tiersABI} {
		method, err := contract.MethodById(msg.Data[:4])
		if err != nil {
			continue
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return f.answer(method, args)
	}
	return nil, errors.New("unknown selector")
}

func rowKey(args []interface{}) [32]byte {
	word := args[0].([32]byte)
	if len(args) > 1 {
		addr := args[1].(common.Address)
		return crypto.Keccak256Hash(word[:], addr.Bytes())
	}
	return word
}

func (f *fakeNode) answer(method *abi.Method, args []interface{}) ([]byte, error) {
	switch method.Name {
	case "getMatch":
		row, ok := f.matches[rowKey(args)]
		return method.Outputs.Pack(ok, uint8(0), uint8(row.status), row.winner, row.dataHash, uint32(0), uint64(1_700_000_000), uint64(0))
	case "getPerformance":
		row, ok := f.perfs[rowKey(args)]
		return method.Outputs.Pack(ok, new(big.Int).SetUint64(row.score), row.effort, row.tier, ok, uint64(1_700_000_000))
	case "getBurn":
		ok := f.burns[rowKey(args)]
		return method.Outputs.Pack(ok, big.NewInt(100), big.NewInt(1000), uint8(0), uint8(100), uint64(1_700_000_000))
	case "balanceOf":
		return method.Outputs.Pack(f.balance)
	case "getTier":
		tier, ok := f.tiers[args[0].(uint8)]
		if !ok {
			return method.Outputs.Pack(false, "", new(big.Int), new(big.Int))
		}
		return method.Outputs.Pack(true, tier.Name, new(big.Int).SetUint64(tier.Multiplier), tier.BaseReward)
	}
	return nil, errors.New("unsupported method " + method.Name)
}

func (f *fakeNode) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeNode) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeNode) lastSent(t *testing.T) *types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func word(t *testing.T, id match.ID) [32]byte {
	w, err := id.Bytes32()
	require.NoError(t, err)
	return w
}

func perfKey(t *testing.T, id match.ID, participant string) [32]byte {
	return rowKey([]interface{}{word(t, id), common.HexToAddress(participant)})
}

func testConfig(t *testing.T) chain.Config {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return chain.Config{
		EndpointURL: "http://node.invalid",
		SigningKey:  hexutil.Encode(crypto.FromECDSA(key)),
		Contracts: chain.Contracts{
			Token:       tokenAddr,
			Oracle:      oracleAddr,
			BurnEngine:  burnAddr,
			RewardTiers: tiersAddr,
		},
		RequestsPerSecond: 1000,
	}
}

func newAdapter(t *testing.T, node *fakeNode, mutate ...func(*chain.Config)) *evm.Adapter {
	cfg := testConfig(t)
	for _, m := range mutate {
		m(&cfg)
	}
	a := evm.New(chain.TypeEthereum, reward.NewDefaultEngine(), zap.NewNop(), evm.WithClient(node))
	require.NoError(t, a.Initialize(context.Background(), cfg))
	return a
}

func decodeCall(t *testing.T, contract abi.ABI, data []byte) (string, []interface{}) {
	method, err := contract.MethodById(data[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	return method.Name, args
}

func TestInitialize(t *testing.T) {
	t.Run("should reject a missing contract address", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Contracts.BurnEngine = ""
		a := evm.New(chain.TypeEthereum, reward.NewDefaultEngine(), zap.NewNop(), evm.WithClient(newFakeNode()))
		assert.ErrorIs(t, a.Initialize(context.Background(), cfg), match.ErrConfiguration)
	})

	t.Run("should reject a malformed contract address", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Contracts.Oracle = "0x1234"
		a := evm.New(chain.TypeEthereum, reward.NewDefaultEngine(), zap.NewNop(), evm.WithClient(newFakeNode()))
		assert.ErrorIs(t, a.Initialize(context.Background(), cfg), match.ErrInvalidAddress)
	})

	t.Run("should reject an unparseable fee cap", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MaxFeeGwei = "lots"
		a := evm.New(chain.TypeEthereum, reward.NewDefaultEngine(), zap.NewNop(), evm.WithClient(newFakeNode()))
		assert.ErrorIs(t, a.Initialize(context.Background(), cfg), match.ErrConfiguration)
	})

	t.Run("should reject a bad signing key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.SigningKey = "0xnothex"
		a := evm.New(chain.TypeEthereum, reward.NewDefaultEngine(), zap.NewNop(), evm.WithClient(newFakeNode()))
		assert.ErrorIs(t, a.Initialize(context.Background(), cfg), match.ErrConfiguration)
	})
}

func TestNormalizeAddress(t *testing.T) {
	a := newAdapter(t, newFakeNode())

	t.Run("should lower-case a valid address", func(t *testing.T) {
		got, err := a.NormalizeAddress("0x00000000000000000000000000000000000000AB")
		require.NoError(t, err)
		assert.Equal(t, "0x00000000000000000000000000000000000000ab", got)
	})

	t.Run("should reject malformed addresses", func(t *testing.T) {
		for _, in := range []string{"", "0x12", "00000000000000000000000000000000000000ab", "0xZZ000000000000000000000000000000000000ab"} {
			_, err := a.NormalizeAddress(in)
			assert.ErrorIs(t, err, match.ErrInvalidAddress, in)
		}
	})
}

func TestRegisterMatch(t *testing.T) {
	t.Run("should broadcast registerMatch and return a pending outcome", func(t *testing.T) {
		node := newFakeNode()
		a := newAdapter(t, node)

		out, err := a.RegisterMatch(context.Background(), "M1", match.SportCricket)
		require.NoError(t, err)
		assert.Equal(t, chain.TxPending, out.Status)
		assert.Equal(t, chain.TypeEthereum, out.Chain)

		tx := node.lastSent(t)
		assert.Equal(t, tx.Hash().Hex(), out.TxID)
		assert.Equal(t, uint64(7), tx.Nonce())
		assert.Equal(t, common.HexToAddress(oracleAddr), *tx.To())
		assert.Equal(t, uint64(60_000), tx.Gas())

		name, args := decodeCall(t, oracleABI, tx.Data())
		assert.Equal(t, "registerMatch", name)
		assert.Equal(t, word(t, "M1"), args[0])
		assert.Equal(t, uint8(match.SportCricket), args[1])
	})

	t.Run("should use consecutive nonces", func(t *testing.T) {
		node := newFakeNode()
		a := newAdapter(t, node)

		_, err := a.RegisterMatch(context.Background(), "M1", match.SportCricket)
		require.NoError(t, err)
		_, err = a.RegisterMatch(context.Background(), "M2", match.SportCricket)
		require.NoError(t, err)

		assert.Equal(t, uint64(8), node.lastSent(t).Nonce())
	})

	t.Run("should reject an existing match before broadcasting", func(t *testing.T) {
		node := newFakeNode()
		node.matches[word(t, "M1")] = matchRow{status: match.StatusRegistered}
		a := newAdapter(t, node)

		_, err := a.RegisterMatch(context.Background(), "M1", match.SportCricket)
		assert.ErrorIs(t, err, match.ErrDuplicateMatch)
		assert.Empty(t, node.sent)
	})

	t.Run("should reject an oversized match id", func(t *testing.T) {
		a := newAdapter(t, newFakeNode())
		_, err := a.RegisterMatch(context.Background(), match.ID(strings.Repeat("x", 33)), match.SportCricket)
		assert.ErrorIs(t, err, match.ErrInvalidParameter)
	})

	t.Run("should refuse writes without a signing key", func(t *testing.T) {
		node := newFakeNode()
		a := newAdapter(t, node, func(c *chain.Config) { c.SigningKey = "" })

		_, err := a.RegisterMatch(context.Background(), "M1", match.SportCricket)
		assert.ErrorIs(t, err, match.ErrConfiguration)
	})
}

func TestFeeCap(t *testing.T) {
	t.Run("should price at twice the base fee plus tip", func(t *testing.T) {
		node := newFakeNode()
		a := newAdapter(t, node)

		_, err := a.RegisterMatch(context.Background(), "M1", match.SportCricket)
		require.NoError(t, err)

		tx := node.lastSent(t)
		assert.Equal(t, big.NewInt(4_000_000_000), tx.GasFeeCap())
		assert.Equal(t, big.NewInt(2_000_000_000), tx.GasTipCap())
	})

	t.Run("should clamp fee cap and tip to the configured maximum", func(t *testing.T) {
		node := newFakeNode()
		a := newAdapter(t, node, func(c *chain.Config) { c.MaxFeeGwei = "1.5" })

		_, err := a.RegisterMatch(context.Background(), "M1", match.SportCricket)
		require.NoError(t, err)

		tx := node.lastSent(t)
		assert.Equal(t, big.NewInt(1_500_000_000), tx.GasFeeCap())
		assert.Equal(t, big.NewInt(1_500_000_000), tx.GasTipCap())
	})
}

func TestLifecycleGuards(t *testing.T) {
	t.Run("should reject finalizing a missing match", func(t *testing.T) {
		a := newAdapter(t, newFakeNode())
		_, err := a.FinalizeMatch(context.Background(), "M1", 1, [32]byte{1})
		assert.ErrorIs(t, err, match.ErrNotFound)
	})

	t.Run("should reject finalizing twice", func(t *testing.T) {
		node := newFakeNode()
		node.matches[word(t, "M1")] = matchRow{status: match.StatusFinalized}
		a := newAdapter(t, node)

		_, err := a.FinalizeMatch(context.Background(), "M1", 1, [32]byte{1})
		assert.ErrorIs(t, err, match.ErrAlreadyFinalized)
	})

	t.Run("should reject recording on a cancelled match", func(t *testing.T) {
		node := newFakeNode()
		node.matches[word(t, "M1")] = matchRow{status: match.StatusCancelled}
		a := newAdapter(t, node)

		_, err := a.RecordPerformance(context.Background(), match.PerformanceParams{
			MatchID: "M1", Participant: player, Score: 10, Effort: 10, Tier: reward.TierParticipation,
		})
		assert.ErrorIs(t, err, match.ErrMatchCancelled)
	})

	t.Run("should map a revert reason raised during estimation", func(t *testing.T) {
		node := newFakeNode()
		node.matches[word(t, "M1")] = matchRow{status: match.StatusInProgress}
		node.estimateErr = errors.New("execution reverted: MatchAlreadyFinalized")
		a := newAdapter(t, node)

		_, err := a.FinalizeMatch(context.Background(), "M1", 1, [32]byte{1})
		assert.ErrorIs(t, err, match.ErrAlreadyFinalized)
		assert.Empty(t, node.sent)
	})

	t.Run("should map a custom error selector in revert data", func(t *testing.T) {
		node := newFakeNode()
		node.perfs[perfKey(t, "M1", player)] = perfRow{score: 10, effort: 100, tier: 0}
		node.estimateErr = revertError{
			msg:  "execution reverted",
			data: hexutil.Encode(crypto.Keccak256([]byte("BurnAlreadyExecuted()"))[:4]),
		}
		a := newAdapter(t, node)

		_, err := a.ExecuteBurn(context.Background(), "M1", player)
		assert.ErrorIs(t, err, match.ErrDuplicateBurn)
	})
}

func TestRecordCricketPerformance(t *testing.T) {
	t.Run("should encode computed score, effort and tier", func(t *testing.T) {
		node := newFakeNode()
		node.matches[word(t, "M1")] = matchRow{status: match.StatusRegistered}
		a := newAdapter(t, node)

		_, err := a.RecordCricketPerformance(context.Background(), match.CricketParams{
			MatchID:     "M1",
			Participant: player,
			Stats:       reward.CricketStats{Runs: 100, BallsFaced: 60},
		})
		require.NoError(t, err)

		name, args := decodeCall(t, oracleABI, node.lastSent(t).Data())
		assert.Equal(t, "recordPerformance", name)
		assert.Equal(t, common.HexToAddress(player), args[1])
		assert.Equal(t, big.NewInt(1060), args[2])
		assert.Equal(t, uint8(30), args[3])
		assert.Equal(t, uint8(reward.TierCentury), args[4])
	})
}

func TestExecuteBurn(t *testing.T) {
	t.Run("should settle amounts with the reward engine", func(t *testing.T) {
		node := newFakeNode()
		node.perfs[perfKey(t, "M1", player)] = perfRow{score: 1060, effort: 100, tier: 0}
		a := newAdapter(t, node)

		out, err := a.ExecuteBurn(context.Background(), "M1", player)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1000), out.Reward)
		assert.Equal(t, big.NewInt(100), out.Burn)
		assert.Equal(t, chain.TxPending, out.Status)

		tx := node.lastSent(t)
		assert.Equal(t, common.HexToAddress(burnAddr), *tx.To())
		name, _ := decodeCall(t, burnABI, tx.Data())
		assert.Equal(t, "executeBurn", name)
	})

	t.Run("should require a performance record", func(t *testing.T) {
		a := newAdapter(t, newFakeNode())
		_, err := a.ExecuteBurn(context.Background(), "M1", player)
		assert.ErrorIs(t, err, match.ErrPerformanceNotFound)
	})

	t.Run("should reject a second burn", func(t *testing.T) {
		node := newFakeNode()
		node.perfs[perfKey(t, "M1", player)] = perfRow{score: 1060, effort: 100, tier: 0}
		node.burns[perfKey(t, "M1", player)] = true
		a := newAdapter(t, node)

		_, err := a.ExecuteBurn(context.Background(), "M1", player)
		assert.ErrorIs(t, err, match.ErrDuplicateBurn)
		assert.Empty(t, node.sent)
	})
}

func TestQueries(t *testing.T) {
	t.Run("should return nil for an unknown match", func(t *testing.T) {
		a := newAdapter(t, newFakeNode())
		m, err := a.GetMatch(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, m)
	})

	t.Run("should decode a finalized match", func(t *testing.T) {
		node := newFakeNode()
		node.matches[word(t, "M1")] = matchRow{status: match.StatusFinalized, winner: 2, dataHash: [32]byte{9}}
		a := newAdapter(t, node)

		m, err := a.GetMatch(context.Background(), "M1")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, match.ID("M1"), m.ID)
		assert.Equal(t, match.StatusFinalized, m.Status)
		require.NotNil(t, m.Winner)
		assert.Equal(t, uint8(2), *m.Winner)
		assert.NotNil(t, m.FinalizedAt)

		ok, err := a.VerifyMatchData(context.Background(), "M1", [32]byte{9})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = a.VerifyMatchData(context.Background(), "M1", [32]byte{8})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should verify performance scores", func(t *testing.T) {
		node := newFakeNode()
		node.perfs[perfKey(t, "M1", player)] = perfRow{score: 1060, effort: 30, tier: 0}
		a := newAdapter(t, node)

		ok, err := a.VerifyPerformance(context.Background(), "M1", player, 1060)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = a.VerifyPerformance(context.Background(), "M1", player, 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should read token balances", func(t *testing.T) {
		node := newFakeNode()
		node.balance = big.NewInt(900)
		a := newAdapter(t, node)

		bal, err := a.GetTokenBalance(context.Background(), player)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(900), bal)
	})
}

func TestRewardTiers(t *testing.T) {
	t.Run("should read a tier from the tier contract", func(t *testing.T) {
		node := newFakeNode()
		node.tiers[uint8(reward.TierHatTrick)] = reward.Tier{Name: "hat_trick", Multiplier: 550, BaseReward: big.NewInt(320)}
		a := newAdapter(t, node)

		tier, err := a.GetRewardTier(context.Background(), reward.TierHatTrick)
		require.NoError(t, err)
		require.NotNil(t, tier)
		assert.Equal(t, reward.TierHatTrick, tier.ID)
		assert.Equal(t, "hat_trick", tier.Name)
		assert.Equal(t, uint64(550), tier.Multiplier)
		assert.Equal(t, big.NewInt(320), tier.BaseReward)
	})

	t.Run("should return nil for an unset tier", func(t *testing.T) {
		a := newAdapter(t, newFakeNode())
		tier, err := a.GetRewardTier(context.Background(), reward.TierEconomy)
		require.NoError(t, err)
		assert.Nil(t, tier)
	})

	t.Run("should encode setTier against the tier contract", func(t *testing.T) {
		node := newFakeNode()
		a := newAdapter(t, node)

		out, err := a.SetRewardTier(context.Background(), reward.Tier{ID: reward.TierEconomy, Name: "economy", Multiplier: 200, BaseReward: big.NewInt(130)})
		require.NoError(t, err)
		assert.Equal(t, chain.TxPending, out.Status)

		tx := node.lastSent(t)
		assert.Equal(t, common.HexToAddress(tiersAddr), *tx.To())
		name, args := decodeCall(t, tiersABI, tx.Data())
		assert.Equal(t, "setTier", name)
		assert.Equal(t, uint8(reward.TierEconomy), args[0])
		assert.Equal(t, "economy", args[1])
		assert.Equal(t, big.NewInt(200), args[2])
		assert.Equal(t, big.NewInt(130), args[3])
	})

	t.Run("should reject an invalid tier before broadcasting", func(t *testing.T) {
		node := newFakeNode()
		a := newAdapter(t, node)

		_, err := a.SetRewardTier(context.Background(), reward.Tier{ID: 9, BaseReward: big.NewInt(1)})
		assert.ErrorIs(t, err, match.ErrInvalidParameter)
		_, err = a.SetRewardTier(context.Background(), reward.Tier{ID: 1, BaseReward: big.NewInt(-1)})
		assert.ErrorIs(t, err, match.ErrInvalidParameter)
		assert.Empty(t, node.sent)
	})
}

func TestTransactionStatus(t *testing.T) {
	hash := common.HexToHash("0xabc")

	t.Run("should report unknown transactions as pending", func(t *testing.T) {
		a := newAdapter(t, newFakeNode())
		out, err := a.TransactionStatus(context.Background(), hash.Hex())
		require.NoError(t, err)
		assert.Equal(t, chain.TxPending, out.Status)
	})

	t.Run("should wait for the configured confirmations", func(t *testing.T) {
		node := newFakeNode()
		node.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}
		a := newAdapter(t, node, func(c *chain.Config) { c.MinConfirmations = 2 })

		out, err := a.TransactionStatus(context.Background(), hash.Hex())
		require.NoError(t, err)
		assert.Equal(t, chain.TxPending, out.Status)
		assert.Equal(t, uint64(100), out.BlockNumber)

		node.mu.Lock()
		node.head = 101
		node.mu.Unlock()

		out, err = a.TransactionStatus(context.Background(), hash.Hex())
		require.NoError(t, err)
		assert.Equal(t, chain.TxConfirmed, out.Status)
	})

	t.Run("should reject a malformed hash without querying the node", func(t *testing.T) {
		node := newFakeNode()
		node.receipts[common.HexToHash("0x01")] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
		a := newAdapter(t, node)

		for _, id := range []string{"0x01", "not-a-hash", ""} {
			out, err := a.TransactionStatus(context.Background(), id)
			assert.ErrorIs(t, err, match.ErrInvalidParameter, id)
			assert.Equal(t, chain.TxPending, out.Status)
		}
	})

	t.Run("should report reverted transactions as failed", func(t *testing.T) {
		node := newFakeNode()
		node.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(99)}
		a := newAdapter(t, node)

		out, err := a.TransactionStatus(context.Background(), hash.Hex())
		require.NoError(t, err)
		assert.Equal(t, chain.TxFailed, out.Status)
		assert.True(t, out.Final())
	})
}

func TestHealthCheckAndClose(t *testing.T) {
	node := newFakeNode()
	a := newAdapter(t, node)

	assert.NoError(t, a.HealthCheck(context.Background()))
	assert.NoError(t, a.Close())
	assert.True(t, node.closed)
}

func TestSubscribeBurnEvents(t *testing.T) {
	t.Run("should deliver burn logs included after subscription", func(t *testing.T) {
		node := newFakeNode()
		a := newAdapter(t, node, func(c *chain.Config) { c.PollInterval = 10 * time.Millisecond })

		var mu sync.Mutex
		var got []chain.BurnEvent
		sub, err := a.SubscribeBurnEvents(context.Background(), func(ev chain.BurnEvent) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev)
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		data, err := burnABI.Events["BurnExecuted"].Inputs.NonIndexed().Pack(big.NewInt(100))
		require.NoError(t, err)
		node.mu.Lock()
		node.logs = append(node.logs, types.Log{
			Address:     common.HexToAddress(burnAddr),
			Topics:      []common.Hash{burnABI.Events["BurnExecuted"].ID, word(t, "M1"), common.BytesToHash(common.HexToAddress(player).Bytes())},
			Data:        data,
			BlockNumber: 101,
			TxHash:      common.HexToHash("0xfeed"),
		})
		node.head = 101
		node.mu.Unlock()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		}, time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, chain.BurnExecuted, got[0].Type)
		assert.Equal(t, match.ID("M1"), got[0].MatchID)
		assert.Equal(t, player, got[0].Participant)
		assert.Equal(t, big.NewInt(100), got[0].Amount)
		assert.Equal(t, uint64(101), got[0].BlockNumber)
	})
}
