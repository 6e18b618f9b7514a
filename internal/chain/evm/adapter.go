// Package evm implements the chain adapter for EVM ledgers (Ethereum, Polygon, Base)
// on top of go-ethereum's ethclient and ABI tooling.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/reward"
	"github.com/terminal-bench/chainsettle/pkg/amount"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Client is the subset of ethclient.Client the adapter uses.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

var _ Client = (*ethclient.Client)(nil)

// Option customizes an adapter.
type Option func(*Adapter)

// WithClient uses c instead of dialing the configured endpoint.
func WithClient(c Client) Option {
	return func(a *Adapter) { a.client = c }
}

// Adapter is a chain.Adapter for one EVM network.
type Adapter struct {
	chainType chain.Type
	engine    *reward.Engine
	logger    *zap.Logger

	cfg    chain.Config
	client Client
	guard  *chain.RPCGuard

	oracleABI abi.ABI
	burnABI   abi.ABI
	tokenABI  abi.ABI
	tiersABI  abi.ABI

	oracle     common.Address
	burnEngine common.Address
	token      common.Address
	tiers      common.Address

	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
	chainID *big.Int
	maxFee  *big.Int

	nonceMu    sync.Mutex
	nonce      uint64
	nonceKnown bool
}

// New creates an uninitialized adapter serving chainType.
func New(chainType chain.Type, engine *reward.Engine, logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		chainType: chainType,
		engine:    engine,
		logger:    logger.With(zap.String("chain", string(chainType))),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Type() chain.Type { return a.chainType }

func (a *Adapter) Initialize(ctx context.Context, cfg chain.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.WithDefaults()

	var err error
	if a.oracle, err = parseAddress(cfg.Contracts.Oracle); err != nil {
		return err
	}
	if a.burnEngine, err = parseAddress(cfg.Contracts.BurnEngine); err != nil {
		return err
	}
	if a.token, err = parseAddress(cfg.Contracts.Token); err != nil {
		return err
	}
	if a.tiers, err = parseAddress(cfg.Contracts.RewardTiers); err != nil {
		return err
	}

	if a.oracleABI, err = abi.JSON(strings.NewReader(OracleABI)); err != nil {
		return fmt.Errorf("failed to parse oracle abi: %w", err)
	}
	if a.burnABI, err = abi.JSON(strings.NewReader(BurnEngineABI)); err != nil {
		return fmt.Errorf("failed to parse burn engine abi: %w", err)
	}
	if a.tokenABI, err = abi.JSON(strings.NewReader(TokenABI)); err != nil {
		return fmt.Errorf("failed to parse token abi: %w", err)
	}
	if a.tiersABI, err = abi.JSON(strings.NewReader(RewardTiersABI)); err != nil {
		return fmt.Errorf("failed to parse reward tiers abi: %w", err)
	}

	if cfg.MaxFeeGwei != "" {
		if a.maxFee, err = amount.GweiToWei(cfg.MaxFeeGwei); err != nil {
			return fmt.Errorf("%w: max fee: %v", match.ErrConfiguration, err)
		}
	}

	if cfg.SigningKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SigningKey, "0x"))
		if err != nil {
			return fmt.Errorf("%w: signing key: %v", match.ErrConfiguration, err)
		}
		a.key = key
		a.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	if a.client == nil {
		client, err := ethclient.DialContext(ctx, cfg.EndpointURL)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", cfg.EndpointURL, err)
		}
		a.client = client
	}

	if cfg.ChainID != 0 {
		a.chainID = big.NewInt(cfg.ChainID)
	} else {
		id, err := a.client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("failed to query chain id: %w", err)
		}
		a.chainID = id
	}
	a.signer = types.LatestSignerForChainID(a.chainID)
	a.guard = chain.NewRPCGuard(string(a.chainType), cfg.RequestsPerSecond, a.logger)
	a.cfg = cfg

	a.logger.Info("evm adapter initialized",
		zap.String("endpoint", cfg.EndpointURL),
		zap.String("chain_id", a.chainID.String()),
		zap.Bool("read_only", a.key == nil))
	return nil
}

func (a *Adapter) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

func (a *Adapter) NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !addressPattern.MatchString(address) {
		return "", fmt.Errorf("%w: %q is not a 20-byte hex address", match.ErrInvalidAddress, address)
	}
	return strings.ToLower(address), nil
}

func parseAddress(s string) (common.Address, error) {
	if !addressPattern.MatchString(strings.TrimSpace(s)) {
		return common.Address{}, fmt.Errorf("%w: %q is not a 20-byte hex address", match.ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

func (a *Adapter) RegisterMatch(ctx context.Context, id match.ID, sport match.Sport) (chain.TxOutcome, error) {
	word, err := id.Bytes32()
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if !sport.Valid() {
		return chain.TxOutcome{}, fmt.Errorf("%w: sport %d", match.ErrInvalidParameter, sport)
	}
	existing, err := a.GetMatch(ctx, id)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if err := match.CanRegister(existing); err != nil {
		return chain.TxOutcome{}, err
	}
	data, err := a.oracleABI.Pack("registerMatch", word, uint8(sport))
	if err != nil {
		return chain.TxOutcome{}, fmt.Errorf("failed to encode registerMatch: %w", err)
	}
	return a.transact(ctx, a.oracle, data)
}

func (a *Adapter) FinalizeMatch(ctx context.Context, id match.ID, winner uint8, dataHash [32]byte) (chain.TxOutcome, error) {
	word, err := id.Bytes32()
	if err != nil {
		return chain.TxOutcome{}, err
	}
	m, err := a.GetMatch(ctx, id)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if err := match.CanFinalize(m); err != nil {
		return chain.TxOutcome{}, err
	}
	data, err := a.oracleABI.Pack("finalizeMatch", word, winner, dataHash)
	if err != nil {
		return chain.TxOutcome{}, fmt.Errorf("failed to encode finalizeMatch: %w", err)
	}
	return a.transact(ctx, a.oracle, data)
}

func (a *Adapter) CancelMatch(ctx context.Context, id match.ID) (chain.TxOutcome, error) {
	word, err := id.Bytes32()
	if err != nil {
		return chain.TxOutcome{}, err
	}
	m, err := a.GetMatch(ctx, id)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if err := match.CanCancel(m); err != nil {
		return chain.TxOutcome{}, err
	}
	data, err := a.oracleABI.Pack("cancelMatch", word)
	if err != nil {
		return chain.TxOutcome{}, fmt.Errorf("failed to encode cancelMatch: %w", err)
	}
	return a.transact(ctx, a.oracle, data)
}

func (a *Adapter) RecordPerformance(ctx context.Context, params match.PerformanceParams) (chain.TxOutcome, error) {
	if err := params.Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	participant, err := a.NormalizeAddress(params.Participant)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	word, _ := params.MatchID.Bytes32()
	m, err := a.GetMatch(ctx, params.MatchID)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if err := match.CanRecord(m); err != nil {
		return chain.TxOutcome{}, err
	}
	data, err := a.oracleABI.Pack("recordPerformance",
		word,
		common.HexToAddress(participant),
		new(big.Int).SetUint64(params.Score),
		params.Effort,
		uint8(params.Tier))
	if err != nil {
		return chain.TxOutcome{}, fmt.Errorf("failed to encode recordPerformance: %w", err)
	}
	return a.transact(ctx, a.oracle, data)
}

func (a *Adapter) RecordCricketPerformance(ctx context.Context, params match.CricketParams) (chain.TxOutcome, error) {
	return a.RecordPerformance(ctx, params.Generic())
}

func (a *Adapter) ExecuteBurn(ctx context.Context, id match.ID, participant string) (chain.BurnOutcome, error) {
	participant, err := a.NormalizeAddress(participant)
	if err != nil {
		return chain.BurnOutcome{}, err
	}
	word, err := id.Bytes32()
	if err != nil {
		return chain.BurnOutcome{}, err
	}
	perf, err := a.GetPerformance(ctx, id, participant)
	if err != nil {
		return chain.BurnOutcome{}, err
	}
	existing, err := a.GetBurn(ctx, id, participant)
	if err != nil {
		return chain.BurnOutcome{}, err
	}
	if err := match.CanBurn(nil, perf, existing, false); err != nil {
		return chain.BurnOutcome{}, err
	}
	settlement, err := a.engine.Settle(perf.Tier, perf.Effort)
	if err != nil {
		return chain.BurnOutcome{}, err
	}

	data, err := a.burnABI.Pack("executeBurn", word, common.HexToAddress(participant))
	if err != nil {
		return chain.BurnOutcome{}, fmt.Errorf("failed to encode executeBurn: %w", err)
	}
	out, err := a.transact(ctx, a.burnEngine, data)
	if err != nil {
		return chain.BurnOutcome{}, err
	}
	return chain.BurnOutcome{
		TxOutcome:   out,
		MatchID:     id,
		Participant: participant,
		Reward:      settlement.Reward,
		Burn:        settlement.Burn,
		Tier:        uint8(perf.Tier),
		Effort:      perf.Effort,
	}, nil
}

func (a *Adapter) GetMatch(ctx context.Context, id match.ID) (*match.Match, error) {
	word, err := id.Bytes32()
	if err != nil {
		return nil, err
	}
	values, err := a.call(ctx, a.oracleABI, a.oracle, "getMatch", word)
	if err != nil {
		return nil, err
	}
	if len(values) != 8 {
		return nil, fmt.Errorf("getMatch returned %d values", len(values))
	}
	if exists, _ := values[0].(bool); !exists {
		return nil, nil
	}
	m := &match.Match{
		ID:           id,
		Sport:        match.Sport(values[1].(uint8)),
		Status:       match.Status(values[2].(uint8)),
		DataHash:     values[4].([32]byte),
		Participants: values[5].(uint32),
		CreatedAt:    time.Unix(int64(values[6].(uint64)), 0).UTC(),
	}
	if m.Status == match.StatusFinalized {
		winner := values[3].(uint8)
		m.Winner = &winner
		at := time.Unix(int64(values[7].(uint64)), 0).UTC()
		m.FinalizedAt = &at
	}
	return m, nil
}

func (a *Adapter) GetPerformance(ctx context.Context, id match.ID, participant string) (*match.Performance, error) {
	participant, err := a.NormalizeAddress(participant)
	if err != nil {
		return nil, err
	}
	word, err := id.Bytes32()
	if err != nil {
		return nil, err
	}
	values, err := a.call(ctx, a.oracleABI, a.oracle, "getPerformance", word, common.HexToAddress(participant))
	if err != nil {
		return nil, err
	}
	if len(values) != 6 {
		return nil, fmt.Errorf("getPerformance returned %d values", len(values))
	}
	if exists, _ := values[0].(bool); !exists {
		return nil, nil
	}
	return &match.Performance{
		MatchID:     id,
		Participant: participant,
		Score:       values[1].(*big.Int).Uint64(),
		Effort:      values[2].(uint8),
		Tier:        reward.TierID(values[3].(uint8)),
		Verified:    values[4].(bool),
		RecordedAt:  time.Unix(int64(values[5].(uint64)), 0).UTC(),
	}, nil
}

func (a *Adapter) GetBurn(ctx context.Context, id match.ID, participant string) (*match.BurnRecord, error) {
	participant, err := a.NormalizeAddress(participant)
	if err != nil {
		return nil, err
	}
	word, err := id.Bytes32()
	if err != nil {
		return nil, err
	}
	values, err := a.call(ctx, a.burnABI, a.burnEngine, "getBurn", word, common.HexToAddress(participant))
	if err != nil {
		return nil, err
	}
	if len(values) != 6 {
		return nil, fmt.Errorf("getBurn returned %d values", len(values))
	}
	if exists, _ := values[0].(bool); !exists {
		return nil, nil
	}
	return &match.BurnRecord{
		MatchID:      id,
		Participant:  participant,
		BurnAmount:   values[1].(*big.Int),
		RewardAmount: values[2].(*big.Int),
		Tier:         reward.TierID(values[3].(uint8)),
		Effort:       values[4].(uint8),
		Timestamp:    time.Unix(int64(values[5].(uint64)), 0).UTC(),
		Executed:     true,
	}, nil
}

func (a *Adapter) GetTokenBalance(ctx context.Context, address string) (*big.Int, error) {
	address, err := a.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	values, err := a.call(ctx, a.tokenABI, a.token, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("balanceOf returned %d values", len(values))
	}
	return values[0].(*big.Int), nil
}

// GetRewardTier reads one entry of the on-chain tier table the burn engine prices from.
func (a *Adapter) GetRewardTier(ctx context.Context, id reward.TierID) (*reward.Tier, error) {
	if err := reward.ValidateTier(id); err != nil {
		return nil, err
	}
	values, err := a.call(ctx, a.tiersABI, a.tiers, "getTier", uint8(id))
	if err != nil {
		return nil, err
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("getTier returned %d values", len(values))
	}
	if exists, _ := values[0].(bool); !exists {
		return nil, nil
	}
	multiplier := values[2].(*big.Int)
	if !multiplier.IsUint64() {
		return nil, fmt.Errorf("%w: tier %d multiplier %s overflows uint64", match.ErrInvalidParameter, id, multiplier)
	}
	return &reward.Tier{
		ID:         id,
		Name:       values[1].(string),
		Multiplier: multiplier.Uint64(),
		BaseReward: values[3].(*big.Int),
	}, nil
}

func (a *Adapter) SetRewardTier(ctx context.Context, t reward.Tier) (chain.TxOutcome, error) {
	if err := t.Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	data, err := a.tiersABI.Pack("setTier", uint8(t.ID), t.Name, new(big.Int).SetUint64(t.Multiplier), t.BaseReward)
	if err != nil {
		return chain.TxOutcome{}, fmt.Errorf("failed to encode setTier: %w", err)
	}
	return a.transact(ctx, a.tiers, data)
}

func (a *Adapter) VerifyMatchData(ctx context.Context, id match.ID, expectedHash [32]byte) (bool, error) {
	m, err := a.GetMatch(ctx, id)
	if err != nil {
		return false, err
	}
	return m != nil && m.Status == match.StatusFinalized && m.DataHash == expectedHash, nil
}

func (a *Adapter) VerifyPerformance(ctx context.Context, id match.ID, participant string, expectedScore uint64) (bool, error) {
	p, err := a.GetPerformance(ctx, id, participant)
	if err != nil {
		return false, err
	}
	return p != nil && p.Score == expectedScore, nil
}

func (a *Adapter) TransactionStatus(ctx context.Context, txID string) (chain.TxOutcome, error) {
	out := chain.TxOutcome{Chain: a.chainType, TxID: txID, Status: chain.TxPending}
	if err := chain.ValidateTxHash(txID); err != nil {
		return out, err
	}

	var receipt *types.Receipt
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = a.client.TransactionReceipt(ctx, common.HexToHash(txID))
		if errors.Is(err, ethereum.NotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return out, fmt.Errorf("failed to fetch receipt %s: %w", txID, err)
	}
	if receipt == nil {
		return out, nil
	}

	out.BlockNumber = receipt.BlockNumber.Uint64()
	if receipt.Status == types.ReceiptStatusFailed {
		out.Status = chain.TxFailed
		out.Error = "transaction reverted"
		return out, nil
	}

	var head uint64
	err = a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		head, err = a.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return out, fmt.Errorf("failed to fetch block number: %w", err)
	}
	if head >= out.BlockNumber && head-out.BlockNumber+1 >= a.cfg.MinConfirmations {
		out.Status = chain.TxConfirmed
	}
	return out, nil
}

// HealthCheck fetches the latest block number. It bypasses the breaker so that
// probes still reach the node while the breaker is open.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.client == nil {
		return fmt.Errorf("%w: adapter not initialized", match.ErrConfiguration)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	if _, err := a.client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("failed to fetch block number: %w", err)
	}
	return nil
}

// call runs a read-only contract call and decodes its outputs.
func (a *Adapter) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	if a.client == nil {
		return nil, fmt.Errorf("%w: adapter not initialized", match.ErrConfiguration)
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}
	var out []byte
	err = a.guard.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
		var err error
		out, err = a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, classify(err))
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", method, err)
	}
	return values, nil
}

// transact signs and broadcasts a dynamic-fee transaction. The nonce lock is held
// from nonce assignment through broadcast so concurrent writers never share a nonce.
func (a *Adapter) transact(ctx context.Context, to common.Address, data []byte) (chain.TxOutcome, error) {
	if a.key == nil {
		return chain.TxOutcome{}, fmt.Errorf("%w: no signing key configured", match.ErrConfiguration)
	}

	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()

	if !a.nonceKnown {
		err := a.guard.Do(ctx, func(ctx context.Context) error {
			n, err := a.client.PendingNonceAt(ctx, a.from)
			a.nonce = n
			return err
		})
		if err != nil {
			return chain.TxOutcome{}, fmt.Errorf("failed to fetch nonce: %w", err)
		}
		a.nonceKnown = true
	}

	tip, feeCap, err := a.fees(ctx)
	if err != nil {
		return chain.TxOutcome{}, err
	}

	var gas uint64
	err = a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		gas, err = a.client.EstimateGas(ctx, ethereum.CallMsg{
			From:      a.from,
			To:        &to,
			GasFeeCap: feeCap,
			GasTipCap: tip,
			Data:      data,
		})
		if err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		return chain.TxOutcome{}, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas += gas / 5

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     a.nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := types.SignTx(tx, a.signer, a.key)
	if err != nil {
		return chain.TxOutcome{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	err = a.guard.Do(ctx, func(ctx context.Context) error {
		if err := a.client.SendTransaction(ctx, signed); err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		a.nonceKnown = false
		return chain.TxOutcome{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	a.nonce++

	a.logger.Debug("transaction broadcast",
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", signed.Nonce()))
	return chain.TxOutcome{
		Chain:       a.chainType,
		TxID:        signed.Hash().Hex(),
		Status:      chain.TxPending,
		SubmittedAt: time.Now(),
	}, nil
}

// fees returns the tip and fee cap: twice the base fee plus tip, clamped to the
// configured maximum.
func (a *Adapter) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	var tip *big.Int
	var head *types.Header
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		if tip, err = a.client.SuggestGasTipCap(ctx); err != nil {
			return err
		}
		head, err = a.client.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to price transaction: %w", err)
	}

	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	} else {
		feeCap.Mul(feeCap, big.NewInt(2))
	}
	if a.maxFee != nil && feeCap.Cmp(a.maxFee) > 0 {
		feeCap.Set(a.maxFee)
		if tip.Cmp(feeCap) > 0 {
			tip = new(big.Int).Set(feeCap)
		}
	}
	return tip, feeCap, nil
}

var _ chain.Adapter = (*Adapter)(nil)
