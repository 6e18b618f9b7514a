// Package aptos implements the chain adapter for the Aptos Move ledger. Transactions
// are built, BCS-encoded and signed locally with the Aptos Go SDK before broadcast.
package aptos

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	aptossdk "github.com/aptos-labs/aptos-go-sdk"
	"github.com/aptos-labs/aptos-go-sdk/bcs"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/reward"
)

const (
	oracleModule = "match_oracle"
	burnModule   = "burn_engine"
	tokenModule  = "sports_token"
	tiersModule  = "reward_tiers"
	tokenStruct  = "SportsToken"

	defaultMaxGas = 20000
	txExpiry      = 60 * time.Second
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{1,64}$`)

// Option customizes an adapter.
type Option func(*Adapter)

// WithNode uses n instead of dialing the configured endpoint.
func WithNode(n Node) Option {
	return func(a *Adapter) { a.node = n }
}

// Adapter is a chain.Adapter for one Aptos network.
type Adapter struct {
	chainType chain.Type
	engine    *reward.Engine
	logger    *zap.Logger

	cfg     chain.Config
	node    Node
	guard   *chain.RPCGuard
	account *aptossdk.Account
	chainID uint8

	oracle     aptossdk.AccountAddress
	burnEngine aptossdk.AccountAddress
	token      aptossdk.AccountAddress
	tiers      aptossdk.AccountAddress

	seqMu    sync.Mutex
	seq      uint64
	seqKnown bool
}

// New creates an uninitialized adapter.
func New(engine *reward.Engine, logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		chainType: chain.TypeAptos,
		engine:    engine,
		logger:    logger.With(zap.String("chain", string(chain.TypeAptos))),
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
	if cfg.ChainID < 0 || cfg.ChainID > math.MaxUint8 {
		return fmt.Errorf("%w: aptos chain id %d does not fit a u8", match.ErrConfiguration, cfg.ChainID)
	}

	var err error
	if a.oracle, err = a.accountAddress(cfg.Contracts.Oracle); err != nil {
		return err
	}
	if a.burnEngine, err = a.accountAddress(cfg.Contracts.BurnEngine); err != nil {
		return err
	}
	if a.token, err = a.accountAddress(cfg.Contracts.Token); err != nil {
		return err
	}
	if a.tiers, err = a.accountAddress(cfg.Contracts.RewardTiers); err != nil {
		return err
	}

	if cfg.SigningKey != "" {
		if a.account, err = ParseSigningKey(cfg.SigningKey); err != nil {
			return err
		}
	}

	if a.node == nil {
		node, err := dialNode(cfg.EndpointURL, uint8(cfg.ChainID), cfg.RequestTimeout)
		if err != nil {
			return fmt.Errorf("%w: %v", match.ErrConfiguration, err)
		}
		a.node = node
	}
	a.guard = chain.NewRPCGuard(string(a.chainType), cfg.RequestsPerSecond, a.logger)
	a.cfg = cfg

	a.chainID, err = a.node.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch ledger info: %w", err)
	}
	if cfg.ChainID != 0 && uint8(cfg.ChainID) != a.chainID {
		return fmt.Errorf("%w: endpoint serves chain %d, expected %d", match.ErrConfiguration, a.chainID, cfg.ChainID)
	}

	fields := []zap.Field{
		zap.String("endpoint", cfg.EndpointURL),
		zap.Uint8("chain_id", a.chainID),
		zap.Bool("read_only", a.account == nil),
	}
	if a.account != nil {
		fields = append(fields, zap.String("sender", a.account.Address.String()))
	}
	a.logger.Info("aptos adapter initialized", fields...)
	return nil
}

func (a *Adapter) Close() error {
	if a.node != nil {
		a.node.Close()
	}
	return nil
}

// NormalizeAddress zero-pads an address to 32 bytes and lower-cases it.
func (a *Adapter) NormalizeAddress(address string) (string, error) {
	canonical := strings.ToLower(strings.TrimSpace(address))
	if !addressPattern.MatchString(canonical) {
		return "", fmt.Errorf("%w: %q is not an account address", match.ErrInvalidAddress, address)
	}
	return "0x" + strings.Repeat("0", 66-len(canonical)) + canonical[2:], nil
}

func (a *Adapter) accountAddress(address string) (aptossdk.AccountAddress, error) {
	var out aptossdk.AccountAddress
	canonical, err := a.NormalizeAddress(address)
	if err != nil {
		return out, err
	}
	if err := out.ParseStringRelaxed(canonical); err != nil {
		return out, fmt.Errorf("%w: %q: %v", match.ErrInvalidAddress, address, err)
	}
	return out, nil
}

func (a *Adapter) module(name string) aptossdk.ModuleId {
	switch name {
	case burnModule:
		return aptossdk.ModuleId{Address: a.burnEngine, Name: name}
	case tiersModule:
		return aptossdk.ModuleId{Address: a.tiers, Name: name}
	default:
		return aptossdk.ModuleId{Address: a.oracle, Name: name}
	}
}

func (a *Adapter) coinType() aptossdk.TypeTag {
	return aptossdk.TypeTag{Value: &aptossdk.StructTag{
		Address:    a.token,
		Module:     tokenModule,
		Name:       tokenStruct,
		TypeParams: []aptossdk.TypeTag{},
	}}
}

// args collects BCS-encoded entry and view function arguments, keeping the first
// encoding error.
type args struct {
	values [][]byte
	err    error
}

func (l *args) add(b []byte, err error) *args {
	if l.err == nil && err != nil {
		l.err = err
	}
	l.values = append(l.values, b)
	return l
}

func (l *args) matchID(id match.ID) *args {
	return l.add(bcs.SerializeBytes([]byte(id)))
}

func (l *args) address(addr aptossdk.AccountAddress) *args {
	return l.add(bcs.Serialize(&addr))
}

func (a *Adapter) RegisterMatch(ctx context.Context, id match.ID, sport match.Sport) (chain.TxOutcome, error) {
	if err := id.Validate(); err != nil {
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
	l := new(args).matchID(id).add(bcs.SerializeU8(uint8(sport)))
	return a.submit(ctx, oracleModule, "register_match", l)
}

func (a *Adapter) FinalizeMatch(ctx context.Context, id match.ID, winner uint8, dataHash [32]byte) (chain.TxOutcome, error) {
	if err := id.Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	m, err := a.GetMatch(ctx, id)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if err := match.CanFinalize(m); err != nil {
		return chain.TxOutcome{}, err
	}
	l := new(args).matchID(id).
		add(bcs.SerializeU8(winner)).
		add(bcs.SerializeBytes(dataHash[:]))
	return a.submit(ctx, oracleModule, "finalize_match", l)
}

func (a *Adapter) CancelMatch(ctx context.Context, id match.ID) (chain.TxOutcome, error) {
	if err := id.Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	m, err := a.GetMatch(ctx, id)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if err := match.CanCancel(m); err != nil {
		return chain.TxOutcome{}, err
	}
	return a.submit(ctx, oracleModule, "cancel_match", new(args).matchID(id))
}

func (a *Adapter) RecordPerformance(ctx context.Context, params match.PerformanceParams) (chain.TxOutcome, error) {
	if err := params.Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	participant, err := a.accountAddress(params.Participant)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	m, err := a.GetMatch(ctx, params.MatchID)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if err := match.CanRecord(m); err != nil {
		return chain.TxOutcome{}, err
	}
	l := new(args).matchID(params.MatchID).
		address(participant).
		add(bcs.SerializeU64(params.Score)).
		add(bcs.SerializeU8(params.Effort)).
		add(bcs.SerializeU8(uint8(params.Tier)))
	return a.submit(ctx, oracleModule, "record_performance", l)
}

func (a *Adapter) RecordCricketPerformance(ctx context.Context, params match.CricketParams) (chain.TxOutcome, error) {
	return a.RecordPerformance(ctx, params.Generic())
}

// ExecuteBurn reports the amounts predicted from the local tier table. The burn module
// prices from its own table, so callers reconcile against GetBurn after confirmation.
func (a *Adapter) ExecuteBurn(ctx context.Context, id match.ID, participant string) (chain.BurnOutcome, error) {
	addr, err := a.accountAddress(participant)
	if err != nil {
		return chain.BurnOutcome{}, err
	}
	participant, _ = a.NormalizeAddress(participant)
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
	out, err := a.submit(ctx, burnModule, "execute_burn", new(args).matchID(id).address(addr))
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
	if err := id.Validate(); err != nil {
		return nil, err
	}
	values, fn, err := a.view(ctx, a.module(oracleModule), "get_match", nil, new(args).matchID(id))
	if err != nil {
		return nil, err
	}
	d := newViewDecoder(fn, values, 8)
	if !d.Bool(0) {
		return nil, d.Err()
	}
	m := &match.Match{
		ID:           id,
		Sport:        match.Sport(d.U8(1)),
		Status:       match.Status(d.U8(2)),
		Participants: uint32(d.U64(5)),
		CreatedAt:    time.Unix(int64(d.U64(6)), 0).UTC(),
	}
	winner := d.U8(3)
	copy(m.DataHash[:], d.Bytes(4))
	finalizedAt := d.U64(7)
	if err := d.Err(); err != nil {
		return nil, err
	}
	if m.Status == match.StatusFinalized {
		m.Winner = &winner
		at := time.Unix(int64(finalizedAt), 0).UTC()
		m.FinalizedAt = &at
	}
	return m, nil
}

func (a *Adapter) GetPerformance(ctx context.Context, id match.ID, participant string) (*match.Performance, error) {
	addr, err := a.accountAddress(participant)
	if err != nil {
		return nil, err
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	values, fn, err := a.view(ctx, a.module(oracleModule), "get_performance", nil, new(args).matchID(id).address(addr))
	if err != nil {
		return nil, err
	}
	d := newViewDecoder(fn, values, 6)
	if !d.Bool(0) {
		return nil, d.Err()
	}
	participant, _ = a.NormalizeAddress(participant)
	p := &match.Performance{
		MatchID:     id,
		Participant: participant,
		Score:       d.U64(1),
		Effort:      d.U8(2),
		Tier:        reward.TierID(d.U8(3)),
		Verified:    d.Bool(4),
		RecordedAt:  time.Unix(int64(d.U64(5)), 0).UTC(),
	}
	return p, d.Err()
}

func (a *Adapter) GetBurn(ctx context.Context, id match.ID, participant string) (*match.BurnRecord, error) {
	addr, err := a.accountAddress(participant)
	if err != nil {
		return nil, err
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	values, fn, err := a.view(ctx, a.module(burnModule), "get_burn", nil, new(args).matchID(id).address(addr))
	if err != nil {
		return nil, err
	}
	d := newViewDecoder(fn, values, 6)
	if !d.Bool(0) {
		return nil, d.Err()
	}
	participant, _ = a.NormalizeAddress(participant)
	b := &match.BurnRecord{
		MatchID:      id,
		Participant:  participant,
		BurnAmount:   d.BigInt(1),
		RewardAmount: d.BigInt(2),
		Tier:         reward.TierID(d.U8(3)),
		Effort:       d.U8(4),
		Timestamp:    time.Unix(int64(d.U64(5)), 0).UTC(),
		Executed:     true,
	}
	return b, d.Err()
}

// GetTokenBalance reads the coin balance. An account without a coin store has no
// balance and yields nil.
func (a *Adapter) GetTokenBalance(ctx context.Context, address string) (*big.Int, error) {
	addr, err := a.accountAddress(address)
	if err != nil {
		return nil, err
	}
	coin := aptossdk.ModuleId{Address: aptossdk.AccountOne, Name: "coin"}
	values, fn, err := a.view(ctx, coin, "balance", []aptossdk.TypeTag{a.coinType()}, new(args).address(addr))
	if err != nil {
		if strings.Contains(err.Error(), "ECOIN_STORE_NOT_PUBLISHED") {
			return nil, nil
		}
		return nil, err
	}
	d := newViewDecoder(fn, values, 1)
	bal := d.BigInt(0)
	return bal, d.Err()
}

// GetRewardTier reads one entry of the tier table the burn module prices from.
func (a *Adapter) GetRewardTier(ctx context.Context, id reward.TierID) (*reward.Tier, error) {
	if err := reward.ValidateTier(id); err != nil {
		return nil, err
	}
	values, fn, err := a.view(ctx, a.module(tiersModule), "get_tier", nil, new(args).add(bcs.SerializeU8(uint8(id))))
	if err != nil {
		return nil, err
	}
	d := newViewDecoder(fn, values, 4)
	if !d.Bool(0) {
		return nil, d.Err()
	}
	t := &reward.Tier{
		ID:         id,
		Name:       d.String(1),
		Multiplier: d.U64(2),
		BaseReward: d.BigInt(3),
	}
	return t, d.Err()
}

func (a *Adapter) SetRewardTier(ctx context.Context, t reward.Tier) (chain.TxOutcome, error) {
	if err := t.Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	l := new(args).
		add(bcs.SerializeU8(uint8(t.ID))).
		add(bcs.SerializeBytes([]byte(t.Name))).
		add(bcs.SerializeU64(t.Multiplier)).
		add(bcs.SerializeU256(*t.BaseReward))
	return a.submit(ctx, tiersModule, "set_tier", l)
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

// TransactionStatus looks a transaction up by hash. Committed transactions are final
// on Aptos, so a successful commit is confirmed immediately.
func (a *Adapter) TransactionStatus(ctx context.Context, txID string) (chain.TxOutcome, error) {
	out := chain.TxOutcome{Chain: a.chainType, TxID: txID, Status: chain.TxPending}
	if err := chain.ValidateTxHash(txID); err != nil {
		return out, err
	}
	if a.node == nil {
		return out, fmt.Errorf("%w: adapter not initialized", match.ErrConfiguration)
	}

	var info *TxInfo
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		info, err = a.node.Transaction(ctx, txID)
		return err
	})
	if err != nil {
		return out, fmt.Errorf("failed to fetch transaction %s: %w", txID, err)
	}
	if info == nil || info.Pending {
		return out, nil
	}

	out.BlockNumber = info.Version
	if !info.Success {
		out.Status = chain.TxFailed
		out.Error = vocabulary.Classify(fmt.Errorf("%s", info.VMStatus)).Error()
		return out, nil
	}
	out.Status = chain.TxConfirmed
	return out, nil
}

// HealthCheck fetches the ledger info, bypassing the breaker.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.node == nil {
		return fmt.Errorf("%w: adapter not initialized", match.ErrConfiguration)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	if _, err := a.node.ChainID(ctx); err != nil {
		return fmt.Errorf("failed to fetch ledger info: %w", err)
	}
	return nil
}

// view calls a view function and returns its values with the qualified function name
// for error reporting.
func (a *Adapter) view(ctx context.Context, module aptossdk.ModuleId, name string, typeArgs []aptossdk.TypeTag, l *args) ([]any, string, error) {
	fn := module.Address.String() + "::" + module.Name + "::" + name
	if a.node == nil {
		return nil, fn, fmt.Errorf("%w: adapter not initialized", match.ErrConfiguration)
	}
	if l.err != nil {
		return nil, fn, fmt.Errorf("failed to encode %s arguments: %w", fn, l.err)
	}
	if typeArgs == nil {
		typeArgs = []aptossdk.TypeTag{}
	}
	payload := &aptossdk.ViewPayload{Module: module, Function: name, ArgTypes: typeArgs, Args: l.values}

	var values []any
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		values, err = a.node.View(ctx, payload)
		return vocabulary.Classify(err)
	})
	if err != nil {
		return nil, fn, fmt.Errorf("failed to call %s: %w", fn, err)
	}
	return values, fn, nil
}

// submit builds, signs and broadcasts an entry function transaction. The sequence
// lock is held through broadcast so concurrent writers never share a sequence number.
func (a *Adapter) submit(ctx context.Context, moduleName, name string, l *args) (chain.TxOutcome, error) {
	if a.account == nil {
		return chain.TxOutcome{}, fmt.Errorf("%w: no signing key configured", match.ErrConfiguration)
	}
	if a.node == nil {
		return chain.TxOutcome{}, fmt.Errorf("%w: adapter not initialized", match.ErrConfiguration)
	}
	if l.err != nil {
		return chain.TxOutcome{}, fmt.Errorf("failed to encode %s arguments: %w", name, l.err)
	}
	module := a.module(moduleName)

	a.seqMu.Lock()
	defer a.seqMu.Unlock()

	if !a.seqKnown {
		var seq uint64
		err := a.guard.Do(ctx, func(ctx context.Context) error {
			var err error
			seq, err = a.node.SequenceNumber(ctx, a.account.Address)
			return err
		})
		if err != nil {
			return chain.TxOutcome{}, fmt.Errorf("failed to fetch account: %w", err)
		}
		a.seq, a.seqKnown = seq, true
	}

	var gasPrice uint64
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		gasPrice, err = a.node.GasPrice(ctx)
		return err
	})
	if err != nil {
		return chain.TxOutcome{}, fmt.Errorf("failed to estimate gas price: %w", err)
	}

	raw := &aptossdk.RawTransaction{
		Sender:         a.account.Address,
		SequenceNumber: a.seq,
		Payload: aptossdk.TransactionPayload{Payload: &aptossdk.EntryFunction{
			Module:   module,
			Function: name,
			ArgTypes: []aptossdk.TypeTag{},
			Args:     l.values,
		}},
		MaxGasAmount:               defaultMaxGas,
		GasUnitPrice:               gasPrice,
		ExpirationTimestampSeconds: uint64(time.Now().Add(txExpiry).Unix()),
		ChainId:                    a.chainID,
	}
	signed, err := raw.SignedTransaction(a.account)
	if err != nil {
		return chain.TxOutcome{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	var hash string
	err = a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		hash, err = a.node.Submit(ctx, signed)
		return vocabulary.Classify(err)
	})
	if err != nil {
		a.seqKnown = false
		return chain.TxOutcome{}, fmt.Errorf("failed to submit transaction: %w", err)
	}
	a.seq++

	a.logger.Debug("transaction submitted",
		zap.String("tx", hash),
		zap.String("function", moduleName+"::"+name),
		zap.Uint64("sequence", a.seq-1))
	return chain.TxOutcome{
		Chain:       a.chainType,
		TxID:        hash,
		Status:      chain.TxPending,
		SubmittedAt: time.Now(),
	}, nil
}

var _ chain.Adapter = (*Adapter)(nil)
