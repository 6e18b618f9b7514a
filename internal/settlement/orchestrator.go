// Package settlement drives matches through register, record, finalize and burn on a
// ledger chosen by the registry. Every write is checked against the lifecycle guards
// using the adapter's own read queries before it is forwarded, and every burn is
// claimed in the idempotency ledger first.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/idempotency"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/registry"
	"github.com/terminal-bench/chainsettle/internal/reward"
	"github.com/terminal-bench/chainsettle/internal/store"
)

// AnyChain asks the registry for any healthy ledger.
const AnyChain chain.Type = ""

// ErrTierMismatch reports a ledger whose reward tier table differs from the local one.
var ErrTierMismatch = fmt.Errorf("%w: reward tier mismatch", match.ErrConfiguration)

// Config tunes confirmation polling and burn execution.
type Config struct {
	PollInterval            time.Duration `yaml:"poll_interval"`
	ConfirmTimeout          time.Duration `yaml:"confirm_timeout"`
	RequireFinalizedForBurn bool          `yaml:"require_finalized_for_burn"`
	BurnConcurrency         int           `yaml:"burn_concurrency"`
	// AwaitBurns blocks ExecuteBurn until the burn is final or ConfirmTimeout passes.
	AwaitBurns bool `yaml:"await_burns"`
}

// DefaultConfig polls every two seconds for up to a minute and runs eight burns at
// a time.
func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		ConfirmTimeout:  60 * time.Second,
		BurnConcurrency: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.BurnConcurrency <= 0 {
		c.BurnConcurrency = d.BurnConcurrency
	}
	return c
}

// Router resolves ledger adapters. *registry.Registry implements it.
type Router interface {
	GetAdapter(t chain.Type) (chain.Adapter, error)
	GetHealthyAdapter() (chain.Adapter, error)
}

// Recorder observes submissions and burns.
type Recorder interface {
	RecordSubmission(ct chain.Type, op string, err error)
	RecordBurn(ct chain.Type, status chain.TxStatus, burn *big.Int)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLedger replaces the default in-process idempotency ledger.
func WithLedger(l idempotency.Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithStore persists burns in s instead of process memory.
func WithStore(s store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithSink adds s to the sinks that receive events forwarded by Watch. Sinks are
// called in the order they were added.
func WithSink(s EventSink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s) }
}

// WithRecorder reports submissions and burns to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// Orchestrator coordinates lifecycle operations. Operations on different matches are
// never serialized against each other.
type Orchestrator struct {
	cfg      Config
	router   Router
	ledger   idempotency.Ledger
	store    store.Store
	sinks    Sinks
	recorder Recorder
	logger   *zap.Logger
}

// New creates an orchestrator routing through router. Without options it claims
// burns and stores records in process memory and forwards no events.
func New(cfg Config, router Router, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		router: router,
		ledger: idempotency.NewMemoryLedger(),
		store:  store.NewMemory(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration with defaults applied.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

func (o *Orchestrator) adapter(ct chain.Type) (chain.Adapter, error) {
	if ct == AnyChain {
		return o.router.GetHealthyAdapter()
	}
	return o.router.GetAdapter(ct)
}

// exactAdapter resolves ct without failing over to another ledger.
func (o *Orchestrator) exactAdapter(ct chain.Type) (chain.Adapter, error) {
	a, err := o.router.GetAdapter(ct)
	if err != nil {
		return nil, err
	}
	if a.Type() != ct {
		return nil, fmt.Errorf("%w: %s is unhealthy", registry.ErrChainUnavailable, ct)
	}
	return a, nil
}

func (o *Orchestrator) record(ct chain.Type, op string, err error) {
	if o.recorder != nil {
		o.recorder.RecordSubmission(ct, op, err)
	}
}

// RegisterMatch registers id on ct, or on any healthy ledger when ct is AnyChain.
func (o *Orchestrator) RegisterMatch(ctx context.Context, ct chain.Type, id match.ID, sport match.Sport) (chain.TxOutcome, error) {
	a, err := o.adapter(ct)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	return o.registerOn(ctx, a, id, sport)
}

func (o *Orchestrator) registerOn(ctx context.Context, a chain.Adapter, id match.ID, sport match.Sport) (chain.TxOutcome, error) {
	if err := id.Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	if !sport.Valid() {
		return chain.TxOutcome{}, fmt.Errorf("%w: sport %d", match.ErrInvalidParameter, sport)
	}
	existing, err := a.GetMatch(ctx, id)
	if err != nil {
		return chain.TxOutcome{}, fmt.Errorf("failed to read match: %w", err)
	}
	if err := match.CanRegister(existing); err != nil {
		return chain.TxOutcome{}, err
	}
	out, err := a.RegisterMatch(ctx, id, sport)
	o.record(a.Type(), "register_match", err)
	if err != nil {
		return out, err
	}
	o.logger.Info("match registered",
		zap.String("chain", string(a.Type())), zap.String("match_id", id.Hex()), zap.String("tx", out.TxID))
	return out, nil
}

func (o *Orchestrator) openMatch(ctx context.Context, a chain.Adapter, id match.ID) (*match.Match, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	m, err := a.GetMatch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read match: %w", err)
	}
	return m, nil
}

// RecordPerformance records a participant's score, effort and tier on a match that
// is still open.
func (o *Orchestrator) RecordPerformance(ctx context.Context, ct chain.Type, params match.PerformanceParams) (chain.TxOutcome, error) {
	if err := params.Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	a, err := o.adapter(ct)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	m, err := o.openMatch(ctx, a, params.MatchID)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if err := match.CanRecord(m); err != nil {
		return chain.TxOutcome{}, err
	}
	out, err := a.RecordPerformance(ctx, params)
	o.record(a.Type(), "record_performance", err)
	return out, err
}

// RecordCricketPerformance records raw cricket counters. Score, effort and tier are
// derived on the ledger side with the same rules as match.CricketParams.Generic.
func (o *Orchestrator) RecordCricketPerformance(ctx context.Context, ct chain.Type, params match.CricketParams) (chain.TxOutcome, error) {
	if err := params.Generic().Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	a, err := o.adapter(ct)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	m, err := o.openMatch(ctx, a, params.MatchID)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if err := match.CanRecord(m); err != nil {
		return chain.TxOutcome{}, err
	}
	out, err := a.RecordCricketPerformance(ctx, params)
	o.record(a.Type(), "record_cricket_performance", err)
	return out, err
}

// FinalizeMatch closes a match with its winner and result data hash.
func (o *Orchestrator) FinalizeMatch(ctx context.Context, ct chain.Type, id match.ID, winner uint8, dataHash [32]byte) (chain.TxOutcome, error) {
	a, err := o.adapter(ct)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	m, err := o.openMatch(ctx, a, id)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if err := match.CanFinalize(m); err != nil {
		return chain.TxOutcome{}, err
	}
	out, err := a.FinalizeMatch(ctx, id, winner, dataHash)
	o.record(a.Type(), "finalize_match", err)
	if err != nil {
		return out, err
	}
	o.logger.Info("match finalized",
		zap.String("chain", string(a.Type())), zap.String("match_id", id.Hex()), zap.String("tx", out.TxID))
	return out, nil
}

// CancelMatch cancels a match that has not been finalized.
func (o *Orchestrator) CancelMatch(ctx context.Context, ct chain.Type, id match.ID) (chain.TxOutcome, error) {
	a, err := o.adapter(ct)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	m, err := o.openMatch(ctx, a, id)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if err := match.CanCancel(m); err != nil {
		return chain.TxOutcome{}, err
	}
	out, err := a.CancelMatch(ctx, id)
	o.record(a.Type(), "cancel_match", err)
	return out, err
}

// ExecuteBurn settles one participant. At most one burn is ever broadcast per
// (chain, match, participant): concurrent duplicates lose the idempotency claim and
// get match.ErrDuplicateBurn.
func (o *Orchestrator) ExecuteBurn(ctx context.Context, ct chain.Type, id match.ID, participant string) (chain.BurnOutcome, error) {
	a, err := o.adapter(ct)
	if err != nil {
		return chain.BurnOutcome{}, err
	}
	return o.burnOn(ctx, a, id, participant)
}

func (o *Orchestrator) burnOn(ctx context.Context, a chain.Adapter, id match.ID, participant string) (chain.BurnOutcome, error) {
	if err := id.Validate(); err != nil {
		return chain.BurnOutcome{}, err
	}
	participant, err := a.NormalizeAddress(participant)
	if err != nil {
		return chain.BurnOutcome{}, err
	}
	perf, err := a.GetPerformance(ctx, id, participant)
	if err != nil {
		return chain.BurnOutcome{}, fmt.Errorf("failed to read performance: %w", err)
	}
	existing, err := a.GetBurn(ctx, id, participant)
	if err != nil {
		return chain.BurnOutcome{}, fmt.Errorf("failed to read burn: %w", err)
	}
	var m *match.Match
	if o.cfg.RequireFinalizedForBurn {
		if m, err = a.GetMatch(ctx, id); err != nil {
			return chain.BurnOutcome{}, fmt.Errorf("failed to read match: %w", err)
		}
	}
	if err := match.CanBurn(m, perf, existing, o.cfg.RequireFinalizedForBurn); err != nil {
		return chain.BurnOutcome{}, err
	}

	key := idempotency.Key{Chain: a.Type(), MatchID: id, Participant: participant}
	won, err := o.ledger.Claim(ctx, key)
	if err != nil {
		return chain.BurnOutcome{}, err
	}
	if !won {
		return chain.BurnOutcome{}, fmt.Errorf("%w: %s", match.ErrDuplicateBurn, key)
	}

	out, err := a.ExecuteBurn(ctx, id, participant)
	o.record(a.Type(), "execute_burn", err)
	if err != nil {
		// Nothing was broadcast, so the key may be attempted again.
		o.release(key)
		return out, err
	}

	logger := o.logger.With(zap.String("chain", string(a.Type())), zap.String("match_id", id.Hex()),
		zap.String("participant", participant), zap.String("tx", out.TxID))
	if err := o.store.SaveBurn(ctx, store.NewRecord(out)); err != nil {
		logger.Error("failed to persist burn", zap.Error(err))
	}
	logger.Info("burn submitted", zap.String("reward", out.Reward.String()), zap.String("burn", out.Burn.String()))

	if o.cfg.AwaitBurns {
		final, err := o.WaitForConfirmation(ctx, a, out.TxID)
		if err == nil {
			out.TxOutcome = final
			if onLedger := o.settleBurn(ctx, a, key, final, logger); onLedger != nil {
				out.Reward = onLedger.RewardAmount
				out.Burn = onLedger.BurnAmount
			}
		}
	}
	if o.recorder != nil {
		o.recorder.RecordBurn(a.Type(), out.Status, out.Burn)
	}
	return out, nil
}

// ConfirmBurn polls a previously submitted burn and updates its stored record.
func (o *Orchestrator) ConfirmBurn(ctx context.Context, ct chain.Type, id match.ID, participant string) (chain.TxOutcome, error) {
	a, err := o.exactAdapter(ct)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	participant, err = a.NormalizeAddress(participant)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	rec, err := o.store.GetBurn(ctx, ct, match.BurnKey{MatchID: id, Participant: participant})
	if err != nil {
		return chain.TxOutcome{}, err
	}
	if rec == nil {
		return chain.TxOutcome{}, fmt.Errorf("%w: %s", store.ErrRecordNotFound, id.Hex())
	}
	final, err := o.WaitForConfirmation(ctx, a, rec.TxID)
	if err != nil {
		return final, err
	}
	key := idempotency.Key{Chain: ct, MatchID: id, Participant: participant}
	o.settleBurn(ctx, a, key, final, o.logger.With(zap.String("chain", string(ct)), zap.String("tx", rec.TxID)))
	return final, nil
}

// settleBurn stores the confirmation result. A burn that failed on the ledger gives
// its claim back so it can be retried. A confirmed burn is read back and the stored
// amounts are replaced with what the ledger settled, which is returned.
func (o *Orchestrator) settleBurn(ctx context.Context, a chain.Adapter, key idempotency.Key, final chain.TxOutcome, logger *zap.Logger) *match.BurnRecord {
	if final.Status == chain.TxPending {
		return nil
	}
	bk := match.BurnKey{MatchID: key.MatchID, Participant: key.Participant}
	if err := o.store.UpdateStatus(ctx, key.Chain, bk, final); err != nil {
		logger.Error("failed to update burn", zap.Error(err))
	}
	if final.Status == chain.TxFailed {
		logger.Warn("burn failed on ledger", zap.String("error", final.Error))
		o.release(key)
		return nil
	}

	onLedger, err := a.GetBurn(ctx, key.MatchID, key.Participant)
	if err != nil {
		logger.Error("failed to read settled burn", zap.Error(err))
		return nil
	}
	if onLedger == nil {
		logger.Warn("confirmed burn not found on ledger")
		return nil
	}
	if stored, err := o.store.GetBurn(ctx, key.Chain, bk); err == nil && stored != nil &&
		(stored.Burn.RewardAmount.Cmp(onLedger.RewardAmount) != 0 || stored.Burn.BurnAmount.Cmp(onLedger.BurnAmount) != 0) {
		logger.Warn("ledger settled different amounts",
			zap.String("predicted_reward", stored.Burn.RewardAmount.String()),
			zap.String("ledger_reward", onLedger.RewardAmount.String()),
			zap.String("predicted_burn", stored.Burn.BurnAmount.String()),
			zap.String("ledger_burn", onLedger.BurnAmount.String()))
	}
	if err := o.store.Reconcile(ctx, key.Chain, *onLedger); err != nil {
		logger.Error("failed to reconcile burn", zap.Error(err))
	}
	return onLedger
}

func (o *Orchestrator) release(key idempotency.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.ledger.Release(ctx, key); err != nil {
		o.logger.Error("failed to release burn claim", zap.String("key", key.String()), zap.Error(err))
	}
}

// WaitForConfirmation polls txID every PollInterval until it is final. When
// ConfirmTimeout or ctx expires first it returns the last outcome as pending with no
// error, so callers can poll again later with the same id.
func (o *Orchestrator) WaitForConfirmation(ctx context.Context, a chain.Adapter, txID string) (chain.TxOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmTimeout)
	defer cancel()

	last := chain.TxOutcome{Chain: a.Type(), TxID: txID, Status: chain.TxPending}
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		out, err := a.TransactionStatus(ctx, txID)
		switch {
		case err == nil:
			last = out
			if out.Final() {
				return out, nil
			}
		case errors.Is(err, match.ErrInvalidParameter):
			return last, err
		default:
			o.logger.Debug("confirmation poll failed",
				zap.String("chain", string(a.Type())), zap.String("tx", txID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			last.Status = chain.TxPending
			return last, nil
		case <-ticker.C:
		}
	}
}

// Confirm waits for a transaction on ct.
func (o *Orchestrator) Confirm(ctx context.Context, ct chain.Type, txID string) (chain.TxOutcome, error) {
	a, err := o.exactAdapter(ct)
	if err != nil {
		return chain.TxOutcome{}, err
	}
	return o.WaitForConfirmation(ctx, a, txID)
}

// Result is the per-chain or per-participant outcome of a fan-out operation.
type Result struct {
	Chain       chain.Type         `json:"chain"`
	Participant string             `json:"participant,omitempty"`
	Outcome     chain.TxOutcome    `json:"outcome"`
	Burn        *chain.BurnOutcome `json:"burn,omitempty"`
	Err         error              `json:"-"`
}

// RegisterOnChains registers the same match on several ledgers in parallel. Each
// chain is addressed exactly; an unhealthy one reports ErrChainUnavailable instead of
// failing over onto a ledger already in the list.
func (o *Orchestrator) RegisterOnChains(ctx context.Context, types []chain.Type, id match.ID, sport match.Sport) []Result {
	results := make([]Result, len(types))
	var g errgroup.Group
	for i, ct := range types {
		results[i].Chain = ct
		g.Go(func() error {
			a, err := o.exactAdapter(ct)
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Outcome, results[i].Err = o.registerOn(ctx, a, id, sport)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// PublishTier writes t to the tier table of each ledger in parallel. Chains are
// addressed exactly. Outcomes are returned right after broadcast.
func (o *Orchestrator) PublishTier(ctx context.Context, types []chain.Type, t reward.Tier) []Result {
	results := make([]Result, len(types))
	if err := t.Validate(); err != nil {
		for i, ct := range types {
			results[i] = Result{Chain: ct, Err: err}
		}
		return results
	}
	var g errgroup.Group
	for i, ct := range types {
		results[i].Chain = ct
		g.Go(func() error {
			a, err := o.exactAdapter(ct)
			if err != nil {
				results[i].Err = err
				return nil
			}
			out, err := a.SetRewardTier(ctx, t)
			o.record(ct, "set_reward_tier", err)
			results[i].Outcome, results[i].Err = out, err
			if err == nil {
				o.logger.Info("reward tier published",
					zap.String("chain", string(ct)), zap.Uint8("tier", uint8(t.ID)), zap.String("tx", out.TxID))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// VerifyTiers compares the tier table on ct with engine. Ledgers price burns from
// their own table, so any difference is reported as ErrTierMismatch.
func (o *Orchestrator) VerifyTiers(ctx context.Context, ct chain.Type, engine *reward.Engine) error {
	a, err := o.exactAdapter(ct)
	if err != nil {
		return err
	}
	var diffs []error
	for _, want := range engine.Tiers() {
		got, err := a.GetRewardTier(ctx, want.ID)
		if err != nil {
			return fmt.Errorf("failed to read tier %d on %s: %w", want.ID, ct, err)
		}
		switch {
		case got == nil:
			diffs = append(diffs, fmt.Errorf("tier %d is not set", want.ID))
		case got.Multiplier != want.Multiplier || got.BaseReward.Cmp(want.BaseReward) != 0:
			diffs = append(diffs, fmt.Errorf("tier %d: ledger %d/%s, local %d/%s",
				want.ID, got.Multiplier, got.BaseReward, want.Multiplier, want.BaseReward))
		}
	}
	if len(diffs) > 0 {
		return fmt.Errorf("%w on %s: %w", ErrTierMismatch, ct, errors.Join(diffs...))
	}
	return nil
}

// BurnAll settles every participant of a match on one ledger, at most
// BurnConcurrency at a time.
func (o *Orchestrator) BurnAll(ctx context.Context, ct chain.Type, id match.ID, participants []string) ([]Result, error) {
	a, err := o.adapter(ct)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(participants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.BurnConcurrency)
	for i, p := range participants {
		results[i] = Result{Chain: a.Type(), Participant: p}
		g.Go(func() error {
			out, err := o.burnOn(gctx, a, id, p)
			results[i].Err = err
			if err == nil {
				results[i].Outcome = out.TxOutcome
				results[i].Burn = &out
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// GetMatch reads a match. It returns nil when the ledger has no such match.
func (o *Orchestrator) GetMatch(ctx context.Context, ct chain.Type, id match.ID) (*match.Match, error) {
	a, err := o.adapter(ct)
	if err != nil {
		return nil, err
	}
	return a.GetMatch(ctx, id)
}

// GetPerformance reads a participant's performance record, or nil.
func (o *Orchestrator) GetPerformance(ctx context.Context, ct chain.Type, id match.ID, participant string) (*match.Performance, error) {
	a, err := o.adapter(ct)
	if err != nil {
		return nil, err
	}
	return a.GetPerformance(ctx, id, participant)
}

// GetTokenBalance reads the reward token balance of address, or nil when the ledger
// holds none.
func (o *Orchestrator) GetTokenBalance(ctx context.Context, ct chain.Type, address string) (*big.Int, error) {
	a, err := o.adapter(ct)
	if err != nil {
		return nil, err
	}
	return a.GetTokenBalance(ctx, address)
}

// VerifyMatchData reports whether id is finalized with expectedHash.
func (o *Orchestrator) VerifyMatchData(ctx context.Context, ct chain.Type, id match.ID, expectedHash [32]byte) (bool, error) {
	a, err := o.adapter(ct)
	if err != nil {
		return false, err
	}
	return a.VerifyMatchData(ctx, id, expectedHash)
}

// VerifyPerformance reports whether the recorded score equals expectedScore.
func (o *Orchestrator) VerifyPerformance(ctx context.Context, ct chain.Type, id match.ID, participant string, expectedScore uint64) (bool, error) {
	a, err := o.adapter(ct)
	if err != nil {
		return false, err
	}
	return a.VerifyPerformance(ctx, id, participant, expectedScore)
}
