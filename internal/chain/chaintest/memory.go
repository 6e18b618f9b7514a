// Package chaintest provides an in-memory ledger adapter for tests. It enforces the
// same lifecycle guards as the on-ledger contracts and lets tests script health
// failures and confirmation delays. It is never built by the production factory.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/reward"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{1,64}$`)

// Config returns a complete adapter configuration for tests.
func Config() chain.Config {
	return chain.Config{
		EndpointURL: "memory://ledger",
		Contracts: chain.Contracts{
			Token:       "0x1",
			Oracle:      "0x2",
			BurnEngine:  "0x3",
			RewardTiers: "0x4",
		},
	}
}

type txEntry struct {
	outcome      chain.TxOutcome
	pollsPending int
}

// Adapter is an in-memory chain.Adapter. Burns are priced from the ledger's own tier
// table, which starts as a copy of the engine handed to New; ExecuteBurn reports the
// engine's prediction like the real adapters do.
type Adapter struct {
	chainType chain.Type
	engine    *reward.Engine
	ledger    *reward.Engine

	mu           sync.Mutex
	cfg          chain.Config
	initialized  bool
	closed       bool
	block        uint64
	matches      map[match.ID]*match.Match
	performances map[match.BurnKey]*match.Performance
	burns        map[match.BurnKey]*match.BurnRecord
	balances     map[string]*big.Int
	txs          map[string]*txEntry
	confirmAfter int
	healthErr    error
	healthDelay  time.Duration
	probes       int
	submitErr    error

	subMu     sync.Mutex
	nextSub   int
	matchSubs map[int]func(chain.MatchEvent)
	burnSubs  map[int]func(chain.BurnEvent)
}

// Option customizes a memory adapter.
type Option func(*Adapter)

// WithType registers the adapter under a different chain type, which lets tests
// build several independent ledgers.
func WithType(t chain.Type) Option {
	return func(a *Adapter) { a.chainType = t }
}

// WithConfirmAfter keeps transactions pending for n status polls.
func WithConfirmAfter(n int) Option {
	return func(a *Adapter) { a.confirmAfter = n }
}

// New creates an uninitialized memory adapter.
func New(engine *reward.Engine, opts ...Option) *Adapter {
	a := &Adapter{
		chainType:    chain.TypeMemory,
		engine:       engine,
		matches:      make(map[match.ID]*match.Match),
		performances: make(map[match.BurnKey]*match.Performance),
		burns:        make(map[match.BurnKey]*match.BurnRecord),
		balances:     make(map[string]*big.Int),
		txs:          make(map[string]*txEntry),
		matchSubs:    make(map[int]func(chain.MatchEvent)),
		burnSubs:     make(map[int]func(chain.BurnEvent)),
	}
	ledger, err := reward.NewEngine(engine.Scale(), engine.Tiers())
	if err != nil {
		panic(fmt.Sprintf("chaintest: copy tier table: %v", err))
	}
	a.ledger = ledger
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
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.initialized = true
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Closed reports whether Close was called.
func (a *Adapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// SetHealth makes subsequent probes fail with err, or succeed when err is nil.
func (a *Adapter) SetHealth(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthErr = err
}

// SetHealthDelay makes probes block for d or until their context ends.
func (a *Adapter) SetHealthDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthDelay = d
}

// Probes returns how many health checks ran.
func (a *Adapter) Probes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probes
}

// FailSubmissions makes write operations fail before broadcast with err.
func (a *Adapter) FailSubmissions(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitErr = err
}

// SetLedgerTier changes the ledger's tier table without a transaction, as an operator
// acting on the contract directly would.
func (a *Adapter) SetLedgerTier(t reward.Tier) error {
	return a.ledger.UpdateTier(t)
}

// Credit seeds a token balance.
func (a *Adapter) Credit(address string, amount *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creditLocked(strings.ToLower(address), amount)
}

func (a *Adapter) creditLocked(address string, amount *big.Int) {
	bal, ok := a.balances[address]
	if !ok {
		bal = new(big.Int)
		a.balances[address] = bal
	}
	bal.Add(bal, amount)
}

func (a *Adapter) NormalizeAddress(address string) (string, error) {
	canonical := strings.ToLower(strings.TrimSpace(address))
	if !addressPattern.MatchString(canonical) {
		return "", fmt.Errorf("%w: %q", match.ErrInvalidAddress, address)
	}
	return canonical, nil
}

// begin runs the shared pre-submission checks with mu held.
func (a *Adapter) begin() error {
	if !a.initialized {
		return fmt.Errorf("%w: adapter not initialized", match.ErrConfiguration)
	}
	if a.submitErr != nil {
		return a.submitErr
	}
	return nil
}

// submitLocked records a pending transaction and returns its outcome.
func (a *Adapter) submitLocked() chain.TxOutcome {
	a.block++
	outcome := chain.TxOutcome{
		Chain:       a.chainType,
		TxID:        uuid.NewString(),
		Status:      chain.TxPending,
		SubmittedAt: time.Now(),
	}
	a.txs[outcome.TxID] = &txEntry{outcome: outcome, pollsPending: a.confirmAfter}
	return outcome
}

func (a *Adapter) RegisterMatch(ctx context.Context, id match.ID, sport match.Sport) (chain.TxOutcome, error) {
	if err := id.Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	if !sport.Valid() {
		return chain.TxOutcome{}, fmt.Errorf("%w: sport %d", match.ErrInvalidParameter, sport)
	}
	a.mu.Lock()
	if err := a.begin(); err != nil {
		a.mu.Unlock()
		return chain.TxOutcome{}, err
	}
	if err := match.CanRegister(a.matches[id]); err != nil {
		a.mu.Unlock()
		return chain.TxOutcome{}, err
	}
	a.matches[id] = &match.Match{ID: id, Sport: sport, Status: match.StatusRegistered, CreatedAt: time.Now()}
	out := a.submitLocked()
	a.mu.Unlock()

	a.emitMatch(chain.MatchEvent{Type: chain.MatchRegistered, MatchID: id, TxID: out.TxID, Data: map[string]string{"sport": sport.String()}})
	return out, nil
}

func (a *Adapter) FinalizeMatch(ctx context.Context, id match.ID, winner uint8, dataHash [32]byte) (chain.TxOutcome, error) {
	a.mu.Lock()
	if err := a.begin(); err != nil {
		a.mu.Unlock()
		return chain.TxOutcome{}, err
	}
	m := a.matches[id]
	if err := match.CanFinalize(m); err != nil {
		a.mu.Unlock()
		return chain.TxOutcome{}, err
	}
	if err := m.Finalize(winner, dataHash, time.Now()); err != nil {
		a.mu.Unlock()
		return chain.TxOutcome{}, err
	}
	out := a.submitLocked()
	a.mu.Unlock()

	a.emitMatch(chain.MatchEvent{Type: chain.MatchFinalized, MatchID: id, TxID: out.TxID, Data: map[string]string{"winner": fmt.Sprint(winner)}})
	return out, nil
}

func (a *Adapter) CancelMatch(ctx context.Context, id match.ID) (chain.TxOutcome, error) {
	a.mu.Lock()
	if err := a.begin(); err != nil {
		a.mu.Unlock()
		return chain.TxOutcome{}, err
	}
	m := a.matches[id]
	if err := m.Cancel(); err != nil {
		a.mu.Unlock()
		return chain.TxOutcome{}, err
	}
	out := a.submitLocked()
	a.mu.Unlock()

	a.emitMatch(chain.MatchEvent{Type: chain.MatchCancelled, MatchID: id, TxID: out.TxID})
	return out, nil
}

func (a *Adapter) RecordPerformance(ctx context.Context, params match.PerformanceParams) (chain.TxOutcome, error) {
	if err := params.Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	participant, err := a.NormalizeAddress(params.Participant)
	if err != nil {
		return chain.TxOutcome{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin(); err != nil {
		return chain.TxOutcome{}, err
	}
	m := a.matches[params.MatchID]
	if err := m.Start(); err != nil {
		return chain.TxOutcome{}, err
	}
	key := match.BurnKey{MatchID: params.MatchID, Participant: participant}
	if _, exists := a.performances[key]; !exists {
		m.Participants++
	}
	a.performances[key] = &match.Performance{
		MatchID:     params.MatchID,
		Participant: participant,
		Stats:       params.Stats,
		Score:       params.Score,
		Effort:      params.Effort,
		Tier:        params.Tier,
		Verified:    true,
		RecordedAt:  time.Now(),
	}
	return a.submitLocked(), nil
}

func (a *Adapter) RecordCricketPerformance(ctx context.Context, params match.CricketParams) (chain.TxOutcome, error) {
	return a.RecordPerformance(ctx, params.Generic())
}

func (a *Adapter) ExecuteBurn(ctx context.Context, id match.ID, participant string) (chain.BurnOutcome, error) {
	participant, err := a.NormalizeAddress(participant)
	if err != nil {
		return chain.BurnOutcome{}, err
	}

	a.mu.Lock()
	if err := a.begin(); err != nil {
		a.mu.Unlock()
		return chain.BurnOutcome{}, err
	}
	key := match.BurnKey{MatchID: id, Participant: participant}
	perf := a.performances[key]
	if err := match.CanBurn(a.matches[id], perf, a.burns[key], false); err != nil {
		a.mu.Unlock()
		return chain.BurnOutcome{}, err
	}
	predicted, err := a.engine.Settle(perf.Tier, perf.Effort)
	if err != nil {
		a.mu.Unlock()
		return chain.BurnOutcome{}, err
	}
	onLedger, err := a.ledger.Settle(perf.Tier, perf.Effort)
	if err != nil {
		a.mu.Unlock()
		return chain.BurnOutcome{}, err
	}
	a.burns[key] = &match.BurnRecord{
		MatchID:      id,
		Participant:  participant,
		BurnAmount:   onLedger.Burn,
		RewardAmount: onLedger.Reward,
		Tier:         perf.Tier,
		Effort:       perf.Effort,
		Timestamp:    time.Now(),
		Executed:     true,
	}
	net := new(big.Int).Sub(onLedger.Reward, onLedger.Burn)
	a.creditLocked(participant, net)
	out := a.submitLocked()
	a.mu.Unlock()

	a.emitBurn(chain.BurnEvent{Type: chain.BurnExecuted, MatchID: id, Participant: participant, Amount: onLedger.Burn, TxID: out.TxID})
	a.emitBurn(chain.BurnEvent{Type: chain.RewardClaimed, MatchID: id, Participant: participant, Amount: net, TxID: out.TxID})

	return chain.BurnOutcome{
		TxOutcome:   out,
		MatchID:     id,
		Participant: participant,
		Reward:      predicted.Reward,
		Burn:        predicted.Burn,
		Tier:        uint8(perf.Tier),
		Effort:      perf.Effort,
	}, nil
}

func (a *Adapter) GetMatch(ctx context.Context, id match.ID) (*match.Match, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.matches[id].Clone(), nil
}

func (a *Adapter) GetPerformance(ctx context.Context, id match.ID, participant string) (*match.Performance, error) {
	participant, err := a.NormalizeAddress(participant)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.performances[match.BurnKey{MatchID: id, Participant: participant}]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (a *Adapter) GetBurn(ctx context.Context, id match.ID, participant string) (*match.BurnRecord, error) {
	participant, err := a.NormalizeAddress(participant)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.burns[match.BurnKey{MatchID: id, Participant: participant}]
	if !ok {
		return nil, nil
	}
	c := *b
	c.BurnAmount = new(big.Int).Set(b.BurnAmount)
	c.RewardAmount = new(big.Int).Set(b.RewardAmount)
	return &c, nil
}

func (a *Adapter) GetTokenBalance(ctx context.Context, address string) (*big.Int, error) {
	address, err := a.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	bal, ok := a.balances[address]
	if !ok {
		return nil, nil
	}
	return new(big.Int).Set(bal), nil
}

func (a *Adapter) GetRewardTier(ctx context.Context, id reward.TierID) (*reward.Tier, error) {
	t, err := a.ledger.Tier(id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (a *Adapter) SetRewardTier(ctx context.Context, t reward.Tier) (chain.TxOutcome, error) {
	if err := t.Validate(); err != nil {
		return chain.TxOutcome{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin(); err != nil {
		return chain.TxOutcome{}, err
	}
	if err := a.ledger.UpdateTier(t); err != nil {
		return chain.TxOutcome{}, err
	}
	return a.submitLocked(), nil
}

func (a *Adapter) VerifyMatchData(ctx context.Context, id match.ID, expectedHash [32]byte) (bool, error) {
	m, _ := a.GetMatch(ctx, id)
	return m != nil && m.Status == match.StatusFinalized && m.DataHash == expectedHash, nil
}

func (a *Adapter) VerifyPerformance(ctx context.Context, id match.ID, participant string, expectedScore uint64) (bool, error) {
	p, _ := a.GetPerformance(ctx, id, participant)
	return p != nil && p.Score == expectedScore, nil
}

// TransactionStatus accepts the uuid ids this adapter issues and rejects any other
// form with match.ErrInvalidParameter.
func (a *Adapter) TransactionStatus(ctx context.Context, txID string) (chain.TxOutcome, error) {
	if _, err := uuid.Parse(txID); err != nil {
		return chain.TxOutcome{}, fmt.Errorf("%w: transaction id %q", match.ErrInvalidParameter, txID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.txs[txID]
	if !ok {
		return chain.TxOutcome{Chain: a.chainType, TxID: txID, Status: chain.TxPending}, nil
	}
	if entry.outcome.Status == chain.TxPending {
		if entry.pollsPending > 0 {
			entry.pollsPending--
		} else {
			entry.outcome.Status = chain.TxConfirmed
			entry.outcome.BlockNumber = a.block
		}
	}
	return entry.outcome, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	a.probes++
	err := a.healthErr
	delay := a.healthDelay
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (a *Adapter) SubscribeMatchEvents(ctx context.Context, handler func(chain.MatchEvent)) (chain.Subscription, error) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.matchSubs[id] = handler
	return a.newSubscription(ctx, func() { delete(a.matchSubs, id) }), nil
}

func (a *Adapter) SubscribeBurnEvents(ctx context.Context, handler func(chain.BurnEvent)) (chain.Subscription, error) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.burnSubs[id] = handler
	return a.newSubscription(ctx, func() { delete(a.burnSubs, id) }), nil
}

func (a *Adapter) emitMatch(ev chain.MatchEvent) {
	ev.Chain = a.chainType
	ev.Timestamp = time.Now()
	a.mu.Lock()
	ev.BlockNumber = a.block
	a.mu.Unlock()

	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, h := range a.matchSubs {
		h(ev)
	}
}

func (a *Adapter) emitBurn(ev chain.BurnEvent) {
	ev.Chain = a.chainType
	ev.Timestamp = time.Now()
	a.mu.Lock()
	ev.BlockNumber = a.block
	a.mu.Unlock()

	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, h := range a.burnSubs {
		h(ev)
	}
}

type subscription struct {
	once   sync.Once
	done   chan struct{}
	remove func()
	mu     *sync.Mutex
}

func (a *Adapter) newSubscription(ctx context.Context, remove func()) *subscription {
	s := &subscription{done: make(chan struct{}), remove: remove, mu: &a.subMu}
	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
		case <-s.done:
		}
	}()
	return s
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.remove()
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

var _ chain.Adapter = (*Adapter)(nil)
