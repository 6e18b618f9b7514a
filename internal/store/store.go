// Package store persists executed burns off-ledger so operators can audit settlements
// without querying every chain.
package store

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/reward"
)

// ErrRecordNotFound is returned when updating a burn that was never saved.
var ErrRecordNotFound = errors.New("burn record not found")

// Record is one persisted burn together with the transaction that carried it.
type Record struct {
	ID          uuid.UUID        `json:"id"`
	Chain       chain.Type       `json:"chain"`
	Burn        match.BurnRecord `json:"burn"`
	TxID        string           `json:"tx_id"`
	Status      chain.TxStatus   `json:"status"`
	BlockNumber uint64           `json:"block_number"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewRecord builds a record from a burn submission.
func NewRecord(out chain.BurnOutcome) Record {
	now := time.Now().UTC()
	return Record{
		ID:    uuid.New(),
		Chain: out.Chain,
		Burn: match.BurnRecord{
			MatchID:      out.MatchID,
			Participant:  out.Participant,
			BurnAmount:   new(big.Int).Set(out.Burn),
			RewardAmount: new(big.Int).Set(out.Reward),
			Tier:         reward.TierID(out.Tier),
			Effort:       out.Effort,
			Timestamp:    out.SubmittedAt,
			Executed:     out.Status == chain.TxConfirmed,
		},
		TxID:        out.TxID,
		Status:      out.Status,
		BlockNumber: out.BlockNumber,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Store keeps at most one record per (chain, match, participant). Saving a second one
// fails with match.ErrDuplicateBurn unless the stored burn failed on the ledger, in
// which case it is replaced. Reads return nil with no error when nothing is
// stored.
//
// Reconcile overwrites the stored amounts, tier and effort with what the ledger
// recorded for the same key.
type Store interface {
	SaveBurn(ctx context.Context, rec Record) error
	UpdateStatus(ctx context.Context, ct chain.Type, key match.BurnKey, out chain.TxOutcome) error
	Reconcile(ctx context.Context, ct chain.Type, onLedger match.BurnRecord) error
	GetBurn(ctx context.Context, ct chain.Type, key match.BurnKey) (*Record, error)
	ListBurns(ctx context.Context, ct chain.Type, id match.ID) ([]Record, error)
	Close() error
}

type memoryKey struct {
	chain chain.Type
	key   match.BurnKey
}

// Memory is a process-local Store.
type Memory struct {
	mu      sync.RWMutex
	records map[memoryKey]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[memoryKey]Record)}
}

func (m *Memory) SaveBurn(ctx context.Context, rec Record) error {
	k := memoryKey{chain: rec.Chain, key: rec.Burn.Key()}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, exists := m.records[k]; exists && prev.Status != chain.TxFailed {
		return match.ErrDuplicateBurn
	}
	m.records[k] = rec
	return nil
}

func (m *Memory) UpdateStatus(ctx context.Context, ct chain.Type, key match.BurnKey, out chain.TxOutcome) error {
	k := memoryKey{chain: ct, key: key}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[k]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Status = out.Status
	rec.BlockNumber = out.BlockNumber
	rec.Burn.Executed = out.Status == chain.TxConfirmed
	rec.UpdatedAt = time.Now().UTC()
	m.records[k] = rec
	return nil
}

func (m *Memory) Reconcile(ctx context.Context, ct chain.Type, onLedger match.BurnRecord) error {
	k := memoryKey{chain: ct, key: onLedger.Key()}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[k]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Burn.BurnAmount = new(big.Int).Set(onLedger.BurnAmount)
	rec.Burn.RewardAmount = new(big.Int).Set(onLedger.RewardAmount)
	rec.Burn.Tier = onLedger.Tier
	rec.Burn.Effort = onLedger.Effort
	rec.UpdatedAt = time.Now().UTC()
	m.records[k] = rec
	return nil
}

func (m *Memory) GetBurn(ctx context.Context, ct chain.Type, key match.BurnKey) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[memoryKey{chain: ct, key: key}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) ListBurns(ctx context.Context, ct chain.Type, id match.ID) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for k, rec := range m.records {
		if k.chain == ct && k.key.MatchID == id {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Close() error { return nil }
