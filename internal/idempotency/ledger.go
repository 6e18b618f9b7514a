// Package idempotency guarantees that at most one burn is ever attempted per
// (chain, match, participant). A claim is the single point of mutual exclusion: every
// backend lets exactly one of any number of concurrent claimants win.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
)

var ErrBackendUnavailable = errors.New("idempotency backend unavailable")

// Key identifies one burn execution.
type Key struct {
	Chain       chain.Type
	MatchID     match.ID
	Participant string
}

func (k Key) String() string {
	return string(k.Chain) + "/" + k.MatchID.Hex() + "/" + k.Participant
}

// Ledger records burn claims.
type Ledger interface {
	// Claim returns true only for the first caller with this key.
	Claim(ctx context.Context, key Key) (bool, error)
	// Release drops a claim so the key can be attempted again.
	Release(ctx context.Context, key Key) error
}

// MemoryLedger is a process-local ledger.
type MemoryLedger struct {
	mu     sync.Mutex
	claims map[Key]time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{claims: make(map[Key]time.Time)}
}

func (l *MemoryLedger) Claim(ctx context.Context, key Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.claims[key]; taken {
		return false, nil
	}
	l.claims[key] = time.Now()
	return true, nil
}

func (l *MemoryLedger) Release(ctx context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, key)
	return nil
}

// Len returns the number of held claims.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claims)
}
