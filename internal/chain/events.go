package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/match"
)

// MatchEventType is the kind of lifecycle change a match event reports.
type MatchEventType string

const (
	MatchRegistered MatchEventType = "registered"
	MatchFinalized  MatchEventType = "finalized"
	MatchCancelled  MatchEventType = "cancelled"
)

// BurnEventType is the kind of settlement a burn event reports.
type BurnEventType string

const (
	BurnExecuted  BurnEventType = "burn_executed"
	RewardClaimed BurnEventType = "reward_claimed"
)

// MatchEvent is observed on a ledger after a lifecycle transaction is included.
type MatchEvent struct {
	Chain       Type              `json:"chain"`
	Type        MatchEventType    `json:"type"`
	MatchID     match.ID          `json:"match_id"`
	Timestamp   time.Time         `json:"timestamp"`
	BlockNumber uint64            `json:"block_or_version_number"`
	TxID        string            `json:"tx_id"`
	Data        map[string]string `json:"data,omitempty"`
}

// BurnEvent is observed on a ledger after a burn or reward claim is included.
type BurnEvent struct {
	Chain       Type          `json:"chain"`
	Type        BurnEventType `json:"type"`
	MatchID     match.ID      `json:"match_id"`
	Participant string        `json:"participant"`
	Amount      *big.Int      `json:"amount"`
	Timestamp   time.Time     `json:"timestamp"`
	BlockNumber uint64        `json:"block_or_version_number"`
	TxID        string        `json:"tx_id"`
}

// Subscription is a cancellable event feed.
type Subscription interface {
	// Unsubscribe stops delivery and waits for the feed to wind down. Safe to call
	// more than once.
	Unsubscribe()
	// Done is closed once no further events will be delivered.
	Done() <-chan struct{}
}

// PollFunc fetches and delivers everything new since its previous call.
type PollFunc func(ctx context.Context) error

// PollSubscription drives a PollFunc on a fixed interval until cancelled.
type PollSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewPollSubscription starts polling immediately and then every interval. Poll errors
// are logged and retried on the next tick.
func NewPollSubscription(ctx context.Context, interval time.Duration, poll PollFunc, logger *zap.Logger) *PollSubscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &PollSubscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := poll(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("event poll failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

func (s *PollSubscription) Unsubscribe() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *PollSubscription) Done() <-chan struct{} {
	return s.done
}
