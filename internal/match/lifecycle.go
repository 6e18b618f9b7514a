package match

import (
	"fmt"
	"time"
)

// Status is the lifecycle position of a match.
type Status uint8

const (
	StatusRegistered Status = iota
	StatusInProgress
	StatusFinalized
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusInProgress:
		return "in_progress"
	case StatusFinalized:
		return "finalized"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusCancelled
}

var validTransitions = map[Status][]Status{
	StatusRegistered: {StatusInProgress, StatusFinalized, StatusCancelled},
	StatusInProgress: {StatusFinalized, StatusCancelled},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CanRegister succeeds only when no prior entry exists.
func CanRegister(existing *Match) error {
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateMatch, existing.ID.Hex())
	}
	return nil
}

// CanRecord allows performance writes while the match is still open.
func CanRecord(m *Match) error {
	return requireOpen(m)
}

// CanFinalize allows finalization from REGISTERED or IN_PROGRESS only. Finalizing twice
// fails rather than being a no-op.
func CanFinalize(m *Match) error {
	return requireOpen(m)
}

// CanCancel allows cancellation from REGISTERED or IN_PROGRESS only.
func CanCancel(m *Match) error {
	return requireOpen(m)
}

func requireOpen(m *Match) error {
	if m == nil {
		return ErrNotFound
	}
	switch m.Status {
	case StatusFinalized:
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, m.ID.Hex())
	case StatusCancelled:
		return fmt.Errorf("%w: %s", ErrMatchCancelled, m.ID.Hex())
	}
	return nil
}

// CanBurn checks the burn preconditions. Finalization is only demanded when
// requireFinalized is set.
func CanBurn(m *Match, perf *Performance, existing *BurnRecord, requireFinalized bool) error {
	if perf == nil {
		return ErrPerformanceNotFound
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateBurn, existing.Key())
	}
	if requireFinalized {
		if m == nil {
			return ErrNotFound
		}
		if m.Status != StatusFinalized {
			return fmt.Errorf("%w: %s is %s", ErrNotFinalized, m.ID.Hex(), m.Status)
		}
	}
	return nil
}

// Start moves an open match into play. It is idempotent while in progress.
func (m *Match) Start() error {
	if err := CanRecord(m); err != nil {
		return err
	}
	m.Status = StatusInProgress
	return nil
}

// Finalize records the outcome and makes the match immutable.
func (m *Match) Finalize(winner uint8, dataHash [32]byte, at time.Time) error {
	if err := CanFinalize(m); err != nil {
		return err
	}
	m.Status = StatusFinalized
	m.Winner = &winner
	m.DataHash = dataHash
	m.FinalizedAt = &at
	return nil
}

// Cancel abandons an open match.
func (m *Match) Cancel() error {
	if err := CanCancel(m); err != nil {
		return err
	}
	m.Status = StatusCancelled
	return nil
}

// Clone returns a deep copy safe to hand to callers.
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	c := *m
	if m.Winner != nil {
		w := *m.Winner
		c.Winner = &w
	}
	if m.FinalizedAt != nil {
		t := *m.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}
