package registry

import (
	"sync"
	"time"

	"github.com/terminal-bench/chainsettle/internal/chain"
)

// Health is the tracked availability of a chain.
type Health int

const (
	Unregistered Health = iota
	Healthy
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unregistered"
	}
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// ChainStatus is a point-in-time view of one chain's health.
type ChainStatus struct {
	Chain               chain.Type `json:"chain"`
	Health              Health     `json:"health"`
	LastCheck           time.Time  `json:"last_check"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	RecoveryPending     bool       `json:"recovery_pending"`
	Primary             bool       `json:"primary"`
}

// NotificationKind names a health notification.
type NotificationKind string

const (
	NotifyUnhealthy NotificationKind = "unhealthy"
	NotifyRecovered NotificationKind = "recovered"
)

// Notification is emitted when a chain becomes unhealthy or first answers again.
type Notification struct {
	Kind   NotificationKind `json:"kind"`
	Status ChainStatus      `json:"status"`
}

// Notifier receives health notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// ProbeRecorder observes every probe outcome.
type ProbeRecorder interface {
	RecordProbe(status ChainStatus, latency time.Duration, err error)
}

// tracker runs the health state machine for one chain.
type tracker struct {
	maxFailures int

	mu     sync.Mutex
	status ChainStatus
}

func newTracker(t chain.Type, maxFailures int) *tracker {
	return &tracker{
		maxFailures: maxFailures,
		status:      ChainStatus{Chain: t, Health: Healthy},
	}
}

func (tr *tracker) health() Health {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.status.Health
}

func (tr *tracker) snapshot() ChainStatus {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.status
}

// record applies one probe result. A failure degrades a healthy chain and marks it
// unhealthy at maxFailures. A success clears the counter and heals a degraded chain.
// An unhealthy chain needs two consecutive successes: the first emits recovered and
// leaves it unhealthy, the second restores it.
func (tr *tracker) record(err error, at time.Time) (ChainStatus, *Notification) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	s := &tr.status
	s.LastCheck = at
	var note *Notification

	if err != nil {
		s.ConsecutiveFailures++
		s.LastError = err.Error()
		s.RecoveryPending = false
		if s.Health == Healthy {
			s.Health = Degraded
		}
		if s.ConsecutiveFailures >= tr.maxFailures && s.Health != Unhealthy {
			s.Health = Unhealthy
			note = &Notification{Kind: NotifyUnhealthy}
		}
	} else {
		s.ConsecutiveFailures = 0
		s.LastError = ""
		switch s.Health {
		case Degraded:
			s.Health = Healthy
		case Unhealthy:
			if s.RecoveryPending {
				s.Health = Healthy
				s.RecoveryPending = false
			} else {
				s.RecoveryPending = true
				note = &Notification{Kind: NotifyRecovered}
			}
		}
	}

	if note != nil {
		note.Status = *s
	}
	return *s, note
}
