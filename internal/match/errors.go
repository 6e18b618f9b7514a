package match

import (
	"errors"

	"github.com/terminal-bench/chainsettle/internal/reward"
)

// Setup and caller-input errors. These are always returned before any ledger call.
var (
	ErrConfiguration    = errors.New("invalid adapter configuration")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidParameter = reward.ErrInvalidParameter
)

// Lifecycle violations. Surfaced verbatim to callers and never retried.
var (
	ErrDuplicateMatch      = errors.New("match already registered")
	ErrNotFound            = errors.New("match not found")
	ErrAlreadyFinalized    = errors.New("match already finalized")
	ErrMatchCancelled      = errors.New("match cancelled")
	ErrNotFinalized        = errors.New("match not finalized")
	ErrPerformanceNotFound = errors.New("performance record not found")
	ErrDuplicateBurn       = errors.New("burn already executed")
)

// IsLifecycleError reports whether err is a permanent state-machine rejection.
func IsLifecycleError(err error) bool {
	for _, target := range []error{
		ErrDuplicateMatch, ErrNotFound, ErrAlreadyFinalized, ErrMatchCancelled,
		ErrNotFinalized, ErrPerformanceNotFound, ErrDuplicateBurn,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
