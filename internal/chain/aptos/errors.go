package aptos

import (
	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
)

// vocabulary maps Move abort codes raised by the oracle and burn modules.
var vocabulary = chain.Vocabulary{
	"E_MATCH_EXISTS":          match.ErrDuplicateMatch,
	"E_MATCH_NOT_FOUND":       match.ErrNotFound,
	"E_ALREADY_FINALIZED":     match.ErrAlreadyFinalized,
	"E_MATCH_CANCELLED":       match.ErrMatchCancelled,
	"E_PERFORMANCE_NOT_FOUND": match.ErrPerformanceNotFound,
	"E_BURN_EXISTS":           match.ErrDuplicateBurn,
	"E_INVALID_TIER":          match.ErrInvalidParameter,
	"E_INVALID_EFFORT":        match.ErrInvalidParameter,
}
