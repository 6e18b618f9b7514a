package evm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
)

// vocabulary maps the contracts' revert reasons to the shared error taxonomy.
var vocabulary = chain.Vocabulary{
	"MatchAlreadyExists":    match.ErrDuplicateMatch,
	"MatchNotFound":         match.ErrNotFound,
	"MatchAlreadyFinalized": match.ErrAlreadyFinalized,
	"MatchCancelled":        match.ErrMatchCancelled,
	"PerformanceNotFound":   match.ErrPerformanceNotFound,
	"BurnAlreadyExecuted":   match.ErrDuplicateBurn,
	"InvalidTier":           match.ErrInvalidParameter,
	"InvalidEffort":         match.ErrInvalidParameter,
}

// customErrors indexes the vocabulary by the 4-byte selector of the parameterless
// custom error, for nodes that return revert data without a decoded reason.
var customErrors = func() map[string]string {
	out := make(map[string]string, len(vocabulary))
	for name := range vocabulary {
		out[hexutil.Encode(crypto.Keccak256([]byte(name + "()"))[:4])] = name
	}
	return out
}()

func classify(err error) error {
	if err == nil {
		return nil
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok && len(data) >= 10 {
			if name, ok := customErrors[strings.ToLower(data[:10])]; ok {
				return fmt.Errorf("%w: %s: %v", vocabulary[name], name, err)
			}
		}
	}
	return vocabulary.Classify(err)
}
