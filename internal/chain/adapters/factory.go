// Package adapters builds concrete ledger adapters from their chain type tag.
package adapters

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/chain/aptos"
	"github.com/terminal-bench/chainsettle/internal/chain/evm"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/reward"
)

// Factory constructs an uninitialized adapter for a chain type.
type Factory func(t chain.Type) (chain.Adapter, error)

// New returns the production factory. The in-memory family is not buildable here.
func New(engine *reward.Engine, logger *zap.Logger) Factory {
	return func(t chain.Type) (chain.Adapter, error) {
		switch t.Family() {
		case chain.FamilyEVM:
			return evm.New(t, engine, logger), nil
		case chain.FamilyMove:
			return aptos.New(engine, logger), nil
		default:
			return nil, fmt.Errorf("%w: unsupported chain type %q", match.ErrConfiguration, t)
		}
	}
}
