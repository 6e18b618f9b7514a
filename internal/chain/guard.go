package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/pkg/circuit"
)

// RPCGuard throttles and circuit-breaks every remote call an adapter makes. Lifecycle
// and input errors pass through without tripping the breaker.
type RPCGuard struct {
	limiter *rate.Limiter
	breaker *circuit.Breaker
}

// NewRPCGuard builds a guard allowing rps calls per second with a small burst.
func NewRPCGuard(name string, rps float64, logger *zap.Logger) *RPCGuard {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RPCGuard{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        name,
			MaxFailures: 5,
			HalfOpenMax: 1,
			IsFailure:   isTransportFailure,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("rpc circuit state changed",
					zap.String("chain", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		}),
	}
}

// Do waits for a rate token and runs fn through the breaker.
func (g *RPCGuard) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return g.breaker.Execute(ctx, fn)
}

// BreakerState exposes the breaker state for status reporting.
func (g *RPCGuard) BreakerState() circuit.State {
	return g.breaker.State()
}

func isTransportFailure(err error) bool {
	return !match.IsLifecycleError(err) &&
		!errors.Is(err, match.ErrInvalidAddress) &&
		!errors.Is(err, match.ErrInvalidParameter)
}

// Vocabulary maps ledger-specific failure markers to the shared error taxonomy.
type Vocabulary map[string]error

// Classify wraps err with the first taxonomy error whose marker appears in its
// message. Unknown failures are returned unchanged.
func (v Vocabulary) Classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, marker := range v.markers() {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %s", v[marker], msg)
		}
	}
	return err
}

// markers returns the keys longest first so specific markers win over prefixes.
func (v Vocabulary) markers() []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) == len(out[j]) {
			return out[i] < out[j]
		}
		return len(out[i]) > len(out[j])
	})
	return out
}
