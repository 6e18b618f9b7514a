// Package reward implements the deterministic reward and burn arithmetic shared by
// every ledger adapter. All computation is integer-only so that two independently
// operated ledgers produce bit-for-bit identical amounts for the same inputs.
package reward

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// ErrInvalidParameter is returned for out-of-range tiers, effort scores and tier
// configuration.
var ErrInvalidParameter = errors.New("invalid parameter")

const (
	// TierCount is the fixed number of reward tiers.
	TierCount = 8
	// MaxEffort is the inclusive upper bound of an effort score.
	MaxEffort = 100
	// BurnDivisor applies the flat 10% deflationary burn.
	BurnDivisor = 10
)

// TierID addresses a reward tier. IDs are stable across configuration updates.
type TierID uint8

const (
	TierCentury TierID = iota
	TierHalfCentury
	TierFiveWicketHaul
	TierHatTrick
	TierEconomy
	TierAllRounder
	TierMatchWinner
	TierParticipation
)

// Tier is one achievement category.
type Tier struct {
	ID         TierID   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	Multiplier uint64   `json:"multiplier" yaml:"multiplier"`
	BaseReward *big.Int `json:"base_reward" yaml:"-"`
}

// Settlement is the pair of amounts produced for one performance.
type Settlement struct {
	Tier   TierID
	Effort uint8
	Reward *big.Int
	Burn   *big.Int
}

// ValidateTier rejects tier ids outside [0,7].
func ValidateTier(id TierID) error {
	if id >= TierCount {
		return fmt.Errorf("%w: tier %d outside [0,%d]", ErrInvalidParameter, id, TierCount-1)
	}
	return nil
}

// ValidateEffort rejects effort scores outside [0,100].
func ValidateEffort(effort uint8) error {
	if effort > MaxEffort {
		return fmt.Errorf("%w: effort %d outside [0,%d]", ErrInvalidParameter, effort, MaxEffort)
	}
	return nil
}

// Engine owns the tier table. It holds no per-match state.
type Engine struct {
	mu    sync.RWMutex
	scale uint64
	tiers [TierCount]Tier
}

// DefaultTiers returns the canonical tier table, scaled by 100.
func DefaultTiers() []Tier {
	return []Tier{
		{ID: TierCentury, Name: "century", Multiplier: 400, BaseReward: big.NewInt(250)},
		{ID: TierHalfCentury, Name: "half_century", Multiplier: 200, BaseReward: big.NewInt(150)},
		{ID: TierFiveWicketHaul, Name: "five_wicket_haul", Multiplier: 350, BaseReward: big.NewInt(220)},
		{ID: TierHatTrick, Name: "hat_trick", Multiplier: 500, BaseReward: big.NewInt(300)},
		{ID: TierEconomy, Name: "economy", Multiplier: 180, BaseReward: big.NewInt(120)},
		{ID: TierAllRounder, Name: "all_rounder", Multiplier: 150, BaseReward: big.NewInt(100)},
		{ID: TierMatchWinner, Name: "match_winner", Multiplier: 250, BaseReward: big.NewInt(180)},
		{ID: TierParticipation, Name: "participation", Multiplier: 100, BaseReward: big.NewInt(50)},
	}
}

// NewDefaultEngine builds an engine over DefaultTiers with scale 100.
func NewDefaultEngine() *Engine {
	e, err := NewEngine(100, DefaultTiers())
	if err != nil {
		panic(err)
	}
	return e
}

// NewEngine validates and installs a full tier table. scale is the fixed-point
// denominator of every multiplier and must be 10 or 100.
func NewEngine(scale uint64, tiers []Tier) (*Engine, error) {
	if scale != 10 && scale != 100 {
		return nil, fmt.Errorf("%w: multiplier scale must be 10 or 100, got %d", ErrInvalidParameter, scale)
	}
	if len(tiers) != TierCount {
		return nil, fmt.Errorf("%w: expected %d tiers, got %d", ErrInvalidParameter, TierCount, len(tiers))
	}
	e := &Engine{scale: scale}
	seen := make(map[TierID]bool, TierCount)
	for _, t := range tiers {
		if err := validateTierConfig(t); err != nil {
			return nil, err
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("%w: duplicate tier %d", ErrInvalidParameter, t.ID)
		}
		seen[t.ID] = true
		e.tiers[t.ID] = copyTier(t)
	}
	return e, nil
}

// Validate checks the id range and that the base reward is set and non-negative.
func (t Tier) Validate() error {
	return validateTierConfig(t)
}

func validateTierConfig(t Tier) error {
	if err := ValidateTier(t.ID); err != nil {
		return err
	}
	if t.BaseReward == nil || t.BaseReward.Sign() < 0 {
		return fmt.Errorf("%w: tier %d base reward must be non-negative", ErrInvalidParameter, t.ID)
	}
	return nil
}

func copyTier(t Tier) Tier {
	t.BaseReward = new(big.Int).Set(t.BaseReward)
	return t
}

// Scale returns the fixed-point multiplier denominator.
func (e *Engine) Scale() uint64 {
	return e.scale
}

// Tier returns a copy of one tier.
func (e *Engine) Tier(id TierID) (Tier, error) {
	if err := ValidateTier(id); err != nil {
		return Tier{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyTier(e.tiers[id]), nil
}

// Tiers returns a copy of the whole table ordered by id.
func (e *Engine) Tiers() []Tier {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Tier, 0, TierCount)
	for _, t := range e.tiers {
		out = append(out, copyTier(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateTier replaces the multiplier and base reward of an existing tier. The id is
// kept; an empty name keeps the current one.
func (e *Engine) UpdateTier(t Tier) error {
	if err := validateTierConfig(t); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.Name == "" {
		t.Name = e.tiers[t.ID].Name
	}
	e.tiers[t.ID] = copyTier(t)
	return nil
}

// Reward computes ((base * effort) / 100) * multiplier / scale, truncating at each
// division exactly as on-ledger integer code evaluates it.
func (e *Engine) Reward(id TierID, effort uint8) (*big.Int, error) {
	if err := ValidateTier(id); err != nil {
		return nil, err
	}
	if err := ValidateEffort(effort); err != nil {
		return nil, err
	}
	e.mu.RLock()
	t := e.tiers[id]
	base := new(big.Int).Set(t.BaseReward)
	mult := new(big.Int).SetUint64(t.Multiplier)
	e.mu.RUnlock()

	out := base.Mul(base, big.NewInt(int64(effort)))
	out.Quo(out, big.NewInt(MaxEffort))
	out.Mul(out, mult)
	out.Quo(out, new(big.Int).SetUint64(e.scale))
	return out, nil
}

// Burn returns floor(reward / 10). Negative inputs burn nothing.
func Burn(reward *big.Int) *big.Int {
	if reward == nil || reward.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(reward, big.NewInt(BurnDivisor))
}

// Settle computes both amounts for one performance.
func (e *Engine) Settle(id TierID, effort uint8) (Settlement, error) {
	r, err := e.Reward(id, effort)
	if err != nil {
		return Settlement{}, err
	}
	return Settlement{Tier: id, Effort: effort, Reward: r, Burn: Burn(r)}, nil
}
