// Package chain defines the capability contract every ledger backend implements.
// Concrete ledger families live in sub-packages and are selected by Type.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"time"

	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/reward"
)

// Type tags a registered ledger.
type Type string

const (
	TypeEthereum Type = "ethereum"
	TypePolygon  Type = "polygon"
	TypeBase     Type = "base"
	TypeAptos    Type = "aptos"
	TypeMemory   Type = "memory"
)

// Family groups ledgers sharing one transaction model.
type Family string

const (
	FamilyEVM    Family = "evm"
	FamilyMove   Family = "move"
	FamilyMemory Family = "memory"
)

// Family returns the ledger family of t, or "" when t is unknown.
func (t Type) Family() Family {
	switch t {
	case TypeEthereum, TypePolygon, TypeBase:
		return FamilyEVM
	case TypeAptos:
		return FamilyMove
	case TypeMemory:
		return FamilyMemory
	default:
		return ""
	}
}

// Contracts holds the four well-known contract or module addresses.
type Contracts struct {
	Token       string `yaml:"token"`
	Oracle      string `yaml:"oracle"`
	BurnEngine  string `yaml:"burn_engine"`
	RewardTiers string `yaml:"reward_tiers"`
}

// Config binds an adapter to one ledger.
type Config struct {
	EndpointURL       string        `yaml:"endpoint_url"`
	ChainID           int64         `yaml:"chain_id"`
	SigningKey        string        `yaml:"-"`
	Contracts         Contracts     `yaml:"contracts"`
	MinConfirmations  uint64        `yaml:"min_confirmations"`
	MaxFeeGwei        string        `yaml:"max_fee_gwei"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// Validate checks the endpoint and all four addresses are present.
func (c Config) Validate() error {
	if c.EndpointURL == "" {
		return fmt.Errorf("%w: endpoint url is required", match.ErrConfiguration)
	}
	missing := []string{}
	for name, v := range map[string]string{
		"token":        c.Contracts.Token,
		"oracle":       c.Contracts.Oracle,
		"burn_engine":  c.Contracts.BurnEngine,
		"reward_tiers": c.Contracts.RewardTiers,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing contract addresses %v", match.ErrConfiguration, missing)
	}
	return nil
}

// WithDefaults fills unset tuning fields.
func (c Config) WithDefaults() Config {
	if c.MinConfirmations == 0 {
		c.MinConfirmations = 1
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TxOutcome describes one submitted transaction. BlockNumber carries the block height
// or ledger version at inclusion, zero while pending.
type TxOutcome struct {
	Chain       Type      `json:"chain"`
	TxID        string    `json:"tx_id"`
	Status      TxStatus  `json:"status"`
	BlockNumber uint64    `json:"block_number"`
	SubmittedAt time.Time `json:"submitted_at"`
	Error       string    `json:"error,omitempty"`
}

// Final reports whether no further polling can change the outcome.
func (o TxOutcome) Final() bool {
	return o.Status == TxConfirmed || o.Status == TxFailed
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidateTxHash checks txID is a 0x-prefixed 32-byte hex hash, the form both EVM
// and Move ledgers use for transaction ids.
func ValidateTxHash(txID string) error {
	if !txHashPattern.MatchString(txID) {
		return fmt.Errorf("%w: %q is not a 32-byte transaction hash", match.ErrInvalidParameter, txID)
	}
	return nil
}

// BurnOutcome adds the settled amounts to the burn transaction.
type BurnOutcome struct {
	TxOutcome
	MatchID     match.ID `json:"match_id"`
	Participant string   `json:"participant"`
	Reward      *big.Int `json:"reward"`
	Burn        *big.Int `json:"burn"`
	Tier        uint8    `json:"tier"`
	Effort      uint8    `json:"effort"`
}

// Adapter normalizes one ledger behind a single operation contract. Write operations
// return a pending outcome right after broadcast; TransactionStatus is the polling
// primitive. Read queries return nil with no error when the entity does not exist.
//
// The ledger prices burns from its own reward tier table; GetRewardTier and
// SetRewardTier read and write that table.
type Adapter interface {
	Type() Type
	Initialize(ctx context.Context, cfg Config) error
	Close() error

	RegisterMatch(ctx context.Context, id match.ID, sport match.Sport) (TxOutcome, error)
	FinalizeMatch(ctx context.Context, id match.ID, winner uint8, dataHash [32]byte) (TxOutcome, error)
	CancelMatch(ctx context.Context, id match.ID) (TxOutcome, error)
	RecordPerformance(ctx context.Context, params match.PerformanceParams) (TxOutcome, error)
	RecordCricketPerformance(ctx context.Context, params match.CricketParams) (TxOutcome, error)
	ExecuteBurn(ctx context.Context, id match.ID, participant string) (BurnOutcome, error)

	GetMatch(ctx context.Context, id match.ID) (*match.Match, error)
	GetPerformance(ctx context.Context, id match.ID, participant string) (*match.Performance, error)
	GetBurn(ctx context.Context, id match.ID, participant string) (*match.BurnRecord, error)
	GetTokenBalance(ctx context.Context, address string) (*big.Int, error)
	GetRewardTier(ctx context.Context, id reward.TierID) (*reward.Tier, error)
	SetRewardTier(ctx context.Context, t reward.Tier) (TxOutcome, error)

	VerifyMatchData(ctx context.Context, id match.ID, expectedHash [32]byte) (bool, error)
	VerifyPerformance(ctx context.Context, id match.ID, participant string, expectedScore uint64) (bool, error)

	TransactionStatus(ctx context.Context, txID string) (TxOutcome, error)
	HealthCheck(ctx context.Context) error
	NormalizeAddress(address string) (string, error)

	SubscribeMatchEvents(ctx context.Context, handler func(MatchEvent)) (Subscription, error)
	SubscribeBurnEvents(ctx context.Context, handler func(BurnEvent)) (Subscription, error)
}
