// Package match holds the entity model shared by every ledger adapter: matches,
// performance records and burn records, together with the lifecycle rules that decide
// when each may be created or mutated.
package match

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/terminal-bench/chainsettle/internal/reward"
)

// MaxIDLength is the widest match identifier every ledger family can store.
const MaxIDLength = 32

// ID is an opaque match identifier of at most 32 bytes.
type ID string

// Validate checks the identifier fits every ledger namespace.
func (id ID) Validate() error {
	if len(id) == 0 {
		return fmt.Errorf("%w: empty match id", ErrInvalidParameter)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: match id longer than %d bytes", ErrInvalidParameter, MaxIDLength)
	}
	return nil
}

// Bytes32 right-pads the identifier to a fixed 32-byte word.
func (id ID) Bytes32() ([32]byte, error) {
	var out [32]byte
	if err := id.Validate(); err != nil {
		return out, err
	}
	copy(out[:], id)
	return out, nil
}

// Hex returns the 0x-prefixed hex encoding of the raw identifier bytes.
func (id ID) Hex() string {
	return "0x" + hex.EncodeToString([]byte(id))
}

// IDFromBytes32 reverses Bytes32 by trimming the zero padding.
func IDFromBytes32(word [32]byte) ID {
	return ID(bytes.TrimRight(word[:], "\x00"))
}

// IDFromHex decodes a 0x-prefixed hex identifier as produced by Hex.
func IDFromHex(s string) (ID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: match id %q is not hex", ErrInvalidParameter, s)
	}
	id := ID(bytes.TrimRight(raw, "\x00"))
	return id, id.Validate()
}

// Sport classifies the discipline a match belongs to.
type Sport uint8

const (
	SportCricket Sport = iota
	SportFootball
	SportBasketball
	SportTennis
	SportAthletics
)

func (s Sport) String() string {
	switch s {
	case SportCricket:
		return "cricket"
	case SportFootball:
		return "football"
	case SportBasketball:
		return "basketball"
	case SportTennis:
		return "tennis"
	case SportAthletics:
		return "athletics"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known sport.
func (s Sport) Valid() bool {
	return s <= SportAthletics
}

// ParseSport maps a sport name back to its enum value.
func ParseSport(name string) (Sport, error) {
	for s := SportCricket; s <= SportAthletics; s++ {
		if s.String() == strings.ToLower(name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown sport %q", ErrInvalidParameter, name)
}

// Match is the ledger-agnostic view of a registered sporting event.
type Match struct {
	ID           ID         `json:"match_id"`
	Sport        Sport      `json:"sport"`
	Status       Status     `json:"status"`
	Winner       *uint8     `json:"winner,omitempty"`
	DataHash     [32]byte   `json:"data_hash"`
	Participants uint32     `json:"participants"`
	CreatedAt    time.Time  `json:"created_at"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
}

// Performance is a verified per-participant record for one match.
type Performance struct {
	MatchID     ID                   `json:"match_id"`
	Participant string               `json:"participant"`
	Stats       *reward.CricketStats `json:"stats,omitempty"`
	Score       uint64               `json:"score"`
	Effort      uint8                `json:"effort"`
	Tier        reward.TierID        `json:"tier"`
	Verified    bool                 `json:"verified"`
	RecordedAt  time.Time            `json:"recorded_at"`
}

// PerformanceParams is the generic record request accepted by every adapter.
type PerformanceParams struct {
	MatchID     ID
	Participant string
	Score       uint64
	Effort      uint8
	Tier        reward.TierID
	Stats       *reward.CricketStats
}

// Validate rejects out-of-range inputs before any ledger call.
func (p PerformanceParams) Validate() error {
	if err := p.MatchID.Validate(); err != nil {
		return err
	}
	if p.Participant == "" {
		return fmt.Errorf("%w: empty participant", ErrInvalidAddress)
	}
	if err := reward.ValidateEffort(p.Effort); err != nil {
		return err
	}
	return reward.ValidateTier(p.Tier)
}

// CricketParams is the discipline-specific record request.
type CricketParams struct {
	MatchID     ID
	Participant string
	Stats       reward.CricketStats
}

// Generic converts cricket counters into the generic request using the canonical
// scoring and tier rules.
func (p CricketParams) Generic() PerformanceParams {
	stats := p.Stats
	return PerformanceParams{
		MatchID:     p.MatchID,
		Participant: p.Participant,
		Score:       reward.CricketPerformanceScore(stats),
		Effort:      reward.CricketEffortScore(stats),
		Tier:        reward.SelectCricketTier(stats),
		Stats:       &stats,
	}
}

// BurnRecord is the single settlement record allowed per (match, participant).
type BurnRecord struct {
	MatchID      ID            `json:"match_id"`
	Participant  string        `json:"participant"`
	BurnAmount   *big.Int      `json:"burn_amount"`
	RewardAmount *big.Int      `json:"reward_amount"`
	Tier         reward.TierID `json:"tier"`
	Effort       uint8         `json:"effort"`
	Timestamp    time.Time     `json:"timestamp"`
	Executed     bool          `json:"executed"`
}

// Key identifies a burn record within one ledger.
func (b BurnRecord) Key() BurnKey {
	return BurnKey{MatchID: b.MatchID, Participant: b.Participant}
}

// BurnKey is the idempotency key for burn execution.
type BurnKey struct {
	MatchID     ID
	Participant string
}

func (k BurnKey) String() string {
	return k.MatchID.Hex() + ":" + k.Participant
}
