// Package messaging carries settlement events over NATS. Payloads are JSON; token
// amounts travel as decimal integer strings.
package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeMatchRegistered = "registered"
	EventTypeMatchFinalized  = "finalized"
	EventTypeMatchCancelled  = "cancelled"

	EventTypeBurnExecuted  = "burn_executed"
	EventTypeRewardClaimed = "reward_claimed"

	EventTypeChainUnhealthy = "unhealthy"
	EventTypeChainRecovered = "recovered"
)

const SubjectChainsHealth = "chains.health"

// MatchSubject is the subject match events from one chain are published on.
func MatchSubject(chainType string) string {
	return "settlement.match." + chainType
}

// BurnSubject is the subject burn events from one chain are published on.
func BurnSubject(chainType string) string {
	return "settlement.burn." + chainType
}

// Event is the envelope every published message shares.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Chain     string          `json:"chain"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  EventMetadata   `json:"metadata"`
}

type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Source        string `json:"source"`
}

// MatchEvent contains match lifecycle data
type MatchEvent struct {
	MatchID     string            `json:"match_id"`
	BlockNumber uint64            `json:"block_number"`
	TxID        string            `json:"tx_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Data        map[string]string `json:"data,omitempty"`
}

// BurnEvent contains burn or claim data
type BurnEvent struct {
	MatchID     string    `json:"match_id"`
	Participant string    `json:"participant"`
	Amount      string    `json:"amount"`
	BlockNumber uint64    `json:"block_number"`
	TxID        string    `json:"tx_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// ChainHealthEvent contains a registry health notification
type ChainHealthEvent struct {
	Health              string    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastCheck           time.Time `json:"last_check"`
}

// NewEvent wraps data in an envelope.
func NewEvent(eventType, chainType string, data any, metadata EventMetadata) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Chain:     chainType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
		Metadata:  metadata,
	}, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
