package aptos

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	aptossdk "github.com/aptos-labs/aptos-go-sdk"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
)

const eventPageSize = 100

// eventStream tracks the next sequence number of one event handle field.
type eventStream struct {
	account aptossdk.AccountAddress
	handle  string
	field   string
	next    uint64
}

var matchStreams = map[string]chain.MatchEventType{
	"registered_events": chain.MatchRegistered,
	"finalized_events":  chain.MatchFinalized,
	"cancelled_events":  chain.MatchCancelled,
}

var burnStreams = map[string]chain.BurnEventType{
	"burn_events":  chain.BurnExecuted,
	"claim_events": chain.RewardClaimed,
}

// SubscribeMatchEvents polls the oracle's event handles. Handle events carry no
// transaction, so TxID is empty and BlockNumber is zero; the timestamp comes from the
// event's own timestamp field.
func (a *Adapter) SubscribeMatchEvents(ctx context.Context, handler func(chain.MatchEvent)) (chain.Subscription, error) {
	handle := a.oracle.String() + "::" + oracleModule + "::OracleEvents"
	streams := make(map[*eventStream]chain.MatchEventType, len(matchStreams))
	for field, kind := range matchStreams {
		s := &eventStream{account: a.oracle, handle: handle, field: field}
		if err := a.prime(ctx, s); err != nil {
			return nil, err
		}
		streams[s] = kind
	}

	poll := func(ctx context.Context) error {
		for s, kind := range streams {
			err := a.drain(ctx, s, func(rec Event) error {
				ev, err := decodeMatchEvent(rec, kind)
				if err != nil {
					return err
				}
				ev.Chain = a.chainType
				ev.Timestamp = eventTime(rec)
				handler(ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
	return chain.NewPollSubscription(ctx, a.cfg.PollInterval, poll, a.logger), nil
}

func (a *Adapter) SubscribeBurnEvents(ctx context.Context, handler func(chain.BurnEvent)) (chain.Subscription, error) {
	handle := a.burnEngine.String() + "::" + burnModule + "::BurnEvents"
	streams := make(map[*eventStream]chain.BurnEventType, len(burnStreams))
	for field, kind := range burnStreams {
		s := &eventStream{account: a.burnEngine, handle: handle, field: field}
		if err := a.prime(ctx, s); err != nil {
			return nil, err
		}
		streams[s] = kind
	}

	poll := func(ctx context.Context) error {
		for s, kind := range streams {
			err := a.drain(ctx, s, func(rec Event) error {
				ev, err := a.decodeBurnEvent(rec, kind)
				if err != nil {
					return err
				}
				ev.Chain = a.chainType
				ev.Timestamp = eventTime(rec)
				handler(ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
	return chain.NewPollSubscription(ctx, a.cfg.PollInterval, poll, a.logger), nil
}

// prime positions a stream just after its most recent event so only new events are
// delivered.
func (a *Adapter) prime(ctx context.Context, s *eventStream) error {
	if a.node == nil {
		return fmt.Errorf("%w: adapter not initialized", match.ErrConfiguration)
	}
	var recs []Event
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		recs, err = a.node.Events(ctx, s.account, s.handle, s.field, nil, 1)
		if isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.field, err)
	}
	if len(recs) > 0 {
		s.next = recs[len(recs)-1].SequenceNumber + 1
	}
	return nil
}

func (a *Adapter) drain(ctx context.Context, s *eventStream, deliver func(Event) error) error {
	var recs []Event
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		start := s.next
		var err error
		recs, err = a.node.Events(ctx, s.account, s.handle, s.field, &start, eventPageSize)
		if isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.field, err)
	}

	for _, rec := range recs {
		if rec.SequenceNumber < s.next {
			continue
		}
		if err := deliver(rec); err != nil {
			a.logger.Warn("skipping undecodable event",
				zap.String("stream", s.field),
				zap.Uint64("sequence", rec.SequenceNumber),
				zap.Error(err))
		}
		s.next = rec.SequenceNumber + 1
	}
	return nil
}

// eventTime reads the event's timestamp field in seconds, falling back to now.
func eventTime(rec Event) time.Time {
	switch v := rec.Data["timestamp"].(type) {
	case string:
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	case float64:
		return time.Unix(int64(v), 0).UTC()
	}
	return time.Now().UTC()
}

func decodeMatchEvent(rec Event, kind chain.MatchEventType) (chain.MatchEvent, error) {
	rawID, _ := rec.Data["match_id"].(string)
	id, err := match.IDFromHex(rawID)
	if err != nil {
		return chain.MatchEvent{}, err
	}

	ev := chain.MatchEvent{Type: kind, MatchID: id}
	for k, v := range rec.Data {
		if k == "match_id" {
			continue
		}
		if ev.Data == nil {
			ev.Data = make(map[string]string, len(rec.Data))
		}
		ev.Data[k] = fmt.Sprint(v)
	}
	if sport, ok := rec.Data["sport"].(float64); ok {
		ev.Data["sport"] = match.Sport(uint8(sport)).String()
	}
	return ev, nil
}

func (a *Adapter) decodeBurnEvent(rec Event, kind chain.BurnEventType) (chain.BurnEvent, error) {
	rawID, _ := rec.Data["match_id"].(string)
	id, err := match.IDFromHex(rawID)
	if err != nil {
		return chain.BurnEvent{}, err
	}
	rawParticipant, _ := rec.Data["participant"].(string)
	participant, err := a.NormalizeAddress(rawParticipant)
	if err != nil {
		return chain.BurnEvent{}, err
	}
	rawAmount, _ := rec.Data["amount"].(string)
	amount, ok := new(big.Int).SetString(rawAmount, 10)
	if !ok {
		return chain.BurnEvent{}, fmt.Errorf("invalid amount %q", rawAmount)
	}
	return chain.BurnEvent{
		Type:        kind,
		MatchID:     id,
		Participant: participant,
		Amount:      amount,
	}, nil
}
