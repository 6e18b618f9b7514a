package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
)

var matchEventTypes = map[string]chain.MatchEventType{
	"MatchRegistered": chain.MatchRegistered,
	"MatchFinalized":  chain.MatchFinalized,
	"MatchCancelled":  chain.MatchCancelled,
}

var burnEventTypes = map[string]chain.BurnEventType{
	"BurnExecuted":  chain.BurnExecuted,
	"RewardClaimed": chain.RewardClaimed,
}

func (a *Adapter) SubscribeMatchEvents(ctx context.Context, handler func(chain.MatchEvent)) (chain.Subscription, error) {
	topics := make([]common.Hash, 0, len(matchEventTypes))
	for name := range matchEventTypes {
		topics = append(topics, a.oracleABI.Events[name].ID)
	}
	poll, err := a.logPoller(ctx, a.oracle, topics, func(lg types.Log, at time.Time) error {
		ev, ok, err := a.decodeMatchEvent(lg)
		if err != nil || !ok {
			return err
		}
		ev.Timestamp = at
		handler(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chain.NewPollSubscription(ctx, a.cfg.PollInterval, poll, a.logger), nil
}

func (a *Adapter) SubscribeBurnEvents(ctx context.Context, handler func(chain.BurnEvent)) (chain.Subscription, error) {
	topics := make([]common.Hash, 0, len(burnEventTypes))
	for name := range burnEventTypes {
		topics = append(topics, a.burnABI.Events[name].ID)
	}
	poll, err := a.logPoller(ctx, a.burnEngine, topics, func(lg types.Log, at time.Time) error {
		ev, ok, err := a.decodeBurnEvent(lg)
		if err != nil || !ok {
			return err
		}
		ev.Timestamp = at
		handler(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chain.NewPollSubscription(ctx, a.cfg.PollInterval, poll, a.logger), nil
}

// logPoller returns a PollFunc delivering every matching log after the head block
// observed at subscription time.
func (a *Adapter) logPoller(ctx context.Context, contract common.Address, topics []common.Hash, deliver func(types.Log, time.Time) error) (chain.PollFunc, error) {
	if a.client == nil {
		return nil, fmt.Errorf("%w: adapter not initialized", match.ErrConfiguration)
	}
	var last uint64
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		last, err = a.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block number: %w", err)
	}

	return func(ctx context.Context) error {
		var head uint64
		err := a.guard.Do(ctx, func(ctx context.Context) error {
			var err error
			head, err = a.client.BlockNumber(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to fetch block number: %w", err)
		}
		if head <= last {
			return nil
		}

		var logs []types.Log
		err = a.guard.Do(ctx, func(ctx context.Context) error {
			var err error
			logs, err = a.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(last + 1),
				ToBlock:   new(big.Int).SetUint64(head),
				Addresses: []common.Address{contract},
				Topics:    [][]common.Hash{topics},
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to filter logs: %w", err)
		}

		times := make(map[uint64]time.Time)
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			at, ok := times[lg.BlockNumber]
			if !ok {
				at = a.blockTime(ctx, lg.BlockNumber)
				times[lg.BlockNumber] = at
			}
			if err := deliver(lg, at); err != nil {
				a.logger.Warn("failed to decode log", zap.Error(err), zap.String("tx", lg.TxHash.Hex()))
			}
		}
		last = head
		return nil
	}, nil
}

func (a *Adapter) blockTime(ctx context.Context, number uint64) time.Time {
	var header *types.Header
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		header, err = a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil || header == nil {
		return time.Now().UTC()
	}
	return time.Unix(int64(header.Time), 0).UTC()
}

func (a *Adapter) decodeMatchEvent(lg types.Log) (chain.MatchEvent, bool, error) {
	if len(lg.Topics) < 2 {
		return chain.MatchEvent{}, false, nil
	}
	ev, err := a.oracleABI.EventByID(lg.Topics[0])
	if err != nil {
		return chain.MatchEvent{}, false, nil
	}
	kind, ok := matchEventTypes[ev.Name]
	if !ok {
		return chain.MatchEvent{}, false, nil
	}

	out := chain.MatchEvent{
		Chain:       a.chainType,
		Type:        kind,
		MatchID:     match.IDFromBytes32(lg.Topics[1]),
		BlockNumber: lg.BlockNumber,
		TxID:        lg.TxHash.Hex(),
	}
	fields := map[string]interface{}{}
	if err := a.oracleABI.UnpackIntoMap(fields, ev.Name, lg.Data); err != nil {
		return chain.MatchEvent{}, false, fmt.Errorf("failed to decode %s: %w", ev.Name, err)
	}
	if len(fields) > 0 {
		out.Data = make(map[string]string, len(fields))
		for k, v := range fields {
			if word, ok := v.([32]byte); ok {
				out.Data[k] = common.Hash(word).Hex()
				continue
			}
			out.Data[k] = fmt.Sprint(v)
		}
	}
	if sport, ok := fields["sport"].(uint8); ok {
		out.Data["sport"] = match.Sport(sport).String()
	}
	return out, true, nil
}

func (a *Adapter) decodeBurnEvent(lg types.Log) (chain.BurnEvent, bool, error) {
	if len(lg.Topics) < 3 {
		return chain.BurnEvent{}, false, nil
	}
	ev, err := a.burnABI.EventByID(lg.Topics[0])
	if err != nil {
		return chain.BurnEvent{}, false, nil
	}
	kind, ok := burnEventTypes[ev.Name]
	if !ok {
		return chain.BurnEvent{}, false, nil
	}
	values, err := a.burnABI.Unpack(ev.Name, lg.Data)
	if err != nil || len(values) != 1 {
		return chain.BurnEvent{}, false, fmt.Errorf("failed to decode %s: %v", ev.Name, err)
	}
	participant := common.BytesToAddress(lg.Topics[2].Bytes())
	return chain.BurnEvent{
		Chain:       a.chainType,
		Type:        kind,
		MatchID:     match.IDFromBytes32(lg.Topics[1]),
		Participant: strings.ToLower(participant.Hex()),
		Amount:      values[0].(*big.Int),
		BlockNumber: lg.BlockNumber,
		TxID:        lg.TxHash.Hex(),
	}, true, nil
}
