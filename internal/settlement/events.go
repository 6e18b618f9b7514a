package settlement

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/registry"
	"github.com/terminal-bench/chainsettle/pkg/messaging"
)

// EventSink receives ledger events observed by Watch.
type EventSink interface {
	MatchEvent(ctx context.Context, ev chain.MatchEvent)
	BurnEvent(ctx context.Context, ev chain.BurnEvent)
}

// Sinks fans events out to several sinks in order.
type Sinks []EventSink

// MatchEvent delivers ev to each sink.
func (s Sinks) MatchEvent(ctx context.Context, ev chain.MatchEvent) {
	for _, sink := range s {
		sink.MatchEvent(ctx, ev)
	}
}

// BurnEvent delivers ev to each sink.
func (s Sinks) BurnEvent(ctx context.Context, ev chain.BurnEvent) {
	for _, sink := range s {
		sink.BurnEvent(ctx, ev)
	}
}

// Watch forwards match and burn events from ct to every configured sink until ctx is
// done or the returned subscription is cancelled.
func (o *Orchestrator) Watch(ctx context.Context, ct chain.Type) (chain.Subscription, error) {
	a, err := o.exactAdapter(ct)
	if err != nil {
		return nil, err
	}
	matches, err := a.SubscribeMatchEvents(ctx, func(ev chain.MatchEvent) {
		if ev.Chain == "" {
			ev.Chain = ct
		}
		o.sinks.MatchEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	burns, err := a.SubscribeBurnEvents(ctx, func(ev chain.BurnEvent) {
		if ev.Chain == "" {
			ev.Chain = ct
		}
		o.sinks.BurnEvent(ctx, ev)
	})
	if err != nil {
		matches.Unsubscribe()
		return nil, err
	}
	o.logger.Info("watching ledger events", zap.String("chain", string(ct)))
	return newJoinedSubscription(matches, burns), nil
}

type joinedSubscription struct {
	subs []chain.Subscription
	done chan struct{}
}

func newJoinedSubscription(subs ...chain.Subscription) *joinedSubscription {
	j := &joinedSubscription{subs: subs, done: make(chan struct{})}
	go func() {
		for _, s := range subs {
			<-s.Done()
		}
		close(j.done)
	}()
	return j
}

func (j *joinedSubscription) Unsubscribe() {
	for _, s := range j.subs {
		s.Unsubscribe()
	}
	<-j.done
}

func (j *joinedSubscription) Done() <-chan struct{} { return j.done }

// Publisher sends a JSON payload on a subject. *messaging.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
}

// BusSink publishes ledger events and registry health notifications.
type BusSink struct {
	pub    Publisher
	logger *zap.Logger
}

// NewBusSink publishes through pub. Publish failures are logged, never returned.
func NewBusSink(pub Publisher, logger *zap.Logger) *BusSink {
	return &BusSink{pub: pub, logger: logger}
}

// MatchEvent publishes ev on the chain's match subject.
func (b *BusSink) MatchEvent(ctx context.Context, ev chain.MatchEvent) {
	payload := messaging.MatchEvent{
		MatchID:     ev.MatchID.Hex(),
		BlockNumber: ev.BlockNumber,
		TxID:        ev.TxID,
		OccurredAt:  ev.Timestamp,
		Data:        ev.Data,
	}
	b.publish(ctx, messaging.MatchSubject(string(ev.Chain)), string(ev.Type), string(ev.Chain), payload)
}

// BurnEvent publishes ev on the chain's burn subject.
func (b *BusSink) BurnEvent(ctx context.Context, ev chain.BurnEvent) {
	payload := messaging.BurnEvent{
		MatchID:     ev.MatchID.Hex(),
		Participant: ev.Participant,
		Amount:      "0",
		BlockNumber: ev.BlockNumber,
		TxID:        ev.TxID,
		OccurredAt:  ev.Timestamp,
	}
	if ev.Amount != nil {
		payload.Amount = ev.Amount.String()
	}
	b.publish(ctx, messaging.BurnSubject(string(ev.Chain)), string(ev.Type), string(ev.Chain), payload)
}

// Notify implements registry.Notifier.
func (b *BusSink) Notify(n registry.Notification) {
	payload := messaging.ChainHealthEvent{
		Health:              n.Status.Health.String(),
		ConsecutiveFailures: n.Status.ConsecutiveFailures,
		LastError:           n.Status.LastError,
		LastCheck:           n.Status.LastCheck,
	}
	b.publish(context.Background(), messaging.SubjectChainsHealth, string(n.Kind), string(n.Status.Chain), payload)
}

func (b *BusSink) publish(ctx context.Context, subject, eventType, chainType string, payload any) {
	ev, err := messaging.NewEvent(eventType, chainType, payload, messaging.EventMetadata{Source: "settled"})
	if err == nil {
		err = b.pub.Publish(ctx, subject, ev)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn("failed to publish event", zap.String("subject", subject), zap.String("type", eventType), zap.Error(err))
	}
}
