// Package events carries committed protocol state changes to the adapters
// outside the core: the persistence mirror, the event stream, metrics and
// notifications. Events are published after their transaction commits and in
// commit order.
package events

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/stake-plus/murmur-protocol/src/types"
)

type Kind string

const (
	KindStaked            Kind = "staked"
	KindStakeWithdrawn    Kind = "stake_withdrawn"
	KindTopicLocked       Kind = "topic_locked"
	KindTopicCreated      Kind = "topic_created"
	KindTopicClosed       Kind = "topic_closed"
	KindTopicSettled      Kind = "topic_settled"
	KindMessagePosted     Kind = "message_posted"
	KindMessageLiked      Kind = "message_liked"
	KindSettlementSigned  Kind = "settlement_signed"
	KindSettlementApplied Kind = "settlement_applied"
	KindTopicMinted       Kind = "topic_minted"
	KindRedeemed          Kind = "redeemed"
)

// Event is a snapshot of the records one operation changed.
type Event struct {
	Kind         Kind                 `json:"kind"`
	At           int64                `json:"at"`
	Actor        common.Address       `json:"actor"`
	Amount       uint64               `json:"amount,omitempty"`
	Participants []*types.Participant `json:"participants,omitempty"`
	Topic        *types.Topic         `json:"topic,omitempty"`
	Message      *types.Message       `json:"message,omitempty"`
	Curated      []types.CuratedEntry `json:"curated,omitempty"`
	Settlement   *types.Settlement    `json:"settlement,omitempty"`
	Mint         *types.MintRecord    `json:"mint,omitempty"`
}

// Sink consumes published events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, events []Event) error
}

// Bus fans events out to every sink in registration order. A failing sink
// does not stop the others.
type Bus struct {
	mu    sync.Mutex
	sinks []Sink
	log   zerolog.Logger
}

func NewBus(log zerolog.Logger, sinks ...Sink) *Bus {
	return &Bus{
		sinks: sinks,
		log:   log.With().Str("component", "events").Logger(),
	}
}

func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish delivers events to all sinks. Calls are serialized so sinks see
// events in the order they were published.
func (b *Bus) Publish(ctx context.Context, events ...Event) error {
	if b == nil || len(events) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var result *multierror.Error
	for _, s := range b.sinks {
		if err := s.Publish(ctx, events); err != nil {
			b.log.Error().Err(err).Str("sink", s.Name()).Str("kind", string(events[0].Kind)).Msg("event delivery failed")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Publish(_ context.Context, events []Event) error {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds lists recorded event kinds in order.
func (r *Recorder) Kinds() []Kind {
	events := r.Events()
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}
