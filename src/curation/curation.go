// Package curation keeps each topic's bounded, rank-ordered set of its most
// liked messages. The set stops changing once the topic freezes.
package curation

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/types"
)

type Engine struct {
	clock clock.Clock
	log   zerolog.Logger
}

func NewEngine(clk clock.Clock, log zerolog.Logger) *Engine {
	return &Engine{
		clock: clk,
		log:   log.With().Str("component", "curation").Logger(),
	}
}

func load(tx *badger.Txn, topic *types.Topic) (*types.CuratedSet, error) {
	var set types.CuratedSet
	err := storage.RetrieveCuratedSet(topic.ID, &set)(tx)
	if errors.Is(err, types.ErrNotFound) {
		return newSet(topic), nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not load curated set for topic %d: %w", topic.ID, err)
	}
	return &set, nil
}

// Update offers a message with its new like count to the curated set. It does
// nothing once the topic is frozen, finalized or no longer live, for a message
// already listed, and for a zero count.
func (e *Engine) Update(tx *badger.Txn, topic *types.Topic, messageID, likeCount uint64) (bool, error) {
	if topic.Status != types.TopicLive || topic.Finalized || topic.Frozen(e.clock.Now()) {
		return false, nil
	}
	if likeCount == 0 {
		return false, nil
	}
	set, err := load(tx, topic)
	if err != nil {
		return false, err
	}
	if !apply(set, messageID, likeCount) {
		return false, nil
	}
	if err := storage.UpsertCuratedSet(set)(tx); err != nil {
		return false, fmt.Errorf("could not store curated set: %w", err)
	}
	e.log.Debug().Uint64("topic", topic.ID).Uint64("message", messageID).Uint64("likes", likeCount).Msg("curated set updated")
	return true, nil
}

// Finalize pins the set; later updates are ignored. Calling it again is a no-op.
func (e *Engine) Finalize(tx *badger.Txn, topic *types.Topic) error {
	if topic.Finalized {
		return nil
	}
	topic.Finalized = true
	if err := storage.UpsertTopic(topic)(tx); err != nil {
		return fmt.Errorf("could not store topic: %w", err)
	}
	return nil
}

// Messages returns a copy of the topic's curated entries in rank order.
func Messages(tx *badger.Txn, topic *types.Topic) ([]types.CuratedEntry, error) {
	set, err := load(tx, topic)
	if err != nil {
		return nil, err
	}
	out := make([]types.CuratedEntry, len(set.Entries))
	copy(out, set.Entries)
	return out, nil
}

// Hash is the topic's curated-set hash.
func Hash(tx *badger.Txn, topic *types.Topic) (common.Hash, error) {
	entries, err := Messages(tx, topic)
	if err != nil {
		return common.Hash{}, err
	}
	return SetHash(entries), nil
}
