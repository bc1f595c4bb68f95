// Package messages admits posts and likes into live topics. Posts are gated on
// an attested quality score and priced from topic heat; likes cost a flat VP
// and feed the curation engine.
package messages

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/heat"
	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/types"
)

// LikeCost is the flat VP price of a like.
const LikeCost uint64 = 1

type TopicGate interface {
	RequireLive(tx *badger.Txn, id uint64) (*types.Topic, error)
}

type Consumer interface {
	Consume(tx *badger.Txn, addr common.Address, topic *types.Topic, amount uint64, reason types.Reason) (*types.UnsettledEntry, error)
}

type Curator interface {
	Update(tx *badger.Txn, topic *types.Topic, messageID, likeCount uint64) (bool, error)
}

type ContentVerifier interface {
	VerifyContent(a attest.ContentAttestation, sig []byte, oracle string) error
}

type Engine struct {
	topics   TopicGate
	ledger   Consumer
	curator  Curator
	verifier ContentVerifier
	oracle   string
	clock    clock.Clock
	log      zerolog.Logger
}

func NewEngine(topics TopicGate, ledger Consumer, curator Curator, verifier ContentVerifier, oracle string, clk clock.Clock, log zerolog.Logger) *Engine {
	return &Engine{
		topics:   topics,
		ledger:   ledger,
		curator:  curator,
		verifier: verifier,
		oracle:   oracle,
		clock:    clk,
		log:      log.With().Str("component", "messages").Logger(),
	}
}

// PostRequest carries a message and the oracle's attestation over it.
type PostRequest struct {
	TopicID     uint64
	Author      common.Address
	ContentHash common.Hash
	Length      uint32
	ScoreBps    uint32
	Timestamp   int64
	Signature   []byte
}

func (r PostRequest) attestation() attest.ContentAttestation {
	return attest.ContentAttestation{
		ContentHash: r.ContentHash,
		Length:      r.Length,
		Score:       r.ScoreBps,
		Timestamp:   r.Timestamp,
	}
}

// Post verifies, prices and records a message.
func (e *Engine) Post(tx *badger.Txn, req PostRequest) (*types.Message, error) {
	if req.ContentHash == (common.Hash{}) {
		return nil, types.Invalid("content hash is empty")
	}
	if req.ScoreBps > heat.MaxScoreBps {
		return nil, types.Invalid("score %d bps above %d", req.ScoreBps, heat.MaxScoreBps)
	}
	topic, err := e.topics.RequireLive(tx, req.TopicID)
	if err != nil {
		return nil, err
	}
	if err := e.verifier.VerifyContent(req.attestation(), req.Signature, e.oracle); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	p, err := storage.LoadParticipant(tx, req.Author)
	if err != nil {
		return nil, err
	}
	var lastPostAt int64
	var streak uint32
	if acct, ok := p.Topics[topic.ID]; ok {
		lastPostAt, streak = acct.LastPostAt, acct.Streak
	}
	if lastPostAt != 0 {
		if gap := now.Unix() - lastPostAt; gap < int64(heat.RateLimit.Seconds()) {
			return nil, fmt.Errorf("%w: last post %ds ago", types.ErrRateLimitExceeded, gap)
		}
	}

	prior := heat.NextStreak(lastPostAt, streak, now)
	quote, err := e.price(topic, req.Length, req.ScoreBps, prior)
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.Consume(tx, req.Author, topic, quote.Cost, types.ReasonPost); err != nil {
		return nil, err
	}

	// Consume rewrote the participant; reload before recording post history.
	p, err = storage.LoadParticipant(tx, req.Author)
	if err != nil {
		return nil, err
	}
	acct := p.Account(topic.ID)
	firstPost := acct.Posts == 0
	acct.LastPostAt = now.Unix()
	acct.Streak = prior + 1
	acct.Posts++
	if err := storage.UpsertParticipant(p)(tx); err != nil {
		return nil, fmt.Errorf("could not store participant: %w", err)
	}

	var id uint64
	if err := storage.NextSequence(storage.CounterMessageID, &id)(tx); err != nil {
		return nil, err
	}
	msg := &types.Message{
		ID:          id,
		TopicID:     topic.ID,
		Author:      req.Author,
		ContentHash: req.ContentHash,
		Length:      req.Length,
		Score:       req.ScoreBps,
		Timestamp:   now.Unix(),
		VPCost:      quote.Cost,
	}
	if err := storage.InsertMessage(msg)(tx); err != nil {
		return nil, fmt.Errorf("could not store message: %w", err)
	}

	topic.MessageCount++
	if firstPost {
		topic.UniqueUsers++
	}
	if err := storage.UpsertTopic(topic)(tx); err != nil {
		return nil, fmt.Errorf("could not store topic: %w", err)
	}
	e.log.Debug().
		Uint64("topic", topic.ID).
		Uint64("message", id).
		Uint64("cost", quote.Cost).
		Str("heat", quote.Heat.String()).
		Msg("message posted")
	return msg, nil
}

// Like charges the liker one VP and bumps the message's like count. A liker
// can like a message once.
func (e *Engine) Like(tx *badger.Txn, topicID, messageID uint64, liker common.Address) (*types.Message, error) {
	topic, err := e.topics.RequireLive(tx, topicID)
	if err != nil {
		return nil, err
	}
	var msg types.Message
	err = storage.RetrieveMessage(messageID, &msg)(tx)
	if errors.Is(err, types.ErrNotFound) || (err == nil && msg.TopicID != topicID) {
		return nil, types.Invalid("message %d not found in topic %d", messageID, topicID)
	}
	if err != nil {
		return nil, err
	}

	err = storage.InsertLike(messageID, liker)(tx)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil, types.Invalid("%s already liked message %d", liker.Hex(), messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("could not store like: %w", err)
	}
	if _, err := e.ledger.Consume(tx, liker, topic, LikeCost, types.ReasonLike); err != nil {
		return nil, err
	}

	msg.LikeCount++
	if err := storage.UpdateMessage(&msg)(tx); err != nil {
		return nil, fmt.Errorf("could not store message: %w", err)
	}
	topic.LikeCount++
	if err := storage.UpsertTopic(topic)(tx); err != nil {
		return nil, fmt.Errorf("could not store topic: %w", err)
	}
	if _, err := e.curator.Update(tx, topic, msg.ID, msg.LikeCount); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (e *Engine) price(topic *types.Topic, length, scoreBps, streak uint32) (heat.Quote, error) {
	h, err := heat.Heat(heat.ActivityOf(topic, e.clock.Now()))
	if err != nil {
		return heat.Quote{}, err
	}
	return heat.Price(heat.Post{Heat: h, ScoreBps: scoreBps, Length: length, Streak: streak})
}

// Quote prices a post by author without recording anything.
func (e *Engine) Quote(tx *badger.Txn, topicID uint64, author common.Address, length, scoreBps uint32) (heat.Quote, error) {
	var topic types.Topic
	if err := storage.RetrieveTopic(topicID, &topic)(tx); err != nil {
		return heat.Quote{}, fmt.Errorf("could not load topic %d: %w", topicID, err)
	}
	p, err := storage.LoadParticipant(tx, author)
	if err != nil {
		return heat.Quote{}, err
	}
	var prior uint32
	if acct, ok := p.Topics[topicID]; ok {
		prior = heat.NextStreak(acct.LastPostAt, acct.Streak, e.clock.Now())
	}
	return e.price(&topic, length, scoreBps, prior)
}

// Heat returns a topic's current heat.
func (e *Engine) Heat(tx *badger.Txn, topicID uint64) (decimal.Decimal, error) {
	var topic types.Topic
	if err := storage.RetrieveTopic(topicID, &topic)(tx); err != nil {
		return decimal.Zero, fmt.Errorf("could not load topic %d: %w", topicID, err)
	}
	return heat.Heat(heat.ActivityOf(&topic, e.clock.Now()))
}

// TopicMessages lists a topic's messages in creation order.
func TopicMessages(tx *badger.Txn, topicID uint64) ([]*types.Message, error) {
	var ids []uint64
	if err := storage.LookupTopicMessages(topicID, &ids)(tx); err != nil {
		return nil, err
	}
	out := make([]*types.Message, 0, len(ids))
	for _, id := range ids {
		var m types.Message
		if err := storage.RetrieveMessage(id, &m)(tx); err != nil {
			return nil, fmt.Errorf("could not load message %d: %w", id, err)
		}
		out = append(out, &m)
	}
	return out, nil
}
