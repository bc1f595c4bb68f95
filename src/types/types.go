package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TopicStatus advances monotonically: Live -> Closed -> {Minted | Settled}.
type TopicStatus uint8

const (
	TopicLive TopicStatus = iota + 1
	TopicClosed
	TopicMinted
	TopicSettled
)

func (s TopicStatus) String() string {
	switch s {
	case TopicLive:
		return "live"
	case TopicClosed:
		return "closed"
	case TopicMinted:
		return "minted"
	case TopicSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further interaction can happen on the topic.
func (s TopicStatus) Terminal() bool {
	return s == TopicClosed || s == TopicMinted || s == TopicSettled
}

// Reason labels a VP consumption.
type Reason string

const (
	ReasonTopicCreate Reason = "topic_create"
	ReasonPost        Reason = "post"
	ReasonLike        Reason = "like"
)

// Refundable reports whether consumption for this reason is returned when the topic finalizes.
func (r Reason) Refundable() bool {
	return r == ReasonPost || r == ReasonLike
}

// Purpose names a per-participant nonce space.
type Purpose string

const (
	PurposeWithdraw Purpose = "withdraw"
	PurposeMint     Purpose = "mint"
)

// TopicAccount is a participant's position inside one topic.
type TopicAccount struct {
	Collateral *uint256.Int
	VP         uint64 // locked topic VP still available
	Consumed   uint64 // refundable consumption
	LastPostAt int64
	Streak     uint32
	Posts      uint32
}

// Participant is created on first stake and never deleted.
type Participant struct {
	Address common.Address
	Staked  *uint256.Int
	Balance uint64 // settled global VP
	Pending uint64 // global consumption not yet settled
	Topics  map[uint64]*TopicAccount
	Touched []uint64
	Nonces  map[Purpose]uint64
}

func NewParticipant(addr common.Address) *Participant {
	return &Participant{
		Address: addr,
		Staked:  new(uint256.Int),
		Topics:  make(map[uint64]*TopicAccount),
		Nonces:  make(map[Purpose]uint64),
	}
}

// Normalize fills maps and pointers left empty by decoding.
func (p *Participant) Normalize() {
	if p.Staked == nil {
		p.Staked = new(uint256.Int)
	}
	if p.Topics == nil {
		p.Topics = make(map[uint64]*TopicAccount)
	}
	if p.Nonces == nil {
		p.Nonces = make(map[Purpose]uint64)
	}
}

// Available is the global VP that can still be consumed.
func (p *Participant) Available() uint64 {
	if p.Pending >= p.Balance {
		return 0
	}
	return p.Balance - p.Pending
}

// Account returns the participant's account in topicID, creating it when absent.
func (p *Participant) Account(topicID uint64) *TopicAccount {
	acct, ok := p.Topics[topicID]
	if !ok {
		acct = &TopicAccount{Collateral: new(uint256.Int)}
		p.Topics[topicID] = acct
	}
	if acct.Collateral == nil {
		acct.Collateral = new(uint256.Int)
	}
	return acct
}

// Touch appends topicID to the touched set; the set is append-only.
func (p *Participant) Touch(topicID uint64) bool {
	for _, id := range p.Touched {
		if id == topicID {
			return false
		}
	}
	p.Touched = append(p.Touched, topicID)
	return true
}

// Topic is a time-boxed discussion.
type Topic struct {
	ID           uint64
	Creator      common.Address
	MetadataHash common.Hash
	CreatedAt    int64 // unix seconds
	Duration     int64 // seconds
	FreezeWindow int64 // seconds
	CuratedLimit uint32
	Status       TopicStatus
	Minted       bool
	Finalized    bool
	Refunded     bool
	MessageCount uint64
	UniqueUsers  uint64
	LikeCount    uint64
	VPBurned     uint64
	Participants []common.Address
}

func (t *Topic) EndsAt() int64 {
	return t.CreatedAt + t.Duration
}

// Expired is only meaningful while Live; closed topics report false.
func (t *Topic) Expired(now time.Time) bool {
	return t.Status == TopicLive && now.Unix() >= t.EndsAt()
}

// Frozen reports whether curation has stopped changing; closed topics report false.
func (t *Topic) Frozen(now time.Time) bool {
	return t.Status == TopicLive && now.Unix() >= t.EndsAt()-t.FreezeWindow
}

// Elapsed is the topic's age at now, never negative.
func (t *Topic) Elapsed(now time.Time) time.Duration {
	d := now.Unix() - t.CreatedAt
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Second
}

// AddParticipant records addr as having consumed VP in the topic.
func (t *Topic) AddParticipant(addr common.Address) bool {
	for _, a := range t.Participants {
		if a == addr {
			return false
		}
	}
	t.Participants = append(t.Participants, addr)
	return true
}

// Message is immutable except LikeCount.
type Message struct {
	ID          uint64
	TopicID     uint64
	Author      common.Address
	ContentHash common.Hash
	Length      uint32
	Score       uint32 // basis points, 0..10000
	Timestamp   int64
	LikeCount   uint64
	VPCost      uint64
}

// CuratedEntry is membership in a topic's bounded top-K set.
type CuratedEntry struct {
	TopicID   uint64
	MessageID uint64
	LikeCount uint64
	Rank      uint32
	Seq       uint64 // insertion order, breaks ties
}

// UnsettledEntry is one VP consumption awaiting settlement.
type UnsettledEntry struct {
	Seq          uint64
	TopicID      uint64
	User         common.Address
	Amount       uint64
	FromLocked   uint64 // part drawn from locked topic VP, not settled globally
	Reason       Reason
	CreatedAt    int64
	SettlementID uint64
}

// Net is the part of the entry charged against the global balance.
func (e *UnsettledEntry) Net() uint64 {
	return e.Amount - e.FromLocked
}

// Delta is one participant's net balance change in a settlement batch.
type Delta struct {
	User    common.Address
	Amount  int64
	Entries []uint64
}

type SettlementStatus uint8

const (
	SettlementSigned SettlementStatus = iota + 1
	SettlementApplied
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementSigned:
		return "signed"
	case SettlementApplied:
		return "applied"
	default:
		return "unknown"
	}
}

const SettlementTypeBatch = "batch"

// Settlement binds one signature to one nonce.
type Settlement struct {
	ID        uint64
	Nonce     uint64
	Type      string
	Status    SettlementStatus
	Users     []common.Address
	Deltas    []int64
	EntrySeqs []uint64
	Signature []byte
	SignedAt  int64
	AppliedAt int64
}

// MintRecord is written once when a topic is minted.
type MintRecord struct {
	TopicID             uint64
	ContentMetadataHash common.Hash
	CuratedSetHash      common.Hash
	MintedBy            common.Address
	MintedAt            int64
}

// CuratedSet is a topic's rank-ordered curated entries.
type CuratedSet struct {
	TopicID uint64
	Limit   uint32
	NextSeq uint64
	Entries []CuratedEntry
}
