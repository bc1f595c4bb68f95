package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/stake-plus/murmur-protocol/src/types"
)

// Counter names.
const (
	CounterTopicID         = "topic_id"
	CounterMessageID       = "message_id"
	CounterEntrySeq        = "entry_seq"
	CounterSettlementID    = "settlement_id"
	CounterSettlementNonce = "settlement_nonce"
	CounterActiveTopics    = "active_topics"
)

func UpsertParticipant(p *types.Participant) func(*badger.Txn) error {
	return upsert(makePrefix(codeParticipant, p.Address), p)
}

// RetrieveParticipant loads a participant; types.ErrNotFound when it never staked.
func RetrieveParticipant(addr common.Address, p *types.Participant) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		if err := retrieve(makePrefix(codeParticipant, addr), p)(tx); err != nil {
			return err
		}
		p.Normalize()
		return nil
	}
}

// LoadParticipant returns the stored participant or a fresh, unsaved one.
func LoadParticipant(tx *badger.Txn, addr common.Address) (*types.Participant, error) {
	var p types.Participant
	err := RetrieveParticipant(addr, &p)(tx)
	if errors.Is(err, types.ErrNotFound) {
		return types.NewParticipant(addr), nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not load participant %s: %w", addr.Hex(), err)
	}
	return &p, nil
}

func UpsertTopic(t *types.Topic) func(*badger.Txn) error {
	return upsert(makePrefix(codeTopic, t.ID), t)
}

func RetrieveTopic(id uint64, t *types.Topic) func(*badger.Txn) error {
	return retrieve(makePrefix(codeTopic, id), t)
}

func InsertMessage(m *types.Message) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		if err := insert(makePrefix(codeMessage, m.ID), m)(tx); err != nil {
			return err
		}
		return insert(makePrefix(codeTopicMessage, m.TopicID, m.ID), m.ID)(tx)
	}
}

func UpdateMessage(m *types.Message) func(*badger.Txn) error {
	return upsert(makePrefix(codeMessage, m.ID), m)
}

func RetrieveMessage(id uint64, m *types.Message) func(*badger.Txn) error {
	return retrieve(makePrefix(codeMessage, id), m)
}

// LookupTopicMessages collects a topic's message ids in creation order.
func LookupTopicMessages(topicID uint64, ids *[]uint64) func(*badger.Txn) error {
	*ids = (*ids)[:0]
	var id uint64
	return iterate(makePrefix(codeTopicMessage, topicID), func() interface{} {
		return &id
	}, func([]byte) error {
		*ids = append(*ids, id)
		return nil
	})
}

// InsertLike records liker on messageID; ErrAlreadyExists on a repeated like.
func InsertLike(messageID uint64, liker common.Address) func(*badger.Txn) error {
	return insert(makePrefix(codeLike, messageID, liker), true)
}

// HasLiked reports whether liker already liked messageID.
func HasLiked(messageID uint64, liker common.Address, found *bool) func(*badger.Txn) error {
	return exists(makePrefix(codeLike, messageID, liker), found)
}

func UpsertCuratedSet(s *types.CuratedSet) func(*badger.Txn) error {
	return upsert(makePrefix(codeCurated, s.TopicID), s)
}

func RetrieveCuratedSet(topicID uint64, s *types.CuratedSet) func(*badger.Txn) error {
	return retrieve(makePrefix(codeCurated, topicID), s)
}

func InsertMint(r *types.MintRecord) func(*badger.Txn) error {
	return insert(makePrefix(codeMint, r.TopicID), r)
}

func RetrieveMint(topicID uint64, r *types.MintRecord) func(*badger.Txn) error {
	return retrieve(makePrefix(codeMint, topicID), r)
}

func InsertUnsettled(e *types.UnsettledEntry) func(*badger.Txn) error {
	return insert(makePrefix(codeUnsettled, e.Seq), e)
}

// IterateUnsettled visits unsettled entries in sequence order.
func IterateUnsettled(handle func(*types.UnsettledEntry) error) func(*badger.Txn) error {
	var entry types.UnsettledEntry
	return iterate(makePrefix(codeUnsettled), func() interface{} {
		entry = types.UnsettledEntry{}
		return &entry
	}, func([]byte) error {
		e := entry
		return handle(&e)
	})
}

// SettleEntry moves an unsettled entry to the settled index under settlementID.
func SettleEntry(seq, settlementID uint64, settled *types.UnsettledEntry) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		key := makePrefix(codeUnsettled, seq)
		if err := retrieve(key, settled)(tx); err != nil {
			return fmt.Errorf("could not load unsettled entry %d: %w", seq, err)
		}
		settled.SettlementID = settlementID
		if err := remove(key)(tx); err != nil {
			return err
		}
		return insert(makePrefix(codeSettledEntry, seq), settled)(tx)
	}
}

func RetrieveSettledEntry(seq uint64, e *types.UnsettledEntry) func(*badger.Txn) error {
	return retrieve(makePrefix(codeSettledEntry, seq), e)
}

// UpsertSettlement stores the settlement and points its nonce at it.
func UpsertSettlement(s *types.Settlement) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		if err := upsert(makePrefix(codeSettlement, s.ID), s)(tx); err != nil {
			return err
		}
		return upsert(makePrefix(codeSettlementNonce, s.Nonce), s.ID)(tx)
	}
}

func RetrieveSettlement(id uint64, s *types.Settlement) func(*badger.Txn) error {
	return retrieve(makePrefix(codeSettlement, id), s)
}

// LookupSettlementByNonce resolves the latest settlement signed for nonce.
func LookupSettlementByNonce(nonce uint64, s *types.Settlement) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		var id uint64
		if err := retrieve(makePrefix(codeSettlementNonce, nonce), &id)(tx); err != nil {
			return err
		}
		return RetrieveSettlement(id, s)(tx)
	}
}

// ReadCounter loads a named counter, zero when it was never written.
func ReadCounter(name string, v *uint64) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		err := retrieve(makePrefix(codeCounter, name), v)(tx)
		if errors.Is(err, types.ErrNotFound) {
			*v = 0
			return nil
		}
		return err
	}
}

func WriteCounter(name string, v uint64) func(*badger.Txn) error {
	return upsert(makePrefix(codeCounter, name), v)
}

// NextSequence increments a named counter and returns the new value; the first value is 1.
func NextSequence(name string, next *uint64) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		var cur uint64
		if err := ReadCounter(name, &cur)(tx); err != nil {
			return err
		}
		cur++
		if err := WriteCounter(name, cur)(tx); err != nil {
			return err
		}
		*next = cur
		return nil
	}
}

// AdjustCounter adds delta to a named counter, flooring at zero.
func AdjustCounter(name string, delta int64) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		var cur uint64
		if err := ReadCounter(name, &cur)(tx); err != nil {
			return err
		}
		switch {
		case delta >= 0:
			cur += uint64(delta)
		case uint64(-delta) > cur:
			cur = 0
		default:
			cur -= uint64(-delta)
		}
		return WriteCounter(name, cur)(tx)
	}
}
