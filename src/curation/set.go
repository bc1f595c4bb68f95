package curation

import (
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stake-plus/murmur-protocol/src/types"
)

func newSet(topic *types.Topic) *types.CuratedSet {
	return &types.CuratedSet{TopicID: topic.ID, Limit: topic.CuratedLimit}
}

// apply offers one like-count observation to set and reports whether the set
// changed. A message already in the set keeps the entry it was admitted
// with; a new one joins while there is room, or replaces the last entry when
// its count is strictly higher.
func apply(set *types.CuratedSet, messageID, likeCount uint64) bool {
	if likeCount == 0 {
		return false
	}
	for i := range set.Entries {
		if set.Entries[i].MessageID == messageID {
			return false
		}
	}

	entry := types.CuratedEntry{
		TopicID:   set.TopicID,
		MessageID: messageID,
		LikeCount: likeCount,
		Seq:       set.NextSeq,
	}
	switch {
	case uint32(len(set.Entries)) < set.Limit:
		set.Entries = append(set.Entries, entry)
	case len(set.Entries) > 0 && likeCount > set.Entries[len(set.Entries)-1].LikeCount:
		set.Entries[len(set.Entries)-1] = entry
	default:
		return false
	}
	set.NextSeq++
	rerank(set)
	return true
}

// rerank orders entries by like count, highest first, ties by insertion, and
// renumbers ranks from 1.
func rerank(set *types.CuratedSet) {
	sort.SliceStable(set.Entries, func(i, j int) bool {
		a, b := set.Entries[i], set.Entries[j]
		if a.LikeCount != b.LikeCount {
			return a.LikeCount > b.LikeCount
		}
		return a.Seq < b.Seq
	})
	for i := range set.Entries {
		set.Entries[i].Rank = uint32(i + 1)
	}
}

// SetHash is keccak256 over the big-endian 8-byte message ids in rank order.
func SetHash(entries []types.CuratedEntry) common.Hash {
	buf := make([]byte, 8*len(entries))
	for i, e := range entries {
		binary.BigEndian.PutUint64(buf[8*i:], e.MessageID)
	}
	return crypto.Keccak256Hash(buf)
}
