package curation

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/types"
)

func ids(entries []types.CuratedEntry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.MessageID
	}
	return out
}

func TestApplyOrdering(t *testing.T) {
	set := &types.CuratedSet{TopicID: 1, Limit: 3}
	require.True(t, apply(set, 10, 1))
	require.True(t, apply(set, 11, 1))
	require.True(t, apply(set, 12, 2))
	require.Equal(t, []uint64{12, 10, 11}, ids(set.Entries))

	// full: an equal count does not evict, a higher one replaces the last entry
	require.False(t, apply(set, 13, 1))
	require.True(t, apply(set, 13, 3))
	require.Equal(t, []uint64{13, 12, 10}, ids(set.Entries))

	for i, e := range set.Entries {
		require.Equal(t, uint32(i+1), e.Rank)
	}

	require.False(t, apply(set, 14, 0))
}

func TestApplyIgnoresListedMessage(t *testing.T) {
	set := &types.CuratedSet{TopicID: 1, Limit: 10}
	require.True(t, apply(set, 1, 1))
	require.True(t, apply(set, 2, 1))
	before := append([]types.CuratedEntry(nil), set.Entries...)

	require.False(t, apply(set, 2, 5))
	require.Equal(t, []uint64{1, 2}, ids(set.Entries))
	require.Equal(t, before, set.Entries)
	require.Equal(t, SetHash(before), SetHash(set.Entries))
}

func TestApplyInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.Uint32Range(10, 100).Draw(t, "limit")
		set := &types.CuratedSet{TopicID: 1, Limit: limit}
		counts := make(map[uint64]uint64)
		admitted := make(map[uint64]uint64)

		steps := rapid.IntRange(1, 400).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.Uint64Range(1, 150).Draw(t, "message")
			counts[id]++
			if apply(set, id, counts[id]) {
				admitted[id] = counts[id]
			}
		}

		if uint32(len(set.Entries)) > limit {
			t.Fatalf("%d entries over limit %d", len(set.Entries), limit)
		}
		seen := make(map[uint64]bool)
		for i, e := range set.Entries {
			if seen[e.MessageID] {
				t.Fatalf("message %d listed twice", e.MessageID)
			}
			seen[e.MessageID] = true
			if e.Rank != uint32(i+1) {
				t.Fatalf("entry %d has rank %d", i, e.Rank)
			}
			if e.LikeCount != admitted[e.MessageID] {
				t.Fatalf("message %d count %d, admitted with %d", e.MessageID, e.LikeCount, admitted[e.MessageID])
			}
			if i == 0 {
				continue
			}
			prev := set.Entries[i-1]
			if prev.LikeCount < e.LikeCount || (prev.LikeCount == e.LikeCount && prev.Seq > e.Seq) {
				t.Fatalf("entries %d and %d out of order", i-1, i)
			}
		}
	})
}

func TestSetHash(t *testing.T) {
	entries := []types.CuratedEntry{{MessageID: 7}, {MessageID: 3}}
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf, 7)
	binary.BigEndian.PutUint64(buf[8:], 3)
	require.Equal(t, crypto.Keccak256Hash(buf), SetHash(entries))
	require.NotEqual(t, SetHash(entries), SetHash([]types.CuratedEntry{{MessageID: 3}, {MessageID: 7}}))
	require.Equal(t, crypto.Keccak256Hash(nil), SetHash(nil))
}

func TestEngineFreezes(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	engine := NewEngine(clk, zerolog.Nop())

	topic := &types.Topic{
		ID:           1,
		CreatedAt:    clk.Now().Unix(),
		Duration:     86400,
		FreezeWindow: 600,
		CuratedLimit: 10,
		Status:       types.TopicLive,
	}
	update := func(id, count uint64) bool {
		var changed bool
		require.NoError(t, db.Update(func(tx *badger.Txn) error {
			var err error
			changed, err = engine.Update(tx, topic, id, count)
			return err
		}))
		return changed
	}
	list := func() []types.CuratedEntry {
		var out []types.CuratedEntry
		require.NoError(t, db.View(func(tx *badger.Txn) error {
			var err error
			out, err = Messages(tx, topic)
			return err
		}))
		return out
	}

	require.True(t, update(1, 1))
	require.True(t, update(2, 2))
	before := list()
	require.Equal(t, []uint64{2, 1}, ids(before))

	clk.Add(86400*time.Second - 600*time.Second)
	require.False(t, update(1, 5))
	require.False(t, update(3, 9))
	require.Equal(t, before, list())

	var h1, h2 [32]byte
	require.NoError(t, db.View(func(tx *badger.Txn) error {
		var err error
		h1, err = Hash(tx, topic)
		return err
	}))
	require.NoError(t, db.Update(func(tx *badger.Txn) error {
		if err := engine.Finalize(tx, topic); err != nil {
			return err
		}
		return engine.Finalize(tx, topic)
	}))
	require.True(t, topic.Finalized)
	require.NoError(t, db.View(func(tx *badger.Txn) error {
		var err error
		h2, err = Hash(tx, topic)
		return err
	}))
	require.Equal(t, h1, h2)
}
