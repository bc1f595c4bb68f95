package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/curation"
	"github.com/stake-plus/murmur-protocol/src/ledger"
	"github.com/stake-plus/murmur-protocol/src/messages"
	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/topics"
	"github.com/stake-plus/murmur-protocol/src/types"
)

var (
	creator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	author  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	fan     = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

type fixture struct {
	db       *storage.DB
	clock    *clock.Mock
	ledger   *ledger.Ledger
	topics   *topics.Manager
	messages *messages.Engine
	coord    *Coordinator
	minter   *Minter
	signer   *attest.LocalSigner
	topicID  uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	log := zerolog.Nop()
	domain := attest.NewDomain(31337, common.HexToAddress("0xbeef"))
	signer, _, err := attest.GenerateLocalSigner(domain)
	require.NoError(t, err)
	verifier := attest.NewVerifier(domain, clk, 0, 0)

	l := ledger.New(clk, log)
	tm := topics.NewManager(l, clk, log)
	cur := curation.NewEngine(clk, log)
	coord := NewCoordinator(db, l, verifier, signer, signer.Address(), clk, log)
	f := &fixture{
		db:       db,
		clock:    clk,
		ledger:   l,
		topics:   tm,
		messages: messages.NewEngine(tm, l, cur, verifier, signer.Address(), clk, log),
		coord:    coord,
		minter:   NewMinter(coord, tm, cur),
		signer:   signer,
	}
	require.NoError(t, db.Update(func(tx *badger.Txn) error {
		for _, addr := range []common.Address{creator, author, fan} {
			if _, err := l.Stake(tx, addr, uint256.NewInt(1000)); err != nil {
				return err
			}
		}
		topic, err := tm.Create(tx, creator, topics.CreateParams{
			MetadataHash: common.HexToHash("0x01"),
			Duration:     86400,
			FreezeWindow: 600,
			CuratedLimit: 10,
		})
		if err != nil {
			return err
		}
		f.topicID = topic.ID
		for _, addr := range []common.Address{author, fan} {
			if _, err := l.LockForTopic(tx, addr, topic, uint256.NewInt(1000)); err != nil {
				return err
			}
		}
		return nil
	}))
	return f
}

func (f *fixture) post(t *testing.T, from common.Address, body string) *types.Message {
	t.Helper()
	a := attest.ContentAttestation{
		ContentHash: crypto.Keccak256Hash([]byte(body)),
		Length:      uint32(len(body)),
		Score:       5000,
		Timestamp:   f.clock.Now().Unix(),
	}
	sig, err := f.signer.Sign(context.Background(), a)
	require.NoError(t, err)
	var msg *types.Message
	require.NoError(t, f.db.Update(func(tx *badger.Txn) error {
		var err error
		msg, err = f.messages.Post(tx, messages.PostRequest{
			TopicID:     f.topicID,
			Author:      from,
			ContentHash: a.ContentHash,
			Length:      a.Length,
			ScoreBps:    a.Score,
			Timestamp:   a.Timestamp,
			Signature:   sig,
		})
		return err
	}))
	return msg
}

func (f *fixture) balance(t *testing.T, addr common.Address) *ledger.Balance {
	t.Helper()
	var b *ledger.Balance
	require.NoError(t, f.db.View(func(tx *badger.Txn) error {
		var err error
		b, err = ledger.ReadBalance(tx, addr)
		return err
	}))
	return b
}

func (f *fixture) apply(s *Signed) error {
	return f.db.Update(func(tx *badger.Txn) error {
		_, err := f.coord.ApplySettlement(tx, s.Payload.Users, s.Payload.Deltas, s.Payload.Nonce, s.Signature)
		return err
	})
}

func (f *fixture) nonce(t *testing.T) uint64 {
	t.Helper()
	var n uint64
	require.NoError(t, f.db.View(func(tx *badger.Txn) error {
		var err error
		n, err = Nonce(tx)
		return err
	}))
	return n
}

func TestSignAndApplyBatch(t *testing.T) {
	f := newFixture(t)
	msg := f.post(t, author, "hello world")
	require.NoError(t, f.db.Update(func(tx *badger.Txn) error {
		_, err := f.messages.Like(tx, f.topicID, msg.ID, fan)
		return err
	}))
	before := f.balance(t, author)
	owner := f.balance(t, creator)

	signed, err := f.coord.SignBatchSettlement(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), signed.Payload.Nonce)
	require.Equal(t, []common.Address{author, creator, fan}, signed.Payload.Users)
	// posts and likes were paid from topic VP; only the creation fee is global
	require.Equal(t, []int64{0, -1000, 0}, signed.Payload.Deltas)

	require.NoError(t, f.apply(signed))
	require.Equal(t, uint64(1), f.nonce(t))

	after := f.balance(t, author)
	require.Equal(t, before, after)

	settled := f.balance(t, creator)
	require.Zero(t, settled.Pending)
	require.Equal(t, owner.Available, settled.Available)
	require.Equal(t, owner.Balance-1000, settled.Balance)

	var record types.Settlement
	require.NoError(t, f.db.View(storage.LookupSettlementByNonce(0, &record)))
	require.Equal(t, types.SettlementApplied, record.Status)
	require.Equal(t, signed.SettlementID, record.ID)

	var remaining int
	require.NoError(t, f.db.View(storage.IterateUnsettled(func(*types.UnsettledEntry) error {
		remaining++
		return nil
	})))
	require.Zero(t, remaining)

	// replaying the consumed signature fails and changes nothing
	require.ErrorIs(t, f.apply(signed), types.ErrReplayOrStaleNonce)
	require.Equal(t, uint64(1), f.nonce(t))
	require.Equal(t, after, f.balance(t, author))
}

func TestStaleSignatureRejected(t *testing.T) {
	f := newFixture(t)
	f.post(t, author, "hello")

	first, err := f.coord.SignBatchSettlement(context.Background())
	require.NoError(t, err)
	second, err := f.coord.SignSettlementFor(context.Background(), []common.Address{creator})
	require.NoError(t, err)
	require.Equal(t, first.Payload.Nonce, second.Payload.Nonce)

	require.NoError(t, f.apply(second))
	require.ErrorIs(t, f.apply(first), types.ErrReplayOrStaleNonce)
	require.Equal(t, uint64(1), f.nonce(t))

	// a fresh signature over the remaining backlog goes through
	next, err := f.coord.SignBatchSettlement(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), next.Payload.Nonce)
	require.Equal(t, []common.Address{author}, next.Payload.Users)
	require.NoError(t, f.apply(next))
}

func TestApplyRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	signed, err := f.coord.SignBatchSettlement(context.Background())
	require.NoError(t, err)

	signed.Payload.Deltas[0] = -1
	require.ErrorIs(t, f.apply(signed), types.ErrInvalidAttestation)

	domain := attest.NewDomain(31337, common.HexToAddress("0xbeef"))
	rogue, _, err := attest.GenerateLocalSigner(domain)
	require.NoError(t, err)
	forged := attest.Settlement{Users: []common.Address{fan}, Deltas: []int64{1_000_000}, Nonce: 0}
	sig, err := rogue.Sign(context.Background(), forged)
	require.NoError(t, err)
	require.ErrorIs(t, f.apply(&Signed{Payload: forged, Signature: sig}), types.ErrInvalidAttestation)
	require.Zero(t, f.nonce(t))
}

func TestApplyIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	payload := attest.Settlement{
		Users:  []common.Address{author, fan},
		Deltas: []int64{50, -1_000_000},
		Nonce:  0,
	}
	sig, err := f.signer.Sign(context.Background(), payload)
	require.NoError(t, err)
	before := f.balance(t, author)

	require.ErrorIs(t, f.apply(&Signed{Payload: payload, Signature: sig}), types.ErrInsufficientVP)
	require.Zero(t, f.nonce(t))
	require.Equal(t, before, f.balance(t, author))
}

func TestBatchTooLarge(t *testing.T) {
	f := newFixture(t)
	users := make([]common.Address, MaxBatchUsers+1)
	for i := range users {
		users[i] = common.BigToAddress(big.NewInt(int64(i + 1)))
	}
	_, err := f.coord.SignSettlementFor(context.Background(), users)
	require.ErrorIs(t, err, types.ErrBatchTooLarge)

	deltas := make([]int64, len(users))
	err = f.db.Update(func(tx *badger.Txn) error {
		_, err := f.coord.ApplySettlement(tx, users, deltas, 0, nil)
		return err
	})
	require.ErrorIs(t, err, types.ErrBatchTooLarge)
}

func TestMintFinalize(t *testing.T) {
	f := newFixture(t)
	first := f.post(t, author, "first")
	second := f.post(t, fan, "second")
	require.NoError(t, f.db.Update(func(tx *badger.Txn) error {
		if _, err := f.messages.Like(tx, f.topicID, second.ID, author); err != nil {
			return err
		}
		_, err := f.messages.Like(tx, f.topicID, first.ID, fan)
		return err
	}))
	before := f.balance(t, author)

	mint := func(who common.Address) (*types.MintRecord, error) {
		var r *types.MintRecord
		err := f.db.Update(func(tx *badger.Txn) error {
			var err error
			r, err = f.minter.MintFinalize(tx, f.topicID, who)
			return err
		})
		return r, err
	}

	_, err := mint(author)
	require.ErrorIs(t, err, types.ErrTopicNotLive)

	f.clock.Add(25 * time.Hour)
	_, err = mint(creator)
	require.ErrorIs(t, err, types.ErrNotAuthorized)

	record, err := mint(author)
	require.NoError(t, err)
	require.Equal(t, author, record.MintedBy)
	require.Equal(t, common.HexToHash("0x01"), record.ContentMetadataHash)
	require.Equal(t, curation.SetHash([]types.CuratedEntry{{MessageID: second.ID}, {MessageID: first.ID}}), record.CuratedSetHash)

	after := f.balance(t, author)
	require.Equal(t, before.Balance+first.VPCost+1, after.Balance)

	_, err = mint(author)
	require.ErrorIs(t, err, types.ErrAlreadyMinted)

	require.NoError(t, f.db.View(func(tx *badger.Txn) error {
		stored, err := Mint(tx, f.topicID)
		require.NoError(t, err)
		require.Equal(t, record, stored)
		eligible, err := ledger.RedemptionEligible(tx, author)
		require.NoError(t, err)
		require.True(t, eligible)
		return nil
	}))
}

func TestMintFinalizeAttested(t *testing.T) {
	f := newFixture(t)
	f.post(t, author, "only post")
	f.clock.Add(25 * time.Hour)

	att, sig, err := f.minter.SignMintAttestation(context.Background(), f.topicID, author)
	require.NoError(t, err)
	require.Zero(t, att.Nonce)

	finalize := func() error {
		return f.db.Update(func(tx *badger.Txn) error {
			_, err := f.minter.MintFinalizeAttested(tx, att, sig)
			return err
		})
	}
	require.NoError(t, finalize())
	require.ErrorIs(t, finalize(), types.ErrReplayOrStaleNonce)

	var p types.Participant
	require.NoError(t, f.db.View(storage.RetrieveParticipant(author, &p)))
	require.Equal(t, uint64(1), p.Nonces[types.PurposeMint])
}
