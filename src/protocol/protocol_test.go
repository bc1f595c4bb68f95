package protocol

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/events"
	"github.com/stake-plus/murmur-protocol/src/messages"
	"github.com/stake-plus/murmur-protocol/src/metrics"
	"github.com/stake-plus/murmur-protocol/src/router"
	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/topics"
	"github.com/stake-plus/murmur-protocol/src/types"
)

var (
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	creator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	author  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	fan     = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

type harness struct {
	proto    *Protocol
	clock    *clock.Mock
	oracle   *attest.LocalSigner
	recorder *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	domain := attest.NewDomain(31337, common.HexToAddress("0x4d55"))
	signer, _, err := attest.GenerateLocalSigner(domain)
	require.NoError(t, err)

	rec := &events.Recorder{}
	bus := events.NewBus(zerolog.Nop(), rec)
	p, err := New(db, Config{Owner: owner, Domain: domain, Oracle: signer.Address()}, signer, bus,
		metrics.NewCollector(prometheus.NewRegistry()), clk, zerolog.Nop())
	require.NoError(t, err)
	return &harness{proto: p, clock: clk, oracle: signer, recorder: rec}
}

func (h *harness) stake(t *testing.T, addrs ...common.Address) {
	t.Helper()
	for _, a := range addrs {
		_, err := h.proto.Stake(context.Background(), a, uint256.NewInt(1000))
		require.NoError(t, err)
	}
}

func (h *harness) lock(t *testing.T, topicID uint64, addrs ...common.Address) {
	t.Helper()
	for _, a := range addrs {
		_, err := h.proto.LockForTopic(context.Background(), a, topicID, uint256.NewInt(1000))
		require.NoError(t, err)
	}
}

func (h *harness) topic(t *testing.T, duration int64) *types.Topic {
	t.Helper()
	topic, err := h.proto.CreateTopic(context.Background(), creator, topics.CreateParams{
		MetadataHash: crypto.Keccak256Hash([]byte("topic"), big.NewInt(duration).Bytes()),
		Duration:     duration,
		FreezeWindow: 600,
		CuratedLimit: 50,
	})
	require.NoError(t, err)
	return topic
}

func (h *harness) request(t *testing.T, topicID uint64, from common.Address, body string) messages.PostRequest {
	t.Helper()
	a := attest.ContentAttestation{
		ContentHash: crypto.Keccak256Hash([]byte(body)),
		Length:      uint32(len(body)),
		Score:       5000,
		Timestamp:   h.clock.Now().Unix(),
	}
	sig, err := h.oracle.Sign(context.Background(), a)
	require.NoError(t, err)
	return messages.PostRequest{
		TopicID:     topicID,
		Author:      from,
		ContentHash: a.ContentHash,
		Length:      a.Length,
		ScoreBps:    a.Score,
		Timestamp:   a.Timestamp,
		Signature:   sig,
	}
}

func (h *harness) post(t *testing.T, topicID uint64, from common.Address, body string) *types.Message {
	t.Helper()
	msg, err := h.proto.Post(context.Background(), h.request(t, topicID, from, body))
	require.NoError(t, err)
	return msg
}

func TestStakeCreatePostLike(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	vp, err := h.proto.Stake(ctx, creator, uint256.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, uint64(3162), vp)
	h.stake(t, author, fan)

	cost, err := h.proto.QuoteCreationCost(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), cost)

	topic := h.topic(t, 86400)
	b, err := h.proto.Balance(ctx, creator)
	require.NoError(t, err)
	require.Equal(t, uint64(3162-1000), b.Available)

	next, err := h.proto.QuoteCreationCost(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1100), next)
	h.lock(t, topic.ID, author, fan)

	body := strings.Repeat("m", 50)
	quote, err := h.proto.QuotePost(ctx, topic.ID, author, 50, 5000)
	require.NoError(t, err)
	msg := h.post(t, topic.ID, author, body)
	require.Equal(t, quote.Cost, msg.VPCost)
	require.GreaterOrEqual(t, msg.VPCost, uint64(20))
	require.LessOrEqual(t, msg.VPCost, uint64(30))

	before, err := h.proto.Balance(ctx, fan)
	require.NoError(t, err)
	liked, err := h.proto.Like(ctx, topic.ID, msg.ID, fan)
	require.NoError(t, err)
	require.Equal(t, uint64(1), liked.LikeCount)
	after, err := h.proto.Balance(ctx, fan)
	require.NoError(t, err)
	require.Equal(t, before.Topics[topic.ID].VP-1, after.Topics[topic.ID].VP)
	require.Equal(t, before.Available, after.Available)

	curated, _, err := h.proto.Curated(ctx, topic.ID)
	require.NoError(t, err)
	require.Len(t, curated, 1)
	require.Equal(t, msg.ID, curated[0].MessageID)

	require.Equal(t, []events.Kind{
		events.KindStaked, events.KindStaked, events.KindStaked,
		events.KindTopicCreated, events.KindTopicLocked, events.KindTopicLocked,
		events.KindMessagePosted, events.KindMessageLiked,
	}, h.recorder.Kinds())
}

func TestFourthRapidPostCostsMore(t *testing.T) {
	h := newHarness(t)
	h.stake(t, creator, author)
	topic := h.topic(t, 86400)
	h.lock(t, topic.ID, author)

	var costs []uint64
	for i := 0; i < 4; i++ {
		if i > 0 {
			h.clock.Add(15 * time.Second)
		}
		costs = append(costs, h.post(t, topic.ID, author, strings.Repeat("x", 50)).VPCost)
	}
	for _, c := range costs[:3] {
		require.Greater(t, costs[3], c)
	}

	h.clock.Add(5 * time.Second)
	_, err := h.proto.Post(context.Background(), h.request(t, topic.ID, author, "too soon"))
	require.ErrorIs(t, err, types.ErrRateLimitExceeded)
}

func TestExpiredTopicClosesOnDemand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stake(t, creator, author)
	topic := h.topic(t, 3600)

	h.clock.Add(3600 * time.Second)
	_, err := h.proto.Post(ctx, h.request(t, topic.ID, author, "late"))
	require.ErrorIs(t, err, types.ErrTopicExpired)

	stored, expired, frozen, err := h.proto.TopicState(ctx, topic.ID)
	require.NoError(t, err)
	require.Equal(t, types.TopicClosed, stored.Status)
	require.False(t, expired)
	require.False(t, frozen)
	require.Contains(t, h.recorder.Kinds(), events.KindTopicClosed)

	_, err = h.proto.Post(ctx, h.request(t, topic.ID, author, "later"))
	require.ErrorIs(t, err, types.ErrTopicNotLive)
	_, err = h.proto.CloseTopic(ctx, topic.ID)
	require.ErrorIs(t, err, types.ErrTopicNotLive)
}

func TestRedemptionAfterLastTopicFinalizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stake(t, creator, author)
	short := h.topic(t, 3600)
	long := h.topic(t, 7200)
	h.lock(t, short.ID, author)
	h.lock(t, long.ID, author)
	h.post(t, short.ID, author, "in the short topic")
	h.post(t, long.ID, author, "in the long topic")

	eligible, err := h.proto.RedemptionEligible(ctx, author)
	require.NoError(t, err)
	require.False(t, eligible)

	h.clock.Add(3601 * time.Second)
	_, err = h.proto.SettleTopic(ctx, author, short.ID)
	require.ErrorIs(t, err, types.ErrNotAuthorized)
	settled, err := h.proto.SettleTopic(ctx, owner, short.ID)
	require.NoError(t, err)
	require.Equal(t, types.TopicSettled, settled.Status)

	eligible, err = h.proto.RedemptionEligible(ctx, author)
	require.NoError(t, err)
	require.False(t, eligible)

	h.clock.Add(3600 * time.Second)
	record, err := h.proto.MintFinalize(ctx, long.ID, author)
	require.NoError(t, err)
	require.Equal(t, author, record.MintedBy)
	stored, err := h.proto.Mint(ctx, long.ID)
	require.NoError(t, err)
	require.Equal(t, record, stored)

	eligible, err = h.proto.RedemptionEligible(ctx, author)
	require.NoError(t, err)
	require.True(t, eligible)

	before, err := h.proto.Balance(ctx, author)
	require.NoError(t, err)
	w, sig, err := h.proto.SignWithdraw(ctx, author, 100, uint256.NewInt(500))
	require.NoError(t, err)
	require.NoError(t, h.proto.Redeem(ctx, w, sig))
	after, err := h.proto.Balance(ctx, author)
	require.NoError(t, err)
	require.Equal(t, before.Balance-100, after.Balance)
	require.Equal(t, uint64(500), after.Staked.Uint64())

	require.ErrorIs(t, h.proto.Redeem(ctx, w, sig), types.ErrReplayOrStaleNonce)
}

func TestSettlementNonceAdvancesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stake(t, creator, author)
	topic := h.topic(t, 86400)
	h.lock(t, topic.ID, author)
	h.post(t, topic.ID, author, "settle me")

	signed, err := h.proto.SignBatchSettlement(ctx)
	require.NoError(t, err)
	p := signed.Payload
	_, err = h.proto.ApplySettlement(ctx, p.Users, p.Deltas, p.Nonce, signed.Signature)
	require.NoError(t, err)
	n, err := h.proto.SettlementNonce(ctx)
	require.NoError(t, err)
	require.Equal(t, p.Nonce+1, n)

	_, err = h.proto.ApplySettlement(ctx, p.Users, p.Deltas, p.Nonce, signed.Signature)
	require.ErrorIs(t, err, types.ErrReplayOrStaleNonce)
	n, err = h.proto.SettlementNonce(ctx)
	require.NoError(t, err)
	require.Equal(t, p.Nonce+1, n)

	kinds := h.recorder.Kinds()
	require.Equal(t, events.KindSettlementSigned, kinds[len(kinds)-2])
	require.Equal(t, events.KindSettlementApplied, kinds[len(kinds)-1])
}

func TestSettleAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stake(t, creator, author, fan)
	topic := h.topic(t, 86400)
	h.lock(t, topic.ID, author, fan)
	msg := h.post(t, topic.ID, author, "settle everyone")
	_, err := h.proto.Like(ctx, topic.ID, msg.ID, fan)
	require.NoError(t, err)

	users, err := h.proto.UnsettledUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)

	settled, err := h.proto.SettleAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, settled)

	users, err = h.proto.UnsettledUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, users)
	n, err := h.proto.SettlementNonce(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	settled, err = h.proto.SettleAll(ctx)
	require.NoError(t, err)
	require.Zero(t, settled)
}

func parseABI(t *testing.T, definition string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(definition))
	require.NoError(t, err)
	return parsed
}

func dispatch(t *testing.T, p *Protocol, from common.Address, value uint64, def abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	t.Helper()
	input, err := def.Pack(method, args...)
	require.NoError(t, err)
	out, err := p.Dispatch(context.Background(), router.Call{Caller: from, Value: uint256.NewInt(value), Input: input})
	if err != nil {
		return nil, err
	}
	return def.Unpack(method, out)
}

func TestRoutedCalls(t *testing.T) {
	h := newHarness(t)
	ledgerDef := parseABI(t, ledgerABI)
	topicsDef := parseABI(t, topicsABI)
	curationDef := parseABI(t, curationABI)
	adminDef := parseABI(t, adminABI)

	out, err := dispatch(t, h.proto, creator, 1000, ledgerDef, "stake")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(3162), out[0])

	_, err = dispatch(t, h.proto, creator, 0, ledgerDef, "stake")
	require.ErrorIs(t, err, types.ErrValidation)

	out, err = dispatch(t, h.proto, creator, 0, topicsDef, "quoteCreationCost")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), out[0])

	out, err = dispatch(t, h.proto, creator, 0, topicsDef, "createTopic",
		[32]byte(common.HexToHash("0x01")), uint64(86400), uint64(600), uint32(50))
	require.NoError(t, err)
	topicID := out[0].(*big.Int)

	out, err = dispatch(t, h.proto, creator, 0, topicsDef, "topicStatus", topicID)
	require.NoError(t, err)
	require.Equal(t, uint8(types.TopicLive), out[0])
	require.Equal(t, false, out[1])

	out, err = dispatch(t, h.proto, author, 16, ledgerDef, "lockForTopic", topicID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(400), out[0])

	out, err = dispatch(t, h.proto, creator, 0, ledgerDef, "balanceOf", creator)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(3162), out[0])
	require.Equal(t, big.NewInt(1000), out[1])
	require.Equal(t, big.NewInt(2162), out[2])

	out, err = dispatch(t, h.proto, creator, 0, curationDef, "curatedMessages", topicID)
	require.NoError(t, err)
	require.Empty(t, out[0])

	_, err = dispatch(t, h.proto, creator, 0, adminDef, "addAdmin", author)
	require.ErrorIs(t, err, types.ErrNotAuthorized)
	_, err = dispatch(t, h.proto, owner, 0, adminDef, "addAdmin", author)
	require.NoError(t, err)
	out, err = dispatch(t, h.proto, creator, 0, adminDef, "isAdmin", author)
	require.NoError(t, err)
	require.Equal(t, true, out[0])

	_, err = h.proto.Dispatch(context.Background(), router.Call{Input: []byte{1, 2, 3, 4}})
	require.ErrorIs(t, err, types.ErrUnknownSelector)

	// truncated arguments never reach the handler
	input, err := topicsDef.Pack("closeTopic", topicID)
	require.NoError(t, err)
	_, err = h.proto.Dispatch(context.Background(), router.Call{Input: input[:10]})
	require.ErrorIs(t, err, types.ErrValidation)
}

func TestRouteReplacement(t *testing.T) {
	h := newHarness(t)
	sel := router.SelectorOf("quoteCreationCost()")
	stub := router.HandlerFunc(func(context.Context, router.Call) ([]byte, error) {
		return common.LeftPadBytes(big.NewInt(7).Bytes(), 32), nil
	})
	require.ErrorIs(t, h.proto.Router().SetRoute(creator, sel, stub), types.ErrNotAuthorized)
	require.NoError(t, h.proto.Router().SetRoute(owner, sel, stub))

	out, err := dispatch(t, h.proto, creator, 0, parseABI(t, topicsABI), "quoteCreationCost")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(7), out[0])
}
