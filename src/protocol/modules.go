package protocol

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/messages"
	"github.com/stake-plus/murmur-protocol/src/router"
	"github.com/stake-plus/murmur-protocol/src/topics"
	"github.com/stake-plus/murmur-protocol/src/types"
)

const ledgerABI = `[
	{"type":"function","name":"stake","stateMutability":"payable","inputs":[],"outputs":[{"name":"vp","type":"uint256"}]},
	{"type":"function","name":"withdrawStake","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"lockForTopic","stateMutability":"payable","inputs":[{"name":"topicId","type":"uint256"}],"outputs":[{"name":"vp","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"balance","type":"uint256"},{"name":"pending","type":"uint256"},{"name":"available","type":"uint256"}]},
	{"type":"function","name":"redemptionEligible","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"redeem","inputs":[{"name":"vpBurnAmount","type":"uint256"},{"name":"collateralReturn","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]}
]`

const topicsABI = `[
	{"type":"function","name":"createTopic","inputs":[{"name":"metadataHash","type":"bytes32"},{"name":"duration","type":"uint64"},{"name":"freezeWindow","type":"uint64"},{"name":"curatedLimit","type":"uint32"}],"outputs":[{"name":"topicId","type":"uint256"}]},
	{"type":"function","name":"quoteCreationCost","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"closeTopic","inputs":[{"name":"topicId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"settleTopic","inputs":[{"name":"topicId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"topicStatus","stateMutability":"view","inputs":[{"name":"topicId","type":"uint256"}],"outputs":[{"name":"status","type":"uint8"},{"name":"expired","type":"bool"},{"name":"frozen","type":"bool"}]}
]`

const messagesABI = `[
	{"type":"function","name":"post","inputs":[{"name":"topicId","type":"uint256"},{"name":"contentHash","type":"bytes32"},{"name":"length","type":"uint32"},{"name":"score","type":"uint32"},{"name":"timestamp","type":"uint64"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"messageId","type":"uint256"},{"name":"cost","type":"uint256"}]},
	{"type":"function","name":"like","inputs":[{"name":"topicId","type":"uint256"},{"name":"messageId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"quotePost","stateMutability":"view","inputs":[{"name":"topicId","type":"uint256"},{"name":"length","type":"uint32"},{"name":"score","type":"uint32"}],"outputs":[{"name":"cost","type":"uint256"}]}
]`

const curationABI = `[
	{"type":"function","name":"curatedMessages","stateMutability":"view","inputs":[{"name":"topicId","type":"uint256"}],"outputs":[{"name":"messageIds","type":"uint256[]"}]},
	{"type":"function","name":"curatedSetHash","stateMutability":"view","inputs":[{"name":"topicId","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]}
]`

const settlementABI = `[
	{"type":"function","name":"applySettlement","inputs":[{"name":"users","type":"address[]"},{"name":"deltas","type":"int256[]"},{"name":"nonce","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"settlementNonce","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"mintFinalize","inputs":[{"name":"topicId","type":"uint256"}],"outputs":[{"name":"curatedSetHash","type":"bytes32"}]},
	{"type":"function","name":"mintFinalizeAttested","inputs":[{"name":"topicId","type":"uint256"},{"name":"contentHash","type":"bytes32"},{"name":"nonce","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"curatedSetHash","type":"bytes32"}]}
]`

const adminABI = `[
	{"type":"function","name":"addAdmin","inputs":[{"name":"admin","type":"address"}],"outputs":[]},
	{"type":"function","name":"removeAdmin","inputs":[{"name":"admin","type":"address"}],"outputs":[]},
	{"type":"function","name":"isAdmin","stateMutability":"view","inputs":[{"name":"addr","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

// methodFunc handles one decoded call and returns the values to encode.
type methodFunc func(ctx context.Context, call router.Call, args []interface{}) ([]interface{}, error)

// abiModule mounts the methods of one ABI, decoding arguments and encoding
// results around each handler.
type abiModule struct {
	name    string
	abi     abi.ABI
	methods map[string]methodFunc
}

func newABIModule(name, definition string, methods map[string]methodFunc) (*abiModule, error) {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		return nil, fmt.Errorf("parse %s abi: %w", name, err)
	}
	for method := range methods {
		if _, ok := parsed.Methods[method]; !ok {
			return nil, fmt.Errorf("%s abi has no method %s", name, method)
		}
	}
	return &abiModule{name: name, abi: parsed, methods: methods}, nil
}

func (m *abiModule) Name() string { return m.name }

func (m *abiModule) Routes() []router.Route {
	routes := make([]router.Route, 0, len(m.methods))
	for name, fn := range m.methods {
		method := m.abi.Methods[name]
		routes = append(routes, router.Route{Signature: method.Sig, Handler: handler(method, fn)})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Signature < routes[j].Signature })
	return routes
}

func handler(method abi.Method, fn methodFunc) router.HandlerFunc {
	return func(ctx context.Context, call router.Call) ([]byte, error) {
		args, err := method.Inputs.Unpack(call.Args())
		if err != nil {
			return nil, types.Invalid("decode %s arguments: %v", method.Name, err)
		}
		out, err := fn(ctx, call, args)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(out...)
	}
}

func (p *Protocol) modules() ([]router.Module, error) {
	defs := []struct {
		name    string
		abi     string
		methods map[string]methodFunc
	}{
		{"vp-ledger", ledgerABI, map[string]methodFunc{
			"stake":              p.callStake,
			"withdrawStake":      p.callWithdrawStake,
			"lockForTopic":       p.callLockForTopic,
			"balanceOf":          p.callBalanceOf,
			"redemptionEligible": p.callRedemptionEligible,
			"redeem":             p.callRedeem,
		}},
		{"topics", topicsABI, map[string]methodFunc{
			"createTopic":       p.callCreateTopic,
			"quoteCreationCost": p.callQuoteCreationCost,
			"closeTopic":        p.callCloseTopic,
			"settleTopic":       p.callSettleTopic,
			"topicStatus":       p.callTopicStatus,
		}},
		{"messages", messagesABI, map[string]methodFunc{
			"post":      p.callPost,
			"like":      p.callLike,
			"quotePost": p.callQuotePost,
		}},
		{"curation", curationABI, map[string]methodFunc{
			"curatedMessages": p.callCuratedMessages,
			"curatedSetHash":  p.callCuratedSetHash,
		}},
		{"settlement", settlementABI, map[string]methodFunc{
			"applySettlement":      p.callApplySettlement,
			"settlementNonce":      p.callSettlementNonce,
			"mintFinalize":         p.callMintFinalize,
			"mintFinalizeAttested": p.callMintFinalizeAttested,
		}},
		{"admin", adminABI, map[string]methodFunc{
			"addAdmin":    p.callAddAdmin,
			"removeAdmin": p.callRemoveAdmin,
			"isAdmin":     p.callIsAdmin,
		}},
	}
	out := make([]router.Module, 0, len(defs))
	for _, d := range defs {
		m, err := newABIModule(d.name, d.abi, d.methods)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func u64(v interface{}) (uint64, error) {
	n, ok := v.(*big.Int)
	if !ok || n.Sign() < 0 || !n.IsUint64() {
		return 0, types.Invalid("argument %v is not a uint64", v)
	}
	return n.Uint64(), nil
}

func u256(v interface{}) (*uint256.Int, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return nil, types.Invalid("argument %v is not a uint256", v)
	}
	out, overflow := uint256.FromBig(n)
	if overflow {
		return nil, types.Invalid("argument %v overflows uint256", v)
	}
	return out, nil
}

func big64(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

func (p *Protocol) callStake(ctx context.Context, call router.Call, _ []interface{}) ([]interface{}, error) {
	vp, err := p.Stake(ctx, call.Caller, call.Value)
	if err != nil {
		return nil, err
	}
	return []interface{}{big64(vp)}, nil
}

func (p *Protocol) callWithdrawStake(ctx context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	amount, err := u256(args[0])
	if err != nil {
		return nil, err
	}
	return nil, p.WithdrawStake(ctx, call.Caller, amount)
}

func (p *Protocol) callLockForTopic(ctx context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	topicID, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	vp, err := p.LockForTopic(ctx, call.Caller, topicID, call.Value)
	if err != nil {
		return nil, err
	}
	return []interface{}{big64(vp)}, nil
}

func (p *Protocol) callBalanceOf(ctx context.Context, _ router.Call, args []interface{}) ([]interface{}, error) {
	b, err := p.Balance(ctx, args[0].(common.Address))
	if err != nil {
		return nil, err
	}
	return []interface{}{big64(b.Balance), big64(b.Pending), big64(b.Available)}, nil
}

func (p *Protocol) callRedemptionEligible(ctx context.Context, _ router.Call, args []interface{}) ([]interface{}, error) {
	ok, err := p.RedemptionEligible(ctx, args[0].(common.Address))
	if err != nil {
		return nil, err
	}
	return []interface{}{ok}, nil
}

func (p *Protocol) callRedeem(ctx context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	burn, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	collateral, err := u256(args[1])
	if err != nil {
		return nil, err
	}
	nonce, err := u64(args[2])
	if err != nil {
		return nil, err
	}
	w := attest.Withdraw{User: call.Caller, VPBurnAmount: burn, CollateralReturn: collateral, Nonce: nonce}
	return nil, p.Redeem(ctx, w, args[3].([]byte))
}

func (p *Protocol) callCreateTopic(ctx context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	duration, freeze := args[1].(uint64), args[2].(uint64)
	if duration > uint64(topics.MaxDuration) || freeze > uint64(topics.MaxDuration) {
		return nil, types.Invalid("duration %d or freeze window %d too long", duration, freeze)
	}
	topic, err := p.CreateTopic(ctx, call.Caller, topics.CreateParams{
		MetadataHash: common.Hash(args[0].([32]byte)),
		Duration:     int64(duration),
		FreezeWindow: int64(freeze),
		CuratedLimit: args[3].(uint32),
	})
	if err != nil {
		return nil, err
	}
	return []interface{}{big64(topic.ID)}, nil
}

func (p *Protocol) callQuoteCreationCost(ctx context.Context, _ router.Call, _ []interface{}) ([]interface{}, error) {
	cost, err := p.QuoteCreationCost(ctx)
	if err != nil {
		return nil, err
	}
	return []interface{}{big64(cost)}, nil
}

func (p *Protocol) callCloseTopic(ctx context.Context, _ router.Call, args []interface{}) ([]interface{}, error) {
	topicID, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	_, err = p.CloseTopic(ctx, topicID)
	return nil, err
}

func (p *Protocol) callSettleTopic(ctx context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	topicID, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	_, err = p.SettleTopic(ctx, call.Caller, topicID)
	return nil, err
}

func (p *Protocol) callTopicStatus(ctx context.Context, _ router.Call, args []interface{}) ([]interface{}, error) {
	topicID, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	topic, expired, frozen, err := p.TopicState(ctx, topicID)
	if err != nil {
		return nil, err
	}
	return []interface{}{uint8(topic.Status), expired, frozen}, nil
}

func (p *Protocol) callPost(ctx context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	topicID, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	ts := args[4].(uint64)
	msg, err := p.Post(ctx, messages.PostRequest{
		TopicID:     topicID,
		Author:      call.Caller,
		ContentHash: common.Hash(args[1].([32]byte)),
		Length:      args[2].(uint32),
		ScoreBps:    args[3].(uint32),
		Timestamp:   int64(ts),
		Signature:   args[5].([]byte),
	})
	if err != nil {
		return nil, err
	}
	return []interface{}{big64(msg.ID), big64(msg.VPCost)}, nil
}

func (p *Protocol) callLike(ctx context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	topicID, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	messageID, err := u64(args[1])
	if err != nil {
		return nil, err
	}
	_, err = p.Like(ctx, topicID, messageID, call.Caller)
	return nil, err
}

func (p *Protocol) callQuotePost(ctx context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	topicID, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	q, err := p.QuotePost(ctx, topicID, call.Caller, args[1].(uint32), args[2].(uint32))
	if err != nil {
		return nil, err
	}
	return []interface{}{big64(q.Cost)}, nil
}

func (p *Protocol) callCuratedMessages(ctx context.Context, _ router.Call, args []interface{}) ([]interface{}, error) {
	topicID, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	entries, _, err := p.Curated(ctx, topicID)
	if err != nil {
		return nil, err
	}
	ids := make([]*big.Int, len(entries))
	for i, e := range entries {
		ids[i] = big64(e.MessageID)
	}
	return []interface{}{ids}, nil
}

func (p *Protocol) callCuratedSetHash(ctx context.Context, _ router.Call, args []interface{}) ([]interface{}, error) {
	topicID, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	_, h, err := p.Curated(ctx, topicID)
	if err != nil {
		return nil, err
	}
	return []interface{}{[32]byte(h)}, nil
}

func (p *Protocol) callApplySettlement(ctx context.Context, _ router.Call, args []interface{}) ([]interface{}, error) {
	users := args[0].([]common.Address)
	raw := args[1].([]*big.Int)
	deltas := make([]int64, len(raw))
	for i, d := range raw {
		if !d.IsInt64() {
			return nil, types.Invalid("delta %d (%s) does not fit int64", i, d)
		}
		deltas[i] = d.Int64()
	}
	nonce, err := u64(args[2])
	if err != nil {
		return nil, err
	}
	_, err = p.ApplySettlement(ctx, users, deltas, nonce, args[3].([]byte))
	return nil, err
}

func (p *Protocol) callSettlementNonce(ctx context.Context, _ router.Call, _ []interface{}) ([]interface{}, error) {
	n, err := p.SettlementNonce(ctx)
	if err != nil {
		return nil, err
	}
	return []interface{}{big64(n)}, nil
}

func (p *Protocol) callMintFinalize(ctx context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	topicID, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	record, err := p.MintFinalize(ctx, topicID, call.Caller)
	if err != nil {
		return nil, err
	}
	return []interface{}{[32]byte(record.CuratedSetHash)}, nil
}

func (p *Protocol) callMintFinalizeAttested(ctx context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	topicID, err := u64(args[0])
	if err != nil {
		return nil, err
	}
	nonce, err := u64(args[2])
	if err != nil {
		return nil, err
	}
	att := attest.MintAttestation{
		Minter:      call.Caller,
		TopicID:     topicID,
		ContentHash: common.Hash(args[1].([32]byte)),
		Nonce:       nonce,
	}
	record, err := p.MintFinalizeAttested(ctx, att, args[3].([]byte))
	if err != nil {
		return nil, err
	}
	return []interface{}{[32]byte(record.CuratedSetHash)}, nil
}

func (p *Protocol) callAddAdmin(_ context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	return nil, p.router.AddAdmin(call.Caller, args[0].(common.Address))
}

func (p *Protocol) callRemoveAdmin(_ context.Context, call router.Call, args []interface{}) ([]interface{}, error) {
	return nil, p.router.RemoveAdmin(call.Caller, args[0].(common.Address))
}

func (p *Protocol) callIsAdmin(_ context.Context, _ router.Call, args []interface{}) ([]interface{}, error) {
	return []interface{}{p.router.IsAdmin(args[0].(common.Address))}, nil
}
