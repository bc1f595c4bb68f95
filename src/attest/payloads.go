package attest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

// Payload is a typed message with a declared field schema.
type Payload interface {
	PrimaryType() string
	Fields() []apitypes.Type
	Message() apitypes.TypedDataMessage
}

// ContentAttestation is the quality oracle's claim about a piece of content.
type ContentAttestation struct {
	ContentHash common.Hash
	Length      uint32
	Score       uint32 // basis points
	Timestamp   int64
}

func (ContentAttestation) PrimaryType() string { return "ContentAttestation" }

func (ContentAttestation) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "contentHash", Type: "bytes32"},
		{Name: "length", Type: "uint256"},
		{Name: "score", Type: "uint256"},
		{Name: "timestamp", Type: "uint256"},
	}
}

func (a ContentAttestation) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"contentHash": hexutil.Encode(a.ContentHash.Bytes()),
		"length":      new(big.Int).SetUint64(uint64(a.Length)),
		"score":       new(big.Int).SetUint64(uint64(a.Score)),
		"timestamp":   big.NewInt(a.Timestamp),
	}
}

// Settlement authorizes a batch of global balance deltas under the shared nonce.
type Settlement struct {
	Users  []common.Address
	Deltas []int64
	Nonce  uint64
}

func (Settlement) PrimaryType() string { return "Settlement" }

func (Settlement) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "users", Type: "address[]"},
		{Name: "deltas", Type: "int256[]"},
		{Name: "nonce", Type: "uint256"},
	}
}

func (s Settlement) Message() apitypes.TypedDataMessage {
	users := make([]interface{}, len(s.Users))
	for i, u := range s.Users {
		users[i] = u.Hex()
	}
	deltas := make([]interface{}, len(s.Deltas))
	for i, d := range s.Deltas {
		deltas[i] = big.NewInt(d)
	}
	return apitypes.TypedDataMessage{
		"users":  users,
		"deltas": deltas,
		"nonce":  new(big.Int).SetUint64(s.Nonce),
	}
}

// Withdraw authorizes burning VP against returned collateral.
type Withdraw struct {
	User             common.Address
	VPBurnAmount     uint64
	CollateralReturn *uint256.Int
	Nonce            uint64
}

func (Withdraw) PrimaryType() string { return "Withdraw" }

func (Withdraw) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "user", Type: "address"},
		{Name: "vpBurnAmount", Type: "uint256"},
		{Name: "collateralReturn", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	}
}

func (w Withdraw) Message() apitypes.TypedDataMessage {
	collateral := new(big.Int)
	if w.CollateralReturn != nil {
		collateral = w.CollateralReturn.ToBig()
	}
	return apitypes.TypedDataMessage{
		"user":             w.User.Hex(),
		"vpBurnAmount":     new(big.Int).SetUint64(w.VPBurnAmount),
		"collateralReturn": collateral,
		"nonce":            new(big.Int).SetUint64(w.Nonce),
	}
}

// MintAttestation authorizes minter to finalize topicID.
type MintAttestation struct {
	Minter      common.Address
	TopicID     uint64
	ContentHash common.Hash
	Nonce       uint64
}

func (MintAttestation) PrimaryType() string { return "MintAttestation" }

func (MintAttestation) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "minter", Type: "address"},
		{Name: "topicId", Type: "uint256"},
		{Name: "contentHash", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
	}
}

func (m MintAttestation) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"minter":      m.Minter.Hex(),
		"topicId":     new(big.Int).SetUint64(m.TopicID),
		"contentHash": hexutil.Encode(m.ContentHash.Bytes()),
		"nonce":       new(big.Int).SetUint64(m.Nonce),
	}
}
