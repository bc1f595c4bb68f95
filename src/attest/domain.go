// Package attest verifies detached signatures over domain-separated typed
// messages (EIP-712) and produces them for the trusted signer.
package attest

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	ProtocolName    = "Murmur"
	ProtocolVersion = "1"
)

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Domain separates signatures between protocol deployments.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain returns the protocol domain for a chain and verifying address.
func NewDomain(chainID int64, verifying common.Address) Domain {
	return Domain{
		Name:              ProtocolName,
		Version:           ProtocolVersion,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: verifying,
	}
}

func (d Domain) typed() apitypes.TypedDataDomain {
	chainID := new(big.Int)
	if d.ChainID != nil {
		chainID.Set(d.ChainID)
	}
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(chainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// TypedData assembles the EIP-712 document for p under this domain.
func (d Domain) TypedData(p Payload) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":  domainType,
			p.PrimaryType(): p.Fields(),
		},
		PrimaryType: p.PrimaryType(),
		Domain:      d.typed(),
		Message:     p.Message(),
	}
}

// Separator is hashStruct(EIP712Domain).
func (d Domain) Separator() ([]byte, error) {
	td := apitypes.TypedData{
		Types:  apitypes.Types{"EIP712Domain": domainType},
		Domain: d.typed(),
	}
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	return sep, nil
}

// Digest is keccak256(0x19 0x01 ‖ domainSeparator ‖ hashStruct(p)).
func (d Domain) Digest(p Payload) ([]byte, error) {
	td := d.TypedData(p)
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", td.PrimaryType, err)
	}
	return crypto.Keccak256([]byte{0x19, 0x01}, sep, structHash), nil
}
