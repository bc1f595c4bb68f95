package webserver

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/protocol"
	"github.com/stake-plus/murmur-protocol/src/settlement"
	"github.com/stake-plus/murmur-protocol/src/types"
)

type Settlements struct {
	p *protocol.Protocol
}

func NewSettlements(p *protocol.Protocol) Settlements {
	return Settlements{p: p}
}

func signedJSON(s *settlement.Signed) gin.H {
	users := make([]string, len(s.Payload.Users))
	for i, u := range s.Payload.Users {
		users[i] = u.Hex()
	}
	return gin.H{
		"settlementId": s.SettlementID,
		"users":        users,
		"deltas":       s.Payload.Deltas,
		"nonce":        s.Payload.Nonce,
		"signature":    hexutil.Encode(s.Signature),
	}
}

func mintJSON(m *types.MintRecord) gin.H {
	return gin.H{
		"topicId":             m.TopicID,
		"contentMetadataHash": m.ContentMetadataHash.Hex(),
		"curatedSetHash":      m.CuratedSetHash.Hex(),
		"mintedBy":            m.MintedBy.Hex(),
		"mintedAt":            m.MintedAt,
	}
}

func (h Settlements) Nonce(c *gin.Context) {
	n, err := h.p.SettlementNonce(c)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nonce": n})
}

// SignBatch signs the oldest pending consumption entries.
func (h Settlements) SignBatch(c *gin.Context) {
	s, err := h.p.SignBatchSettlement(c)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, signedJSON(s))
}

func (h Settlements) SignForUsers(c *gin.Context) {
	var req struct {
		Users []string `json:"users" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	users, ok := parseAddresses(req.Users)
	if !ok {
		badRequest(c, "bad user address")
		return
	}
	s, err := h.p.SignSettlementFor(c, users)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, signedJSON(s))
}

// Apply accepts a signed settlement from any relayer.
func (h Settlements) Apply(c *gin.Context) {
	var req struct {
		Users     []string `json:"users"     binding:"required"`
		Deltas    []int64  `json:"deltas"    binding:"required"`
		Nonce     uint64   `json:"nonce"`
		Signature string   `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	users, ok := parseAddresses(req.Users)
	if !ok {
		badRequest(c, "bad user address")
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		badRequest(c, "signature must be 0x hex")
		return
	}
	s, err := h.p.ApplySettlement(c, users, req.Deltas, req.Nonce, sig)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlementId": s.ID, "nonce": s.Nonce, "status": s.Status.String()})
}

func (h Settlements) Mint(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	m, err := h.p.Mint(c, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mintJSON(m))
}

// Finalize mints the topic with the caller as minter.
func (h Settlements) Finalize(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	m, err := h.p.MintFinalize(c, id, addr)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mintJSON(m))
}

func (h Settlements) MintAttestation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	att, sig, err := h.p.SignMintAttestation(c, id, addr)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"minter":      att.Minter.Hex(),
		"topicId":     att.TopicID,
		"contentHash": att.ContentHash.Hex(),
		"nonce":       att.Nonce,
		"signature":   hexutil.Encode(sig),
	})
}

func (h Settlements) FinalizeAttested(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		ContentHash string `json:"contentHash" binding:"required"`
		Nonce       uint64 `json:"nonce"`
		Signature   string `json:"signature"   binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	hash, ok := parseHash(req.ContentHash)
	if !ok {
		badRequest(c, "contentHash must be 32 bytes of hex")
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		badRequest(c, "signature must be 0x hex")
		return
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	att := attest.MintAttestation{Minter: addr, TopicID: id, ContentHash: hash, Nonce: req.Nonce}
	m, err := h.p.MintFinalizeAttested(c, att, sig)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mintJSON(m))
}

func parseAddresses(raw []string) ([]common.Address, bool) {
	out := make([]common.Address, len(raw))
	for i, r := range raw {
		a, ok := parseAddress(r)
		if !ok {
			return nil, false
		}
		out[i] = a
	}
	return out, true
}
