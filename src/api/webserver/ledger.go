package webserver

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/ledger"
	"github.com/stake-plus/murmur-protocol/src/protocol"
)

type Ledger struct {
	p *protocol.Protocol
}

func NewLedger(p *protocol.Protocol) Ledger {
	return Ledger{p: p}
}

func balanceJSON(b *ledger.Balance) gin.H {
	topics := make(map[string]gin.H, len(b.Topics))
	for id, acct := range b.Topics {
		topics[strconv.FormatUint(id, 10)] = gin.H{
			"collateral": acct.Collateral.Dec(),
			"vp":         acct.VP,
			"consumed":   acct.Consumed,
			"posts":      acct.Posts,
		}
	}
	return gin.H{
		"address":   b.Address.Hex(),
		"staked":    b.Staked.Dec(),
		"balance":   b.Balance,
		"pending":   b.Pending,
		"available": b.Available,
		"topics":    topics,
	}
}

func (l Ledger) Balance(c *gin.Context) {
	addr, ok := parseAddress(c.Param("addr"))
	if !ok {
		badRequest(c, "bad address")
		return
	}
	b, err := l.p.Balance(c, addr)
	if err != nil {
		fail(c, err)
		return
	}
	eligible, err := l.p.RedemptionEligible(c, addr)
	if err != nil {
		fail(c, err)
		return
	}
	out := balanceJSON(b)
	out["redemptionEligible"] = eligible
	c.JSON(http.StatusOK, out)
}

func (l Ledger) Stake(c *gin.Context) {
	var req struct {
		Collateral string `json:"collateral" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, ok := parseAmount(req.Collateral)
	if !ok {
		badRequest(c, "collateral must be a decimal integer")
		return
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	vp, err := l.p.Stake(c, addr, amount)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vp": vp})
}

func (l Ledger) Withdraw(c *gin.Context) {
	var req struct {
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		badRequest(c, "amount must be a decimal integer")
		return
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	if err := l.p.WithdrawStake(c, addr, amount); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (l Ledger) Lock(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Collateral string `json:"collateral" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, ok := parseAmount(req.Collateral)
	if !ok {
		badRequest(c, "collateral must be a decimal integer")
		return
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	vp, err := l.p.LockForTopic(c, addr, id, amount)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topicId": id, "vp": vp})
}

func withdrawJSON(w attest.Withdraw, sig []byte) gin.H {
	return gin.H{
		"user":             w.User.Hex(),
		"vpBurnAmount":     w.VPBurnAmount,
		"collateralReturn": w.CollateralReturn.Dec(),
		"nonce":            w.Nonce,
		"signature":        hexutil.Encode(sig),
	}
}

// SignWithdraw asks the trusted signer to authorize a redemption for the caller.
func (l Ledger) SignWithdraw(c *gin.Context) {
	var req struct {
		VPBurnAmount     uint64 `json:"vpBurnAmount"`
		CollateralReturn string `json:"collateralReturn" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	collateral, ok := parseAmount(req.CollateralReturn)
	if !ok {
		badRequest(c, "collateralReturn must be a decimal integer")
		return
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	w, sig, err := l.p.SignWithdraw(c, addr, req.VPBurnAmount, collateral)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawJSON(w, sig))
}

// Redeem applies a signed withdraw. Anyone may relay it.
func (l Ledger) Redeem(c *gin.Context) {
	var req struct {
		User             string `json:"user" binding:"required"`
		VPBurnAmount     uint64 `json:"vpBurnAmount"`
		CollateralReturn string `json:"collateralReturn" binding:"required"`
		Nonce            uint64 `json:"nonce"`
		Signature        string `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	user, ok := parseAddress(req.User)
	if !ok {
		badRequest(c, "bad user")
		return
	}
	collateral, ok := parseAmount(req.CollateralReturn)
	if !ok {
		badRequest(c, "collateralReturn must be a decimal integer")
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		badRequest(c, "signature must be 0x hex")
		return
	}
	w := attest.Withdraw{User: user, VPBurnAmount: req.VPBurnAmount, CollateralReturn: collateral, Nonce: req.Nonce}
	if err := l.p.Redeem(c, w, sig); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
