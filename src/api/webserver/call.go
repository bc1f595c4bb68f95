package webserver

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/stake-plus/murmur-protocol/src/protocol"
	"github.com/stake-plus/murmur-protocol/src/router"
)

type Calls struct {
	p *protocol.Protocol
}

func NewCalls(p *protocol.Protocol) Calls {
	return Calls{p: p}
}

// Call dispatches ABI encoded calldata through the module router as the
// authenticated caller.
func (h Calls) Call(c *gin.Context) {
	var req struct {
		Data  string `json:"data"  binding:"required"`
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	input, err := hexutil.Decode(req.Data)
	if err != nil {
		badRequest(c, "data must be 0x hex")
		return
	}
	value := new(uint256.Int)
	if req.Value != "" {
		v, ok := parseAmount(req.Value)
		if !ok {
			badRequest(c, "value must be a decimal integer")
			return
		}
		value = v
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	out, err := h.p.Dispatch(c, router.Call{Caller: addr, Value: value, Input: input})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": hexutil.Encode(out)})
}
