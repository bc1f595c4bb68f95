package webserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/stake-plus/murmur-protocol/src/logging"
	"github.com/stake-plus/murmur-protocol/src/types"
)

var statusByCode = map[string]int{
	"validation_error":      http.StatusBadRequest,
	"insufficient_vp":       http.StatusPaymentRequired,
	"invalid_attestation":   http.StatusUnauthorized,
	"rate_limit_exceeded":   http.StatusTooManyRequests,
	"topic_not_live":        http.StatusConflict,
	"topic_expired":         http.StatusConflict,
	"replay_or_stale_nonce": http.StatusConflict,
	"batch_too_large":       http.StatusRequestEntityTooLarge,
	"already_minted":        http.StatusConflict,
	"already_refunded":      http.StatusConflict,
	"not_authorized":        http.StatusForbidden,
	"unknown_selector":      http.StatusNotFound,
	"not_found":             http.StatusNotFound,
}

// fail writes err with the status its protocol kind maps to. Internal errors
// are not echoed to the caller.
func fail(c *gin.Context, err error) {
	code := types.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"err": "internal error", "code": code})
		return
	}
	c.JSON(status, gin.H{"err": err.Error(), "code": code, "retryable": logging.IsRetryable(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"err": msg, "code": "validation_error"})
}

func paramID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		badRequest(c, "bad "+name)
		return 0, false
	}
	return id, true
}

func parseAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseAmount(raw string) (*uint256.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, false
	}
	return v, true
}

func parseHash(raw string) (common.Hash, bool) {
	raw = strings.TrimPrefix(raw, "0x")
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, false
	}
	return common.HexToHash(raw), true
}
