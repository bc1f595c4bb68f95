package webserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/data"
)

// RedisNonces keeps login challenges in redis.
type RedisNonces struct {
	rdb redis.Cmdable
}

func NewRedisNonces(rdb redis.Cmdable) RedisNonces {
	return RedisNonces{rdb: rdb}
}

func (n RedisNonces) SetNonce(ctx context.Context, addr, nonce string) error {
	return data.SetNonce(ctx, n.rdb, addr, nonce)
}

func (n RedisNonces) TakeNonce(ctx context.Context, addr string) (string, error) {
	return data.GetAndDelNonce(ctx, n.rdb, addr)
}

type Auth struct {
	nonces    NonceStore
	jwtSecret []byte
	ttl       time.Duration
}

func NewAuth(nonces NonceStore, secret []byte, ttl time.Duration) Auth {
	return Auth{nonces: nonces, jwtSecret: secret, ttl: ttl}
}

// ChallengeMessage is the text a wallet signs to log in.
func ChallengeMessage(nonce string) string {
	return "Sign in to Murmur: " + nonce
}

func validAccount(addr string) bool {
	if attest.IsEVMAddress(addr) {
		return true
	}
	_, err := attest.DecodeSS58(addr)
	return err == nil
}

func (a Auth) Challenge(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if !validAccount(req.Address) {
		badRequest(c, "unrecognized address")
		return
	}
	nonce := uuid.NewString()
	if err := a.nonces.SetNonce(c, req.Address, nonce); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nonce": nonce, "message": ChallengeMessage(nonce)})
}

func (a Auth) Verify(c *gin.Context) {
	var req struct {
		Address   string `json:"address"   binding:"required"`
		Signature string `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	nonce, err := a.nonces.TakeNonce(c, req.Address)
	if err != nil || nonce == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"err": "challenge expired"})
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		badRequest(c, "signature must be 0x hex")
		return
	}
	if err := attest.VerifyPersonal(req.Address, []byte(ChallengeMessage(nonce)), sig); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"err": "bad signature"})
		return
	}
	token, err := issueJWT(req.Address, a.jwtSecret, a.ttl)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
