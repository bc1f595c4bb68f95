package webserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stake-plus/murmur-protocol/src/protocol"
)

const addrKey = "addr"

func issueJWT(addr string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"addr": addr,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}

func JWTMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		tok, err := jwt.Parse(h[7:], func(t *jwt.Token) (interface{}, error) { return secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !tok.Valid {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		addr, _ := tok.Claims.(jwt.MapClaims)["addr"].(string)
		if addr == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set(addrKey, addr)
		c.Next()
	}
}

// caller returns the authenticated account. Protocol accounts are 20-byte
// addresses, so SS58 logins are refused here.
func caller(c *gin.Context) (common.Address, bool) {
	addr, ok := parseAddress(c.GetString(addrKey))
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"err": "account must be a 0x address", "code": "not_authorized"})
		return common.Address{}, false
	}
	return addr, true
}

// AdminMiddleware admits router admins only.
func AdminMiddleware(p *protocol.Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, ok := caller(c)
		if !ok {
			c.Abort()
			return
		}
		if !p.Router().IsAdmin(addr) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"err": "admin only", "code": "not_authorized"})
			return
		}
		c.Next()
	}
}
