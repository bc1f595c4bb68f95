package webserver

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/stake-plus/murmur-protocol/src/messages"
	"github.com/stake-plus/murmur-protocol/src/protocol"
	"github.com/stake-plus/murmur-protocol/src/types"
)

type Messages struct {
	p       *protocol.Protocol
	content ContentStore
}

func NewMessages(p *protocol.Protocol, content ContentStore) Messages {
	return Messages{p: p, content: content}
}

func messageJSON(m *types.Message) gin.H {
	return gin.H{
		"id":          m.ID,
		"topicId":     m.TopicID,
		"author":      m.Author.Hex(),
		"contentHash": m.ContentHash.Hex(),
		"length":      m.Length,
		"score":       m.Score,
		"timestamp":   m.Timestamp,
		"likeCount":   m.LikeCount,
		"vpCost":      m.VPCost,
	}
}

func (h Messages) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	m, err := h.p.Message(c, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, messageJSON(m))
}

// PutContent stores a message body so the quality oracle can fetch it by
// hash before attesting.
func (h Messages) PutContent(c *gin.Context) {
	if h.content == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": "content store disabled"})
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	hash, length, err := h.content.Put(c, req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contentHash": hash.Hex(), "length": length})
}

func (h Messages) Content(c *gin.Context) {
	if h.content == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": "content store disabled"})
		return
	}
	hash, ok := parseHash(c.Param("hash"))
	if !ok {
		badRequest(c, "bad content hash")
		return
	}
	body, err := h.content.Get(c, hash)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contentHash": hash.Hex(), "content": body})
}

func (h Messages) Quote(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	length, err := strconv.ParseUint(c.Query("length"), 10, 32)
	if err != nil {
		badRequest(c, "bad length")
		return
	}
	score, err := strconv.ParseUint(c.DefaultQuery("score", "0"), 10, 32)
	if err != nil {
		badRequest(c, "bad score")
		return
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	q, err := h.p.QuotePost(c, id, addr, uint32(length), uint32(score))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cost":      q.Cost,
		"heat":      q.Heat.String(),
		"base":      q.Base.String(),
		"intensity": q.Intensity.String(),
		"length":    q.Length.String(),
		"cooldown":  q.Cooldown.String(),
	})
}

// Post submits a message carrying the oracle's content attestation.
func (h Messages) Post(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		ContentHash string `json:"contentHash" binding:"required"`
		Length      uint32 `json:"length"      binding:"required"`
		Score       uint32 `json:"score"`
		Timestamp   int64  `json:"timestamp"   binding:"required"`
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
	m, err := h.p.Post(c, messages.PostRequest{
		TopicID:     id,
		Author:      addr,
		ContentHash: hash,
		Length:      req.Length,
		ScoreBps:    req.Score,
		Timestamp:   req.Timestamp,
		Signature:   sig,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, messageJSON(m))
}

func (h Messages) Like(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	m, err := h.p.Message(c, id)
	if err != nil {
		fail(c, err)
		return
	}
	if m, err = h.p.Like(c, m.TopicID, id, addr); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, messageJSON(m))
}
