package webserver

import (
	"encoding/binary"
	"fmt"
	"net/http"

	"github.com/OneOfOne/xxhash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/stake-plus/murmur-protocol/src/protocol"
	"github.com/stake-plus/murmur-protocol/src/topics"
	"github.com/stake-plus/murmur-protocol/src/types"
)

type Topics struct {
	p *protocol.Protocol
}

func NewTopics(p *protocol.Protocol) Topics {
	return Topics{p: p}
}

func topicJSON(t *types.Topic) gin.H {
	return gin.H{
		"id":           t.ID,
		"creator":      t.Creator.Hex(),
		"metadataHash": t.MetadataHash.Hex(),
		"createdAt":    t.CreatedAt,
		"endsAt":       t.EndsAt(),
		"freezeWindow": t.FreezeWindow,
		"curatedLimit": t.CuratedLimit,
		"status":       t.Status.String(),
		"minted":       t.Minted,
		"finalized":    t.Finalized,
		"refunded":     t.Refunded,
		"messageCount": t.MessageCount,
		"uniqueUsers":  t.UniqueUsers,
		"likeCount":    t.LikeCount,
		"vpBurned":     t.VPBurned,
	}
}

func (h Topics) CreationCost(c *gin.Context) {
	cost, err := h.p.QuoteCreationCost(c)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cost": cost})
}

func (h Topics) Create(c *gin.Context) {
	var req struct {
		MetadataHash string `json:"metadataHash" binding:"required"`
		Duration     int64  `json:"duration"     binding:"required"`
		FreezeWindow int64  `json:"freezeWindow"`
		CuratedLimit uint32 `json:"curatedLimit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	hash, ok := parseHash(req.MetadataHash)
	if !ok {
		badRequest(c, "metadataHash must be 32 bytes of hex")
		return
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	t, err := h.p.CreateTopic(c, addr, topics.CreateParams{
		MetadataHash: hash,
		Duration:     req.Duration,
		FreezeWindow: req.FreezeWindow,
		CuratedLimit: req.CuratedLimit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, topicJSON(t))
}

func (h Topics) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	t, expired, frozen, err := h.p.TopicState(c, id)
	if err != nil {
		fail(c, err)
		return
	}
	out := topicJSON(t)
	out["expired"] = expired
	out["frozen"] = frozen
	if t.Status == types.TopicLive && !expired {
		heat, err := h.p.Heat(c, id)
		if err != nil {
			fail(c, err)
			return
		}
		out["heat"] = heat.String()
	}
	c.JSON(http.StatusOK, out)
}

func (h Topics) Close(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	t, err := h.p.CloseTopic(c, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, topicJSON(t))
}

func (h Topics) Settle(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	addr, ok := caller(c)
	if !ok {
		return
	}
	t, err := h.p.SettleTopic(c, addr, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, topicJSON(t))
}

func (h Topics) Messages(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	msgs, err := h.p.TopicMessages(c, id)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"topicId": id, "messages": out})
}

// curatedETag fingerprints the curated set. Likes reorder the set without
// changing its hash, so ranks and counts are folded in too.
func curatedETag(hash common.Hash, entries []types.CuratedEntry) string {
	d := xxhash.New64()
	_, _ = d.Write(hash.Bytes())
	var buf [20]byte
	for _, e := range entries {
		binary.BigEndian.PutUint64(buf[0:8], e.MessageID)
		binary.BigEndian.PutUint64(buf[8:16], e.LikeCount)
		binary.BigEndian.PutUint32(buf[16:20], e.Rank)
		_, _ = d.Write(buf[:])
	}
	return fmt.Sprintf(`"%016x"`, d.Sum64())
}

func (h Topics) Curated(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	entries, hash, err := h.p.Curated(c, id)
	if err != nil {
		fail(c, err)
		return
	}
	etag := curatedETag(hash, entries)
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{"messageId": e.MessageID, "likeCount": e.LikeCount, "rank": e.Rank})
	}
	c.JSON(http.StatusOK, gin.H{"topicId": id, "curatedSetHash": hash.Hex(), "entries": out})
}
