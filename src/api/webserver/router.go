// Package webserver exposes the protocol over HTTP.
package webserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stake-plus/murmur-protocol/src/metrics"
	"github.com/stake-plus/murmur-protocol/src/protocol"
)

// NonceStore keeps login challenges until they are used once.
type NonceStore interface {
	SetNonce(ctx context.Context, addr, nonce string) error
	TakeNonce(ctx context.Context, addr string) (string, error)
}

// ContentStore holds message bodies by their content hash.
type ContentStore interface {
	Put(ctx context.Context, content string) (common.Hash, uint32, error)
	Get(ctx context.Context, h common.Hash) (string, error)
}

type Options struct {
	JWTSecret      []byte
	TokenTTL       time.Duration
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
}

type Deps struct {
	Protocol *protocol.Protocol
	Nonces   NonceStore
	Content  ContentStore
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
}

// New builds the gin engine with every route attached.
func New(opts Options, deps Deps) *gin.Engine {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(deps.Log, deps.Metrics))
	attachRoutes(r, opts, deps)
	return r
}

func attachRoutes(r *gin.Engine, opts Options, deps Deps) {
	r.Use(cors.New(cors.Config{
		AllowOrigins:     opts.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "If-None-Match"},
		ExposeHeaders:    []string{"Content-Length", "ETag"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	p := deps.Protocol
	authH := NewAuth(deps.Nonces, opts.JWTSecret, opts.TokenTTL)
	ledgerH := NewLedger(p)
	topicH := NewTopics(p)
	msgH := NewMessages(p, deps.Content)
	settleH := NewSettlements(p)
	limiter := NewRateLimiter(opts.RateLimit, opts.RateBurst)

	v1 := r.Group("/v1")
	v1.Use(RateLimitMiddleware(limiter))
	{
		v1.POST("/auth/challenge", authH.Challenge)
		v1.POST("/auth/verify", authH.Verify)

		v1.GET("/topics/creation-cost", topicH.CreationCost)
		v1.GET("/topics/:id", topicH.Get)
		v1.GET("/topics/:id/messages", topicH.Messages)
		v1.GET("/topics/:id/curated", topicH.Curated)
		v1.GET("/topics/:id/mint", settleH.Mint)
		v1.GET("/messages/:id", msgH.Get)
		v1.GET("/content/:hash", msgH.Content)
		v1.GET("/accounts/:addr", ledgerH.Balance)
		v1.GET("/settlements/nonce", settleH.Nonce)
		v1.POST("/settlements/apply", settleH.Apply)
		v1.POST("/redeem", ledgerH.Redeem)
	}

	secured := v1.Group("")
	secured.Use(JWTMiddleware(opts.JWTSecret), RateLimitMiddleware(limiter))
	{
		secured.POST("/stake", ledgerH.Stake)
		secured.POST("/stake/withdraw", ledgerH.Withdraw)
		secured.POST("/withdrawals", ledgerH.SignWithdraw)

		secured.POST("/topics", topicH.Create)
		secured.POST("/topics/:id/lock", ledgerH.Lock)
		secured.POST("/topics/:id/close", topicH.Close)
		secured.POST("/topics/:id/settle", topicH.Settle)
		secured.GET("/topics/:id/quote", msgH.Quote)
		secured.POST("/topics/:id/messages", msgH.Post)
		secured.POST("/topics/:id/mint", settleH.Finalize)
		secured.POST("/topics/:id/mint/attestation", settleH.MintAttestation)
		secured.POST("/topics/:id/mint/attested", settleH.FinalizeAttested)

		secured.POST("/content", msgH.PutContent)
		secured.POST("/messages/:id/like", msgH.Like)
		secured.POST("/call", NewCalls(p).Call)
	}

	admin := secured.Group("/admin")
	admin.Use(AdminMiddleware(p))
	{
		admin.POST("/settlements", settleH.SignBatch)
		admin.POST("/settlements/users", settleH.SignForUsers)
	}
}

// requestLog logs each request and counts it by route and status.
func requestLog(log zerolog.Logger, m *metrics.Collector) gin.HandlerFunc {
	log = log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if m != nil {
			m.Request(route, strconv.Itoa(status))
		}
		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("took", time.Since(started)).
			Msg("request")
	}
}
