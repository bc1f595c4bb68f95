package data

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stake-plus/murmur-protocol/src/events"
)

const (
	noncePrefix  = "murmur:auth:nonce:"
	streamEvents = "murmur.events"

	nonceTTL        = 5 * time.Minute
	streamMaxLength = 100_000
)

// NewRedis parses url and checks the server answers.
func NewRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// nonceKey folds case for 0x addresses only; SS58 is case sensitive.
func nonceKey(addr string) string {
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		addr = strings.ToLower(addr)
	}
	return noncePrefix + addr
}

// SetNonce stores the login challenge issued to addr.
func SetNonce(ctx context.Context, rdb redis.Cmdable, addr, nonce string) error {
	return rdb.Set(ctx, nonceKey(addr), nonce, nonceTTL).Err()
}

// GetAndDelNonce consumes addr's challenge; each challenge verifies at most once.
func GetAndDelNonce(ctx context.Context, rdb redis.Cmdable, addr string) (string, error) {
	return rdb.GetDel(ctx, nonceKey(addr)).Result()
}

// Stream appends protocol events to a capped Redis stream for downstream
// consumers such as bots and indexers.
type Stream struct {
	rdb    redis.Cmdable
	stream string
	log    zerolog.Logger
}

func NewStream(rdb redis.Cmdable, log zerolog.Logger) *Stream {
	return &Stream{rdb: rdb, stream: streamEvents, log: log.With().Str("component", "stream").Logger()}
}

func (s *Stream) Name() string { return "redis-stream" }

func (s *Stream) Publish(ctx context.Context, evs []events.Event) error {
	pipe := s.rdb.TxPipeline()
	for _, e := range evs {
		values, err := streamValues(e)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: streamMaxLength,
			Approx: true,
			Values: values,
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func streamValues(e events.Event) (map[string]interface{}, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	values := map[string]interface{}{
		"kind":  string(e.Kind),
		"at":    e.At,
		"event": string(body),
	}
	if e.Topic != nil {
		values["topic"] = e.Topic.ID
	}
	if e.Message != nil {
		values["message"] = e.Message.ID
	}
	return values, nil
}
