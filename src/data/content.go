package data

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/murmur-protocol/src/types"
)

const (
	contentPrefix = "murmur:content:"
	// MaxContentLength bounds a stored body in bytes after sanitising.
	MaxContentLength = 16 * 1024
)

// ContentStore keeps message bodies off the protocol store, addressed by the
// keccak256 hash the protocol records.
type ContentStore struct {
	rdb    redis.Cmdable
	policy *bluemonday.Policy
	ttl    time.Duration
}

// NewContentStore stores bodies for ttl; zero keeps them forever.
func NewContentStore(rdb redis.Cmdable, ttl time.Duration) *ContentStore {
	return &ContentStore{rdb: rdb, policy: bluemonday.UGCPolicy(), ttl: ttl}
}

// Normalize sanitises a body and returns it with its content hash.
func (s *ContentStore) Normalize(content string) (string, common.Hash, error) {
	clean := strings.TrimSpace(s.policy.Sanitize(content))
	if clean == "" {
		return "", common.Hash{}, types.Invalid("content is empty after sanitising")
	}
	if len(clean) > MaxContentLength {
		return "", common.Hash{}, types.Invalid("content is %d bytes, limit %d", len(clean), MaxContentLength)
	}
	return clean, crypto.Keccak256Hash([]byte(clean)), nil
}

// Put stores the sanitised body and returns its hash and length.
func (s *ContentStore) Put(ctx context.Context, content string) (common.Hash, uint32, error) {
	clean, h, err := s.Normalize(content)
	if err != nil {
		return common.Hash{}, 0, err
	}
	if err := s.rdb.Set(ctx, contentPrefix+h.Hex(), clean, s.ttl).Err(); err != nil {
		return common.Hash{}, 0, err
	}
	return h, uint32(len([]rune(clean))), nil
}

func (s *ContentStore) Get(ctx context.Context, h common.Hash) (string, error) {
	body, err := s.rdb.Get(ctx, contentPrefix+h.Hex()).Result()
	if errors.Is(err, redis.Nil) {
		return "", types.ErrNotFound
	}
	return body, err
}
