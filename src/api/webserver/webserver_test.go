package webserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/metrics"
	"github.com/stake-plus/murmur-protocol/src/protocol"
	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/types"
)

var secret = []byte("test-secret")

type memNonces struct {
	mu sync.Mutex
	m  map[string]string
}

func (n *memNonces) SetNonce(_ context.Context, addr, nonce string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.m[strings.ToLower(addr)] = nonce
	return nil
}

func (n *memNonces) TakeNonce(_ context.Context, addr string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.m[strings.ToLower(addr)]
	if !ok {
		return "", errors.New("no challenge")
	}
	delete(n.m, strings.ToLower(addr))
	return v, nil
}

type memContent struct {
	mu sync.Mutex
	m  map[common.Hash]string
}

func (s *memContent) Put(_ context.Context, content string) (common.Hash, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := crypto.Keccak256Hash([]byte(content))
	s.m[h] = content
	return h, uint32(len([]rune(content))), nil
}

func (s *memContent) Get(_ context.Context, h common.Hash) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[h]
	if !ok {
		return "", types.ErrNotFound
	}
	return v, nil
}

type server struct {
	engine *gin.Engine
	clock  *clock.Mock
	oracle *attest.LocalSigner
	owner  *ecdsa.PrivateKey
}

type account struct {
	key   *ecdsa.PrivateKey
	addr  common.Address
	token string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	domain := attest.NewDomain(31337, common.HexToAddress("0x4d55"))
	oracle, _, err := attest.GenerateLocalSigner(domain)
	require.NoError(t, err)

	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	p, err := protocol.New(db, protocol.Config{
		Owner:  crypto.PubkeyToAddress(ownerKey.PublicKey),
		Domain: domain,
		Oracle: oracle.Address(),
	}, oracle, nil, collector, clk, zerolog.Nop())
	require.NoError(t, err)

	engine := New(Options{JWTSecret: secret, AllowedOrigins: []string{"http://localhost:3000"}, RateLimit: 1000, RateBurst: 1000}, Deps{
		Protocol: p,
		Nonces:   &memNonces{m: map[string]string{}},
		Content:  &memContent{m: map[common.Hash]string{}},
		Metrics:  collector,
		Gatherer: reg,
		Log:      zerolog.Nop(),
	})
	return &server{engine: engine, clock: clk, oracle: oracle, owner: ownerKey}
}

func (s *server) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	out := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func (s *server) login(t *testing.T, key *ecdsa.PrivateKey) *account {
	t.Helper()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	rec, out := s.do(t, http.MethodPost, "/v1/auth/challenge", "", gin.H{"address": addr.Hex()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	msg := out["message"].(string)

	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	rec, out = s.do(t, http.MethodPost, "/v1/auth/verify", "", gin.H{"address": addr.Hex(), "signature": hexutil.Encode(sig)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return &account{key: key, addr: addr, token: out["token"].(string)}
}

func (s *server) newAccount(t *testing.T) *account {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return s.login(t, key)
}

func (s *server) stake(t *testing.T, a *account) {
	t.Helper()
	rec, out := s.do(t, http.MethodPost, "/v1/stake", a.token, gin.H{"collateral": "1000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, float64(3162), out["vp"])
}

func (s *server) createTopic(t *testing.T, a *account) uint64 {
	t.Helper()
	rec, out := s.do(t, http.MethodPost, "/v1/topics", a.token, gin.H{
		"metadataHash": crypto.Keccak256Hash([]byte("topic")).Hex(),
		"duration":     86400,
		"freezeWindow": 600,
		"curatedLimit": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return uint64(out["id"].(float64))
}

func (s *server) lock(t *testing.T, a *account, topicID uint64) {
	t.Helper()
	rec, out := s.do(t, http.MethodPost, "/v1/topics/"+itoa(topicID)+"/lock", a.token, gin.H{"collateral": "1000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, float64(3162), out["vp"])
}

func (s *server) post(t *testing.T, a *account, topicID uint64, body string) uint64 {
	t.Helper()
	rec, out := s.do(t, http.MethodPost, "/v1/content", a.token, gin.H{"content": body})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	hash := common.HexToHash(out["contentHash"].(string))
	length := uint32(out["length"].(float64))

	att := attest.ContentAttestation{ContentHash: hash, Length: length, Score: 5000, Timestamp: s.clock.Now().Unix()}
	sig, err := s.oracle.Sign(context.Background(), att)
	require.NoError(t, err)

	rec, out = s.do(t, http.MethodPost, "/v1/topics/"+itoa(topicID)+"/messages", a.token, gin.H{
		"contentHash": hash.Hex(),
		"length":      length,
		"score":       5000,
		"timestamp":   att.Timestamp,
		"signature":   hexutil.Encode(sig),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return uint64(out["id"].(float64))
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func TestLoginAndStake(t *testing.T) {
	s := newServer(t)
	a := s.newAccount(t)
	s.stake(t, a)

	rec, out := s.do(t, http.MethodGet, "/v1/accounts/"+a.addr.Hex(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1000", out["staked"])
	require.Equal(t, float64(3162), out["available"])
	require.Equal(t, true, out["redemptionEligible"])
}

func TestChallengeIsSingleUse(t *testing.T) {
	s := newServer(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	_, out := s.do(t, http.MethodPost, "/v1/auth/challenge", "", gin.H{"address": addr.Hex()})
	sig, err := crypto.Sign(accounts.TextHash([]byte(out["message"].(string))), key)
	require.NoError(t, err)
	body := gin.H{"address": addr.Hex(), "signature": hexutil.Encode(sig)}

	rec, _ := s.do(t, http.MethodPost, "/v1/auth/verify", "", body)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/v1/auth/verify", "", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	s := newServer(t)
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)

	_, out := s.do(t, http.MethodPost, "/v1/auth/challenge", "", gin.H{"address": addr.Hex()})
	sig, err := crypto.Sign(accounts.TextHash([]byte(out["message"].(string))), other)
	require.NoError(t, err)
	rec, _ := s.do(t, http.MethodPost, "/v1/auth/verify", "", gin.H{"address": addr.Hex(), "signature": hexutil.Encode(sig)})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSecuredRoutesNeedToken(t *testing.T) {
	s := newServer(t)
	rec, _ := s.do(t, http.MethodPost, "/v1/stake", "", gin.H{"collateral": "1000"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/v1/stake", "garbage", gin.H{"collateral": "1000"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostLikeAndCuratedETag(t *testing.T) {
	s := newServer(t)
	creator, author, fan := s.newAccount(t), s.newAccount(t), s.newAccount(t)
	for _, a := range []*account{creator, author, fan} {
		s.stake(t, a)
	}
	topicID := s.createTopic(t, creator)
	s.lock(t, author, topicID)
	msgID := s.post(t, author, topicID, strings.Repeat("m", 50))

	rec, out := s.do(t, http.MethodGet, "/v1/topics/"+itoa(topicID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "live", out["status"])
	require.Equal(t, float64(1), out["messageCount"])
	require.Contains(t, out, "heat")

	// global VP alone does not pay for a like
	rec, out = s.do(t, http.MethodPost, "/v1/messages/"+itoa(msgID)+"/like", fan.token, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	require.Equal(t, "insufficient_vp", out["code"])

	s.lock(t, fan, topicID)
	rec, _ = s.do(t, http.MethodPost, "/v1/messages/"+itoa(msgID)+"/like", fan.token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	curatedPath := "/v1/topics/" + itoa(topicID) + "/curated"
	rec, out = s.do(t, http.MethodGet, curatedPath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, out["entries"], 1)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, curatedPath, nil)
	req.Header.Set("If-None-Match", etag)
	cached := httptest.NewRecorder()
	s.engine.ServeHTTP(cached, req)
	require.Equal(t, http.StatusNotModified, cached.Code)

	rec, out = s.do(t, http.MethodPost, "/v1/messages/"+itoa(msgID)+"/like", fan.token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	require.Equal(t, "validation_error", out["code"])
}

func TestErrorsMapToStatus(t *testing.T) {
	s := newServer(t)
	a := s.newAccount(t)

	rec, out := s.do(t, http.MethodPost, "/v1/stake", a.token, gin.H{"collateral": "lots"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_error", out["code"])

	rec, out = s.do(t, http.MethodPost, "/v1/messages/99/like", a.token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", out["code"])

	rec, out = s.do(t, http.MethodPost, "/v1/topics", a.token, gin.H{
		"metadataHash": crypto.Keccak256Hash([]byte("x")).Hex(),
		"duration":     86400,
		"freezeWindow": 600,
		"curatedLimit": 10,
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	require.Equal(t, "insufficient_vp", out["code"])

	rec, out = s.do(t, http.MethodPost, "/v1/call", a.token, gin.H{"data": "0xdeadbeef"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "unknown_selector", out["code"])
}

func TestAdminRoutes(t *testing.T) {
	s := newServer(t)
	a := s.newAccount(t)
	rec, _ := s.do(t, http.MethodPost, "/v1/admin/settlements", a.token, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	owner := s.login(t, s.owner)
	rec, _ = s.do(t, http.MethodPost, "/v1/admin/settlements", owner.token, nil)
	require.NotEqual(t, http.StatusForbidden, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodGet, "/healthz", "", nil)
	rec, _ := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "murmur_api_requests_total")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"))
}

func TestCuratedETagTracksLikes(t *testing.T) {
	h := common.HexToHash("0x01")
	a := curatedETag(h, []types.CuratedEntry{{MessageID: 1, LikeCount: 2, Rank: 1}})
	b := curatedETag(h, []types.CuratedEntry{{MessageID: 1, LikeCount: 3, Rank: 1}})
	require.NotEqual(t, a, b)
	require.Equal(t, a, curatedETag(h, []types.CuratedEntry{{MessageID: 1, LikeCount: 2, Rank: 1}}))
}
