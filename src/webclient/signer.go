package webclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/stake-plus/murmur-protocol/src/attest"
)

const maxResponseBytes = 64 * 1024

type SignerOptions struct {
	Timeout         time.Duration
	Attempts        uint64
	RetryBase       time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (o *SignerOptions) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Attempts == 0 {
		o.Attempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 250 * time.Millisecond
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
}

// RemoteSigner obtains signatures from an external signing service holding
// the trusted key. Calls are retried and guarded by a circuit breaker; every
// returned signature is checked against the service's address.
type RemoteSigner struct {
	url      string
	address  string
	domain   attest.Domain
	verifier *attest.Verifier
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	opts     SignerOptions
	log      zerolog.Logger
}

type signRequest struct {
	PrimaryType string             `json:"primaryType"`
	TypedData   apitypes.TypedData `json:"typedData"`
	Digest      hexutil.Bytes      `json:"digest"`
}

type signResponse struct {
	Signature hexutil.Bytes `json:"signature"`
}

type addressResponse struct {
	Address string `json:"address"`
}

// DialSigner connects to the signing service at url and learns its address.
func DialSigner(ctx context.Context, url string, verifier *attest.Verifier, opts SignerOptions, log zerolog.Logger) (*RemoteSigner, error) {
	opts.defaults()
	s := &RemoteSigner{
		url:      strings.TrimRight(url, "/"),
		domain:   verifier.Domain(),
		verifier: verifier,
		client:   NewDefault(opts.Timeout),
		opts:     opts,
		log:      log.With().Str("component", "remote-signer").Logger(),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "signer",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("signer circuit changed state")
		},
	})

	body, err := s.call(ctx, http.MethodGet, "/address", nil)
	if err != nil {
		return nil, fmt.Errorf("could not reach signer: %w", err)
	}
	var resp addressResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode signer address: %w", err)
	}
	if resp.Address == "" {
		return nil, errors.New("signer reported no address")
	}
	s.address = resp.Address
	s.log.Info().Str("address", s.address).Msg("remote signer ready")
	return s, nil
}

func (s *RemoteSigner) Address() string {
	return s.address
}

func (s *RemoteSigner) Sign(ctx context.Context, p attest.Payload) ([]byte, error) {
	digest, err := s.domain.Digest(p)
	if err != nil {
		return nil, err
	}
	req, err := json.Marshal(signRequest{PrimaryType: p.PrimaryType(), TypedData: s.domain.TypedData(p), Digest: digest})
	if err != nil {
		return nil, fmt.Errorf("encode sign request: %w", err)
	}
	body, err := s.call(ctx, http.MethodPost, "/sign", req)
	if err != nil {
		return nil, err
	}
	var resp signResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if err := s.verifier.Verify(p, resp.Signature, s.address); err != nil {
		return nil, fmt.Errorf("signer returned a bad signature: %w", err)
	}
	return resp.Signature, nil
}

func (s *RemoteSigner) call(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		_, body, err := DoWithRetry(ctx, s.opts.Attempts, s.opts.RetryBase, func(ctx context.Context) (int, []byte, error) {
			return s.do(ctx, method, path, payload)
		})
		return body, err
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (s *RemoteSigner) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, body, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.StatusCode, body, nil
}
