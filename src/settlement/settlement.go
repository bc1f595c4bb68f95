// Package settlement turns unsettled VP consumption into signed,
// nonce-protected balance batches and finalizes closed topics by minting.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/ledger"
	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/types"
)

const (
	// MaxBatchUsers bounds one settlement batch.
	MaxBatchUsers = 200

	signRetries   = 3
	signRetryBase = 200 * time.Millisecond
)

// Signed is a settlement payload with the trusted signer's signature, ready
// to be applied.
type Signed struct {
	SettlementID uint64
	Payload      attest.Settlement
	Signature    []byte
}

type Coordinator struct {
	db       *storage.DB
	ledger   *ledger.Ledger
	verifier *attest.Verifier
	signer   attest.Signer
	trusted  string
	clock    clock.Clock
	log      zerolog.Logger
}

// NewCoordinator wires the coordinator. signer produces signatures; trusted is
// the address every applied signature must recover to.
func NewCoordinator(db *storage.DB, l *ledger.Ledger, verifier *attest.Verifier, signer attest.Signer, trusted string, clk clock.Clock, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		db:       db,
		ledger:   l,
		verifier: verifier,
		signer:   signer,
		trusted:  trusted,
		clock:    clk,
		log:      log.With().Str("component", "settlement").Logger(),
	}
}

func (c *Coordinator) Trusted() string {
	return c.trusted
}

// SignBatchSettlement signs every participant's unsettled consumption.
func (c *Coordinator) SignBatchSettlement(ctx context.Context) (*Signed, error) {
	return c.sign(ctx, nil)
}

// SignSettlementFor signs the unsettled consumption of users only, letting
// callers page through large backlogs.
func (c *Coordinator) SignSettlementFor(ctx context.Context, users []common.Address) (*Signed, error) {
	if len(users) == 0 {
		return nil, types.Invalid("no users to settle")
	}
	if len(users) > MaxBatchUsers {
		return nil, fmt.Errorf("%w: %d users, limit %d", types.ErrBatchTooLarge, len(users), MaxBatchUsers)
	}
	filter := make(map[common.Address]bool, len(users))
	for _, u := range users {
		filter[u] = true
	}
	return c.sign(ctx, filter)
}

// sign reads the aggregate and nonce, obtains a signature outside any
// transaction and records it. If the nonce moved meanwhile the batch is
// rebuilt and signed again.
func (c *Coordinator) sign(ctx context.Context, filter map[common.Address]bool) (*Signed, error) {
	backoff, err := retry.NewExponential(signRetryBase)
	if err != nil {
		return nil, fmt.Errorf("create retry backoff: %w", err)
	}
	var signed *Signed
	err = retry.Do(ctx, retry.WithMaxRetries(signRetries, backoff), func(ctx context.Context) error {
		var err error
		signed, err = c.signOnce(ctx, filter)
		if errors.Is(err, types.ErrReplayOrStaleNonce) {
			c.log.Warn().Err(err).Msg("settlement nonce moved while signing, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

func (c *Coordinator) signOnce(ctx context.Context, filter map[common.Address]bool) (*Signed, error) {
	var deltas []types.Delta
	var nonce uint64
	err := c.db.View(func(tx *badger.Txn) error {
		all, err := ledger.AggregateUnsettled(tx)
		if err != nil {
			return err
		}
		for _, d := range all {
			if filter == nil || filter[d.User] {
				deltas = append(deltas, d)
			}
		}
		return storage.ReadCounter(storage.CounterSettlementNonce, &nonce)(tx)
	})
	if err != nil {
		return nil, err
	}
	if len(deltas) == 0 {
		return nil, types.Invalid("nothing to settle")
	}
	if len(deltas) > MaxBatchUsers {
		return nil, fmt.Errorf("%w: %d users, limit %d", types.ErrBatchTooLarge, len(deltas), MaxBatchUsers)
	}

	payload := attest.Settlement{
		Users:  make([]common.Address, len(deltas)),
		Deltas: make([]int64, len(deltas)),
		Nonce:  nonce,
	}
	var seqs []uint64
	for i, d := range deltas {
		payload.Users[i] = d.User
		payload.Deltas[i] = d.Amount
		seqs = append(seqs, d.Entries...)
	}

	sig, err := c.signer.Sign(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("could not sign settlement %d: %w", nonce, err)
	}

	record := &types.Settlement{
		Nonce:     nonce,
		Type:      types.SettlementTypeBatch,
		Status:    types.SettlementSigned,
		Users:     payload.Users,
		Deltas:    payload.Deltas,
		EntrySeqs: seqs,
		Signature: sig,
		SignedAt:  c.clock.Now().Unix(),
	}
	err = c.db.Update(func(tx *badger.Txn) error {
		var current uint64
		if err := storage.ReadCounter(storage.CounterSettlementNonce, &current)(tx); err != nil {
			return err
		}
		if current != nonce {
			return fmt.Errorf("%w: signed for %d, ledger at %d", types.ErrReplayOrStaleNonce, nonce, current)
		}
		if err := storage.NextSequence(storage.CounterSettlementID, &record.ID)(tx); err != nil {
			return err
		}
		return storage.UpsertSettlement(record)(tx)
	})
	if err != nil {
		return nil, err
	}
	c.log.Info().Uint64("settlement", record.ID).Uint64("nonce", nonce).Int("users", len(deltas)).Msg("settlement signed")
	return &Signed{SettlementID: record.ID, Payload: payload, Signature: sig}, nil
}

func sameBatch(record *types.Settlement, users []common.Address, deltas []int64) bool {
	if len(record.Users) != len(users) || len(record.Deltas) != len(deltas) {
		return false
	}
	for i := range users {
		if record.Users[i] != users[i] || record.Deltas[i] != deltas[i] {
			return false
		}
	}
	return true
}

// ApplySettlement checks the nonce and signature, applies every delta and
// advances the nonce, all inside tx.
func (c *Coordinator) ApplySettlement(tx *badger.Txn, users []common.Address, deltas []int64, nonce uint64, sig []byte) (*types.Settlement, error) {
	if len(users) != len(deltas) {
		return nil, types.Invalid("%d users but %d deltas", len(users), len(deltas))
	}
	if len(users) > MaxBatchUsers {
		return nil, fmt.Errorf("%w: %d users, limit %d", types.ErrBatchTooLarge, len(users), MaxBatchUsers)
	}
	var current uint64
	if err := storage.ReadCounter(storage.CounterSettlementNonce, &current)(tx); err != nil {
		return nil, err
	}
	if nonce != current {
		return nil, fmt.Errorf("%w: got %d, expected %d", types.ErrReplayOrStaleNonce, nonce, current)
	}
	payload := attest.Settlement{Users: users, Deltas: deltas, Nonce: nonce}
	if err := c.verifier.Verify(payload, sig, c.trusted); err != nil {
		return nil, err
	}

	var record types.Settlement
	err := storage.LookupSettlementByNonce(nonce, &record)(tx)
	switch {
	case err == nil && record.Status == types.SettlementSigned && sameBatch(&record, users, deltas):
	case err == nil || errors.Is(err, types.ErrNotFound):
		record = types.Settlement{Nonce: nonce, Type: types.SettlementTypeBatch, Users: users, Deltas: deltas}
		if err := storage.NextSequence(storage.CounterSettlementID, &record.ID)(tx); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := c.ledger.ApplyDeltas(tx, users, deltas, record.ID, record.EntrySeqs); err != nil {
		return nil, err
	}
	if err := storage.WriteCounter(storage.CounterSettlementNonce, nonce+1)(tx); err != nil {
		return nil, err
	}
	record.Status = types.SettlementApplied
	record.Signature = sig
	record.AppliedAt = c.clock.Now().Unix()
	if err := storage.UpsertSettlement(&record)(tx); err != nil {
		return nil, fmt.Errorf("could not store settlement: %w", err)
	}
	c.log.Info().Uint64("settlement", record.ID).Uint64("nonce", nonce).Msg("settlement applied")
	return &record, nil
}

// Nonce is the nonce the next settlement must carry.
func Nonce(tx *badger.Txn) (uint64, error) {
	var n uint64
	err := storage.ReadCounter(storage.CounterSettlementNonce, &n)(tx)
	return n, err
}
