// Package ledger tracks staked collateral and the VP derived from it: global
// balances, topic-scoped locks, consumption awaiting settlement and refunds.
//
// Every method takes the caller's read-write transaction; the ledger never
// opens its own so that a protocol operation stays one atomic unit.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/types"
)

var vpScale = uint256.NewInt(10_000)

// CalculateVP maps collateral onto VP along floor(sqrt(collateral * 10^4)),
// i.e. 100 * sqrt(collateral) without losing the fractional digits. Integer
// only, so every implementation agrees bit for bit.
func CalculateVP(collateral *uint256.Int) (uint64, error) {
	if collateral == nil || collateral.IsZero() {
		return 0, nil
	}
	scaled, overflow := new(uint256.Int).MulOverflow(collateral, vpScale)
	if overflow {
		return 0, types.Invalid("collateral %s too large", collateral.Dec())
	}
	vp := new(uint256.Int).Sqrt(scaled)
	if !vp.IsUint64() {
		return 0, types.Invalid("collateral %s too large", collateral.Dec())
	}
	return vp.Uint64(), nil
}

type Ledger struct {
	clock clock.Clock
	log   zerolog.Logger
}

func New(clk clock.Clock, log zerolog.Logger) *Ledger {
	return &Ledger{
		clock: clk,
		log:   log.With().Str("component", "ledger").Logger(),
	}
}

// Stake adds collateral and mints VP into the settled balance.
func (l *Ledger) Stake(tx *badger.Txn, addr common.Address, collateral *uint256.Int) (uint64, error) {
	if collateral == nil || collateral.IsZero() {
		return 0, types.Invalid("stake collateral must be positive")
	}
	vp, err := CalculateVP(collateral)
	if err != nil {
		return 0, err
	}
	p, err := storage.LoadParticipant(tx, addr)
	if err != nil {
		return 0, err
	}
	staked, overflow := new(uint256.Int).AddOverflow(p.Staked, collateral)
	if overflow {
		return 0, types.Invalid("staked collateral overflows")
	}
	if p.Balance+vp < p.Balance {
		return 0, types.Invalid("VP balance overflows")
	}
	p.Staked = staked
	p.Balance += vp
	if err := storage.UpsertParticipant(p)(tx); err != nil {
		return 0, fmt.Errorf("could not store participant: %w", err)
	}
	l.log.Debug().Str("participant", addr.Hex()).Uint64("vp", vp).Msg("stake")
	return vp, nil
}

// WithdrawStake returns collateral; the VP it minted stays.
func (l *Ledger) WithdrawStake(tx *badger.Txn, addr common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return types.Invalid("withdraw amount must be positive")
	}
	var p types.Participant
	err := storage.RetrieveParticipant(addr, &p)(tx)
	if errors.Is(err, types.ErrNotFound) {
		return types.Invalid("participant %s has no stake", addr.Hex())
	}
	if err != nil {
		return err
	}
	if amount.Gt(p.Staked) {
		return types.Invalid("withdraw %s exceeds staked %s", amount.Dec(), p.Staked.Dec())
	}
	p.Staked = new(uint256.Int).Sub(p.Staked, amount)
	return storage.UpsertParticipant(&p)(tx)
}

// LockForTopic mints topic-scoped VP from collateral locked into a live topic.
// The caller has already run close-on-demand on topic.
func (l *Ledger) LockForTopic(tx *badger.Txn, addr common.Address, topic *types.Topic, collateral *uint256.Int) (uint64, error) {
	if topic.Status != types.TopicLive {
		return 0, fmt.Errorf("%w: topic %d is %s", types.ErrTopicNotLive, topic.ID, topic.Status)
	}
	if collateral == nil || collateral.IsZero() {
		return 0, types.Invalid("lock collateral must be positive")
	}
	vp, err := CalculateVP(collateral)
	if err != nil {
		return 0, err
	}
	p, err := storage.LoadParticipant(tx, addr)
	if err != nil {
		return 0, err
	}
	acct := p.Account(topic.ID)
	locked, overflow := new(uint256.Int).AddOverflow(acct.Collateral, collateral)
	if overflow {
		return 0, types.Invalid("locked collateral overflows")
	}
	acct.Collateral = locked
	acct.VP += vp
	p.Touch(topic.ID)
	if err := storage.UpsertParticipant(p)(tx); err != nil {
		return 0, fmt.Errorf("could not store participant: %w", err)
	}
	return vp, nil
}

// Consume charges amount against the participant inside topic. The topic
// creation fee comes out of available global VP; posts and likes come out of
// the VP locked into topic and never fall back to global VP. The consumption
// is recorded as an unsettled entry; topic is updated and saved.
func (l *Ledger) Consume(tx *badger.Txn, addr common.Address, topic *types.Topic, amount uint64, reason types.Reason) (*types.UnsettledEntry, error) {
	if amount == 0 {
		return nil, types.Invalid("consume amount must be positive")
	}
	p, err := storage.LoadParticipant(tx, addr)
	if err != nil {
		return nil, err
	}

	var fromLocked uint64
	acct := p.Account(topic.ID)
	if reason == types.ReasonTopicCreate {
		if amount > p.Available() {
			return nil, fmt.Errorf("%w: need %d, have %d global",
				types.ErrInsufficientVP, amount, p.Available())
		}
	} else {
		if amount > acct.VP {
			return nil, fmt.Errorf("%w: need %d, have %d locked in topic %d",
				types.ErrInsufficientVP, amount, acct.VP, topic.ID)
		}
		fromLocked = amount
	}
	fromGlobal := amount - fromLocked

	var seq uint64
	if err := storage.NextSequence(storage.CounterEntrySeq, &seq)(tx); err != nil {
		return nil, err
	}
	entry := &types.UnsettledEntry{
		Seq:        seq,
		TopicID:    topic.ID,
		User:       addr,
		Amount:     amount,
		FromLocked: fromLocked,
		Reason:     reason,
		CreatedAt:  l.clock.Now().Unix(),
	}
	if err := storage.InsertUnsettled(entry)(tx); err != nil {
		return nil, fmt.Errorf("could not record consumption: %w", err)
	}

	acct.VP -= fromLocked
	p.Pending += fromGlobal
	if reason.Refundable() {
		acct.Consumed += amount
	}
	p.Touch(topic.ID)
	if err := storage.UpsertParticipant(p)(tx); err != nil {
		return nil, fmt.Errorf("could not store participant: %w", err)
	}

	if reason != types.ReasonTopicCreate {
		topic.VPBurned += amount
	}
	topic.AddParticipant(addr)
	if err := storage.UpsertTopic(topic)(tx); err != nil {
		return nil, fmt.Errorf("could not store topic: %w", err)
	}
	return entry, nil
}

// AggregateUnsettled sums every unsettled entry into one negative delta per
// participant, ordered by address.
func AggregateUnsettled(tx *badger.Txn) ([]types.Delta, error) {
	byUser := make(map[common.Address]*types.Delta)
	err := storage.IterateUnsettled(func(e *types.UnsettledEntry) error {
		d, ok := byUser[e.User]
		if !ok {
			d = &types.Delta{User: e.User}
			byUser[e.User] = d
		}
		d.Amount -= int64(e.Net())
		d.Entries = append(d.Entries, e.Seq)
		return nil
	})(tx)
	if err != nil {
		return nil, fmt.Errorf("could not aggregate unsettled entries: %w", err)
	}

	deltas := make([]types.Delta, 0, len(byUser))
	for _, d := range byUser {
		deltas = append(deltas, *d)
	}
	sort.Slice(deltas, func(i, j int) bool {
		return deltas[i].User.Cmp(deltas[j].User) < 0
	})
	return deltas, nil
}

// RefundTopic credits every participant's refundable consumption in topic back
// to their settled balance. It runs once per topic; topic is updated and saved.
func (l *Ledger) RefundTopic(tx *badger.Txn, topic *types.Topic) (uint64, error) {
	if topic.Refunded {
		return 0, fmt.Errorf("%w: topic %d", types.ErrAlreadyRefunded, topic.ID)
	}
	var total uint64
	for _, addr := range topic.Participants {
		p, err := storage.LoadParticipant(tx, addr)
		if err != nil {
			return 0, err
		}
		acct, ok := p.Topics[topic.ID]
		if !ok || acct.Consumed == 0 {
			continue
		}
		p.Balance += acct.Consumed
		total += acct.Consumed
		acct.Consumed = 0
		if err := storage.UpsertParticipant(p)(tx); err != nil {
			return 0, fmt.Errorf("could not store participant: %w", err)
		}
	}
	topic.Refunded = true
	if err := storage.UpsertTopic(topic)(tx); err != nil {
		return 0, fmt.Errorf("could not store topic: %w", err)
	}
	l.log.Info().Uint64("topic", topic.ID).Uint64("refunded", total).Msg("topic refunded")
	return total, nil
}

// RedemptionEligible is true iff every topic the participant touched is terminal.
func RedemptionEligible(tx *badger.Txn, addr common.Address) (bool, error) {
	p, err := storage.LoadParticipant(tx, addr)
	if err != nil {
		return false, err
	}
	for _, id := range p.Touched {
		var t types.Topic
		if err := storage.RetrieveTopic(id, &t)(tx); err != nil {
			return false, fmt.Errorf("could not load touched topic %d: %w", id, err)
		}
		if !t.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// Balance is a read-only snapshot of a participant's holdings.
type Balance struct {
	Address   common.Address
	Staked    *uint256.Int
	Balance   uint64
	Pending   uint64
	Available uint64
	Topics    map[uint64]types.TopicAccount
}

func ReadBalance(tx *badger.Txn, addr common.Address) (*Balance, error) {
	p, err := storage.LoadParticipant(tx, addr)
	if err != nil {
		return nil, err
	}
	b := &Balance{
		Address:   addr,
		Staked:    p.Staked.Clone(),
		Balance:   p.Balance,
		Pending:   p.Pending,
		Available: p.Available(),
		Topics:    make(map[uint64]types.TopicAccount, len(p.Topics)),
	}
	for id, acct := range p.Topics {
		b.Topics[id] = *acct
	}
	return b, nil
}
