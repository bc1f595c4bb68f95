package ledger

import (
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/holiman/uint256"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/types"
)

// ApplyDeltas adds each delta to the matching participant's settled balance
// and retires the unsettled entries the deltas cover under settlementID. When
// entrySeqs is empty each negative delta must pay for a run of that
// participant's oldest entries exactly, or for all of them.
// Any balance going negative fails the whole batch with ErrInsufficientVP; a
// balance overflowing fails it with ErrValidation.
func (l *Ledger) ApplyDeltas(tx *badger.Txn, users []common.Address, deltas []int64, settlementID uint64, entrySeqs []uint64) error {
	if len(users) != len(deltas) {
		return types.Invalid("%d users but %d deltas", len(users), len(deltas))
	}

	participants := make(map[common.Address]*types.Participant, len(users))
	var shortfalls, overflows *multierror.Error
	for i, addr := range users {
		p, ok := participants[addr]
		if !ok {
			var err error
			p, err = storage.LoadParticipant(tx, addr)
			if err != nil {
				return err
			}
			participants[addr] = p
		}
		d := deltas[i]
		switch {
		case d >= 0 && uint64(d) > math.MaxUint64-p.Balance:
			overflows = multierror.Append(overflows,
				fmt.Errorf("%s: delta %d overflows balance %d", addr.Hex(), d, p.Balance))
		case d >= 0:
			p.Balance += uint64(d)
		case uint64(-d) > p.Balance:
			shortfalls = multierror.Append(shortfalls,
				fmt.Errorf("%s: delta %d exceeds balance %d", addr.Hex(), d, p.Balance))
		default:
			p.Balance -= uint64(-d)
		}
	}
	if err := overflows.ErrorOrNil(); err != nil {
		return types.Invalid("%v", err)
	}
	if err := shortfalls.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInsufficientVP, err)
	}

	if len(entrySeqs) > 0 {
		if err := l.settleEntries(tx, participants, settlementID, entrySeqs); err != nil {
			return err
		}
	} else {
		if err := l.settleOldest(tx, participants, settlementID, users, deltas); err != nil {
			return err
		}
	}

	for _, addr := range users {
		p, ok := participants[addr]
		if !ok {
			continue
		}
		if err := storage.UpsertParticipant(p)(tx); err != nil {
			return fmt.Errorf("could not store participant: %w", err)
		}
		delete(participants, addr)
	}
	return nil
}

func (l *Ledger) settleEntries(tx *badger.Txn, participants map[common.Address]*types.Participant, settlementID uint64, seqs []uint64) error {
	for _, seq := range seqs {
		var e types.UnsettledEntry
		if err := storage.SettleEntry(seq, settlementID, &e)(tx); err != nil {
			return err
		}
		p, ok := participants[e.User]
		if !ok {
			return fmt.Errorf("entry %d belongs to %s outside the batch", seq, e.User.Hex())
		}
		p.Pending -= min(p.Pending, e.Net())
	}
	return nil
}

// settleOldest handles settlements signed outside this node. Each user's
// negative deltas pay for that user's unsettled entries oldest first; an entry
// is retired only when paid in full. A budget that runs out partway through an
// entry fails with ErrValidation: Balance and Pending never carry the same
// charge twice.
func (l *Ledger) settleOldest(tx *badger.Txn, participants map[common.Address]*types.Participant, settlementID uint64, users []common.Address, deltas []int64) error {
	budget := make(map[common.Address]uint64, len(users))
	for i, addr := range users {
		var debit uint64
		if deltas[i] < 0 {
			debit = uint64(-deltas[i])
		}
		budget[addr] += debit
	}
	blocked := make(map[common.Address]bool)
	var retire []uint64
	err := storage.IterateUnsettled(func(e *types.UnsettledEntry) error {
		left, ok := budget[e.User]
		if !ok || blocked[e.User] {
			return nil
		}
		if e.Net() > left {
			blocked[e.User] = true
			return nil
		}
		budget[e.User] = left - e.Net()
		retire = append(retire, e.Seq)
		return nil
	})(tx)
	if err != nil {
		return err
	}

	var partial *multierror.Error
	for _, addr := range users {
		if left := budget[addr]; left > 0 && blocked[addr] {
			partial = multierror.Append(partial,
				fmt.Errorf("%s: %d VP left over inside an unsettled entry", addr.Hex(), left))
			delete(blocked, addr)
		}
	}
	if err := partial.ErrorOrNil(); err != nil {
		return types.Invalid("delta does not cover whole entries: %v", err)
	}

	for _, seq := range retire {
		var e types.UnsettledEntry
		if err := storage.SettleEntry(seq, settlementID, &e)(tx); err != nil {
			return err
		}
		p := participants[e.User]
		p.Pending -= min(p.Pending, e.Net())
	}
	return nil
}

// Redeem burns VP and releases collateral under a Withdraw authorization from
// the trusted signer. The participant's withdraw nonce must match and every
// topic it touched must be terminal.
func (l *Ledger) Redeem(tx *badger.Txn, w attest.Withdraw, sig []byte, verifier *attest.Verifier, signer string) error {
	var p types.Participant
	err := storage.RetrieveParticipant(w.User, &p)(tx)
	if errors.Is(err, types.ErrNotFound) {
		return types.Invalid("participant %s has no stake", w.User.Hex())
	}
	if err != nil {
		return err
	}
	if want := p.Nonces[types.PurposeWithdraw]; w.Nonce != want {
		return fmt.Errorf("%w: withdraw nonce %d, expected %d", types.ErrReplayOrStaleNonce, w.Nonce, want)
	}
	if err := verifier.Verify(w, sig, signer); err != nil {
		return err
	}
	eligible, err := RedemptionEligible(tx, w.User)
	if err != nil {
		return err
	}
	if !eligible {
		return fmt.Errorf("%w: %s still has live topics", types.ErrNotAuthorized, w.User.Hex())
	}
	if w.VPBurnAmount > p.Available() {
		return fmt.Errorf("%w: burn %d, available %d", types.ErrInsufficientVP, w.VPBurnAmount, p.Available())
	}
	ret := w.CollateralReturn
	if ret == nil {
		ret = new(uint256.Int)
	}
	if ret.Gt(p.Staked) {
		return types.Invalid("collateral return %s exceeds staked %s", ret.Dec(), p.Staked.Dec())
	}

	p.Balance -= w.VPBurnAmount
	p.Staked = new(uint256.Int).Sub(p.Staked, ret)
	p.Nonces[types.PurposeWithdraw]++
	if err := storage.UpsertParticipant(&p)(tx); err != nil {
		return fmt.Errorf("could not store participant: %w", err)
	}
	l.log.Info().Str("participant", w.User.Hex()).Uint64("burned", w.VPBurnAmount).Msg("redeemed")
	return nil
}
