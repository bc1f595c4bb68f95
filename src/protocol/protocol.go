// Package protocol composes the ledger, topic lifecycle, message, curation and
// settlement components behind one facade and a selector router. Every
// mutating call is one storage transaction; events go out after it commits.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/curation"
	"github.com/stake-plus/murmur-protocol/src/events"
	"github.com/stake-plus/murmur-protocol/src/heat"
	"github.com/stake-plus/murmur-protocol/src/ledger"
	"github.com/stake-plus/murmur-protocol/src/messages"
	"github.com/stake-plus/murmur-protocol/src/metrics"
	"github.com/stake-plus/murmur-protocol/src/router"
	"github.com/stake-plus/murmur-protocol/src/settlement"
	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/topics"
	"github.com/stake-plus/murmur-protocol/src/types"
)

type Config struct {
	// Owner controls the router and is always an admin.
	Owner  common.Address
	Domain attest.Domain
	// Oracle signs content attestations.
	Oracle string
	// Trusted is the settlement signer address; empty means the local signer's.
	Trusted           string
	MaxAttestationAge time.Duration
	MaxClockSkew      time.Duration
}

type Protocol struct {
	db       *storage.DB
	clock    clock.Clock
	log      zerolog.Logger
	signer   attest.Signer
	verifier *attest.Verifier
	ledger   *ledger.Ledger
	topics   *topics.Manager
	curation *curation.Engine
	messages *messages.Engine
	coord    *settlement.Coordinator
	minter   *settlement.Minter
	router   *router.Router
	bus      *events.Bus
	metrics  *metrics.Collector
}

// New wires every component and mounts their router modules. bus and
// collector may be nil.
func New(db *storage.DB, cfg Config, signer attest.Signer, bus *events.Bus, collector *metrics.Collector, clk clock.Clock, log zerolog.Logger) (*Protocol, error) {
	if signer == nil {
		return nil, errors.New("protocol needs a signer")
	}
	if cfg.Oracle == "" {
		return nil, errors.New("protocol needs an oracle address")
	}
	trusted := cfg.Trusted
	if trusted == "" {
		trusted = signer.Address()
	}

	verifier := attest.NewVerifier(cfg.Domain, clk, cfg.MaxAttestationAge, cfg.MaxClockSkew)
	l := ledger.New(clk, log)
	tm := topics.NewManager(l, clk, log)
	cur := curation.NewEngine(clk, log)
	coord := settlement.NewCoordinator(db, l, verifier, signer, trusted, clk, log)

	p := &Protocol{
		db:       db,
		clock:    clk,
		log:      log.With().Str("component", "protocol").Logger(),
		signer:   signer,
		verifier: verifier,
		ledger:   l,
		topics:   tm,
		curation: cur,
		messages: messages.NewEngine(tm, l, cur, verifier, cfg.Oracle, clk, log),
		coord:    coord,
		minter:   settlement.NewMinter(coord, tm, cur),
		router:   router.New(cfg.Owner, log),
		bus:      bus,
		metrics:  collector,
	}
	modules, err := p.modules()
	if err != nil {
		return nil, err
	}
	for _, m := range modules {
		if err := p.router.Mount(cfg.Owner, m); err != nil {
			return nil, fmt.Errorf("mount %s: %w", m.Name(), err)
		}
	}
	p.log.Info().Str("owner", cfg.Owner.Hex()).Str("oracle", cfg.Oracle).Str("trusted", trusted).Int("routes", len(p.router.Bindings())).Msg("protocol ready")
	return p, nil
}

func (p *Protocol) Router() *router.Router {
	return p.router
}

func (p *Protocol) Verifier() *attest.Verifier {
	return p.verifier
}

// Dispatch routes an ABI-encoded call.
func (p *Protocol) Dispatch(ctx context.Context, call router.Call) ([]byte, error) {
	return p.router.Dispatch(ctx, call)
}

func (p *Protocol) observe(op string, started time.Time, err error) {
	if p.metrics != nil {
		p.metrics.Operation(op, started, err)
	}
}

func (p *Protocol) publish(ctx context.Context, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	at := p.clock.Now().Unix()
	for i := range evs {
		if evs[i].At == 0 {
			evs[i].At = at
		}
	}
	// delivery failures are logged by the bus; state is already committed
	_ = p.bus.Publish(ctx, evs...)
}

// run executes fn as one transaction and publishes its events after commit.
func (p *Protocol) run(ctx context.Context, op string, fn func(tx *badger.Txn) ([]events.Event, error)) error {
	started := time.Now()
	var evs []events.Event
	err := p.db.Update(func(tx *badger.Txn) error {
		var err error
		evs, err = fn(tx)
		return err
	})
	p.observe(op, started, err)
	if err != nil {
		p.log.Debug().Err(err).Str("op", op).Str("code", types.Code(err)).Msg("operation rejected")
		return err
	}
	p.publish(ctx, evs)
	return nil
}

// runOnTopic is run for operations on one topic. A failed operation rolls back
// any close-on-demand it triggered, so the close is committed on its own.
func (p *Protocol) runOnTopic(ctx context.Context, op string, topicID uint64, fn func(tx *badger.Txn) ([]events.Event, error)) error {
	err := p.run(ctx, op, fn)
	if err != nil {
		p.closeIfExpired(ctx, topicID)
	}
	return err
}

func (p *Protocol) closeIfExpired(ctx context.Context, topicID uint64) {
	var closed *types.Topic
	err := p.db.Update(func(tx *badger.Txn) error {
		topic, err := p.topics.Load(tx, topicID)
		if err != nil {
			return err
		}
		ok, err := p.topics.CheckAndClose(tx, topic)
		if err != nil || !ok {
			return err
		}
		closed = topic
		return nil
	})
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			p.log.Warn().Err(err).Uint64("topic", topicID).Msg("could not close expired topic")
		}
		return
	}
	if closed != nil {
		p.publish(ctx, []events.Event{{Kind: events.KindTopicClosed, Topic: closed}})
	}
}

func snapshot(tx *badger.Txn, addrs ...common.Address) ([]*types.Participant, error) {
	out := make([]*types.Participant, 0, len(addrs))
	for _, a := range addrs {
		pt, err := storage.LoadParticipant(tx, a)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, nil
}

// Stake adds collateral and returns the VP it minted.
func (p *Protocol) Stake(ctx context.Context, addr common.Address, collateral *uint256.Int) (uint64, error) {
	var vp uint64
	err := p.run(ctx, "stake", func(tx *badger.Txn) ([]events.Event, error) {
		var err error
		if vp, err = p.ledger.Stake(tx, addr, collateral); err != nil {
			return nil, err
		}
		parts, err := snapshot(tx, addr)
		return []events.Event{{Kind: events.KindStaked, Actor: addr, Amount: vp, Participants: parts}}, err
	})
	return vp, err
}

func (p *Protocol) WithdrawStake(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	return p.run(ctx, "withdraw_stake", func(tx *badger.Txn) ([]events.Event, error) {
		if err := p.ledger.WithdrawStake(tx, addr, amount); err != nil {
			return nil, err
		}
		parts, err := snapshot(tx, addr)
		return []events.Event{{Kind: events.KindStakeWithdrawn, Actor: addr, Participants: parts}}, err
	})
}

// LockForTopic locks collateral into a live topic for topic-scoped VP.
func (p *Protocol) LockForTopic(ctx context.Context, addr common.Address, topicID uint64, collateral *uint256.Int) (uint64, error) {
	var vp uint64
	err := p.runOnTopic(ctx, "lock_for_topic", topicID, func(tx *badger.Txn) ([]events.Event, error) {
		topic, err := p.topics.RequireLive(tx, topicID)
		if err != nil {
			return nil, err
		}
		if vp, err = p.ledger.LockForTopic(tx, addr, topic, collateral); err != nil {
			return nil, err
		}
		parts, err := snapshot(tx, addr)
		return []events.Event{{Kind: events.KindTopicLocked, Actor: addr, Amount: vp, Topic: topic, Participants: parts}}, err
	})
	return vp, err
}

func (p *Protocol) QuoteCreationCost(_ context.Context) (uint64, error) {
	var cost uint64
	err := p.db.View(func(tx *badger.Txn) error {
		var err error
		cost, err = p.topics.QuoteCreationCost(tx)
		return err
	})
	return cost, err
}

func (p *Protocol) CreateTopic(ctx context.Context, creator common.Address, params topics.CreateParams) (*types.Topic, error) {
	var topic *types.Topic
	err := p.run(ctx, "create_topic", func(tx *badger.Txn) ([]events.Event, error) {
		cost, err := p.topics.QuoteCreationCost(tx)
		if err != nil {
			return nil, err
		}
		if topic, err = p.topics.Create(tx, creator, params); err != nil {
			return nil, err
		}
		parts, err := snapshot(tx, creator)
		return []events.Event{{Kind: events.KindTopicCreated, Actor: creator, Amount: cost, Topic: topic, Participants: parts}}, err
	})
	return topic, err
}

// CloseTopic is the permissionless close of an expired live topic.
func (p *Protocol) CloseTopic(ctx context.Context, topicID uint64) (*types.Topic, error) {
	var topic *types.Topic
	err := p.run(ctx, "close_topic", func(tx *badger.Txn) ([]events.Event, error) {
		var err error
		if topic, err = p.topics.Close(tx, topicID); err != nil {
			return nil, err
		}
		return []events.Event{{Kind: events.KindTopicClosed, Topic: topic}}, nil
	})
	return topic, err
}

// SettleTopic finalizes a closed topic without minting. Admins may settle any
// closed topic, anyone else only one without messages.
func (p *Protocol) SettleTopic(ctx context.Context, caller common.Address, topicID uint64) (*types.Topic, error) {
	var topic *types.Topic
	err := p.runOnTopic(ctx, "settle_topic", topicID, func(tx *badger.Txn) ([]events.Event, error) {
		var err error
		if topic, err = p.topics.Settle(tx, topicID, p.router.IsAdmin(caller)); err != nil {
			return nil, err
		}
		parts, err := snapshot(tx, topic.Participants...)
		return []events.Event{{Kind: events.KindTopicSettled, Actor: caller, Topic: topic, Participants: parts}}, err
	})
	return topic, err
}

func (p *Protocol) Post(ctx context.Context, req messages.PostRequest) (*types.Message, error) {
	var msg *types.Message
	err := p.runOnTopic(ctx, "post", req.TopicID, func(tx *badger.Txn) ([]events.Event, error) {
		var err error
		if msg, err = p.messages.Post(tx, req); err != nil {
			return nil, err
		}
		topic, err := p.topics.Load(tx, req.TopicID)
		if err != nil {
			return nil, err
		}
		parts, err := snapshot(tx, req.Author)
		return []events.Event{{Kind: events.KindMessagePosted, Actor: req.Author, Amount: msg.VPCost, Topic: topic, Message: msg, Participants: parts}}, err
	})
	return msg, err
}

func (p *Protocol) Like(ctx context.Context, topicID, messageID uint64, liker common.Address) (*types.Message, error) {
	var msg *types.Message
	err := p.runOnTopic(ctx, "like", topicID, func(tx *badger.Txn) ([]events.Event, error) {
		var err error
		if msg, err = p.messages.Like(tx, topicID, messageID, liker); err != nil {
			return nil, err
		}
		topic, err := p.topics.Load(tx, topicID)
		if err != nil {
			return nil, err
		}
		curated, err := curation.Messages(tx, topic)
		if err != nil {
			return nil, err
		}
		parts, err := snapshot(tx, liker)
		return []events.Event{{
			Kind:         events.KindMessageLiked,
			Actor:        liker,
			Amount:       messages.LikeCost,
			Topic:        topic,
			Message:      msg,
			Curated:      curated,
			Participants: parts,
		}}, err
	})
	return msg, err
}

func (p *Protocol) QuotePost(_ context.Context, topicID uint64, author common.Address, length, scoreBps uint32) (heat.Quote, error) {
	var q heat.Quote
	err := p.db.View(func(tx *badger.Txn) error {
		var err error
		q, err = p.messages.Quote(tx, topicID, author, length, scoreBps)
		return err
	})
	return q, err
}

func (p *Protocol) Heat(_ context.Context, topicID uint64) (decimal.Decimal, error) {
	var h decimal.Decimal
	err := p.db.View(func(tx *badger.Txn) error {
		var err error
		h, err = p.messages.Heat(tx, topicID)
		return err
	})
	return h, err
}

func (p *Protocol) Topic(_ context.Context, topicID uint64) (*types.Topic, error) {
	var topic *types.Topic
	err := p.db.View(func(tx *badger.Txn) error {
		var err error
		topic, err = p.topics.Load(tx, topicID)
		return err
	})
	return topic, err
}

// TopicState reports a topic with its derived expired and frozen flags.
func (p *Protocol) TopicState(ctx context.Context, topicID uint64) (*types.Topic, bool, bool, error) {
	topic, err := p.Topic(ctx, topicID)
	if err != nil {
		return nil, false, false, err
	}
	return topic, p.topics.IsExpired(topic), p.topics.IsFrozen(topic), nil
}

func (p *Protocol) Message(_ context.Context, messageID uint64) (*types.Message, error) {
	var m types.Message
	if err := p.db.View(storage.RetrieveMessage(messageID, &m)); err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *Protocol) TopicMessages(_ context.Context, topicID uint64) ([]*types.Message, error) {
	var out []*types.Message
	err := p.db.View(func(tx *badger.Txn) error {
		var err error
		out, err = messages.TopicMessages(tx, topicID)
		return err
	})
	return out, err
}

// Curated returns a topic's curated entries in rank order and their hash.
func (p *Protocol) Curated(_ context.Context, topicID uint64) ([]types.CuratedEntry, common.Hash, error) {
	var entries []types.CuratedEntry
	var h common.Hash
	err := p.db.View(func(tx *badger.Txn) error {
		topic, err := p.topics.Load(tx, topicID)
		if err != nil {
			return err
		}
		if entries, err = curation.Messages(tx, topic); err != nil {
			return err
		}
		h, err = curation.Hash(tx, topic)
		return err
	})
	return entries, h, err
}

func (p *Protocol) Balance(_ context.Context, addr common.Address) (*ledger.Balance, error) {
	var b *ledger.Balance
	err := p.db.View(func(tx *badger.Txn) error {
		var err error
		b, err = ledger.ReadBalance(tx, addr)
		return err
	})
	return b, err
}

func (p *Protocol) RedemptionEligible(_ context.Context, addr common.Address) (bool, error) {
	var ok bool
	err := p.db.View(func(tx *badger.Txn) error {
		var err error
		ok, err = ledger.RedemptionEligible(tx, addr)
		return err
	})
	return ok, err
}

func (p *Protocol) SettlementNonce(_ context.Context) (uint64, error) {
	var n uint64
	err := p.db.View(func(tx *badger.Txn) error {
		var err error
		n, err = settlement.Nonce(tx)
		return err
	})
	return n, err
}

func (p *Protocol) signed(ctx context.Context, op string, sign func(context.Context) (*settlement.Signed, error)) (*settlement.Signed, error) {
	started := time.Now()
	s, err := sign(ctx)
	p.observe(op, started, err)
	if err != nil {
		if p.metrics != nil && types.Code(err) == "internal" {
			p.metrics.SignerFailure()
		}
		return nil, err
	}
	p.publish(ctx, []events.Event{{
		Kind: events.KindSettlementSigned,
		Settlement: &types.Settlement{
			ID:     s.SettlementID,
			Nonce:  s.Payload.Nonce,
			Type:   types.SettlementTypeBatch,
			Status: types.SettlementSigned,
			Users:  s.Payload.Users,
			Deltas: s.Payload.Deltas,
		},
	}})
	return s, nil
}

// SignBatchSettlement signs all unsettled consumption at the current nonce.
func (p *Protocol) SignBatchSettlement(ctx context.Context) (*settlement.Signed, error) {
	return p.signed(ctx, "sign_settlement", p.coord.SignBatchSettlement)
}

func (p *Protocol) SignSettlementFor(ctx context.Context, users []common.Address) (*settlement.Signed, error) {
	return p.signed(ctx, "sign_settlement", func(ctx context.Context) (*settlement.Signed, error) {
		return p.coord.SignSettlementFor(ctx, users)
	})
}

// UnsettledUsers lists participants with consumption awaiting settlement.
func (p *Protocol) UnsettledUsers(_ context.Context) ([]common.Address, error) {
	var users []common.Address
	err := p.db.View(func(tx *badger.Txn) error {
		deltas, err := ledger.AggregateUnsettled(tx)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			users = append(users, d.User)
		}
		return nil
	})
	return users, err
}

// SettleAll signs and applies every pending delta, in batches no larger than
// the signer accepts. It returns the number of users settled.
func (p *Protocol) SettleAll(ctx context.Context) (int, error) {
	users, err := p.UnsettledUsers(ctx)
	if err != nil {
		return 0, err
	}
	settled := 0
	for start := 0; start < len(users); start += settlement.MaxBatchUsers {
		end := start + settlement.MaxBatchUsers
		if end > len(users) {
			end = len(users)
		}
		s, err := p.SignSettlementFor(ctx, users[start:end])
		if err != nil {
			return settled, err
		}
		if _, err := p.ApplySettlement(ctx, s.Payload.Users, s.Payload.Deltas, s.Payload.Nonce, s.Signature); err != nil {
			return settled, err
		}
		settled += len(s.Payload.Users)
	}
	return settled, nil
}

func (p *Protocol) ApplySettlement(ctx context.Context, users []common.Address, deltas []int64, nonce uint64, sig []byte) (*types.Settlement, error) {
	var record *types.Settlement
	err := p.run(ctx, "apply_settlement", func(tx *badger.Txn) ([]events.Event, error) {
		var err error
		if record, err = p.coord.ApplySettlement(tx, users, deltas, nonce, sig); err != nil {
			return nil, err
		}
		parts, err := snapshot(tx, users...)
		return []events.Event{{Kind: events.KindSettlementApplied, Settlement: record, Participants: parts}}, err
	})
	return record, err
}

func (p *Protocol) mintEvents(tx *badger.Txn, record *types.MintRecord) ([]events.Event, error) {
	topic, err := p.topics.Load(tx, record.TopicID)
	if err != nil {
		return nil, err
	}
	curated, err := curation.Messages(tx, topic)
	if err != nil {
		return nil, err
	}
	parts, err := snapshot(tx, topic.Participants...)
	if err != nil {
		return nil, err
	}
	return []events.Event{{
		Kind:         events.KindTopicMinted,
		Actor:        record.MintedBy,
		Topic:        topic,
		Curated:      curated,
		Mint:         record,
		Participants: parts,
	}}, nil
}

// MintFinalize mints a closed topic on behalf of one of its posters.
func (p *Protocol) MintFinalize(ctx context.Context, topicID uint64, minter common.Address) (*types.MintRecord, error) {
	var record *types.MintRecord
	err := p.runOnTopic(ctx, "mint_finalize", topicID, func(tx *badger.Txn) ([]events.Event, error) {
		var err error
		if record, err = p.minter.MintFinalize(tx, topicID, minter); err != nil {
			return nil, err
		}
		return p.mintEvents(tx, record)
	})
	return record, err
}

func (p *Protocol) SignMintAttestation(ctx context.Context, topicID uint64, minter common.Address) (attest.MintAttestation, []byte, error) {
	return p.minter.SignMintAttestation(ctx, topicID, minter)
}

func (p *Protocol) MintFinalizeAttested(ctx context.Context, att attest.MintAttestation, sig []byte) (*types.MintRecord, error) {
	var record *types.MintRecord
	err := p.runOnTopic(ctx, "mint_finalize", att.TopicID, func(tx *badger.Txn) ([]events.Event, error) {
		var err error
		if record, err = p.minter.MintFinalizeAttested(tx, att, sig); err != nil {
			return nil, err
		}
		return p.mintEvents(tx, record)
	})
	return record, err
}

func (p *Protocol) Mint(_ context.Context, topicID uint64) (*types.MintRecord, error) {
	var r *types.MintRecord
	err := p.db.View(func(tx *badger.Txn) error {
		var err error
		r, err = settlement.Mint(tx, topicID)
		return err
	})
	return r, err
}

// SignWithdraw has the trusted signer authorize a redemption at the user's
// current withdraw nonce.
func (p *Protocol) SignWithdraw(ctx context.Context, user common.Address, burn uint64, collateral *uint256.Int) (attest.Withdraw, []byte, error) {
	w := attest.Withdraw{User: user, VPBurnAmount: burn, CollateralReturn: collateral}
	err := p.db.View(func(tx *badger.Txn) error {
		pt, err := storage.LoadParticipant(tx, user)
		if err != nil {
			return err
		}
		w.Nonce = pt.Nonces[types.PurposeWithdraw]
		return nil
	})
	if err != nil {
		return w, nil, err
	}
	sig, err := p.signer.Sign(ctx, w)
	if err != nil {
		if p.metrics != nil {
			p.metrics.SignerFailure()
		}
		return w, nil, fmt.Errorf("could not sign withdraw: %w", err)
	}
	return w, sig, nil
}

func (p *Protocol) Redeem(ctx context.Context, w attest.Withdraw, sig []byte) error {
	return p.run(ctx, "redeem", func(tx *badger.Txn) ([]events.Event, error) {
		if err := p.ledger.Redeem(tx, w, sig, p.verifier, p.coord.Trusted()); err != nil {
			return nil, err
		}
		parts, err := snapshot(tx, w.User)
		return []events.Event{{Kind: events.KindRedeemed, Actor: w.User, Amount: w.VPBurnAmount, Participants: parts}}, err
	})
}
