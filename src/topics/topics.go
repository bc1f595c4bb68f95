// Package topics owns a topic from creation through Live, Closed and the
// terminal Minted or Settled states.
package topics

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/types"
)

const (
	MinDuration     int64 = 3600
	MaxDuration     int64 = 7 * 86400
	MinCuratedLimit       = 10
	MaxCuratedLimit       = 100

	BaseCreationCost uint64 = 1000
	CreationCostStep uint64 = 100
)

// Accounts is the part of the VP ledger the lifecycle charges and refunds through.
type Accounts interface {
	Consume(tx *badger.Txn, addr common.Address, topic *types.Topic, amount uint64, reason types.Reason) (*types.UnsettledEntry, error)
	RefundTopic(tx *badger.Txn, topic *types.Topic) (uint64, error)
}

type Manager struct {
	accounts Accounts
	clock    clock.Clock
	log      zerolog.Logger
}

func NewManager(accounts Accounts, clk clock.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		accounts: accounts,
		clock:    clk,
		log:      log.With().Str("component", "topics").Logger(),
	}
}

type CreateParams struct {
	MetadataHash common.Hash
	Duration     int64 // seconds
	FreezeWindow int64 // seconds
	CuratedLimit uint32
}

func (p CreateParams) validate() error {
	if p.MetadataHash == (common.Hash{}) {
		return types.Invalid("metadata hash is empty")
	}
	if p.Duration < MinDuration || p.Duration > MaxDuration {
		return types.Invalid("duration %ds outside [%d, %d]", p.Duration, MinDuration, MaxDuration)
	}
	if p.FreezeWindow <= 0 || p.FreezeWindow >= p.Duration {
		return types.Invalid("freeze window %ds must be in (0, %d)", p.FreezeWindow, p.Duration)
	}
	if p.CuratedLimit < MinCuratedLimit || p.CuratedLimit > MaxCuratedLimit {
		return types.Invalid("curated limit %d outside [%d, %d]", p.CuratedLimit, MinCuratedLimit, MaxCuratedLimit)
	}
	return nil
}

// QuoteCreationCost is 1000 VP plus 100 VP per currently live topic.
func (m *Manager) QuoteCreationCost(tx *badger.Txn) (uint64, error) {
	var active uint64
	if err := storage.ReadCounter(storage.CounterActiveTopics, &active)(tx); err != nil {
		return 0, err
	}
	return BaseCreationCost + CreationCostStep*active, nil
}

// Create opens a live topic and charges the creation cost to creator's global VP.
func (m *Manager) Create(tx *badger.Txn, creator common.Address, params CreateParams) (*types.Topic, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	cost, err := m.QuoteCreationCost(tx)
	if err != nil {
		return nil, err
	}
	var id uint64
	if err := storage.NextSequence(storage.CounterTopicID, &id)(tx); err != nil {
		return nil, err
	}
	topic := &types.Topic{
		ID:           id,
		Creator:      creator,
		MetadataHash: params.MetadataHash,
		CreatedAt:    m.clock.Now().Unix(),
		Duration:     params.Duration,
		FreezeWindow: params.FreezeWindow,
		CuratedLimit: params.CuratedLimit,
		Status:       types.TopicLive,
	}
	if _, err := m.accounts.Consume(tx, creator, topic, cost, types.ReasonTopicCreate); err != nil {
		return nil, err
	}
	if err := storage.AdjustCounter(storage.CounterActiveTopics, 1)(tx); err != nil {
		return nil, err
	}
	m.log.Info().Uint64("topic", id).Str("creator", creator.Hex()).Uint64("cost", cost).Msg("topic created")
	return topic, nil
}

func (m *Manager) Load(tx *badger.Txn, id uint64) (*types.Topic, error) {
	var t types.Topic
	if err := storage.RetrieveTopic(id, &t)(tx); err != nil {
		return nil, fmt.Errorf("could not load topic %d: %w", id, err)
	}
	return &t, nil
}

func (m *Manager) IsExpired(topic *types.Topic) bool {
	return topic.Expired(m.clock.Now())
}

func (m *Manager) IsFrozen(topic *types.Topic) bool {
	return topic.Frozen(m.clock.Now())
}

// CheckAndClose closes topic if it is live and past its end. It reports
// whether this call closed it; calling it again is a no-op.
func (m *Manager) CheckAndClose(tx *badger.Txn, topic *types.Topic) (bool, error) {
	if !m.IsExpired(topic) {
		return false, nil
	}
	topic.Status = types.TopicClosed
	if err := storage.UpsertTopic(topic)(tx); err != nil {
		return false, fmt.Errorf("could not store topic: %w", err)
	}
	if err := storage.AdjustCounter(storage.CounterActiveTopics, -1)(tx); err != nil {
		return false, err
	}
	m.log.Info().Uint64("topic", topic.ID).Msg("topic closed")
	return true, nil
}

// RequireLive loads a topic for a mutating interaction. A live topic past its
// end is closed and ErrTopicExpired returned; callers that want the close to
// persist commit it in its own transaction.
func (m *Manager) RequireLive(tx *badger.Txn, id uint64) (*types.Topic, error) {
	topic, err := m.Load(tx, id)
	if err != nil {
		return nil, err
	}
	if topic.Status != types.TopicLive {
		return nil, fmt.Errorf("%w: topic %d is %s", types.ErrTopicNotLive, id, topic.Status)
	}
	closed, err := m.CheckAndClose(tx, topic)
	if err != nil {
		return nil, err
	}
	if closed {
		return nil, fmt.Errorf("%w: topic %d ended at %d", types.ErrTopicExpired, id, topic.EndsAt())
	}
	return topic, nil
}

// Close is the permissionless explicit close; it fails unless the topic is
// live and expired.
func (m *Manager) Close(tx *badger.Txn, id uint64) (*types.Topic, error) {
	topic, err := m.Load(tx, id)
	if err != nil {
		return nil, err
	}
	if topic.Status != types.TopicLive {
		return nil, fmt.Errorf("%w: topic %d is %s", types.ErrTopicNotLive, id, topic.Status)
	}
	closed, err := m.CheckAndClose(tx, topic)
	if err != nil {
		return nil, err
	}
	if !closed {
		return nil, fmt.Errorf("%w: topic %d runs until %d", types.ErrTopicNotLive, id, topic.EndsAt())
	}
	return topic, nil
}

// RequireClosed loads a topic about to be finalized, closing it on demand.
func (m *Manager) RequireClosed(tx *badger.Txn, id uint64) (*types.Topic, error) {
	topic, err := m.Load(tx, id)
	if err != nil {
		return nil, err
	}
	if _, err := m.CheckAndClose(tx, topic); err != nil {
		return nil, err
	}
	switch topic.Status {
	case types.TopicClosed:
		return topic, nil
	case types.TopicMinted:
		return nil, fmt.Errorf("%w: topic %d", types.ErrAlreadyMinted, id)
	case types.TopicSettled:
		return nil, fmt.Errorf("%w: topic %d was settled", types.ErrAlreadyRefunded, id)
	default:
		return nil, fmt.Errorf("%w: topic %d is still live until %d", types.ErrTopicNotLive, id, topic.EndsAt())
	}
}

// Settle finalizes a closed topic without minting and refunds its
// participants. Only admins may settle a topic that has messages.
func (m *Manager) Settle(tx *badger.Txn, id uint64, admin bool) (*types.Topic, error) {
	topic, err := m.RequireClosed(tx, id)
	if err != nil {
		return nil, err
	}
	if !admin && topic.MessageCount > 0 {
		return nil, fmt.Errorf("%w: topic %d has messages and may be minted", types.ErrNotAuthorized, id)
	}
	if !topic.Refunded {
		if _, err := m.accounts.RefundTopic(tx, topic); err != nil {
			return nil, err
		}
	}
	topic.Status = types.TopicSettled
	topic.Finalized = true
	if err := storage.UpsertTopic(topic)(tx); err != nil {
		return nil, fmt.Errorf("could not store topic: %w", err)
	}
	m.log.Info().Uint64("topic", id).Msg("topic settled")
	return topic, nil
}
