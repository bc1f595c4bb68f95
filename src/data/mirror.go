package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stake-plus/murmur-protocol/src/events"
	"github.com/stake-plus/murmur-protocol/src/types"
)

// Mirror replays protocol events into MySQL. Each published batch is written
// in one database transaction.
type Mirror struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewMirror(db *gorm.DB, log zerolog.Logger) *Mirror {
	return &Mirror{db: db, log: log.With().Str("component", "mirror").Logger()}
}

func (m *Mirror) Name() string { return "mysql" }

func (m *Mirror) Publish(ctx context.Context, evs []events.Event) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range evs {
			if err := write(tx, rowsFor(e)); err != nil {
				return fmt.Errorf("mirror %s: %w", e.Kind, err)
			}
		}
		return nil
	})
}

// rows is everything one event changes in the mirror.
type rows struct {
	participants   []Participant
	accounts       []TopicAccount
	topic          *Topic
	message        *Message
	curatedTopic   uint64
	replaceCurated bool
	curated        []CuratedEntry
	settlement     *Settlement
	mint           *Mint
}

func unix(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}

func rowsFor(e events.Event) rows {
	var r rows
	for _, p := range e.Participants {
		r.participants = append(r.participants, Participant{
			Address:   p.Address.Hex(),
			Staked:    p.Staked.Dec(),
			Balance:   p.Balance,
			Pending:   p.Pending,
			Available: p.Available(),
			Topics:    uint32(len(p.Touched)),
		})
		for id, acct := range p.Topics {
			r.accounts = append(r.accounts, TopicAccount{
				TopicID:    id,
				Address:    p.Address.Hex(),
				Collateral: acct.Collateral.Dec(),
				VP:         acct.VP,
				Consumed:   acct.Consumed,
				Posts:      acct.Posts,
			})
		}
	}
	if t := e.Topic; t != nil {
		r.topic = &Topic{
			ID:           t.ID,
			Creator:      t.Creator.Hex(),
			MetadataHash: t.MetadataHash.Hex(),
			StartsAt:     unix(t.CreatedAt),
			EndsAt:       unix(t.EndsAt()),
			FreezeWindow: t.FreezeWindow,
			CuratedLimit: t.CuratedLimit,
			Status:       t.Status.String(),
			MessageCount: t.MessageCount,
			UniqueUsers:  t.UniqueUsers,
			LikeCount:    t.LikeCount,
			VPBurned:     t.VPBurned,
		}
	}
	if msg := e.Message; msg != nil {
		r.message = &Message{
			ID:          msg.ID,
			TopicID:     msg.TopicID,
			Author:      msg.Author.Hex(),
			ContentHash: msg.ContentHash.Hex(),
			Length:      msg.Length,
			Score:       msg.Score,
			PostedAt:    unix(msg.Timestamp),
			LikeCount:   msg.LikeCount,
			VPCost:      msg.VPCost,
		}
	}
	if e.Kind == events.KindMessageLiked || e.Kind == events.KindTopicMinted {
		if e.Topic != nil {
			r.replaceCurated = true
			r.curatedTopic = e.Topic.ID
		}
		for _, c := range e.Curated {
			r.curated = append(r.curated, CuratedEntry{
				TopicID:   c.TopicID,
				MessageID: c.MessageID,
				Rank:      c.Rank,
				LikeCount: c.LikeCount,
			})
		}
	}
	if s := e.Settlement; s != nil {
		payload, _ := json.Marshal(struct {
			Users  []string `json:"users"`
			Deltas []int64  `json:"deltas"`
		}{Users: hexes(s), Deltas: s.Deltas})
		r.settlement = &Settlement{
			ID:      s.ID,
			Nonce:   s.Nonce,
			Status:  s.Status.String(),
			Users:   uint32(len(s.Users)),
			Payload: string(payload),
		}
		if s.SignedAt != 0 {
			t := unix(s.SignedAt)
			r.settlement.SignedAt = &t
		}
		if s.AppliedAt != 0 {
			t := unix(s.AppliedAt)
			r.settlement.AppliedAt = &t
		}
	}
	if mr := e.Mint; mr != nil {
		r.mint = &Mint{
			TopicID:             mr.TopicID,
			ContentMetadataHash: mr.ContentMetadataHash.Hex(),
			CuratedSetHash:      mr.CuratedSetHash.Hex(),
			MintedBy:            mr.MintedBy.Hex(),
			MintedAt:            unix(mr.MintedAt),
		}
	}
	return r
}

func hexes(s *types.Settlement) []string {
	out := make([]string, len(s.Users))
	for i, u := range s.Users {
		out[i] = u.Hex()
	}
	return out
}

func upsert(tx *gorm.DB, value interface{}) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

func write(tx *gorm.DB, r rows) error {
	if len(r.participants) > 0 {
		if err := upsert(tx, &r.participants); err != nil {
			return err
		}
	}
	if len(r.accounts) > 0 {
		if err := upsert(tx, &r.accounts); err != nil {
			return err
		}
	}
	if r.topic != nil {
		if err := upsert(tx, r.topic); err != nil {
			return err
		}
	}
	if r.message != nil {
		if err := upsert(tx, r.message); err != nil {
			return err
		}
	}
	if r.replaceCurated {
		if err := tx.Where("topic_id = ?", r.curatedTopic).Delete(&CuratedEntry{}).Error; err != nil {
			return err
		}
		if len(r.curated) > 0 {
			if err := tx.Create(&r.curated).Error; err != nil {
				return err
			}
		}
	}
	if r.settlement != nil {
		if err := upsert(tx, r.settlement); err != nil {
			return err
		}
	}
	if r.mint != nil {
		if err := upsert(tx, r.mint); err != nil {
			return err
		}
	}
	return nil
}
