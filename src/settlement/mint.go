package settlement

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/curation"
	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/topics"
	"github.com/stake-plus/murmur-protocol/src/types"
)

// Minter finalizes closed topics into immutable mint records.
type Minter struct {
	coord   *Coordinator
	topics  *topics.Manager
	curator *curation.Engine
}

func NewMinter(coord *Coordinator, tm *topics.Manager, curator *curation.Engine) *Minter {
	return &Minter{coord: coord, topics: tm, curator: curator}
}

// MintFinalize pins the curated set, refunds the topic once and records the
// mint. The minter must have posted in the topic.
func (m *Minter) MintFinalize(tx *badger.Txn, topicID uint64, minter common.Address) (*types.MintRecord, error) {
	topic, err := m.topics.RequireClosed(tx, topicID)
	if err != nil {
		return nil, err
	}
	if topic.Minted {
		return nil, fmt.Errorf("%w: topic %d", types.ErrAlreadyMinted, topicID)
	}
	p, err := storage.LoadParticipant(tx, minter)
	if err != nil {
		return nil, err
	}
	if acct, ok := p.Topics[topicID]; !ok || acct.Posts == 0 {
		return nil, fmt.Errorf("%w: %s never posted in topic %d", types.ErrNotAuthorized, minter.Hex(), topicID)
	}

	if err := m.curator.Finalize(tx, topic); err != nil {
		return nil, err
	}
	setHash, err := curation.Hash(tx, topic)
	if err != nil {
		return nil, err
	}
	if !topic.Refunded {
		if _, err := m.coord.ledger.RefundTopic(tx, topic); err != nil {
			return nil, err
		}
	}
	topic.Status = types.TopicMinted
	topic.Minted = true
	if err := storage.UpsertTopic(topic)(tx); err != nil {
		return nil, fmt.Errorf("could not store topic: %w", err)
	}

	record := &types.MintRecord{
		TopicID:             topicID,
		ContentMetadataHash: topic.MetadataHash,
		CuratedSetHash:      setHash,
		MintedBy:            minter,
		MintedAt:            m.coord.clock.Now().Unix(),
	}
	if err := storage.InsertMint(record)(tx); err != nil {
		return nil, fmt.Errorf("could not store mint record: %w", err)
	}
	m.coord.log.Info().Uint64("topic", topicID).Str("minter", minter.Hex()).Str("curated_hash", setHash.Hex()).Msg("topic minted")
	return record, nil
}

// SignMintAttestation asks the trusted signer to authorize minter for topicID
// at the minter's current mint nonce.
func (m *Minter) SignMintAttestation(ctx context.Context, topicID uint64, minter common.Address) (attest.MintAttestation, []byte, error) {
	var att attest.MintAttestation
	err := m.coord.db.View(func(tx *badger.Txn) error {
		topic, err := m.topics.Load(tx, topicID)
		if err != nil {
			return err
		}
		p, err := storage.LoadParticipant(tx, minter)
		if err != nil {
			return err
		}
		att = attest.MintAttestation{
			Minter:      minter,
			TopicID:     topicID,
			ContentHash: topic.MetadataHash,
			Nonce:       p.Nonces[types.PurposeMint],
		}
		return nil
	})
	if err != nil {
		return att, nil, err
	}
	sig, err := m.coord.signer.Sign(ctx, att)
	if err != nil {
		return att, nil, fmt.Errorf("could not sign mint attestation: %w", err)
	}
	return att, sig, nil
}

// MintFinalizeAttested mints under a MintAttestation from the trusted signer
// and consumes the minter's mint nonce.
func (m *Minter) MintFinalizeAttested(tx *badger.Txn, att attest.MintAttestation, sig []byte) (*types.MintRecord, error) {
	p, err := storage.LoadParticipant(tx, att.Minter)
	if err != nil {
		return nil, err
	}
	if want := p.Nonces[types.PurposeMint]; att.Nonce != want {
		return nil, fmt.Errorf("%w: mint nonce %d, expected %d", types.ErrReplayOrStaleNonce, att.Nonce, want)
	}
	if err := m.coord.verifier.Verify(att, sig, m.coord.trusted); err != nil {
		return nil, err
	}
	topic, err := m.topics.Load(tx, att.TopicID)
	if err != nil {
		return nil, err
	}
	if topic.MetadataHash != att.ContentHash {
		return nil, fmt.Errorf("%w: content hash does not match topic %d", types.ErrInvalidAttestation, att.TopicID)
	}

	record, err := m.MintFinalize(tx, att.TopicID, att.Minter)
	if err != nil {
		return nil, err
	}
	// MintFinalize may have refunded the minter; reload before bumping the nonce.
	p, err = storage.LoadParticipant(tx, att.Minter)
	if err != nil {
		return nil, err
	}
	p.Nonces[types.PurposeMint]++
	if err := storage.UpsertParticipant(p)(tx); err != nil {
		return nil, fmt.Errorf("could not store participant: %w", err)
	}
	return record, nil
}

// Mint loads a topic's mint record.
func Mint(tx *badger.Txn, topicID uint64) (*types.MintRecord, error) {
	var r types.MintRecord
	if err := storage.RetrieveMint(topicID, &r)(tx); err != nil {
		return nil, err
	}
	return &r, nil
}
