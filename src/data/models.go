package data

import (
	"time"

	"gorm.io/gorm"
)

// Rows mirrored from the protocol store for reporting and the API. The
// badger store stays authoritative; these tables are rebuilt from events.

type Setting struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value string `gorm:"type:text"`
}

type Participant struct {
	Address   string `gorm:"primaryKey;size:42"`
	Staked    string `gorm:"size:78;not null;default:'0'"`
	Balance   uint64 `gorm:"not null;default:0"`
	Pending   uint64 `gorm:"not null;default:0"`
	Available uint64 `gorm:"not null;default:0"`
	Topics    uint32 `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

type TopicAccount struct {
	TopicID    uint64 `gorm:"primaryKey;autoIncrement:false"`
	Address    string `gorm:"primaryKey;size:42"`
	Collateral string `gorm:"size:78;not null;default:'0'"`
	VP         uint64 `gorm:"not null;default:0"`
	Consumed   uint64 `gorm:"not null;default:0"`
	Posts      uint32 `gorm:"not null;default:0"`
}

type Topic struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement:false"`
	Creator      string `gorm:"size:42;index;not null"`
	MetadataHash string `gorm:"size:66;not null"`
	StartsAt     time.Time
	EndsAt       time.Time `gorm:"index"`
	FreezeWindow int64
	CuratedLimit uint32
	Status       string `gorm:"size:16;index"`
	MessageCount uint64 `gorm:"default:0"`
	UniqueUsers  uint64 `gorm:"default:0"`
	LikeCount    uint64 `gorm:"default:0"`
	VPBurned     uint64 `gorm:"default:0"`
	UpdatedAt    time.Time
}

type Message struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	TopicID     uint64 `gorm:"index;not null"`
	Author      string `gorm:"size:42;index;not null"`
	ContentHash string `gorm:"size:66;not null"`
	Length      uint32
	Score       uint32
	PostedAt    time.Time
	LikeCount   uint64 `gorm:"default:0"`
	VPCost      uint64
}

type CuratedEntry struct {
	TopicID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	MessageID uint64 `gorm:"primaryKey;autoIncrement:false"`
	Rank      uint32 `gorm:"not null"`
	LikeCount uint64
}

type Settlement struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Nonce     uint64 `gorm:"index;not null"`
	Status    string `gorm:"size:16;not null"`
	Users     uint32
	Payload   string `gorm:"type:text"`
	SignedAt  *time.Time
	AppliedAt *time.Time
}

type Mint struct {
	TopicID             uint64 `gorm:"primaryKey;autoIncrement:false"`
	ContentMetadataHash string `gorm:"size:66;not null"`
	CuratedSetHash      string `gorm:"size:66;not null"`
	MintedBy            string `gorm:"size:42;not null"`
	MintedAt            time.Time
}

var AllModels = []interface{}{
	&Setting{}, &Participant{}, &TopicAccount{}, &Topic{},
	&Message{}, &CuratedEntry{}, &Settlement{}, &Mint{},
}

// Migrate creates or updates the mirror schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels...)
}
