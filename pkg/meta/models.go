package meta

import (
	"time"

	"kachery/pkg/types"

	"gorm.io/datatypes"
)

// FileDigest caches the digest of a local file keyed by its absolute path.
// A row is only trusted while Size and ModTimeNs still match the file.
type FileDigest struct {
	Path         string     `gorm:"primaryKey;type:varchar(4096)"`
	Size         int64      `gorm:"not null"`
	ModTimeNs    int64      `gorm:"not null"`
	Sha1         types.Hash `gorm:"type:char(40);index;not null"`
	ManifestSha1 types.Hash `gorm:"type:varchar(40)"`
	UpdatedAt    time.Time
}

func (FileDigest) TableName() string { return "file_digests" }

// Feed is a log owned by the local node.
type Feed struct {
	ID        string  `gorm:"primaryKey;type:varchar(64)"`
	Name      *string `gorm:"uniqueIndex;type:varchar(255)"`
	NodeID    string  `gorm:"type:varchar(64);not null"`
	CreatedAt time.Time
}

// Message is one entry of a subfeed. Position is dense from 0 per subfeed.
type Message struct {
	ID                uint64         `gorm:"primaryKey;autoIncrement"`
	FeedID            string         `gorm:"uniqueIndex:idx_subfeed_position;type:varchar(64);not null"`
	SubfeedHash       string         `gorm:"uniqueIndex:idx_subfeed_position;type:varchar(64);not null"`
	Position          int64          `gorm:"uniqueIndex:idx_subfeed_position;not null"`
	Body              datatypes.JSON `gorm:"not null"`
	Timestamp         int64          `gorm:"not null"` // unix milliseconds
	PreviousSignature string         `gorm:"type:varchar(128)"`
	Signature         string         `gorm:"type:varchar(128)"`
}

// AccessRules holds the rule document of one subfeed.
type AccessRules struct {
	FeedID      string         `gorm:"primaryKey;type:varchar(64)"`
	SubfeedHash string         `gorm:"primaryKey;type:varchar(64)"`
	Rules       datatypes.JSON `gorm:"not null"`
	UpdatedAt   time.Time
}

// Mutable is a node-local key/value entry. KeyHash is the sha1 of the
// compact JSON of the key.
type Mutable struct {
	KeyHash   string         `gorm:"primaryKey;type:char(40)"`
	Key       datatypes.JSON `gorm:"not null"`
	Value     datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}
