package meta

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrFeedNotFound = errors.New("feed not found")
	ErrFeedExists   = errors.New("feed name already in use")
)

// Repository wraps every SQL operation.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func isUniqueViolation(err error) bool {
	// postgres and sqlite report unique violations differently
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value")
}

// -----------------------------------------------------------------------------
// 1. File digest index
// -----------------------------------------------------------------------------

// GetFileDigest returns the cached digest for path, or nil when there is no
// row or the row describes a different size/mtime.
func (r *Repository) GetFileDigest(ctx context.Context, path string, size, mtimeNs int64) (*FileDigest, error) {
	var rec FileDigest
	err := r.db.GetConn().WithContext(ctx).
		Where("path = ? AND size = ? AND mod_time_ns = ?", path, size, mtimeNs).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveFileDigest upserts the row for d.Path.
func (r *Repository) SaveFileDigest(ctx context.Context, d *FileDigest) error {
	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"size", "mod_time_ns", "sha1", "manifest_sha1", "updated_at"}),
		}).
		Create(d).Error
	if err != nil {
		return fmt.Errorf("failed to save file digest: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// 2. Feeds
// -----------------------------------------------------------------------------

func (r *Repository) CreateFeed(ctx context.Context, f *Feed) error {
	if err := r.db.GetConn().WithContext(ctx).Create(f).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrFeedExists
		}
		return fmt.Errorf("failed to create feed: %w", err)
	}
	return nil
}

func (r *Repository) GetFeed(ctx context.Context, id string) (*Feed, error) {
	var f Feed
	err := r.db.GetConn().WithContext(ctx).Where("id = ?", id).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFeedNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *Repository) FeedIDByName(ctx context.Context, name string) (string, error) {
	var f Feed
	err := r.db.GetConn().WithContext(ctx).Where("name = ?", name).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrFeedNotFound
	}
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

// DeleteFeed removes the feed with its messages and rules.
func (r *Repository) DeleteFeed(ctx context.Context, id string) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&Feed{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrFeedNotFound
		}
		if err := tx.Where("feed_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Where("feed_id = ?", id).Delete(&AccessRules{}).Error
	})
}

// -----------------------------------------------------------------------------
// 3. Messages
// -----------------------------------------------------------------------------

// Signer fills in the opaque signature of a message about to be stored.
type Signer func(m *Message) string

// AppendMessages stores bodies at the next positions of the subfeed in one
// transaction and returns the new message count.
func (r *Repository) AppendMessages(ctx context.Context, feedID, subfeedHash string, bodies []datatypes.JSON, sign Signer) (int64, error) {
	var count int64
	err := r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last Message
		err := tx.Where("feed_id = ? AND subfeed_hash = ?", feedID, subfeedHash).
			Order("position DESC").
			First(&last).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			last = Message{Position: -1}
		case err != nil:
			return err
		}

		prev := last.Signature
		now := time.Now().UnixMilli()
		for i, body := range bodies {
			m := Message{
				FeedID:            feedID,
				SubfeedHash:       subfeedHash,
				Position:          last.Position + 1 + int64(i),
				Body:              body,
				Timestamp:         now,
				PreviousSignature: prev,
			}
			if sign != nil {
				m.Signature = sign(&m)
			}
			if err := tx.Create(&m).Error; err != nil {
				return fmt.Errorf("failed to append message %d: %w", m.Position, err)
			}
			prev = m.Signature
		}
		count = last.Position + 1 + int64(len(bodies))
		return nil
	})
	return count, err
}

func (r *Repository) CountMessages(ctx context.Context, feedID, subfeedHash string) (int64, error) {
	var n int64
	err := r.db.GetConn().WithContext(ctx).Model(&Message{}).
		Where("feed_id = ? AND subfeed_hash = ?", feedID, subfeedHash).
		Count(&n).Error
	return n, err
}

// ListMessages returns messages from position on, at most limit of them
// (limit <= 0 means all).
func (r *Repository) ListMessages(ctx context.Context, feedID, subfeedHash string, position int64, limit int) ([]Message, error) {
	q := r.db.GetConn().WithContext(ctx).
		Where("feed_id = ? AND subfeed_hash = ? AND position >= ?", feedID, subfeedHash, position).
		Order("position ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// -----------------------------------------------------------------------------
// 4. Access rules
// -----------------------------------------------------------------------------

// GetAccessRules returns the stored rule document, or nil if none was set.
func (r *Repository) GetAccessRules(ctx context.Context, feedID, subfeedHash string) (datatypes.JSON, error) {
	var rec AccessRules
	err := r.db.GetConn().WithContext(ctx).
		Where("feed_id = ? AND subfeed_hash = ?", feedID, subfeedHash).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Rules, nil
}

func (r *Repository) SetAccessRules(ctx context.Context, feedID, subfeedHash string, rules datatypes.JSON) error {
	return r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "feed_id"}, {Name: "subfeed_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"rules", "updated_at"}),
		}).
		Create(&AccessRules{FeedID: feedID, SubfeedHash: subfeedHash, Rules: rules}).Error
}

// -----------------------------------------------------------------------------
// 5. Mutables
// -----------------------------------------------------------------------------

func (r *Repository) SetMutable(ctx context.Context, keyHash string, key, value datatypes.JSON) error {
	return r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&Mutable{KeyHash: keyHash, Key: key, Value: value}).Error
}

// GetMutable returns nil, nil when the key is unset.
func (r *Repository) GetMutable(ctx context.Context, keyHash string) (*Mutable, error) {
	var m Mutable
	err := r.db.GetConn().WithContext(ctx).Where("key_hash = ?", keyHash).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) DeleteMutable(ctx context.Context, keyHash string) error {
	return r.db.GetConn().WithContext(ctx).Where("key_hash = ?", keyHash).Delete(&Mutable{}).Error
}
