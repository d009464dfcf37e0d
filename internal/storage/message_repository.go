package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"im-sync/internal/models"
)

// MessageRepository 定义了消息数据操作的接口。
type MessageRepository interface {
	// LatestPage 返回最新的 limit 条消息（按时间升序）以及指向最旧一条的游标。
	LatestPage(ctx context.Context, channelID string, limit int) ([]models.Message, models.Cursor, error)
	// OlderPage 返回严格早于游标的 limit 条消息。
	OlderPage(ctx context.Context, channelID string, cursor models.Cursor, limit int) ([]models.Message, models.Cursor, error)
	// ListSince 返回 sent_at 不早于 since 的全部消息，按时间升序。
	ListSince(ctx context.Context, channelID string, since time.Time) ([]models.Message, error)
	// CreateWithPreview 在一个事务里写入消息并更新频道的 lastMessage / lastActivity。
	// 同一 (channel_id, client_id) 重复写入时返回已有记录，inserted 为 false。
	CreateWithPreview(ctx context.Context, channelID string, msg models.Message, sentAt time.Time) (stored models.Message, inserted bool, err error)
	UpdateText(ctx context.Context, channelID, messageID, text string) (models.Message, error)
	Delete(ctx context.Context, channelID, messageID string) (models.Message, error)
	GetByID(ctx context.Context, channelID, messageID string) (models.Message, error)
}

// gormMessageRepository 使用 GORM 实现 MessageRepository。
type gormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建一个新的基于 GORM 的 MessageRepository。
func NewGormMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

func (r *gormMessageRepository) LatestPage(ctx context.Context, channelID string, limit int) ([]models.Message, models.Cursor, error) {
	var records []models.MessageRecord
	err := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("sent_at DESC").Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, "", err
	}
	return pageOf(channelID, records, limit)
}

func (r *gormMessageRepository) OlderPage(ctx context.Context, channelID string, cursor models.Cursor, limit int) ([]models.Message, models.Cursor, error) {
	sentAt, messageID, err := DecodeCursor(channelID, cursor)
	if err != nil {
		return nil, "", err
	}
	var records []models.MessageRecord
	err = r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Where("(sent_at, id) < (?, ?)", sentAt, messageID).
		Order("sent_at DESC").Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, "", err
	}
	return pageOf(channelID, records, limit)
}

// pageOf 把按时间倒序查出的记录翻转为升序；不足一页说明已经到头，游标置空。
func pageOf(channelID string, records []models.MessageRecord, limit int) ([]models.Message, models.Cursor, error) {
	msgs := make([]models.Message, len(records))
	for i := range records {
		m, err := records[i].ToMessage()
		if err != nil {
			return nil, "", fmt.Errorf("decode message %s: %w", records[i].ID, err)
		}
		msgs[len(records)-1-i] = m
	}
	if len(records) == 0 || len(records) < limit {
		return msgs, "", nil
	}
	oldest := records[len(records)-1]
	return msgs, EncodeCursor(channelID, oldest.SentAt, oldest.ID), nil
}

func (r *gormMessageRepository) ListSince(ctx context.Context, channelID string, since time.Time) ([]models.Message, error) {
	var records []models.MessageRecord
	err := r.db.WithContext(ctx).
		Where("channel_id = ? AND sent_at >= ?", channelID, since).
		Order("sent_at ASC").Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(records))
	for i := range records {
		m, err := records[i].ToMessage()
		if err != nil {
			return nil, fmt.Errorf("decode message %s: %w", records[i].ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (r *gormMessageRepository) CreateWithPreview(ctx context.Context, channelID string, msg models.Message, sentAt time.Time) (models.Message, bool, error) {
	rec, err := models.NewMessageRecord(channelID, msg)
	if err != nil {
		return models.Message{}, false, err
	}
	rec.SentAt = sentAt

	var stored models.Message
	inserted := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ch models.ChannelRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&ch, "id = ?", channelID).Error; err != nil {
			return err
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}, {Name: "client_id"}},
			DoNothing: true,
		}).Create(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 重复投递，返回已存在的那条
			var existing models.MessageRecord
			if err := tx.First(&existing, "channel_id = ? AND client_id = ?", channelID, msg.ClientID).Error; err != nil {
				return err
			}
			stored, err = existing.ToMessage()
			return err
		}
		inserted = true

		preview := models.LastMessage{MessageID: rec.ID, SenderID: rec.SenderID, Text: rec.Text, Timestamp: rec.SentAt}
		if err := ch.SetLastMessage(&preview); err != nil {
			return err
		}
		if err := tx.Model(&ch).Updates(map[string]interface{}{
			"last_message_raw": ch.LastMessageRaw,
			"last_activity":    rec.SentAt,
		}).Error; err != nil {
			return err
		}
		stored, err = rec.ToMessage()
		return err
	})
	if err != nil {
		return models.Message{}, false, err
	}
	return stored, inserted, nil
}

func (r *gormMessageRepository) UpdateText(ctx context.Context, channelID, messageID, text string) (models.Message, error) {
	res := r.db.WithContext(ctx).Model(&models.MessageRecord{}).
		Where("id = ? AND channel_id = ?", messageID, channelID).
		Updates(map[string]interface{}{"text": text, "edited": true})
	if res.Error != nil {
		return models.Message{}, res.Error
	}
	if res.RowsAffected == 0 {
		return models.Message{}, gorm.ErrRecordNotFound
	}
	return r.GetByID(ctx, channelID, messageID)
}

// Delete 物理删除消息并返回被删除的记录。
func (r *gormMessageRepository) Delete(ctx context.Context, channelID, messageID string) (models.Message, error) {
	var rec models.MessageRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rec, "id = ? AND channel_id = ?", messageID, channelID).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&rec).Error
	})
	if err != nil {
		return models.Message{}, err
	}
	return rec.ToMessage()
}

func (r *gormMessageRepository) GetByID(ctx context.Context, channelID, messageID string) (models.Message, error) {
	var rec models.MessageRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ? AND channel_id = ?", messageID, channelID).Error; err != nil {
		return models.Message{}, err
	}
	return rec.ToMessage()
}

// IsNotFound 报告 err 是否表示记录不存在。
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsDuplicate 报告 err 是否为唯一约束冲突。
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
