package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"im-sync/internal/models"
)

// ChannelRepository 定义了频道数据操作的接口。
type ChannelRepository interface {
	Create(ctx context.Context, memberIDs []string, channelType models.ChannelType) (models.Channel, error)
	// AddMember 写入一条成员引用，已存在时不报错。
	AddMember(ctx context.Context, channelID, userID string) error
	ListForUser(ctx context.Context, userID string) ([]models.Channel, error)
	FindByMemberKey(ctx context.Context, memberIDs []string, channelType models.ChannelType) (models.Channel, error)
	UpdateLastMessage(ctx context.Context, channelID string, lm models.LastMessage) error
	GetByID(ctx context.Context, channelID string) (models.Channel, error)
	// ListMembers 返回已写入引用的成员。
	ListMembers(ctx context.Context, channelID string) ([]string, error)
}

// gormChannelRepository 使用 GORM 实现 ChannelRepository。
type gormChannelRepository struct {
	db *gorm.DB
}

// NewGormChannelRepository 创建一个新的基于 GORM 的 ChannelRepository。
func NewGormChannelRepository(db *gorm.DB) ChannelRepository {
	return &gormChannelRepository{db: db}
}

func (r *gormChannelRepository) Create(ctx context.Context, memberIDs []string, channelType models.ChannelType) (models.Channel, error) {
	rec := &models.ChannelRecord{Type: channelType}
	if err := rec.SetMembers(memberIDs); err != nil {
		return models.Channel{}, err
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return models.Channel{}, err
	}
	return rec.ToChannel()
}

func (r *gormChannelRepository) AddMember(ctx context.Context, channelID, userID string) error {
	member := &models.ChannelMember{ChannelID: channelID, UserID: userID, JoinedAt: time.Now()}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(member).Error
}

func (r *gormChannelRepository) ListForUser(ctx context.Context, userID string) ([]models.Channel, error) {
	var records []models.ChannelRecord
	err := r.db.WithContext(ctx).
		Joins("JOIN channel_members ON channel_members.channel_id = channels.id").
		Where("channel_members.user_id = ?", userID).
		Order("channels.last_activity DESC NULLS FIRST").
		Order("channels.created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toChannels(records)
}

func (r *gormChannelRepository) FindByMemberKey(ctx context.Context, memberIDs []string, channelType models.ChannelType) (models.Channel, error) {
	var rec models.ChannelRecord
	err := r.db.WithContext(ctx).
		Where("member_key = ? AND type = ?", models.MemberKey(memberIDs), channelType).
		Order("created_at ASC").
		First(&rec).Error
	if err != nil {
		return models.Channel{}, err
	}
	return rec.ToChannel()
}

func (r *gormChannelRepository) UpdateLastMessage(ctx context.Context, channelID string, lm models.LastMessage) error {
	var rec models.ChannelRecord
	if err := rec.SetLastMessage(&lm); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&models.ChannelRecord{}).
		Where("id = ?", channelID).
		Updates(map[string]interface{}{
			"last_message_raw": rec.LastMessageRaw,
			"last_activity":    lm.Timestamp,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormChannelRepository) GetByID(ctx context.Context, channelID string) (models.Channel, error) {
	var rec models.ChannelRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", channelID).Error; err != nil {
		return models.Channel{}, err
	}
	return rec.ToChannel()
}

func (r *gormChannelRepository) ListMembers(ctx context.Context, channelID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.ChannelMember{}).
		Where("channel_id = ?", channelID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

func toChannels(records []models.ChannelRecord) ([]models.Channel, error) {
	out := make([]models.Channel, 0, len(records))
	for i := range records {
		ch, err := records[i].ToChannel()
		if err != nil {
			return nil, fmt.Errorf("decode channel %s: %w", records[i].ID, err)
		}
		out = append(out, ch)
	}
	return out, nil
}
