package services

import (
	"context"
	"log"
	"time"

	"im-sync/internal/apperrors"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/storage"
)

// NoticeSubscriber 订阅某个用户的频道集合变更通知。redis.ChannelNotifier 实现了它。
type NoticeSubscriber interface {
	Subscribe(ctx context.Context, userID string, ready func(), handler func(imtypes.ChannelNotice)) error
}

// ChannelNotices 同时支持发布与订阅。
type ChannelNotices interface {
	NoticePublisher
	NoticeSubscriber
}

type channelService struct {
	repo    storage.ChannelRepository
	notices ChannelNotices
}

// NewChannelService 创建一个基于数据库的 ChannelBackend。
// notices 为 nil 时 WatchChannels 只推送一次当前集合。
func NewChannelService(repo storage.ChannelRepository, notices ChannelNotices) imtypes.ChannelBackend {
	return &channelService{repo: repo, notices: notices}
}

// WatchChannels 先推送完整集合，之后每收到一次通知重新查询并推送。
func (s *channelService) WatchChannels(ctx context.Context, userID string, handler func([]models.Channel)) error {
	if userID == "" {
		return apperrors.Validation("userId is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	emit := func() error {
		channels, err := s.repo.ListForUser(ctx, userID)
		if err != nil {
			return mapStoreError("查询用户频道失败", err)
		}
		handler(channels)
		return nil
	}

	if s.notices == nil {
		if err := emit(); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}

	var firstErr error
	err := s.notices.Subscribe(ctx, userID, func() {
		if firstErr = emit(); firstErr != nil {
			cancel()
		}
	}, func(notice imtypes.ChannelNotice) {
		if err := emit(); err != nil {
			// 下一条通知会重新查询完整集合
			log.Printf("[services] 刷新用户 %s 的频道集合失败 (通知频道 %s): %v", userID, notice.ChannelID, err)
		}
	})
	if firstErr != nil {
		return firstErr
	}
	if err != nil && ctx.Err() == nil {
		return apperrors.AsTransient("频道通知订阅失败", err)
	}
	return nil
}

func (s *channelService) CreateChannel(ctx context.Context, memberIDs []string, channelType models.ChannelType) (string, error) {
	if len(models.NormalizeMembers(memberIDs)) == 0 {
		return "", apperrors.Validation("channel needs at least one member")
	}
	ch, err := s.repo.Create(ctx, memberIDs, channelType)
	if err != nil {
		return "", mapStoreError("创建频道失败", err)
	}
	log.Printf("[services] 已创建频道 %s (%s), 成员 %v", ch.ID, ch.Type, ch.MemberIDs)
	return ch.ID, nil
}

func (s *channelService) AddChannelReference(ctx context.Context, userID, channelID string) error {
	if err := s.repo.AddMember(ctx, channelID, userID); err != nil {
		return mapStoreError("写入频道引用失败", err)
	}
	s.notify(ctx, userID, channelID)
	return nil
}

func (s *channelService) UpdateLastMessage(ctx context.Context, channelID string, lm models.LastMessage) error {
	if err := s.repo.UpdateLastMessage(ctx, channelID, lm); err != nil {
		return mapStoreError("更新频道最后一条消息失败", err)
	}
	members, err := s.repo.ListMembers(ctx, channelID)
	if err != nil {
		log.Printf("[services] 查询频道 %s 成员失败: %v", channelID, err)
		return nil
	}
	for _, userID := range members {
		s.notify(ctx, userID, channelID)
	}
	return nil
}

func (s *channelService) notify(ctx context.Context, userID, channelID string) {
	if s.notices == nil {
		return
	}
	notice := imtypes.ChannelNotice{UserID: userID, ChannelID: channelID, At: time.Now().UTC()}
	if err := s.notices.Publish(ctx, notice); err != nil {
		log.Printf("[services] 通知用户 %s 频道 %s 变更失败: %v", userID, channelID, err)
	}
}
