package imtypes

import (
	"context"
	"time"

	"im-sync/internal/models"
)

// MessageBackend 是消息同步依赖的后端协作者。
//
// WatchMessages 会阻塞直到 ctx 被取消或订阅出错，每批增量调用一次 handler。
// 投递语义为至少一次，handler 可能收到已经见过的记录。
type MessageBackend interface {
	FetchInitialMessages(ctx context.Context, channelID string, limit int) ([]models.Message, models.Cursor, error)
	WatchMessages(ctx context.Context, channelID string, since time.Time, handler func(models.MessageChanges)) error
	FetchOlderMessages(ctx context.Context, channelID string, cursor models.Cursor, limit int) ([]models.Message, models.Cursor, error)

	// SendMessage 原子地写入消息并更新频道的 lastMessage / lastActivity。
	SendMessage(ctx context.Context, channelID string, msg models.Message) error
	UpdateMessageText(ctx context.Context, channelID, messageID, text string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// ChannelBackend 是频道目录依赖的后端协作者。
// WatchChannels 每次推送用户所属频道的完整集合（按 lastActivity 倒序），不是增量。
type ChannelBackend interface {
	WatchChannels(ctx context.Context, userID string, handler func([]models.Channel)) error
	CreateChannel(ctx context.Context, memberIDs []string, channelType models.ChannelType) (string, error)
	AddChannelReference(ctx context.Context, userID, channelID string) error
	UpdateLastMessage(ctx context.Context, channelID string, lm models.LastMessage) error
}
