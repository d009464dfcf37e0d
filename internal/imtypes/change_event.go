package imtypes

import (
	"time"

	"im-sync/internal/models"
)

// ChangeKind 是变更流中一条记录的类型。
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ChangeEvent 是写入变更流 (Kafka) 的消息变更，按 ChannelID 分区。
type ChangeEvent struct {
	ChannelID  string         `json:"channelId"`
	Kind       ChangeKind     `json:"kind"`
	Message    models.Message `json:"message"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// ToChanges 把单条事件转换为增量批次。
func (e ChangeEvent) ToChanges() models.MessageChanges {
	var c models.MessageChanges
	switch e.Kind {
	case ChangeAdded:
		c.Added = []models.Message{e.Message}
	case ChangeModified:
		c.Modified = []models.Message{e.Message}
	case ChangeRemoved:
		c.Removed = []models.Message{e.Message}
	}
	return c
}

// ChannelNotice 是频道集合变化的通知 (Redis pub/sub)。
type ChannelNotice struct {
	UserID    string    `json:"userId"`
	ChannelID string    `json:"channelId"`
	At        time.Time `json:"at"`
}
