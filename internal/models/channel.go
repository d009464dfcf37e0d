package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ChannelType 定义了频道的类型。
type ChannelType string

const (
	DMChannel     ChannelType = "dm"     // 一对一聊天
	ServerChannel ChannelType = "server" // 多人频道
)

// transientKeyPrefix 标记尚未在服务端创建的频道的本地键。
const transientKeyPrefix = "pending:"

// LastMessage 是频道列表预览用的最后一条消息摘要。
type LastMessage struct {
	MessageID string    `json:"messageId,omitempty"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LastMessageOf 从一条已确认的消息构造预览。
func LastMessageOf(msg Message) LastMessage {
	return LastMessage{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		Timestamp: msg.EffectiveTime(),
	}
}

// Matches 报告预览是否指向给定消息。两边都有消息 ID 时按 ID 比较，
// 否则比较发送者和微秒精度的时间戳（postgres timestamptz 只保留到微秒）。
func (lm LastMessage) Matches(msg Message) bool {
	if lm.MessageID != "" && msg.ID != "" {
		return lm.MessageID == msg.ID
	}
	return lm.SenderID == msg.SenderID &&
		lm.Timestamp.Truncate(time.Microsecond).Equal(msg.EffectiveTime().Truncate(time.Microsecond))
}

// ChannelRef 是频道的两种形态：尚未创建的 TransientChannel 与已持久化的 Channel。
// 调用方需要通过类型选择分别处理两种情况。
type ChannelRef interface {
	Members() []string
	isChannelRef()
}

// TransientChannel 是用户已选定会话对象但服务端尚未创建的频道。
type TransientChannel struct {
	MemberIDs []string    `json:"memberIds"`
	Type      ChannelType `json:"type"`
}

// NewTransientDM 构造两人私聊的临时频道。
func NewTransientDM(userA, userB string) TransientChannel {
	return TransientChannel{MemberIDs: NormalizeMembers([]string{userA, userB}), Type: DMChannel}
}

func (t TransientChannel) Members() []string { return t.MemberIDs }
func (TransientChannel) isChannelRef()       {}

// Key 返回临时频道在本地存储中的键。
func (t TransientChannel) Key() string {
	return transientKeyPrefix + MemberKey(t.MemberIDs)
}

// Channel 是已在服务端创建的频道。
type Channel struct {
	ID           string       `json:"id"`
	MemberIDs    []string     `json:"memberIds"`
	Type         ChannelType  `json:"type"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	LastActivity *time.Time   `json:"lastActivity,omitempty"`
}

func (c Channel) Members() []string { return c.MemberIDs }
func (Channel) isChannelRef()       {}

// HasExactMembers 报告频道成员集合是否与 ids 完全一致（忽略顺序和重复）。
func (c Channel) HasExactMembers(ids []string) bool {
	return MemberKey(c.MemberIDs) == MemberKey(ids)
}

// KeyOf 返回频道引用在 MessageStore 中使用的键。
func KeyOf(ref ChannelRef) string {
	switch c := ref.(type) {
	case Channel:
		return c.ID
	case *Channel:
		return c.ID
	case TransientChannel:
		return c.Key()
	case *TransientChannel:
		return c.Key()
	default:
		return ""
	}
}

// IsTransientKey 报告键是否属于尚未创建的频道。
func IsTransientKey(key string) bool {
	return strings.HasPrefix(key, transientKeyPrefix)
}

// NormalizeMembers 去重并排序成员 ID。
func NormalizeMembers(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MemberKey 把成员集合编码成与顺序无关的字符串。
func MemberKey(ids []string) string {
	return strings.Join(NormalizeMembers(ids), ",")
}

// ChannelRecord 代表存储在数据库中的频道。
type ChannelRecord struct {
	BaseModel
	Type ChannelType `gorm:"type:varchar(20);not null;index" json:"type"`

	// MemberKey 是排序后的成员列表，用于按成员集合精确查找私聊频道。
	MemberKey    string          `gorm:"type:text;not null;index" json:"memberKey"`
	MemberIDsRaw json.RawMessage `gorm:"type:jsonb" json:"memberIds"`

	LastMessageRaw json.RawMessage `gorm:"type:jsonb" json:"lastMessage,omitempty"`
	LastActivity   *time.Time      `gorm:"index" json:"lastActivity,omitempty"`

	Members []ChannelMember `gorm:"foreignKey:ChannelID" json:"members,omitempty"`
}

// TableName 指定 ChannelRecord 的表名。
func (ChannelRecord) TableName() string {
	return "channels"
}

// SetMembers 写入成员列表及其键。
func (r *ChannelRecord) SetMembers(ids []string) error {
	normalized := NormalizeMembers(ids)
	data, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	r.MemberIDsRaw = data
	r.MemberKey = strings.Join(normalized, ",")
	return nil
}

// SetLastMessage 写入预览。
func (r *ChannelRecord) SetLastMessage(lm *LastMessage) error {
	if lm == nil {
		r.LastMessageRaw = nil
		return nil
	}
	data, err := json.Marshal(lm)
	if err != nil {
		return err
	}
	r.LastMessageRaw = data
	return nil
}

// ToChannel 将数据库记录转换为 Channel。
func (r *ChannelRecord) ToChannel() (Channel, error) {
	ch := Channel{ID: r.ID, Type: r.Type, LastActivity: r.LastActivity}
	if len(r.MemberIDsRaw) > 0 {
		if err := json.Unmarshal(r.MemberIDsRaw, &ch.MemberIDs); err != nil {
			return Channel{}, err
		}
	}
	if len(r.LastMessageRaw) > 0 {
		var lm LastMessage
		if err := json.Unmarshal(r.LastMessageRaw, &lm); err != nil {
			return Channel{}, err
		}
		ch.LastMessage = &lm
	}
	return ch, nil
}

// ChannelMember 记录一个用户对频道的引用。
// 频道创建后为每个成员各写一条，用于查询用户所属的频道。
type ChannelMember struct {
	ChannelID string    `gorm:"type:varchar(36);primaryKey;autoIncrement:false" json:"channelId"`
	UserID    string    `gorm:"type:varchar(64);primaryKey;autoIncrement:false;index" json:"userId"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// TableName 指定 ChannelMember 的表名。
func (ChannelMember) TableName() string {
	return "channel_members"
}
