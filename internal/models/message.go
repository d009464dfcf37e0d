package models

import (
	"encoding/json"
	"time"
)

// AttachmentKind 定义了附件的类型。
type AttachmentKind string

const (
	PhotoAttachment AttachmentKind = "photo"
	VideoAttachment AttachmentKind = "video"
	FileAttachment  AttachmentKind = "file"
)

// Folder 返回该类型附件在存储中的目录名。
func (k AttachmentKind) Folder() string {
	switch k {
	case PhotoAttachment:
		return "photos"
	case VideoAttachment:
		return "videos"
	default:
		return "files"
	}
}

// Attachment 是消息携带的一个媒体引用。
// 图片和视频带有尺寸，文件带有文件名和大小。
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	URL      string         `json:"url"`
	Width    int            `json:"width,omitempty"`
	Height   int            `json:"height,omitempty"`
	FileName string         `json:"fileName,omitempty"`
	Size     int64          `json:"size,omitempty"`
}

// Message 是客户端视角下的一条聊天消息。
//
// ID 和 Date 在服务端确认之前为空。ClientID 在本地创建时生成一次，
// 用于把乐观插入的待发送消息与服务端回显的版本合并为同一条。
type Message struct {
	ID          string       `json:"id,omitempty"`
	ClientID    string       `json:"clientId"`
	SenderID    string       `json:"senderId"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Date        *time.Time   `json:"date,omitempty"`
	// LocalDate 是本地创建时间，Date 为空时作为排序占位。
	LocalDate time.Time `json:"localDate,omitempty"`
	Edited    bool      `json:"edited"`
	IsPending bool      `json:"isPending"`
}

// EffectiveTime 返回用于排序和分组的时间戳。
func (m Message) EffectiveTime() time.Time {
	if m.Date != nil {
		return *m.Date
	}
	return m.LocalDate
}

// AttachmentURLs 返回所有附件的 URL。
func (m Message) AttachmentURLs() []string {
	if len(m.Attachments) == 0 {
		return nil
	}
	urls := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		if a.URL != "" {
			urls = append(urls, a.URL)
		}
	}
	return urls
}

// Clone returns a deep copy so snapshots handed to readers never alias actor state.
func (m Message) Clone() Message {
	out := m
	if m.Date != nil {
		d := *m.Date
		out.Date = &d
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return out
}

// MessageChanges 是实时订阅一次推送的增量：新增、修改、删除。
//
// CompleteSince 非空时 Added 是该时刻（含）之后的完整消息集合：
// 本地已确认、时间不早于它、又不在 Added 中的消息视为已被删除。
type MessageChanges struct {
	Added         []Message  `json:"added,omitempty"`
	Modified      []Message  `json:"modified,omitempty"`
	Removed       []Message  `json:"removed,omitempty"`
	CompleteSince *time.Time `json:"completeSince,omitempty"`
}

// IsEmpty 报告增量是否不包含任何记录。完整集合即使为空也不算空，它可能意味着删除。
func (c MessageChanges) IsEmpty() bool {
	return c.CompleteSince == nil && len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

// Cursor 是分页游标，空字符串表示没有更早的页。
type Cursor string

// MessageRecord 代表存储在数据库中的聊天消息。
type MessageRecord struct {
	BaseModel
	ChannelID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_channel_client,priority:1;index:idx_channel_sent,priority:1" json:"channelId"`
	ClientID  string `gorm:"type:varchar(64);not null;uniqueIndex:idx_channel_client,priority:2" json:"clientId"`
	SenderID  string `gorm:"type:varchar(64);not null;index" json:"senderId"`
	Text      string `gorm:"type:text" json:"text"`

	// 附件以 JSONB 存储。
	AttachmentsRaw json.RawMessage `gorm:"type:jsonb" json:"attachments,omitempty"`

	SentAt time.Time `gorm:"not null;index:idx_channel_sent,priority:2" json:"sentAt"`
	Edited bool      `gorm:"default:false" json:"edited"`
}

// TableName 指定 MessageRecord 的表名。
func (MessageRecord) TableName() string {
	return "messages"
}

// SetAttachments 序列化附件列表。
func (r *MessageRecord) SetAttachments(attachments []Attachment) error {
	if len(attachments) == 0 {
		r.AttachmentsRaw = nil
		return nil
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return err
	}
	r.AttachmentsRaw = data
	return nil
}

// GetAttachments 反序列化附件列表。
func (r *MessageRecord) GetAttachments() ([]Attachment, error) {
	if len(r.AttachmentsRaw) == 0 {
		return nil, nil
	}
	var attachments []Attachment
	if err := json.Unmarshal(r.AttachmentsRaw, &attachments); err != nil {
		return nil, err
	}
	return attachments, nil
}

// ToMessage 将数据库记录转换为已确认的 Message。
func (r *MessageRecord) ToMessage() (Message, error) {
	attachments, err := r.GetAttachments()
	if err != nil {
		return Message{}, err
	}
	sentAt := r.SentAt
	return Message{
		ID:          r.ID,
		ClientID:    r.ClientID,
		SenderID:    r.SenderID,
		Text:        r.Text,
		Attachments: attachments,
		Date:        &sentAt,
		LocalDate:   sentAt,
		Edited:      r.Edited,
	}, nil
}

// NewMessageRecord 根据待发送的 Message 构造数据库记录，SentAt 由调用方填写。
func NewMessageRecord(channelID string, msg Message) (*MessageRecord, error) {
	rec := &MessageRecord{
		ChannelID: channelID,
		ClientID:  msg.ClientID,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
	}
	if err := rec.SetAttachments(msg.Attachments); err != nil {
		return nil, err
	}
	return rec, nil
}
