package storage

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"im-sync/internal/models"
)

// ErrInvalidCursor 表示游标无法解析或不属于该频道。
var ErrInvalidCursor = errors.New("invalid page cursor")

// pageCursor 指向已取得的最旧一条消息，下一页取严格早于它的消息。
type pageCursor struct {
	ChannelID string    `json:"c"`
	SentAt    time.Time `json:"t"`
	MessageID string    `json:"id"`
}

// EncodeCursor 把位置编码为不透明的游标。
func EncodeCursor(channelID string, sentAt time.Time, messageID string) models.Cursor {
	data, _ := json.Marshal(pageCursor{ChannelID: channelID, SentAt: sentAt.UTC(), MessageID: messageID})
	return models.Cursor(base64.RawURLEncoding.EncodeToString(data))
}

// DecodeCursor 解析游标并校验它属于 channelID。
func DecodeCursor(channelID string, c models.Cursor) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	var pc pageCursor
	if err := json.Unmarshal(data, &pc); err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	if pc.ChannelID != channelID || pc.MessageID == "" || pc.SentAt.IsZero() {
		return time.Time{}, "", ErrInvalidCursor
	}
	return pc.SentAt, pc.MessageID, nil
}
