package kafkahandlers

import (
	"context"
	"encoding/json"
	"log"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// ChangeEventHandler 解码变更流中的事件，只把属于 channelID 的事件交给 deliver。
type ChangeEventHandler struct {
	channelID string
	deliver   func(models.MessageChanges)
}

// NewChangeEventHandler creates a handler for one channel watch.
func NewChangeEventHandler(channelID string, deliver func(models.MessageChanges)) *ChangeEventHandler {
	if deliver == nil {
		log.Panic("deliver cannot be nil")
	}
	return &ChangeEventHandler{channelID: channelID, deliver: deliver}
}

// Handle 是传给 Kafka consumer 的 MessageHandler。
// 无法解码的消息被跳过（返回 nil），不会阻塞后续消息。
func (h *ChangeEventHandler) Handle(ctx context.Context, msg *kafka.Message) error {
	if len(msg.Key) > 0 && string(msg.Key) != h.channelID {
		return nil
	}

	var ev imtypes.ChangeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		log.Printf("[kafka] 无法解析变更事件 (Key: %s): %v, 已跳过", string(msg.Key), err)
		return nil
	}
	if ev.ChannelID != h.channelID {
		return nil
	}
	changes := ev.ToChanges()
	if changes.IsEmpty() {
		log.Printf("[kafka] 未知的变更类型 %q (频道 %s), 已跳过", ev.Kind, ev.ChannelID)
		return nil
	}
	h.deliver(changes)
	return nil
}
