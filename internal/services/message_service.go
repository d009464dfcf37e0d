package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"im-sync/internal/apperrors"
	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	appKafka "im-sync/internal/kafka"
	kafkahandlers "im-sync/internal/kafka/handlers"
	"im-sync/internal/models"
	"im-sync/internal/storage"
)

// ChangePublisher 把消息变更写入变更流。kafka.ChangeFeed 实现了它。
type ChangePublisher interface {
	Publish(ctx context.Context, ev imtypes.ChangeEvent) error
}

// NoticePublisher 发送频道集合变更通知。redis.ChannelNotifier 实现了它。
type NoticePublisher interface {
	Publish(ctx context.Context, notice imtypes.ChannelNotice) error
}

// messageService 基于 postgres 与 Kafka 变更流实现 imtypes.MessageBackend。
type messageService struct {
	msgRepo     storage.MessageRepository
	channelRepo storage.ChannelRepository
	changes     ChangePublisher
	consumer    appKafka.MessageConsumer
	notices     NoticePublisher
	cfg         config.KafkaConfig
	now         func() time.Time
}

// storageNow 截断到微秒：sent_at 存为 timestamptz，消息、预览和变更事件要对上同一时刻。
func storageNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NewMessageService 创建一个新的 MessageBackend 实现。notices 可以为 nil。
func NewMessageService(msgRepo storage.MessageRepository, channelRepo storage.ChannelRepository, changes ChangePublisher, consumer appKafka.MessageConsumer, notices NoticePublisher, cfg config.KafkaConfig) imtypes.MessageBackend {
	return &messageService{
		msgRepo:     msgRepo,
		channelRepo: channelRepo,
		changes:     changes,
		consumer:    consumer,
		notices:     notices,
		cfg:         cfg,
		now:         storageNow,
	}
}

func (s *messageService) FetchInitialMessages(ctx context.Context, channelID string, limit int) ([]models.Message, models.Cursor, error) {
	msgs, cursor, err := s.msgRepo.LatestPage(ctx, channelID, limit)
	if err != nil {
		return nil, "", mapStoreError("获取最新消息失败", err)
	}
	return msgs, cursor, nil
}

func (s *messageService) FetchOlderMessages(ctx context.Context, channelID string, cursor models.Cursor, limit int) ([]models.Message, models.Cursor, error) {
	msgs, next, err := s.msgRepo.OlderPage(ctx, channelID, cursor, limit)
	if err != nil {
		return nil, "", mapStoreError("获取更早的消息失败", err)
	}
	return msgs, next, nil
}

// defaultWatchRewind 在未配置 KAFKA.WATCH_REWIND 时使用。
const defaultWatchRewind = 5 * time.Second

// WatchMessages 订阅该频道的变更流，等分区分配完成后再查询 since 之后的存储消息，
// 作为完整集合交付（包含分配前发生的修改和删除），然后转发变更流中的事件。
// 补发完成之前收到的事件会先缓存，之后按到达顺序交付。
func (s *messageService) WatchMessages(ctx context.Context, channelID string, since time.Time, handler func(models.MessageChanges)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		caughtUp bool
		pending  []models.MessageChanges
	)
	deliver := func(c models.MessageChanges) {
		mu.Lock()
		defer mu.Unlock()
		if !caughtUp {
			pending = append(pending, c)
			return
		}
		handler(c)
	}

	rewind := s.cfg.WatchRewind
	if rewind <= 0 {
		rewind = defaultWatchRewind
	}
	assigned := make(chan struct{})
	var assignOnce sync.Once
	opts := appKafka.ConsumeOptions{
		Ready:     func() { assignOnce.Do(func() { close(assigned) }) },
		Rewind:    rewind,
		Ephemeral: true,
	}

	groupID := fmt.Sprintf("%s-%s-%s", s.cfg.ConsumerGroupPrefix, channelID, uuid.NewString())
	consumeErr := make(chan error, 1)
	go func() {
		h := kafkahandlers.NewChangeEventHandler(channelID, deliver)
		consumeErr <- s.consumer.Consume(ctx, []string{s.cfg.ChangeFeedTopic}, groupID, opts, h.Handle)
	}()

	// 分配完成前变更流的起点还没确定，这时查询会留下空窗
	select {
	case <-assigned:
	case err := <-consumeErr:
		if ctx.Err() != nil {
			return nil
		}
		return apperrors.AsTransient("变更流订阅失败", consumerErr(err))
	case <-ctx.Done():
		<-consumeErr
		return nil
	}

	backlog, err := s.msgRepo.ListSince(ctx, channelID, since)
	if err != nil {
		stopped := ctx.Err() != nil
		cancel()
		<-consumeErr
		if stopped {
			return nil
		}
		return mapStoreError("补发历史消息失败", err)
	}

	mu.Lock()
	from := since
	handler(models.MessageChanges{Added: backlog, CompleteSince: &from})
	for _, c := range pending {
		handler(c)
	}
	pending = nil
	caughtUp = true
	mu.Unlock()

	select {
	case err := <-consumeErr:
		if ctx.Err() != nil {
			return nil
		}
		return apperrors.AsTransient("变更流订阅中断", consumerErr(err))
	case <-ctx.Done():
		<-consumeErr
		return nil
	}
}

// consumerErr 把 consumer 的正常返回也视为意外结束。
func consumerErr(err error) error {
	if err == nil {
		return errors.New("consumer stopped")
	}
	return err
}

func (s *messageService) SendMessage(ctx context.Context, channelID string, msg models.Message) error {
	if msg.ClientID == "" {
		return apperrors.Validation("clientId is required")
	}
	if msg.SenderID == "" {
		return apperrors.Validation("senderId is required")
	}

	stored, inserted, err := s.msgRepo.CreateWithPreview(ctx, channelID, msg, s.now())
	if err != nil {
		return mapStoreError("写入消息失败", err)
	}
	if !inserted {
		log.Printf("[services] 消息 %s 已存在 (频道 %s), 忽略重复写入", msg.ClientID, channelID)
		return nil
	}

	s.publish(ctx, imtypes.ChangeEvent{ChannelID: channelID, Kind: imtypes.ChangeAdded, Message: stored})
	s.notifyMembers(ctx, channelID)
	return nil
}

func (s *messageService) UpdateMessageText(ctx context.Context, channelID, messageID, text string) error {
	updated, err := s.msgRepo.UpdateText(ctx, channelID, messageID, text)
	if err != nil {
		return mapStoreError("更新消息失败", err)
	}
	s.publish(ctx, imtypes.ChangeEvent{ChannelID: channelID, Kind: imtypes.ChangeModified, Message: updated})
	return nil
}

func (s *messageService) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	removed, err := s.msgRepo.Delete(ctx, channelID, messageID)
	if err != nil {
		return mapStoreError("删除消息失败", err)
	}
	s.publish(ctx, imtypes.ChangeEvent{ChannelID: channelID, Kind: imtypes.ChangeRemoved, Message: models.Message{ID: removed.ID, ClientID: removed.ClientID}})
	return nil
}

// publish 写入变更流。写库已经成功，失败只记录日志，订阅方会在下次打开频道时补齐。
func (s *messageService) publish(ctx context.Context, ev imtypes.ChangeEvent) {
	ev.OccurredAt = s.now()
	if err := s.changes.Publish(ctx, ev); err != nil {
		log.Printf("[services] 发布变更事件失败 (频道 %s, %s %s): %v", ev.ChannelID, ev.Kind, ev.Message.ID, err)
	}
}

func (s *messageService) notifyMembers(ctx context.Context, channelID string) {
	if s.notices == nil {
		return
	}
	members, err := s.channelRepo.ListMembers(ctx, channelID)
	if err != nil {
		log.Printf("[services] 查询频道 %s 成员失败: %v", channelID, err)
		return
	}
	for _, userID := range members {
		if err := s.notices.Publish(ctx, imtypes.ChannelNotice{UserID: userID, ChannelID: channelID, At: s.now()}); err != nil {
			log.Printf("[services] 通知用户 %s 频道 %s 变更失败: %v", userID, channelID, err)
		}
	}
}
