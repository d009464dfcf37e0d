package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"gorm.io/gorm"

	"im-sync/internal/imtypes"
	appKafka "im-sync/internal/kafka"
	"im-sync/internal/models"
)

type fakeMessageRepo struct {
	mu        sync.Mutex
	messages  map[string]models.Message // by clientID
	since     []models.Message
	sinceGate chan struct{}
	sinceErr  error
	sinceCall int
	createErr error
	updateErr error
	deleteErr error
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{messages: make(map[string]models.Message)}
}

func (r *fakeMessageRepo) sinceCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinceCall
}

func (r *fakeMessageRepo) LatestPage(ctx context.Context, channelID string, limit int) ([]models.Message, models.Cursor, error) {
	return nil, "", nil
}

func (r *fakeMessageRepo) OlderPage(ctx context.Context, channelID string, cursor models.Cursor, limit int) ([]models.Message, models.Cursor, error) {
	return nil, "", nil
}

func (r *fakeMessageRepo) ListSince(ctx context.Context, channelID string, since time.Time) ([]models.Message, error) {
	r.mu.Lock()
	r.sinceCall++
	r.mu.Unlock()
	if r.sinceGate != nil {
		select {
		case <-r.sinceGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.since, r.sinceErr
}

func (r *fakeMessageRepo) CreateWithPreview(ctx context.Context, channelID string, msg models.Message, sentAt time.Time) (models.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return models.Message{}, false, r.createErr
	}
	if existing, ok := r.messages[msg.ClientID]; ok {
		return existing, false, nil
	}
	msg.ID = "srv-" + msg.ClientID
	msg.Date = &sentAt
	msg.IsPending = false
	r.messages[msg.ClientID] = msg
	return msg, true, nil
}

func (r *fakeMessageRepo) UpdateText(ctx context.Context, channelID, messageID, text string) (models.Message, error) {
	if r.updateErr != nil {
		return models.Message{}, r.updateErr
	}
	return models.Message{ID: messageID, Text: text, Edited: true}, nil
}

func (r *fakeMessageRepo) Delete(ctx context.Context, channelID, messageID string) (models.Message, error) {
	if r.deleteErr != nil {
		return models.Message{}, r.deleteErr
	}
	return models.Message{ID: messageID, ClientID: "client-" + messageID}, nil
}

func (r *fakeMessageRepo) GetByID(ctx context.Context, channelID, messageID string) (models.Message, error) {
	return models.Message{}, gorm.ErrRecordNotFound
}

type fakeChannelRepo struct {
	mu        sync.Mutex
	channels  []models.Channel
	members   map[string][]string
	listErr   error
	createErr error
	addErr    error
	lastErr   error
	listCalls int
}

func newFakeChannelRepo() *fakeChannelRepo {
	return &fakeChannelRepo{members: make(map[string][]string)}
}

func (r *fakeChannelRepo) Create(ctx context.Context, memberIDs []string, channelType models.ChannelType) (models.Channel, error) {
	if r.createErr != nil {
		return models.Channel{}, r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := models.Channel{ID: "ch-new", MemberIDs: models.NormalizeMembers(memberIDs), Type: channelType}
	r.channels = append(r.channels, ch)
	return ch, nil
}

func (r *fakeChannelRepo) AddMember(ctx context.Context, channelID, userID string) error {
	if r.addErr != nil {
		return r.addErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[channelID] = append(r.members[channelID], userID)
	return nil
}

func (r *fakeChannelRepo) ListForUser(ctx context.Context, userID string) ([]models.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]models.Channel(nil), r.channels...), nil
}

func (r *fakeChannelRepo) FindByMemberKey(ctx context.Context, memberIDs []string, channelType models.ChannelType) (models.Channel, error) {
	return models.Channel{}, gorm.ErrRecordNotFound
}

func (r *fakeChannelRepo) UpdateLastMessage(ctx context.Context, channelID string, lm models.LastMessage) error {
	return r.lastErr
}

func (r *fakeChannelRepo) GetByID(ctx context.Context, channelID string) (models.Channel, error) {
	return models.Channel{}, gorm.ErrRecordNotFound
}

func (r *fakeChannelRepo) ListMembers(ctx context.Context, channelID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.members[channelID]...), nil
}

type fakeChanges struct {
	mu     sync.Mutex
	events []imtypes.ChangeEvent
	err    error
}

func (f *fakeChanges) Publish(ctx context.Context, ev imtypes.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeChanges) published() []imtypes.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]imtypes.ChangeEvent(nil), f.events...)
}

// fakeConsumer 把 feed 中的事件依次交给 handler，直到 ctx 取消或 fail 被关闭。
// assign 不为 nil 时，关闭它才算完成分区分配：之前不调用 Ready，也不交付事件。
type fakeConsumer struct {
	feed    chan imtypes.ChangeEvent
	fail    chan error
	assign  chan struct{}
	mu      sync.Mutex
	groups  []string
	opts    []appKafka.ConsumeOptions
	started chan struct{}
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		feed:    make(chan imtypes.ChangeEvent, 16),
		fail:    make(chan error, 1),
		started: make(chan struct{}, 4),
	}
}

var _ appKafka.MessageConsumer = (*fakeConsumer)(nil)

func (c *fakeConsumer) Consume(ctx context.Context, topics []string, groupID string, opts appKafka.ConsumeOptions, handler appKafka.MessageHandler) error {
	c.mu.Lock()
	c.groups = append(c.groups, groupID)
	c.opts = append(c.opts, opts)
	c.mu.Unlock()
	c.started <- struct{}{}

	if c.assign != nil {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.fail:
			return err
		case <-c.assign:
		}
	}
	if opts.Ready != nil {
		opts.Ready()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.fail:
			return err
		case ev := <-c.feed:
			value, _ := json.Marshal(ev)
			topic := topics[0]
			msg := &kafka.Message{
				TopicPartition: kafka.TopicPartition{Topic: &topic},
				Key:            []byte(ev.ChannelID),
				Value:          value,
			}
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

type fakeNotices struct {
	mu        sync.Mutex
	published []imtypes.ChannelNotice
	incoming  chan imtypes.ChannelNotice
	subErr    error
}

func newFakeNotices() *fakeNotices {
	return &fakeNotices{incoming: make(chan imtypes.ChannelNotice, 8)}
}

func (n *fakeNotices) Publish(ctx context.Context, notice imtypes.ChannelNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, notice)
	return nil
}

func (n *fakeNotices) Subscribe(ctx context.Context, userID string, ready func(), handler func(imtypes.ChannelNotice)) error {
	if n.subErr != nil {
		return n.subErr
	}
	ready()
	for {
		select {
		case <-ctx.Done():
			return nil
		case notice := <-n.incoming:
			handler(notice)
		}
	}
}

func (n *fakeNotices) users() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, p := range n.published {
		out = append(out, p.UserID)
	}
	return out
}
