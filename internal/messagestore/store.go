// Package messagestore keeps the ordered, deduplicated message list of every
// open channel, merging the initial page, the live change stream, older pages
// and locally pending messages.
package messagestore

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"im-sync/internal/apperrors"
	"im-sync/internal/cleanup"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// DefaultPageSize is the number of messages fetched per page.
const DefaultPageSize = 10

var errChannelClosed = errors.New("messagestore: channel closed")

// PreviewUpdater gives the store access to the denormalized channel preview.
// The channel directory implements it.
type PreviewUpdater interface {
	LastMessage(channelID string) (models.LastMessage, bool)
	UpdateLastMessage(ctx context.Context, channelID string, lm models.LastMessage) error
}

// Options configures a Store.
type Options struct {
	PageSize int
	Now      func() time.Time
	Previews PreviewUpdater
	// OnChange is called from the channel's goroutine after a new snapshot is
	// published. It must not block or call back into the store synchronously.
	OnChange func(channelKey string)
}

// Store owns one MessageMap per channel. Every mutation of a channel's map
// runs on that channel's goroutine; channels are independent of each other.
type Store struct {
	backend     imtypes.MessageBackend
	attachments imtypes.AttachmentStore
	cleanup     *cleanup.Queue

	pageSize int
	now      func() time.Time
	previews PreviewUpdater
	onChange func(string)

	mu       sync.Mutex
	channels map[string]*channelState
	closed   bool
}

// New creates a Store.
func New(backend imtypes.MessageBackend, attachments imtypes.AttachmentStore, queue *cleanup.Queue, opts Options) *Store {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		backend:     backend,
		attachments: attachments,
		cleanup:     queue,
		pageSize:    opts.PageSize,
		now:         opts.Now,
		previews:    opts.Previews,
		onChange:    opts.OnChange,
		channels:    make(map[string]*channelState),
	}
}

// subscription is the cancellable handle of one live watch.
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{} // closed when the watch goroutine exits
	ready  chan struct{} // closed once the initial page is spliced or failed
	err    error         // set before ready is closed
}

// op is one unit of work on a channel goroutine. fn reports whether it
// changed the map; done is closed after the resulting snapshot is published.
type op struct {
	fn   func() bool
	done chan struct{}
}

type channelState struct {
	key string

	ops     chan op
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	snap     atomic.Pointer[snapshot]
	fetching atomic.Bool

	// owned by the channel goroutine
	mm       *MessageMap
	ready    bool
	buffered []models.MessageChanges

	// guarded by Store.mu
	sub *subscription
}

func (s *Store) newChannelState(key string) *channelState {
	st := &channelState{
		key:     key,
		ops:     make(chan op),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		mm:      NewMessageMap(key),
		ready:   true,
	}
	st.snap.Store(st.mm.snapshot())
	go st.run(s.onChange)
	return st
}

func (st *channelState) run(onChange func(string)) {
	defer close(st.stopped)
	for {
		select {
		case o := <-st.ops:
			if o.fn() {
				st.snap.Store(st.mm.snapshot())
				if onChange != nil {
					onChange(st.key)
				}
			}
			close(o.done)
		case <-st.quit:
			return
		}
	}
}

// exec runs fn on the channel goroutine and waits for it. fn reports whether
// it changed the map.
func (st *channelState) exec(ctx context.Context, fn func() bool) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case st.ops <- o:
	case <-st.quit:
		return errChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-o.done
	return nil
}

func (st *channelState) stop() {
	st.once.Do(func() { close(st.quit) })
}

// apply merges c, or buffers it while the initial page is outstanding.
// Must run on the channel goroutine.
func (st *channelState) apply(c models.MessageChanges) bool {
	if !st.ready {
		st.buffered = append(st.buffered, c)
		return false
	}
	updatesApplied.Inc()
	stats := st.mm.ApplyChanges(c)
	pendingReconciled.Add(float64(stats.reconciled))
	return stats.changed()
}

func (s *Store) ensure(key string) (*channelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apperrors.Internal("message store is closed", nil)
	}
	st, ok := s.channels[key]
	if !ok {
		st = s.newChannelState(key)
		s.channels[key] = st
	}
	return st, nil
}

func (s *Store) lookup(key string) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[key]
}

// clearSubscription marks the channel inactive if sub is still its current
// subscription.
func (s *Store) clearSubscription(st *channelState, sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.sub == sub {
		st.sub = nil
		openChannels.Dec()
	}
	sub.cancel()
}

func (s *Store) registered(st *channelState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[st.key] == st
}

// OpenChannel loads the newest page of channelID and keeps the map current
// through a live subscription anchored at the oldest message of that page.
// It is a no-op when a subscription already exists.
func (s *Store) OpenChannel(ctx context.Context, channelID string) error {
	if models.IsTransientKey(channelID) {
		return apperrors.Validation("channel has not been created yet")
	}
	st, err := s.ensure(channelID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if existing := st.sub; existing != nil {
		s.mu.Unlock()
		select {
		case <-existing.ready:
			return existing.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{}), ready: make(chan struct{})}
	st.sub = sub
	openChannels.Inc()
	s.mu.Unlock()

	err = s.openSubscription(ctx, subCtx, st, sub)
	sub.err = err
	close(sub.ready)
	return err
}

func (s *Store) openSubscription(parent, subCtx context.Context, st *channelState, sub *subscription) error {
	// CloseChannel or Close abort an open that is still in flight.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(subCtx, cancel)
	defer stop()

	if err := st.exec(ctx, func() bool {
		st.ready = false
		return false
	}); err != nil {
		closedMeanwhile := subCtx.Err() != nil
		s.clearSubscription(st, sub)
		close(sub.done)
		if closedMeanwhile {
			return nil
		}
		return discardClosed(err)
	}

	page, cursor, err := s.backend.FetchInitialMessages(ctx, st.key, s.pageSize)
	if err != nil {
		closedMeanwhile := subCtx.Err() != nil
		s.clearSubscription(st, sub)
		close(sub.done)
		_ = st.exec(context.Background(), st.flush)
		if closedMeanwhile {
			return nil
		}
		log.Printf("[messagestore] 获取频道 %s 初始消息失败: %v", st.key, err)
		return apperrors.AsTransient("fetch initial messages failed", err)
	}

	// An empty page means the channel has no history yet; watch from the start.
	var since time.Time
	for _, m := range page {
		if ts := m.EffectiveTime(); since.IsZero() || ts.Before(since) {
			since = ts
		}
	}
	go s.watch(subCtx, st, sub, since)

	err = st.exec(ctx, func() bool {
		if !s.registered(st) {
			st.ready = true
			st.buffered = nil
			return false
		}
		stats := st.mm.SpliceInitial(page, cursor)
		pendingReconciled.Add(float64(stats.reconciled))
		st.flush()
		return true
	})
	if err != nil {
		if errors.Is(err, errChannelClosed) || subCtx.Err() != nil {
			return nil
		}
		// the watch goroutine closes sub.done once clearSubscription cancels it
		s.clearSubscription(st, sub)
		_ = st.exec(context.Background(), st.flush)
		return apperrors.Transient("open channel interrupted", err)
	}
	log.Printf("[messagestore] 频道 %s 已打开, 初始消息 %d 条", st.key, len(page))
	return nil
}

// flush marks the map ready and applies buffered updates in arrival order.
// Must run on the channel goroutine.
func (st *channelState) flush() bool {
	st.ready = true
	changed := false
	for _, c := range st.buffered {
		if st.apply(c) {
			changed = true
		}
	}
	st.buffered = nil
	return changed
}

func (s *Store) watch(ctx context.Context, st *channelState, sub *subscription, since time.Time) {
	defer close(sub.done)

	err := s.backend.WatchMessages(ctx, st.key, since, func(c models.MessageChanges) {
		if c.IsEmpty() {
			return
		}
		if err := st.exec(ctx, func() bool { return st.apply(c) }); err != nil && ctx.Err() == nil {
			log.Printf("[messagestore] 频道 %s 应用增量失败: %v", st.key, err)
		}
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Printf("[messagestore] 频道 %s 实时订阅出错, 订阅已失效: %v", st.key, err)
	} else {
		log.Printf("[messagestore] 频道 %s 实时订阅已结束", st.key)
	}
	s.clearSubscription(st, sub)
}

// CloseChannel cancels the live subscription of key and drops its map.
func (s *Store) CloseChannel(key string) {
	s.mu.Lock()
	st, ok := s.channels[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.channels, key)
	sub := st.sub
	if sub != nil {
		st.sub = nil
		openChannels.Dec()
	}
	s.mu.Unlock()

	if sub != nil {
		sub.cancel()
	}
	st.stop()
}

// ApplyIncrementalUpdate merges one added/modified/removed batch into key.
func (s *Store) ApplyIncrementalUpdate(ctx context.Context, key string, changes models.MessageChanges) error {
	st, err := s.ensure(key)
	if err != nil {
		return err
	}
	return discardClosed(st.exec(ctx, func() bool { return st.apply(changes) }))
}

// AppendPending inserts msg as a pending message and returns its clientId.
// A clientId is generated only when msg does not carry one.
func (s *Store) AppendPending(ctx context.Context, key string, msg models.Message) (string, error) {
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	msg.ID = ""
	msg.Date = nil
	msg.IsPending = true
	if msg.LocalDate.IsZero() {
		msg.LocalDate = s.now()
	}

	st, err := s.ensure(key)
	if err != nil {
		return "", err
	}
	if err := st.exec(ctx, func() bool {
		st.mm.AppendPending(msg)
		return true
	}); err != nil {
		return "", err
	}
	return msg.ClientID, nil
}

// DiscardPending removes the pending message clientID from key.
func (s *Store) DiscardPending(ctx context.Context, key, clientID string) error {
	st := s.lookup(key)
	if st == nil {
		return nil
	}
	return discardClosed(st.exec(ctx, func() bool { return st.mm.DiscardPending(clientID) }))
}

// FetchOlderPage prepends the next older page of key. It does nothing when no
// cursor is stored or a fetch for key is already running. Live updates keep
// applying while the page is fetched.
func (s *Store) FetchOlderPage(ctx context.Context, key string) error {
	st := s.lookup(key)
	if st == nil {
		paginationSkipped.Inc()
		return nil
	}
	cursor := st.snap.Load().cursor
	if cursor == "" {
		paginationSkipped.Inc()
		return nil
	}
	if !st.fetching.CompareAndSwap(false, true) {
		paginationSkipped.Inc()
		return nil
	}
	defer st.fetching.Store(false)

	page, next, err := s.backend.FetchOlderMessages(ctx, key, cursor, s.pageSize)
	if err != nil {
		return apperrors.AsTransient("fetch older messages failed", err)
	}

	err = st.exec(ctx, func() bool {
		if st.mm.Cursor() != cursor {
			return false
		}
		st.mm.PrependPage(page, next)
		return true
	})
	if err != nil {
		return discardClosed(err)
	}
	pagesFetched.Inc()
	return nil
}

// EditMessage persists the new text, then updates the local entry. When the
// message is the channel preview, the preview is refreshed as well.
func (s *Store) EditMessage(ctx context.Context, key, messageID, text string) error {
	st := s.lookup(key)
	if st == nil {
		return apperrors.NotFound("channel is not open", nil)
	}
	original, ok := st.snap.Load().find(messageID)
	if !ok {
		return apperrors.NotFound("message not found", nil)
	}

	if err := s.backend.UpdateMessageText(ctx, key, messageID, text); err != nil {
		return apperrors.AsTransient("update message text failed", err)
	}

	if err := st.exec(ctx, func() bool { return st.mm.EditLocal(messageID, text) }); err != nil {
		return discardClosed(err)
	}

	if s.previews == nil {
		return nil
	}
	if lm, ok := s.previews.LastMessage(key); ok && lm.Matches(original) {
		lm.Text = text
		if err := s.previews.UpdateLastMessage(ctx, key, lm); err != nil {
			log.Printf("[messagestore] 更新频道 %s 预览失败: %v", key, err)
		}
	}
	return nil
}

// DeleteMessage removes messageID locally right away, then schedules the
// attachment and backend deletes on the cleanup queue. A failed backend
// delete is not rolled back locally.
func (s *Store) DeleteMessage(ctx context.Context, key, messageID string) error {
	st := s.lookup(key)
	if st == nil {
		return apperrors.NotFound("channel is not open", nil)
	}

	var removed models.Message
	var found bool
	if err := st.exec(ctx, func() bool {
		removed, found = st.mm.RemoveByID(messageID)
		return found
	}); err != nil {
		return discardClosed(err)
	}
	if !found {
		return apperrors.NotFound("message not found", nil)
	}

	for _, url := range removed.AttachmentURLs() {
		s.cleanup.Enqueue("delete attachment "+url, func(ctx context.Context) error {
			return s.attachments.DeleteAttachment(ctx, url)
		})
	}
	s.cleanup.Enqueue("delete message "+messageID, func(ctx context.Context) error {
		return s.backend.DeleteMessage(ctx, key, messageID)
	})
	return nil
}

// MigrateChannel moves the map of a transient channel to its real id. Pending
// messages keep their clientId so the confirmed versions reconcile in place.
func (s *Store) MigrateChannel(ctx context.Context, fromKey, toID string) error {
	s.mu.Lock()
	from, ok := s.channels[fromKey]
	if ok {
		delete(s.channels, fromKey)
	}
	var sub *subscription
	if ok && from.sub != nil {
		sub = from.sub
		from.sub = nil
		openChannels.Dec()
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if sub != nil {
		sub.cancel()
	}

	var carried []models.Message
	_ = from.exec(ctx, func() bool {
		carried = from.mm.Messages()
		return false
	})
	from.stop()

	to, err := s.ensure(toID)
	if err != nil {
		return err
	}
	return discardClosed(to.exec(ctx, func() bool { return to.mm.Adopt(carried) > 0 }))
}

// Messages returns the ordered messages of key.
func (s *Store) Messages(key string) []models.Message {
	st := s.lookup(key)
	if st == nil {
		return nil
	}
	msgs := st.snap.Load().messages
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Cursor returns the stored pagination cursor of key.
func (s *Store) Cursor(key string) models.Cursor {
	st := s.lookup(key)
	if st == nil {
		return ""
	}
	return st.snap.Load().cursor
}

// IsOpen reports whether key has an active live subscription.
func (s *Store) IsOpen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.channels[key]
	return ok && st.sub != nil
}

// Close cancels every subscription and stops every channel.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	channels := s.channels
	s.channels = make(map[string]*channelState)
	var subs []*subscription
	for _, st := range channels {
		if st.sub != nil {
			subs = append(subs, st.sub)
			st.sub = nil
			openChannels.Dec()
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	for _, st := range channels {
		st.stop()
	}
	for _, sub := range subs {
		<-sub.done
	}
	log.Printf("[messagestore] 已关闭 %d 个频道", len(channels))
}

// discardClosed treats work on a channel that was closed meanwhile as done.
func discardClosed(err error) error {
	if errors.Is(err, errChannelClosed) {
		return nil
	}
	return err
}
