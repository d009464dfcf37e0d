package messagestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/apperrors"
	"im-sync/internal/backendtest"
	"im-sync/internal/cleanup"
	"im-sync/internal/models"
)

const wait = 2 * time.Second

type fakePreviews struct {
	mu      sync.Mutex
	last    map[string]models.LastMessage
	updates []models.LastMessage
	err     error
}

func (p *fakePreviews) LastMessage(channelID string) (models.LastMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lm, ok := p.last[channelID]
	return lm, ok
}

func (p *fakePreviews) UpdateLastMessage(ctx context.Context, channelID string, lm models.LastMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.last[channelID] = lm
	p.updates = append(p.updates, lm)
	return nil
}

type harness struct {
	backend *backendtest.MessageBackend
	files   *backendtest.AttachmentStore
	queue   *cleanup.Queue
	prev    *fakePreviews
	store   *Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: backendtest.NewMessageBackend(),
		files:   backendtest.NewAttachmentStore(),
		queue:   cleanup.NewQueue(2, 32, time.Second),
		prev:    &fakePreviews{last: make(map[string]models.LastMessage)},
	}
	h.store = New(h.backend, h.files, h.queue, Options{
		PageSize: 3,
		Now:      func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) },
		Previews: h.prev,
	})
	t.Cleanup(func() {
		h.store.Close()
		h.queue.Close()
	})
	return h
}

func TestOpenChannelLoadsNewestPageAndWatches(t *testing.T) {
	h := newHarness(t)
	seeded := h.backend.Seed("c1", "alice", 5)
	ctx := context.Background()

	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))

	assert.Equal(t, 1, h.backend.InitialCalls)
	assert.Equal(t, []string{"m3", "m4", "m5"}, ids(h.store.Messages("c1")))
	assert.Equal(t, models.Cursor("2"), h.store.Cursor("c1"))
	assert.True(t, h.store.IsOpen("c1"))

	require.True(t, h.backend.WaitWatching("c1", wait))
	since := h.backend.WatchSince["c1"]
	assert.True(t, since.Equal(*seeded[2].Date))
}

func TestIncrementalUpdatesAreApplied(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("c1", "alice", 2)
	ctx := context.Background()
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	require.True(t, h.backend.WaitWatching("c1", wait))

	h.backend.Emit("c1", models.MessageChanges{Added: []models.Message{confirmed("x1", "cx1", 500)}})
	h.backend.Emit("c1", models.MessageChanges{Removed: []models.Message{{ID: "m1"}}})

	assert.Equal(t, []string{"m2", "x1"}, ids(h.store.Messages("c1")))
}

func TestPendingReconciledByLiveUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	clientID, err := h.store.AppendPending(ctx, "c1", models.Message{ClientID: "abc", SenderID: "alice", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "abc", clientID)

	msgs := h.store.Messages("c1")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsPending)
	assert.Empty(t, msgs[0].ID)

	ts := time.Date(2030, 1, 1, 0, 0, 1, 0, time.UTC)
	require.NoError(t, h.store.ApplyIncrementalUpdate(ctx, "c1", models.MessageChanges{
		Added: []models.Message{{ID: "srv1", ClientID: "abc", SenderID: "alice", Text: "hi", Date: &ts}},
	}))

	msgs = h.store.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv1", msgs[0].ID)
	assert.False(t, msgs[0].IsPending)
}

func TestAppendPendingGeneratesClientIDOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.store.AppendPending(ctx, "c1", models.Message{SenderID: "alice", Text: "a"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := h.store.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ClientID)

	require.NoError(t, h.store.DiscardPending(ctx, "c1", id))
	assert.Empty(t, h.store.Messages("c1"))
}

func TestUpdatesDuringInitialFetchAreBuffered(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("c1", "alice", 2)
	h.backend.InitialGate = make(chan struct{})
	h.backend.InitialStarted = make(chan string, 1)
	ctx := context.Background()

	opened := make(chan error, 1)
	go func() { opened <- h.store.OpenChannel(ctx, "c1") }()
	<-h.backend.InitialStarted

	// x1 arrives before the page is spliced
	early := models.MessageChanges{Added: []models.Message{confirmed("x1", "cx1", 600)}}
	require.NoError(t, h.store.ApplyIncrementalUpdate(ctx, "c1", early))
	assert.Empty(t, h.store.Messages("c1"))

	close(h.backend.InitialGate)
	require.NoError(t, <-opened)

	assert.Equal(t, []string{"m1", "m2", "x1"}, ids(h.store.Messages("c1")))
}

func TestFetchOlderPageWithoutCursorIsNoop(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("c1", "alice", 2)
	ctx := context.Background()

	// never opened
	require.NoError(t, h.store.FetchOlderPage(ctx, "c1"))

	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	before := h.store.Messages("c1")
	require.Equal(t, models.Cursor(""), h.store.Cursor("c1"))

	require.NoError(t, h.store.FetchOlderPage(ctx, "c1"))
	assert.Equal(t, 0, h.backend.OlderCalls)
	assert.Equal(t, before, h.store.Messages("c1"))
}

func TestFetchOlderPagePrependsUntilExhausted(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("c1", "alice", 7)
	ctx := context.Background()
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))

	require.NoError(t, h.store.FetchOlderPage(ctx, "c1"))
	assert.Equal(t, []string{"m2", "m3", "m4", "m5", "m6", "m7"}, ids(h.store.Messages("c1")))
	assert.Equal(t, models.Cursor("1"), h.store.Cursor("c1"))

	require.NoError(t, h.store.FetchOlderPage(ctx, "c1"))
	assert.Len(t, h.store.Messages("c1"), 7)
	assert.Equal(t, models.Cursor(""), h.store.Cursor("c1"))

	require.NoError(t, h.store.FetchOlderPage(ctx, "c1"))
	assert.Equal(t, 2, h.backend.OlderCalls)
}

func TestFetchOlderPageDoesNotBlockLiveUpdates(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("c1", "alice", 5)
	ctx := context.Background()
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	require.True(t, h.backend.WaitWatching("c1", wait))

	h.backend.OlderGate = make(chan struct{})
	h.backend.OlderStarted = make(chan string, 1)

	fetched := make(chan error, 1)
	go func() { fetched <- h.store.FetchOlderPage(ctx, "c1") }()
	<-h.backend.OlderStarted

	// a second request while the first is in flight is skipped
	require.NoError(t, h.store.FetchOlderPage(ctx, "c1"))

	h.backend.Emit("c1", models.MessageChanges{Added: []models.Message{confirmed("x1", "cx1", 900)}})
	assert.Contains(t, ids(h.store.Messages("c1")), "x1")

	close(h.backend.OlderGate)
	require.NoError(t, <-fetched)
	assert.Equal(t, 1, h.backend.OlderCalls)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5", "x1"}, ids(h.store.Messages("c1")))
}

func TestFetchOlderPageFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("c1", "alice", 5)
	ctx := context.Background()
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	before := h.store.Messages("c1")

	h.backend.FetchOlderErr = backendtest.ErrUnavailable
	err := h.store.FetchOlderPage(ctx, "c1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeTransient))
	assert.Equal(t, before, h.store.Messages("c1"))
	assert.Equal(t, models.Cursor("2"), h.store.Cursor("c1"))

	h.backend.FetchOlderErr = nil
	require.NoError(t, h.store.FetchOlderPage(ctx, "c1"))
	assert.Len(t, h.store.Messages("c1"), 5)
}

func TestOpenChannelFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.FetchInitialErr = backendtest.ErrUnavailable
	ctx := context.Background()

	err := h.store.OpenChannel(ctx, "c1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeTransient))
	assert.False(t, h.store.IsOpen("c1"))

	h.backend.FetchInitialErr = nil
	h.backend.Seed("c1", "alice", 1)
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	assert.Len(t, h.store.Messages("c1"), 1)
}

func TestOpenChannelRejectsTransientKey(t *testing.T) {
	h := newHarness(t)
	err := h.store.OpenChannel(context.Background(), models.NewTransientDM("a", "b").Key())
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
}

func TestWatchErrorMarksSubscriptionInactive(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("c1", "alice", 1)
	h.backend.WatchErr = backendtest.ErrUnavailable
	ctx := context.Background()

	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	require.Eventually(t, func() bool { return !h.store.IsOpen("c1") }, wait, time.Millisecond)
	assert.Len(t, h.store.Messages("c1"), 1)

	h.backend.WatchErr = nil
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	assert.True(t, h.store.IsOpen("c1"))
	assert.Equal(t, 2, h.backend.InitialCalls)
}

func TestCloseChannelStopsUpdates(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("c1", "alice", 1)
	ctx := context.Background()
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	require.True(t, h.backend.WaitWatching("c1", wait))

	h.store.CloseChannel("c1")
	h.store.CloseChannel("c1")

	require.Eventually(t, func() bool { return h.backend.Watching("c1") == 0 }, wait, time.Millisecond)
	assert.False(t, h.store.IsOpen("c1"))
	assert.Nil(t, h.store.Messages("c1"))
}

func TestEditMessage(t *testing.T) {
	h := newHarness(t)
	seeded := h.backend.Seed("c1", "alice", 2)
	ctx := context.Background()
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	h.prev.last["c1"] = models.LastMessageOf(seeded[1])

	require.NoError(t, h.store.EditMessage(ctx, "c1", "m2", "fixed"))
	got := h.store.Messages("c1")[1]
	assert.Equal(t, "fixed", got.Text)
	assert.True(t, got.Edited)
	assert.Equal(t, "fixed", h.backend.Edits["m2"])
	require.Len(t, h.prev.updates, 1)
	assert.Equal(t, "fixed", h.prev.updates[0].Text)

	// not the preview message
	require.NoError(t, h.store.EditMessage(ctx, "c1", "m1", "older"))
	assert.Len(t, h.prev.updates, 1)
}

func TestEditMessageUpdatesPreviewWrittenAtHigherPrecision(t *testing.T) {
	h := newHarness(t)
	seeded := h.backend.Seed("c1", "alice", 2)
	ctx := context.Background()
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))

	// 预览在写入时带着纳秒，消息从存储读回时只剩微秒
	lm := models.LastMessageOf(seeded[1])
	lm.Timestamp = lm.Timestamp.Add(789 * time.Nanosecond)
	h.prev.last["c1"] = lm

	require.NoError(t, h.store.EditMessage(ctx, "c1", "m2", "fixed"))
	require.Len(t, h.prev.updates, 1)
	assert.Equal(t, "fixed", h.prev.updates[0].Text)
	assert.Equal(t, "m2", h.prev.updates[0].MessageID)
}

func TestCompleteBatchDropsMessagesDeletedBeforeWatchStarted(t *testing.T) {
	h := newHarness(t)
	seeded := h.backend.Seed("c1", "alice", 3)
	ctx := context.Background()
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	require.True(t, h.backend.WaitWatching("c1", wait))

	edited := seeded[0]
	edited.Text = "edited"
	edited.Edited = true
	since := *seeded[0].Date
	h.backend.Emit("c1", models.MessageChanges{
		Added:         []models.Message{edited, seeded[2]},
		CompleteSince: &since,
	})

	msgs := h.store.Messages("c1")
	assert.Equal(t, []string{"m1", "m3"}, ids(msgs))
	assert.Equal(t, "edited", msgs[0].Text)
}

func TestEditMessageFailures(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("c1", "alice", 1)
	ctx := context.Background()

	err := h.store.EditMessage(ctx, "c1", "m1", "x")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	require.NoError(t, h.store.OpenChannel(ctx, "c1"))
	err = h.store.EditMessage(ctx, "c1", "missing", "x")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	h.backend.UpdateErr = backendtest.ErrUnavailable
	err = h.store.EditMessage(ctx, "c1", "m1", "x")
	assert.True(t, apperrors.Is(err, apperrors.CodeTransient))
	got := h.store.Messages("c1")[0]
	assert.Equal(t, "message 0", got.Text)
	assert.False(t, got.Edited)
}

func TestDeleteMessageRemovesExactlyOneAndSchedulesCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.Seed("c1", "alice", 2)
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))

	withMedia := confirmed("x1", "cx1", 900)
	withMedia.Attachments = []models.Attachment{
		{Kind: models.PhotoAttachment, URL: "mem://a.png"},
		{Kind: models.FileAttachment, URL: "mem://b.pdf"},
	}
	require.NoError(t, h.store.ApplyIncrementalUpdate(ctx, "c1", models.MessageChanges{Added: []models.Message{withMedia}}))

	h.files.DeleteErr = backendtest.ErrUnavailable
	require.NoError(t, h.store.DeleteMessage(ctx, "c1", "x1"))
	assert.Equal(t, []string{"m1", "m2"}, ids(h.store.Messages("c1")))

	h.queue.Wait()
	assert.Equal(t, []string{"x1"}, h.backend.Deleted)

	err := h.store.DeleteMessage(ctx, "c1", "x1")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestDeleteMessageIsNotRolledBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.Seed("c1", "alice", 2)
	require.NoError(t, h.store.OpenChannel(ctx, "c1"))

	h.backend.DeleteErr = backendtest.ErrUnavailable
	require.NoError(t, h.store.DeleteMessage(ctx, "c1", "m1"))
	h.queue.Wait()
	assert.Equal(t, []string{"m2"}, ids(h.store.Messages("c1")))
}

func TestMigrateChannelCarriesPendingMessages(t *testing.T) {
	h := newHarness(t)
	h.backend.AutoEcho = true
	ctx := context.Background()
	transient := models.NewTransientDM("alice", "bob").Key()

	clientID, err := h.store.AppendPending(ctx, transient, models.Message{SenderID: "alice", Text: "first"})
	require.NoError(t, err)

	require.NoError(t, h.store.MigrateChannel(ctx, transient, "c9"))
	assert.Nil(t, h.store.Messages(transient))
	require.NoError(t, h.store.OpenChannel(ctx, "c9"))
	require.True(t, h.backend.WaitWatching("c9", wait))

	require.NoError(t, h.backend.SendMessage(ctx, "c9", models.Message{ClientID: clientID, SenderID: "alice", Text: "first"}))

	msgs := h.store.Messages("c9")
	require.Len(t, msgs, 1)
	assert.Equal(t, clientID, msgs[0].ClientID)
	assert.False(t, msgs[0].IsPending)
	assert.NotEmpty(t, msgs[0].ID)
}

func TestOnChangeCalledAfterPublish(t *testing.T) {
	backend := backendtest.NewMessageBackend()
	queue := cleanup.NewQueue(1, 4, time.Second)
	defer queue.Close()

	var mu sync.Mutex
	var keys []string
	s := New(backend, backendtest.NewAttachmentStore(), queue, Options{OnChange: func(key string) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
	}})
	defer s.Close()

	_, err := s.AppendPending(context.Background(), "c1", models.Message{SenderID: "a"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1"}, keys)
}

func TestCloseStopsEverySubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		h.backend.Seed(id, "alice", 1)
		require.NoError(t, h.store.OpenChannel(ctx, id))
		require.True(t, h.backend.WaitWatching(id, wait))
	}

	h.store.Close()
	for _, id := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, 0, h.backend.Watching(id))
	}
	_, err := h.store.AppendPending(ctx, "c1", models.Message{})
	assert.Error(t, err)
}
