package composer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/apperrors"
	"im-sync/internal/backendtest"
	"im-sync/internal/cleanup"
	"im-sync/internal/directory"
	"im-sync/internal/messagestore"
	"im-sync/internal/models"
)

const wait = 2 * time.Second

type harness struct {
	messages *backendtest.MessageBackend
	channels *backendtest.ChannelBackend
	files    *backendtest.AttachmentStore
	queue    *cleanup.Queue
	store    *messagestore.Store
	dir      *directory.Directory
	composer *Composer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		messages: backendtest.NewMessageBackend(),
		channels: backendtest.NewChannelBackend(),
		files:    backendtest.NewAttachmentStore(),
		queue:    cleanup.NewQueue(2, 16, time.Second),
	}
	h.dir = directory.New(h.channels, directory.Options{})
	h.store = messagestore.New(h.messages, h.files, h.queue, messagestore.Options{Previews: h.dir})
	h.composer = New(h.store, h.dir, h.messages, h.files, h.queue)

	require.NoError(t, h.dir.Listen("alice"))
	require.Eventually(t, func() bool { return h.channels.Watchers("alice") == 1 }, wait, time.Millisecond)
	t.Cleanup(func() {
		h.dir.Stop()
		h.store.Close()
		h.queue.Close()
	})
	return h
}

func TestSendThroughTransientChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := models.NewTransientDM("alice", "bob")

	clientID, err := h.composer.Send(ctx, ref, "alice", " hello ", nil)
	require.NoError(t, err)
	require.NotEmpty(t, clientID)

	require.Len(t, h.channels.Created, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, h.channels.RefCalls)
	assert.Nil(t, h.store.Messages(ref.Key()))

	sent := h.messages.Sent["ch1"]
	require.Len(t, sent, 1)
	assert.Equal(t, clientID, sent[0].ClientID)
	assert.Equal(t, "hello", sent[0].Text)

	msgs := h.store.Messages("ch1")
	require.Len(t, msgs, 1)
	assert.Equal(t, clientID, msgs[0].ClientID)

	// the confirmed record replaces the pending one in place
	require.True(t, h.messages.WaitWatching("ch1", wait))
	h.messages.Emit("ch1", models.MessageChanges{Added: h.messages.History("ch1")})
	msgs = h.store.Messages("ch1")
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].IsPending)
	assert.Equal(t, "m1", msgs[0].ID)

	// the next message to bob goes to the persisted channel
	next, err := h.dir.FindOrCreateDMChannel("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "ch1", models.KeyOf(next))
}

func TestSendUploadsAttachmentsAndDropsFailures(t *testing.T) {
	h := newHarness(t)
	h.files.FailNames["broken.mov"] = true
	ctx := context.Background()

	uploads := []Upload{
		{Kind: models.PhotoAttachment, FileName: "a.png", Data: []byte("png"), Width: 4, Height: 3},
		{Kind: models.VideoAttachment, FileName: "broken.mov", Data: []byte("mov")},
		{Kind: models.FileAttachment, FileName: "doc.pdf", Data: []byte("pdf!")},
	}
	_, err := h.composer.Send(ctx, models.Channel{ID: "c1"}, "alice", "", uploads)
	require.NoError(t, err)

	sent := h.messages.Sent["c1"]
	require.Len(t, sent, 1)
	want := []models.Attachment{
		{Kind: models.PhotoAttachment, URL: "mem://channels/c1/photos/a.png", Width: 4, Height: 3},
		{Kind: models.FileAttachment, URL: "mem://channels/c1/files/doc.pdf", FileName: "doc.pdf", Size: 4},
	}
	assert.Equal(t, want, sent[0].Attachments)
}

func TestSendWithEveryUploadFailing(t *testing.T) {
	h := newHarness(t)
	h.files.FailNames["a.png"] = true
	ctx := context.Background()

	_, err := h.composer.Send(ctx, models.Channel{ID: "c1"}, "alice", "", []Upload{
		{Kind: models.PhotoAttachment, FileName: "a.png", Data: []byte("x")},
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
	assert.Empty(t, h.messages.Sent["c1"])
	assert.Empty(t, h.store.Messages("c1"))
}

func TestSendFailureRemovesPendingMessage(t *testing.T) {
	h := newHarness(t)
	h.messages.SendErr = backendtest.ErrUnavailable
	ctx := context.Background()

	_, err := h.composer.Send(ctx, models.Channel{ID: "c1"}, "alice", "hi", []Upload{
		{Kind: models.PhotoAttachment, FileName: "a.png", Data: []byte("x")},
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeTransient))
	assert.Empty(t, h.store.Messages("c1"))

	h.queue.Wait()
	assert.Equal(t, []string{"mem://channels/c1/photos/a.png"}, h.files.Deleted)
}

func TestSendReopensChannelThatFailedToOpen(t *testing.T) {
	tests := []struct {
		name     string
		failures int
	}{
		{name: "retry after send", failures: 1},
		{name: "background retry", failures: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.messages.FetchInitialFailures = tt.failures

			clientID, err := h.composer.Send(context.Background(), models.Channel{ID: "c1"}, "alice", "hi", nil)
			require.NoError(t, err)
			h.queue.Wait()

			assert.True(t, h.store.IsOpen("c1"))
			msgs := h.store.Messages("c1")
			require.Len(t, msgs, 1)
			assert.Equal(t, clientID, msgs[0].ClientID)
			assert.False(t, msgs[0].IsPending)
			assert.Equal(t, "m1", msgs[0].ID)
		})
	}
}

func TestSendChannelCreationFailure(t *testing.T) {
	h := newHarness(t)
	h.channels.CreateErr = backendtest.ErrUnavailable
	ref := models.NewTransientDM("alice", "bob")

	_, err := h.composer.Send(context.Background(), ref, "alice", "hi", nil)
	assert.True(t, apperrors.Is(err, apperrors.CodeTransient))
	assert.Empty(t, h.store.Messages(ref.Key()))
	assert.Empty(t, h.messages.Sent)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ch := models.Channel{ID: "c1"}

	tests := []struct {
		name    string
		ref     models.ChannelRef
		sender  string
		text    string
		uploads []Upload
	}{
		{name: "empty message", ref: ch, sender: "alice", text: "   "},
		{name: "no sender", ref: ch, text: "hi"},
		{name: "missing data", ref: ch, sender: "alice", uploads: []Upload{{Kind: models.PhotoAttachment, FileName: "a.png"}}},
		{name: "missing file name", ref: ch, sender: "alice", uploads: []Upload{{Kind: models.FileAttachment, Data: []byte("x")}}},
		{name: "nil channel", sender: "alice", text: "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.composer.Send(ctx, tt.ref, tt.sender, tt.text, tt.uploads)
			assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
		})
	}
	assert.Empty(t, h.messages.Sent)
}
