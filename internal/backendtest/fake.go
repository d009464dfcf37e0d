// Package backendtest provides in-memory collaborators for package tests.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// ErrUnavailable is a generic injected backend failure.
var ErrUnavailable = errors.New("backend unavailable")

type watcher struct {
	since   time.Time
	handler func(models.MessageChanges)
}

// MessageBackend is a scripted imtypes.MessageBackend.
type MessageBackend struct {
	mu sync.Mutex

	history  map[string][]models.Message
	watchers map[string][]*watcher
	nextID   int
	clock    time.Time

	// AutoEcho makes writes emit the matching change to live watchers.
	AutoEcho bool

	FetchInitialErr error
	FetchOlderErr   error
	WatchErr        error
	SendErr         error
	UpdateErr       error
	DeleteErr       error

	// FetchInitialFailures fails that many initial fetches with ErrUnavailable before succeeding.
	FetchInitialFailures int

	// InitialGate, when set, blocks FetchInitialMessages until it is closed.
	// InitialStarted receives the channel id each time a fetch begins.
	InitialGate    chan struct{}
	InitialStarted chan string
	// OlderGate blocks FetchOlderMessages the same way.
	OlderGate    chan struct{}
	OlderStarted chan string

	InitialCalls int
	OlderCalls   int
	WatchSince   map[string]time.Time
	Sent         map[string][]models.Message
	Edits        map[string]string
	Deleted      []string
}

func NewMessageBackend() *MessageBackend {
	return &MessageBackend{
		history:    make(map[string][]models.Message),
		watchers:   make(map[string][]*watcher),
		clock:      time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		WatchSince: make(map[string]time.Time),
		Sent:       make(map[string][]models.Message),
		Edits:      make(map[string]string),
	}
}

// Seed appends n confirmed messages to channelID, one minute apart.
func (b *MessageBackend) Seed(channelID, senderID string, n int) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Message
	for i := 0; i < n; i++ {
		out = append(out, b.confirmLocked(channelID, models.Message{
			ClientID: fmt.Sprintf("seed-%s-%d", channelID, b.nextID+1),
			SenderID: senderID,
			Text:     fmt.Sprintf("message %d", i),
		}))
	}
	return out
}

func (b *MessageBackend) confirmLocked(channelID string, msg models.Message) models.Message {
	b.nextID++
	b.clock = b.clock.Add(time.Minute)
	ts := b.clock
	msg.ID = "m" + strconv.Itoa(b.nextID)
	msg.Date = &ts
	msg.LocalDate = ts
	msg.IsPending = false
	b.history[channelID] = append(b.history[channelID], msg)
	return msg
}

// History returns the stored messages of channelID.
func (b *MessageBackend) History(channelID string) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Message(nil), b.history[channelID]...)
}

func (b *MessageBackend) FetchInitialMessages(ctx context.Context, channelID string, limit int) ([]models.Message, models.Cursor, error) {
	b.mu.Lock()
	b.InitialCalls++
	gate, started := b.InitialGate, b.InitialStarted
	b.mu.Unlock()

	if started != nil {
		started <- channelID
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FetchInitialErr != nil {
		return nil, "", b.FetchInitialErr
	}
	if b.FetchInitialFailures > 0 {
		b.FetchInitialFailures--
		return nil, "", ErrUnavailable
	}
	h := b.history[channelID]
	start := len(h) - limit
	if start < 0 {
		start = 0
	}
	return cloneAll(h[start:]), cursorAt(start), nil
}

func (b *MessageBackend) FetchOlderMessages(ctx context.Context, channelID string, cursor models.Cursor, limit int) ([]models.Message, models.Cursor, error) {
	b.mu.Lock()
	b.OlderCalls++
	gate, started := b.OlderGate, b.OlderStarted
	b.mu.Unlock()

	if started != nil {
		started <- channelID
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FetchOlderErr != nil {
		return nil, "", b.FetchOlderErr
	}
	end, err := strconv.Atoi(string(cursor))
	if err != nil {
		return nil, "", fmt.Errorf("bad cursor %q", cursor)
	}
	h := b.history[channelID]
	if end > len(h) {
		end = len(h)
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return cloneAll(h[start:end]), cursorAt(start), nil
}

func cursorAt(start int) models.Cursor {
	if start <= 0 {
		return ""
	}
	return models.Cursor(strconv.Itoa(start))
}

func (b *MessageBackend) WatchMessages(ctx context.Context, channelID string, since time.Time, handler func(models.MessageChanges)) error {
	b.mu.Lock()
	if b.WatchErr != nil {
		err := b.WatchErr
		b.mu.Unlock()
		return err
	}
	w := &watcher{since: since, handler: handler}
	b.watchers[channelID] = append(b.watchers[channelID], w)
	b.WatchSince[channelID] = since
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	ws := b.watchers[channelID]
	for i := range ws {
		if ws[i] == w {
			b.watchers[channelID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	return nil
}

// Watching returns the number of live watchers on channelID.
func (b *MessageBackend) Watching(channelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers[channelID])
}

// WaitWatching polls until channelID has at least one watcher.
func (b *MessageBackend) WaitWatching(channelID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Watching(channelID) > 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// Emit delivers c to every watcher of channelID and returns once all handlers
// have returned.
func (b *MessageBackend) Emit(channelID string, c models.MessageChanges) {
	b.mu.Lock()
	ws := append([]*watcher(nil), b.watchers[channelID]...)
	b.mu.Unlock()
	for _, w := range ws {
		w.handler(c)
	}
}

func (b *MessageBackend) SendMessage(ctx context.Context, channelID string, msg models.Message) error {
	b.mu.Lock()
	if b.SendErr != nil {
		err := b.SendErr
		b.mu.Unlock()
		return err
	}
	b.Sent[channelID] = append(b.Sent[channelID], msg)
	confirmed := b.confirmLocked(channelID, msg)
	echo := b.AutoEcho
	b.mu.Unlock()

	if echo {
		b.Emit(channelID, models.MessageChanges{Added: []models.Message{confirmed}})
	}
	return nil
}

func (b *MessageBackend) UpdateMessageText(ctx context.Context, channelID, messageID, text string) error {
	b.mu.Lock()
	if b.UpdateErr != nil {
		err := b.UpdateErr
		b.mu.Unlock()
		return err
	}
	b.Edits[messageID] = text
	var updated *models.Message
	for i, m := range b.history[channelID] {
		if m.ID == messageID {
			b.history[channelID][i].Text = text
			b.history[channelID][i].Edited = true
			cp := b.history[channelID][i]
			updated = &cp
		}
	}
	echo := b.AutoEcho
	b.mu.Unlock()

	if echo && updated != nil {
		b.Emit(channelID, models.MessageChanges{Modified: []models.Message{*updated}})
	}
	return nil
}

func (b *MessageBackend) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DeleteErr != nil {
		return b.DeleteErr
	}
	b.Deleted = append(b.Deleted, messageID)
	h := b.history[channelID]
	for i, m := range h {
		if m.ID == messageID {
			b.history[channelID] = append(h[:i], h[i+1:]...)
			break
		}
	}
	return nil
}

func cloneAll(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

type channelWatcher struct {
	handler func([]models.Channel)
}

// ChannelBackend is a scripted imtypes.ChannelBackend. A channel becomes
// visible to a user once a reference for that user has been added.
type ChannelBackend struct {
	mu sync.Mutex

	channels map[string]models.Channel
	refs     map[string]map[string]bool
	watchers map[string][]*channelWatcher
	nextID   int

	CreateErr error
	// RefErr fails AddChannelReference for specific users.
	RefErr    map[string]error
	UpdateErr error

	Created     [][]string
	RefCalls    []string
	LastUpdates map[string]models.LastMessage
}

func NewChannelBackend() *ChannelBackend {
	return &ChannelBackend{
		channels:    make(map[string]models.Channel),
		refs:        make(map[string]map[string]bool),
		watchers:    make(map[string][]*channelWatcher),
		RefErr:      make(map[string]error),
		LastUpdates: make(map[string]models.LastMessage),
	}
}

// Put stores ch and references it for every member.
func (b *ChannelBackend) Put(ch models.Channel) {
	b.mu.Lock()
	b.channels[ch.ID] = ch
	for _, m := range ch.MemberIDs {
		b.refLocked(m, ch.ID)
	}
	b.mu.Unlock()
	for _, m := range ch.MemberIDs {
		b.Publish(m)
	}
}

func (b *ChannelBackend) refLocked(userID, channelID string) {
	if b.refs[userID] == nil {
		b.refs[userID] = make(map[string]bool)
	}
	b.refs[userID][channelID] = true
}

func (b *ChannelBackend) channelsFor(userID string) []models.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Channel
	for id := range b.refs[userID] {
		if ch, ok := b.channels[id]; ok {
			out = append(out, ch)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].LastActivity, out[j].LastActivity
		if ai == nil || aj == nil {
			return aj == nil && ai != nil
		}
		return ai.After(*aj)
	})
	return out
}

// Publish re-emits the full channel set to userID's watchers.
func (b *ChannelBackend) Publish(userID string) {
	b.mu.Lock()
	ws := append([]*channelWatcher(nil), b.watchers[userID]...)
	b.mu.Unlock()
	set := b.channelsFor(userID)
	for _, w := range ws {
		w.handler(set)
	}
}

func (b *ChannelBackend) WatchChannels(ctx context.Context, userID string, handler func([]models.Channel)) error {
	w := &channelWatcher{handler: handler}
	b.mu.Lock()
	b.watchers[userID] = append(b.watchers[userID], w)
	b.mu.Unlock()

	handler(b.channelsFor(userID))
	<-ctx.Done()

	b.mu.Lock()
	ws := b.watchers[userID]
	for i := range ws {
		if ws[i] == w {
			b.watchers[userID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	return nil
}

// Watchers returns the number of live channel watchers for userID.
func (b *ChannelBackend) Watchers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers[userID])
}

func (b *ChannelBackend) CreateChannel(ctx context.Context, memberIDs []string, channelType models.ChannelType) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CreateErr != nil {
		return "", b.CreateErr
	}
	b.nextID++
	id := "ch" + strconv.Itoa(b.nextID)
	b.channels[id] = models.Channel{ID: id, MemberIDs: models.NormalizeMembers(memberIDs), Type: channelType}
	b.Created = append(b.Created, memberIDs)
	return id, nil
}

func (b *ChannelBackend) AddChannelReference(ctx context.Context, userID, channelID string) error {
	b.mu.Lock()
	b.RefCalls = append(b.RefCalls, userID)
	if err := b.RefErr[userID]; err != nil {
		b.mu.Unlock()
		return err
	}
	b.refLocked(userID, channelID)
	b.mu.Unlock()
	b.Publish(userID)
	return nil
}

func (b *ChannelBackend) UpdateLastMessage(ctx context.Context, channelID string, lm models.LastMessage) error {
	b.mu.Lock()
	if b.UpdateErr != nil {
		err := b.UpdateErr
		b.mu.Unlock()
		return err
	}
	ch, ok := b.channels[channelID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("channel %s not found", channelID)
	}
	ch.LastMessage = &lm
	ts := lm.Timestamp
	ch.LastActivity = &ts
	b.channels[channelID] = ch
	b.LastUpdates[channelID] = lm
	members := ch.MemberIDs
	b.mu.Unlock()
	for _, m := range members {
		b.Publish(m)
	}
	return nil
}

// AttachmentStore keeps uploads in memory.
type AttachmentStore struct {
	mu sync.Mutex

	Files     map[string][]byte
	Deleted   []string
	FailNames map[string]bool
	DeleteErr error
}

func NewAttachmentStore() *AttachmentStore {
	return &AttachmentStore{Files: make(map[string][]byte), FailNames: make(map[string]bool)}
}

func (s *AttachmentStore) UploadAttachment(ctx context.Context, data []byte, folder, fileName string) (*imtypes.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNames[fileName] {
		return nil, fmt.Errorf("upload %s: %w", fileName, ErrUnavailable)
	}
	url := "mem://" + folder + "/" + fileName
	s.Files[url] = append([]byte(nil), data...)
	return &imtypes.FileInfo{URL: url, Path: folder + "/" + fileName, Folder: folder, Size: int64(len(data)), FileName: fileName}, nil
}

func (s *AttachmentStore) DeleteAttachment(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.Deleted = append(s.Deleted, url)
	delete(s.Files, url)
	return nil
}

var (
	_ imtypes.MessageBackend  = (*MessageBackend)(nil)
	_ imtypes.ChannelBackend  = (*ChannelBackend)(nil)
	_ imtypes.AttachmentStore = (*AttachmentStore)(nil)
)
