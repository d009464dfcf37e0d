package messagestore

import (
	"sort"
	"time"

	"im-sync/internal/models"
)

// MessageMap is the working set of one channel: an ordered message sequence
// and the pagination cursor for the next older page.
//
// It is not safe for concurrent use; the channel actor owns it.
type MessageMap struct {
	ChannelKey string

	messages []models.Message
	cursor   models.Cursor
}

// NewMessageMap returns an empty map for key.
func NewMessageMap(key string) *MessageMap {
	return &MessageMap{ChannelKey: key}
}

// mergeStats reports what ApplyChanges did.
type mergeStats struct {
	inserted   int
	reconciled int
	replaced   int
	removed    int
}

func (s mergeStats) changed() bool {
	return s.inserted+s.reconciled+s.replaced+s.removed > 0
}

// ApplyChanges merges one incremental batch: added, then modified, then removed,
// then a stable re-sort. Applying the same batch twice leaves the same sequence.
// A batch with CompleteSince first drops confirmed entries in that range that
// the batch no longer lists.
func (m *MessageMap) ApplyChanges(c models.MessageChanges) mergeStats {
	var st mergeStats

	if c.CompleteSince != nil {
		st.removed += m.dropMissingSince(*c.CompleteSince, c.Added)
	}

	for _, in := range c.Added {
		in.IsPending = false
		if in.ID != "" {
			if i := m.indexByID(in.ID); i >= 0 {
				if !sameMessage(m.messages[i], in) {
					m.messages[i] = confirm(m.messages[i], in)
					st.replaced++
				}
				continue
			}
		}
		if in.ClientID != "" {
			if i := m.indexByClientID(in.ClientID); i >= 0 {
				m.messages[i] = confirm(m.messages[i], in)
				st.reconciled++
				continue
			}
		}
		if in.LocalDate.IsZero() && in.Date != nil {
			in.LocalDate = *in.Date
		}
		m.messages = append(m.messages, in)
		st.inserted++
	}

	for _, in := range c.Modified {
		if in.ID == "" {
			continue
		}
		i := m.indexByID(in.ID)
		if i < 0 {
			continue
		}
		in.IsPending = false
		if !sameMessage(m.messages[i], in) {
			m.messages[i] = confirm(m.messages[i], in)
			st.replaced++
		}
	}

	if len(c.Removed) > 0 {
		ids := make(map[string]struct{}, len(c.Removed))
		for _, r := range c.Removed {
			if r.ID != "" {
				ids[r.ID] = struct{}{}
			}
		}
		kept := m.messages[:0]
		for _, msg := range m.messages {
			if msg.ID != "" {
				if _, ok := ids[msg.ID]; ok {
					st.removed++
					continue
				}
			}
			kept = append(kept, msg)
		}
		m.messages = kept
	}

	m.sort()
	return st
}

// dropMissingSince removes confirmed entries at or after since whose id is not
// in present. Pending entries have no id yet and stay.
func (m *MessageMap) dropMissingSince(since time.Time, present []models.Message) int {
	ids := make(map[string]struct{}, len(present))
	for _, p := range present {
		if p.ID != "" {
			ids[p.ID] = struct{}{}
		}
	}
	dropped := 0
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if msg.ID != "" && !msg.IsPending && !msg.EffectiveTime().Before(since) {
			if _, ok := ids[msg.ID]; !ok {
				dropped++
				continue
			}
		}
		kept = append(kept, msg)
	}
	m.messages = kept
	return dropped
}

// SpliceInitial merges the first page and stores its cursor.
func (m *MessageMap) SpliceInitial(page []models.Message, cursor models.Cursor) mergeStats {
	st := m.ApplyChanges(models.MessageChanges{Added: page})
	m.cursor = cursor
	return st
}

// PrependPage merges an older page, skipping records already present, and
// advances the cursor.
func (m *MessageMap) PrependPage(page []models.Message, next models.Cursor) int {
	added := 0
	for _, in := range page {
		if in.ID != "" && m.indexByID(in.ID) >= 0 {
			continue
		}
		if in.ClientID != "" && m.indexByClientID(in.ClientID) >= 0 {
			continue
		}
		in.IsPending = false
		if in.LocalDate.IsZero() && in.Date != nil {
			in.LocalDate = *in.Date
		}
		m.messages = append(m.messages, in)
		added++
	}
	m.cursor = next
	m.sort()
	return added
}

// AppendPending adds a locally created message at its local timestamp.
func (m *MessageMap) AppendPending(msg models.Message) {
	msg.IsPending = true
	m.messages = append(m.messages, msg)
	m.sort()
}

// DiscardPending removes the pending entry with clientID. Confirmed entries
// are left alone.
func (m *MessageMap) DiscardPending(clientID string) bool {
	i := m.indexByClientID(clientID)
	if i < 0 || !m.messages[i].IsPending {
		return false
	}
	m.messages = append(m.messages[:i], m.messages[i+1:]...)
	return true
}

// EditLocal sets the text of message id and marks it edited.
func (m *MessageMap) EditLocal(id, text string) bool {
	i := m.indexByID(id)
	if i < 0 {
		return false
	}
	m.messages[i].Text = text
	m.messages[i].Edited = true
	return true
}

// RemoveByID removes exactly the entry with id.
func (m *MessageMap) RemoveByID(id string) (models.Message, bool) {
	i := m.indexByID(id)
	if i < 0 {
		return models.Message{}, false
	}
	removed := m.messages[i]
	m.messages = append(m.messages[:i], m.messages[i+1:]...)
	return removed, true
}

// Adopt merges messages carried over from another map, keyed by clientId.
func (m *MessageMap) Adopt(msgs []models.Message) int {
	n := 0
	for _, in := range msgs {
		if in.ClientID != "" && m.indexByClientID(in.ClientID) >= 0 {
			continue
		}
		if in.ID != "" && m.indexByID(in.ID) >= 0 {
			continue
		}
		m.messages = append(m.messages, in)
		n++
	}
	m.sort()
	return n
}

// Find returns the entry with id.
func (m *MessageMap) Find(id string) (models.Message, bool) {
	i := m.indexByID(id)
	if i < 0 {
		return models.Message{}, false
	}
	return m.messages[i], true
}

func (m *MessageMap) Cursor() models.Cursor { return m.cursor }

func (m *MessageMap) Len() int { return len(m.messages) }

// Messages returns a deep copy of the ordered sequence.
func (m *MessageMap) Messages() []models.Message {
	out := make([]models.Message, len(m.messages))
	for i, msg := range m.messages {
		out[i] = msg.Clone()
	}
	return out
}

func (m *MessageMap) snapshot() *snapshot {
	return &snapshot{messages: m.Messages(), cursor: m.cursor}
}

func (m *MessageMap) sort() {
	sort.SliceStable(m.messages, func(i, j int) bool {
		return m.messages[i].EffectiveTime().Before(m.messages[j].EffectiveTime())
	})
}

func (m *MessageMap) indexByID(id string) int {
	for i := range m.messages {
		if m.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *MessageMap) indexByClientID(clientID string) int {
	for i := range m.messages {
		if m.messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// confirm fills the server-side fields of in into the existing entry, keeping
// its local creation time and any clientId the server did not echo.
func confirm(existing, in models.Message) models.Message {
	out := in
	out.IsPending = false
	if !existing.LocalDate.IsZero() {
		out.LocalDate = existing.LocalDate
	} else if in.Date != nil {
		out.LocalDate = *in.Date
	}
	if out.ClientID == "" {
		out.ClientID = existing.ClientID
	}
	return out
}

func sameMessage(a, b models.Message) bool {
	if a.ID != b.ID || a.ClientID != b.ClientID || a.SenderID != b.SenderID ||
		a.Text != b.Text || a.Edited != b.Edited || a.IsPending != b.IsPending {
		return false
	}
	if (a.Date == nil) != (b.Date == nil) || (a.Date != nil && !a.Date.Equal(*b.Date)) {
		return false
	}
	if len(a.Attachments) != len(b.Attachments) {
		return false
	}
	for i := range a.Attachments {
		if a.Attachments[i] != b.Attachments[i] {
			return false
		}
	}
	return true
}

// snapshot is the immutable view published to readers after each mutation.
type snapshot struct {
	messages []models.Message
	cursor   models.Cursor
}

func (s *snapshot) find(id string) (models.Message, bool) {
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}
