package messagestore

import (
	"math/rand"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/models"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func confirmed(id, clientID string, minute int) models.Message {
	ts := t0.Add(time.Duration(minute) * time.Minute)
	return models.Message{ID: id, ClientID: clientID, SenderID: "alice", Text: id, Date: &ts, LocalDate: ts}
}

func pending(clientID string, minute int) models.Message {
	return models.Message{ClientID: clientID, SenderID: "alice", Text: "draft", LocalDate: t0.Add(time.Duration(minute) * time.Minute), IsPending: true}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		if m.ID != "" {
			out[i] = m.ID
		} else {
			out[i] = "~" + m.ClientID
		}
	}
	return out
}

func assertSorted(t *testing.T, msgs []models.Message) {
	t.Helper()
	assert.True(t, sort.SliceIsSorted(msgs, func(i, j int) bool {
		return msgs[i].EffectiveTime().Before(msgs[j].EffectiveTime())
	}), "messages out of order: %v", ids(msgs))
}

func TestApplyChangesIdempotent(t *testing.T) {
	edited := confirmed("m2", "c2", 2)
	edited.Text = "changed"
	edited.Edited = true

	tests := []struct {
		name    string
		initial []models.Message
		changes models.MessageChanges
	}{
		{
			name:    "added only",
			initial: []models.Message{confirmed("m1", "c1", 1)},
			changes: models.MessageChanges{Added: []models.Message{confirmed("m2", "c2", 2), confirmed("m3", "c3", 3)}},
		},
		{
			name:    "reconcile pending",
			initial: []models.Message{confirmed("m1", "c1", 1), pending("p1", 5)},
			changes: models.MessageChanges{Added: []models.Message{confirmed("m9", "p1", 4)}},
		},
		{
			name:    "modify and remove",
			initial: []models.Message{confirmed("m1", "c1", 1), confirmed("m2", "c2", 2), confirmed("m3", "c3", 3)},
			changes: models.MessageChanges{
				Modified: []models.Message{edited},
				Removed:  []models.Message{{ID: "m3"}},
			},
		},
		{
			name:    "duplicate records in one batch",
			initial: nil,
			changes: models.MessageChanges{Added: []models.Message{confirmed("m1", "c1", 1), confirmed("m1", "c1", 1)}},
		},
		{
			name:    "added then removed in one batch",
			initial: []models.Message{confirmed("m1", "c1", 1)},
			changes: models.MessageChanges{Added: []models.Message{confirmed("m2", "c2", 2)}, Removed: []models.Message{{ID: "m2"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mm := NewMessageMap("c")
			mm.Adopt(tt.initial)

			mm.ApplyChanges(tt.changes)
			once := mm.Messages()

			stats := mm.ApplyChanges(tt.changes)
			twice := mm.Messages()

			assert.Equal(t, once, twice)
			assert.Zero(t, stats.reconciled)
			assertSorted(t, twice)
		})
	}
}

func TestApplyChangesReconcilesPendingInPlace(t *testing.T) {
	mm := NewMessageMap("c")
	mm.Adopt([]models.Message{confirmed("m1", "c1", 1)})
	mm.AppendPending(pending("abc", 10))
	require.Equal(t, 2, mm.Len())

	echo := confirmed("srv1", "abc", 9)
	echo.Attachments = []models.Attachment{{Kind: models.PhotoAttachment, URL: "u1"}}
	stats := mm.ApplyChanges(models.MessageChanges{Added: []models.Message{echo}})

	assert.Equal(t, 1, stats.reconciled)
	require.Equal(t, 2, mm.Len())
	got, ok := mm.Find("srv1")
	require.True(t, ok)
	assert.False(t, got.IsPending)
	assert.Equal(t, "abc", got.ClientID)
	assert.Equal(t, t0.Add(10*time.Minute), got.LocalDate)
	assert.Equal(t, []string{"u1"}, got.AttachmentURLs())
}

func TestApplyChangesIgnoresUnknownModify(t *testing.T) {
	mm := NewMessageMap("c")
	mm.Adopt([]models.Message{confirmed("m1", "c1", 1)})

	stats := mm.ApplyChanges(models.MessageChanges{Modified: []models.Message{confirmed("ghost", "g", 2)}})
	assert.False(t, stats.changed())
	assert.Equal(t, []string{"m1"}, ids(mm.Messages()))
}

func TestCompleteSinceDropsMissingConfirmedMessages(t *testing.T) {
	m := NewMessageMap("c1")
	m.ApplyChanges(models.MessageChanges{Added: []models.Message{
		confirmed("m1", "c1", 1),
		confirmed("m2", "c2", 2),
		confirmed("m3", "c3", 3),
	}})
	m.AppendPending(pending("p1", 4))

	since := t0.Add(2 * time.Minute)
	st := m.ApplyChanges(models.MessageChanges{
		Added:         []models.Message{confirmed("m3", "c3", 3)},
		CompleteSince: &since,
	})

	assert.Equal(t, 1, st.removed)
	assert.Equal(t, []string{"m1", "m3", "~p1"}, ids(m.Messages()))

	// 再应用一次结果不变
	st = m.ApplyChanges(models.MessageChanges{
		Added:         []models.Message{confirmed("m3", "c3", 3)},
		CompleteSince: &since,
	})
	assert.False(t, st.changed())
}

func TestModifyResortsByDate(t *testing.T) {
	mm := NewMessageMap("c")
	mm.Adopt([]models.Message{confirmed("m1", "c1", 1), confirmed("m2", "c2", 2)})

	moved := confirmed("m1", "c1", 3)
	mm.ApplyChanges(models.MessageChanges{Modified: []models.Message{moved}})
	assert.Equal(t, []string{"m2", "m1"}, ids(mm.Messages()))
}

func TestRemoveByIDRemovesExactlyOne(t *testing.T) {
	a := confirmed("m1", "c1", 1)
	b := confirmed("m2", "c2", 1)
	b.Text = a.Text
	mm := NewMessageMap("c")
	mm.Adopt([]models.Message{a, b, confirmed("m3", "c3", 2)})

	removed, ok := mm.RemoveByID("m1")
	require.True(t, ok)
	assert.Equal(t, "m1", removed.ID)
	assert.Equal(t, []string{"m2", "m3"}, ids(mm.Messages()))

	_, ok = mm.RemoveByID("m1")
	assert.False(t, ok)
}

func TestPrependPageDedupsAndAdvancesCursor(t *testing.T) {
	mm := NewMessageMap("c")
	mm.SpliceInitial([]models.Message{confirmed("m3", "c3", 3), confirmed("m4", "c4", 4)}, "cur-3")

	added := mm.PrependPage([]models.Message{confirmed("m1", "c1", 1), confirmed("m2", "c2", 2), confirmed("m3", "c3", 3)}, "")
	assert.Equal(t, 2, added)
	assert.Equal(t, models.Cursor(""), mm.Cursor())
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(mm.Messages()))
}

func TestDiscardPendingOnlyTouchesPending(t *testing.T) {
	mm := NewMessageMap("c")
	mm.Adopt([]models.Message{confirmed("m1", "c1", 1)})
	mm.AppendPending(pending("p1", 2))

	assert.False(t, mm.DiscardPending("c1"))
	assert.True(t, mm.DiscardPending("p1"))
	assert.False(t, mm.DiscardPending("p1"))
	assert.Equal(t, []string{"m1"}, ids(mm.Messages()))
}

func TestOrderingInvariantUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	mm := NewMessageMap("c")
	nextID := 0

	for step := 0; step < 500; step++ {
		switch rng.Intn(6) {
		case 0:
			nextID++
			mm.AppendPending(pending("p"+strconv.Itoa(nextID), rng.Intn(120)))
		case 1:
			nextID++
			mm.ApplyChanges(models.MessageChanges{Added: []models.Message{confirmed("m"+strconv.Itoa(nextID), "c"+strconv.Itoa(nextID), rng.Intn(120))}})
		case 2:
			msgs := mm.Messages()
			if len(msgs) > 0 {
				victim := msgs[rng.Intn(len(msgs))]
				if victim.ID != "" {
					mm.ApplyChanges(models.MessageChanges{Removed: []models.Message{{ID: victim.ID}}})
				}
			}
		case 3:
			msgs := mm.Messages()
			if len(msgs) > 0 {
				m := msgs[rng.Intn(len(msgs))]
				if m.IsPending {
					mm.ApplyChanges(models.MessageChanges{Added: []models.Message{confirmed("s"+strconv.Itoa(step), m.ClientID, rng.Intn(120))}})
				}
			}
		case 4:
			nextID++
			mm.PrependPage([]models.Message{confirmed("o"+strconv.Itoa(nextID), "oc"+strconv.Itoa(nextID), rng.Intn(120))}, "")
		case 5:
			msgs := mm.Messages()
			if len(msgs) > 0 {
				m := msgs[rng.Intn(len(msgs))]
				if m.ID != "" {
					mod := m
					ts := t0.Add(time.Duration(rng.Intn(120)) * time.Minute)
					mod.Date = &ts
					mm.ApplyChanges(models.MessageChanges{Modified: []models.Message{mod}})
				}
			}
		}
		assertSorted(t, mm.Messages())
	}

	seen := make(map[string]bool)
	for _, m := range mm.Messages() {
		require.False(t, seen[m.ClientID], "duplicate clientId %s", m.ClientID)
		seen[m.ClientID] = true
	}
}
