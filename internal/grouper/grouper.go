// Package grouper folds an ordered message list into day, minute and
// sender-run groups for rendering.
package grouper

import (
	"sort"
	"time"

	"im-sync/internal/models"
)

// SenderRun is a contiguous run of messages by one sender.
type SenderRun struct {
	SenderID string           `json:"senderId"`
	Messages []models.Message `json:"messages"`
}

// TimeGroup holds the runs whose messages share one wall-clock minute.
type TimeGroup struct {
	Time time.Time   `json:"time"`
	Runs []SenderRun `json:"runs"`
}

// DayGroup holds the minute groups of one calendar day.
type DayGroup struct {
	Day        time.Time   `json:"day"`
	TimeGroups []TimeGroup `json:"timeGroups"`
}

// Group partitions messages by calendar day in loc, then by minute, then by
// consecutive sender. Messages without an effective timestamp are skipped.
// Within a group, input order is preserved.
func Group(messages []models.Message, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}

	dayIndex := make(map[time.Time]int)
	var days []dayBucket
	for _, m := range messages {
		ts := m.EffectiveTime()
		if ts.IsZero() {
			continue
		}
		ts = ts.In(loc)
		day := startOfDay(ts)
		i, ok := dayIndex[day]
		if !ok {
			i = len(days)
			dayIndex[day] = i
			days = append(days, dayBucket{day: day, minuteIndex: make(map[time.Time]int)})
		}
		days[i].add(ts, m)
	}

	sort.SliceStable(days, func(i, j int) bool { return days[i].day.Before(days[j].day) })

	out := make([]DayGroup, 0, len(days))
	for _, d := range days {
		out = append(out, d.build())
	}
	return out
}

// Flatten reverses Group.
func Flatten(days []DayGroup) []models.Message {
	var out []models.Message
	for _, d := range days {
		for _, tg := range d.TimeGroups {
			for _, run := range tg.Runs {
				out = append(out, run.Messages...)
			}
		}
	}
	return out
}

type minuteBucket struct {
	minute   time.Time
	messages []models.Message
}

type dayBucket struct {
	day         time.Time
	minuteIndex map[time.Time]int
	minutes     []minuteBucket
}

func (d *dayBucket) add(ts time.Time, m models.Message) {
	minute := startOfMinute(ts)
	i, ok := d.minuteIndex[minute]
	if !ok {
		i = len(d.minutes)
		d.minuteIndex[minute] = i
		d.minutes = append(d.minutes, minuteBucket{minute: minute})
	}
	d.minutes[i].messages = append(d.minutes[i].messages, m)
}

func (d *dayBucket) build() DayGroup {
	sort.SliceStable(d.minutes, func(i, j int) bool { return d.minutes[i].minute.Before(d.minutes[j].minute) })

	g := DayGroup{Day: d.day, TimeGroups: make([]TimeGroup, 0, len(d.minutes))}
	for _, mb := range d.minutes {
		g.TimeGroups = append(g.TimeGroups, TimeGroup{Time: mb.minute, Runs: senderRuns(mb.messages)})
	}
	return g
}

func senderRuns(messages []models.Message) []SenderRun {
	var runs []SenderRun
	for _, m := range messages {
		if n := len(runs); n > 0 && runs[n-1].SenderID == m.SenderID {
			runs[n-1].Messages = append(runs[n-1].Messages, m)
			continue
		}
		runs = append(runs, SenderRun{SenderID: m.SenderID, Messages: []models.Message{m}})
	}
	return runs
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func startOfMinute(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, t.Hour(), t.Minute(), 0, 0, t.Location())
}
