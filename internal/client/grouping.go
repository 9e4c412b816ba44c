package client

import "time"

type RowKind int

const (
	RowDateDivider RowKind = iota
	RowMessage
)

// Row is one display line derived from the timeline.
type Row struct {
	Kind RowKind
	// Day is midnight of the divider's date, in the requested location.
	Day   time.Time
	Entry Entry
	Own   bool
	// ShowAvatar marks the first message of a run from the same sender on
	// the same day.
	ShowAvatar bool
}

// Group projects entries into display rows: a divider before the first
// message of each day, and avatars collapsed for consecutive messages from
// one sender. It does not modify entries.
func Group(entries []Entry, self int64, loc *time.Location) []Row {
	if loc == nil {
		loc = time.Local
	}
	rows := make([]Row, 0, len(entries)+1)
	var lastDay time.Time
	var lastSender int64
	for i, e := range entries {
		sent := e.Message.SentAt
		if sent.IsZero() {
			sent = e.SubmittedAt
		}
		t := sent.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

		newDay := i == 0 || !day.Equal(lastDay)
		if newDay {
			rows = append(rows, Row{Kind: RowDateDivider, Day: day})
		}
		rows = append(rows, Row{
			Kind:       RowMessage,
			Day:        day,
			Entry:      e,
			Own:        e.Message.SenderID == self,
			ShowAvatar: newDay || e.Message.SenderID != lastSender,
		})
		lastDay = day
		lastSender = e.Message.SenderID
	}
	return rows
}
