package client

import (
	"testing"
	"time"

	"mentorchat/internal/models"
)

func TestGroupAddsDividersAndCollapsesAvatars(t *testing.T) {
	day1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	entry := func(id, sender int64, at time.Time) Entry {
		return Entry{Message: models.Message{ID: id, SenderID: sender, SentAt: at}, State: EntryConfirmed}
	}
	entries := []Entry{
		entry(1, otherID, day1),
		entry(2, otherID, day1.Add(time.Minute)),
		entry(3, selfID, day1.Add(2*time.Minute)),
		entry(4, selfID, day2),
		{LocalID: "local", Message: models.Message{SenderID: selfID}, State: EntryPending, SubmittedAt: day2.Add(time.Minute)},
	}
	before := entries[1]

	rows := Group(entries, selfID, time.UTC)

	type want struct {
		kind   RowKind
		id     int64
		avatar bool
	}
	expected := []want{
		{RowDateDivider, 0, false},
		{RowMessage, 1, true},
		{RowMessage, 2, false},
		{RowMessage, 3, true},
		{RowDateDivider, 0, false},
		{RowMessage, 4, true},
		{RowMessage, 0, false},
	}
	if len(rows) != len(expected) {
		t.Fatalf("expected %d rows, got %d", len(expected), len(rows))
	}
	for i, w := range expected {
		r := rows[i]
		if r.Kind != w.kind || r.Entry.Message.ID != w.id || r.ShowAvatar != w.avatar {
			t.Fatalf("row %d: got kind=%d id=%d avatar=%v, want %+v", i, r.Kind, r.Entry.Message.ID, r.ShowAvatar, w)
		}
	}
	if !rows[4].Day.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected divider day %v", rows[4].Day)
	}
	if rows[1].Own || !rows[3].Own || rows[6].Entry.LocalID != "local" {
		t.Fatal("unexpected ownership or pending row")
	}
	if entries[1] != before {
		t.Fatal("expected Group not to modify entries")
	}
}

func TestGroupUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	late := time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC)
	rows := Group([]Entry{{Message: models.Message{ID: 1, SentAt: late}}}, selfID, loc)
	if rows[0].Day.Day() != 1 {
		t.Fatalf("expected divider for March 1 in UTC-5, got %v", rows[0].Day)
	}
	if Group(nil, selfID, loc) == nil {
		t.Fatal("expected empty, non-nil rows")
	}
}
