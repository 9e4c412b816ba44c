package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"mentorchat/internal/apperr"
	"mentorchat/internal/models"
)

func newTestStore(t *testing.T) *DB {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewDB(filepath.Join(t.TempDir(), "chat.db"), logger)
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func createUser(t *testing.T, store *DB, username string) *models.User {
	t.Helper()

	user, err := store.CreateUser(context.Background(), models.User{
		Username:    username,
		Password:    "hash",
		DisplayName: "User " + username,
		Email:       username + "@example.edu",
		Role:        models.RoleStudent,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", username, err)
	}
	return user
}

func TestCreateUserRejectsDuplicateUsername(t *testing.T) {
	store := newTestStore(t)
	createUser(t, store, "ada")

	_, err := store.CreateUser(context.Background(), models.User{Username: "ada", Password: "x"})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestGetProfilesSkipsUnknownIDs(t *testing.T) {
	store := newTestStore(t)
	ada := createUser(t, store, "ada")

	profiles, err := store.GetProfiles(context.Background(), []int64{ada.ID, 999})
	if err != nil {
		t.Fatalf("GetProfiles failed: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	if got := profiles[ada.ID]; got.ContactHandle != "ada@example.edu" || got.Role != models.RoleStudent {
		t.Fatalf("unexpected profile: %+v", got)
	}
}

func TestSearchUsersExcludesCaller(t *testing.T) {
	store := newTestStore(t)
	ada := createUser(t, store, "ada")
	createUser(t, store, "adam")
	createUser(t, store, "grace")

	users, err := store.SearchUsers(context.Background(), "ad", ada.ID)
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].Username != "adam" {
		t.Fatalf("expected only adam, got %+v", users)
	}
}

func TestSearchUsersMatchesWildcardsLiterally(t *testing.T) {
	store := newTestStore(t)
	ada := createUser(t, store, "ada")
	createUser(t, store, "grace")
	createUser(t, store, "snake_case")
	createUser(t, store, "percent")

	users, err := store.SearchUsers(context.Background(), "_", ada.ID)
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].Username != "snake_case" {
		t.Fatalf("expected only snake_case, got %+v", users)
	}

	users, err = store.SearchUsers(context.Background(), "%", ada.ID)
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected no literal %% match, got %+v", users)
	}
}

func TestSearchUsersIsCapped(t *testing.T) {
	store := newTestStore(t)
	ada := createUser(t, store, "ada")
	for i := 0; i < SearchLimit+5; i++ {
		createUser(t, store, fmt.Sprintf("student%02d", i))
	}

	users, err := store.SearchUsers(context.Background(), "student", ada.ID)
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(users) != SearchLimit {
		t.Fatalf("expected %d results, got %d", SearchLimit, len(users))
	}
}

func TestListUsersExcludesCallerAndLimits(t *testing.T) {
	store := newTestStore(t)
	ada := createUser(t, store, "ada")
	createUser(t, store, "bob")
	createUser(t, store, "cy")

	users, err := store.ListUsers(context.Background(), ada.ID, 1)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].Username != "bob" {
		t.Fatalf("expected only bob, got %+v", users)
	}
}

func TestGetProfilesBatchesLargeIDSets(t *testing.T) {
	store := newTestStore(t)
	ada := createUser(t, store, "ada")
	grace := createUser(t, store, "grace")

	ids := make([]int64, 0, 2*profileBatch+2)
	for i := int64(0); i < 2*profileBatch; i++ {
		ids = append(ids, 100000+i)
	}
	ids = append(ids, ada.ID, grace.ID)

	profiles, err := store.GetProfiles(context.Background(), ids)
	if err != nil {
		t.Fatalf("GetProfiles failed: %v", err)
	}
	if len(profiles) != 2 || profiles[ada.ID].ID != ada.ID || profiles[grace.ID].ID != grace.ID {
		t.Fatalf("expected both known profiles, got %+v", profiles)
	}
}

func TestGetOrCreateConversationIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := createUser(t, store, "a")
	b := createUser(t, store, "b")

	first, created, err := store.GetOrCreateConversation(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	if !created {
		t.Fatalf("expected first call to create the conversation")
	}

	second, created, err := store.GetOrCreateConversation(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatalf("GetOrCreateConversation reversed failed: %v", err)
	}
	if created {
		t.Fatalf("expected reversed call to reuse the conversation")
	}
	if first.ID != second.ID {
		t.Fatalf("expected same id, got %d and %d", first.ID, second.ID)
	}
	if second.ParticipantAID != a.ID || second.ParticipantBID != b.ID {
		t.Fatalf("pair not normalized: %d,%d", second.ParticipantAID, second.ParticipantBID)
	}
}

func TestGetOrCreateConversationConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := createUser(t, store, "a")
	b := createUser(t, store, "b")

	const callers = 16
	ids := make([]int64, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := a.ID, b.ID
			if i%2 == 1 {
				x, y = y, x
			}
			conv, _, err := store.GetOrCreateConversation(ctx, x, y)
			errs[i] = err
			if conv != nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got conversation %d, caller 0 got %d", i, ids[i], ids[0])
		}
	}

	var count int
	if err := store.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count); err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 conversation row, got %d", count)
	}
}

func TestGetOrCreateConversationInvalidParticipant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := createUser(t, store, "a")

	if _, _, err := store.GetOrCreateConversation(ctx, a.ID, a.ID); !errors.Is(err, apperr.ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant for self pair, got %v", err)
	}
	if _, _, err := store.GetOrCreateConversation(ctx, a.ID, 404); !errors.Is(err, apperr.ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant for unknown user, got %v", err)
	}
}

func TestListConversationsForUserOrderAndEnrichment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	me := createUser(t, store, "me")
	older := createUser(t, store, "older")
	newer := createUser(t, store, "newer")
	quiet := createUser(t, store, "quiet")

	c1, _, err := store.GetOrCreateConversation(ctx, me.ID, older.ID)
	if err != nil {
		t.Fatalf("create c1: %v", err)
	}
	c2, _, err := store.GetOrCreateConversation(ctx, me.ID, newer.ID)
	if err != nil {
		t.Fatalf("create c2: %v", err)
	}
	c3, _, err := store.GetOrCreateConversation(ctx, quiet.ID, me.ID)
	if err != nil {
		t.Fatalf("create c3: %v", err)
	}

	if _, err := store.AppendMessage(ctx, c1.ID, older.ID, "first", ""); err != nil {
		t.Fatalf("append c1: %v", err)
	}
	if _, err := store.AppendMessage(ctx, c2.ID, newer.ID, "second", ""); err != nil {
		t.Fatalf("append c2: %v", err)
	}
	if _, err := store.AppendMessage(ctx, c2.ID, newer.ID, "third", ""); err != nil {
		t.Fatalf("append c2: %v", err)
	}

	convs, err := store.ListConversationsForUser(ctx, me.ID)
	if err != nil {
		t.Fatalf("ListConversationsForUser failed: %v", err)
	}
	if len(convs) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(convs))
	}

	// c3 has no messages and falls back to its creation time, which is older
	// than every message.
	if convs[0].ID != c2.ID || convs[1].ID != c1.ID || convs[2].ID != c3.ID {
		t.Fatalf("unexpected order: %d, %d, %d", convs[0].ID, convs[1].ID, convs[2].ID)
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.Content != "third" {
		t.Fatalf("expected last message 'third', got %+v", convs[0].LastMessage)
	}
	if convs[0].UnreadCount != 2 {
		t.Fatalf("expected 2 unread, got %d", convs[0].UnreadCount)
	}
	if convs[2].LastMessage != nil {
		t.Fatalf("expected no last message for quiet conversation")
	}
	if other := convs[0].OtherParticipant; other == nil || other.ID != newer.ID || other.Name() != "User newer" {
		t.Fatalf("unexpected other participant: %+v", other)
	}
	if convs[0].ParticipantA.Profile == nil || convs[0].ParticipantB.Profile == nil {
		t.Fatalf("expected both participant profiles")
	}
}

func TestOrderConversationsCollapsesDuplicateCounterpart(t *testing.T) {
	base := &models.Conversation{ID: 1, ParticipantAID: 1, ParticipantBID: 2}
	dup := &models.Conversation{ID: 2, ParticipantAID: 1, ParticipantBID: 2}
	dup.LastMessage = &models.Message{ID: 9}
	dup.LastMessage.SentAt = base.CreatedAt.Add(1)

	out := orderConversations([]*models.Conversation{base, dup}, 1)
	if len(out) != 1 || out[0].ID != 2 {
		t.Fatalf("expected only the most recent row, got %d rows", len(out))
	}
	if out[0].OtherParticipant != out[0].ParticipantB {
		t.Fatalf("expected counterpart to be participant b")
	}
}

func TestGetConversationRequiresParticipant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := createUser(t, store, "a")
	b := createUser(t, store, "b")
	outsider := createUser(t, store, "outsider")

	conv, _, err := store.GetOrCreateConversation(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	if _, err := store.GetConversation(ctx, conv.ID, outsider.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for outsider, got %v", err)
	}
	if _, err := store.ListMessages(ctx, conv.ID, outsider.ID, models.PageRequest{Limit: 5}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound listing as outsider, got %v", err)
	}
	if _, err := store.AppendMessage(ctx, conv.ID, outsider.ID, "hi", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound appending as outsider, got %v", err)
	}

	got, err := store.GetConversation(ctx, conv.ID, b.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.OtherParticipant == nil || got.OtherParticipant.ID != a.ID {
		t.Fatalf("expected other participant %d, got %+v", a.ID, got.OtherParticipant)
	}
}

func seedMessages(t *testing.T, store *DB, n int) (conv *models.Conversation, reader int64, ids []int64) {
	t.Helper()
	ctx := context.Background()
	a := createUser(t, store, "sender")
	b := createUser(t, store, "reader")

	conv, _, err := store.GetOrCreateConversation(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	for i := 1; i <= n; i++ {
		msg, err := store.AppendMessage(ctx, conv.ID, a.ID, fmt.Sprintf("message %d", i), "")
		if err != nil {
			t.Fatalf("AppendMessage %d failed: %v", i, err)
		}
		ids = append(ids, msg.ID)
	}
	return conv, b.ID, ids
}

func TestListMessagesPaginatesToExhaustion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, reader, ids := seedMessages(t, store, 45)

	wantPages := [][2]int{{26, 45}, {6, 25}, {1, 5}}
	seen := make(map[int64]bool)
	var all []int64
	var cursor int64

	for i, want := range wantPages {
		page, err := store.ListMessages(ctx, conv.ID, reader, models.PageRequest{Cursor: cursor, Limit: 20})
		if err != nil {
			t.Fatalf("page %d failed: %v", i, err)
		}
		if len(page) != want[1]-want[0]+1 {
			t.Fatalf("page %d: expected %d messages, got %d", i, want[1]-want[0]+1, len(page))
		}
		if page[0].ID != ids[want[0]-1] || page[len(page)-1].ID != ids[want[1]-1] {
			t.Fatalf("page %d: expected messages %d-%d, got ids %d-%d", i, want[0], want[1], page[0].ID, page[len(page)-1].ID)
		}
		hasMore := len(page) == 20
		if hasMore != (i < 2) {
			t.Fatalf("page %d: hasMore = %v", i, hasMore)
		}
		for _, msg := range page {
			if seen[msg.ID] {
				t.Fatalf("message %d returned twice", msg.ID)
			}
			seen[msg.ID] = true
		}
		all = append(page2IDs(page), all...)
		cursor = page[0].ID
	}

	for i := 1; i < len(all); i++ {
		if all[i] <= all[i-1] {
			t.Fatalf("ids not strictly increasing at %d: %d <= %d", i, all[i], all[i-1])
		}
	}

	empty, err := store.ListMessages(ctx, conv.ID, reader, models.PageRequest{Cursor: ids[0], Limit: 20})
	if err != nil {
		t.Fatalf("page before first message failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty page, got %d", len(empty))
	}
}

func page2IDs(page []*models.Message) []int64 {
	out := make([]int64, len(page))
	for i, msg := range page {
		out[i] = msg.ID
	}
	return out
}

func TestListMessagesRejectsBadRequest(t *testing.T) {
	store := newTestStore(t)
	conv, reader, _ := seedMessages(t, store, 1)

	if _, err := store.ListMessages(context.Background(), conv.ID, reader, models.PageRequest{Limit: 0}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation for zero limit, got %v", err)
	}
	if _, err := store.ListMessages(context.Background(), conv.ID, reader, models.PageRequest{Cursor: -1, Limit: 5}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation for negative cursor, got %v", err)
	}
}

func TestAppendMessageValidatesAndTouchesConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, reader, _ := seedMessages(t, store, 0)

	if _, err := store.AppendMessage(ctx, conv.ID, reader, "   ", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation for blank content, got %v", err)
	}

	long := make([]rune, models.MaxContentLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := store.AppendMessage(ctx, conv.ID, reader, string(long), ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation for oversized content, got %v", err)
	}

	msg, err := store.AppendMessage(ctx, conv.ID, reader, "", "https://cdn.example.edu/a.png")
	if err != nil {
		t.Fatalf("media-only append failed: %v", err)
	}
	if msg.Status != models.StatusSent || msg.IsRead {
		t.Fatalf("unexpected initial state: %+v", msg)
	}

	got, err := store.GetConversation(ctx, conv.ID, reader)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.UpdatedAt.Before(msg.SentAt) {
		t.Fatalf("updated_at %s not advanced to %s", got.UpdatedAt, msg.SentAt)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, reader, ids := seedMessages(t, store, 3)

	changed, err := store.MarkRead(ctx, conv.ID, reader)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(changed) != len(ids) {
		t.Fatalf("expected %d changed, got %d", len(ids), len(changed))
	}

	again, err := store.MarkRead(ctx, conv.ID, reader)
	if err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no changes on repeat, got %v", again)
	}

	page, err := store.ListMessages(ctx, conv.ID, reader, models.PageRequest{Limit: 10})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	for _, msg := range page {
		if !msg.IsRead || msg.Status != models.StatusRead {
			t.Fatalf("message %d not read: %+v", msg.ID, msg)
		}
	}
}

func TestMarkReadLeavesOwnMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, _, _ := seedMessages(t, store, 2)

	// The sender reading its own conversation changes nothing.
	changed, err := store.MarkRead(ctx, conv.ID, conv.ParticipantAID)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("sender must not mark own messages, changed %v", changed)
	}
}

func TestMarkDeliveredOnlyForRecipient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, reader, ids := seedMessages(t, store, 1)
	sender := conv.ParticipantAID

	if msg, err := store.MarkDelivered(ctx, conv.ID, sender, ids[0]); err != nil || msg != nil {
		t.Fatalf("sender ack must be a no-op, got %+v, %v", msg, err)
	}

	msg, err := store.MarkDelivered(ctx, conv.ID, reader, ids[0])
	if err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if msg == nil || msg.Status != models.StatusDelivered {
		t.Fatalf("expected delivered message, got %+v", msg)
	}

	if msg, err := store.MarkDelivered(ctx, conv.ID, reader, ids[0]); err != nil || msg != nil {
		t.Fatalf("repeat ack must be a no-op, got %+v, %v", msg, err)
	}
}

func TestUnreadCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, reader, _ := seedMessages(t, store, 4)

	counts, err := store.UnreadCounts(ctx, reader)
	if err != nil {
		t.Fatalf("UnreadCounts failed: %v", err)
	}
	if counts.Total != 4 || counts.Conversations[conv.ID] != 4 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	if _, err := store.MarkRead(ctx, conv.ID, reader); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	counts, err = store.UnreadCounts(ctx, reader)
	if err != nil {
		t.Fatalf("UnreadCounts failed: %v", err)
	}
	if counts.Total != 0 {
		t.Fatalf("expected no unread, got %+v", counts)
	}
}
