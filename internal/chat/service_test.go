package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mentorchat/internal/apperr"
	"mentorchat/internal/auth"
	"mentorchat/internal/db"
	"mentorchat/internal/metrics"
	"mentorchat/internal/models"
)

type published struct {
	recipients []int64
	event      models.WebSocketMessage
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, recipients []int64, event models.WebSocketMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{recipients: append([]int64(nil), recipients...), event: event})
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc   *Service
	store *db.DB
	pub   *recordingPublisher
	alice auth.Session
	bob   auth.Session
	conv  *models.Conversation
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := db.NewDB(filepath.Join(t.TempDir(), "chat.db"), logger)
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	alice, err := store.CreateUser(ctx, models.User{Username: "alice", Password: "x", Role: models.RoleStudent})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	bob, err := store.CreateUser(ctx, models.User{Username: "bob", Password: "x", Role: models.RoleAlumni})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	opts.Logger = logger
	pub := &recordingPublisher{}
	svc := NewService(store, pub, opts)

	f := &fixture{
		svc:   svc,
		store: store,
		pub:   pub,
		alice: auth.Session{UserID: alice.ID, Username: alice.Username},
		bob:   auth.Session{UserID: bob.ID, Username: bob.Username},
	}
	f.conv, _, err = svc.StartConversation(ctx, f.alice, bob.ID)
	if err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	return f
}

func TestRequiresSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if _, _, err := f.svc.StartConversation(ctx, auth.Session{}, f.bob.UserID); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := f.svc.Send(ctx, auth.Session{}, f.conv.ID, "hi", ""); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestStartConversationFromEitherSide(t *testing.T) {
	f := newFixture(t, Options{})
	conv, created, err := f.svc.StartConversation(context.Background(), f.bob, f.alice.UserID)
	if err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	if created || conv.ID != f.conv.ID {
		t.Fatalf("expected existing conversation %d, got %d (created=%v)", f.conv.ID, conv.ID, created)
	}
	if conv.OtherParticipant == nil || conv.OtherParticipant.ID != f.alice.UserID {
		t.Fatalf("unexpected other participant %+v", conv.OtherParticipant)
	}
}

func TestSendPublishesToBothParticipants(t *testing.T) {
	m := metrics.New(nil)
	f := newFixture(t, Options{Metrics: m})

	msg, err := f.svc.Send(context.Background(), f.alice, f.conv.ID, "hello", "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	events := f.pub.ofType(models.EventMessageNew)
	if len(events) != 1 {
		t.Fatalf("expected 1 message.new event, got %d", len(events))
	}
	if len(events[0].recipients) != 2 {
		t.Fatalf("expected both participants, got %v", events[0].recipients)
	}
	if got, ok := events[0].event.Payload.(*models.Message); !ok || got.ID != msg.ID {
		t.Fatalf("unexpected payload %#v", events[0].event.Payload)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.svc.Send(context.Background(), f.alice, f.conv.ID, " ", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if n := len(f.pub.ofType(models.EventMessageNew)); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestSendRateLimited(t *testing.T) {
	f := newFixture(t, Options{Limiter: NewSendLimiter(1, 2, time.Minute)})
	fixed := time.Now()
	f.svc.now = func() time.Time { return fixed }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.svc.Send(ctx, f.alice, f.conv.ID, "burst", ""); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	_, err := f.svc.Send(ctx, f.alice, f.conv.ID, "one too many", "")
	if !errors.Is(err, ErrRateLimited) || !apperr.Retryable(err) {
		t.Fatalf("expected retryable ErrRateLimited, got %v", err)
	}

	// Limits are per sender.
	if _, err := f.svc.Send(ctx, f.bob, f.conv.ID, "reply", ""); err != nil {
		t.Fatalf("bob's send failed: %v", err)
	}
}

func TestMessagesClampsLimit(t *testing.T) {
	f := newFixture(t, Options{DefaultPageLimit: 2, MaxPageLimit: 3})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := f.svc.Send(ctx, f.alice, f.conv.ID, "m", ""); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	page, err := f.svc.Messages(ctx, f.bob, f.conv.ID, models.PageRequest{})
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected default limit 2, got %d", len(page))
	}

	page, err = f.svc.Messages(ctx, f.bob, f.conv.ID, models.PageRequest{Limit: 50})
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected max limit 3, got %d", len(page))
	}

	if _, err := f.svc.Messages(ctx, f.bob, f.conv.ID, models.PageRequest{Cursor: -4}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation for negative cursor, got %v", err)
	}
}

func TestMarkReadPublishesReceiptsOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Send(ctx, f.alice, f.conv.ID, "ping", ""); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	changed, err := f.svc.MarkRead(ctx, f.bob, f.conv.ID)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(changed) != 3 {
		t.Fatalf("expected 3 changed, got %d", len(changed))
	}
	if _, err := f.svc.MarkRead(ctx, f.bob, f.conv.ID); err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}

	receipts := f.pub.ofType(models.EventMessageStatus)
	if len(receipts) != 3 {
		t.Fatalf("expected 3 receipts, got %d", len(receipts))
	}
	for _, r := range receipts {
		update := r.event.Payload.(models.StatusUpdate)
		if update.Status != models.StatusRead {
			t.Fatalf("unexpected status %q", update.Status)
		}
	}
}

func TestAcknowledgeNotifiesSender(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	msg, err := f.svc.Send(ctx, f.alice, f.conv.ID, "ack me", "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := f.svc.Acknowledge(ctx, f.bob, f.conv.ID, msg.ID); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if err := f.svc.Acknowledge(ctx, f.bob, f.conv.ID, msg.ID); err != nil {
		t.Fatalf("repeat Acknowledge failed: %v", err)
	}

	receipts := f.pub.ofType(models.EventMessageStatus)
	if len(receipts) != 1 {
		t.Fatalf("expected a single receipt, got %d", len(receipts))
	}
	if r := receipts[0]; len(r.recipients) != 1 || r.recipients[0] != f.alice.UserID {
		t.Fatalf("receipt must go to the sender only, got %v", r.recipients)
	}
}

func TestTypingGoesToCounterpartOnly(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.svc.Typing(ctx, f.alice, f.conv.ID, true); err != nil {
		t.Fatalf("Typing failed: %v", err)
	}
	events := f.pub.ofType(models.EventTyping)
	if len(events) != 1 || len(events[0].recipients) != 1 || events[0].recipients[0] != f.bob.UserID {
		t.Fatalf("unexpected typing events %+v", events)
	}

	outsider := auth.Session{UserID: 999}
	if err := f.svc.Typing(ctx, outsider, f.conv.ID, true); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for outsider, got %v", err)
	}
}

func TestSendLimiterNilAllowsEverything(t *testing.T) {
	var l *SendLimiter
	if !l.Allow(1, time.Now()) {
		t.Fatalf("nil limiter must allow")
	}
	if NewSendLimiter(0, 5, 0) != nil {
		t.Fatalf("expected nil limiter for zero rps")
	}
}
