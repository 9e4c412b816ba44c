// Package chat exposes the conversation and message stores to a session and
// publishes live events after each successful write.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mentorchat/internal/apperr"
	"mentorchat/internal/auth"
	"mentorchat/internal/metrics"
	"mentorchat/internal/models"
)

// ErrRateLimited is returned, wrapped as a transient error, when a sender
// exceeds the append rate.
var ErrRateLimited = errors.New("rate limit exceeded")

// Store is the persistence collaborator. *db.DB implements it.
type Store interface {
	GetOrCreateConversation(ctx context.Context, a, b int64) (*models.Conversation, bool, error)
	ListConversationsForUser(ctx context.Context, userID int64) ([]*models.Conversation, error)
	GetConversation(ctx context.Context, conversationID, userID int64) (*models.Conversation, error)
	ParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error)
	ListMessages(ctx context.Context, conversationID, userID int64, page models.PageRequest) ([]*models.Message, error)
	AppendMessage(ctx context.Context, conversationID, senderID int64, content, mediaURL string) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID int64) ([]int64, error)
	MarkDelivered(ctx context.Context, conversationID, recipientID, messageID int64) (*models.Message, error)
	UnreadCounts(ctx context.Context, userID int64) (models.UnreadCounts, error)
}

// Publisher pushes an event to every live connection of the recipients.
// Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, recipients []int64, event models.WebSocketMessage) error
}

type Options struct {
	DefaultPageLimit int
	MaxPageLimit     int
	Limiter          *SendLimiter
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

type Service struct {
	store        Store
	publisher    Publisher
	limiter      *SendLimiter
	metrics      *metrics.Metrics
	defaultLimit int
	maxLimit     int
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(store Store, publisher Publisher, opts Options) *Service {
	if opts.DefaultPageLimit <= 0 {
		opts.DefaultPageLimit = 20
	}
	if opts.MaxPageLimit <= 0 {
		opts.MaxPageLimit = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:        store,
		publisher:    publisher,
		limiter:      opts.Limiter,
		metrics:      opts.Metrics,
		defaultLimit: opts.DefaultPageLimit,
		maxLimit:     opts.MaxPageLimit,
		logger:       opts.Logger.With("component", "chat"),
		now:          time.Now,
	}
}

func requireSession(op string, s auth.Session) error {
	if !s.Valid() {
		return apperr.New(apperr.ErrUnauthenticated, op, "no session")
	}
	return nil
}

// StartConversation returns the caller's conversation with participantID,
// creating it on first contact.
func (svc *Service) StartConversation(ctx context.Context, s auth.Session, participantID int64) (*models.Conversation, bool, error) {
	if err := requireSession("StartConversation", s); err != nil {
		return nil, false, err
	}
	conv, created, err := svc.store.GetOrCreateConversation(ctx, s.UserID, participantID)
	if err != nil {
		return nil, false, err
	}
	enriched, err := svc.store.GetConversation(ctx, conv.ID, s.UserID)
	if err != nil {
		return nil, false, err
	}
	return enriched, created, nil
}

func (svc *Service) Conversations(ctx context.Context, s auth.Session) ([]*models.Conversation, error) {
	if err := requireSession("Conversations", s); err != nil {
		return nil, err
	}
	return svc.store.ListConversationsForUser(ctx, s.UserID)
}

func (svc *Service) Conversation(ctx context.Context, s auth.Session, conversationID int64) (*models.Conversation, error) {
	if err := requireSession("Conversation", s); err != nil {
		return nil, err
	}
	return svc.store.GetConversation(ctx, conversationID, s.UserID)
}

// ClampLimit maps a requested page size into [1, max], zero meaning default.
func (svc *Service) ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return svc.defaultLimit
	case limit > svc.maxLimit:
		return svc.maxLimit
	default:
		return limit
	}
}

// Messages returns one page of history. See db.ListMessages for the cursor
// contract.
func (svc *Service) Messages(ctx context.Context, s auth.Session, conversationID int64, page models.PageRequest) ([]*models.Message, error) {
	if err := requireSession("Messages", s); err != nil {
		return nil, err
	}
	if page.Cursor < 0 {
		return nil, apperr.Validation("Messages", "malformed cursor %d", page.Cursor)
	}
	page.Limit = svc.ClampLimit(page.Limit)
	return svc.store.ListMessages(ctx, conversationID, s.UserID, page)
}

// Send appends a message and publishes it to both participants, so the
// sender's other connections and its reconciler see the confirmed record.
func (svc *Service) Send(ctx context.Context, s auth.Session, conversationID int64, content, mediaURL string) (*models.Message, error) {
	const op = "Send"
	if err := requireSession(op, s); err != nil {
		return nil, err
	}
	if err := models.ValidateMessage(content, mediaURL); err != nil {
		return nil, err
	}
	if !svc.limiter.Allow(s.UserID, svc.now()) {
		return nil, apperr.Wrap(apperr.ErrTransientIO, op, ErrRateLimited)
	}

	msg, err := svc.store.AppendMessage(ctx, conversationID, s.UserID, content, mediaURL)
	if err != nil {
		return nil, err
	}
	if svc.metrics != nil {
		svc.metrics.MessagesAppended.Inc()
	}

	participants, err := svc.store.ParticipantIDs(ctx, conversationID)
	if err != nil {
		svc.logger.Warn("participants_lookup_failed", "conversation_id", conversationID, "error", err)
		return msg, nil
	}
	svc.publish(ctx, participants, models.EventMessageNew, msg)
	return msg, nil
}

// MarkRead marks the caller's received messages as read and sends a read
// receipt for each one that changed.
func (svc *Service) MarkRead(ctx context.Context, s auth.Session, conversationID int64) ([]int64, error) {
	if err := requireSession("MarkRead", s); err != nil {
		return nil, err
	}
	changed, err := svc.store.MarkRead(ctx, conversationID, s.UserID)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return changed, nil
	}

	participants, err := svc.store.ParticipantIDs(ctx, conversationID)
	if err != nil {
		svc.logger.Warn("participants_lookup_failed", "conversation_id", conversationID, "error", err)
		return changed, nil
	}
	for _, id := range changed {
		svc.publish(ctx, participants, models.EventMessageStatus, models.StatusUpdate{
			MessageID:      id,
			ConversationID: conversationID,
			Status:         models.StatusRead,
		})
	}
	return changed, nil
}

// Acknowledge records that the caller received messageID and tells the
// sender.
func (svc *Service) Acknowledge(ctx context.Context, s auth.Session, conversationID, messageID int64) error {
	if err := requireSession("Acknowledge", s); err != nil {
		return err
	}
	msg, err := svc.store.MarkDelivered(ctx, conversationID, s.UserID, messageID)
	if err != nil || msg == nil {
		return err
	}
	svc.publish(ctx, []int64{msg.SenderID}, models.EventMessageStatus, models.StatusUpdate{
		MessageID:      msg.ID,
		ConversationID: conversationID,
		Status:         msg.Status,
	})
	return nil
}

// Typing relays the caller's typing state to the other participant.
func (svc *Service) Typing(ctx context.Context, s auth.Session, conversationID int64, typing bool) error {
	const op = "Typing"
	if err := requireSession(op, s); err != nil {
		return err
	}
	participants, err := svc.store.ParticipantIDs(ctx, conversationID)
	if err != nil {
		return err
	}

	var recipients []int64
	member := false
	for _, id := range participants {
		if id == s.UserID {
			member = true
			continue
		}
		recipients = append(recipients, id)
	}
	if !member {
		return apperr.NotFound(op, "conversation %d not found", conversationID)
	}

	svc.publish(ctx, recipients, models.EventTyping, models.TypingEvent{
		ConversationID: conversationID,
		SenderID:       s.UserID,
		Typing:         typing,
	})
	return nil
}

func (svc *Service) UnreadCounts(ctx context.Context, s auth.Session) (models.UnreadCounts, error) {
	if err := requireSession("UnreadCounts", s); err != nil {
		return models.UnreadCounts{}, err
	}
	return svc.store.UnreadCounts(ctx, s.UserID)
}

func (svc *Service) publish(ctx context.Context, recipients []int64, eventType string, payload interface{}) {
	if svc.publisher == nil || len(recipients) == 0 {
		return
	}
	event := models.WebSocketMessage{Type: eventType, Payload: payload}
	if err := svc.publisher.Publish(ctx, recipients, event); err != nil {
		svc.logger.Warn("publish_failed", "type", eventType, "error", err)
		if svc.metrics != nil {
			svc.metrics.EventsDropped.WithLabelValues("publish_error").Inc()
		}
		return
	}
	if svc.metrics != nil {
		svc.metrics.EventsPublished.WithLabelValues(eventType).Inc()
	}
}
