package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"mentorchat/internal/apperr"
	"mentorchat/internal/models"
)

// conversationQuery selects a conversation with both participant profiles, its
// latest message and the unread count for the viewer (first placeholder).
const conversationQuery = `
	SELECT
		c.id, c.participant_a_id, c.participant_b_id, c.created_at, c.updated_at,
		ua.id, ua.display_name, ua.email, ua.role, ua.avatar,
		ub.id, ub.display_name, ub.email, ub.role, ub.avatar,
		m.id, m.sender_id, m.content, m.media_url, m.status, m.is_read, m.sent_at,
		(SELECT COUNT(*) FROM messages u
			WHERE u.conversation_id = c.id AND u.sender_id != ? AND u.is_read = 0)
	FROM conversations c
	LEFT JOIN users ua ON ua.id = c.participant_a_id
	LEFT JOIN users ub ON ub.id = c.participant_b_id
	LEFT JOIN messages m ON m.id = (
		SELECT MAX(lm.id) FROM messages lm WHERE lm.conversation_id = c.id
	)`

// normalizePair orders a participant pair so that the smaller id comes first.
func normalizePair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// GetOrCreateConversation returns the single conversation for the unordered
// pair {a, b}, creating it on first contact. created reports whether this call
// inserted the row.
func (db *DB) GetOrCreateConversation(ctx context.Context, a, b int64) (conv *models.Conversation, created bool, err error) {
	const op = "GetOrCreateConversation"
	if a <= 0 || b <= 0 {
		return nil, false, apperr.New(apperr.ErrInvalidParticipant, op, "participant ids must be positive")
	}
	if a == b {
		return nil, false, apperr.New(apperr.ErrInvalidParticipant, op, "cannot start a conversation with yourself")
	}
	lo, hi := normalizePair(a, b)

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		var known int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE id IN (?, ?)`, lo, hi,
		).Scan(&known); err != nil {
			return fmt.Errorf("resolve participants: %w", err)
		}
		if known != 2 {
			return apperr.New(apperr.ErrInvalidParticipant, op, fmt.Sprintf("participant %d or %d does not exist", lo, hi))
		}

		now := time.Now().UTC()
		result, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (participant_a_id, participant_b_id, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (participant_a_id, participant_b_id) DO NOTHING`,
			lo, hi, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			created = true
		}

		var (
			c                    models.Conversation
			createdAt, updatedAt sql.NullTime
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT id, participant_a_id, participant_b_id, created_at, updated_at
			FROM conversations
			WHERE participant_a_id = ? AND participant_b_id = ?`,
			lo, hi,
		).Scan(&c.ID, &c.ParticipantAID, &c.ParticipantBID, &createdAt, &updatedAt); err != nil {
			return fmt.Errorf("select conversation: %w", err)
		}
		c.CreatedAt = createdAt.Time
		c.UpdatedAt = updatedAt.Time
		conv = &c
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		db.logger.Info("conversation_created", "conversation_id", conv.ID, "participant_a", lo, "participant_b", hi)
	}
	return conv, created, nil
}

// ListConversationsForUser returns every conversation userID takes part in,
// enriched with both participants and the latest message, most recently
// active first. Rows resolving to the same counterpart are collapsed.
func (db *DB) ListConversationsForUser(ctx context.Context, userID int64) ([]*models.Conversation, error) {
	rows, err := db.QueryContext(ctx,
		conversationQuery+` WHERE c.participant_a_id = ? OR c.participant_b_id = ?`,
		userID, userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations for user %d: %w", userID, err)
	}
	defer rows.Close()

	var all []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		all = append(all, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return orderConversations(all, userID), nil
}

// orderConversations sorts by activity, newest first, sets the viewer's
// counterpart and drops later rows for an already seen counterpart.
func orderConversations(all []*models.Conversation, userID int64) []*models.Conversation {
	sort.SliceStable(all, func(i, j int) bool {
		ai, aj := all[i].ActivityAt(), all[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return all[i].ID > all[j].ID
	})

	seen := make(map[int64]struct{}, len(all))
	out := make([]*models.Conversation, 0, len(all))
	for _, conv := range all {
		other := conv.Counterpart(userID)
		if _, dup := seen[other]; dup {
			continue
		}
		seen[other] = struct{}{}
		conv.OtherParticipant = conv.ParticipantB
		if conv.ParticipantAID == other {
			conv.OtherParticipant = conv.ParticipantA
		}
		out = append(out, conv)
	}
	return out
}

// GetConversation returns one conversation as seen by userID. A caller who is
// not a participant gets NotFound, same as for a missing row.
func (db *DB) GetConversation(ctx context.Context, conversationID, userID int64) (*models.Conversation, error) {
	row := db.QueryRowContext(ctx,
		conversationQuery+` WHERE c.id = ? AND (c.participant_a_id = ? OR c.participant_b_id = ?)`,
		userID, conversationID, userID, userID,
	)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("GetConversation", "conversation %d not found", conversationID)
		}
		return nil, fmt.Errorf("get conversation %d: %w", conversationID, err)
	}
	conv.OtherParticipant = conv.ParticipantB
	if conv.ParticipantAID == conv.Counterpart(userID) {
		conv.OtherParticipant = conv.ParticipantA
	}
	return conv, nil
}

// ParticipantIDs returns both members of a conversation.
func (db *DB) ParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	var a, b int64
	err := db.QueryRowContext(ctx,
		`SELECT participant_a_id, participant_b_id FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&a, &b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("ParticipantIDs", "conversation %d not found", conversationID)
		}
		return nil, fmt.Errorf("get participants of conversation %d: %w", conversationID, err)
	}
	return []int64{a, b}, nil
}

// requireParticipant fails with NotFound unless userID belongs to the
// conversation. It returns the counterpart's id.
func requireParticipant(ctx context.Context, q querier, op string, conversationID, userID int64) (int64, error) {
	var a, b int64
	err := q.QueryRowContext(ctx, `
		SELECT participant_a_id, participant_b_id FROM conversations
		WHERE id = ? AND (participant_a_id = ? OR participant_b_id = ?)`,
		conversationID, userID, userID,
	).Scan(&a, &b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.NotFound(op, "conversation %d not found", conversationID)
		}
		return 0, fmt.Errorf("%s: check participant: %w", op, err)
	}
	if a == userID {
		return b, nil
	}
	return a, nil
}

func scanConversation(row scanner) (*models.Conversation, error) {
	var (
		conv                 models.Conversation
		createdAt, updatedAt sql.NullTime
		pa, pb               profileColumns
		last                 lastMessageColumns
	)
	if err := row.Scan(
		&conv.ID, &conv.ParticipantAID, &conv.ParticipantBID, &createdAt, &updatedAt,
		&pa.id, &pa.displayName, &pa.email, &pa.role, &pa.avatar,
		&pb.id, &pb.displayName, &pb.email, &pb.role, &pb.avatar,
		&last.id, &last.senderID, &last.content, &last.mediaURL, &last.status, &last.isRead, &last.sentAt,
		&conv.UnreadCount,
	); err != nil {
		return nil, err
	}
	conv.CreatedAt = createdAt.Time
	conv.UpdatedAt = updatedAt.Time
	conv.ParticipantA = pa.participant(conv.ParticipantAID)
	conv.ParticipantB = pb.participant(conv.ParticipantBID)
	conv.LastMessage = last.message(conv.ID)
	return &conv, nil
}

type profileColumns struct {
	id                               sql.NullInt64
	displayName, email, role, avatar sql.NullString
}

func (p profileColumns) participant(id int64) *models.Participant {
	participant := &models.Participant{ID: id}
	if p.id.Valid {
		participant.Profile = &models.ProfileSummary{
			ID:            p.id.Int64,
			DisplayName:   p.displayName.String,
			ContactHandle: p.email.String,
			Role:          p.role.String,
			Avatar:        p.avatar.String,
		}
	}
	return participant
}

type lastMessageColumns struct {
	id, senderID, isRead      sql.NullInt64
	content, mediaURL, status sql.NullString
	sentAt                    sql.NullTime
}

func (l lastMessageColumns) message(conversationID int64) *models.Message {
	if !l.id.Valid {
		return nil
	}
	return &models.Message{
		ID:             l.id.Int64,
		ConversationID: conversationID,
		SenderID:       l.senderID.Int64,
		Content:        l.content.String,
		MediaURL:       l.mediaURL.String,
		Status:         l.status.String,
		IsRead:         l.isRead.Int64 != 0,
		SentAt:         l.sentAt.Time,
	}
}
