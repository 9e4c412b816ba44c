package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mentorchat/internal/apperr"
	"mentorchat/internal/models"
)

const messageColumns = `id, conversation_id, sender_id, content, media_url, status, is_read, sent_at`

// ListMessages returns up to page.Limit messages of a conversation in
// ascending id order. A zero cursor selects the most recent messages, any
// other cursor selects messages strictly older than it. A short page means
// the history is exhausted.
func (db *DB) ListMessages(ctx context.Context, conversationID, userID int64, page models.PageRequest) ([]*models.Message, error) {
	const op = "ListMessages"
	if page.Limit <= 0 {
		return nil, apperr.Validation(op, "limit must be positive, got %d", page.Limit)
	}
	if page.Cursor < 0 {
		return nil, apperr.Validation(op, "malformed cursor %d", page.Cursor)
	}
	if _, err := requireParticipant(ctx, db, op, conversationID, userID); err != nil {
		return nil, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	if page.Cursor == 0 {
		rows, err = db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = ?
			ORDER BY id DESC
			LIMIT ?`,
			conversationID, page.Limit,
		)
	} else {
		rows, err = db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = ? AND id < ?
			ORDER BY id DESC
			LIMIT ?`,
			conversationID, page.Cursor, page.Limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0, page.Limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Fetched newest first so LIMIT keeps the right end; callers get oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// AppendMessage stores a message and advances the conversation's updated_at
// in the same transaction.
func (db *DB) AppendMessage(ctx context.Context, conversationID, senderID int64, content, mediaURL string) (*models.Message, error) {
	const op = "AppendMessage"
	if err := models.ValidateMessage(content, mediaURL); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		MediaURL:       mediaURL,
		Status:         models.StatusSent,
		SentAt:         time.Now().UTC(),
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := requireParticipant(ctx, tx, op, conversationID, senderID); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, sender_id, content, media_url, status, is_read, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ConversationID, msg.SenderID, msg.Content, msg.MediaURL, msg.Status, boolToInt(msg.IsRead), msg.SentAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if msg.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("read message id: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			msg.SentAt, conversationID,
		); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	db.logger.Debug("message_created", "conversation_id", conversationID, "message_id", msg.ID, "sender_id", senderID)
	return msg, nil
}

// MarkRead marks every unread message readerID received in the conversation
// as read and returns the ids that changed. A repeated call returns none.
func (db *DB) MarkRead(ctx context.Context, conversationID, readerID int64) ([]int64, error) {
	const op = "MarkRead"
	var changed []int64

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := requireParticipant(ctx, tx, op, conversationID, readerID); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM messages
			WHERE conversation_id = ? AND sender_id != ? AND is_read = 0
			ORDER BY id`,
			conversationID, readerID,
		)
		if err != nil {
			return fmt.Errorf("query unread messages: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan unread id: %w", err)
			}
			changed = append(changed, id)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close unread rows: %w", err)
		}
		if len(changed) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_read = 1, status = ?
			WHERE conversation_id = ? AND sender_id != ? AND is_read = 0`,
			models.StatusRead, conversationID, readerID,
		); err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		db.logger.Debug("messages_read", "conversation_id", conversationID, "reader_id", readerID, "count", len(changed))
	}
	return changed, nil
}

// MarkDelivered moves a message received by recipientID from sent to
// delivered. It returns the updated message, or nil when nothing changed.
func (db *DB) MarkDelivered(ctx context.Context, conversationID, recipientID, messageID int64) (*models.Message, error) {
	const op = "MarkDelivered"
	var updated *models.Message

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := requireParticipant(ctx, tx, op, conversationID, recipientID); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = ?
			WHERE id = ? AND conversation_id = ? AND sender_id != ? AND status = ?`,
			models.StatusDelivered, messageID, conversationID, recipientID, models.StatusSent,
		)
		if err != nil {
			return fmt.Errorf("mark message delivered: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil || n == 0 {
			return err
		}

		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)
		if updated, err = scanMessage(row); err != nil {
			return fmt.Errorf("reload message %d: %w", messageID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UnreadCounts reports, per conversation, how many messages userID has not
// read yet.
func (db *DB) UnreadCounts(ctx context.Context, userID int64) (models.UnreadCounts, error) {
	counts := models.UnreadCounts{Conversations: make(map[int64]int)}

	rows, err := db.QueryContext(ctx, `
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.participant_a_id = ? OR c.participant_b_id = ?)
			AND m.sender_id != ? AND m.is_read = 0
		GROUP BY m.conversation_id`,
		userID, userID, userID,
	)
	if err != nil {
		return counts, fmt.Errorf("query unread counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var conversationID int64
		var n int
		if err := rows.Scan(&conversationID, &n); err != nil {
			return counts, fmt.Errorf("scan unread count: %w", err)
		}
		counts.Conversations[conversationID] = n
		counts.Total += n
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("iterate unread counts: %w", err)
	}
	return counts, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		msg    models.Message
		isRead int
		sentAt sql.NullTime
	)
	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.MediaURL,
		&msg.Status,
		&isRead,
		&sentAt,
	); err != nil {
		return nil, err
	}
	msg.IsRead = isRead != 0
	msg.SentAt = sentAt.Time
	return &msg, nil
}
