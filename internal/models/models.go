package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"mentorchat/internal/apperr"
)

// Roles a user can hold on the platform.
const (
	RoleStudent = "student"
	RoleAlumni  = "alumni"
	RoleAdmin   = "admin"
)

// Message delivery states. They only move forward: sent -> delivered -> read.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Live event types pushed over the socket.
const (
	EventMessageNew    = "message.new"
	EventTyping        = "typing"
	EventMessageStatus = "message.status"
	EventSystem        = "system"
)

// Frame types a connected client may send.
const (
	FrameTyping = "typing"
	FrameAck    = "ack"
	FrameRead   = "read"
)

type User struct {
	ID          int64     `json:"id" db:"id"`
	Username    string    `json:"username" db:"username"`
	Password    string    `json:"-" db:"password"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Email       string    `json:"email" db:"email"`
	Role        string    `json:"role" db:"role"`
	Avatar      string    `json:"avatar" db:"avatar"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Summary projects the profile fields other participants may see.
func (u *User) Summary() ProfileSummary {
	return ProfileSummary{
		ID:            u.ID,
		DisplayName:   u.DisplayName,
		ContactHandle: u.Email,
		Role:          u.Role,
		Avatar:        u.Avatar,
	}
}

type ProfileSummary struct {
	ID            int64  `json:"id"`
	DisplayName   string `json:"display_name"`
	ContactHandle string `json:"contact_handle"`
	Role          string `json:"role"`
	Avatar        string `json:"avatar,omitempty"`
}

// Participant is a conversation member. Profile is nil when the identity
// collaborator could not resolve the id.
type Participant struct {
	ID      int64           `json:"id"`
	Profile *ProfileSummary `json:"profile,omitempty"`
}

// Name returns the display name, or a placeholder when no profile is known.
func (p Participant) Name() string {
	if p.Profile == nil || p.Profile.DisplayName == "" {
		return "Unknown user"
	}
	return p.Profile.DisplayName
}

type Conversation struct {
	ID               int64        `json:"id" db:"id"`
	ParticipantAID   int64        `json:"participant_a_id" db:"participant_a_id"`
	ParticipantBID   int64        `json:"participant_b_id" db:"participant_b_id"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
	ParticipantA     *Participant `json:"participant_a,omitempty"`
	ParticipantB     *Participant `json:"participant_b,omitempty"`
	LastMessage      *Message     `json:"last_message,omitempty"`
	OtherParticipant *Participant `json:"other_participant,omitempty"`
	UnreadCount      int          `json:"unread_count"`
}

// HasParticipant reports whether userID is one of the two members.
func (c *Conversation) HasParticipant(userID int64) bool {
	return c.ParticipantAID == userID || c.ParticipantBID == userID
}

// Counterpart returns the id of the member that is not userID.
func (c *Conversation) Counterpart(userID int64) int64 {
	if c.ParticipantAID == userID {
		return c.ParticipantBID
	}
	return c.ParticipantAID
}

// ActivityAt is the time used to order conversation lists.
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.SentAt
	}
	return c.CreatedAt
}

type Message struct {
	ID             int64     `json:"id" db:"id"`
	ConversationID int64     `json:"conversation_id" db:"conversation_id"`
	SenderID       int64     `json:"sender_id" db:"sender_id"`
	Content        string    `json:"content" db:"content"`
	MediaURL       string    `json:"media_url,omitempty" db:"media_url"`
	Status         string    `json:"status" db:"status"`
	IsRead         bool      `json:"is_read" db:"is_read"`
	SentAt         time.Time `json:"sent_at" db:"sent_at"`
}

// PageRequest asks for up to Limit messages strictly older than Cursor.
// A zero Cursor means the most recent page.
type PageRequest struct {
	Cursor int64 `json:"cursor,omitempty"`
	Limit  int   `json:"limit"`
}

type TypingEvent struct {
	ConversationID int64 `json:"conversation_id"`
	SenderID       int64 `json:"sender_id"`
	Typing         bool  `json:"typing"`
}

type StatusUpdate struct {
	MessageID      int64  `json:"message_id"`
	ConversationID int64  `json:"conversation_id"`
	Status         string `json:"status"`
}

type UnreadCounts struct {
	Total         int           `json:"total"`
	Conversations map[int64]int `json:"conversations"`
}

// Request/Response structures
type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	Avatar      string `json:"avatar"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type CreateConversationRequest struct {
	ParticipantID int64 `json:"participant_id"`
}

type SendMessageRequest struct {
	Content  string `json:"content"`
	MediaURL string `json:"media_url,omitempty"`
}

const (
	MaxContentLength  = 2000
	MaxMediaURLLength = 1000
)

// ValidateMessage rejects bodies that would be stored empty or truncated.
// Either content or a media reference is required.
func ValidateMessage(content, mediaURL string) error {
	if strings.TrimSpace(content) == "" && strings.TrimSpace(mediaURL) == "" {
		return apperr.Validation("ValidateMessage", "message content is empty")
	}
	if n := utf8.RuneCountInString(content); n > MaxContentLength {
		return apperr.Validation("ValidateMessage", "message content is %d characters, limit is %d", n, MaxContentLength)
	}
	if len(mediaURL) > MaxMediaURLLength {
		return apperr.Validation("ValidateMessage", "media url exceeds %d characters", MaxMediaURLLength)
	}
	return nil
}

type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type AckFrame struct {
	ConversationID int64 `json:"conversation_id"`
	MessageID      int64 `json:"message_id"`
}

type ReadFrame struct {
	ConversationID int64 `json:"conversation_id"`
}
