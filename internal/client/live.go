package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"mentorchat/internal/apperr"
	"mentorchat/internal/models"
)

// Connection-level event types delivered to every subscriber in addition to
// the server's event types.
const (
	EventDisconnected = "disconnected"
	EventReconnected  = "reconnected"
)

const (
	liveWriteWait = 10 * time.Second
	livePongWait  = 70 * time.Second
)

// Event is one decoded live event. Exactly one of Message, Typing or Status
// is set for server events; connection events carry none.
type Event struct {
	Type    string
	Message *models.Message
	Typing  *models.TypingEvent
	Status  *models.StatusUpdate
}

// ConversationID returns the conversation the event belongs to, or zero for
// connection events.
func (e Event) ConversationID() int64 {
	switch {
	case e.Message != nil:
		return e.Message.ConversationID
	case e.Typing != nil:
		return e.Typing.ConversationID
	case e.Status != nil:
		return e.Status.ConversationID
	}
	return 0
}

type Handler func(Event)

// Subscriber is the part of Live the Timeline depends on.
type Subscriber interface {
	Subscribe(conversationID int64, h Handler) (unsubscribe func())
}

type LiveOptions struct {
	// URL of the socket endpoint, e.g. ws://host/ws.
	URL   string
	Token string
	// Self is the connected user; messages from anyone else are acknowledged
	// as delivered when AutoAck is set.
	Self    int64
	AutoAck bool
	// NewBackOff builds the policy used between reconnect attempts.
	NewBackOff func() backoff.BackOff
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Live keeps one socket to the server open, reconnecting with backoff, and
// routes decoded events to per-conversation subscribers.
type Live struct {
	opts LiveOptions

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	subs      map[int64]map[uint64]Handler
	nextSub   uint64

	writeMu sync.Mutex
	logger  *slog.Logger
}

func NewLive(opts LiveOptions) *Live {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = DefaultBackOff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Live{
		opts:   opts,
		subs:   make(map[int64]map[uint64]Handler),
		logger: opts.Logger.With("component", "client", "user_id", opts.Self),
	}
}

// DefaultBackOff retries forever, starting at half a second and capping at
// thirty.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Subscribe registers h for events of conversationID; zero subscribes to all
// events. Connection events reach every subscriber. The returned function
// removes the subscription and is safe to call more than once.
func (l *Live) Subscribe(conversationID int64, h Handler) func() {
	l.mu.Lock()
	l.nextSub++
	id := l.nextSub
	if l.subs[conversationID] == nil {
		l.subs[conversationID] = make(map[uint64]Handler)
	}
	l.subs[conversationID][id] = h
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[conversationID], id)
			if len(l.subs[conversationID]) == 0 {
				delete(l.subs, conversationID)
			}
		})
	}
}

func (l *Live) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Run connects and keeps the connection alive until ctx is cancelled. After
// every reconnect subscribers get EventReconnected and must refetch, since
// events sent while disconnected are not replayed.
func (l *Live) Run(ctx context.Context) error {
	first := true
	for {
		conn, err := l.connect(ctx)
		if err != nil {
			return err
		}

		l.mu.Lock()
		l.conn = conn
		l.connected = true
		l.mu.Unlock()

		if first {
			l.logger.Info("live_connected")
			first = false
		} else {
			l.logger.Info("live_reconnected")
			l.dispatch(Event{Type: EventReconnected})
		}

		err = l.readLoop(ctx, conn)

		l.mu.Lock()
		l.conn = nil
		l.connected = false
		l.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("live_disconnected", "error", err)
		l.dispatch(Event{Type: EventDisconnected})
	}
}

// connect dials until it succeeds, backing off between attempts. It only
// fails when ctx ends or the server rejects the credentials.
func (l *Live) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if l.opts.Token != "" {
		header.Set("Authorization", "Bearer "+l.opts.Token)
	}

	var conn *websocket.Conn
	operation := func() error {
		c, resp, err := l.opts.Dialer.DialContext(ctx, l.opts.URL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(apperr.Wrap(apperr.ErrUnauthenticated, "Live.connect", err))
			}
			return apperr.Wrap(apperr.ErrTransientIO, "Live.connect", err)
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Debug("live_dial_failed", "error", err, "retry_in", wait)
	}

	b := backoff.WithContext(l.opts.NewBackOff(), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

type rawEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (l *Live) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(liveWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))

		var raw rawEvent
		if err := json.Unmarshal(data, &raw); err != nil {
			l.logger.Debug("live_bad_event", "error", err)
			continue
		}
		event, ok := decodeEvent(raw)
		if !ok {
			continue
		}

		if l.opts.AutoAck && event.Message != nil && event.Message.SenderID != l.opts.Self {
			if err := l.send(models.FrameAck, models.AckFrame{
				ConversationID: event.Message.ConversationID,
				MessageID:      event.Message.ID,
			}); err != nil {
				l.logger.Debug("live_ack_failed", "message_id", event.Message.ID, "error", err)
			}
		}
		l.dispatch(event)
	}
}

func decodeEvent(raw rawEvent) (Event, bool) {
	event := Event{Type: raw.Type}
	var err error
	switch raw.Type {
	case models.EventMessageNew:
		event.Message = &models.Message{}
		err = json.Unmarshal(raw.Payload, event.Message)
	case models.EventTyping:
		event.Typing = &models.TypingEvent{}
		err = json.Unmarshal(raw.Payload, event.Typing)
	case models.EventMessageStatus:
		event.Status = &models.StatusUpdate{}
		err = json.Unmarshal(raw.Payload, event.Status)
	default:
		return event, false
	}
	return event, err == nil
}

// dispatch calls the handlers for the event's conversation and the catch-all
// handlers. Connection events go to every handler.
func (l *Live) dispatch(event Event) {
	conversationID := event.ConversationID()

	l.mu.Lock()
	var handlers []Handler
	for id, subs := range l.subs {
		if conversationID != 0 && id != 0 && id != conversationID {
			continue
		}
		for _, h := range subs {
			handlers = append(handlers, h)
		}
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// SendTyping tells the other participant whether the user is typing.
func (l *Live) SendTyping(conversationID int64, typing bool) error {
	return l.send(models.FrameTyping, models.TypingEvent{ConversationID: conversationID, Typing: typing})
}

// MarkRead asks the server to mark the conversation read over the socket.
func (l *Live) MarkRead(conversationID int64) error {
	return l.send(models.FrameRead, models.ReadFrame{ConversationID: conversationID})
}

func (l *Live) send(frameType string, payload interface{}) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return apperr.New(apperr.ErrTransientIO, "Live.send", "not connected")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	if err := conn.WriteJSON(models.WebSocketMessage{Type: frameType, Payload: payload}); err != nil {
		return apperr.Wrap(apperr.ErrTransientIO, "Live.send", fmt.Errorf("write %s frame: %w", frameType, err))
	}
	return nil
}
