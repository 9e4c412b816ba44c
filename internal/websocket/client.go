package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mentorchat/internal/auth"
	"mentorchat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 8 * 1024
	sendBufferSize = 256
	frameTimeout   = 5 * time.Second
)

// Client is one live connection of an authenticated user.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	session   auth.Session
	logger    *slog.Logger
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, session auth.Session) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		session: session,
		logger:  hub.logger.With("user_id", session.UserID),
	}
}

// Serve registers the client and runs both pumps until the connection ends.
func (c *Client) Serve() {
	if !c.hub.Register(c) {
		c.closeConn()
		return
	}
	go c.WritePump()
	c.ReadPump()
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ReadPump reads client frames until the connection fails or goes quiet for
// longer than pongWait.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read_failed", "error", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug("bad_frame", "error", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame inboundFrame) {
	frames := c.hub.frameHandler()
	if frames == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	var err error
	switch frame.Type {
	case models.FrameTyping:
		var typing models.TypingEvent
		if err = json.Unmarshal(frame.Payload, &typing); err == nil {
			err = frames.Typing(ctx, c.session, typing.ConversationID, typing.Typing)
		}
	case models.FrameAck:
		var ack models.AckFrame
		if err = json.Unmarshal(frame.Payload, &ack); err == nil {
			err = frames.Acknowledge(ctx, c.session, ack.ConversationID, ack.MessageID)
		}
	case models.FrameRead:
		var read models.ReadFrame
		if err = json.Unmarshal(frame.Payload, &read); err == nil {
			_, err = frames.MarkRead(ctx, c.session, read.ConversationID)
		}
	default:
		c.logger.Debug("unknown_frame", "type", frame.Type)
		return
	}
	if err != nil {
		c.logger.Debug("frame_failed", "type", frame.Type, "error", err)
	}
}

// WritePump drains the send buffer onto the socket and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
