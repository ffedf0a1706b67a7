package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/deployx/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client represents a websocket client connection. Frames are queued by Send
// and written by a dedicated write pump.
type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

// NewClient constructs a client wrapper with a send queue of bufferSize.
func NewClient(conn *websocket.Conn, hub *Hub, bufferSize int, logger *slog.Logger) *Client {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Client{
		conn: conn,
		hub:  hub,
		send: make(chan []byte, bufferSize),
		done: make(chan struct{}),
		log:  logger,
	}
}

// Send queues payload without blocking.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Serve runs the client until the connection closes.
func (c *Client) Serve() {
	connectedClients.Inc()
	defer connectedClients.Dec()
	go c.writePump()
	c.readPump()
	c.hub.Drop(c)
	c.Close()
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", "error", err)
			}
			return
		}
		c.handle(payload)
	}
}

func (c *Client) handle(payload []byte) {
	frame, err := Decode(payload)
	if err != nil {
		c.reply(EventError, err.Error())
		return
	}
	switch frame.Event {
	case EventJoinRoom:
		room, err := frame.Text()
		if err != nil {
			c.reply(EventError, err.Error())
			return
		}
		if err := domain.ValidateProjectID(room); err != nil {
			c.reply(EventError, err.Error())
			return
		}
		if c.hub.Join(room, c) {
			c.log.Debug("websocket joined room", "room", room)
		}
		c.replyRoom(EventRoomJoined, room, "Successfully joined room "+room)
	case EventLeaveRoom:
		room, err := frame.Text()
		if err != nil {
			c.reply(EventError, err.Error())
			return
		}
		c.hub.Leave(room, c)
		c.replyRoom(EventRoomLeft, room, room)
	default:
		c.reply(EventError, "unknown event "+frame.Event)
	}
}

func (c *Client) reply(event, text string) {
	c.replyRoom(event, "", text)
}

func (c *Client) replyRoom(event, room, text string) {
	payload, err := EncodeRoom(event, room, text)
	if err != nil {
		return
	}
	if err := c.Send(payload); err == ErrSlowConsumer {
		droppedFrames.Inc()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
