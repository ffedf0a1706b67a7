// Package realtime follows deployment logs over the deployx socket gateway.
//
// A Client keeps one connection and a room to handler map, so any number of
// projects can be followed at once. Rooms are re-joined after reconnecting.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/splax/deployx/internal/domain"
	"github.com/splax/deployx/internal/ws"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("realtime: client closed")

// Handlers receive the events of one room. Nil handlers are skipped.
// Callbacks run on the client's read goroutine and must not block.
type Handlers struct {
	OnLog    func(text string)
	OnStatus func(event domain.StatusEvent)
	OnJoined func(message string)
}

// Client is a websocket connection to the gateway.
type Client struct {
	url        string
	dialer     *websocket.Dialer
	logger     *slog.Logger
	initial    time.Duration
	maxBackoff time.Duration

	mu    sync.Mutex
	rooms map[string]Handlers
	conn  *websocket.Conn

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger sets the logger used for connection events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithReconnectBackoff bounds the reconnect delay.
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initial, c.maxBackoff = initial, max
	}
}

// Dial connects to the gateway at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        url,
		dialer:     websocket.DefaultDialer,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		initial:    500 * time.Millisecond,
		maxBackoff: 15 * time.Second,
		rooms:      make(map[string]Handlers),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run(conn)
	return c, nil
}

// Listen registers h for projectID and joins its room. Calling Listen again
// for the same project replaces the handlers.
func (c *Client) Listen(projectID string, h Handlers) error {
	if err := domain.ValidateProjectID(projectID); err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.mu.Lock()
	c.rooms[projectID] = h
	conn := c.conn
	c.mu.Unlock()
	if err := c.send(conn, ws.EventJoinRoom, projectID); err != nil {
		c.logger.Debug("join deferred until reconnect", "room", projectID, "error", err)
	}
	return nil
}

// Unlisten drops the handlers for projectID and leaves its room.
func (c *Client) Unlisten(projectID string) error {
	c.mu.Lock()
	_, ok := c.rooms[projectID]
	delete(c.rooms, projectID)
	conn := c.conn
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.send(conn, ws.EventLeaveRoom, projectID)
}

// Done is closed once the client stops for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close terminates the connection and stops reconnecting.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	<-c.done
	return err
}

func (c *Client) send(conn *websocket.Conn, event, room string) error {
	if conn == nil {
		return ErrClosed
	}
	payload, err := ws.Encode(event, room)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.read(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("gateway connection lost", "error", err)
		if conn = c.reconnect(); conn == nil {
			return
		}
	}
}

func (c *Client) reconnect() *websocket.Conn {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initial
	policy.MaxInterval = c.maxBackoff
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		cn, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			return err
		}
		conn = cn
		return nil
	}, backoff.WithContext(policy, c.ctx))
	if err != nil {
		return nil
	}

	c.mu.Lock()
	c.conn = conn
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()
	for _, room := range rooms {
		if err := c.send(conn, ws.EventJoinRoom, room); err != nil {
			c.logger.Debug("rejoin failed", "room", room, "error", err)
		}
	}
	c.logger.Info("gateway reconnected", "rooms", len(rooms))
	return conn
}

func (c *Client) read(conn *websocket.Conn) error {
	defer conn.Close()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := ws.Decode(payload)
		if err != nil {
			c.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame ws.Frame) {
	if frame.Event == ws.EventError {
		msg, _ := frame.Text()
		c.logger.Warn("gateway error", "room", frame.Room, "message", msg)
		return
	}
	c.mu.Lock()
	h, ok := c.rooms[frame.Room]
	c.mu.Unlock()
	if !ok {
		return
	}
	switch frame.Event {
	case ws.EventRoomJoined:
		if h.OnJoined != nil {
			msg, _ := frame.Text()
			h.OnJoined(msg)
		}
	case ws.EventLog:
		if h.OnLog != nil {
			raw, err := frame.Text()
			if err != nil {
				return
			}
			h.OnLog(logText(raw))
		}
	case ws.EventStatus:
		if h.OnStatus != nil {
			var event domain.StatusEvent
			if err := json.Unmarshal(frame.Data, &event); err != nil {
				return
			}
			h.OnStatus(event)
		}
	}
}

// logText unwraps a {"log": ...} envelope; other payloads pass through.
func logText(raw string) string {
	var env domain.LogEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Log == "" {
		return raw
	}
	return env.Log
}
