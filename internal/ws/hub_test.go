package ws

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClientClosed
	}
	if f.full {
		return ErrSlowConsumer
	}
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestHubIsolatesRooms(t *testing.T) {
	hub := NewHub()
	a, b := &fakeSubscriber{}, &fakeSubscriber{}
	hub.Join("alpha", a)
	hub.Join("beta", b)

	if n := hub.Broadcast("alpha", []byte("x")); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if a.count() != 1 || b.count() != 0 {
		t.Fatalf("room isolation violated: a=%d b=%d", a.count(), b.count())
	}
	if n := hub.Broadcast("nobody", []byte("x")); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}

func TestHubJoinIsIdempotent(t *testing.T) {
	hub := NewHub()
	c := &fakeSubscriber{}
	if !hub.Join("alpha", c) {
		t.Fatal("first join should be new")
	}
	if hub.Join("alpha", c) {
		t.Fatal("second join should be a no-op")
	}
	hub.Broadcast("alpha", []byte("x"))
	if c.count() != 1 {
		t.Fatalf("duplicate membership delivered %d frames", c.count())
	}
	if hub.Members("alpha") != 1 {
		t.Fatalf("expected one member, got %d", hub.Members("alpha"))
	}
}

func TestHubSlowClientDoesNotBlockOthers(t *testing.T) {
	hub := NewHub()
	slow, fast := &fakeSubscriber{full: true}, &fakeSubscriber{}
	hub.Join("alpha", slow)
	hub.Join("alpha", fast)

	if n := hub.Broadcast("alpha", []byte("x")); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if fast.count() != 1 {
		t.Fatal("fast client missed frame")
	}
	if hub.Members("alpha") != 2 {
		t.Fatal("slow client should stay joined")
	}
}

func TestHubDropRemovesClosedClients(t *testing.T) {
	hub := NewHub()
	c := &fakeSubscriber{}
	hub.Join("alpha", c)
	hub.Join("beta", c)
	c.Close()

	hub.Broadcast("alpha", []byte("x"))
	if hub.Members("alpha") != 0 || hub.Members("beta") != 0 {
		t.Fatal("closed client should be dropped from every room")
	}
	if hub.Rooms() != 0 {
		t.Fatalf("expected no rooms, got %d", hub.Rooms())
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, event, data string) {
	t.Helper()
	payload, err := Encode(event, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHandlerJoinAndReceive(t *testing.T) {
	hub := NewHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewHandler(hub, []string{"*"}, 8, logger))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	writeFrame(t, conn, EventJoinRoom, "demo-1")
	ack := readFrame(t, conn)
	if ack.Event != EventRoomJoined {
		t.Fatalf("expected roomJoined, got %s", ack.Event)
	}
	if text, _ := ack.Text(); text != "Successfully joined room demo-1" {
		t.Fatalf("unexpected ack %q", text)
	}

	frame, _ := Encode(EventLog, `{"log":"hello"}`)
	hub.Broadcast("demo-1", frame)
	got := readFrame(t, conn)
	if got.Event != EventLog {
		t.Fatalf("expected log, got %s", got.Event)
	}
	if text, _ := got.Text(); text != `{"log":"hello"}` {
		t.Fatalf("payload altered: %q", text)
	}

	writeFrame(t, conn, EventJoinRoom, "Bad Room")
	if errFrame := readFrame(t, conn); errFrame.Event != EventError {
		t.Fatalf("expected error frame, got %s", errFrame.Event)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.deployx.dev"})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://app.deployx.dev")
	if !check(req) {
		t.Fatal("allowed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Fatal("foreign origin accepted")
	}
}
