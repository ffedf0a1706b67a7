package logbus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/deployx/internal/domain"
)

type publishedMessage struct {
	channel string
	payload string
}

type fakeTransport struct {
	mu         sync.Mutex
	published  []publishedMessage
	publishErr error
	attempts   int
	subs       chan *fakeSubscription
	subErr     error
	subCalls   int
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(chan *fakeSubscription, 4)}
}

func (f *fakeTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{channel: channel, payload: string(payload)})
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, patterns []string) (Subscription, error) {
	f.mu.Lock()
	f.subCalls++
	err := f.subErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case sub := <-f.subs:
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Ping(ctx context.Context) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) snapshot() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.published...)
}

type fakeSubscription struct {
	ch chan Message
}

func (s *fakeSubscription) Messages() <-chan Message { return s.ch }
func (s *fakeSubscription) Close() error             { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishPreservesOrderPerChannel(t *testing.T) {
	transport := newFakeTransport()
	bus := New(transport, PublishPolicy{Timeout: time.Second}, discardLogger())

	for _, line := range []string{"one", "two", "three"} {
		bus.PublishLog(context.Background(), "demo-1", line)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	got := transport.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 published messages, got %d", len(got))
	}
	for i, want := range []string{"one", "two", "three"} {
		if got[i].channel != "deployx:logs:demo-1" {
			t.Fatalf("unexpected channel %q", got[i].channel)
		}
		var env domain.LogEnvelope
		if err := json.Unmarshal([]byte(got[i].payload), &env); err != nil {
			t.Fatalf("payload is not a log envelope: %v", err)
		}
		if env.Log != want {
			t.Fatalf("message %d = %q, want %q", i, env.Log, want)
		}
	}
	if stats := bus.Stats(); stats.Published != 3 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPublishFailuresAreSwallowedAndCounted(t *testing.T) {
	transport := newFakeTransport()
	transport.publishErr = errors.New("connection refused")
	bus := New(transport, PublishPolicy{Timeout: 10 * time.Millisecond, Retries: 2, Backoff: time.Millisecond}, discardLogger())

	bus.PublishLog(context.Background(), "demo-1", "lost")
	bus.PublishStatus(context.Background(), domain.StatusEvent{ProjectID: "demo-1", State: domain.StateBuilding})
	_ = bus.Close()

	stats := bus.Stats()
	if stats.Failed != 2 {
		t.Fatalf("expected 2 failed messages, got %+v", stats)
	}
	transport.mu.Lock()
	attempts := transport.attempts
	transport.mu.Unlock()
	if attempts != 6 {
		t.Fatalf("expected 3 attempts per message, got %d", attempts)
	}
}

func TestPublishAfterCloseIsCountedNotPanicking(t *testing.T) {
	bus := New(newFakeTransport(), PublishPolicy{}, discardLogger())
	_ = bus.Close()
	bus.PublishLog(context.Background(), "demo-1", "late")
	if bus.Stats().Failed != 1 {
		t.Fatalf("expected late publish to be counted as failed")
	}
}

func TestPublishStatusUsesStatusChannel(t *testing.T) {
	transport := newFakeTransport()
	bus := New(transport, PublishPolicy{}, discardLogger())
	bus.PublishStatus(context.Background(), domain.StatusEvent{ProjectID: "demo-1", State: domain.StateSuccess})
	_ = bus.Close()

	got := transport.snapshot()
	if len(got) != 1 || got[0].channel != "deployx:status:demo-1" {
		t.Fatalf("unexpected publish %+v", got)
	}
	var event domain.StatusEvent
	if err := json.Unmarshal([]byte(got[0].payload), &event); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if event.State != domain.StateSuccess || event.Timestamp.IsZero() {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestSubscribeReconnectsAfterConnectionLoss(t *testing.T) {
	transport := newFakeTransport()
	bus := New(transport, PublishPolicy{ReconnectInitial: time.Millisecond, ReconnectMax: 5 * time.Millisecond}, discardLogger())
	defer bus.Close()

	first := &fakeSubscription{ch: make(chan Message, 2)}
	second := &fakeSubscription{ch: make(chan Message, 2)}
	first.ch <- Message{Channel: "deployx:logs:demo-1", Payload: []byte(`{"log":"a"}`)}
	first.ch <- Message{Channel: "garbage", Payload: []byte("x")}
	close(first.ch)
	second.ch <- Message{Channel: "deployx:status:demo-2", Payload: []byte(`{"state":"success"}`)}
	transport.subs <- first
	transport.subs <- second

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan Message, 4)
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, func(msg Message) { received <- msg })
	}()

	var got []Message
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case msg := <-received:
			got = append(got, msg)
		case <-timeout:
			t.Fatalf("timed out waiting for messages, got %d", len(got))
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	if got[0].Kind != domain.KindLogs || got[0].ProjectID != "demo-1" {
		t.Fatalf("unexpected first message %+v", got[0])
	}
	if got[1].Kind != domain.KindStatus || got[1].ProjectID != "demo-2" {
		t.Fatalf("unexpected second message %+v", got[1])
	}
	transport.mu.Lock()
	calls := transport.subCalls
	transport.mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected a resubscribe, got %d subscribe calls", calls)
	}
}

func TestSubscribeRetriesFailedDial(t *testing.T) {
	transport := newFakeTransport()
	transport.subErr = errors.New("dial tcp: connection refused")
	bus := New(transport, PublishPolicy{ReconnectInitial: time.Millisecond, ReconnectMax: 2 * time.Millisecond}, discardLogger())
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := bus.Subscribe(ctx, func(Message) {}); err != nil {
		t.Fatalf("Subscribe should absorb dial errors, got %v", err)
	}
	transport.mu.Lock()
	calls := transport.subCalls
	transport.mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected repeated subscribe attempts, got %d", calls)
	}
}
