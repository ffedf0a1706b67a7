package logbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const natsPingTimeout = 2 * time.Second

// NATSTransport maps colon channels onto dot-separated NATS subjects, so
// "deployx:logs:demo" travels as "deployx.logs.demo".
type NATSTransport struct {
	conn *nats.Conn
}

// NewNATSTransport connects with unlimited reconnects; NATS buffers
// publishes while reconnecting.
func NewNATSTransport(url string, reconnectWait time.Duration) (*NATSTransport, error) {
	conn, err := nats.Connect(url,
		nats.Name("deployx"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSTransport{conn: conn}, nil
}

func channelToSubject(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

func subjectToChannel(subject string) string {
	return strings.ReplaceAll(subject, ".", ":")
}

func (t *NATSTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.conn.Publish(channelToSubject(channel), payload)
}

func (t *NATSTransport) Ping(ctx context.Context) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("nats connection status: %s", t.conn.Status())
	}
	// FlushWithContext requires a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsPingTimeout)
		defer cancel()
	}
	return t.conn.FlushWithContext(ctx)
}

func (t *NATSTransport) Subscribe(ctx context.Context, patterns []string) (Subscription, error) {
	sub := &natsSubscription{
		in:   make(chan Message, 64),
		out:  make(chan Message),
		done: make(chan struct{}),
	}
	for _, pattern := range patterns {
		s, err := t.conn.Subscribe(channelToSubject(pattern), sub.deliver)
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		sub.subs = append(sub.subs, s)
	}
	go sub.forward(ctx)
	return sub, nil
}

func (t *NATSTransport) Close() error {
	t.conn.Close()
	return nil
}

type natsSubscription struct {
	subs []*nats.Subscription
	in   chan Message
	out  chan Message
	done chan struct{}
	once sync.Once
}

// deliver runs on the NATS dispatcher goroutine of each subscription.
func (s *natsSubscription) deliver(msg *nats.Msg) {
	select {
	case s.in <- Message{Channel: subjectToChannel(msg.Subject), Payload: msg.Data}:
	case <-s.done:
	}
}

// forward is the only writer of out, so it alone may close it.
func (s *natsSubscription) forward(ctx context.Context) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case msg := <-s.in:
			select {
			case s.out <- msg:
			case <-s.done:
				return
			case <-ctx.Done():
				_ = s.Close()
				return
			}
		}
	}
}

func (s *natsSubscription) Messages() <-chan Message {
	return s.out
}

func (s *natsSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		for _, sub := range s.subs {
			_ = sub.Unsubscribe()
		}
	})
	return nil
}
