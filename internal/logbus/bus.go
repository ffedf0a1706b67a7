package logbus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/splax/deployx/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("logbus: closed")

// Message is a single payload received from a project channel.
type Message struct {
	Channel   string
	Kind      string
	ProjectID string
	Payload   []byte
}

// Handler consumes relayed messages. It must not block for long; the
// subscription delivers messages to it sequentially.
type Handler func(Message)

// Transport is a raw publish/subscribe driver.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, patterns []string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription streams messages for a set of patterns. Messages is closed
// when the underlying connection is lost.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Publisher is the build side of the bus. Publishing never fails the caller.
type Publisher interface {
	PublishLog(ctx context.Context, projectID, text string)
	PublishStatus(ctx context.Context, event domain.StatusEvent)
}

type outbound struct {
	ctx     context.Context
	kind    string
	channel string
	payload []byte
}

// Bus wraps a Transport with the publish policy and the reconnecting
// subscriber loop.
type Bus struct {
	transport Transport
	policy    PublishPolicy
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan outbound
	done   chan struct{}

	published atomic.Uint64
	failures  atomic.Uint64
	dropped   atomic.Uint64
	degraded  atomic.Bool
}

// New starts a bus over the given transport.
func New(transport Transport, policy PublishPolicy, logger *slog.Logger) *Bus {
	policy = policy.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		transport: transport,
		policy:    policy,
		logger:    logger,
		queue:     make(chan outbound, policy.QueueSize),
		done:      make(chan struct{}),
	}
	initMetrics()
	go b.pump()
	return b
}

// PublishLog enqueues a log line wrapped in a LogEnvelope.
func (b *Bus) PublishLog(ctx context.Context, projectID, text string) {
	payload, err := json.Marshal(domain.LogEnvelope{Log: text})
	if err != nil {
		b.logger.Warn("failed to marshal log envelope", "project_id", projectID, "error", err)
		return
	}
	b.enqueue(ctx, domain.KindLogs, domain.LogChannel(projectID), payload)
}

// PublishStatus enqueues a structured status event.
func (b *Bus) PublishStatus(ctx context.Context, event domain.StatusEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("failed to marshal status event", "project_id", event.ProjectID, "error", err)
		return
	}
	b.enqueue(ctx, domain.KindStatus, domain.StatusChannel(event.ProjectID), payload)
}

func (b *Bus) enqueue(ctx context.Context, kind, channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.recordFailure(kind, channel, ErrClosed)
		return
	}
	select {
	case b.queue <- outbound{ctx: context.WithoutCancel(ctx), kind: kind, channel: channel, payload: payload}:
	default:
		b.dropped.Add(1)
		publishFailures.WithLabelValues(kind, "queue_full").Inc()
		b.logger.Debug("log bus queue full, dropping message", "channel", channel)
	}
}

// pump publishes queued messages one at a time so channel order is kept.
func (b *Bus) pump() {
	defer close(b.done)
	for msg := range b.queue {
		b.send(msg)
	}
}

func (b *Bus) send(msg outbound) {
	attempt := func() error {
		ctx, cancel := context.WithTimeout(msg.ctx, b.policy.Timeout)
		defer cancel()
		return b.transport.Publish(ctx, msg.channel, msg.payload)
	}
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if b.policy.Retries > 0 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(b.policy.Backoff), uint64(b.policy.Retries))
	}
	if err := backoff.Retry(attempt, backoff.WithContext(policy, msg.ctx)); err != nil {
		b.recordFailure(msg.kind, msg.channel, err)
		return
	}
	b.published.Add(1)
	if b.degraded.CompareAndSwap(true, false) {
		b.logger.Info("log bus publishing recovered")
	}
}

func (b *Bus) recordFailure(kind, channel string, err error) {
	b.failures.Add(1)
	publishFailures.WithLabelValues(kind, "error").Inc()
	if b.degraded.CompareAndSwap(false, true) {
		b.logger.Warn("log bus publish failed, continuing without live logs", "channel", channel, "error", err)
		return
	}
	b.logger.Debug("log bus publish failed", "channel", channel, "error", err)
}

// Stats reports publish counters since the bus was created.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Failed:    b.failures.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Stats summarises publish outcomes.
type Stats struct {
	Published uint64
	Failed    uint64
	Dropped   uint64
}

// Ping checks connectivity of the underlying transport.
func (b *Bus) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.policy.Timeout)
	defer cancel()
	return b.transport.Ping(ctx)
}

// Subscribe consumes every project's log and status channels until ctx is
// cancelled, reconnecting with capped exponential backoff after connection
// loss. It only returns once ctx is done.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) error {
	patterns := []string{domain.ChannelPattern(domain.KindLogs), domain.ChannelPattern(domain.KindStatus)}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = b.policy.ReconnectInitial
	retry.MaxInterval = b.policy.ReconnectMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		sub, err := b.transport.Subscribe(ctx, patterns)
		if err == nil {
			retry.Reset()
			b.logger.Info("log bus subscribed", "patterns", patterns)
			b.consume(ctx, sub, handler)
			_ = sub.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := retry.NextBackOff()
		if err != nil {
			b.logger.Warn("log bus subscribe failed", "error", err, "retry_in", wait.String())
		} else {
			b.logger.Warn("log bus subscription lost", "retry_in", wait.String())
		}
		subscribeReconnects.Inc()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (b *Bus) consume(ctx context.Context, sub Subscription, handler Handler) {
	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			kind, projectID, valid := domain.ParseChannel(msg.Channel)
			if !valid {
				b.logger.Debug("ignoring message on unexpected channel", "channel", msg.Channel)
				continue
			}
			msg.Kind = kind
			msg.ProjectID = projectID
			handler(msg)
		}
	}
}

// Close flushes queued messages, bounded by the policy flush timeout, and
// closes the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	timer := time.NewTimer(b.policy.FlushTimeout)
	defer timer.Stop()
	select {
	case <-b.done:
	case <-timer.C:
		b.logger.Warn("log bus flush timed out", "pending", len(b.queue))
	}
	return b.transport.Close()
}

type discard struct{}

func (discard) PublishLog(context.Context, string, string) {}

func (discard) PublishStatus(context.Context, domain.StatusEvent) {}

// Discard is a Publisher that drops everything. Workers fall back to it when
// no bus can be opened so the build itself still runs.
var Discard Publisher = discard{}
