package logbus

import (
	"time"

	"github.com/splax/deployx/internal/config"
)

// PublishPolicy bounds how hard the bus tries before giving up on a message.
type PublishPolicy struct {
	// Timeout bounds a single publish attempt and health pings.
	Timeout time.Duration
	// Retries is the number of extra attempts after the first failure.
	Retries int
	// Backoff is the pause between attempts.
	Backoff time.Duration
	// QueueSize bounds messages waiting to be published; overflow is dropped.
	QueueSize int
	// FlushTimeout bounds how long Close waits for queued messages.
	FlushTimeout time.Duration
	// ReconnectInitial and ReconnectMax shape subscriber reconnect backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// PolicyFromConfig maps env configuration onto a PublishPolicy.
func PolicyFromConfig(cfg config.LogBusConfig) PublishPolicy {
	return PublishPolicy{
		Timeout:          cfg.PublishTimeout,
		Retries:          cfg.PublishRetries,
		Backoff:          cfg.PublishBackoff,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
	}
}

func (p PublishPolicy) withDefaults() PublishPolicy {
	if p.Timeout <= 0 {
		p.Timeout = 2 * time.Second
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.Backoff <= 0 {
		p.Backoff = 100 * time.Millisecond
	}
	if p.QueueSize <= 0 {
		p.QueueSize = 1024
	}
	if p.FlushTimeout <= 0 {
		p.FlushTimeout = 5 * time.Second
	}
	if p.ReconnectInitial <= 0 {
		p.ReconnectInitial = 500 * time.Millisecond
	}
	if p.ReconnectMax <= 0 {
		p.ReconnectMax = 30 * time.Second
	}
	if p.ReconnectMax < p.ReconnectInitial {
		p.ReconnectMax = p.ReconnectInitial
	}
	return p
}
