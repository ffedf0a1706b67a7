package logbus

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/splax/deployx/internal/config"
)

const (
	DriverRedis = "redis"
	DriverNATS  = "nats"
)

// Open builds the configured transport and wraps it in a Bus.
func Open(cfg config.LogBusConfig, logger *slog.Logger) (*Bus, error) {
	var (
		transport Transport
		err       error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverRedis, "valkey":
		transport, err = NewRedisTransport(cfg.URI)
	case DriverNATS:
		transport, err = NewNATSTransport(cfg.URI, cfg.ReconnectInitial)
	default:
		return nil, fmt.Errorf("unsupported log bus driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return New(transport, PolicyFromConfig(cfg), logger), nil
}

// Transport returns the transport the bus was built on.
func (b *Bus) Transport() Transport {
	return b.transport
}
