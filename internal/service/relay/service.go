// Package relay forwards log bus traffic into gateway rooms.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/splax/deployx/internal/domain"
	"github.com/splax/deployx/internal/logbus"
	"github.com/splax/deployx/internal/ws"
)

// Source is the log bus side of the relay.
type Source interface {
	Subscribe(ctx context.Context, handler logbus.Handler) error
}

// Broadcaster is the gateway side of the relay.
type Broadcaster interface {
	Broadcast(room string, payload []byte) int
}

// StatusObserver is notified of every status event after it was relayed.
type StatusObserver func(ctx context.Context, event domain.StatusEvent)

// Service bridges one bus subscription to the hub.
type Service struct {
	source    Source
	hub       Broadcaster
	logger    *slog.Logger
	observers []StatusObserver
	ctx       context.Context
}

// New returns a relay.
func New(source Source, hub Broadcaster, logger *slog.Logger, observers ...StatusObserver) *Service {
	return &Service{source: source, hub: hub, logger: logger, observers: observers, ctx: context.Background()}
}

// Run subscribes and relays until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.ctx = ctx
	return s.source.Subscribe(ctx, s.Handle)
}

// Handle relays a single bus message. Log payloads are forwarded verbatim.
func (s *Service) Handle(msg logbus.Message) {
	switch msg.Kind {
	case domain.KindLogs:
		frame, err := ws.EncodeRoom(ws.EventLog, msg.ProjectID, string(msg.Payload))
		if err != nil {
			return
		}
		s.hub.Broadcast(msg.ProjectID, frame)
	case domain.KindStatus:
		var event domain.StatusEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			s.logger.Debug("dropping malformed status event", "channel", msg.Channel, "error", err)
			return
		}
		event.ProjectID = msg.ProjectID
		frame, err := ws.EncodeRoom(ws.EventStatus, msg.ProjectID, event)
		if err != nil {
			return
		}
		s.hub.Broadcast(msg.ProjectID, frame)
		for _, observe := range s.observers {
			observe(s.ctx, event)
		}
	}
}
