package presence

import (
	"errors"
	"log/slog"

	"whisp/internal/models"
)

// Notifier delivers live events to connected clients. Delivery is best effort:
// an event for a gone or saturated channel is dropped.
type Notifier interface {
	SendTo(h *Handle, ev models.ServerEvent)
	Broadcast(ev models.ServerEvent)
}

type Broadcaster struct {
	registry *Registry
	log      *slog.Logger
}

func NewBroadcaster(registry *Registry, log *slog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, log: log}
}

func (b *Broadcaster) SendTo(h *Handle, ev models.ServerEvent) {
	if h == nil {
		return
	}
	if err := h.Send(ev); err != nil && errors.Is(err, models.ErrChannelGone) {
		b.log.Debug("event dropped", "user_id", h.UserID, "type", ev.Type)
	}
}

func (b *Broadcaster) Broadcast(ev models.ServerEvent) {
	for _, h := range b.registry.Handles() {
		b.SendTo(h, ev)
	}
}

// BroadcastPresence sends the current online list to everyone.
func (b *Broadcaster) BroadcastPresence() {
	b.Broadcast(models.PresenceSnapshotEvent(b.registry.Snapshot()))
}
