package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"whisp/internal/models"
	"whisp/internal/presence"
)

const DefaultSendBuffer = 64

// Acknowledger applies client acknowledgements to message statuses.
type Acknowledger interface {
	MarkDelivered(ctx context.Context, receiverID, messageID string) error
	MarkSeen(ctx context.Context, currentUserID, partnerID string) (int, error)
}

// Hub ties live connections to the presence registry and routes client
// events to the delivery coordinator.
type Hub struct {
	registry    *presence.Registry
	broadcaster *presence.Broadcaster
	acks        Acknowledger
	buffer      int
	log         *slog.Logger
	now         func() time.Time

	// membership serialises a registry change with the snapshot it
	// broadcasts, so snapshots reach every handle in change order.
	membership sync.Mutex
}

func NewHub(registry *presence.Registry, acks Acknowledger, buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Hub{
		registry:    registry,
		broadcaster: presence.NewBroadcaster(registry, log),
		acks:        acks,
		buffer:      buffer,
		log:         log,
		now:         time.Now,
	}
}

// Join registers a fresh handle for userID and announces the new online set.
// A handle it replaces is closed, which ends the older connection.
func (h *Hub) Join(userID string) *presence.Handle {
	handle := presence.NewHandle(userID, h.buffer, h.now())

	h.membership.Lock()
	defer h.membership.Unlock()
	if previous := h.registry.Register(userID, handle); previous != nil {
		previous.Close()
		h.log.Info("replaced live channel", "user_id", userID)
	}
	h.broadcaster.BroadcastPresence()
	return handle
}

// Leave closes handle and, unless a newer handle took its place, removes
// the user from the online set.
func (h *Hub) Leave(userID string, handle *presence.Handle) {
	h.membership.Lock()
	defer h.membership.Unlock()
	released := h.registry.Release(userID, handle)
	handle.Close()
	if released {
		h.broadcaster.BroadcastPresence()
	}
}

// Dispatch applies one client event. Bad events are logged and dropped.
func (h *Hub) Dispatch(ctx context.Context, userID string, ev models.ClientEvent) {
	switch ev.Type {
	case models.ClientEventDelivered:
		if err := h.acks.MarkDelivered(ctx, userID, ev.MessageID); err != nil {
			h.log.Warn("delivered ack rejected", "user_id", userID, "message_id", ev.MessageID, "error", err)
		}
	case models.ClientEventSeen:
		n, err := h.acks.MarkSeen(ctx, userID, ev.PartnerID)
		if err != nil {
			h.log.Warn("seen ack rejected", "user_id", userID, "partner_id", ev.PartnerID, "error", err)
			return
		}
		h.log.Debug("messages seen", "user_id", userID, "partner_id", ev.PartnerID, "count", n)
	default:
		h.log.Debug("unknown client event", "user_id", userID, "type", ev.Type)
	}
}

// Online returns the sorted IDs of connected users.
func (h *Hub) Online() []string {
	return h.registry.Snapshot()
}
