package presence

import (
	"sync"
	"time"

	"whisp/internal/models"
)

// Handle is the server side of one live channel. Events queued on it are
// drained by the connection's write loop.
type Handle struct {
	UserID      string
	ConnectedAt time.Time

	out    chan models.ServerEvent
	mu     sync.RWMutex
	closed bool
}

func NewHandle(userID string, buffer int, now time.Time) *Handle {
	return &Handle{
		UserID:      userID,
		ConnectedAt: now,
		out:         make(chan models.ServerEvent, buffer),
	}
}

// Events returns the outbound queue. It is closed by Close.
func (h *Handle) Events() <-chan models.ServerEvent {
	return h.out
}

// Send enqueues ev without blocking. It returns ErrChannelGone when the
// handle was closed or its queue is full.
func (h *Handle) Send(ev models.ServerEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return models.ErrChannelGone
	}

	select {
	case h.out <- ev:
		return nil
	default:
		return models.ErrChannelGone
	}
}

func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.out)
}

func (h *Handle) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
