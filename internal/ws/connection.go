package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"whisp/internal/models"
	"whisp/internal/presence"

	"github.com/gorilla/websocket"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type messageHub interface {
	Join(userID string) *presence.Handle
	Leave(userID string, handle *presence.Handle)
	Dispatch(ctx context.Context, userID string, ev models.ClientEvent)
}

// Timeouts control the keep-alive of a live channel.
type Timeouts struct {
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
}

var DefaultTimeouts = Timeouts{
	PongWait:   60 * time.Second,
	PingPeriod: 54 * time.Second,
	WriteWait:  10 * time.Second,
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	userID     string
	handle     *presence.Handle
	timeouts   Timeouts
	log        *slog.Logger
	fromClient chan models.ClientEvent
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
	timeouts Timeouts,
	log *slog.Logger,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		handle:     hub.Join(userID),
		timeouts:   timeouts,
		log:        log,
		fromClient: make(chan models.ClientEvent),
		errorCh:    make(chan error, 3),
	}
}

// Handle runs the connection until the client goes away, the handle is
// closed or ctx is done.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.userID, c.handle)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.dispatchLoop(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isClosure(err) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.timeouts.PongWait)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.timeouts.PongWait))
	})

	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.log.Debug("malformed client event", "user_id", c.userID, "error", err)
				continue
			}
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatchLoop applies client events off the write path.
func (c *Connection) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			c.hub.Dispatch(ctx, c.userID, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.timeouts.PingPeriod)
	defer ticker.Stop()

	events := c.handle.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Replaced by a newer connection or shutting down.
				return nil
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.timeouts.WriteWait)); err != nil {
				return err
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeouts.WriteWait)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func isClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
