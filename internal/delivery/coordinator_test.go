package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"whisp/internal/models"
	"whisp/internal/presence"
	"whisp/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers map[string]models.User

func (f fakeUsers) User(id string) (models.User, error) {
	u, ok := f[id]
	if !ok {
		return models.User{}, models.ErrNotFound
	}
	return u, nil
}

type fakeMedia struct {
	err error
}

func (f fakeMedia) Upload(_ context.Context, _ string, raw string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "http://media/" + raw, nil
}

type fakeOffline struct {
	ch chan models.Message
}

func (f fakeOffline) NotifyOffline(_ context.Context, msg models.Message) {
	f.ch <- msg
}

type failingStore struct {
	MessageStore
	insertErr  error
	advanceErr error
}

func (f failingStore) InsertMessage(m models.Message) (models.Message, error) {
	if f.insertErr != nil {
		return models.Message{}, f.insertErr
	}
	return f.MessageStore.InsertMessage(m)
}

func (f failingStore) AdvanceStatus(filter storage.MessageFilter, status models.MessageStatus) ([]models.Message, error) {
	if f.advanceErr != nil {
		return nil, f.advanceErr
	}
	return f.MessageStore.AdvanceStatus(filter, status)
}

// insertHook runs afterInsert once, right after the first message is stored.
type insertHook struct {
	MessageStore
	once        *sync.Once
	afterInsert func(models.Message)
}

func (h insertHook) InsertMessage(m models.Message) (models.Message, error) {
	stored, err := h.MessageStore.InsertMessage(m)
	if err == nil {
		h.once.Do(func() { h.afterInsert(stored) })
	}
	return stored, err
}

type deadlineOffline chan bool

func (d deadlineOffline) NotifyOffline(ctx context.Context, _ models.Message) {
	_, ok := ctx.Deadline()
	d <- ok
}

type fixture struct {
	coord    *Coordinator
	store    *storage.BboltStorage
	registry *presence.Registry
	offline  fakeOffline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := presence.NewRegistry()
	offline := fakeOffline{ch: make(chan models.Message, 16)}

	coord := New(Config{
		Store:    store,
		Users:    fakeUsers{"alice": {ID: "alice"}, "bob": {ID: "bob"}},
		Presence: registry,
		Notifier: presence.NewBroadcaster(registry, log),
		Media:    fakeMedia{},
		Offline:  offline,
		Log:      log,
	})
	return &fixture{coord: coord, store: store, registry: registry, offline: offline}
}

func (f *fixture) connect(userID string) *presence.Handle {
	h := presence.NewHandle(userID, 256, time.Now())
	f.registry.Register(userID, h)
	return h
}

// drain collects everything queued on h so far.
func drain(h *presence.Handle) []models.ServerEvent {
	var events []models.ServerEvent
	for {
		select {
		case ev := <-h.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestSend_ReceiverOffline(t *testing.T) {
	f := newFixture(t)
	alice := f.connect("alice")

	msg, err := f.coord.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSent, msg.Status)
	require.NotEmpty(t, msg.ID)
	require.Empty(t, drain(alice))

	select {
	case pushed := <-f.offline.ch:
		require.Equal(t, msg.ID, pushed.ID)
	case <-time.After(time.Second):
		t.Fatal("offline notifier not called")
	}

	history, err := f.coord.History(context.Background(), "bob", "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, msg.ID, history[0].ID)
	require.Equal(t, models.MessageStatusSent, history[0].Status)
}

func TestSend_ReceiverOnline(t *testing.T) {
	f := newFixture(t)
	alice := f.connect("alice")
	bob := f.connect("bob")

	msg, err := f.coord.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusDelivered, msg.Status)

	bobEvents := drain(bob)
	require.Len(t, bobEvents, 1)
	require.Equal(t, models.ServerEventNewMessage, bobEvents[0].Type)
	require.Equal(t, "hi", bobEvents[0].Message.Text)

	aliceEvents := drain(alice)
	require.Len(t, aliceEvents, 1)
	require.Equal(t, models.ServerEventStatusUpdated, aliceEvents[0].Type)
	require.Equal(t, msg.ID, aliceEvents[0].MessageID)
	require.Equal(t, models.MessageStatusDelivered, aliceEvents[0].Status)

	stored, err := f.store.GetMessage(msg.ID)
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusDelivered, stored.Status)
}

func TestSend_TextRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect("alice")
	bob := f.connect("bob")

	texts := []string{
		"Tom & Jerry",
		"if a < b && b > c",
		`say "hi"`,
		"<b>not markup</b> it's text",
	}
	for _, text := range texts {
		msg, err := f.coord.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", Text: text})
		require.NoError(t, err)
		require.Equal(t, text, msg.Text)
	}

	var received []string
	for _, ev := range drain(bob) {
		if ev.Type == models.ServerEventNewMessage {
			received = append(received, ev.Message.Text)
		}
	}
	require.Equal(t, texts, received)
	drain(alice)

	history, err := f.coord.History(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, history, len(texts))
	for i, m := range history {
		require.Equal(t, texts[i], m.Text)
	}
}

func TestSend_SeenDuringInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect("alice")
	bob := f.connect("bob")

	seenDone := make(chan int, 1)
	f.coord.store = insertHook{
		MessageStore: f.store,
		once:         &sync.Once{},
		afterInsert: func(models.Message) {
			go func() {
				n, err := f.coord.MarkSeen(ctx, "bob", "alice")
				assert.NoError(t, err)
				seenDone <- n
			}()
			time.Sleep(20 * time.Millisecond)
		},
	}

	msg, err := f.coord.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusDelivered, msg.Status)

	select {
	case n := <-seenDone:
		require.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("MarkSeen did not finish")
	}

	events := drain(bob)
	require.Len(t, events, 1)
	require.Equal(t, models.ServerEventNewMessage, events[0].Type)
	require.Equal(t, models.MessageStatusSent, events[0].Message.Status)

	var statuses []models.MessageStatus
	for _, ev := range drain(alice) {
		require.Equal(t, msg.ID, ev.MessageID)
		statuses = append(statuses, ev.Status)
	}
	require.Equal(t, []models.MessageStatus{models.MessageStatusDelivered, models.MessageStatusSeen}, statuses)

	stored, err := f.store.GetMessage(msg.ID)
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSeen, stored.Status)
}

func TestSend_OfflineNotifyHasDeadline(t *testing.T) {
	f := newFixture(t)
	notified := make(deadlineOffline, 1)
	f.coord.offline = notified

	_, err := f.coord.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
	require.NoError(t, err)

	select {
	case hasDeadline := <-notified:
		require.True(t, hasDeadline)
	case <-time.After(time.Second):
		t.Fatal("offline notifier not called")
	}
}

func TestSend_SenderOffline(t *testing.T) {
	f := newFixture(t)
	bob := f.connect("bob")

	msg, err := f.coord.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "bob", Image: "png"})
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusDelivered, msg.Status)
	require.Equal(t, "http://media/png", msg.Image)
	require.Len(t, drain(bob), 1)
}

func TestSend_Failures(t *testing.T) {
	t.Run("Validation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coord.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "bob"})
		require.ErrorIs(t, err, models.ErrValidation)

		_, err = f.coord.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "bob", Text: strings.Repeat("x", 5001)})
		require.ErrorIs(t, err, models.ErrValidation)

		history, err := f.coord.History(context.Background(), "alice", "bob")
		require.NoError(t, err)
		require.Empty(t, history)
	})

	t.Run("UnknownReceiver", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coord.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "carol", Text: "hi"})
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("UploadFails", func(t *testing.T) {
		f := newFixture(t)
		f.coord.media = fakeMedia{err: errors.New("disk full")}
		bob := f.connect("bob")

		_, err := f.coord.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "bob", Image: "png"})
		require.ErrorIs(t, err, models.ErrStorage)
		require.Empty(t, drain(bob))

		history, err := f.coord.History(context.Background(), "alice", "bob")
		require.NoError(t, err)
		require.Empty(t, history)
	})

	t.Run("InsertFails", func(t *testing.T) {
		f := newFixture(t)
		f.coord.store = failingStore{MessageStore: f.store, insertErr: errors.New("db closed")}
		bob := f.connect("bob")

		_, err := f.coord.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
		require.ErrorIs(t, err, models.ErrStorage)
		require.Empty(t, drain(bob), "no delivery attempt without persistence")
	})

	t.Run("StatusUpdateFails", func(t *testing.T) {
		f := newFixture(t)
		f.coord.store = failingStore{MessageStore: f.store, advanceErr: errors.New("db closed")}
		alice := f.connect("alice")
		f.connect("bob")

		msg, err := f.coord.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
		require.NoError(t, err)
		require.Equal(t, models.MessageStatusSent, msg.Status)
		require.Empty(t, drain(alice), "no status notification for an unpersisted status")
	})
}

func TestMarkSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		msg, err := f.coord.Send(ctx, SendRequest{SenderID: "bob", ReceiverID: "alice", Text: text})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	// A message in the other direction must be untouched.
	reply, err := f.coord.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", Text: "reply"})
	require.NoError(t, err)

	n, err := f.coord.MarkSeen(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	msg, err := f.coord.Send(ctx, SendRequest{SenderID: "bob", ReceiverID: "alice", Text: "four"})
	require.NoError(t, err)

	bob := f.connect("bob")
	n, err = f.coord.MarkSeen(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	events := drain(bob)
	require.Len(t, events, 1)
	require.Equal(t, msg.ID, events[0].MessageID)
	require.Equal(t, models.MessageStatusSeen, events[0].Status)

	n, err = f.coord.MarkSeen(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, drain(bob))

	for _, id := range append(ids, msg.ID) {
		stored, err := f.store.GetMessage(id)
		require.NoError(t, err)
		require.Equal(t, models.MessageStatusSeen, stored.Status)
	}
	stored, err := f.store.GetMessage(reply.ID)
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSent, stored.Status)

	_, err = f.coord.MarkSeen(ctx, "alice", "")
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestMarkSeen_OneEventPerMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.connect("bob")

	for i := 0; i < 5; i++ {
		_, err := f.coord.Send(ctx, SendRequest{SenderID: "bob", ReceiverID: "alice", Text: "x"})
		require.NoError(t, err)
	}
	require.Empty(t, drain(bob))

	n, err := f.coord.MarkSeen(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, 5, n)

	events := drain(bob)
	require.Len(t, events, 5)
	seen := map[string]bool{}
	for _, ev := range events {
		require.Equal(t, models.ServerEventStatusUpdated, ev.Type)
		require.Equal(t, models.MessageStatusSeen, ev.Status)
		require.False(t, seen[ev.MessageID], "duplicate event for %s", ev.MessageID)
		seen[ev.MessageID] = true
	}
}

func TestMarkDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect("alice")

	msg, err := f.coord.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSent, msg.Status)

	// Only the receiver may acknowledge.
	require.ErrorIs(t, f.coord.MarkDelivered(ctx, "alice", msg.ID), models.ErrNotFound)
	require.ErrorIs(t, f.coord.MarkDelivered(ctx, "bob", "missing"), models.ErrNotFound)
	require.ErrorIs(t, f.coord.MarkDelivered(ctx, "bob", ""), models.ErrValidation)

	require.NoError(t, f.coord.MarkDelivered(ctx, "bob", msg.ID))
	events := drain(alice)
	require.Len(t, events, 1)
	require.Equal(t, models.MessageStatusDelivered, events[0].Status)

	// Duplicate ack is ignored.
	require.NoError(t, f.coord.MarkDelivered(ctx, "bob", msg.ID))
	require.Empty(t, drain(alice))
}

func TestStatusNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.coord.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
	require.NoError(t, err)

	n, err := f.coord.MarkSeen(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	alice := f.connect("alice")
	require.NoError(t, f.coord.MarkDelivered(ctx, "bob", msg.ID))
	require.Empty(t, drain(alice))

	stored, err := f.store.GetMessage(msg.ID)
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSeen, stored.Status)
}

func TestSendRacesMarkSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := presence.NewHandle("alice", 4096, time.Now())
	f.registry.Register("alice", alice)
	f.connect("bob")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Go(func() {
			_, err := f.coord.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", Text: "x"})
			assert.NoError(t, err)
		})
		wg.Go(func() {
			_, err := f.coord.MarkSeen(ctx, "bob", "alice")
			assert.NoError(t, err)
		})
	}
	wg.Wait()
	_, err := f.coord.MarkSeen(ctx, "bob", "alice")
	require.NoError(t, err)

	last := map[string]models.MessageStatus{}
	for _, ev := range drain(alice) {
		if ev.Type != models.ServerEventStatusUpdated {
			continue
		}
		prev := last[ev.MessageID]
		require.Greater(t, ev.Status.Rank(), prev.Rank(), "status regressed for %s", ev.MessageID)
		last[ev.MessageID] = ev.Status
	}

	history, err := f.coord.History(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 30)
	for _, m := range history {
		require.Equal(t, models.MessageStatusSeen, m.Status)
		require.Equal(t, models.MessageStatusSeen, last[m.ID], "last notification must match stored status")
	}
}

func TestCanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coord.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
	require.ErrorIs(t, err, context.Canceled)
}
