package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"whisp/internal/content"
	"whisp/internal/models"
	"whisp/internal/presence"
	"whisp/internal/storage"
)

// MessageStore is the persistence the coordinator needs.
type MessageStore interface {
	InsertMessage(message models.Message) (models.Message, error)
	GetMessage(id string) (models.Message, error)
	ListConversation(a, b string) ([]models.Message, error)
	AdvanceStatus(filter storage.MessageFilter, status models.MessageStatus) ([]models.Message, error)
}

type Users interface {
	User(userID string) (models.User, error)
}

type Presence interface {
	Lookup(userID string) (*presence.Handle, bool)
}

type Uploader interface {
	Upload(ctx context.Context, uploaderID, raw string) (string, error)
}

// OfflineNotifier is told about messages whose receiver had no live channel.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, msg models.Message)
}

const DefaultOfflineTimeout = 10 * time.Second

type SendRequest struct {
	SenderID   string `validate:"required"`
	ReceiverID string `validate:"required"`
	Text       string `validate:"required_without=Image,max=5000"`
	Image      string
}

type Config struct {
	Store    MessageStore
	Users    Users
	Presence Presence
	Notifier presence.Notifier
	Media    Uploader
	Offline  OfflineNotifier
	Log      *slog.Logger

	// OfflineTimeout bounds each offline notification. Defaults to
	// DefaultOfflineTimeout.
	OfflineTimeout time.Duration
}

// Coordinator owns the sent -> delivered -> seen lifecycle of messages and
// the live notifications that go with it.
type Coordinator struct {
	store    MessageStore
	users    Users
	presence Presence
	notifier presence.Notifier
	media    Uploader
	offline  OfflineNotifier
	log      *slog.Logger
	locks    stripedLock
	now      func() time.Time

	offlineTimeout time.Duration
}

func New(config Config) *Coordinator {
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	offlineTimeout := config.OfflineTimeout
	if offlineTimeout <= 0 {
		offlineTimeout = DefaultOfflineTimeout
	}
	return &Coordinator{
		store:          config.Store,
		users:          config.Users,
		presence:       config.Presence,
		notifier:       config.Notifier,
		media:          config.Media,
		offline:        config.Offline,
		log:            log,
		now:            time.Now,
		offlineTimeout: offlineTimeout,
	}
}

// Send persists a new message and tries to deliver it live. When the
// receiver is online the message is returned already delivered.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	if err := content.Validate(req); err != nil {
		return models.Message{}, err
	}

	if _, err := c.users.User(req.ReceiverID); err != nil {
		return models.Message{}, wrapStoreErr("lookup receiver", err)
	}

	var imageURL string
	if req.Image != "" {
		if c.media == nil {
			return models.Message{}, fmt.Errorf("%w: image uploads are disabled", models.ErrValidation)
		}
		url, err := c.media.Upload(ctx, req.SenderID, req.Image)
		if err != nil {
			return models.Message{}, wrapStoreErr("upload image", err)
		}
		imageURL = url
	}

	// MarkSeen and MarkDelivered take the same stripe, so no status change
	// lands between the insert and the receiver's newMessage event.
	unlock := c.locks.lock(storage.ConversationID(req.SenderID, req.ReceiverID))
	defer unlock()

	msg, err := c.store.InsertMessage(models.Message{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Text:       req.Text,
		Image:      imageURL,
		Status:     models.MessageStatusSent,
		CreatedAt:  c.now().UnixNano(),
	})
	if err != nil {
		return models.Message{}, wrapStoreErr("insert message", err)
	}

	receiver, online := c.presence.Lookup(msg.ReceiverID)
	if !online {
		if c.offline != nil {
			go c.notifyOffline(context.WithoutCancel(ctx), msg)
		}
		return msg, nil
	}

	c.notifier.SendTo(receiver, models.NewMessageEvent(msg))

	updated, err := c.store.AdvanceStatus(storage.MessageFilter{ID: msg.ID}, models.MessageStatusDelivered)
	if err != nil {
		// The message is durable; the receiver's delivered ack can still advance it.
		c.log.Error("failed to mark message delivered", "message_id", msg.ID, "error", err)
		return msg, nil
	}
	if len(updated) == 0 {
		return msg, nil
	}

	msg = updated[0]
	c.notifyStatus(msg.SenderID, msg)
	return msg, nil
}

// History returns the conversation between userA and userB, oldest first.
func (c *Coordinator) History(ctx context.Context, userA, userB string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: both participants are required", models.ErrValidation)
	}

	messages, err := c.store.ListConversation(userA, userB)
	if err != nil {
		return nil, wrapStoreErr("list conversation", err)
	}
	return messages, nil
}

// MarkDelivered handles the receiver's acknowledgement of a live message.
// Acks for messages already delivered or seen are ignored.
func (c *Coordinator) MarkDelivered(ctx context.Context, receiverID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if messageID == "" {
		return fmt.Errorf("%w: message id is required", models.ErrValidation)
	}

	msg, err := c.store.GetMessage(messageID)
	if err != nil {
		return wrapStoreErr("get message", err)
	}
	if msg.ReceiverID != receiverID {
		return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}

	unlock := c.locks.lock(storage.ConversationID(msg.SenderID, msg.ReceiverID))
	defer unlock()

	updated, err := c.store.AdvanceStatus(storage.MessageFilter{ID: messageID, ReceiverID: receiverID}, models.MessageStatusDelivered)
	if err != nil {
		return wrapStoreErr("mark delivered", err)
	}
	for _, m := range updated {
		c.notifyStatus(m.SenderID, m)
	}
	return nil
}

// MarkSeen marks every unseen message from partnerID to currentUserID as
// seen and tells the partner about each one. It returns how many changed.
func (c *Coordinator) MarkSeen(ctx context.Context, currentUserID, partnerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if currentUserID == "" || partnerID == "" {
		return 0, fmt.Errorf("%w: both participants are required", models.ErrValidation)
	}

	unlock := c.locks.lock(storage.ConversationID(partnerID, currentUserID))
	defer unlock()

	updated, err := c.store.AdvanceStatus(storage.MessageFilter{
		SenderID:   partnerID,
		ReceiverID: currentUserID,
	}, models.MessageStatusSeen)
	if err != nil {
		return 0, wrapStoreErr("mark seen", err)
	}

	if h, ok := c.presence.Lookup(partnerID); ok {
		for _, m := range updated {
			c.notifier.SendTo(h, models.StatusUpdatedEvent(m.ID, m.Status))
		}
	}
	return len(updated), nil
}

func (c *Coordinator) notifyOffline(ctx context.Context, msg models.Message) {
	ctx, cancel := context.WithTimeout(ctx, c.offlineTimeout)
	defer cancel()
	c.offline.NotifyOffline(ctx, msg)
}

func (c *Coordinator) notifyStatus(userID string, msg models.Message) {
	if h, ok := c.presence.Lookup(userID); ok {
		c.notifier.SendTo(h, models.StatusUpdatedEvent(msg.ID, msg.Status))
	}
}

// wrapStoreErr keeps domain errors as they are and marks everything else
// as a storage failure.
func wrapStoreErr(op string, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorage, err)
}
