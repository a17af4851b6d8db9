package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"whisp/internal/content"
	"whisp/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	previewLength  = 100
	defaultTimeout = 10 * time.Second
)

type SubscriptionStore interface {
	UpsertPushSubscription(sub models.PushSubscription) error
	GetPushSubscription(userID string) (models.PushSubscription, error)
	DeletePushSubscription(userID string) error
}

type Config struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	TTL        int
	Timeout    time.Duration
}

func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

type sendFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Pusher sends Web Push notifications to users without a live channel.
type Pusher struct {
	cfg   Config
	store SubscriptionStore
	log    *slog.Logger
	send   sendFunc
	client *http.Client
}

func NewPusher(cfg Config, store SubscriptionStore, log *slog.Logger) *Pusher {
	if cfg.TTL == 0 {
		cfg.TTL = 60 * 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Pusher{
		cfg:    cfg,
		store:  store,
		log:    log,
		send:   webpush.SendNotificationWithContext,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Payload is what the service worker receives.
type Payload struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Preview   string `json:"preview,omitempty"`
	HasImage  bool   `json:"hasImage,omitempty"`
}

func (p *Pusher) Enabled() bool {
	return p.cfg.Enabled()
}

func (p *Pusher) PublicKey() string {
	return p.cfg.PublicKey
}

func (p *Pusher) Subscribe(userID string, sub models.PushSubscription) error {
	if !p.cfg.Enabled() {
		return fmt.Errorf("%w: push notifications are disabled", models.ErrValidation)
	}
	if err := content.Validate(sub); err != nil {
		return err
	}
	sub.UserID = userID
	return p.store.UpsertPushSubscription(sub)
}

// NotifyOffline pushes msg to its receiver if they registered a subscription.
// Failures are logged and otherwise ignored.
func (p *Pusher) NotifyOffline(ctx context.Context, msg models.Message) {
	if !p.cfg.Enabled() {
		return
	}

	sub, err := p.store.GetPushSubscription(msg.ReceiverID)
	if errors.Is(err, models.ErrNotFound) {
		return
	}
	if err != nil {
		p.log.Warn("failed to load push subscription", "user_id", msg.ReceiverID, "error", err)
		return
	}

	payload, err := json.Marshal(Payload{
		Type:      string(models.ServerEventNewMessage),
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Preview:   preview(msg.Text),
		HasImage:  msg.Image != "",
	})
	if err != nil {
		p.log.Error("failed to marshal push payload", "error", err)
		return
	}

	resp, err := p.send(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      p.client,
		Subscriber:      p.cfg.Subject,
		VAPIDPublicKey:  p.cfg.PublicKey,
		VAPIDPrivateKey: p.cfg.PrivateKey,
		TTL:             p.cfg.TTL,
	})
	if err != nil {
		p.log.Warn("push failed", "user_id", msg.ReceiverID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		// Subscription expired on the browser side.
		if err := p.store.DeletePushSubscription(msg.ReceiverID); err != nil {
			p.log.Warn("failed to delete push subscription", "user_id", msg.ReceiverID, "error", err)
		}
	default:
		if resp.StatusCode >= 300 {
			p.log.Warn("push rejected", "user_id", msg.ReceiverID, "status", resp.StatusCode)
		}
	}
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	return string([]rune(text)[:previewLength]) + "…"
}
