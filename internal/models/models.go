package models

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation failed")
	ErrAuth        = errors.New("unauthorized")
	ErrStorage     = errors.New("storage unavailable")
	ErrConflict    = errors.New("already exists")
	ErrChannelGone = errors.New("channel gone")
)

// User represents a user in the system.
type User struct {
	ID         string `json:"_id"`
	Email      string `json:"email"`
	FullName   string `json:"fullName"`
	ProfilePic string `json:"profilePic"`
	CreatedAt  int64  `json:"createdAt"` // Unix timestamp (milliseconds)
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusSeen      MessageStatus = "seen"
)

// Rank orders statuses so that transitions can only move forward.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusSeen:
		return 3
	}
	return 0
}

func (s MessageStatus) Valid() bool {
	return s.Rank() > 0
}

// Message represents a direct message between two users.
type Message struct {
	ID         string        `json:"_id"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Text       string        `json:"text,omitempty"`
	Image      string        `json:"image,omitempty"`
	Status     MessageStatus `json:"status"`
	CreatedAt  int64         `json:"createdAt"` // Unix timestamp (nanoseconds)
}

// ClientEvent is sent from the client to the server over the channel.
type ClientEvent struct {
	Type      ClientEventType `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	PartnerID string          `json:"partnerId,omitempty"`
}

// ServerEvent is pushed to a connected client.
type ServerEvent struct {
	Type      ServerEventType `json:"type"`
	Message   *Message        `json:"message,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Status    MessageStatus   `json:"status,omitempty"`
	UserIDs   []string        `json:"userIds,omitempty"`
}

type ClientEventType string

const (
	ClientEventDelivered ClientEventType = "delivered"
	ClientEventSeen      ClientEventType = "seen"
)

type ServerEventType string

const (
	ServerEventNewMessage       ServerEventType = "newMessage"
	ServerEventStatusUpdated    ServerEventType = "statusUpdated"
	ServerEventPresenceSnapshot ServerEventType = "presenceSnapshot"
)

func NewMessageEvent(msg Message) ServerEvent {
	return ServerEvent{Type: ServerEventNewMessage, Message: &msg}
}

func StatusUpdatedEvent(messageID string, status MessageStatus) ServerEvent {
	return ServerEvent{Type: ServerEventStatusUpdated, MessageID: messageID, Status: status}
}

func PresenceSnapshotEvent(userIDs []string) ServerEvent {
	if userIDs == nil {
		userIDs = []string{}
	}
	return ServerEvent{Type: ServerEventPresenceSnapshot, UserIDs: userIDs}
}

// APIResponse is a generic response for endpoints without a payload.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// PushSubscription is a browser Web Push endpoint registered by a user.
type PushSubscription struct {
	UserID   string `json:"-"`
	Endpoint string `json:"endpoint" validate:"required,url"`
	Auth     string `json:"auth" validate:"required"`
	P256dh   string `json:"p256dh" validate:"required"`
}
