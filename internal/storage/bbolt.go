package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"whisp/internal/auth"
	"whisp/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketUsersByEmail  = []byte("users_by_email")
	bucketMessages      = []byte("messages")
	bucketConversations = []byte("conversations")
	bucketImages        = []byte("images")
	bucketPush          = []byte("push_subscriptions")
)

// MessageFilter selects messages. Empty fields match everything.
type MessageFilter struct {
	ID         string
	SenderID   string
	ReceiverID string
	// StatusBelow matches messages whose status ranks lower than the given one.
	StatusBelow models.MessageStatus
}

func (f MessageFilter) match(m *DBMessage) bool {
	if f.ID != "" && m.ID != f.ID {
		return false
	}
	if f.SenderID != "" && m.SenderID != f.SenderID {
		return false
	}
	if f.ReceiverID != "" && m.ReceiverID != f.ReceiverID {
		return false
	}
	if f.StatusBelow != "" && models.MessageStatus(m.Status).Rank() >= f.StatusBelow.Rank() {
		return false
	}
	return true
}

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketUsersByEmail,
			bucketMessages,
			bucketConversations,
			bucketImages,
			bucketPush,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// ConversationID returns the same key for (a, b) and (b, a).
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return fmt.Sprintf("dm_%s_%s", ids[0], ids[1])
}

// CreateUser stores new credentials. The email must be unused.
func (s *BboltStorage) CreateUser(credentials auth.UserCredentials) (auth.UserCredentials, error) {
	if credentials.ID == "" {
		credentials.ID = uuid.NewString()
	}
	if credentials.CreatedAt == 0 {
		credentials.CreatedAt = s.now().UnixMilli()
	}
	email := normalizeEmail(credentials.Email)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		byEmail := tx.Bucket(bucketUsersByEmail)
		if byEmail.Get([]byte(email)) != nil {
			return fmt.Errorf("user with email %s: %w", email, models.ErrConflict)
		}
		if err := byEmail.Put([]byte(email), []byte(credentials.ID)); err != nil {
			return err
		}
		return putUser(tx, credentials)
	})
	if err != nil {
		return auth.UserCredentials{}, err
	}
	return credentials, nil
}

// UpdateUser overwrites profile fields of an existing user.
func (s *BboltStorage) UpdateUser(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(credentials.ID)) == nil {
			return fmt.Errorf("user %s: %w", credentials.ID, models.ErrNotFound)
		}
		return putUser(tx, credentials)
	})
}

func (s *BboltStorage) GetUser(id string) (auth.UserCredentials, error) {
	var credentials auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		credentials, err = getUser(tx, id)
		return err
	})
	return credentials, err
}

func (s *BboltStorage) GetUserByEmail(email string) (auth.UserCredentials, error) {
	var credentials auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsersByEmail).Get([]byte(normalizeEmail(email)))
		if id == nil {
			return fmt.Errorf("user with email %s: %w", email, models.ErrNotFound)
		}
		var err error
		credentials, err = getUser(tx, string(id))
		return err
	})
	return credentials, err
}

// ListUsers returns all users ordered by full name.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, toUserCredentials(dbUser).User)
			return nil
		})
	})
	sort.Slice(users, func(i, j int) bool {
		return users[i].FullName < users[j].FullName
	})
	return users, err
}

func putUser(tx *bbolt.Tx, credentials auth.UserCredentials) error {
	dbUser := &DBUser{
		ID:           credentials.ID,
		Email:        normalizeEmail(credentials.Email),
		FullName:     credentials.FullName,
		ProfilePic:   credentials.ProfilePic,
		PasswordHash: credentials.PasswordHash,
		CreatedAt:    credentials.CreatedAt,
	}
	data, err := dbUser.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
}

func getUser(tx *bbolt.Tx, id string) (auth.UserCredentials, error) {
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return auth.UserCredentials{}, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return auth.UserCredentials{}, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return toUserCredentials(dbUser), nil
}

func toUserCredentials(u DBUser) auth.UserCredentials {
	return auth.UserCredentials{
		User: models.User{
			ID:         u.ID,
			Email:      u.Email,
			FullName:   u.FullName,
			ProfilePic: u.ProfilePic,
			CreatedAt:  u.CreatedAt,
		},
		PasswordHash: u.PasswordHash,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// InsertMessage saves a new message and indexes it under its conversation.
// ID and CreatedAt are assigned when empty.
func (s *BboltStorage) InsertMessage(message models.Message) (models.Message, error) {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = s.now().UnixNano()
	}
	if message.Status == "" {
		message.Status = models.MessageStatusSent
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		if msgBucket.Get([]byte(message.ID)) != nil {
			return fmt.Errorf("message %s: %w", message.ID, models.ErrConflict)
		}

		dbMessage := fromMessage(message)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := msgBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		convBucket, err := tx.Bucket(bucketConversations).CreateBucketIfNotExists(
			[]byte(ConversationID(message.SenderID, message.ReceiverID)))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}
		return convBucket.Put(dbMessage.IndexKey(), dbMessage.Key())
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var message models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMessage, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		message = toMessage(dbMessage)
		return nil
	})
	return message, err
}

// ListConversation returns messages exchanged between a and b in creation order.
func (s *BboltStorage) ListConversation(a, b string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachMessage(tx, MessageFilter{}, a, b, func(m *DBMessage) error {
			messages = append(messages, toMessage(*m))
			return nil
		})
	})
	return messages, err
}

// FindMessages returns messages matching filter in creation order.
func (s *BboltStorage) FindMessages(filter MessageFilter) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scan(tx, filter, func(m *DBMessage) error {
			messages = append(messages, toMessage(*m))
			return nil
		})
	})
	return messages, err
}

// AdvanceStatus moves every message matching filter to status, skipping
// messages already at or past it. Selection and update share one write
// transaction; the returned slice holds exactly the messages changed.
func (s *BboltStorage) AdvanceStatus(filter MessageFilter, status models.MessageStatus) ([]models.Message, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("status %q: %w", status, models.ErrValidation)
	}
	filter.StatusBelow = status

	updated := []models.Message{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var changed []DBMessage
		if err := scan(tx, filter, func(m *DBMessage) error {
			changed = append(changed, *m)
			return nil
		}); err != nil {
			return err
		}

		msgBucket := tx.Bucket(bucketMessages)
		for _, m := range changed {
			m.Status = string(status)
			data, err := m.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := msgBucket.Put(m.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
			updated = append(updated, toMessage(m))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// scan picks the cheapest access path for filter.
func scan(tx *bbolt.Tx, filter MessageFilter, fn func(m *DBMessage) error) error {
	switch {
	case filter.ID != "":
		m, err := getMessage(tx, filter.ID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if filter.match(&m) {
			return fn(&m)
		}
		return nil
	case filter.SenderID != "" && filter.ReceiverID != "":
		return forEachMessage(tx, filter, filter.SenderID, filter.ReceiverID, fn)
	default:
		var all []DBMessage
		err := tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m DBMessage
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			if filter.match(&m) {
				all = append(all, m)
			}
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(all, func(i, j int) bool {
			return all[i].CreatedAt < all[j].CreatedAt
		})
		for i := range all {
			if err := fn(&all[i]); err != nil {
				return err
			}
		}
		return nil
	}
}

func forEachMessage(tx *bbolt.Tx, filter MessageFilter, a, b string, fn func(m *DBMessage) error) error {
	convBucket := tx.Bucket(bucketConversations).Bucket([]byte(ConversationID(a, b)))
	if convBucket == nil {
		return nil // No messages in this conversation
	}

	c := convBucket.Cursor()
	for k, id := c.First(); k != nil; k, id = c.Next() {
		m, err := getMessage(tx, string(id))
		if err != nil {
			return err
		}
		if !filter.match(&m) {
			continue
		}
		if err := fn(&m); err != nil {
			return err
		}
	}
	return nil
}

func getMessage(tx *bbolt.Tx, id string) (DBMessage, error) {
	var m DBMessage
	data := tx.Bucket(bucketMessages).Get([]byte(id))
	if data == nil {
		return m, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	if err := m.UnmarshalBinary(data); err != nil {
		return m, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return m, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}

func fromMessage(m models.Message) DBMessage {
	return DBMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		ImageURL:   m.Image,
		Status:     string(m.Status),
		CreatedAt:  m.CreatedAt,
	}
}

func toMessage(m DBMessage) models.Message {
	return models.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		Image:      m.ImageURL,
		Status:     models.MessageStatus(m.Status),
		CreatedAt:  m.CreatedAt,
	}
}

// UpsertPushSubscription keeps one subscription per user.
func (s *BboltStorage) UpsertPushSubscription(sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbSub := &DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			Auth:     sub.Auth,
			P256dh:   sub.P256dh,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPush).Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) GetPushSubscription(userID string) (models.PushSubscription, error) {
	var sub models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPush).Get([]byte(userID))
		if data == nil {
			return fmt.Errorf("push subscription for %s: %w", userID, models.ErrNotFound)
		}
		var dbSub DBPushSubscription
		if err := dbSub.UnmarshalBinary(data); err != nil {
			return err
		}
		sub = models.PushSubscription{
			UserID:   dbSub.UserID,
			Endpoint: dbSub.Endpoint,
			Auth:     dbSub.Auth,
			P256dh:   dbSub.P256dh,
		}
		return nil
	})
	return sub, err
}

func (s *BboltStorage) DeletePushSubscription(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPush).Delete([]byte(userID))
	})
}
