// ABOUTME: ChatStore owns all persisted conversation state on top of a Backend
// ABOUTME: Serializes mutations per (user, chat) key and keeps index and records consistent

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Observer is notified about store mutations. MessageAppended runs inside
// the chat's exclusive section so observers see messages in append order;
// implementations must not block and must not call back into the store.
type Observer interface {
	MessageAppended(userID string, msg *Message)
	StateChanged()
}

// ChatStore is the only writer of conversation state. Every operation that
// touches a chat holds that chat's section, and every operation that touches
// the user's index or profile holds the user's section. When both are
// needed the chat section is always taken first.
//
// Mutations are not cancellable once started: the caller's context supplies
// values only, so a dropped request cannot stop a write between the record
// and the index.
type ChatStore struct {
	backend  Backend
	locks    KeyedMutex
	observer Observer
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewChatStore creates a store over the given backend. Pass nil logger for default.
func NewChatStore(backend Backend, logger *slog.Logger) *ChatStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatStore{
		backend: backend,
		logger:  logger.With("component", "chatstore"),
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Millisecond)
		},
		newID: func() string { return uuid.New().String() },
	}
}

// SetObserver registers the mutation observer. Call before serving traffic.
func (s *ChatStore) SetObserver(o Observer) {
	s.observer = o
}

// ListChats returns the user's chat index in creation order.
// An unknown user has an empty index.
func (s *ChatStore) ListChats(ctx context.Context, userID string) ([]ChatSummary, error) {
	if err := ValidateID("user_id", userID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(UserKey(userID))
	defer unlock()

	index, err := s.readIndex(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ChatSummary, len(index))
	copy(out, index)
	return out, nil
}

// CreateChat creates the chat record and its index entry as one logical step.
// The record is written first; if the index write fails the record is
// removed again so neither side is left without the other.
func (s *ChatStore) CreateChat(ctx context.Context, userID, title string) (*ChatSummary, error) {
	if err := ValidateID("user_id", userID); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultChatTitle
	}
	ctx = context.WithoutCancel(ctx)

	chat := &Chat{
		ID:        s.newID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: s.now(),
		Messages:  []Message{},
	}
	key := ChatKey(userID, chat.ID)

	unlockChat := s.locks.Lock(key)
	defer unlockChat()

	if err := s.writeChat(ctx, chat); err != nil {
		return nil, err
	}

	unlockUser := s.locks.Lock(UserKey(userID))
	index, err := s.readIndex(ctx, userID)
	if err == nil {
		index = append(index, chat.Summary())
		err = s.writeIndex(ctx, userID, index)
	}
	unlockUser()

	if err != nil {
		if derr := s.backend.Delete(ctx, key, KindChat); derr != nil {
			s.logger.Error("failed to remove chat record after index write failure",
				"user_id", userID,
				"chat_id", chat.ID,
				"error", derr)
		}
		return nil, err
	}

	s.writeMirror(ctx, key, FormatMirrorHeader(chat))
	s.logger.Debug("created chat", "user_id", userID, "chat_id", chat.ID)
	s.stateChanged()

	summary := chat.Summary()
	return &summary, nil
}

// GetChat returns the full chat record or ErrNotFound.
func (s *ChatStore) GetChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	if err := validateChatKey(userID, chatID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(ChatKey(userID, chatID))
	defer unlock()

	return s.readChat(ctx, userID, chatID)
}

// GetMessages returns the chat's messages in append order. An unknown chat
// yields an empty slice, not an error.
func (s *ChatStore) GetMessages(ctx context.Context, userID, chatID string) ([]Message, error) {
	chat, err := s.GetChat(ctx, userID, chatID)
	if errors.Is(err, ErrNotFound) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return chat.Messages, nil
}

// AppendMessage appends a message to an existing chat. It never creates a
// chat: appending to an unknown chat fails with ErrNotFound and changes nothing.
// The mirror log line is written on a best-effort basis.
func (s *ChatStore) AppendMessage(ctx context.Context, userID, chatID string, role Role, content string) (*Message, error) {
	if err := validateChatKey(userID, chatID); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	ctx = context.WithoutCancel(ctx)

	key := ChatKey(userID, chatID)
	unlock := s.locks.Lock(key)
	defer unlock()

	chat, err := s.readChat(ctx, userID, chatID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("appending to chat %s: %w", chatID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	msg := Message{
		ID:        s.newID(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: s.nextTimestamp(chat),
	}
	chat.Messages = append(chat.Messages, msg)

	if err := s.writeChat(ctx, chat); err != nil {
		return nil, err
	}

	s.writeMirror(ctx, key, FormatMirrorLine(&msg))

	if s.observer != nil {
		published := msg
		s.observer.MessageAppended(userID, &published)
	}
	s.stateChanged()

	return &msg, nil
}

// UpdateChatTitle renames a chat in both the record and the index.
// Renaming an unknown chat is a no-op.
func (s *ChatStore) UpdateChatTitle(ctx context.Context, userID, chatID, title string) error {
	if err := validateChatKey(userID, chatID); err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	ctx = context.WithoutCancel(ctx)

	unlockChat := s.locks.Lock(ChatKey(userID, chatID))
	defer unlockChat()

	chat, err := s.readChat(ctx, userID, chatID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	previous := chat.Title
	chat.Title = title
	if err := s.writeChat(ctx, chat); err != nil {
		return err
	}

	unlockUser := s.locks.Lock(UserKey(userID))
	index, err := s.readIndex(ctx, userID)
	if err == nil {
		for i := range index {
			if index[i].ID == chatID {
				index[i].Title = title
			}
		}
		err = s.writeIndex(ctx, userID, index)
	}
	unlockUser()

	if err != nil {
		chat.Title = previous
		if rerr := s.writeChat(ctx, chat); rerr != nil {
			s.logger.Error("failed to restore chat title after index write failure",
				"user_id", userID,
				"chat_id", chatID,
				"error", rerr)
		}
		return err
	}

	s.stateChanged()
	return nil
}

// SaveProfile replaces the user's profile text.
func (s *ChatStore) SaveProfile(ctx context.Context, userID, text string) error {
	if err := ValidateID("user_id", userID); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	key := UserKey(userID)
	unlock := s.locks.Lock(key)
	defer unlock()

	if err := s.backend.Put(ctx, key, KindProfile, []byte(text)); err != nil {
		return &PersistenceError{Op: "put profile", Key: key, Err: err}
	}
	s.stateChanged()
	return nil
}

// GetProfile returns the user's profile, or "" when none has been saved.
func (s *ChatStore) GetProfile(ctx context.Context, userID string) (string, error) {
	if err := ValidateID("user_id", userID); err != nil {
		return "", err
	}

	key := UserKey(userID)
	unlock := s.locks.Lock(key)
	defer unlock()

	data, err := s.backend.Get(ctx, key, KindProfile)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", &PersistenceError{Op: "get profile", Key: key, Err: err}
	}
	return string(data), nil
}

// GetMirror returns the human-readable log for a chat.
func (s *ChatStore) GetMirror(ctx context.Context, userID, chatID string) (string, error) {
	if err := validateChatKey(userID, chatID); err != nil {
		return "", err
	}

	key := ChatKey(userID, chatID)
	unlock := s.locks.Lock(key)
	defer unlock()

	data, err := s.backend.Get(ctx, key, KindMirror)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &PersistenceError{Op: "get mirror", Key: key, Err: err}
	}
	return string(data), nil
}

// Repair removes chat records that have no index entry, which can only be
// left behind by a crash between the two writes in CreateChat. It returns
// the number of records removed.
func (s *ChatStore) Repair(ctx context.Context) (int, error) {
	users, err := s.backend.ListUsers(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "list users", Err: err}
	}

	removed := 0
	for _, userID := range users {
		chatIDs, err := s.backend.ListChats(ctx, userID)
		if err != nil {
			return removed, &PersistenceError{Op: "list chats", Key: UserKey(userID), Err: err}
		}
		for _, chatID := range chatIDs {
			orphan, err := s.removeIfOrphan(ctx, userID, chatID)
			if err != nil {
				return removed, err
			}
			if orphan {
				removed++
			}
		}
	}

	if removed > 0 {
		s.logger.Warn("removed orphaned chat records", "count", removed)
	}
	return removed, nil
}

func (s *ChatStore) removeIfOrphan(ctx context.Context, userID, chatID string) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	key := ChatKey(userID, chatID)
	unlockChat := s.locks.Lock(key)
	defer unlockChat()

	unlockUser := s.locks.Lock(UserKey(userID))
	index, err := s.readIndex(ctx, userID)
	unlockUser()
	if err != nil {
		return false, err
	}

	for _, entry := range index {
		if entry.ID == chatID {
			return false, nil
		}
	}

	if err := s.backend.Delete(ctx, key, KindChat); err != nil {
		return false, &PersistenceError{Op: "delete chat", Key: key, Err: err}
	}
	if err := s.backend.Delete(ctx, key, KindMirror); err != nil {
		s.logger.Warn("failed to remove orphaned mirror log", "key", key.String(), "error", err)
	}
	return true, nil
}

// nextTimestamp returns the current time, clamped so it never sorts before
// the chat's last message.
func (s *ChatStore) nextTimestamp(chat *Chat) time.Time {
	now := s.now()
	if n := len(chat.Messages); n > 0 && now.Before(chat.Messages[n-1].CreatedAt) {
		return chat.Messages[n-1].CreatedAt
	}
	return now
}

func (s *ChatStore) stateChanged() {
	if s.observer != nil {
		s.observer.StateChanged()
	}
}

func (s *ChatStore) writeMirror(ctx context.Context, key Key, text string) {
	if err := s.backend.Append(ctx, key, KindMirror, []byte(text)); err != nil {
		s.logger.Warn("mirror log write failed",
			"user_id", key.UserID,
			"chat_id", key.ChatID,
			"error", err)
	}
}

func (s *ChatStore) readIndex(ctx context.Context, userID string) ([]ChatSummary, error) {
	key := UserKey(userID)
	data, err := s.backend.Get(ctx, key, KindIndex)
	if errors.Is(err, ErrNotFound) {
		return []ChatSummary{}, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get index", Key: key, Err: err}
	}

	var index []ChatSummary
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, &PersistenceError{Op: "decode index", Key: key, Err: err}
	}
	if index == nil {
		index = []ChatSummary{}
	}
	return index, nil
}

func (s *ChatStore) writeIndex(ctx context.Context, userID string, index []ChatSummary) error {
	key := UserKey(userID)
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode index", Key: key, Err: err}
	}
	if err := s.backend.Put(ctx, key, KindIndex, data); err != nil {
		return &PersistenceError{Op: "put index", Key: key, Err: err}
	}
	return nil
}

func (s *ChatStore) readChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	key := ChatKey(userID, chatID)
	data, err := s.backend.Get(ctx, key, KindChat)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get chat", Key: key, Err: err}
	}

	var chat Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, &PersistenceError{Op: "decode chat", Key: key, Err: err}
	}
	if chat.Messages == nil {
		chat.Messages = []Message{}
	}
	return &chat, nil
}

func (s *ChatStore) writeChat(ctx context.Context, chat *Chat) error {
	key := ChatKey(chat.UserID, chat.ID)
	data, err := json.MarshalIndent(chat, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode chat", Key: key, Err: err}
	}
	if err := s.backend.Put(ctx, key, KindChat, data); err != nil {
		return &PersistenceError{Op: "put chat", Key: key, Err: err}
	}
	return nil
}

func validateChatKey(userID, chatID string) error {
	if err := ValidateID("user_id", userID); err != nil {
		return err
	}
	return ValidateID("chat_id", chatID)
}
