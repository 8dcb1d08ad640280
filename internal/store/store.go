// ABOUTME: Backend interface and data types for recall-gateway persistence
// ABOUTME: Defines ChatSummary, Chat, Message records and the error taxonomy

package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrNotFound is returned when a requested chat or record does not exist
var ErrNotFound = errors.New("not found")

// ErrValidation is returned when required input is missing or malformed
var ErrValidation = errors.New("validation failed")

// PersistenceError reports a failed read or write of an underlying record.
type PersistenceError struct {
	Op  string
	Key Key
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Role identifies the author of a message
type Role string

// Role constants
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DefaultChatTitle is used when a chat is created without a title
const DefaultChatTitle = "New Chat"

// ChatSummary is the index entry for a chat
type ChatSummary struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Chat is the structured record for a single conversation
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// Summary projects the chat onto its index entry.
func (c *Chat) Summary() ChatSummary {
	return ChatSummary{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
	}
}

// Message is a single immutable turn within a chat
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Kind names the type of record stored under a Key
type Kind string

// Record kinds
const (
	KindIndex   Kind = "index"   // user scoped: ordered []ChatSummary
	KindProfile Kind = "profile" // user scoped: free text
	KindChat    Kind = "chat"    // chat scoped: Chat with nested messages
	KindMirror  Kind = "mirror"  // chat scoped: append-only markdown log
)

// Key addresses a record. User-scoped records leave ChatID empty.
type Key struct {
	UserID string
	ChatID string
}

func (k Key) String() string {
	if k.ChatID == "" {
		return k.UserID
	}
	return k.UserID + "/" + k.ChatID
}

// UserKey returns the key for user-scoped records.
func UserKey(userID string) Key {
	return Key{UserID: userID}
}

// ChatKey returns the key for chat-scoped records.
func ChatKey(userID, chatID string) Key {
	return Key{UserID: userID, ChatID: chatID}
}

// Backend is the storage abstraction underneath ChatStore. Implementations
// must make Put atomic per record: readers see either the old or the new
// value, never a partial write.
type Backend interface {
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, key Key, kind Kind) ([]byte, error)
	// Put replaces the record wholesale.
	Put(ctx context.Context, key Key, kind Kind, data []byte) error
	// Append adds data to the end of the record, creating it if needed.
	Append(ctx context.Context, key Key, kind Kind, data []byte) error
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, key Key, kind Kind) error
	// ListUsers returns every user that owns at least one record.
	ListUsers(ctx context.Context) ([]string, error)
	// ListChats returns the ids of every chat record owned by the user.
	ListChats(ctx context.Context, userID string) ([]string, error)
	Close() error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,127}$`)

// ValidateID checks that an identifier is safe to use as a storage key.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q contains invalid characters", ErrValidation, field, id)
	}
	return nil
}
