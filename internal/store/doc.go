// Package store provides durable per-user, per-chat conversation storage.
//
// # Architecture
//
// ChatStore is the only writer of conversation state. It sits on top of a
// Backend, a small get/put/append/list abstraction over structured keys:
//
//   - Key{UserID, ""}: user-scoped records (the chat index and the profile)
//   - Key{UserID, ChatID}: chat-scoped records (the chat and its mirror log)
//
// Three backends are provided:
//
//   - FileBackend: one directory per user, JSON records, markdown mirrors
//   - SQLiteBackend: one keyed table using modernc.org/sqlite
//   - MemoryBackend: in-memory maps with failure injection, for tests
//
// # Data Models
//
//   - ChatSummary: index entry {id, user_id, title, created_at}
//   - Chat: the structured record with its ordered Messages
//   - Message: {id, chat_id, role, content, created_at}, immutable once appended
//   - Profile: free text per user
//
// # Consistency
//
// Every summary in the index has a chat record and every chat record has a
// summary. CreateChat writes the record first and removes it again if the
// index write fails; UpdateChatTitle restores the record's old title if the
// index write fails. Repair sweeps up records left by a crash between the
// two writes.
//
// # Concurrency
//
// Operations hold a per-key exclusive section (KeyedMutex). Appends to the
// same chat are serialized; different chats and users proceed in parallel.
// When a chat section and a user section are both needed, the chat section
// is taken first.
//
// # Error Handling
//
//   - ErrNotFound: the chat does not exist where existence is required
//   - ErrValidation: missing or malformed input, including unsafe ids
//   - *PersistenceError: a backend read or write failed
//
// Mirror log failures are logged and never returned.
//
// # Testing
//
// Use NewMemoryBackend() for unit tests; FailPuts and FailAppends inject
// backend errors for a record kind.
package store
