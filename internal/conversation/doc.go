// Package conversation provides the chat turn lifecycle on top of the store.
//
// # Overview
//
// The conversation package sits between the HTTP handlers and the ChatStore.
// It owns the event broker, the context assembler, and the worker pool that
// runs generation after a turn has been acknowledged.
//
// # Service
//
//	svc := conversation.New(chats, broker, generator, workers, scheduler, logger)
//	chats.SetObserver(svc)
//
// Key operations:
//
//   - Ask(ctx, req): Persist the user message, acknowledge, generate in the background
//   - CreateChat, ListChats, GetMessages, UpdateTitle: Thin pass-throughs to the store
//   - Context(ctx, user, chat): Preview of what the next turn's generator would see
//   - Subscribe(ctx, user, chat): Live feed of new messages in one chat
//
// # Turn Lifecycle
//
// When a user message arrives:
//
//  1. The message is appended to the chat (errors return to the caller)
//  2. A fresh chat is titled from its first message
//  3. The caller gets an acknowledgment
//  4. A worker assembles context and calls the generator
//  5. The reply, or GenerationFailedMessage, is appended to the chat
//
// Step 5 always happens: generator errors, panics, and a full or closed pool
// all end the turn with the synthetic failure message.
//
// # Event Broker
//
// The store calls the service's MessageAppended hook inside the chat's
// exclusive section, and the service publishes to the broker topic
// Topic(user, chat). Subscribers therefore see messages in append order.
// There is no replay; the SSE handler subscribes first, sends stored
// history, and then skips subscription events it already sent.
//
// # Context Assembly
//
// Assemble produces three sections: the user's profile, the full transcript
// of every other chat in index order, and the current chat. Recall is not
// truncated.
package conversation
