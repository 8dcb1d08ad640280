// ABOUTME: Service is the central layer for chat turns: persist, acknowledge, then generate
// ABOUTME: All messages flow through the store; publishing and replication follow from its observer hook

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/2389/recall-gateway/internal/generation"
	"github.com/2389/recall-gateway/internal/store"
)

// GenerationFailedMessage is persisted as the assistant reply when generation fails
const GenerationFailedMessage = "Error: Failed to generate response."

// autoTitleLength is how many characters of the first message become the chat title
const autoTitleLength = 30

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	AssemblerStore
	CreateChat(ctx context.Context, userID, title string) (*store.ChatSummary, error)
	GetChat(ctx context.Context, userID, chatID string) (*store.Chat, error)
	AppendMessage(ctx context.Context, userID, chatID string, role store.Role, content string) (*store.Message, error)
	UpdateChatTitle(ctx context.Context, userID, chatID, title string) error
	SaveProfile(ctx context.Context, userID, text string) error
	GetMirror(ctx context.Context, userID, chatID string) (string, error)
}

// Syncer receives a request to replicate after every successful mutation
type Syncer interface {
	RequestSync()
}

// Topic names the broker topic for one chat. Chat ids are only unique per
// user, so the user is part of the topic.
func Topic(userID, chatID string) string {
	return userID + "/" + chatID
}

// Service coordinates persisting turns, background generation, live
// publishing, and replication requests. It is also the store's Observer.
type Service struct {
	store     ConversationStore
	assembler *Assembler
	broker    *EventBroker
	generator generation.Generator
	workers   *WorkerPool
	syncer    Syncer
	logger    *slog.Logger
}

var _ store.Observer = (*Service)(nil)

// New creates a conversation service. The caller registers the returned
// service as the store's observer. A nil syncer disables replication requests.
func New(st ConversationStore, broker *EventBroker, generator generation.Generator, workers *WorkerPool, syncer Syncer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		assembler: NewAssembler(st),
		broker:    broker,
		generator: generator,
		workers:   workers,
		syncer:    syncer,
		logger:    logger.With("component", "conversation"),
	}
}

// MessageAppended publishes the persisted message to live observers of its chat.
func (s *Service) MessageAppended(userID string, msg *store.Message) {
	s.broker.Publish(Topic(userID, msg.ChatID), msg)
}

// StateChanged asks the replication scheduler for a sync.
func (s *Service) StateChanged() {
	if s.syncer != nil {
		s.syncer.RequestSync()
	}
}

// ListChats returns the user's chat index.
func (s *Service) ListChats(ctx context.Context, userID string) ([]store.ChatSummary, error) {
	return s.store.ListChats(ctx, userID)
}

// CreateChat creates an empty chat. A blank title becomes the default title.
func (s *Service) CreateChat(ctx context.Context, userID, title string) (*store.ChatSummary, error) {
	return s.store.CreateChat(ctx, userID, title)
}

// GetChat returns the full chat or store.ErrNotFound.
func (s *Service) GetChat(ctx context.Context, userID, chatID string) (*store.Chat, error) {
	return s.store.GetChat(ctx, userID, chatID)
}

// GetMessages returns the chat's messages; empty for an unknown chat.
func (s *Service) GetMessages(ctx context.Context, userID, chatID string) ([]store.Message, error) {
	return s.store.GetMessages(ctx, userID, chatID)
}

// UpdateTitle renames a chat. Unknown chats are ignored.
func (s *Service) UpdateTitle(ctx context.Context, userID, chatID, title string) error {
	return s.store.UpdateChatTitle(ctx, userID, chatID, title)
}

// GetProfile returns the user's profile text.
func (s *Service) GetProfile(ctx context.Context, userID string) (string, error) {
	return s.store.GetProfile(ctx, userID)
}

// SaveProfile replaces the user's profile text.
func (s *Service) SaveProfile(ctx context.Context, userID, text string) error {
	return s.store.SaveProfile(ctx, userID, text)
}

// Transcript returns the human-readable mirror log of a chat.
func (s *Service) Transcript(ctx context.Context, userID, chatID string) (string, error) {
	return s.store.GetMirror(ctx, userID, chatID)
}

// Context returns the assembled context the next turn in chatID would see.
func (s *Service) Context(ctx context.Context, userID, chatID string) (string, error) {
	if _, err := s.store.GetChat(ctx, userID, chatID); err != nil {
		return "", err
	}
	return s.assembler.Assemble(ctx, userID, chatID)
}

// Subscribe registers a live observer of one chat's new messages.
func (s *Service) Subscribe(ctx context.Context, userID, chatID string) *Subscription {
	return s.broker.Subscribe(ctx, Topic(userID, chatID))
}

// AskRequest is one user turn.
type AskRequest struct {
	UserID  string
	ChatID  string
	Content string
}

// AskAck acknowledges a persisted user turn. The assistant reply follows
// asynchronously through the chat's subscribers.
type AskAck struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// AckStatusAccepted is the status of every successful AskAck
const AckStatusAccepted = "accepted"

// Ask persists the user's message and returns once it is durable. Generation
// of the reply runs on the worker pool; its outcome, success or failure, is
// always appended to the chat and published.
//
// Errors returned here happen before acknowledgment. Errors afterwards are
// folded into the chat as GenerationFailedMessage and logged.
func (s *Service) Ask(ctx context.Context, req *AskRequest) (*AskAck, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", store.ErrValidation)
	}

	// 1. Record the user message first
	msg, err := s.store.AppendMessage(ctx, req.UserID, req.ChatID, store.RoleUser, req.Content)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("user message recorded",
		"user_id", req.UserID,
		"chat_id", req.ChatID,
		"message_id", msg.ID)

	// 2. Title a fresh chat after its first message
	s.autoTitle(ctx, req, msg.ID)

	// 3. Hand generation to the worker pool
	s.startReply(req.UserID, req.ChatID, req.Content)

	return &AskAck{
		ChatID:    req.ChatID,
		MessageID: msg.ID,
		Status:    AckStatusAccepted,
	}, nil
}

// autoTitle renames the chat when messageID is its first message. Messages
// keep append order and are never removed, so concurrent turns agree on
// which one came first.
func (s *Service) autoTitle(ctx context.Context, req *AskRequest, messageID string) {
	msgs, err := s.store.GetMessages(ctx, req.UserID, req.ChatID)
	if err != nil {
		s.logger.Warn("failed to read messages for auto title", "chat_id", req.ChatID, "error", err)
		return
	}
	if len(msgs) == 0 || msgs[0].ID != messageID {
		return
	}
	if err := s.store.UpdateChatTitle(ctx, req.UserID, req.ChatID, AutoTitle(req.Content)); err != nil {
		s.logger.Warn("failed to auto title chat", "chat_id", req.ChatID, "error", err)
	}
}

// AutoTitle derives a chat title from its first message: the first 30
// characters followed by "..." when the message is longer.
func AutoTitle(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= autoTitleLength {
		return content
	}
	return string([]rune(content)[:autoTitleLength]) + "..."
}

func (s *Service) startReply(userID, chatID, content string) {
	task := Task{
		Name: "reply:" + Topic(userID, chatID),
		Run: func(ctx context.Context) {
			s.reply(ctx, userID, chatID, content)
		},
		Abandon: func(recovered any) {
			s.recordFailure(userID, chatID, fmt.Errorf("reply task panicked: %v", recovered))
		},
	}

	if err := s.workers.Submit(task); err != nil {
		s.recordFailure(userID, chatID, fmt.Errorf("scheduling reply: %w", err))
	}
}

// reply assembles context, generates, and persists the assistant message.
func (s *Service) reply(ctx context.Context, userID, chatID, content string) {
	contextText, err := s.assembler.Assemble(ctx, userID, chatID)
	if err != nil {
		s.recordFailure(userID, chatID, fmt.Errorf("assembling context: %w", err))
		return
	}

	text, err := s.generator.Generate(ctx, contextText, content)
	if err == nil && strings.TrimSpace(text) == "" {
		err = &generation.Error{Provider: "unknown", Err: generation.ErrEmptyResponse}
	}
	if err != nil {
		s.recordFailure(userID, chatID, err)
		return
	}

	if _, err := s.store.AppendMessage(context.WithoutCancel(ctx), userID, chatID, store.RoleAssistant, text); err != nil {
		s.logger.Error("failed to record assistant reply",
			"user_id", userID,
			"chat_id", chatID,
			"error", err)
		return
	}

	s.logger.Debug("assistant reply recorded", "user_id", userID, "chat_id", chatID)
}

// recordFailure persists the synthetic error reply so the turn always ends
// with an assistant message.
func (s *Service) recordFailure(userID, chatID string, cause error) {
	var genErr *generation.Error
	if errors.As(cause, &genErr) {
		s.logger.Error("generation failed", "user_id", userID, "chat_id", chatID, "provider", genErr.Provider, "error", cause)
	} else {
		s.logger.Error("reply failed", "user_id", userID, "chat_id", chatID, "error", cause)
	}

	if _, err := s.store.AppendMessage(context.Background(), userID, chatID, store.RoleAssistant, GenerationFailedMessage); err != nil {
		s.logger.Error("failed to record generation failure",
			"user_id", userID,
			"chat_id", chatID,
			"error", err)
	}
}
