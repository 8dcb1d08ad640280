// ABOUTME: Builds the text context handed to the generator for one user turn
// ABOUTME: Profile first, then every other chat in index order, then the current chat

package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/recall-gateway/internal/store"
)

// Section headers of an assembled context, in output order.
const (
	SectionProfile = "USER PROFILE:"
	SectionOthers  = "OTHER CONVERSATIONS:"
	SectionCurrent = "CURRENT CONVERSATION:"
)

const emptySection = "(none)"

// AssemblerStore is the read-only view of the store the assembler needs.
type AssemblerStore interface {
	GetProfile(ctx context.Context, userID string) (string, error)
	ListChats(ctx context.Context, userID string) ([]store.ChatSummary, error)
	GetMessages(ctx context.Context, userID, chatID string) ([]store.Message, error)
}

// Assembler produces generation context from the store's current state.
// It has no side effects.
//
// The other-conversations section carries the complete transcript of every
// other chat the user owns, uncapped. It grows with the user's whole history.
type Assembler struct {
	store AssemblerStore
}

// NewAssembler creates an Assembler reading from s.
func NewAssembler(s AssemblerStore) *Assembler {
	return &Assembler{store: s}
}

// Assemble returns the context for a turn in chatID.
func (a *Assembler) Assemble(ctx context.Context, userID, chatID string) (string, error) {
	profile, err := a.store.GetProfile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("reading profile: %w", err)
	}

	chats, err := a.store.ListChats(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("listing chats: %w", err)
	}

	var b strings.Builder

	b.WriteString(SectionProfile)
	b.WriteString("\n")
	if strings.TrimSpace(profile) == "" {
		b.WriteString(emptySection)
	} else {
		b.WriteString(strings.TrimRight(profile, "\n"))
	}
	b.WriteString("\n\n")

	b.WriteString(SectionOthers)
	b.WriteString("\n")
	others := 0
	for _, summary := range chats {
		if summary.ID == chatID {
			continue
		}
		msgs, err := a.store.GetMessages(ctx, userID, summary.ID)
		if err != nil {
			return "", fmt.Errorf("reading chat %s: %w", summary.ID, err)
		}
		if others > 0 {
			b.WriteString("\n")
		}
		writeChatBlock(&b, summary.Title, msgs)
		others++
	}
	if others == 0 {
		b.WriteString(emptySection)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	current, err := a.store.GetMessages(ctx, userID, chatID)
	if err != nil {
		return "", fmt.Errorf("reading current chat: %w", err)
	}
	b.WriteString(SectionCurrent)
	b.WriteString("\n")
	writeTranscript(&b, current)

	return b.String(), nil
}

// ChatBlockHeader returns the delimiter that opens a chat's recall block.
func ChatBlockHeader(title string) string {
	return "=== Chat: " + title + " ==="
}

func writeChatBlock(b *strings.Builder, title string, msgs []store.Message) {
	b.WriteString(ChatBlockHeader(title))
	b.WriteString("\n")
	writeTranscript(b, msgs)
	b.WriteString("=== End: ")
	b.WriteString(title)
	b.WriteString(" ===\n")
}

func writeTranscript(b *strings.Builder, msgs []store.Message) {
	if len(msgs) == 0 {
		b.WriteString("(no messages)\n")
		return
	}
	for _, m := range msgs {
		b.WriteString(strings.ToUpper(string(m.Role)))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
}
