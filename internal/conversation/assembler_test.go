// ABOUTME: Tests for context assembly over a real ChatStore
// ABOUTME: Verifies section order, exclusion of the current chat, and determinism

package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/recall-gateway/internal/store"
)

func newMemoryChatStore(t *testing.T) *store.ChatStore {
	t.Helper()
	backend := store.NewMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })
	return store.NewChatStore(backend, nil)
}

func mustCreate(t *testing.T, cs *store.ChatStore, userID, title string) string {
	t.Helper()
	summary, err := cs.CreateChat(t.Context(), userID, title)
	require.NoError(t, err)
	return summary.ID
}

func mustAppend(t *testing.T, cs *store.ChatStore, userID, chatID string, role store.Role, content string) {
	t.Helper()
	_, err := cs.AppendMessage(t.Context(), userID, chatID, role, content)
	require.NoError(t, err)
}

func othersSection(t *testing.T, out string) string {
	t.Helper()
	start := strings.Index(out, SectionOthers)
	end := strings.Index(out, SectionCurrent)
	require.NotEqual(t, -1, start)
	require.NotEqual(t, -1, end)
	return out[start:end]
}

func TestAssemble_SectionsInOrder(t *testing.T) {
	cs := newMemoryChatStore(t)
	ctx := t.Context()

	require.NoError(t, cs.SaveProfile(ctx, "alice", "Alice likes hiking."))
	trip := mustCreate(t, cs, "alice", "Trip")
	mustAppend(t, cs, "alice", trip, store.RoleUser, "Where should I go?")
	mustAppend(t, cs, "alice", trip, store.RoleAssistant, "Try the Alps.")
	current := mustCreate(t, cs, "alice", "Food")
	mustAppend(t, cs, "alice", current, store.RoleUser, "Any snack ideas?")

	out, err := NewAssembler(cs).Assemble(ctx, "alice", current)
	require.NoError(t, err)

	want := "USER PROFILE:\nAlice likes hiking.\n\n" +
		"OTHER CONVERSATIONS:\n" +
		"=== Chat: Trip ===\n" +
		"USER: Where should I go?\n" +
		"ASSISTANT: Try the Alps.\n" +
		"=== End: Trip ===\n\n" +
		"CURRENT CONVERSATION:\n" +
		"USER: Any snack ideas?\n"
	assert.Equal(t, want, out)
}

func TestAssemble_NeverIncludesCurrentChatInOthers(t *testing.T) {
	cs := newMemoryChatStore(t)
	titles := []string{"Alpha", "Beta", "Gamma", "Delta"}
	ids := make([]string, len(titles))
	for i, title := range titles {
		ids[i] = mustCreate(t, cs, "alice", title)
		mustAppend(t, cs, "alice", ids[i], store.RoleUser, "message in "+title)
	}

	a := NewAssembler(cs)
	for i, id := range ids {
		out, err := a.Assemble(t.Context(), "alice", id)
		require.NoError(t, err)

		others := othersSection(t, out)
		assert.NotContains(t, others, ChatBlockHeader(titles[i]))
		for j, title := range titles {
			if j != i {
				assert.Contains(t, others, ChatBlockHeader(title))
			}
		}
	}
}

func TestAssemble_OthersFollowIndexOrder(t *testing.T) {
	cs := newMemoryChatStore(t)
	first := mustCreate(t, cs, "alice", "First")
	second := mustCreate(t, cs, "alice", "Second")
	current := mustCreate(t, cs, "alice", "Current")
	mustAppend(t, cs, "alice", second, store.RoleUser, "two")
	mustAppend(t, cs, "alice", first, store.RoleUser, "one")

	out, err := NewAssembler(cs).Assemble(t.Context(), "alice", current)
	require.NoError(t, err)

	assert.Less(t, strings.Index(out, ChatBlockHeader("First")), strings.Index(out, ChatBlockHeader("Second")))
}

func TestAssemble_EmptySections(t *testing.T) {
	cs := newMemoryChatStore(t)
	only := mustCreate(t, cs, "alice", "Only")

	out, err := NewAssembler(cs).Assemble(t.Context(), "alice", only)
	require.NoError(t, err)

	assert.Equal(t,
		"USER PROFILE:\n(none)\n\nOTHER CONVERSATIONS:\n(none)\n\nCURRENT CONVERSATION:\n(no messages)\n",
		out)
}

func TestAssemble_OtherUsersAreInvisible(t *testing.T) {
	cs := newMemoryChatStore(t)
	secret := mustCreate(t, cs, "bob", "Bob Secret")
	mustAppend(t, cs, "bob", secret, store.RoleUser, "bob's private note")
	current := mustCreate(t, cs, "alice", "Alice")

	out, err := NewAssembler(cs).Assemble(t.Context(), "alice", current)
	require.NoError(t, err)

	assert.NotContains(t, out, "Bob Secret")
	assert.NotContains(t, out, "private note")
}

func TestAssemble_Deterministic(t *testing.T) {
	cs := newMemoryChatStore(t)
	a := mustCreate(t, cs, "alice", "A")
	b := mustCreate(t, cs, "alice", "B")
	mustAppend(t, cs, "alice", a, store.RoleUser, "hello")
	mustAppend(t, cs, "alice", b, store.RoleUser, "world")

	asm := NewAssembler(cs)
	first, err := asm.Assemble(t.Context(), "alice", b)
	require.NoError(t, err)
	second, err := asm.Assemble(t.Context(), "alice", b)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

type failingAssemblerStore struct{}

func (failingAssemblerStore) GetProfile(ctx context.Context, userID string) (string, error) {
	return "", errors.New("disk gone")
}

func (failingAssemblerStore) ListChats(ctx context.Context, userID string) ([]store.ChatSummary, error) {
	return nil, nil
}

func (failingAssemblerStore) GetMessages(ctx context.Context, userID, chatID string) ([]store.Message, error) {
	return nil, nil
}

func TestAssemble_PropagatesStoreErrors(t *testing.T) {
	_, err := NewAssembler(failingAssemblerStore{}).Assemble(t.Context(), "alice", "chat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading profile")
}
