// ABOUTME: Tests for prompt construction and the offline generators
// ABOUTME: Verifies section order in the prompt and error wrapping

package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt_SectionOrder(t *testing.T) {
	prompt := BuildPrompt("USER PROFILE:\nlikes tea", "what should I drink?")

	history := strings.Index(prompt, "HISTORY (User Context & Chat Log):\nUSER PROFILE:\nlikes tea")
	message := strings.Index(prompt, "USER'S NEW MESSAGE:\nwhat should I drink?")
	instr := strings.Index(prompt, "INSTRUCTIONS:")

	require.NotEqual(t, -1, history)
	require.NotEqual(t, -1, message)
	require.NotEqual(t, -1, instr)
	assert.Less(t, history, message)
	assert.Less(t, message, instr)
}

func TestEchoGenerator(t *testing.T) {
	reply, err := EchoGenerator{}.Generate(context.Background(), "ctx", "hello")
	require.NoError(t, err)
	assert.Equal(t, "You said: hello", reply)

	_, err = EchoGenerator{}.Generate(context.Background(), "ctx", " ")
	var genErr *Error
	require.ErrorAs(t, err, &genErr)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGeneratorFunc(t *testing.T) {
	boom := errors.New("quota exceeded")
	g := GeneratorFunc(func(ctx context.Context, c, m string) (string, error) {
		return "", &Error{Provider: "test", Err: boom}
	})

	_, err := g.Generate(context.Background(), "", "hi")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "generation via test failed")
}

func TestCandidateText(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want string
	}{
		{"nil response", nil, ""},
		{"no candidates", &genai.GenerateContentResponse{}, ""},
		{"nil content", &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{}},
		}, ""},
		{"joins text parts", &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []genai.Part{genai.Text("Hello, "), genai.Text("world")}},
			}},
		}, "Hello, world"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, candidateText(tt.resp))
		})
	}
}

func TestNewGeminiGenerator_RequiresKey(t *testing.T) {
	_, err := NewGeminiGenerator(context.Background(), "", "", nil)
	assert.Error(t, err)
}
