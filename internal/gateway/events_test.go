// ABOUTME: Tests for the Server-Sent Events chat stream
// ABOUTME: Uses a real HTTP server to read framed events, history replay, and keep-alives

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/recall-gateway/internal/conversation"
	"github.com/2389/recall-gateway/internal/store"
)

// sseFrame is one parsed block of an event stream.
type sseFrame struct {
	Event   string
	Data    string
	Comment string
}

// readFrames parses frames from the stream onto a channel until it ends.
func readFrames(body *bufio.Reader) <-chan sseFrame {
	frames := make(chan sseFrame, 64)
	go func() {
		defer close(frames)
		var f sseFrame
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				frames <- f
				f = sseFrame{}
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.Data = strings.TrimPrefix(line, "data: ")
			case strings.HasPrefix(line, ": "):
				f.Comment = strings.TrimPrefix(line, ": ")
			}
		}
	}()
	return frames
}

// nextMessage returns the next ai_chat_message, skipping keep-alives.
func nextMessage(t *testing.T, frames <-chan sseFrame) store.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "stream ended")
			if f.Comment != "" {
				continue
			}
			require.Equal(t, ChatMessageEvent, f.Event)
			var msg store.Message
			require.NoError(t, json.Unmarshal([]byte(f.Data), &msg))
			return msg
		case <-deadline:
			t.Fatal("timed out waiting for message event")
			return store.Message{}
		}
	}
}

// newStreamServer serves gw over real HTTP. Streams opened afterwards are
// torn down before the server closes.
func newStreamServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func openStream(t *testing.T, srv *httptest.Server, chatID string) (*http.Response, <-chan sseFrame) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/chat/"+chatID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, readFrames(bufio.NewReader(resp.Body))
}

func TestChatEvents_HistoryThenLive(t *testing.T) {
	gw := newTestGateway(t)
	srv := newStreamServer(t, gw)

	chat := createChat(t, gw, "")
	doRequest(t, gw, http.MethodPost, "/chat/ask", AskRequest{ChatID: chat.ID, Content: "first"})
	waitForMessageCount(t, gw, chat.ID, 2)

	resp, frames := openStream(t, srv, chat.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	assert.Equal(t, "first", nextMessage(t, frames).Content)
	assert.Equal(t, "You said: first", nextMessage(t, frames).Content)

	rec := doRequest(t, gw, http.MethodPost, "/chat/ask", AskRequest{ChatID: chat.ID, Content: "second"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	user := nextMessage(t, frames)
	assert.Equal(t, "second", user.Content)
	assert.Equal(t, store.RoleUser, user.Role)
	reply := nextMessage(t, frames)
	assert.Equal(t, "You said: second", reply.Content)
	assert.Equal(t, store.RoleAssistant, reply.Role)
}

func TestChatEvents_KeepAlive(t *testing.T) {
	gw := newTestGateway(t)
	srv := newStreamServer(t, gw)

	chat := createChat(t, gw, "")
	_, frames := openStream(t, srv, chat.ID)

	select {
	case f := <-frames:
		assert.Equal(t, "keep-alive", f.Comment)
	case <-time.After(2 * time.Second):
		t.Fatal("no keep-alive received")
	}
}

func TestChatEvents_OnlyOwnChat(t *testing.T) {
	gw := newTestGateway(t)
	srv := newStreamServer(t, gw)

	watched := createChat(t, gw, "")
	other := createChat(t, gw, "")
	_, frames := openStream(t, srv, watched.ID)

	require.Eventually(t, func() bool {
		return gw.broker.SubscriberCount(conversation.Topic("default_user", watched.ID)) == 1
	}, time.Second, 5*time.Millisecond)

	doRequest(t, gw, http.MethodPost, "/chat/ask", AskRequest{ChatID: other.ID, Content: "elsewhere"})
	waitForMessageCount(t, gw, other.ID, 2)
	doRequest(t, gw, http.MethodPost, "/chat/ask", AskRequest{ChatID: watched.ID, Content: "here"})

	assert.Equal(t, "here", nextMessage(t, frames).Content)
}

func TestChatEvents_DisconnectUnsubscribes(t *testing.T) {
	gw := newTestGateway(t)
	srv := newStreamServer(t, gw)

	chat := createChat(t, gw, "")
	topic := conversation.Topic("default_user", chat.ID)

	ctx, cancel := context.WithCancel(t.Context())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/chat/"+chat.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return gw.broker.SubscriberCount(topic) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.Eventually(t, func() bool { return gw.broker.SubscriberCount(topic) == 0 }, time.Second, 5*time.Millisecond)
}

func TestChatEvents_InvalidChatID(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/chat/-bad", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatEvents_EndsOnShutdown(t *testing.T) {
	gw := newTestGateway(t)
	srv := newStreamServer(t, gw)

	chat := createChat(t, gw, "")
	_, frames := openStream(t, srv, chat.ID)
	require.Eventually(t, func() bool {
		return gw.broker.SubscriberCount(conversation.Topic("default_user", chat.ID)) == 1
	}, time.Second, 5*time.Millisecond)

	gw.broker.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not end after broker close")
		}
	}
}

func TestFormatSSEEvent(t *testing.T) {
	got := formatSSEEvent(ChatMessageEvent, []byte(`{"id":"1"}`))
	assert.Equal(t, "event: ai_chat_message\ndata: {\"id\":\"1\"}\n\n", got)
}
