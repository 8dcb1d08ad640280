// ABOUTME: Server-Sent Events stream of a chat's messages
// ABOUTME: Replays stored history, then forwards live messages with periodic keep-alives

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/recall-gateway/internal/auth"
	"github.com/2389/recall-gateway/internal/store"
)

// ChatMessageEvent is the SSE event name for every chat message
const ChatMessageEvent = "ai_chat_message"

const keepAliveComment = ": keep-alive\n\n"

// formatSSEEvent formats an SSE event with the standard framing:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType string, data []byte) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeMessageEvent writes msg as one ai_chat_message event.
func (g *Gateway) writeMessageEvent(w http.ResponseWriter, msg *store.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = fmt.Fprint(w, formatSSEEvent(ChatMessageEvent, data))
	return err
}

// handleChatEvents streams a chat. The subscription is taken before history
// is read so nothing appended in between is lost; a message seen in history
// is not sent again when it also arrives live.
func (g *Gateway) handleChatEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	userID := auth.MustUserFromContext(ctx)
	chatID := chi.URLParam(r, "chatID")
	if err := store.ValidateID("chat id", chatID); err != nil {
		g.respondError(w, r, err)
		return
	}

	sub := g.service.Subscribe(ctx, userID, chatID)
	defer sub.Close()

	history, err := g.service.GetMessages(ctx, userID, chatID)
	if err != nil {
		g.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sent := make(map[string]struct{}, len(history))
	for i := range history {
		if err := g.writeMessageEvent(w, &history[i]); err != nil {
			g.logger.Debug("stream write failed", "chat_id", chatID, "error", err)
			return
		}
		sent[history[i].ID] = struct{}{}
	}
	flusher.Flush()

	g.logger.Debug("event stream opened", "user_id", userID, "chat_id", chatID, "history", len(history))
	g.streamEvents(w, r, flusher, sub.Events(), sent)
	g.logger.Debug("event stream closed", "user_id", userID, "chat_id", chatID)
}

// streamEvents forwards live messages until the client leaves or the
// subscription ends.
func (g *Gateway) streamEvents(w http.ResponseWriter, r *http.Request, flusher http.Flusher, events <-chan *store.Message, sent map[string]struct{}) {
	interval := g.config.Events.KeepaliveInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case msg, ok := <-events:
			if !ok {
				return
			}
			if _, dup := sent[msg.ID]; dup {
				delete(sent, msg.ID)
				continue
			}
			if err := g.writeMessageEvent(w, msg); err != nil {
				g.logger.Debug("stream write failed", "chat_id", msg.ChatID, "error", err)
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, keepAliveComment); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
