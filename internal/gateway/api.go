// ABOUTME: HTTP API handlers for chats, messages, profiles, and status
// ABOUTME: Maps domain errors onto HTTP status codes with JSON error bodies

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"

	"github.com/2389/recall-gateway/internal/auth"
	"github.com/2389/recall-gateway/internal/conversation"
	"github.com/2389/recall-gateway/internal/store"
)

// IdempotencyKeyHeader lets clients retry POST /chat/ask safely
const IdempotencyKeyHeader = "Idempotency-Key"

// CreateChatRequest is the body of POST /chat.
type CreateChatRequest struct {
	Title string `json:"title" validate:"max=200"`
}

// AskRequest is the body of POST /chat/ask.
type AskRequest struct {
	ChatID  string `json:"chat_id" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// UpdateTitleRequest is the body of PUT /chat/{id}/title.
type UpdateTitleRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

// ProfileRequest is the body of PUT /profile.
type ProfileRequest struct {
	Text string `json:"text"`
}

// ProfileResponse is returned by GET /profile.
type ProfileResponse struct {
	Text string `json:"text"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ContextResponse is returned by GET /chat/{id}/context.
type ContextResponse struct {
	ChatID  string `json:"chat_id"`
	Context string `json:"context"`
}

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
{{.Body}}
</body>
</html>
`))

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the servers accept traffic and until shutdown begins.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.serving.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not serving"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (replication %s)", g.scheduler.State())
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, StatusResponse{Status: "OK", Version: Version})
}

// handleHistory lists the caller's chats, oldest first.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	chats, err := g.service.ListChats(r.Context(), userID)
	if err != nil {
		g.respondError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, chats)
}

func (g *Gateway) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		g.respondError(w, r, err)
		return
	}

	userID := auth.MustUserFromContext(r.Context())
	chat, err := g.service.CreateChat(r.Context(), userID, req.Title)
	if err != nil {
		g.respondError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, chat)
}

// handleAsk records the user's turn and answers 202 before the reply exists.
// A repeated Idempotency-Key returns the first acknowledgement unchanged.
func (g *Gateway) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		g.respondError(w, r, err)
		return
	}

	userID := auth.MustUserFromContext(r.Context())
	ask := func() (*conversation.AskAck, error) {
		return g.service.Ask(r.Context(), &conversation.AskRequest{
			UserID:  userID,
			ChatID:  req.ChatID,
			Content: req.Content,
		})
	}

	var (
		ack *conversation.AskAck
		err error
	)
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		var shared bool
		ack, shared, err = g.acks.Do(userID+"\x00"+key, ask)
		if shared {
			g.logger.Debug("replaying acknowledgement", "user_id", userID, "chat_id", req.ChatID)
		}
	} else {
		ack, err = ask()
	}
	if err != nil {
		g.respondError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, ack)
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	msgs, err := g.service.GetMessages(r.Context(), userID, chi.URLParam(r, "chatID"))
	if err != nil {
		g.respondError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, msgs)
}

func (g *Gateway) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	var req UpdateTitleRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		g.respondError(w, r, err)
		return
	}

	userID := auth.MustUserFromContext(r.Context())
	if err := g.service.UpdateTitle(r.Context(), userID, chi.URLParam(r, "chatID"), req.Title); err != nil {
		g.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	text, err := g.service.GetProfile(r.Context(), userID)
	if err != nil {
		g.respondError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ProfileResponse{Text: text})
}

func (g *Gateway) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		g.respondError(w, r, err)
		return
	}

	userID := auth.MustUserFromContext(r.Context())
	if err := g.service.SaveProfile(r.Context(), userID, req.Text); err != nil {
		g.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleContext previews the context the next turn in the chat would be given.
func (g *Gateway) handleContext(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")
	text, err := g.service.Context(r.Context(), userID, chatID)
	if err != nil {
		g.respondError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ContextResponse{ChatID: chatID, Context: text})
}

// handleTranscript renders the chat's markdown log as HTML.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")

	chat, err := g.service.GetChat(r.Context(), userID, chatID)
	if err != nil {
		g.respondError(w, r, err)
		return
	}
	mirror, err := g.service.Transcript(r.Context(), userID, chatID)
	if err != nil {
		g.respondError(w, r, err)
		return
	}

	var body bytes.Buffer
	if err := goldmark.Convert([]byte(mirror), &body); err != nil {
		g.logger.Error("failed to convert transcript", "chat_id", chatID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	data := struct {
		Title string
		Body  template.HTML
	}{
		Title: chat.Title,
		// goldmark drops raw HTML from the source unless WithUnsafe is set
		Body: template.HTML(body.String()),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := transcriptTemplate.Execute(w, data); err != nil {
		g.logger.Error("failed to render transcript", "chat_id", chatID, "error", err)
	}
}

// respondError maps domain errors onto status codes. Persistence and other
// unexpected failures are logged and reported without detail.
func (g *Gateway) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrValidation):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		var perr *store.PersistenceError
		if errors.As(err, &perr) {
			g.logger.Error("persistence failure", "op", perr.Op, "key", perr.Key.String(), "error", perr.Err, "path", r.URL.Path)
		} else {
			g.logger.Error("request failed", "path", r.URL.Path, "error", err)
		}
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
