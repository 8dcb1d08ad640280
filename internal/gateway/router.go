// ABOUTME: HTTP route table for recall-gateway built on chi
// ABOUTME: Health and status are public; chat and profile routes run behind auth

package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/recall-gateway/internal/auth"
)

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)

	origins := g.config.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	r.Get("/status", g.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(g.resolver))

		// Live streams must not be cut off by a request timeout
		r.Get("/chat/{chatID}", g.handleChatEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/history", g.handleHistory)
			r.Post("/chat", g.handleCreateChat)
			r.Post("/chat/ask", g.handleAsk)
			r.Get("/chat/{chatID}/messages", g.handleMessages)
			r.Put("/chat/{chatID}/title", g.handleUpdateTitle)
			r.Get("/chat/{chatID}/context", g.handleContext)
			r.Get("/chat/{chatID}/transcript", g.handleTranscript)
			r.Get("/profile", g.handleGetProfile)
			r.Put("/profile", g.handleSaveProfile)
		})
	})

	return r
}

// requestLogger logs each completed request through the gateway logger.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
