// Package gateway orchestrates the recall-gateway server components.
//
// # Overview
//
// The gateway owns every long-lived component: the storage backend, the chat
// store, the event broker, the worker pool, the replication scheduler, the
// reply generator, and the HTTP and optional gRPC servers. New builds them
// bottom-up from config; Run serves until its context is canceled and then
// shuts everything down in dependency order.
//
// # HTTP API
//
// Public:
//
//	GET  /health                   liveness, always "OK"
//	GET  /health/ready             503 until serving and after shutdown starts
//	GET  /status                   {"status":"OK","version":"..."}
//
// Behind auth (JWT when auth.jwt_secret is set, otherwise auth.default_user):
//
//	GET  /history                  chat index, oldest first
//	POST /chat                     create a chat {"title": "..."}
//	POST /chat/ask                 {"chat_id","content"} -> 202 with an ack
//	GET  /chat/{id}                Server-Sent Events stream
//	GET  /chat/{id}/messages       stored messages as JSON
//	PUT  /chat/{id}/title          rename {"title": "..."}
//	GET  /chat/{id}/context        assembled context preview
//	GET  /chat/{id}/transcript     markdown log rendered as HTML
//	GET  /profile, PUT /profile    free-text user profile {"text": "..."}
//
// POST /chat/ask honors an Idempotency-Key header: a repeat within the
// configured TTL returns the first acknowledgement without appending again.
//
// # Event Stream
//
// GET /chat/{id} subscribes, replays the stored history, then forwards new
// messages as they are persisted:
//
//	event: ai_chat_message
//	data: {"id":"...","chat_id":"...","role":"assistant","content":"...","created_at":"..."}
//
// A ": keep-alive" comment is written every events.keepalive_interval.
//
// # Errors
//
// Not found maps to 404, validation failures to 400, and anything else to
// 500 with the detail logged rather than returned. Bodies are {"error": "..."}.
//
// # Shutdown
//
// Shutdown ends live streams, stops the servers, drains queued replies,
// flushes a pending replication, and finally closes storage.
package gateway
