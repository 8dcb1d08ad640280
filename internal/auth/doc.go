// Package auth resolves which user an HTTP request acts for.
//
// # Modes
//
//   - Static: auth.jwt_secret is empty. Every request is served as
//     auth.default_user ("default_user" unless configured).
//
//   - JWT: requests carry an HS256 token signed with auth.jwt_secret, either
//     as "Authorization: Bearer <token>" or as ?token=<token> for EventSource
//     clients. The user id is read from the "sub" claim, falling back to
//     "user.id" and then "id".
//
// # Middleware
//
//	r.Use(auth.Middleware(resolver))
//
// Handlers read the identity with auth.UserFromContext. A request without a
// token gets 401; an invalid or expired token gets 403.
//
// # Development Tokens
//
// JWTVerifier.Generate mints tokens for local testing; the recall-gateway
// token subcommand wraps it.
package auth
