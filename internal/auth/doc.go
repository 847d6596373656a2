// Package auth identifies callers of the handover-gateway HTTP API.
//
// # Tokens
//
// Every API call carries an HS256 JWT signed with auth.jwt_secret:
//
//	Authorization: Bearer <token>
//
// The "sub" claim is the caller's identity. The "role" claim says what kind
// of caller it is:
//
//   - operator: a human support agent; sub is the operator ID recorded as
//     conversation owner when they claim or send a message.
//   - service: an automated caller, such as the messaging webhook or the
//     agent pipeline, allowed to post message events and agent replies.
//
// Tokens without a role claim are operator tokens.
//
// # Middleware
//
// HTTPAuthMiddleware verifies the token and stores an AuthContext in the
// request context. RequireOperatorHTTP and RequireServiceHTTP gate routes by
// role:
//
//	mux.Handle("POST /api/conversations/{key}/claim",
//	    authMW(auth.RequireOperatorHTTP()(claimHandler)))
//
// Tokens are minted with `handover-gateway token --operator ID`.
package auth
