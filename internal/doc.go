// Package internal contains helpers that are private to finauth, chiefly
// secure random generation for session ids, opaque tokens and codes.
//
// # Sub-packages
//
//   - audit: security event model, async dispatcher and in-memory ring
//   - flows: pure-function orchestrators for the multi-step Engine operations
//   - rate: Redis-backed sliding-window limiter with local fallback
//   - security: configuration posture report
//   - stores: short-lived Redis records (jti markers, one-time codes, MFA challenges)
//
// # What this package must NOT do
//
//   - Be imported by any package outside the finauth module.
package internal
