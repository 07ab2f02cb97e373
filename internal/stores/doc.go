// Package stores provides the Redis-backed, short-lived records used by the
// auth flows: active-jti markers for the revocation fast path, single-use
// codes and tokens, and MFA login challenges.
//
// # Design
//
// Every record carries a TTL so abandoned entries expire without a sweeper.
// Single-use semantics rely on atomic Redis primitives: compare-and-delete
// scripts, GETDEL, SETNX and WATCH/MULTI with retry. Secrets are stored as
// SHA-256 digests and compared inside Redis or in constant time.
//
// # What this package must NOT do
//
//   - Import finauth or any sibling internal package.
//   - Log or expose plaintext secrets.
//   - Make authentication decisions. Those belong to the engine and flows.
package stores
