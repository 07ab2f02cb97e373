// Package session owns the [Session] model and the [Manager] that creates,
// touches and bulk-terminates sessions through a durable [Repository].
//
// # Architecture boundaries
//
// This package does NOT interpret JWT tokens, evaluate permissions, or enforce
// authentication policy. Those responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import finauth or jwt (no upward imports).
//   - Delete session rows. Termination is a state change with a reason.
//   - Store plaintext secrets in [Session] fields.
package session
