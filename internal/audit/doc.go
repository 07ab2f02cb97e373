// Package audit implements the security event log plumbing.
//
// # Components
//
//   - [Event] is the write-once record with a [Severity].
//   - [Sink] is the consumer interface (channel, JSON writer, no-op, func).
//   - [Dispatcher] is a buffered async relay to one or more sinks with
//     drop-if-full or block-if-full semantics.
//   - [Ring] keeps the most recent events in memory for fast inspection.
//
// The ring buffer is process-local. In a multi-instance deployment each
// instance sees only its own events; the durable sink is authoritative.
//
// # What this package must NOT do
//
//   - Decide which events to emit. That belongs to the engine.
//   - Import finauth or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
