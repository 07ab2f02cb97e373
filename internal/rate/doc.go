// Package rate implements the attempt limiter used by login, password reset
// and MFA verification.
//
// # Window semantics
//
// Redis counters use INCR with a PEXPIRE on the first hit of the window,
// executed atomically in one script. Keys have the form
// <prefix>:<scope>:<identifier>[:<ip>].
//
// When Redis is unreachable the limiter falls back to an in-process sliding
// window. That state is per process: in a multi-instance deployment it is
// best-effort only and an attacker spreading attempts across instances gets
// max*instances tries per window until Redis returns.
//
// # What this package must NOT do
//
//   - Decide what happens when a limit is hit. Callers map the result to
//     their own error.
//   - Be imported outside the finauth module.
package rate
