// Package finauth is the authentication core of a personal-finance
// platform: password login with transparent hash upgrades, TOTP and
// one-time code MFA, device trust scored by an isolation forest, RS256
// access/refresh tokens with jti revocation, sessions, rate limiting and a
// security event log.
//
// An [Engine] is assembled with [New] and [Builder.Build] and is safe for
// concurrent use afterwards. It needs a redis client and a [Store]; the
// store/postgres and store/sqlite packages provide the latter. Delivery of
// codes and links goes through a [Notifier] (see package notify) and high
// severity events can be forwarded to a [Monitor] (see package monitor).
//
// # Errors
//
// Operations return the sentinels declared in errors.go and callers match
// them with errors.Is. [KindOf] maps any returned error onto an [ErrorKind]
// for transport layers. A login that needs a second factor is not an error:
// [Engine.Authenticate] returns an [AuthResult] with [StatusMfaRequired].
//
// # Token verification
//
// [Engine.VerifyToken] checks the signature and timestamps first and touches
// no store for a structurally invalid token. Revocation state is read from
// redis under Revocation.CacheTimeout and from the durable store when the
// marker is missing or redis is slow, so a redis outage degrades latency
// rather than correctness.
//
// # Multiple instances
//
// Redis state (rate counters, revocation markers, one-time codes, MFA
// challenges and TOTP replay markers) is shared by every engine pointed at
// the same redis. Three pieces are process-local and best-effort:
//
//   - the rate limiter's fallback window, used only while redis is down, so
//     each instance enforces its own budget during an outage;
//   - the in-memory event ring behind [Engine.RecentEvents];
//   - the device normalizer statistics when Device.LearnFromTrusted is set.
//
// The durable store remains the source of truth for security events.
package finauth
