// Package notify delivers finauth out-of-band messages.
//
// [Mailer] sends one-time codes, password reset links, verification links
// and new-device alerts over SMTP, throttled by a token bucket. SMS delivery
// is delegated to an [SMSSender]. [LogNotifier] records deliveries in the log
// without their secrets and is meant for development.
package notify
