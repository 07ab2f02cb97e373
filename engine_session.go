package finauth

import (
	"context"
	"errors"
	"strconv"

	"github.com/MrEthical07/finauth/session"
)

// InvalidateAllSessions terminates every active session of the account and
// returns how many were ended.
func (e *Engine) InvalidateAllSessions(ctx context.Context, accountID, reason string) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}
	n, err := e.sessions.InvalidateAll(ctx, accountID, reason)
	if err != nil {
		return 0, e.storeFailure("invalidate sessions", err)
	}
	for i := 0; i < n; i++ {
		e.metricInc(MetricSessionInvalidated)
	}
	e.emitEvent(ctx, eventSessionsInvalidated, true, accountID, nil, func() map[string]string {
		return map[string]string{"reason": reason, "count": strconv.Itoa(n)}
	})
	return n, nil
}

// ListSessions returns the live sessions of the account.
func (e *Engine) ListSessions(ctx context.Context, accountID string) ([]*session.Session, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	sessions, err := e.sessions.ListActive(ctx, accountID)
	if err != nil {
		return nil, e.storeFailure("list sessions", err)
	}
	return sessions, nil
}

// TouchSession records activity on a session. Ended or expired sessions
// yield session.ErrInactive, unknown ones session.ErrNotFound.
func (e *Engine) TouchSession(ctx context.Context, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	err := e.sessions.Touch(ctx, sessionID)
	if err == nil || errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInactive) {
		return err
	}
	return e.storeFailure("touch session", err)
}
