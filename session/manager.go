package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/finauth/internal"
)

var (
	// ErrNotFound is returned by repositories for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrInactive is returned by Touch for terminated or expired sessions.
	ErrInactive = errors.New("session inactive")
)

// Repository persists sessions. Implementations live in the store packages.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	// DeactivateSessions terminates every active session of accountID and
	// returns how many rows changed.
	DeactivateSessions(ctx context.Context, accountID, reason string, at time.Time) (int, error)
	ListActiveSessions(ctx context.Context, accountID string, now time.Time) ([]*Session, error)
}

// Manager creates and terminates sessions on top of a Repository.
type Manager struct {
	repo     Repository
	lifetime time.Duration
	now      func() time.Time
}

// NewManager returns a Manager whose sessions live for lifetime.
func NewManager(repo Repository, lifetime time.Duration) *Manager {
	return &Manager{repo: repo, lifetime: lifetime, now: time.Now}
}

// Create persists a new active session with a random 128-bit id.
func (m *Manager) Create(ctx context.Context, accountID, deviceHash, ip, userAgent string) (*Session, error) {
	if accountID == "" {
		return nil, errors.New("account id required")
	}
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	now := m.now().UTC()
	s := &Session{
		ID:             sid.String(),
		AccountID:      accountID,
		DeviceHash:     deviceHash,
		IP:             ip,
		UserAgent:      userAgent,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.lifetime),
		LastActivityAt: now,
		Active:         true,
	}
	if err := m.repo.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// InvalidateAll terminates every active session of accountID.
func (m *Manager) InvalidateAll(ctx context.Context, accountID, reason string) (int, error) {
	if reason == "" {
		reason = ReasonAdmin
	}
	return m.repo.DeactivateSessions(ctx, accountID, reason, m.now().UTC())
}

// Touch records activity on a live session.
func (m *Manager) Touch(ctx context.Context, id string) error {
	s, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	if !s.Live(now) {
		return ErrInactive
	}
	return m.repo.TouchSession(ctx, id, now)
}

func (m *Manager) ListActive(ctx context.Context, accountID string) ([]*Session, error) {
	return m.repo.ListActiveSessions(ctx, accountID, m.now().UTC())
}
