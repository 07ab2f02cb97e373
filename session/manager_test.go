package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memoryRepo struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sessions: make(map[string]*Session)}
}

func (r *memoryRepo) CreateSession(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memoryRepo) GetSession(_ context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memoryRepo) TouchSession(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = at
	return nil
}

func (r *memoryRepo) DeactivateSessions(_ context.Context, accountID, reason string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.AccountID == accountID && s.Active {
			s.Active = false
			s.TerminatedAt = &at
			s.TerminationReason = reason
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) ListActiveSessions(_ context.Context, accountID string, now time.Time) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.AccountID == accountID && s.Live(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func TestManagerCreate(t *testing.T) {
	repo := newMemoryRepo()
	m := NewManager(repo, 15*time.Minute)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	s, err := m.Create(context.Background(), "acct-1", "dev", "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(s.ID) != 22 {
		t.Fatalf("expected 22-char base64url id, got %q", s.ID)
	}
	if !s.Active || !s.ExpiresAt.Equal(fixed.Add(15*time.Minute)) {
		t.Fatalf("unexpected session: %+v", s)
	}

	other, _ := m.Create(context.Background(), "acct-1", "dev", "10.0.0.1", "ua")
	if other.ID == s.ID {
		t.Fatal("session ids must be unique")
	}

	if _, err := m.Create(context.Background(), "", "", "", ""); err == nil {
		t.Fatal("expected error for empty account")
	}
}

func TestManagerInvalidateAll(t *testing.T) {
	repo := newMemoryRepo()
	m := NewManager(repo, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Create(ctx, "acct-1", "", "", ""); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if _, err := m.Create(ctx, "acct-2", "", "", ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	n, err := m.InvalidateAll(ctx, "acct-1", ReasonPasswordReset)
	if err != nil || n != 3 {
		t.Fatalf("InvalidateAll = %d, %v", n, err)
	}
	active, _ := m.ListActive(ctx, "acct-1")
	if len(active) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(active))
	}
	active, _ = m.ListActive(ctx, "acct-2")
	if len(active) != 1 {
		t.Fatalf("other account must be untouched, got %d", len(active))
	}

	for _, s := range repo.sessions {
		if s.AccountID == "acct-1" && (s.TerminationReason != ReasonPasswordReset || s.TerminatedAt == nil) {
			t.Fatalf("termination not recorded: %+v", s)
		}
	}

	n, _ = m.InvalidateAll(ctx, "acct-1", "")
	if n != 0 {
		t.Fatalf("second InvalidateAll must be a no-op, got %d", n)
	}
}

func TestManagerTouch(t *testing.T) {
	repo := newMemoryRepo()
	m := NewManager(repo, time.Minute)
	ctx := context.Background()
	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	s, err := m.Create(ctx, "acct-1", "", "", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	m.now = func() time.Time { return base.Add(30 * time.Second) }
	if err := m.Touch(ctx, s.ID); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	got, _ := repo.GetSession(ctx, s.ID)
	if !got.LastActivityAt.Equal(base.Add(30 * time.Second)) {
		t.Fatalf("last activity not updated: %v", got.LastActivityAt)
	}

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := m.Touch(ctx, s.ID); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive for expired session, got %v", err)
	}
	if err := m.Touch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
