// Package subject serializes ledger work per subject and enforces
// per-subject request rates.
package subject

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrRateLimited   = errors.New("subject rate limit exceeded")
	ErrQuotaExceeded = errors.New("subject daily quota exceeded")
)

// Limits are applied to every subject.
type Limits struct {
	TokenRate  float64 // requests/second, 0 = unlimited
	BurstRate  int
	DailyQuota int64 // 0 = unlimited
}

// DefaultLimits mirrors the server defaults.
func DefaultLimits() Limits {
	return Limits{TokenRate: 10, BurstRate: 20}
}

// Manager hands out one exclusive slot per subject and tracks its usage.
// Subjects are created lazily on first use.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	state  map[string]*state
}

type state struct {
	slot    chan struct{}
	limiter *rate.Limiter

	mu      sync.Mutex
	count   int64
	resetAt time.Time
}

func NewManager(limits Limits) *Manager {
	return &Manager{
		limits: limits,
		state:  make(map[string]*state),
	}
}

func (m *Manager) get(id string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.state[id]
	if !ok {
		limit := rate.Inf
		if m.limits.TokenRate > 0 {
			limit = rate.Limit(m.limits.TokenRate)
		}
		burst := m.limits.BurstRate
		if burst <= 0 {
			burst = 1
		}
		s = &state{
			slot:    make(chan struct{}, 1),
			limiter: rate.NewLimiter(limit, burst),
			resetAt: time.Now().Add(24 * time.Hour),
		}
		m.state[id] = s
	}
	return s
}

// Allow checks the subject's rate limit and daily quota.
func (m *Manager) Allow(id string) error {
	s := m.get(id)
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	if m.limits.DailyQuota <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Now().After(s.resetAt) {
		s.count = 0
		s.resetAt = time.Now().Add(24 * time.Hour)
	}
	if s.count >= m.limits.DailyQuota {
		return ErrQuotaExceeded
	}
	s.count++
	return nil
}

// Usage returns today's request count for a subject.
func (m *Manager) Usage(id string) int64 {
	s := m.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Now().After(s.resetAt) {
		return 0
	}
	return s.count
}

// Do runs fn while holding the subject's exclusive slot. Waiting for the
// slot is abandoned when ctx is done.
func (m *Manager) Do(ctx context.Context, id string, fn func(context.Context) error) error {
	s := m.get(id)
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.slot }()
	return fn(ctx)
}

// Forget drops a subject's state.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, id)
}
