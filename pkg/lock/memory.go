package lock

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Memory is a process-local Provider for tests and single-instance development.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	held  map[string]time.Time
}

// NewMemory returns an empty in-process lock table. A nil clock uses wall time.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{clock: clk, held: map[string]time.Time{}}
}

func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if until, ok := m.held[key]; ok && now.Before(until) {
		return false, nil
	}
	m.held[key] = now.Add(ttl)
	return true, nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; !ok {
		return ErrNotHeld
	}
	delete(m.held, key)
	return nil
}

func (m *Memory) Renew(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; !ok {
		return ErrNotHeld
	}
	m.held[key] = m.clock.Now().Add(ttl)
	return nil
}
