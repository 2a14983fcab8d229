package lock

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// MEMORY BACKEND - Single-process (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

type memoryLock struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{locks: make(map[string]memoryLock), now: time.Now}
}

func (m *Memory) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.locks[key]; ok && now.Before(l.expires) {
		return false, nil
	}
	m.locks[key] = memoryLock{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.locks[key]
	if !ok || l.token != token || !now.Before(l.expires) {
		return false, nil
	}
	l.expires = now.Add(ttl)
	m.locks[key] = l
	return true, nil
}

func (m *Memory) Release(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok || l.token != token {
		return false, nil
	}
	delete(m.locks, key)
	return m.now().Before(l.expires), nil
}

// Evict drops key regardless of owner, as an expiry or a takeover would.
func (m *Memory) Evict(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
}
