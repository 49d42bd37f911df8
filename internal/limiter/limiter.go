// Package limiter throttles repeated notices so one recipient is not flooded by the same signal.
package limiter

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"
)

// Limiter decides whether a notice identified by key may be sent now.
type Limiter interface {
	// Allow reports whether the notice may go out at now. An allowed call starts a new quiet window.
	Allow(ctx context.Context, key []byte, now time.Time) (bool, error)
}

// Key returns a stable hash of the notice identity parts.
func Key(parts ...string) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// Memory is a process-local Limiter.
type Memory struct {
	window time.Duration
	mu     sync.Mutex
	last   map[string]time.Time
}

// NewMemory constructs an in-process limiter with the given quiet window.
func NewMemory(window time.Duration) *Memory {
	return &Memory{window: window, last: map[string]time.Time{}}
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, key []byte, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(key)
	if t, ok := m.last[k]; ok && now.Sub(t) < m.window {
		return false, nil
	}
	m.last[k] = now
	return true, nil
}
