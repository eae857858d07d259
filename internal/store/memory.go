package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory is an in-process Store. Nothing survives the process.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	deadline time.Time
	closed   bool

	now    func() time.Time
	logger *zap.Logger
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	o := applyOptions(opts)
	return &Memory{
		data:   make(map[string][]byte),
		now:    o.now,
		logger: o.logger,
	}
}

func (m *Memory) expiredLocked(now time.Time) bool {
	return !m.deadline.IsZero() && now.After(m.deadline)
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	result := make(map[string][]byte, len(keys))
	if m.expiredLocked(m.now()) {
		return result, nil
	}
	for _, key := range keys {
		if v, ok := m.data[key]; ok {
			result[key] = append([]byte(nil), v...)
		}
	}
	return result, nil
}

// Update implements Store. The write lock is held from read to write, so
// updates never interleave.
func (m *Memory) Update(_ context.Context, keys []string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	// Writing into a lapsed namespace starts it over.
	if m.expiredLocked(m.now()) {
		m.data = make(map[string][]byte)
		m.deadline = time.Time{}
	}

	current := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok := m.data[key]; ok {
			current[key] = append([]byte(nil), v...)
		}
	}

	batch, err := fn(current)
	if err != nil {
		return err
	}

	for key, value := range batch {
		if value == nil {
			delete(m.data, key)
			continue
		}
		m.data[key] = append([]byte(nil), value...)
	}
	return nil
}

// ExtendRetention implements Store.
func (m *Memory) ExtendRetention(_ context.Context, r Retention) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	now := m.now()
	if r.needsExtension(now, m.deadline) {
		m.deadline = now.Add(r.ExtendTo)
	}
	return nil
}

// Sweep implements Store.
func (m *Memory) Sweep(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if !m.expiredLocked(m.now()) {
		return false, nil
	}

	m.logger.Info("Reclaiming expired namespace", zap.Int("keys", len(m.data)))
	m.data = make(map[string][]byte)
	m.deadline = time.Time{}
	return true, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
