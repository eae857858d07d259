// Package store provides the persistent key/value substrate the sampler keeps
// its state in. Every backend runs read, decide and write as one transaction
// and understands a retention window after which an inactive namespace may be
// reclaimed.
package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by operations on a store that has been closed.
	ErrClosed = errors.New("store: closed")

	// ErrEmptyNamespace is returned when a backend is opened without a namespace.
	ErrEmptyNamespace = errors.New("store: namespace must not be empty")

	// ErrConflict is returned when an update kept losing to concurrent writers.
	ErrConflict = errors.New("store: too many conflicting writers")
)

// maxUpdateAttempts bounds the retries of an optimistic update.
const maxUpdateAttempts = 100

// Batch is a set of writes applied all-or-nothing. A nil value deletes the key.
type Batch map[string][]byte

// UpdateFunc decides the batch to write from the current values of the keys
// passed to Update. Absent keys are omitted. An error aborts the update with
// nothing written and is returned from Update unchanged.
type UpdateFunc func(current map[string][]byte) (Batch, error)

// Retention describes a keep-alive request: when the remaining lifetime of a
// namespace drops below Threshold it is extended to ExtendTo from now.
type Retention struct {
	Threshold time.Duration
	ExtendTo  time.Duration
}

// Enabled reports whether the retention request does anything.
func (r Retention) Enabled() bool {
	return r.ExtendTo > 0
}

// needsExtension reports whether a namespace expiring at deadline should be
// pushed out. A zero deadline means the namespace never expires yet.
func (r Retention) needsExtension(now, deadline time.Time) bool {
	if !r.Enabled() {
		return false
	}
	if deadline.IsZero() {
		return true
	}
	return deadline.Sub(now) < r.Threshold
}

// Store is a namespaced key/value map with transactional multi-key updates.
type Store interface {
	// Load returns the values of the requested keys. Absent keys are omitted
	// from the result; an expired namespace behaves as if it were empty.
	Load(ctx context.Context, keys ...string) (map[string][]byte, error)

	// Update reads keys, passes them to fn and applies the returned batch in
	// one transaction. The batch only lands if none of keys changed since they
	// were read; otherwise fn runs again on fresh values. A namespace whose
	// retention lapsed is read as empty and starts over when written.
	Update(ctx context.Context, keys []string, fn UpdateFunc) error

	// ExtendRetention re-asserts that the namespace is alive.
	ExtendRetention(ctx context.Context, r Retention) error

	// Sweep reclaims the namespace if its retention window has lapsed and
	// reports whether anything was removed. Backends with native expiry use it
	// for housekeeping only.
	Sweep(ctx context.Context) (bool, error)

	// Close releases the backend.
	Close() error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *zap.Logger
}

func defaultOptions() *options {
	return &options{
		now:    time.Now,
		logger: zap.NewNop(),
	}
}

func applyOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithClock overrides the wall clock used for retention decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger used by the backend.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
