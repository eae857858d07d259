// Package clock provides monotonic stamps for sampled records.
package clock

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// Clock returns a monotonically non-decreasing stamp.
type Clock interface {
	Now(ctx context.Context) (uint64, error)
}

// Sequence is a ledger-style counter: every call returns the next number.
type Sequence struct {
	seq *atomic.Uint64
}

// NewSequence creates a counter whose first stamp is start+1.
func NewSequence(start uint64) *Sequence {
	return &Sequence{seq: atomic.NewUint64(start)}
}

// Now implements Clock.
func (s *Sequence) Now(context.Context) (uint64, error) {
	return s.seq.Inc(), nil
}

// Wall returns Unix nanoseconds, clamped so a step back in system time never
// produces a smaller stamp than one already handed out.
type Wall struct {
	last *atomic.Uint64
	now  func() time.Time
}

// NewWall creates a wall clock.
func NewWall() *Wall {
	return NewWallWith(time.Now)
}

// NewWallWith creates a wall clock over a custom time source.
func NewWallWith(now func() time.Time) *Wall {
	return &Wall{last: atomic.NewUint64(0), now: now}
}

// Now implements Clock.
func (w *Wall) Now(context.Context) (uint64, error) {
	t := uint64(w.now().UnixNano())
	for {
		prev := w.last.Load()
		if t <= prev {
			return prev, nil
		}
		if w.last.CompareAndSwap(prev, t) {
			return t, nil
		}
	}
}
