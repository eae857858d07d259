// Package random provides the uniform-integer capability the sampler draws
// replacement slots from.
package random

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

var (
	// ErrEmptyRange is returned when hi <= lo.
	ErrEmptyRange = errors.New("random: empty range")

	// ErrExhausted is returned by a Replay source that has no draws left.
	ErrExhausted = errors.New("random: replay exhausted")

	// ErrOutOfRange is returned by a Replay source whose next draw falls
	// outside the requested range.
	ErrOutOfRange = errors.New("random: replayed draw out of range")
)

// Source draws uniformly distributed integers.
type Source interface {
	// Uniform returns a value in the half-open range [lo, hi).
	Uniform(ctx context.Context, lo, hi uint64) (uint64, error)
}

// PCG is a seeded math/rand/v2 PCG generator safe for concurrent use.
type PCG struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPCG creates a PCG source from an explicit seed.
func NewPCG(seed1, seed2 uint64) *PCG {
	return &PCG{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// NewRandomPCG creates a PCG source seeded from the runtime's generator.
func NewRandomPCG() *PCG {
	return NewPCG(rand.Uint64(), rand.Uint64())
}

// Uniform implements Source.
func (p *PCG) Uniform(_ context.Context, lo, hi uint64) (uint64, error) {
	if hi <= lo {
		return 0, fmt.Errorf("%w: [%d, %d)", ErrEmptyRange, lo, hi)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + p.rng.Uint64N(hi-lo), nil
}

// Replay hands out a fixed script of draws in order. It reproduces recorded
// runs exactly.
type Replay struct {
	mu    sync.Mutex
	draws []uint64
	next  int
}

// NewReplay creates a Replay source over draws.
func NewReplay(draws ...uint64) *Replay {
	return &Replay{draws: append([]uint64(nil), draws...)}
}

// Uniform implements Source.
func (r *Replay) Uniform(_ context.Context, lo, hi uint64) (uint64, error) {
	if hi <= lo {
		return 0, fmt.Errorf("%w: [%d, %d)", ErrEmptyRange, lo, hi)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next >= len(r.draws) {
		return 0, ErrExhausted
	}
	v := r.draws[r.next]
	if v < lo || v >= hi {
		return 0, fmt.Errorf("%w: %d not in [%d, %d)", ErrOutOfRange, v, lo, hi)
	}
	r.next++
	return v, nil
}

// Remaining reports how many scripted draws have not been used.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.draws) - r.next
}
