package random

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Deterministic derives every draw from the seed and the requested range, so
// any party holding the seed can recompute it. The sampler asks for [0, n)
// with a distinct n on every submission, which keeps consecutive draws
// independent of each other.
type Deterministic struct {
	seed []byte
}

// NewDeterministic creates a source bound to seed.
func NewDeterministic(seed []byte) *Deterministic {
	return &Deterministic{seed: append([]byte(nil), seed...)}
}

// Uniform implements Source. Rejection sampling removes modulo bias.
func (d *Deterministic) Uniform(_ context.Context, lo, hi uint64) (uint64, error) {
	if hi <= lo {
		return 0, fmt.Errorf("%w: [%d, %d)", ErrEmptyRange, lo, hi)
	}
	span := hi - lo

	// Values above limit would make low residues more likely.
	const maxUint64 = ^uint64(0)
	rem := (maxUint64%span + 1) % span
	limit := maxUint64 - rem

	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], lo)
	binary.BigEndian.PutUint64(buf[8:16], hi)
	for attempt := uint64(0); ; attempt++ {
		binary.BigEndian.PutUint64(buf[16:24], attempt)

		h := xxhash.New()
		_, _ = h.Write(d.seed)
		_, _ = h.Write(buf[:])
		x := h.Sum64()

		if rem == 0 || x <= limit {
			return lo + x%span, nil
		}
	}
}
