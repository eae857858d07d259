// Package sampler maintains a fixed-capacity, uniformly fair sample of an
// unbounded stream of negative events using Algorithm R.
//
// After n submissions every submitted record is in the reservoir with
// probability capacity/n (n > capacity); while n <= capacity the reservoir is
// exactly the first n records in submission order. All state lives in the
// host's store and is reloaded on every call, so several Sampler values over
// the same namespace observe one reservoir.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/deepaksharma/negative-reservoir/internal/auth"
	"github.com/deepaksharma/negative-reservoir/internal/clock"
	"github.com/deepaksharma/negative-reservoir/internal/random"
	"github.com/deepaksharma/negative-reservoir/internal/store"
)

const (
	// DefaultCapacity is used when Initialize is given a zero capacity.
	DefaultCapacity uint32 = 10

	// MaxScore is the highest score a record may carry.
	MaxScore uint32 = 100

	// DefaultNamespace is used when Config.Namespace is empty.
	DefaultNamespace = "default"
)

// Host bundles the execution-environment capabilities the sampler consumes.
type Host struct {
	Store  store.Store
	Random random.Source
	Clock  clock.Clock
	Auth   auth.Authenticator
}

// Config tunes a Sampler.
type Config struct {
	// Namespace names the state instance; it is bound into reset challenges.
	Namespace string

	// Retention is re-asserted on the store after every mutating call.
	Retention store.Retention
}

// Action is what Submit did with a record.
type Action int

const (
	// ActionAppended means the record filled a free slot.
	ActionAppended Action = iota + 1
	// ActionReplaced means the record overwrote a random slot.
	ActionReplaced
	// ActionDiscarded means the record was counted but not kept.
	ActionDiscarded
)

func (a Action) String() string {
	switch a {
	case ActionAppended:
		return "appended"
	case ActionReplaced:
		return "replaced"
	case ActionDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Outcome reports the effect of a Submit.
type Outcome struct {
	Action Action
	// Slot is the reservoir index written, or -1 when discarded.
	Slot int
	// TotalSeen is the counter value including this submission.
	TotalSeen uint64
}

// Sampler runs the reservoir operations against a Host. Calls on one Sampler
// are serialized; mutations from different Samplers over the same store are
// ordered by the store's transactions.
type Sampler struct {
	mu sync.Mutex

	host      Host
	namespace string
	retention store.Retention
	logger    *zap.Logger
}

// New creates a Sampler. The host's store, randomness and clock are required;
// a nil Auth defaults to signature verification.
func New(host Host, cfg Config, logger *zap.Logger) (*Sampler, error) {
	if host.Store == nil {
		return nil, errors.New("sampler: host store is required")
	}
	if host.Random == nil {
		return nil, errors.New("sampler: host randomness is required")
	}
	if host.Clock == nil {
		return nil, errors.New("sampler: host clock is required")
	}
	if host.Auth == nil {
		host.Auth = auth.Secp256k1Verifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	return &Sampler{
		host:      host,
		namespace: namespace,
		retention: cfg.Retention,
		logger:    logger.With(zap.String("namespace", namespace)),
	}, nil
}

func hostError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrHostUnavailable, op, err)
}

// loadLocked reads and validates the full state for the read-only calls.
// Must be called with mu held.
func (s *Sampler) loadLocked(ctx context.Context) (*State, error) {
	values, err := s.host.Store.Load(ctx, stateKeys...)
	if err != nil {
		return nil, hostError("load state", err)
	}
	return decodeState(values)
}

// updateLocked runs decide inside one store transaction over keys and then
// asks the store to keep the namespace alive. decide may run more than once
// when another writer gets in first; only the run whose batch lands counts.
// Errors from decide are returned as is. A failed keep-alive is logged, not
// returned: the mutation itself has already committed.
func (s *Sampler) updateLocked(ctx context.Context, keys []string, decide store.UpdateFunc) error {
	var decideErr error
	err := s.host.Store.Update(ctx, keys, func(current map[string][]byte) (store.Batch, error) {
		batch, err := decide(current)
		decideErr = err
		return batch, err
	})
	if decideErr != nil {
		return decideErr
	}
	if err != nil {
		return hostError("commit state", err)
	}

	if s.retention.Enabled() {
		if err := s.host.Store.ExtendRetention(ctx, s.retention); err != nil {
			s.logger.Warn("Failed to extend state retention", zap.Error(err))
		}
	}
	return nil
}

// Initialize creates the state. capacity 0 selects DefaultCapacity. The admin
// must be an identity the host authenticator can later verify.
func (s *Sampler) Initialize(ctx context.Context, admin auth.Identity, capacity uint32) error {
	if err := s.host.Auth.ValidateIdentity(admin); err != nil {
		return fmt.Errorf("%w: admin: %w", ErrInvalidArgument, err)
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.updateLocked(ctx, []string{keyAdmin}, func(current map[string][]byte) (store.Batch, error) {
		if _, ok := current[keyAdmin]; ok {
			return nil, ErrAlreadyInitialized
		}
		return encodeState(&State{
			Capacity:  capacity,
			Admin:     admin,
			Reservoir: []Record{},
		}), nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Reservoir initialized",
		zap.Uint32("capacity", capacity),
		zap.String("admin", string(admin)))
	return nil
}

// Submit offers one negative event to the reservoir.
//
// This implements Algorithm R (Jeffrey Vitter):
//  1. n = total seen including this record
//  2. If the reservoir holds fewer than k records, append
//  3. Otherwise draw r in [0, n); if r < k overwrite slot r, else discard
//
// The decision and the commit of counter and reservoir form one store
// transaction, so concurrent submitters each see the count left by the last.
func (s *Sampler) Submit(ctx context.Context, externalID string, score uint32, fingerprint string) (Outcome, error) {
	if score > MaxScore {
		return Outcome{}, fmt.Errorf("%w: score %d above %d", ErrInvalidArgument, score, MaxScore)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var outcome Outcome
	err := s.updateLocked(ctx, stateKeys, func(current map[string][]byte) (store.Batch, error) {
		st, err := decodeState(current)
		if err != nil {
			return nil, err
		}

		n := st.TotalSeen + 1
		observedAt, err := s.host.Clock.Now(ctx)
		if err != nil {
			return nil, hostError("read clock", err)
		}
		rec := Record{
			ExternalID:  externalID,
			Score:       score,
			Fingerprint: fingerprint,
			ObservedAt:  observedAt,
		}

		outcome = Outcome{Action: ActionDiscarded, Slot: -1, TotalSeen: n}
		reservoir := st.Reservoir
		if uint32(len(reservoir)) < st.Capacity {
			reservoir = append(reservoir, rec)
			outcome.Action = ActionAppended
			outcome.Slot = len(reservoir) - 1
		} else {
			r, err := s.host.Random.Uniform(ctx, 0, n)
			if err != nil {
				return nil, hostError("draw slot", err)
			}
			if r < uint64(st.Capacity) {
				reservoir[r] = rec
				outcome.Action = ActionReplaced
				outcome.Slot = int(r)
			}
		}

		batch := store.Batch{keyTotalSeen: encodeUint64(n)}
		if outcome.Action != ActionDiscarded {
			batch[keyReservoir] = encodeReservoir(reservoir)
		}
		return batch, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	s.logger.Debug("Negative event submitted",
		zap.String("external_id", externalID),
		zap.Stringer("action", outcome.Action),
		zap.Int("slot", outcome.Slot),
		zap.Uint64("total_seen", outcome.TotalSeen))
	return outcome, nil
}

// Sample returns the reservoir in slot order.
func (s *Sampler) Sample(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	return st.Reservoir, nil
}

// Stats returns (total seen, capacity, current length).
func (s *Sampler) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked(ctx)
	if err != nil {
		return Stats{}, err
	}
	return st.stats(), nil
}

// Admin returns the stored admin identity.
func (s *Sampler) Admin(ctx context.Context) (auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked(ctx)
	if err != nil {
		return "", err
	}
	return st.Admin, nil
}

func resetChallenge(namespace string, epoch uint64) []byte {
	return []byte(fmt.Sprintf("negative-reservoir/reset/v1/%s/%d", namespace, epoch))
}

// ResetChallenge returns the message the admin must sign to authorize the
// next Reset. It changes after every successful reset.
func (s *Sampler) ResetChallenge(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	return resetChallenge(s.namespace, st.Epoch), nil
}

// Reset clears the counter and the reservoir. admin must equal the stored
// admin and proof must authenticate it over the current ResetChallenge.
// Capacity and admin are left unchanged.
func (s *Sampler) Reset(ctx context.Context, admin auth.Identity, proof []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var discarded, epoch uint64
	err := s.updateLocked(ctx, stateKeys, func(current map[string][]byte) (store.Batch, error) {
		st, err := decodeState(current)
		if err != nil {
			return nil, err
		}

		if err := s.host.Auth.Authenticate(ctx, admin, resetChallenge(s.namespace, st.Epoch), proof); err != nil {
			s.logger.Warn("Rejected reset: authentication failed",
				zap.String("caller", string(admin)),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		if admin != st.Admin {
			s.logger.Warn("Rejected reset: caller is not admin", zap.String("caller", string(admin)))
			return nil, ErrUnauthorized
		}

		discarded, epoch = st.TotalSeen, st.Epoch+1
		return store.Batch{
			keyTotalSeen: encodeUint64(0),
			keyReservoir: encodeReservoir(nil),
			keyEpoch:     encodeUint64(epoch),
		}, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Reservoir reset by admin",
		zap.Uint64("discarded_total_seen", discarded),
		zap.Uint64("epoch", epoch))
	return nil
}
