package sampler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepaksharma/negative-reservoir/internal/auth"
	"github.com/deepaksharma/negative-reservoir/internal/clock"
	"github.com/deepaksharma/negative-reservoir/internal/random"
	"github.com/deepaksharma/negative-reservoir/internal/store"
)

func newRedisStore(t *testing.T, mr *miniredis.Miniredis) store.Store {
	t.Helper()
	st, err := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTrustedSampler(t *testing.T, st store.Store, src random.Source) *Sampler {
	t.Helper()
	s, err := New(Host{
		Store:  st,
		Random: src,
		Clock:  clock.NewSequence(0),
		Auth:   auth.Trusted{},
	}, Config{Namespace: "shared"}, nil)
	require.NoError(t, err)
	return s
}

// hookedSource runs hook once, just before its first draw.
type hookedSource struct {
	random.Source
	once sync.Once
	hook func()
}

func (h *hookedSource) Uniform(ctx context.Context, lo, hi uint64) (uint64, error) {
	h.once.Do(h.hook)
	return h.Source.Uniform(ctx, lo, hi)
}

func TestConcurrentSamplersCountEverySubmission(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	const (
		capacity  = 5
		perWorker = 100
	)
	workers := []*Sampler{
		newTrustedSampler(t, newRedisStore(t, mr), random.NewPCG(1, 2)),
		newTrustedSampler(t, newRedisStore(t, mr), random.NewPCG(3, 4)),
	}
	require.NoError(t, workers[0].Initialize(ctx, "admin", capacity))

	var wg sync.WaitGroup
	for w, s := range workers {
		wg.Add(1)
		go func(w int, s *Sampler) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := s.Submit(ctx, fmt.Sprintf("w%d-%d", w, i), 10, "fp")
				assert.NoError(t, err)
			}
		}(w, s)
	}
	wg.Wait()

	stats, err := workers[1].Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{TotalSeen: uint64(len(workers) * perWorker), Capacity: capacity, Length: capacity}, stats)
}

func TestResetDuringSubmitLeavesConsistentState(t *testing.T) {
	ctx := context.Background()

	backends := map[string]func(t *testing.T) (store.Store, store.Store){
		"redis": func(t *testing.T) (store.Store, store.Store) {
			mr := miniredis.RunT(t)
			return newRedisStore(t, mr), newRedisStore(t, mr)
		},
		"badger": func(t *testing.T) (store.Store, store.Store) {
			st, err := store.OpenBadger(store.BadgerConfig{InMemory: true}, "shared")
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st, st
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			submitterStore, adminStore := open(t)
			admin := newTrustedSampler(t, adminStore, random.NewPCG(5, 6))

			// The submitter is about to draw a slot over a full reservoir when
			// the admin resets underneath it.
			src := &hookedSource{Source: random.NewPCG(7, 8)}
			src.hook = func() {
				require.NoError(t, admin.Reset(ctx, "admin", nil))
			}
			submitter := newTrustedSampler(t, submitterStore, src)

			require.NoError(t, submitter.Initialize(ctx, "admin", 2))
			for _, id := range []string{"a", "b"} {
				_, err := submitter.Submit(ctx, id, 10, "fp")
				require.NoError(t, err)
			}

			out, err := submitter.Submit(ctx, "c", 10, "fp")
			require.NoError(t, err)
			assert.Equal(t, Outcome{Action: ActionAppended, Slot: 0, TotalSeen: 1}, out,
				"the submission must be decided again on the reset state")

			stats, err := admin.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Stats{TotalSeen: 1, Capacity: 2, Length: 1}, stats)

			sample, err := admin.Sample(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, ids(sample))
		})
	}
}

// expiringClock moves the store's wall clock forward the first time the
// sampler reads its logical clock, i.e. in the middle of a Submit.
type expiringClock struct {
	clock.Clock
	wall  *time.Time
	jump  time.Duration
	armed bool
}

func (c *expiringClock) Now(ctx context.Context) (uint64, error) {
	if c.armed {
		*c.wall = c.wall.Add(c.jump)
		c.armed = false
	}
	return c.Clock.Now(ctx)
}

func TestRetentionLapseDuringSubmitNeverCorrupts(t *testing.T) {
	ctx := context.Background()

	backends := map[string]func(t *testing.T, now func() time.Time) store.Store{
		"memory": func(t *testing.T, now func() time.Time) store.Store {
			return store.NewMemory(store.WithClock(now))
		},
		"bolt": func(t *testing.T, now func() time.Time) store.Store {
			st, err := store.OpenBolt(filepath.Join(t.TempDir(), "state.db"), "shared", store.WithClock(now))
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			wall := time.Unix(1_700_000_000, 0)
			st := open(t, func() time.Time { return wall })
			clk := &expiringClock{Clock: clock.NewSequence(0), wall: &wall, jump: 2 * time.Hour}

			s, err := New(Host{Store: st, Random: random.NewPCG(1, 2), Clock: clk, Auth: auth.Trusted{}}, Config{
				Namespace: "shared",
				Retention: store.Retention{Threshold: time.Minute, ExtendTo: time.Hour},
			}, nil)
			require.NoError(t, err)

			require.NoError(t, s.Initialize(ctx, "admin", 1))
			_, err = s.Submit(ctx, "a", 10, "fp")
			require.NoError(t, err)

			// The deadline passes after the state was read but before the
			// write lands. The write still applies to what was read.
			clk.armed = true
			out, err := s.Submit(ctx, "b", 10, "fp")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), out.TotalSeen)

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Stats{TotalSeen: 2, Capacity: 1, Length: 1}, stats)

			// Once the namespace lapses for good it reads as uninitialized.
			wall = wall.Add(2 * time.Hour)
			_, err = s.Submit(ctx, "c", 10, "fp")
			assert.ErrorIs(t, err, ErrNotInitialized)
			_, err = s.Stats(ctx)
			assert.ErrorIs(t, err, ErrNotInitialized)
		})
	}
}
