package store

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		DialTimeout: 100 * time.Millisecond,
		PoolSize:    2,
	})
	s, err := NewRedis(client, "test")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
		mr.Close()
	})
	return s, mr
}

func newTestBolt(t *testing.T, opts ...Option) *Bolt {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "state.db"), "test", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestBadger(t *testing.T, opts ...Option) *Badger {
	t.Helper()
	s, err := OpenBadger(BadgerConfig{InMemory: true}, "test", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// commit writes batch unconditionally.
func commit(ctx context.Context, s Store, batch Batch) error {
	return s.Update(ctx, nil, func(map[string][]byte) (Batch, error) {
		return batch, nil
	})
}

func backends(t *testing.T) map[string]Store {
	redisStore, _ := newTestRedis(t)
	return map[string]Store{
		"memory": NewMemory(),
		"bolt":   newTestBolt(t),
		"badger": newTestBadger(t),
		"redis":  redisStore,
	}
}

func TestStoreCommitAndLoad(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Load(ctx, "a", "b")
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, commit(ctx, s, Batch{
				"a": []byte("alpha"),
				"b": []byte("beta"),
			}))

			got, err = s.Load(ctx, "a", "b", "missing")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{
				"a": []byte("alpha"),
				"b": []byte("beta"),
			}, got)

			require.NoError(t, commit(ctx, s, Batch{
				"a": []byte("alpha2"),
				"b": nil,
			}))

			got, err = s.Load(ctx, "a", "b")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"a": []byte("alpha2")}, got)
		})
	}
}

func TestStoreLoadReturnsCopies(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, commit(ctx, s, Batch{"k": []byte("value")}))

			first, err := s.Load(ctx, "k")
			require.NoError(t, err)
			first["k"][0] = 'X'

			second, err := s.Load(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("value"), second["k"])
		})
	}
}

func TestMemoryRetentionExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemory(WithClock(clock.Now))

	require.NoError(t, commit(ctx, s, Batch{"k": []byte("v")}))
	retention := Retention{Threshold: time.Hour, ExtendTo: 2 * time.Hour}
	require.NoError(t, s.ExtendRetention(ctx, retention))

	// Still well inside the window: no reclaim.
	clock.Advance(90 * time.Minute)
	reclaimed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, reclaimed)

	// Below threshold, so the keep-alive pushes the deadline out again.
	require.NoError(t, s.ExtendRetention(ctx, retention))
	clock.Advance(90 * time.Minute)
	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	clock.Advance(time.Hour)
	got, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got, "expired namespace must read as empty")

	reclaimed, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, reclaimed)
}

func TestBoltRetentionExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestBolt(t, WithClock(clock.Now))

	require.NoError(t, commit(ctx, s, Batch{"k": []byte("v")}))
	require.NoError(t, s.ExtendRetention(ctx, Retention{Threshold: time.Minute, ExtendTo: time.Hour}))

	clock.Advance(2 * time.Hour)
	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got)

	reclaimed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, reclaimed)

	// A fresh commit after expiry starts the namespace over.
	require.NoError(t, commit(ctx, s, Batch{"other": []byte("x")}))
	got, err = s.Load(ctx, "k", "other")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"other": []byte("x")}, got)
}

func TestBoltSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := OpenBolt(path, "test")
	require.NoError(t, err)
	require.NoError(t, commit(ctx, s, Batch{"k": []byte("v")}))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path, "test")
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got["k"])
}

func TestRedisRetentionExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	require.NoError(t, commit(ctx, s, Batch{"a": []byte("1"), "b": []byte("2")}))
	require.NoError(t, s.ExtendRetention(ctx, Retention{Threshold: time.Minute, ExtendTo: time.Hour}))

	assert.Equal(t, time.Hour, mr.TTL("test:a"))
	assert.Equal(t, time.Hour, mr.TTL("test:b"))

	// Overwrites keep the namespace lifetime.
	require.NoError(t, commit(ctx, s, Batch{"a": []byte("3")}))
	assert.Greater(t, mr.TTL("test:a"), time.Duration(0))

	mr.FastForward(2 * time.Hour)
	got, err := s.Load(ctx, "a", "b")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBadgerExtendRetentionSetsTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestBadger(t)

	require.NoError(t, commit(ctx, s, Batch{"k": []byte("v")}))
	require.NoError(t, s.ExtendRetention(ctx, Retention{Threshold: time.Minute, ExtendTo: time.Hour}))

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key("k"))
		if err != nil {
			return err
		}
		assert.NotZero(t, item.ExpiresAt())
		return nil
	})
	require.NoError(t, err)

	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got["k"])

	reclaimed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, reclaimed)
}

func TestRetentionDisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemory(WithClock(clock.Now))

	require.NoError(t, commit(ctx, s, Batch{"k": []byte("v")}))
	require.NoError(t, s.ExtendRetention(ctx, Retention{}))

	clock.Advance(24 * 365 * time.Hour)
	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEmptyNamespaceRejected(t *testing.T) {
	_, err := OpenBolt(filepath.Join(t.TempDir(), "x.db"), "")
	assert.ErrorIs(t, err, ErrEmptyNamespace)

	_, err = OpenBadger(BadgerConfig{InMemory: true}, "")
	assert.ErrorIs(t, err, ErrEmptyNamespace)
}

func TestMemoryClosed(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	_, err := s.Load(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, commit(context.Background(), s, Batch{"k": []byte("v")}), ErrClosed)

	called := false
	err = s.Update(context.Background(), []string{"k"}, func(map[string][]byte) (Batch, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, called)
}

func TestStoreUpdateSeesCurrentValues(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, commit(ctx, s, Batch{"a": []byte("1"), "b": []byte("2")}))

			var seen map[string][]byte
			err := s.Update(ctx, []string{"a", "missing"}, func(current map[string][]byte) (Batch, error) {
				seen = current
				return Batch{"a": append(current["a"], '!'), "b": nil}, nil
			})
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"a": []byte("1")}, seen)

			got, err := s.Load(ctx, "a", "b")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"a": []byte("1!")}, got)
		})
	}
}

func TestStoreUpdateAbortsOnError(t *testing.T) {
	ctx := context.Background()
	errRefused := errors.New("refused")
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, commit(ctx, s, Batch{"k": []byte("v")}))

			err := s.Update(ctx, []string{"k"}, func(map[string][]byte) (Batch, error) {
				return nil, errRefused
			})
			assert.ErrorIs(t, err, errRefused)

			got, err := s.Load(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"k": []byte("v")}, got)
		})
	}
}

func TestStoreUpdateCountsEveryConcurrentIncrement(t *testing.T) {
	const (
		writers   = 3
		perWriter = 20
	)
	ctx := context.Background()

	increment := func(s Store) error {
		return s.Update(ctx, []string{"n"}, func(current map[string][]byte) (Batch, error) {
			n := 0
			if raw, ok := current["n"]; ok {
				var err error
				if n, err = strconv.Atoi(string(raw)); err != nil {
					return nil, err
				}
			}
			return Batch{"n": []byte(strconv.Itoa(n + 1))}, nil
		})
	}

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						assert.NoError(t, increment(s))
					}
				}()
			}
			wg.Wait()

			got, err := s.Load(ctx, "n")
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(writers*perWriter), string(got["n"]))
		})
	}
}

func TestRedisUpdateRetriesAfterConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)
	require.NoError(t, commit(ctx, s, Batch{"n": []byte("1")}))

	var runs []string
	err := s.Update(ctx, []string{"n"}, func(current map[string][]byte) (Batch, error) {
		runs = append(runs, string(current["n"]))
		if len(runs) == 1 {
			// Another client writes between our read and our EXEC.
			require.NoError(t, mr.Set("test:n", "5"))
		}
		return Batch{"n": append(current["n"], '0')}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "5"}, runs)

	got, err := s.Load(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, []byte("50"), got["n"])
}

func TestExpiredNamespaceUpdateStartsOver(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	stores := map[string]Store{
		"memory": NewMemory(WithClock(clock.Now)),
		"bolt":   newTestBolt(t, WithClock(clock.Now)),
		"badger": newTestBadger(t, WithClock(clock.Now)),
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, commit(ctx, s, Batch{"total": []byte("7"), "items": []byte("abc")}))
			require.NoError(t, s.ExtendRetention(ctx, Retention{Threshold: time.Minute, ExtendTo: time.Hour}))
			clock.Advance(2 * time.Hour)
			defer clock.Advance(-2 * time.Hour)

			// A lapsed namespace is read as empty inside the update, so a
			// partial batch never lands next to stale keys.
			var seen map[string][]byte
			err := s.Update(ctx, []string{"total", "items"}, func(current map[string][]byte) (Batch, error) {
				seen = current
				return Batch{"total": []byte("1")}, nil
			})
			require.NoError(t, err)
			assert.Empty(t, seen)

			got, err := s.Load(ctx, "total", "items")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"total": []byte("1")}, got)
		})
	}
}

func TestBadgerLapsedDeadlineStartsNamespaceOver(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestBadger(t, WithClock(clock.Now))

	require.NoError(t, commit(ctx, s, Batch{"k": []byte("v")}))
	require.NoError(t, s.ExtendRetention(ctx, Retention{Threshold: time.Minute, ExtendTo: time.Hour}))

	// Inside the window new entries carry the namespace expiry.
	require.NoError(t, commit(ctx, s, Batch{"fresh": []byte("x")}))
	expiresAt := func(key string) uint64 {
		var at uint64
		require.NoError(t, s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(s.key(key))
			if err != nil {
				return err
			}
			at = item.ExpiresAt()
			return nil
		}))
		return at
	}
	assert.NotZero(t, expiresAt("fresh"))

	// Past the deadline the old keys are gone and the deadline is cleared,
	// so the write starts a namespace of its own.
	clock.Advance(time.Hour + time.Second)
	got, err := s.Load(ctx, "k", "fresh")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, commit(ctx, s, Batch{"late": []byte("y")}))
	got, err = s.Load(ctx, "k", "fresh", "late")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"late": []byte("y")}, got)

	require.NoError(t, s.db.View(func(txn *badger.Txn) error {
		deadline, err := s.readDeadline(txn)
		assert.True(t, deadline.IsZero())
		return err
	}))

	// The next keep-alive gives every key the new window again.
	require.NoError(t, s.ExtendRetention(ctx, Retention{Threshold: time.Minute, ExtendTo: time.Hour}))
	assert.NotZero(t, expiresAt("late"))
}
