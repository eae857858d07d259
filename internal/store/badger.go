package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerConfig configures a Badger-backed store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM; useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCDiscardRatio is the value log rewrite threshold used by Sweep.
	GCDiscardRatio float64
}

// Badger is a Store backed by BadgerDB. Retention maps onto Badger's native
// entry TTL: every key of the namespace carries the same expiry.
type Badger struct {
	db             *badger.DB
	prefix         []byte
	gcDiscardRatio float64

	now    func() time.Time
	logger *zap.Logger
}

var _ Store = (*Badger)(nil)

// OpenBadger opens a BadgerDB instance for the namespace.
func OpenBadger(cfg BadgerConfig, namespace string, opts ...Option) (*Badger, error) {
	if namespace == "" {
		return nil, ErrEmptyNamespace
	}
	o := applyOptions(opts)

	badgerOptions := badger.DefaultOptions(cfg.Path).
		WithLogger(zapToBadgerLogger{o.logger.Named("badger")}).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1)
	if cfg.InMemory {
		badgerOptions = badgerOptions.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(badgerOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	ratio := cfg.GCDiscardRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}

	return &Badger{
		db:             db,
		prefix:         []byte(namespace + "/"),
		gcDiscardRatio: ratio,
		now:            o.now,
		logger:         o.logger,
	}, nil
}

func (s *Badger) key(k string) []byte {
	return append(append([]byte(nil), s.prefix...), k...)
}

func (s *Badger) metaKey() []byte {
	return s.key(string(deadlineKey))
}

func (s *Badger) readDeadline(txn *badger.Txn) (time.Time, error) {
	item, err := txn.Get(s.metaKey())
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return time.Time{}, err
	}
	if len(raw) != 8 {
		return time.Time{}, nil
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(raw))), nil
}

func newEntry(key, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry(key, value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// lifetime reports whether the namespace has lapsed and otherwise the TTL new
// entries must carry to expire with the rest of it. Zero means no expiry.
func (s *Badger) lifetime(txn *badger.Txn) (bool, time.Duration, error) {
	deadline, err := s.readDeadline(txn)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read retention deadline: %w", err)
	}
	if deadline.IsZero() {
		return false, 0, nil
	}
	remaining := deadline.Sub(s.now())
	if remaining <= 0 {
		return true, 0, nil
	}
	return false, remaining, nil
}

func (s *Badger) read(txn *badger.Txn, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, k := range keys {
		item, err := txn.Get(s.key(k))
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get %q: %w", k, err)
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to copy %q: %w", k, err)
		}
		result[k] = value
	}
	return result, nil
}

// purge deletes every key of the namespace, the deadline included.
func (s *Badger) purge(txn *badger.Txn) error {
	var stale [][]byte
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = s.prefix
	it := txn.NewIterator(opts)
	for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
		stale = append(stale, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range stale {
		if err := txn.Delete(k); err != nil {
			return fmt.Errorf("failed to purge %q: %w", k, err)
		}
	}
	return nil
}

// Load implements Store.
func (s *Badger) Load(_ context.Context, keys ...string) (map[string][]byte, error) {
	var result map[string][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		lapsed, _, err := s.lifetime(txn)
		if err != nil {
			return err
		}
		if lapsed {
			result = make(map[string][]byte)
			return nil
		}
		result, err = s.read(txn, keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Update implements Store. Badger records the keys a transaction reads and
// refuses the commit with ErrConflict when another writer got there first;
// the update then starts over on fresh values.
func (s *Badger) Update(_ context.Context, keys []string, fn UpdateFunc) error {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		var fnErr error
		err := s.db.Update(func(txn *badger.Txn) error {
			lapsed, ttl, err := s.lifetime(txn)
			if err != nil {
				return err
			}

			current := make(map[string][]byte)
			if lapsed {
				// Writing into a lapsed namespace starts it over.
				if err := s.purge(txn); err != nil {
					return err
				}
			} else if current, err = s.read(txn, keys); err != nil {
				return err
			}

			batch, err := fn(current)
			if err != nil {
				fnErr = err
				return err
			}

			for k, value := range batch {
				if value == nil {
					if err := txn.Delete(s.key(k)); err != nil {
						return fmt.Errorf("failed to delete %q: %w", k, err)
					}
					continue
				}
				if err := txn.SetEntry(newEntry(s.key(k), value, ttl)); err != nil {
					return fmt.Errorf("failed to write %q: %w", k, err)
				}
			}
			return nil
		})

		switch {
		case fnErr != nil:
			return fnErr
		case errors.Is(err, badger.ErrConflict):
			s.logger.Debug("Retrying conflicting badger update", zap.Int("attempt", attempt))
			continue
		case err != nil:
			return fmt.Errorf("failed to commit badger batch: %w", err)
		}
		return nil
	}
	return ErrConflict
}

// ExtendRetention implements Store. Badger cannot touch an entry's expiry in
// place, so every key of the namespace is rewritten with the new TTL.
func (s *Badger) ExtendRetention(_ context.Context, r Retention) error {
	if !r.Enabled() {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		now := s.now()
		deadline, err := s.readDeadline(txn)
		if err != nil {
			return fmt.Errorf("failed to read retention deadline: %w", err)
		}
		if !r.needsExtension(now, deadline) {
			return nil
		}

		type kv struct{ key, value []byte }
		var live []kv

		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return fmt.Errorf("failed to copy value: %w", err)
			}
			live = append(live, kv{key: item.KeyCopy(nil), value: value})
		}
		it.Close()

		meta := make([]byte, 8)
		binary.BigEndian.PutUint64(meta, uint64(now.Add(r.ExtendTo).UnixNano()))
		if err := txn.SetEntry(newEntry(s.metaKey(), meta, r.ExtendTo)); err != nil {
			return fmt.Errorf("failed to write retention deadline: %w", err)
		}
		for _, e := range live {
			if string(e.key) == string(s.metaKey()) {
				continue
			}
			if err := txn.SetEntry(newEntry(e.key, e.value, r.ExtendTo)); err != nil {
				return fmt.Errorf("failed to refresh ttl: %w", err)
			}
		}
		return nil
	})
}

// Sweep implements Store. Expiry is native, so this only reclaims value log
// space left behind by expired or overwritten entries.
func (s *Badger) Sweep(_ context.Context) (bool, error) {
	err := s.db.RunValueLogGC(s.gcDiscardRatio)
	switch {
	case err == nil:
		s.logger.Debug("Badger value log rewritten")
		return false, nil
	case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
		return false, nil
	default:
		return false, fmt.Errorf("failed to run value log GC: %w", err)
	}
}

// Close implements Store.
func (s *Badger) Close() error {
	return s.db.Close()
}

// zapToBadgerLogger adapts zap.Logger to badger.Logger
type zapToBadgerLogger struct {
	*zap.Logger
}

func (l zapToBadgerLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

func (l zapToBadgerLogger) Warningf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l zapToBadgerLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l zapToBadgerLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}
