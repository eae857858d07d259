package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

// deadlineKey holds the namespace expiry as big-endian Unix nanoseconds.
var deadlineKey = []byte("\x00deadline")

// Bolt is a Store backed by a BoltDB file. Each namespace is one bucket and
// every update is a single read-write transaction.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
	path   string

	now    func() time.Time
	logger *zap.Logger
}

var _ Store = (*Bolt)(nil)

// OpenBolt opens (creating if needed) the BoltDB file at path.
func OpenBolt(path, namespace string, opts ...Option) (*Bolt, error) {
	if namespace == "" {
		return nil, ErrEmptyNamespace
	}
	o := applyOptions(opts)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	o.logger.Debug("Opened bolt store",
		zap.String("path", path),
		zap.String("namespace", namespace))

	return &Bolt{
		db:     db,
		bucket: []byte(namespace),
		path:   path,
		now:    o.now,
		logger: o.logger,
	}, nil
}

func readDeadline(b *bolt.Bucket) time.Time {
	if b == nil {
		return time.Time{}
	}
	raw := b.Get(deadlineKey)
	if len(raw) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
}

func writeDeadline(b *bolt.Bucket, deadline time.Time) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(deadline.UnixNano()))
	return b.Put(deadlineKey, raw)
}

func expired(deadline, now time.Time) bool {
	return !deadline.IsZero() && now.After(deadline)
}

// Load implements Store.
func (s *Bolt) Load(_ context.Context, keys ...string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil || expired(readDeadline(b), s.now()) {
			return nil
		}
		for _, key := range keys {
			// Values are only valid for the life of the transaction.
			if v := b.Get([]byte(key)); v != nil {
				result[key] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read bolt bucket: %w", err)
	}
	return result, nil
}

// Update implements Store. Bolt allows a single writer at a time, so the
// read and the write share one read-write transaction.
func (s *Bolt) Update(_ context.Context, keys []string, fn UpdateFunc) error {
	var fnErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b != nil && expired(readDeadline(b), s.now()) {
			if err := tx.DeleteBucket(s.bucket); err != nil {
				return fmt.Errorf("failed to drop expired bucket: %w", err)
			}
			b = nil
		}

		current := make(map[string][]byte, len(keys))
		if b != nil {
			for _, key := range keys {
				if v := b.Get([]byte(key)); v != nil {
					current[key] = append([]byte(nil), v...)
				}
			}
		}

		batch, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}

		if b == nil {
			if b, err = tx.CreateBucket(s.bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		for key, value := range batch {
			if value == nil {
				if err := b.Delete([]byte(key)); err != nil {
					return fmt.Errorf("failed to delete %q: %w", key, err)
				}
				continue
			}
			if err := b.Put([]byte(key), value); err != nil {
				return fmt.Errorf("failed to write %q: %w", key, err)
			}
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("failed to commit bolt batch: %w", err)
	}
	return nil
}

// ExtendRetention implements Store.
func (s *Bolt) ExtendRetention(_ context.Context, r Retention) error {
	if !r.Enabled() {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		now := s.now()
		if !r.needsExtension(now, readDeadline(b)) {
			return nil
		}
		return writeDeadline(b, now.Add(r.ExtendTo))
	})
}

// Sweep implements Store.
func (s *Bolt) Sweep(_ context.Context) (bool, error) {
	reclaimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil || !expired(readDeadline(b), s.now()) {
			return nil
		}
		reclaimed = true
		return tx.DeleteBucket(s.bucket)
	})
	if err != nil {
		return false, fmt.Errorf("failed to sweep bolt bucket: %w", err)
	}

	if reclaimed {
		s.logger.Info("Reclaimed expired namespace",
			zap.String("path", s.path),
			zap.ByteString("namespace", s.bucket))
	}
	return reclaimed, nil
}

// Close implements Store.
func (s *Bolt) Close() error {
	return s.db.Close()
}
