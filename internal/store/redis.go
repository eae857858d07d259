package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a Store backed by a Redis server. Updates run as WATCH followed by
// MULTI/EXEC and retention maps onto PEXPIRE over every key of the namespace.
type Redis struct {
	client redis.UniversalClient
	prefix string
	index  string

	logger *zap.Logger
}

var _ Store = (*Redis)(nil)

// NewRedis wraps client. The store owns the client and closes it on Close.
func NewRedis(client redis.UniversalClient, namespace string, opts ...Option) (*Redis, error) {
	if namespace == "" {
		return nil, ErrEmptyNamespace
	}
	if client == nil {
		return nil, errors.New("store: nil redis client")
	}
	o := applyOptions(opts)

	return &Redis{
		client: client,
		prefix: namespace + ":",
		index:  namespace + ":\x00keys",
		logger: o.logger,
	}, nil
}

func (s *Redis) key(k string) string {
	return s.prefix + k
}

func (s *Redis) fullKeys(keys []string) []string {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return full
}

// mgetter is satisfied by both the client and a watched transaction.
type mgetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func (s *Redis) read(ctx context.Context, c mgetter, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	values, err := c.MGet(ctx, s.fullKeys(keys)...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read redis keys: %w", err)
	}
	for i, v := range values {
		if str, ok := v.(string); ok {
			result[keys[i]] = []byte(str)
		}
	}
	return result, nil
}

// Load implements Store.
func (s *Redis) Load(ctx context.Context, keys ...string) (map[string][]byte, error) {
	return s.read(ctx, s.client, keys)
}

// Update implements Store. The keys and the namespace index are WATCHed, so
// EXEC fails if anyone else touched them after the read; the update is then
// retried from the read.
func (s *Redis) Update(ctx context.Context, keys []string, fn UpdateFunc) error {
	watched := append(s.fullKeys(keys), s.index)

	var fnErr error
	txf := func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, keys)
		if err != nil {
			return err
		}

		batch, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}

		// New keys inherit whatever lifetime the namespace currently has.
		ttl, err := tx.PTTL(ctx, s.index).Result()
		if err != nil {
			return fmt.Errorf("failed to read namespace ttl: %w", err)
		}
		var expiration time.Duration = redis.KeepTTL
		if ttl > 0 {
			expiration = ttl
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, value := range batch {
				full := s.key(k)
				if value == nil {
					pipe.Del(ctx, full)
					pipe.SRem(ctx, s.index, full)
					continue
				}
				pipe.Set(ctx, full, value, expiration)
				pipe.SAdd(ctx, s.index, full)
			}
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		fnErr = nil
		err := s.client.Watch(ctx, txf, watched...)
		switch {
		case fnErr != nil:
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			s.logger.Debug("Retrying conflicting redis update", zap.Int("attempt", attempt))
			continue
		case err != nil:
			return fmt.Errorf("failed to commit redis batch: %w", err)
		}
		return nil
	}
	return ErrConflict
}

// ExtendRetention implements Store.
func (s *Redis) ExtendRetention(ctx context.Context, r Retention) error {
	if !r.Enabled() {
		return nil
	}

	ttl, err := s.client.PTTL(ctx, s.index).Result()
	if err != nil {
		return fmt.Errorf("failed to read namespace ttl: %w", err)
	}
	// -2: namespace is gone, nothing to keep alive.
	if ttl == -2 {
		return nil
	}
	if ttl > 0 && ttl >= r.Threshold {
		return nil
	}

	members, err := s.client.SMembers(ctx, s.index).Result()
	if err != nil {
		return fmt.Errorf("failed to list namespace keys: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			pipe.PExpire(ctx, m, r.ExtendTo)
		}
		pipe.PExpire(ctx, s.index, r.ExtendTo)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to extend namespace ttl: %w", err)
	}

	s.logger.Debug("Extended namespace retention",
		zap.Int("keys", len(members)),
		zap.Duration("extend_to", r.ExtendTo))
	return nil
}

// Sweep implements Store. Redis expires keys itself.
func (s *Redis) Sweep(context.Context) (bool, error) {
	return false, nil
}

// Close implements Store.
func (s *Redis) Close() error {
	return s.client.Close()
}

// redisDialTimeout bounds connection setup for clients built from config.
const redisDialTimeout = 5 * time.Second

// NewRedisFromAddr dials addr and wraps the client.
func NewRedisFromAddr(addr, namespace string, opts ...Option) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: redisDialTimeout,
	})
	s, err := NewRedis(client, namespace, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}
