// Package host assembles the sampler's execution environment (store,
// randomness, clock, authenticator) from configuration. The collector
// processor and the command-line tool share it.
package host

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/deepaksharma/negative-reservoir/internal/auth"
	"github.com/deepaksharma/negative-reservoir/internal/clock"
	"github.com/deepaksharma/negative-reservoir/internal/random"
	"github.com/deepaksharma/negative-reservoir/internal/sampler"
	"github.com/deepaksharma/negative-reservoir/internal/store"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Randomness kinds.
const (
	RandomPCG           = "pcg"
	RandomDeterministic = "deterministic"
)

// Authenticators.
const (
	AuthSecp256k1 = "secp256k1"
	AuthTrusted   = "trusted"
)

// StoreConfig selects and locates the persistence backend.
type StoreConfig struct {
	// Backend is one of memory, bolt, badger or redis.
	Backend string `mapstructure:"backend"`

	// Path is the bolt file or badger directory.
	Path string `mapstructure:"path"`

	// RedisAddr is host:port of the redis server.
	RedisAddr string `mapstructure:"redis_addr"`
}

// RetentionConfig is the keep-alive window re-asserted after each mutation.
type RetentionConfig struct {
	Threshold string `mapstructure:"threshold"`
	ExtendTo  string `mapstructure:"extend_to"`
}

// RandomConfig selects the randomness source.
type RandomConfig struct {
	// Kind is pcg or deterministic.
	Kind string `mapstructure:"kind"`

	// Seed seeds the source. Empty seeds pcg from the runtime.
	Seed string `mapstructure:"seed"`
}

// Config describes one sampler deployment.
type Config struct {
	Namespace string          `mapstructure:"namespace"`
	Store     StoreConfig     `mapstructure:"store"`
	Retention RetentionConfig `mapstructure:"retention"`
	Random    RandomConfig    `mapstructure:"random"`

	// Auth is secp256k1 or trusted.
	Auth string `mapstructure:"auth"`
}

// DefaultConfig refreshes retention once less than three days remain and
// extends it to six.
func DefaultConfig() Config {
	return Config{
		Namespace: sampler.DefaultNamespace,
		Store: StoreConfig{
			Backend: BackendBolt,
			Path:    "data/negative-reservoir.db",
		},
		Retention: RetentionConfig{
			Threshold: "72h",
			ExtendTo:  "144h",
		},
		Random: RandomConfig{Kind: RandomPCG},
		Auth:   AuthSecp256k1,
	}
}

func parseOptionalDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", name, value)
	}
	return d, nil
}

// RetentionWindow parses the retention durations.
func (cfg *Config) RetentionWindow() (store.Retention, error) {
	threshold, err := parseOptionalDuration("retention.threshold", cfg.Retention.Threshold)
	if err != nil {
		return store.Retention{}, err
	}
	extendTo, err := parseOptionalDuration("retention.extend_to", cfg.Retention.ExtendTo)
	if err != nil {
		return store.Retention{}, err
	}
	if extendTo > 0 && threshold > extendTo {
		return store.Retention{}, fmt.Errorf("retention.threshold %s exceeds retention.extend_to %s", threshold, extendTo)
	}
	return store.Retention{Threshold: threshold, ExtendTo: extendTo}, nil
}

// Validate checks the host configuration.
func (cfg *Config) Validate() error {
	if cfg.Namespace == "" {
		return errors.New("namespace must be specified")
	}

	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendBolt, BackendBadger:
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path must be specified for the %s backend", cfg.Store.Backend)
		}
	case BackendRedis:
		if cfg.Store.RedisAddr == "" {
			return errors.New("store.redis_addr must be specified for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", cfg.Store.Backend)
	}

	if _, err := cfg.RetentionWindow(); err != nil {
		return err
	}

	switch cfg.Random.Kind {
	case RandomPCG:
	case RandomDeterministic:
		if cfg.Random.Seed == "" {
			return errors.New("random.seed must be specified for the deterministic source")
		}
	default:
		return fmt.Errorf("unknown random.kind %q", cfg.Random.Kind)
	}

	switch cfg.Auth {
	case AuthSecp256k1, AuthTrusted:
	default:
		return fmt.Errorf("unknown auth %q", cfg.Auth)
	}
	return nil
}

// OpenStore opens the configured backend.
func OpenStore(cfg Config, logger *zap.Logger) (store.Store, error) {
	opts := []store.Option{store.WithLogger(logger)}
	switch cfg.Store.Backend {
	case BackendMemory:
		return store.NewMemory(opts...), nil
	case BackendBolt:
		return store.OpenBolt(cfg.Store.Path, cfg.Namespace, opts...)
	case BackendBadger:
		return store.OpenBadger(store.BadgerConfig{
			Path:       cfg.Store.Path,
			SyncWrites: true,
		}, cfg.Namespace, opts...)
	case BackendRedis:
		return store.NewRedisFromAddr(cfg.Store.RedisAddr, cfg.Namespace, opts...)
	default:
		return nil, fmt.Errorf("unknown store.backend %q", cfg.Store.Backend)
	}
}

// xxhashSeed derives one 64-bit PCG seed word from a textual seed.
func xxhashSeed(seed []byte, word byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(seed)
	_, _ = d.Write([]byte{word})
	return d.Sum64()
}

// NewSource builds the configured randomness source.
func NewSource(cfg Config) (random.Source, error) {
	switch cfg.Random.Kind {
	case RandomPCG:
		if cfg.Random.Seed == "" {
			return random.NewRandomPCG(), nil
		}
		seed := []byte(cfg.Random.Seed)
		return random.NewPCG(xxhashSeed(seed, 0), xxhashSeed(seed, 1)), nil
	case RandomDeterministic:
		return random.NewDeterministic([]byte(cfg.Random.Seed)), nil
	default:
		return nil, fmt.Errorf("unknown random.kind %q", cfg.Random.Kind)
	}
}

// NewAuthenticator builds the configured authenticator.
func NewAuthenticator(cfg Config) (auth.Authenticator, error) {
	switch cfg.Auth {
	case AuthSecp256k1:
		return auth.Secp256k1Verifier{}, nil
	case AuthTrusted:
		return auth.Trusted{}, nil
	default:
		return nil, fmt.Errorf("unknown auth %q", cfg.Auth)
	}
}

// Open validates cfg and assembles a sampler over a freshly opened store. The
// caller owns the returned store and must close it.
func Open(cfg Config, logger *zap.Logger) (*sampler.Sampler, store.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	retention, err := cfg.RetentionWindow()
	if err != nil {
		return nil, nil, err
	}
	src, err := NewSource(cfg)
	if err != nil {
		return nil, nil, err
	}
	authenticator, err := NewAuthenticator(cfg)
	if err != nil {
		return nil, nil, err
	}

	st, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	s, err := sampler.New(sampler.Host{
		Store:  st,
		Random: src,
		Clock:  clock.NewWall(),
		Auth:   authenticator,
	}, sampler.Config{
		Namespace: cfg.Namespace,
		Retention: retention,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return s, st, nil
}
