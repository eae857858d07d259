package negativesampler

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/collector/component"

	"github.com/deepaksharma/negative-reservoir/internal/auth"
	"github.com/deepaksharma/negative-reservoir/internal/host"
	"github.com/deepaksharma/negative-reservoir/internal/sampler"
	"github.com/deepaksharma/negative-reservoir/internal/sentiment"
)

// AttributesConfig names the log record attributes read by the processor.
type AttributesConfig struct {
	// ID carries the comment's external identifier.
	ID string `mapstructure:"id"`

	// Score carries a precomputed 0..100 score. When absent the score is
	// derived from the record body.
	Score string `mapstructure:"score"`

	// Status carries the sentiment class. When absent the body is classified.
	Status string `mapstructure:"status"`
}

// Config defines configuration for the negative sampler processor.
type Config struct {
	host.Config `mapstructure:",squash"`

	// Capacity of a newly initialized reservoir. Zero uses the sampler default.
	// An existing reservoir keeps the capacity it was created with.
	Capacity uint32 `mapstructure:"capacity"`

	// Admin is the identity allowed to reset the reservoir. It is required
	// only when the processor has to initialize a new reservoir.
	Admin string `mapstructure:"admin"`

	// SweepScheduleCron is the cron schedule for reclaiming expired state.
	SweepScheduleCron string `mapstructure:"sweep_schedule_cron"`

	Attributes AttributesConfig `mapstructure:"attributes"`

	// NegativeStatus is the status attribute value that marks a record negative.
	NegativeStatus int64 `mapstructure:"negative_status"`
}

var _ component.Config = (*Config)(nil)

// Validate checks if the processor configuration is valid
func (cfg *Config) Validate() error {
	if err := cfg.Config.Validate(); err != nil {
		return err
	}

	if cfg.Admin != "" && cfg.Auth == host.AuthSecp256k1 {
		if _, err := auth.ParseIdentity(auth.Identity(cfg.Admin)); err != nil {
			return fmt.Errorf("invalid admin: %w", err)
		}
	}

	if cfg.SweepScheduleCron != "" {
		if _, err := cron.ParseStandard(cfg.SweepScheduleCron); err != nil {
			return fmt.Errorf("invalid sweep_schedule_cron: %w", err)
		}
	}

	if cfg.Attributes.ID == "" {
		return errors.New("attributes.id must be specified")
	}

	return nil
}

func createDefaultConfig() component.Config {
	hc := host.DefaultConfig()
	hc.Store.Path = "negative_sampler.db"
	return &Config{
		Config:            hc,
		Capacity:          sampler.DefaultCapacity,
		SweepScheduleCron: "@every 1h",
		Attributes: AttributesConfig{
			ID:     "comment.id",
			Score:  "comment.scoring",
			Status: "comment.status",
		},
		NegativeStatus: int64(sentiment.Negative),
	}
}
