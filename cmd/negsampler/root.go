package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deepaksharma/negative-reservoir/internal/host"
	"github.com/deepaksharma/negative-reservoir/internal/sampler"
	"github.com/deepaksharma/negative-reservoir/internal/store"
)

type rootOptions struct {
	configPath string
	namespace  string
	logLevel   string
	logFile    string

	cfg    host.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "negsampler",
		Short:         "Maintain a fair reservoir sample of negative comment events",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	flags.StringVarP(&opts.namespace, "namespace", "n", "", "state namespace (overrides the config file)")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to this file with rotation instead of stderr")

	root.AddCommand(
		newInitCmd(opts),
		newSubmitCmd(opts),
		newSampleCmd(opts),
		newStatsCmd(opts),
		newChallengeCmd(opts),
		newResetCmd(opts),
		newSweepCmd(opts),
		newKeygenCmd(),
		newClassifyCmd(),
	)
	return root
}

func (o *rootOptions) setup() error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.namespace != "" {
		cfg.Namespace = o.namespace
	}
	o.cfg = cfg

	logger, err := newLogger(o.logLevel, o.logFile)
	if err != nil {
		return err
	}
	o.logger = logger
	return nil
}

// withSampler opens the configured host for the duration of fn.
func (o *rootOptions) withSampler(ctx context.Context, fn func(context.Context, *sampler.Sampler, store.Store) error) error {
	s, st, err := host.Open(o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			o.logger.Warn("Failed to close store", zap.Error(err))
		}
	}()
	return fn(ctx, s, st)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
