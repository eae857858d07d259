package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deepaksharma/negative-reservoir/internal/auth"
	"github.com/deepaksharma/negative-reservoir/internal/sampler"
	"github.com/deepaksharma/negative-reservoir/internal/sentiment"
	"github.com/deepaksharma/negative-reservoir/internal/store"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	var (
		admin    string
		capacity uint32
	)
	c := &cobra.Command{
		Use:   "init",
		Short: "Create the reservoir with an admin identity and capacity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withSampler(cmd.Context(), func(ctx context.Context, s *sampler.Sampler, _ store.Store) error {
				if err := s.Initialize(ctx, auth.Identity(admin), capacity); err != nil {
					return err
				}
				stats, err := s.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
	c.Flags().StringVar(&admin, "admin", "", "admin identity allowed to reset")
	c.Flags().Uint32Var(&capacity, "capacity", sampler.DefaultCapacity, "reservoir capacity")
	_ = c.MarkFlagRequired("admin")
	return c
}

type submitOutput struct {
	Action    string `json:"action"`
	Slot      int    `json:"slot"`
	TotalSeen uint64 `json:"total_seen"`
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		score       uint32
		fingerprint string
		text        string
	)
	c := &cobra.Command{
		Use:   "submit <external-id>",
		Short: "Offer one negative event to the reservoir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if text == "" && !flags.Changed("score") {
				return errors.New("either --score or --text is required")
			}
			if text != "" {
				if !flags.Changed("score") {
					score = sentiment.Score(text)
				}
				if !flags.Changed("fingerprint") {
					fingerprint = sentiment.Fingerprint(text)
				}
			}

			return opts.withSampler(cmd.Context(), func(ctx context.Context, s *sampler.Sampler, _ store.Store) error {
				out, err := s.Submit(ctx, args[0], score, fingerprint)
				if err != nil {
					return err
				}
				return printJSON(cmd, submitOutput{
					Action:    out.Action.String(),
					Slot:      out.Slot,
					TotalSeen: out.TotalSeen,
				})
			})
		},
	}
	c.Flags().Uint32Var(&score, "score", 0, "score between 0 and 100")
	c.Flags().StringVar(&fingerprint, "fingerprint", "", "content fingerprint")
	c.Flags().StringVar(&text, "text", "", "comment text to derive score and fingerprint from")
	return c
}

func newSampleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Print the reservoir in slot order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withSampler(cmd.Context(), func(ctx context.Context, s *sampler.Sampler, _ store.Store) error {
				records, err := s.Sample(ctx)
				if err != nil {
					return err
				}
				if records == nil {
					records = []sampler.Record{}
				}
				return printJSON(cmd, records)
			})
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print total seen, capacity and current length",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withSampler(cmd.Context(), func(ctx context.Context, s *sampler.Sampler, _ store.Store) error {
				stats, err := s.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

type challengeOutput struct {
	Challenge string `json:"challenge"`
	Hex       string `json:"hex"`
}

func newChallengeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "challenge",
		Short: "Print the message the admin must sign to reset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withSampler(cmd.Context(), func(ctx context.Context, s *sampler.Sampler, _ store.Store) error {
				msg, err := s.ResetChallenge(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, challengeOutput{Challenge: string(msg), Hex: hex.EncodeToString(msg)})
			})
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var (
		key       string
		admin     string
		signature string
	)
	c := &cobra.Command{
		Use:   "reset",
		Short: "Clear the counter and the reservoir",
		Long: "Clear the counter and the reservoir. Sign with --key, or pass a " +
			"signature over the current challenge with --admin and --signature.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var signer *auth.Signer
			if key != "" {
				var err error
				if signer, err = auth.SignerFromHex(key); err != nil {
					return err
				}
				admin = string(signer.Identity())
			}
			if admin == "" {
				return errors.New("--key or --admin is required")
			}

			var proof []byte
			if signature != "" {
				var err error
				if proof, err = hex.DecodeString(signature); err != nil {
					return fmt.Errorf("invalid --signature: %w", err)
				}
			}

			return opts.withSampler(cmd.Context(), func(ctx context.Context, s *sampler.Sampler, _ store.Store) error {
				if signer != nil {
					msg, err := s.ResetChallenge(ctx)
					if err != nil {
						return err
					}
					proof = signer.Sign(msg)
				}
				if err := s.Reset(ctx, auth.Identity(admin), proof); err != nil {
					return err
				}
				stats, err := s.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
	c.Flags().StringVar(&key, "key", "", "admin private key in hex")
	c.Flags().StringVar(&admin, "admin", "", "admin identity")
	c.Flags().StringVar(&signature, "signature", "", "hex signature over the reset challenge")
	c.MarkFlagsMutuallyExclusive("key", "admin")
	c.MarkFlagsMutuallyExclusive("key", "signature")
	return c
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim the namespace if its retention window has lapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withSampler(cmd.Context(), func(ctx context.Context, _ *sampler.Sampler, st store.Store) error {
				removed, err := st.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]bool{"removed": removed})
			})
		},
	}
}

type keygenOutput struct {
	Identity   string `json:"identity"`
	PrivateKey string `json:"private_key"`
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an admin key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, err := auth.NewSigner()
			if err != nil {
				return err
			}
			return printJSON(cmd, keygenOutput{
				Identity:   string(signer.Identity()),
				PrivateKey: signer.Hex(),
			})
		},
	}
}

type classifyOutput struct {
	Status      string `json:"status"`
	Negative    bool   `json:"negative"`
	Score       uint32 `json:"score"`
	Fingerprint string `json:"content_fingerprint"`
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>",
		Short: "Show how a comment would be classified and scored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := sentiment.Analyze(args[0])
			return printJSON(cmd, classifyOutput{
				Status:      status.String(),
				Negative:    status == sentiment.Negative,
				Score:       sentiment.Score(args[0]),
				Fingerprint: sentiment.Fingerprint(args[0]),
			})
		},
	}
}
