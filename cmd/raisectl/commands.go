package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmeshcher/raise-allocation/internal/app"
	"github.com/mmeshcher/raise-allocation/internal/config"
	"github.com/mmeshcher/raise-allocation/internal/middleware"
	"github.com/mmeshcher/raise-allocation/internal/model"
	"github.com/mmeshcher/raise-allocation/internal/service"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "raisectl",
		Short:         "Operator tool for the raise allocation service",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		cmdValidateConfig(),
		cmdToken(),
		cmdAllocate(),
		cmdRetryPayout(),
		cmdPreview(),
		cmdSweepExpired(),
		cmdReconcile(),
	)

	return cmd
}

func cmdValidateConfig() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Check environment and settings file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
}

func cmdToken() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}

			token, err := middleware.NewAuthMiddleware(cfg.JWTSecret).
				IssueToken(middleware.Actor{ID: subject, Role: role}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "sub", "", "actor id")
	cmd.Flags().StringVar(&role, "role", middleware.RoleAdmin, "actor role: business, investor or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")

	return cmd
}

func cmdAllocate() *cobra.Command {
	return &cobra.Command{
		Use:   "allocate [pool-id]",
		Short: "Allocate a funded pool and release the payout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *service.Service) error {
				if err := svc.AllocateAndPayout(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pool %s allocated\n", args[0])
				return nil
			})
		},
	}
}

func cmdRetryPayout() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-payout [pool-id]",
		Short: "Retry a failed payout of an allocated pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *service.Service) error {
				if err := svc.RetryPayout(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "payout for pool %s released\n", args[0])
				return nil
			})
		},
	}
}

type previewItem struct {
	CertificateNumber string      `json:"certificate_number"`
	ContributorID     string      `json:"contributor_id"`
	Instrument        string      `json:"instrument"`
	Grant             model.Grant `json:"grant"`
}

type previewOutput struct {
	Allocations                  []previewItem `json:"allocations"`
	TotalPrincipalAllocatedCents int64         `json:"total_principal_allocated_cents"`
	RemainingGoalCents           int64         `json:"remaining_goal_cents"`
}

func cmdPreview() *cobra.Command {
	return &cobra.Command{
		Use:   "preview [pool-id]",
		Short: "Show allocations for the current captured contributions without saving them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *service.Service) error {
				res, err := svc.PreviewAllocations(ctx, args[0])
				if err != nil {
					return err
				}

				out := previewOutput{
					Allocations:                  make([]previewItem, 0, len(res.Allocations)),
					TotalPrincipalAllocatedCents: res.TotalPrincipalAllocatedCents,
					RemainingGoalCents:           res.RemainingGoalCents,
				}
				for _, a := range res.Allocations {
					out.Allocations = append(out.Allocations, previewItem{
						CertificateNumber: a.CertificateNumber,
						ContributorID:     a.ContributorID,
						Instrument:        string(a.Grant.Instrument()),
						Grant:             a.Grant,
					})
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			})
		},
	}
}

func cmdSweepExpired() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-expired",
		Short: "Expire and refund OPEN pools past their deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, func(ctx context.Context, svc *service.Service) error {
				n, err := svc.SweepExpired(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "%d pools processed\n", n)
				return err
			})
		},
	}
}

func cmdReconcile() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Allocate FUNDED pools whose scheduled allocation was lost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, func(ctx context.Context, svc *service.Service) error {
				n, err := svc.ReconcileFunded(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "%d pools processed\n", n)
				return err
			})
		},
	}
}

func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *service.Service) error) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("new logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	a, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a.Service)
}
