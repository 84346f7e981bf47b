// Package main is campaignctl, the operator CLI for the campaign pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forem/forem-sub087/internal/app"
	"github.com/forem/forem-sub087/internal/config"
	"github.com/forem/forem-sub087/internal/flags"
	"github.com/forem/forem-sub087/internal/telemetry"
)

const (
	serviceName = "campaignctl"
	version     = "1.0.0"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "campaignctl",
		Short:        "Operate the bulk email campaign pipeline",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		dispatchCommand(),
		dripCommand(),
		sampleCommand(),
		purgeCommand(),
		flagsCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("[ERROR]", err)
		os.Exit(1)
	}
}

// withApp loads config, sets up observability and runs fn against a connected pipeline.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flush, err := app.InitObservability(ctx, cfg, serviceName, version)
	if err != nil {
		return err
	}
	defer flush()

	ctx = telemetry.WithCorrelationID(ctx, telemetry.NewCorrelationID())
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func dispatchCommand() *cobra.Command {
	var inline bool
	cmd := &cobra.Command{
		Use:   "dispatch <campaign-id>",
		Short: "Fan a campaign out into delivery batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaignID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || campaignID <= 0 {
				return fmt.Errorf("campaign id must be a positive integer, got %q", args[0])
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !inline {
					if err := a.Enqueuer.EnqueueDispatch(ctx, campaignID); err != nil {
						return err
					}
					fmt.Printf("campaign %d dispatch enqueued\n", campaignID)
					return nil
				}

				result, err := a.Services.Dispatcher.Dispatch(ctx, campaignID)
				if err != nil {
					return err
				}
				fmt.Printf("campaign %d: %d batches, %d recipients enqueued\n",
					campaignID, result.Batches, result.Recipients)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&inline, "inline", false, "resolve the audience here instead of in a worker")
	return cmd
}

func dripCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drip",
		Short: "Run the onboarding drip scheduler once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Services.Drip.Run(ctx, time.Now())
				fmt.Printf("drip: sent=%d skipped=%d failed=%d\n", stats.Sent, stats.Skipped, stats.Failed)
				return err
			})
		},
	}
}

func sampleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Run survey sampling once, unless a run is already in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, ran, err := a.Handlers.RunSurveys(ctx)
				if err != nil {
					return err
				}
				if !ran {
					fmt.Println("survey sampling is already running, nothing sent")
					return nil
				}
				fmt.Printf("survey invites: sent=%d skipped=%d failed=%d\n", stats.Sent, stats.Skipped, stats.Failed)
				return nil
			})
		},
	}
}

func purgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete delivery records past the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				deleted, err := a.Services.Cleanup.Run(ctx, time.Now())
				fmt.Printf("deleted %d delivery records\n", deleted)
				return err
			})
		},
	}
}

func flagsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Inspect and toggle feature flags",
	}

	show := &cobra.Command{
		Use:   "show [name]",
		Short: "Print a flag's effective value",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := flagName(args)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				on, err := a.Flags.Enabled(ctx, name)
				if err != nil {
					return err
				}
				fmt.Printf("%s=%t\n", name, on)
				return nil
			})
		},
	}

	set := func(use, short string, on bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [name]",
			Short: short,
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				name := flagName(args)
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					return a.Flags.Set(ctx, name, on)
				})
			},
		}
	}

	clearCmd := &cobra.Command{
		Use:   "clear [name]",
		Short: "Remove the override so the configured default applies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := flagName(args)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Flags.Clear(ctx, name)
			})
		},
	}

	cmd.AddCommand(show, set("enable", "Turn a flag on", true), set("disable", "Turn a flag off", false), clearCmd)
	return cmd
}

func flagName(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return flags.OnboardingDripEmails
}
