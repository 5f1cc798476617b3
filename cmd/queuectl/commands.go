package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"qms/queue-engine/internal/bootstrap"
	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/estimate"
	"qms/queue-engine/internal/models"
)

const commandTimeout = 30 * time.Second

// session is what a command needs from the configured backends.
type session struct {
	backends *bootstrap.Backends
	engine   *engine.Engine
}

type openFunc func(ctx context.Context, logger *slog.Logger) (*session, func(), error)

type rootOptions struct {
	Format  string
	Verbose bool
	open    openFunc
}

func openFromEnv(ctx context.Context, logger *slog.Logger) (*session, func(), error) {
	cfg := config.Load()
	backends, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	eng, err := backends.Engine(cfg, logger)
	if err != nil {
		backends.Close()
		return nil, nil, err
	}
	return &session{backends: backends, engine: eng}, backends.Close, nil
}

func newRootCommand(open openFunc) *cobra.Command {
	opts := &rootOptions{open: open}

	cmd := &cobra.Command{
		Use:           "queuectl",
		Short:         "Inspect and operate queues",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log backend diagnostics to stderr")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newStateCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newCallNextCommand(opts))
	cmd.AddCommand(newResetDailyCommand(opts))
	return cmd
}

// with opens the backends for the duration of fn.
func (o *rootOptions) with(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	level := slog.LevelError
	if o.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	s, closeFn, err := o.open(ctx, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, s)
}

func (o *rootOptions) print(w io.Writer, value interface{}, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}
	text(w)
	return nil
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, s *session) error {
				if s.backends.Postgres == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "DB_DSN not set, nothing to migrate")
					return nil
				}
				if err := s.backends.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func newStateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <queue-id>",
		Short: "Show the ordered positions of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, s *session) error {
				state, err := s.engine.GetQueueState(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), state, func(w io.Writer) {
					fmt.Fprintf(w, "%s (%s) waiting=%d called=%d\n", state.Queue.Name, state.Queue.Status, state.Waiting, state.Called)
					for _, p := range state.Positions {
						fmt.Fprintf(w, "%3d  %-8s %-7s %-24s eta %s\n", p.Position.Position, p.Priority, p.Status, p.ClientID, estimate.Format(p.EstimatedWaitTime))
					}
				})
			})
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "stats <queue-id>",
		Short: "Show service statistics for a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, s *session) error {
				stats, err := s.engine.GetQueueStats(ctx, args[0], period)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), stats, func(w io.Writer) {
					fmt.Fprintf(w, "period:       %s\n", stats.Period)
					fmt.Fprintf(w, "services:     %d total, %d completed, %d cancelled, %d redirected\n",
						stats.Services.Total, stats.Services.Completed, stats.Services.Cancelled, stats.Services.Redirected)
					fmt.Fprintf(w, "completion:   %.2f%%\n", stats.CompletionRate)
					fmt.Fprintf(w, "avg service:  %.0fs\n", stats.Services.AverageServiceTime)
					fmt.Fprintf(w, "waiting:      %d (%d operators available)\n", stats.Waiting, stats.AvailableOperators)
					fmt.Fprintf(w, "expected wait %s\n", stats.FormattedWaitTime)
				})
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", models.PeriodDay, "aggregation window (day|week|month)")
	return cmd
}

func newCallNextCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call-next <queue-id>",
		Short: "Call the next waiting client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, s *session) error {
				p, err := s.engine.CallNext(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), p, func(w io.Writer) {
					fmt.Fprintf(w, "called %s (%s)\n", p.ClientID, p.Priority)
				})
			})
		},
	}
}

func newResetDailyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-daily",
		Short: "Reset operator daily service counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, s *session) error {
				count, err := s.engine.ResetDailyCounters(ctx)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), map[string]int{"operators": count}, func(w io.Writer) {
					fmt.Fprintf(w, "reset %d operators\n", count)
				})
			})
		},
	}
}
