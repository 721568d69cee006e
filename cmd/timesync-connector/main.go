package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"timesync-connector/internal/app"
	"timesync-connector/internal/config"
	"timesync-connector/internal/logger"
)

func main() {
	var (
		configFile string
		verbose    bool
	)

	root := &cobra.Command{
		Use:   "timesync-connector",
		Short: "Pulls posted time groups from the connect API and delivers them exactly once",
		Long: `timesync-connector polls the remote posted-time queue, dispatches each group
through the local processor with a write-ahead ledger, and acknowledges the
outcome back to the queue. Without a subcommand it runs as a service.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to a yaml/toml/json config file (environment variables take precedence)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// setup loads config and builds the app. The caller owns the returned
	// cleanup.
	setup := func(ctx context.Context) (*app.App, *zap.Logger, func(), error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, nil, nil, err
		}
		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		log, err := logger.New(logger.Config{
			Level:       level,
			Development: cfg.Log.Development,
			Encoding:    cfg.Log.Encoding,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		a, err := app.New(ctx, log, cfg)
		if err != nil {
			_ = log.Sync()
			return nil, nil, nil, fmt.Errorf("initialize app: %w", err)
		}
		cleanup := func() {
			if err := a.Close(); err != nil {
				log.Warn("close ledger", zap.Error(err))
			}
			_ = log.Sync()
		}
		return a, log, cleanup, nil
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and the health/metrics server until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, log, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			log.Info("connector starting")
			if err := a.Run(cmd.Context()); err != nil {
				log.Error("connector stopped with error", zap.Error(err))
				return err
			}
			log.Info("connector stopped")
			return nil
		},
	}
	root.RunE = runCmd.RunE
	root.AddCommand(runCmd)

	var batch int
	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Run a single poll cycle and print its counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := a.PollOnce(cmd.Context(), batch)
			if perr := printJSON(cmd, res); perr != nil {
				return perr
			}
			return err
		},
	}
	pollCmd.Flags().IntVar(&batch, "batch", 0, "Maximum groups to fetch (default: poll.batch_size)")
	root.AddCommand(pollCmd)

	root.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Refresh the reference data snapshot once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := a.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Remove terminal ledger entries older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := a.Prune(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int64{"pruned": n})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "ledger <group-id>",
		Short: "Print the ledger entry of a posted group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			entry, err := a.Entry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if entry == nil {
				return printJSON(cmd, map[string]string{"group_id": args[0], "state": "unknown"})
			}
			return printJSON(cmd, entry)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
