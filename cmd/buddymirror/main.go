// buddymirror is the storage daemon and admin tool for buddy-mirrored
// storage targets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beegfs/buddymirror/internal/config"
	"github.com/beegfs/buddymirror/internal/metrics"
	"github.com/beegfs/buddymirror/internal/server"
	"github.com/beegfs/buddymirror/pkg/proto"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	clusterFile string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(proto.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "buddymirror",
		Short: "Buddy-mirrored storage targets with background resync",
		Long: `buddymirror serves chunk storage targets organised in buddy groups.
Writes on a primary target are forwarded to its secondary; when the two
fall out of step the primary resyncs the secondary in the background.

  # Run the storage daemon:
  buddymirror serve --config /etc/buddymirror/storage.yaml

  # Resync everything changed in the last two hours on group 1:
  buddymirror resync start --group 1 --timespan 2h -c /etc/buddymirror/storage.yaml

  # Watch progress:
  buddymirror resync stats --group 1 -c /etc/buddymirror/storage.yaml`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newResyncCmd())
	rootCmd.AddCommand(newLocksCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the storage daemon",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") {
		logLevel = cfg.LogLevel
		setupLogging()
	}

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Uint16("node_id", uint16(cfg.NodeID)).
		Int("targets", len(cfg.Targets)).
		Msg("starting storage daemon")

	app, err := server.New(server.Options{
		Config:  cfg,
		Logger:  log.Logger,
		Metrics: metrics.InitMetrics(strconv.Itoa(int(cfg.NodeID))),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return app.Run(ctx)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "buddymirror %s\n", Version)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
		},
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
