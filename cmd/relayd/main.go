// relayd - WebSocket message relay daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getrelayd/relayd/pkg/config"
	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/server"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var (
	flagConfig    string
	flagPort      int
	flagRedisURL  string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "WebSocket message relay for end-to-end encrypted messaging",
	Long: `relayd is a publish/subscribe relay. Clients connect over WebSocket,
publish opaque messages to topics, and subscribe to topics to receive them.
Messages are stored until their TTL expires, so subscribers that connect
late still receive them.`,
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server (default command)",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("relayd %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to YAML config file")
		cmd.Flags().IntVarP(&flagPort, "port", "p", 0, "Listen port (overrides config)")
		cmd.Flags().StringVar(&flagRedisURL, "redis-url", "", "Redis URL (enables the Redis store)")
		cmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
		cmd.Flags().StringVar(&flagLogFormat, "log-format", "", "Log format: text or json")
	}
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagRedisURL != "" {
		cfg.Redis = config.RedisConfig{Enabled: true, URL: flagRedisURL}
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.ParseFormat(cfg.Logging.Format),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server.Version = Version
	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	errCh, err := srv.Start(ctx)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
