// Package cmd implements the CLI commands for alvrserver.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var logger *slog.Logger

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "alvrserver",
	Short: "UDP session/transport core for a wireless VR streaming host",
	Long: `alvrserver runs the discovery/connect state machine, UDP datagram
protocol, clock sync and idle-timeout liveness described for the ALVR
network core. It does not encode or decode video itself; an external
encoder drives SendVideoFrame and a pose consumer reads
GetTrackingSnapshot over the same process.

Configuration is via ALVR_-prefixed environment variables or flags:
  ALVR_UDP_PORT       - UDP datagram port (default 9944)
  ALVR_CONTROL_PORT   - local control-channel port (default 9943)
  ALVR_LOG_LEVEL      - debug, info, warn, error (default info)
  ALVR_LOG_FORMAT     - text, json (default text)`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().String("udp-host", "", "UDP datagram bind host")
	rootCmd.PersistentFlags().Int("udp-port", 0, "UDP datagram bind port")
	rootCmd.PersistentFlags().String("control-host", "", "control-channel bind host")
	rootCmd.PersistentFlags().Int("control-port", 0, "control-channel bind port")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initLogging(cmd)
	}
}

// initLogging builds the process-wide slog.Logger from the log-level/format
// flags, then the ALVR_LOG_LEVEL/ALVR_LOG_FORMAT environment variables,
// falling back to the same info/text defaults internal/config.Default uses
// when neither is set.
func initLogging(cmd *cobra.Command) error {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	if level == "" {
		level = os.Getenv("ALVR_LOG_LEVEL")
	}
	if format == "" {
		format = os.Getenv("ALVR_LOG_FORMAT")
	}
	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "text"
	}

	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q", level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	handler = newHandler(strings.ToLower(format), os.Stderr, opts)

	logger = slog.New(handler)
	slog.SetDefault(logger)
	return nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
