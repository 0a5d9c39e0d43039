package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/r0bb10/ornament-node/internal/node"
	"github.com/r0bb10/ornament-node/internal/settings"
)

// FirmwareVersion is injected at build time via -ldflags
var FirmwareVersion = "dev"

var rootCmd = &cobra.Command{
	Use:           "ornament-node",
	Short:         "Touch and LED node with safe-mode boot, OTA updates and MQTT",
	Long:          `Runs the ornament node: double-reset credential wipe, update check, touch calibration and the MQTT dispatch loop.`,
	Version:       FirmwareVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.String("settings", "", "settings file (default node.yaml in . or /etc/ornament-node)")
	f.String("data-dir", "/var/lib/ornament-node", "directory holding config, markers and credentials")
	f.String("install-dir", "", "directory updated files are installed into (default data-dir)")
	f.String("update-source", settings.SourceHTTP, "update source: http or s3")
	f.String("update-url", "", "base URL of the update manifest, overrides the device config")
	f.String("s3-bucket", "", "S3 bucket holding updates")
	f.Bool("gpio-enabled", true, "drive the touch sensor and LED through GPIO")
	f.Bool("seal-config", false, "encrypt a plaintext device config on first boot")
	f.String("log-level", "info", "log level: debug, info, warn or error")
}

func run(cmd *cobra.Command, _ []string) error {
	file, _ := cmd.Flags().GetString("settings")
	s, err := settings.Load(file, cmd.Flags())
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	settings.Normalize(s)

	level, err := settings.ParseLevel(s.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("ornament node starting", "version", FirmwareVersion, "data_dir", s.DataDir)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return node.New(s, node.Deps{}, logger).Main(ctx)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
