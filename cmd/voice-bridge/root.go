package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sjawhar/voice-bridge/internal/config"
)

var (
	configPath string
	logLevel   string
	serverAddr string

	cfg      config.Config
	warnings []string
)

var rootCmd = &cobra.Command{
	Use:   "voice-bridge",
	Short: "Talk to a voice bot from your desk",
	Long: `voice-bridge connects your microphone to a real-time voice bot session,
starts and stops the bot for the session's room, and keeps a live
transcript of the conversation.

Quick Start:
  voice-bridge serve               # run the web UI and session controller
  voice-bridge connect             # open a session on a running server
  voice-bridge bot activate        # invite the bot into the room
  voice-bridge attach              # follow the live transcript`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, warns, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		cfg, warnings = loaded, warns
		slog.SetDefault(setupLogger(cfg, os.Stderr))
		if serverAddr == "" {
			serverAddr = cfg.ListenAddr
		}
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "voice-bridge.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "Address of a running voice-bridge server (defaults to listen_addr)")
}

func setupLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
