package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mnehpets/hfconnect/config"
)

// Version information set via ldflags at build time
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "hfconnect",
	Short:   "Hugging Face OAuth connector",
	Long:    `Serves the OAuth start, callback and exchange routes and keeps the resulting access token in a sealed cookie.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		return config.LoadDotEnv(envFile)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate("hfconnect version {{.Version}}\n")
	rootCmd.PersistentFlags().String("env-file", ".env", "Path to a .env file; existing variables win")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	mustBind(viper.GetViper(), config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))
	mustBind(viper.GetViper(), config.KeyLogFormat, rootCmd.PersistentFlags().Lookup("log-format"))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from cfg.
func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}
