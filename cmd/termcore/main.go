package main

import (
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/user/termcore/internal/config"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var flagConfig string

func main() {
	rootCmd := &cobra.Command{
		Use:   "termcore",
		Short: "PTY terminal sessions over WebSocket and REST",
		Long: `termcore runs interactive shell sessions on pseudo-terminals and
streams their output to browser clients.

Configuration is read from ~/.config/termcore/config.yaml, TERMCORE_*
environment variables, and command-line flags, in increasing priority.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default ~/.config/termcore/config.yaml)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("termcore v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show termcore version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "termcore v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
			return nil
		},
	}
}

// flagOverrides returns config overrides for the flags the user actually set.
func flagOverrides(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("port") {
			cfg.Port, _ = flags.GetInt("port")
		}
		if flags.Changed("token") {
			cfg.Token, _ = flags.GetString("token")
		}
		if flags.Changed("shell") {
			cfg.Shell, _ = flags.GetString("shell")
		}
		if flags.Changed("dir") {
			cfg.Dir, _ = flags.GetString("dir")
		}
		if flags.Changed("db") {
			cfg.DBPath, _ = flags.GetString("db")
		}
		if flags.Changed("no-history") {
			noHistory, _ := flags.GetBool("no-history")
			cfg.History = !noHistory
		}
		if flags.Changed("log-level") {
			cfg.LogLevel, _ = flags.GetString("log-level")
		}
		if flags.Changed("log-format") {
			cfg.LogFormat, _ = flags.GetString("log-format")
		}
	}
}
