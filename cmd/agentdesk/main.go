package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/config"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "agentdesk",
	Short: "Local-first workspace and session manager for coding agents",
	Long: `agentdesk keeps workspaces, agent sessions, inbox messages and review
comments in a local SQLite database and synchronizes them with the cloud
when a user is signed in.

All local changes are recorded in an outbound queue first, so nothing is
lost while offline. Use 'agentdesk cloud' to inspect and drive sync.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Record Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "",
		"configuration and data directory (default: $AGENTDESK_HOME or ~/.agentdesk)")
}

// resolveConfigDir returns the config directory from flag, env, or default.
func resolveConfigDir() string {
	if configDir != "" {
		return configDir
	}
	if v := os.Getenv("AGENTDESK_HOME"); v != "" {
		return v
	}
	return config.DefaultDir()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
