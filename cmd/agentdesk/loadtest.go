package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/cloudsync/db"
	"github.com/agentdesk/agentdesk/internal/cloudsync/loadtest"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/ui"
)

var cloudLoadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Stress the sync engine with concurrent writers",
	Long: `Run concurrent writers against a scratch database and an in-memory cloud
that fails a share of writes, then check that the queue drains with exactly
one cloud record per local record.

The configured database and cloud are not touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := loadtest.DefaultOptions()
		opts.Agents, _ = cmd.Flags().GetInt("agents")
		opts.SessionsPerAgent, _ = cmd.Flags().GetInt("sessions")
		opts.FailureRate, _ = cmd.Flags().GetFloat64("failure-rate")
		opts.Timeout, _ = cmd.Flags().GetDuration("timeout")
		verbose, _ := cmd.Flags().GetBool("verbose")

		dir, err := os.MkdirTemp("", "agentdesk-loadtest-*")
		if err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
		defer os.RemoveAll(dir)

		store, err := db.Open(filepath.Join(dir, "loadtest.db"))
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.InitSchema(); err != nil {
			return err
		}

		if verbose {
			out, err := logging.NewOutput(logging.Options{})
			if err != nil {
				return err
			}
			defer out.Close()
			opts.Logger = out.Logger("coordinator")
		}

		fmt.Printf("%s Load test: %d agents, %d sessions each, %.0f%% cloud failures\n\n",
			ui.RenderAccent("⇅"), opts.Agents, opts.SessionsPerAgent, opts.FailureRate*100)

		res, err := loadtest.Run(cmd.Context(), store, opts)
		if res != nil {
			res.Print(os.Stdout)
			fmt.Println()
		}
		if err != nil {
			fmt.Printf("%s %v\n", ui.RenderFail("✗"), err)
			return fmt.Errorf("load test failed")
		}
		fmt.Printf("%s Converged\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	defaults := loadtest.DefaultOptions()
	cloudLoadtestCmd.Flags().Int("agents", defaults.Agents, "concurrent writers")
	cloudLoadtestCmd.Flags().Int("sessions", defaults.SessionsPerAgent, "sessions saved per writer")
	cloudLoadtestCmd.Flags().Float64("failure-rate", defaults.FailureRate, "share of cloud writes that fail (0-1)")
	cloudLoadtestCmd.Flags().Duration("timeout", defaults.Timeout, "bound on the whole run")
	cloudLoadtestCmd.Flags().BoolP("verbose", "v", false, "log coordinator activity")
	cloudCmd.AddCommand(cloudLoadtestCmd)
}
