package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/cloudsync/coordinator"
	"github.com/agentdesk/agentdesk/internal/cloudsync/dashboard"
	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
	"github.com/agentdesk/agentdesk/internal/ui"
)

var cloudDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the sync coordinator in the foreground.

The daemon:
  1. Signs in and out as the identity file changes (agentdesk cloud login/logout)
  2. Probes the cloud and goes offline/online as it becomes unreachable/reachable
  3. Pushes queued changes as they are made, and after reconnecting
  4. Pulls remote changes periodically
  5. Serves the live sync state on the dashboard WebSocket`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")

		e, err := openEnv(envOptions{fullSyncOnSignIn: true, autoDrain: true})
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var server *dashboard.Server
		if !noDashboard {
			server = dashboard.NewServer(&dashboard.Config{
				Addr:   e.cfg.DashboardAddr,
				Logger: e.out.Logger("dashboard"),
			})
			handler := dashboard.NewHandler(server, e.coord, e.store, e.out.Logger("dashboard"))
			handler.Attach()
			defer handler.Detach()
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("⇅"))
		fmt.Printf("   Database: %s\n", e.cfg.DBPath())
		fmt.Printf("   Cloud: %s\n", e.cfg.CloudURL)
		fmt.Printf("   Identity: %s\n", e.cfg.IdentityFile)
		if server != nil {
			fmt.Printf("   Dashboard: http://%s (ws://%s/ws)\n", server.Addr(), server.Addr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		var wg sync.WaitGroup
		logger := e.out.Logger("daemon")

		if pinger, ok := e.tr.(transport.Pinger); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = coordinator.WatchConnectivity(ctx, pinger, coordinator.ProbeConfig{Interval: e.cfg.ProbeInterval}, e.coord.SetOnline)
			}()
		}

		if e.cfg.UserID != "" {
			id := transport.Identity{UserID: e.cfg.UserID, Token: e.cfg.Token}
			if err := e.coord.SignIn(ctx, id); err != nil {
				logger.Printf("Sign-in failed: %v", err)
			}
		} else {
			watcher, err := coordinator.NewIdentityWatcher(e.cfg.IdentityFile, e.out.Logger("identity"))
			if err != nil {
				return err
			}
			defer watcher.Close()

			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = watcher.Run(ctx, func(id transport.Identity) {
					if err := e.coord.SetIdentity(ctx, id); err != nil {
						logger.Printf("Identity change failed: %v", err)
					}
				})
			}()
		}

		err = e.coord.Run(ctx)
		cancel()
		wg.Wait()
		fmt.Println("\nSync daemon stopped")
		return err
	},
}

func init() {
	cloudDaemonCmd.Flags().Bool("no-dashboard", false, "do not serve the dashboard")
	cloudCmd.AddCommand(cloudDaemonCmd)
}
