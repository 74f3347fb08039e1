package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentdesk/agentdesk/internal/cloudsync/coordinator"
	"github.com/agentdesk/agentdesk/internal/cloudsync/dashboard"
	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
	cloudsync "github.com/agentdesk/agentdesk/internal/cloudsync/sync"
	"github.com/agentdesk/agentdesk/internal/ui"
)

var cloudCmd = &cobra.Command{
	Use:     "cloud",
	GroupID: "sync",
	Short:   "Cloud synchronization",
	Long: `Synchronize the local database with the agentdesk cloud.

Local changes are queued in the database and pushed in order. Remote changes
are pulled and merged by last write wins: the newer updatedAt wins, and the
cloud wins ties.`,
}

var cloudSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued local changes",
	Long: `Push every queued mutation to the cloud, oldest first.

Items that fail stay queued with their attempt count raised and are retried
on the next sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPass(cmd.Context(), "Pushing queued changes", func(ctx context.Context, c *coordinator.Coordinator) {
			c.TriggerSync(ctx)
		})
	},
}

var cloudFullSyncCmd = &cobra.Command{
	Use:   "full-sync",
	Short: "Bootstrap sync: push everything, then pull the full cloud state",
	Long: `Run a full synchronization:
  1. Push every workspace and session the cloud has never seen in one batch
  2. Push queued changes
  3. Pull the full cloud state and merge it locally`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPass(cmd.Context(), "Running full sync", func(ctx context.Context, c *coordinator.Coordinator) {
			c.TriggerFullSync(ctx)
		})
	},
}

var cloudPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull remote changes",
	Long: `Pull remote changes and merge them locally.

Without --since the full cloud state is pulled. --since accepts a timestamp
(RFC 3339) or a natural expression such as "2 hours ago" or "yesterday".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceExpr, _ := cmd.Flags().GetString("since")
		if sinceExpr == "" {
			return runPass(cmd.Context(), "Pulling cloud state", func(ctx context.Context, c *coordinator.Coordinator) {
				c.PullChanges(ctx)
			})
		}

		since, err := parseSince(sinceExpr, time.Now())
		if err != nil {
			return err
		}

		e, err := openEnv(envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		ctx := cmd.Context()
		id, err := e.signIn(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("%s Pulling changes since %s...\n", ui.RenderAccent("⇣"), since.Format(time.RFC3339))
		snap, err := e.tr.GetChangesSince(ctx, id, since)
		if err != nil {
			return fmt.Errorf("failed to pull changes: %w", err)
		}
		syncer := cloudsync.New(e.store, e.tr, e.out.Logger("sync"))
		stats, err := syncer.FoldSnapshot(ctx, snap)
		fmt.Printf("%s Folded %d record(s): %d new, %d updated, %d kept local\n",
			ui.RenderPass("✓"), stats.Total(), stats.Inserted, stats.Replaced, stats.KeptLocal)
		if err != nil {
			return fmt.Errorf("%d record(s) failed to merge: %w", stats.Failed, err)
		}
		return nil
	},
}

// runPass signs in, runs one coordinator pass and prints the resulting state.
func runPass(ctx context.Context, title string, pass func(context.Context, *coordinator.Coordinator)) error {
	e, err := openEnv(envOptions{})
	if err != nil {
		return err
	}
	defer e.Close()

	if _, err := e.signIn(ctx); err != nil {
		return err
	}

	fmt.Printf("%s %s...\n", ui.RenderAccent("⇅"), title)
	start := time.Now()
	pass(ctx, e.coord)

	state := e.coord.State()
	if state.Status == coordinator.StatusError {
		fmt.Printf("%s %s\n", ui.RenderFail("✗"), state.Error)
		fmt.Printf("   Pending: %d\n", state.PendingCount)
		return fmt.Errorf("sync incomplete")
	}
	fmt.Printf("%s Done in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	fmt.Printf("   Pending: %d\n", state.PendingCount)
	return nil
}

// statusReport is the output of 'cloud status'.
type statusReport struct {
	Source   string            `json:"source" yaml:"source"`
	User     string            `json:"user,omitempty" yaml:"user,omitempty"`
	CloudURL string            `json:"cloudUrl" yaml:"cloudUrl"`
	Database string            `json:"database" yaml:"database"`
	State    coordinator.State `json:"state" yaml:"state"`
	Records  []recordCount     `json:"records" yaml:"records"`
}

type recordCount struct {
	Type    schema.EntityType `json:"type" yaml:"type"`
	Total   int               `json:"total" yaml:"total"`
	Pending int               `json:"pending" yaml:"pending"`
}

var cloudStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Show the sync status, pending queue size and local record counts.

When the daemon is running its live state is shown; otherwise the state is
derived from the local database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		ctx := cmd.Context()

		e, err := openEnv(envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		report := statusReport{
			Source:   "local",
			CloudURL: e.cfg.CloudURL,
			Database: e.cfg.DBPath(),
		}
		id, err := e.identity()
		if err != nil {
			return err
		}
		report.User = id.UserID

		if state, ok := daemonState(ctx, e.cfg.DashboardAddr); ok {
			report.Source = "daemon"
			report.State = state
		} else {
			pending, err := e.store.QueueCount(ctx)
			if err != nil {
				return err
			}
			report.State = coordinator.State{Status: coordinator.StatusIdle}
			if !id.IsZero() {
				report.State.PendingCount = pending
			}
		}

		for _, t := range schema.EntityTypes {
			total, pending, err := e.store.RecordCount(ctx, t)
			if err != nil {
				return err
			}
			report.Records = append(report.Records, recordCount{Type: t, Total: total, Pending: pending})
		}

		return writeStatus(os.Stdout, format, report)
	},
}

func writeStatus(w io.Writer, format string, report statusReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}

	user := report.User
	if user == "" {
		user = ui.RenderMuted("(signed out)")
	}
	lastSync := "never"
	if report.State.LastSyncAt != nil {
		lastSync = report.State.LastSyncAt.Local().Format("2006-01-02 15:04:05")
	}

	fmt.Fprintf(w, "\n%s Sync Status (%s)\n\n", ui.RenderAccent("●"), report.Source)
	fmt.Fprintf(w, "Status:    %s\n", ui.RenderStatus(string(report.State.Status)))
	if report.State.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", report.State.Error)
	}
	fmt.Fprintf(w, "User:      %s\n", user)
	fmt.Fprintf(w, "Pending:   %d\n", report.State.PendingCount)
	fmt.Fprintf(w, "Last sync: %s\n", lastSync)
	fmt.Fprintf(w, "Cloud:     %s\n", report.CloudURL)
	fmt.Fprintf(w, "Database:  %s\n\n", report.Database)

	rows := make([][]string, 0, len(report.Records))
	for _, rc := range report.Records {
		rows = append(rows, []string{string(rc.Type), fmt.Sprint(rc.Total), fmt.Sprint(rc.Pending)})
	}
	fmt.Fprint(w, ui.Table([]string{"TYPE", "RECORDS", "UNSYNCED"}, rows))
	fmt.Fprintln(w)
	return nil
}

// daemonState asks a running daemon's dashboard for its live state.
func daemonState(ctx context.Context, addr string) (coordinator.State, bool) {
	if addr == "" {
		return coordinator.State{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/state", nil)
	if err != nil {
		return coordinator.State{}, false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return coordinator.State{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return coordinator.State{}, false
	}

	var msgs []dashboard.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return coordinator.State{}, false
	}
	for _, msg := range msgs {
		if msg.Type != dashboard.MessageTypeSyncState {
			continue
		}
		var state coordinator.State
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			return coordinator.State{}, false
		}
		return state, true
	}
	return coordinator.State{}, false
}

var cloudQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued local changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		items, err := e.store.ListQueue(cmd.Context())
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Printf("%s Queue is empty (%s)\n", ui.RenderPass("✓"), e.cfg.DBPath())
			return nil
		}

		rows := make([][]string, 0, len(items))
		for _, item := range items {
			lastErr := item.LastError
			if len(lastErr) > 60 {
				lastErr = lastErr[:57] + "..."
			}
			rows = append(rows, []string{
				shortID(item.ID),
				string(item.Operation),
				string(item.EntityType),
				item.EntityID,
				fmt.Sprint(item.Attempts),
				item.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				lastErr,
			})
		}
		fmt.Print(ui.Table([]string{"ID", "OP", "TYPE", "ENTITY", "ATTEMPTS", "QUEUED", "LAST ERROR"}, rows))
		fmt.Printf("\n%d item(s) queued\n", len(items))
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	cloudPullCmd.Flags().String("since", "", `only pull changes since this time, e.g. "2 hours ago"`)
	cloudStatusCmd.Flags().StringP("format", "f", "text", "output format: text, json or yaml")

	cloudCmd.AddCommand(cloudSyncCmd)
	cloudCmd.AddCommand(cloudFullSyncCmd)
	cloudCmd.AddCommand(cloudPullCmd)
	cloudCmd.AddCommand(cloudStatusCmd)
	cloudCmd.AddCommand(cloudQueueCmd)
	rootCmd.AddCommand(cloudCmd)
}
