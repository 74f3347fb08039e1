package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
	"github.com/agentdesk/agentdesk/internal/ui"
	"github.com/agentdesk/agentdesk/internal/vcs"
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	GroupID: "records",
	Short:   "Manage workspaces",
}

var workspaceAddCmd = &cobra.Command{
	Use:   "add <folder>",
	Short: "Register a git repository as a workspace",
	Long: `Register the git repository containing <folder> as a workspace.

The folder is resolved to the repository root and the current branch becomes
the origin branch (main when HEAD is detached). The workspace is saved
locally and queued for sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		script, _ := cmd.Flags().GetString("script")
		ctx := cmd.Context()

		repo, err := vcs.Inspect(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", args[0], err)
		}
		if name == "" {
			name = filepath.Base(repo.MainRoot)
		}

		e, err := openEnv(envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		ws := &schema.Workspace{
			Name:         name,
			Folder:       repo.MainRoot,
			ScriptPath:   script,
			OriginBranch: repo.Branch,
		}
		if err := e.coord.SaveRecord(ctx, ws); err != nil {
			return err
		}
		fmt.Printf("%s Added workspace %s (%s)\n", ui.RenderPass("✓"), ws.Name, ws.LocalID)
		fmt.Printf("   Folder: %s\n", ws.Folder)
		fmt.Printf("   Branch: %s\n", ws.OriginBranch)
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:     "session",
	GroupID: "records",
	Short:   "Manage agent sessions",
}

var sessionAddCmd = &cobra.Command{
	Use:   "add <workspace-id> <cwd>",
	Short: "Record an agent session running in a workspace checkout",
	Long: `Record a session that runs in <cwd>, which must be inside a checkout of
the workspace's repository. The worktree name and base commit are read from
git.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		agentID, _ := cmd.Flags().GetString("agent-session")
		ctx := cmd.Context()

		repo, err := vcs.Inspect(ctx, args[1])
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", args[1], err)
		}

		e, err := openEnv(envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		rec, err := e.store.GetRecord(ctx, schema.EntityWorkspace, args[0])
		if err != nil {
			return fmt.Errorf("failed to load workspace %s: %w", args[0], err)
		}
		ws := rec.(*schema.Workspace)
		if ws.Folder != repo.MainRoot {
			return fmt.Errorf("%s is not a checkout of workspace %s (%s)", args[1], ws.Name, ws.Folder)
		}

		cwd, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		if name == "" {
			name = filepath.Base(repo.Root)
		}
		s := &schema.Session{
			Name:             name,
			Cwd:              cwd,
			WorkspaceLocalID: ws.LocalID,
			WorktreeName:     repo.WorktreeName(),
			BaseCommit:       repo.Head,
			AgentSessionID:   agentID,
		}
		if err := e.coord.SaveRecord(ctx, s); err != nil {
			return err
		}
		fmt.Printf("%s Added session %s (%s)\n", ui.RenderPass("✓"), s.Name, s.LocalID)
		return nil
	},
}

func init() {
	workspaceAddCmd.Flags().String("name", "", "workspace name (default: repository directory name)")
	workspaceAddCmd.Flags().String("script", "", "setup script run for new worktrees")
	sessionAddCmd.Flags().String("name", "", "session name (default: checkout directory name)")
	sessionAddCmd.Flags().String("agent-session", "", "id of the agent's own session")

	workspaceCmd.AddCommand(workspaceAddCmd)
	sessionCmd.AddCommand(sessionAddCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(sessionCmd)
}
