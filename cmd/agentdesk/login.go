package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/cloudsync/coordinator"
	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
	"github.com/agentdesk/agentdesk/internal/config"
	"github.com/agentdesk/agentdesk/internal/ui"
)

var cloudLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the cloud",
	Long: `Store the cloud identity in the identity file.

A running daemon notices the file and signs in, running a full sync.
The token is read from --token or the AGENTDESK_LOGIN_TOKEN environment
variable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = os.Getenv("AGENTDESK_LOGIN_TOKEN")
		}
		if user == "" || token == "" {
			return fmt.Errorf("--user and --token are required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := coordinator.WriteIdentity(cfg.IdentityFile, transport.Identity{UserID: user, Token: token}); err != nil {
			return err
		}
		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), user)
		return nil
	},
}

var cloudLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out of the cloud",
	Long: `Remove the identity file. Queued changes are kept and pushed after the
next login.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := coordinator.RemoveIdentity(cfg.IdentityFile); err != nil {
			return err
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Create the configuration directory and a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault(resolveConfigDir())
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("%s Config: %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Database: %s\n", cfg.DBPath())
		return nil
	},
}

func init() {
	cloudLoginCmd.Flags().String("user", "", "cloud user id")
	cloudLoginCmd.Flags().String("token", "", "access token")

	cloudCmd.AddCommand(cloudLoginCmd)
	cloudCmd.AddCommand(cloudLogoutCmd)
	rootCmd.AddCommand(initCmd)
}
