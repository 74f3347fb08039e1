package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/ui"
)

var cloudServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory development cloud",
	Long: `Serve the cloud sync API from memory, for local development and tests.

State is lost when the server stops. Point clients at it with
  cloud_url: http://127.0.0.1:8787
Requests are scoped by the X-Agentdesk-User header.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		out, err := logging.NewOutput(logging.Options{})
		if err != nil {
			return err
		}
		defer out.Close()

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}

		server := &http.Server{
			Handler:           transport.NewHandler(transport.NewMemoryCloud(), out.Logger("cloud")),
			ReadHeaderTimeout: 10 * time.Second,
		}

		fmt.Printf("%s Development cloud listening on http://%s\n", ui.RenderAccent("☁"), ln.Addr())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		errc := make(chan error, 1)
		go func() { errc <- server.Serve(ln) }()

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-cmd.Context().Done():
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		fmt.Println("Development cloud stopped")
		return nil
	},
}

func init() {
	cloudServeCmd.Flags().String("addr", "127.0.0.1:8787", "address to listen on")
	cloudCmd.AddCommand(cloudServeCmd)
}
