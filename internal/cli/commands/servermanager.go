package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/leapstack-labs/leapflow/internal/servermgr"
	"github.com/spf13/cobra"
)

// NewServerManagerCommand creates the server-manager command.
func NewServerManagerCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "server-manager",
		Short: "Run a standalone server manager",
		Long: `Run a server manager that serializes writes into shared databases.

Several leapflow processes writing into the same databases must use the
same server manager. Point them at it with --server-manager or the
server_manager setting; without one, every command embeds its own.`,
		Example: `  # Serve on a fixed port
  leapflow server-manager --addr 127.0.0.1:7080

  # Use it from another shell
  leapflow run --server-manager 127.0.0.1:7080`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := NewCommandContextWithoutEngine(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := servermgr.NewManager(servermgr.WithLogger(cc.Logger))
			cc.Renderer.Printf("Server manager listening on %s\n", addr)
			return m.Serve(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7080", "Address to listen on")
	return cmd
}
