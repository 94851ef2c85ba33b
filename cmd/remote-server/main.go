// Command remote-server serves filesystem and worktree operations to remote peers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/morezero/remote-server/internal/config"
	"github.com/morezero/remote-server/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "remote-server",
		Short: "Serve filesystem and worktree operations to remote peers",
		Long: `remote-server answers filesystem requests (read, write, stat, list, canonicalize,
read-link) and streams worktree updates to peers over NATS, WebSocket, or framed stdio.

Configuration comes from environment variables (TRANSPORT, COMMS_URL, SERVICE_NAME,
REMOTE_SUBJECT, WS_ADDR, DATABASE_URL, ...) and an optional YAML file named by
REMOTE_CONFIG_FILE.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe("")
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, _ := cmd.Flags().GetString("transport")
			return runServe(transport)
		},
	}
	serveCmd.Flags().String("transport", "", "override TRANSPORT (nats, ws, stdio)")

	stdioCmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve one peer over length-prefixed msgpack frames on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(config.TransportStdio)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serveCmd, stdioCmd, newMigrateCmd(), newCallCmd(), versionCmd)
	return root
}

func runServe(transport string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if transport != "" {
		cfg.Transport = transport
	}
	return server.Run(cfg)
}
