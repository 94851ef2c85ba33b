package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/morezero/remote-server/internal/config"
	"github.com/morezero/remote-server/pkg/client"
	"github.com/morezero/remote-server/pkg/commsutil"
	"github.com/morezero/remote-server/pkg/proto"
)

// callOptions are the persistent flags of the call command.
type callOptions struct {
	transport string
	wsURL     string
	timeout   time.Duration
}

func newCallCmd() *cobra.Command {
	opts := &callOptions{}
	callCmd := &cobra.Command{
		Use:   "call",
		Short: "Send requests to a running remote-server",
	}
	callCmd.PersistentFlags().StringVar(&opts.transport, "transport", "", "nats or ws (default: TRANSPORT)")
	callCmd.PersistentFlags().StringVar(&opts.wsURL, "ws-url", "", "WebSocket URL (default: ws://WS_ADDR/ws)")
	callCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	pathCmd := func(use, short string, run func(ctx context.Context, c *client.Client, path string) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <path>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, func(ctx context.Context, c *client.Client) (any, error) {
					return run(ctx, c, args[0])
				})
			},
		}
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the server answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client) (any, error) {
				return map[string]string{"status": "ok"}, c.Ping(ctx)
			})
		},
	}

	writeCmd := &cobra.Command{
		Use:   "write <path>",
		Short: "Write stdin to a file on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			crlf, _ := cmd.Flags().GetBool("crlf")
			content, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			lineEnding := proto.LineEndingUnix
			if crlf {
				lineEnding = proto.LineEndingWindows
			}
			return opts.run(cmd, func(ctx context.Context, c *client.Client) (any, error) {
				return map[string]string{"status": "ok"}, c.WriteFile(ctx, args[0], string(content), lineEnding)
			})
		},
	}
	writeCmd.Flags().Bool("crlf", false, "store with Windows line endings")

	watchCmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Open a worktree and print its updates until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.watch(cmd, args[0])
		},
	}

	callCmd.AddCommand(
		pingCmd,
		pathCmd("read", "Print the content of a file", func(ctx context.Context, c *client.Client, path string) (any, error) {
			content, err := c.ReadFile(ctx, path)
			return map[string]string{"content": content}, err
		}),
		writeCmd,
		pathCmd("stat", "Print file metadata (null if missing)", func(ctx context.Context, c *client.Client, path string) (any, error) {
			return c.Stat(ctx, path)
		}),
		pathCmd("ls", "List a directory", func(ctx context.Context, c *client.Client, path string) (any, error) {
			return c.ReadDir(ctx, path)
		}),
		pathCmd("canonicalize", "Resolve a path to its canonical form", func(ctx context.Context, c *client.Client, path string) (any, error) {
			resolved, err := c.Canonicalize(ctx, path)
			return map[string]string{"path": resolved}, err
		}),
		pathCmd("readlink", "Print the target of a symlink", func(ctx context.Context, c *client.Client, path string) (any, error) {
			target, err := c.ReadLink(ctx, path)
			return map[string]string{"path": target}, err
		}),
		watchCmd,
	)
	return callCmd
}

// connect opens a client on the configured transport. closeFn releases it.
func (o *callOptions) connect(ctx context.Context) (c *client.Client, closeFn func(), err error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	transport := o.transport
	if transport == "" {
		transport = cfg.Transport
	}

	switch transport {
	case config.TransportNATS:
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName+"-cli", comms.NoReconnect())
		if err != nil {
			return nil, nil, err
		}
		c, err := client.NewNATS(nc, cfg.Subject())
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return c, func() { _ = c.Close(); nc.Close() }, nil

	case config.TransportWebSocket:
		url := o.wsURL
		if url == "" {
			url = "ws://" + cfg.WSAddr + "/ws"
		}
		c, err := client.DialWebSocket(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}
	return nil, nil, fmt.Errorf("call: unsupported transport %q (use nats or ws)", transport)
}

// run performs one request and prints its result as JSON.
func (o *callOptions) run(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) (any, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	c, closeFn, err := o.connect(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	result, err := fn(ctx, c)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func (o *callOptions) watch(cmd *cobra.Command, path string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, closeFn, err := o.connect(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	id, err := c.AddWorktree(reqCtx, path)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching worktree %d (%s)\n", id, path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-c.Updates():
			if !ok {
				return c.Err()
			}
			if err := printJSON(cmd.OutOrStdout(), update); err != nil {
				return err
			}
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
