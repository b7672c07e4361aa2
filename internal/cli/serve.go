package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/terraphim/agentmux/internal/config"
	"github.com/terraphim/agentmux/internal/mcptools"
	"github.com/terraphim/agentmux/internal/serve"
	"github.com/terraphim/agentmux/internal/state"
	"github.com/terraphim/agentmux/internal/watcher"
	"github.com/terraphim/agentmux/internal/workspace"
)

func newServeCmd() *cobra.Command {
	var (
		httpAddr  string
		noState   bool
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio",
		Long: "Runs the tool server over stdio for an MCP host. With --http, a read-only\n" +
			"status API is served alongside it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRoot, err := os.Getwd()
			if err != nil {
				return err
			}
			// Logs must stay off stdout: stdio carries the protocol.
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

			svc := mcptools.NewService(projectRoot, settings)
			mcptools.Version = Version

			if !noState {
				store, err := state.Open(filepath.Join(projectRoot, settings.MCPDir, "state.db"))
				if err != nil {
					slog.Warn("event timeline disabled", "err", err)
				} else {
					defer store.Close()
					svc.Timeline = store
					stop := store.Attach(svc.Bus)
					defer stop()
				}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if sessionID != "" || httpAddr != "" {
				sess, err := svc.Session(sessionID)
				if err != nil {
					return fmt.Errorf("resolve session for sidecars: %w", err)
				}
				go func() {
					w := watcher.New(sess.Paths.IPCDir, svc.Bus, sess.ID)
					if werr := w.Run(ctx); werr != nil {
						slog.Warn("mailbox watcher stopped", "err", werr)
					}
				}()
				if httpAddr != "" {
					srv := serve.New(sess.Registry, sess.Dashboard, svc.Timeline, svc.Bus, sess.ID)
					go func() {
						if herr := srv.Listen(ctx, httpAddr); herr != nil {
							slog.Warn("status server stopped", "err", herr)
						}
					}()
				}
			}

			s := mcptools.NewServer(svc)
			return mcpserver.ServeStdio(s)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "Also serve the read-only status API on this address")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id for the watcher and status API (defaults to config.json)")
	cmd.Flags().BoolVar(&noState, "no-state", false, "Disable the SQLite event timeline")
	return cmd
}

// sessionPathsForStatus resolves the session directory for the status
// command, falling back to config.json.
func sessionPathsForStatus(projectRoot, sessionID string) (workspace.Paths, string, error) {
	if sessionID == "" {
		mcpRoot := filepath.Join(projectRoot, settings.MCPDir)
		sc, err := config.LoadSessionConfig(mcpRoot)
		if err != nil {
			return workspace.Paths{}, "", err
		}
		if sc == nil {
			return workspace.Paths{}, "", fmt.Errorf("no session id given and no config.json under %s", mcpRoot)
		}
		sessionID = sc.SessionID
	}
	return workspace.NewPaths(projectRoot, settings.MCPDir, sessionID), sessionID, nil
}
