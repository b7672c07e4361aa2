// Package cli implements the agentmux command tree.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/terraphim/agentmux/internal/config"
	"github.com/terraphim/agentmux/internal/output"
)

var (
	// Global output flags inherited by all subcommands.
	jsonOutput bool
	noColor    bool

	// Build information set by the release pipeline via ldflags.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	settings *config.Settings
)

// formatter builds the output formatter from the global flags.
func formatter() *output.Formatter {
	return output.NewFormatter(os.Stdout, jsonOutput, noColor)
}

// NewRootCmd builds the root command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentmux",
		Short: "Multi-agent tmux orchestration MCP server",
		Long: "agentmux coordinates a hierarchy of AI CLI agents (owner -> admin -> workers)\n" +
			"running inside tmux panes: durable task dashboard, file-backed messaging,\n" +
			"healthcheck with staged recovery, and per-worker git worktrees.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			// The .env lookup uses the default dir name; a custom
			// mcp_dir still applies to everything resolved after load.
			mcpRoot := filepath.Join(root, config.DefaultMCPDir)
			settings, err = config.Load(mcpRoot)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return nil
		},
	}

	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit JSON output")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			f := formatter()
			if f.JSONMode() {
				f.JSON(map[string]string{"version": Version, "commit": Commit, "date": Date})
				return
			}
			f.Textln("agentmux %s (commit %s, built %s)", Version, Commit, Date)
		},
	}
}
