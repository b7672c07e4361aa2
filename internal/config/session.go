package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/terraphim/agentmux/internal/fsutil"
)

// SessionConfig is the per-session config.json under the mcp directory.
type SessionConfig struct {
	SessionID     string `json:"session_id"`
	EnableGit     bool   `json:"enable_git"`
	MCPToolPrefix string `json:"mcp_tool_prefix,omitempty"`
}

// SessionConfigPath returns the config.json location for a project.
func SessionConfigPath(mcpRoot string) string {
	return filepath.Join(mcpRoot, "config.json")
}

// LoadSessionConfig reads config.json. A missing file returns (nil, nil).
func LoadSessionConfig(mcpRoot string) (*SessionConfig, error) {
	data, err := os.ReadFile(SessionConfigPath(mcpRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config.json: %w", err)
	}
	var sc SessionConfig
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &sc, nil
}

// SaveSessionConfig writes config.json atomically with a trailing newline.
func SaveSessionConfig(mcpRoot string, sc *SessionConfig) error {
	if err := fsutil.EnsureDir(mcpRoot); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize config.json: %w", err)
	}
	data = append(data, '\n')
	return fsutil.AtomicWriteFile(SessionConfigPath(mcpRoot), data, 0o644)
}

// ResolveEnableGit applies the precedence chain for the enable_git flag:
// explicit call argument, existing config.json, settings (env/config
// file), default true.
func ResolveEnableGit(arg *bool, sc *SessionConfig, s *Settings) bool {
	if arg != nil {
		return *arg
	}
	if sc != nil {
		return sc.EnableGit
	}
	if s != nil {
		return s.EnableGit
	}
	return true
}
