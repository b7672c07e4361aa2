// Package config resolves agentmux settings from the user-level TOML
// config, process environment, per-session .env file, and per-session
// config.json. Precedence (highest first): explicit tool argument,
// session config.json, process environment, session .env, user config,
// defaults.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// EnvPrefix is the prefix recognized on environment overrides,
// e.g. MCP_MAX_WORKERS=10.
const EnvPrefix = "MCP_"

// DefaultMCPDir is the directory created under the project root and
// the user home for agentmux state.
const DefaultMCPDir = ".agentmux"

// Supported AI CLI backends.
const (
	CliClaude = "claude"
	CliCodex  = "codex"
	CliGemini = "gemini"
)

// DefaultCliCommands maps backend names to launch commands.
var DefaultCliCommands = map[string]string{
	CliClaude: "claude",
	CliCodex:  "codex",
	CliGemini: "gemini",
}

// IsSupportedCli reports whether name is a known AI CLI backend.
func IsSupportedCli(name string) bool {
	_, ok := DefaultCliCommands[name]
	return ok
}

// WorkerCliMode selects how worker CLIs are resolved.
type WorkerCliMode string

const (
	WorkerCliUniform   WorkerCliMode = "uniform"
	WorkerCliPerWorker WorkerCliMode = "per-worker"
)

// ModelProfile bundles the CLI and model selection for one operating mode.
type ModelProfile struct {
	Cli            string `toml:"cli"`
	AdminModel     string `toml:"admin_model"`
	WorkerModel    string `toml:"worker_model"`
	WorkerCount    int    `toml:"worker_count"`
	ThinkingTokens int    `toml:"thinking_tokens"`
}

// Settings holds every recognized option with its resolved value.
type Settings struct {
	MaxWorkers  int    `toml:"max_workers"`
	EnableGit   bool   `toml:"enable_git"`
	MCPDir      string `toml:"mcp_dir"`
	TmuxPrefix  string `toml:"tmux_prefix"`
	DefaultCli  string `toml:"default_ai_cli"`
	GridColumns int    `toml:"grid_columns"` // worker panes per window row

	HealthcheckIntervalSeconds     int `toml:"healthcheck_interval_seconds"`
	HealthcheckStallTimeoutSeconds int `toml:"healthcheck_stall_timeout_seconds"`
	HealthcheckMaxRecoveryAttempts int `toml:"healthcheck_max_recovery_attempts"`
	HealthcheckIdleStopConsecutive int `toml:"healthcheck_idle_stop_consecutive"`

	CostWarningThresholdUSD float64 `toml:"cost_warning_threshold_usd"`

	QualityCheckMaxIterations  int `toml:"quality_check_max_iterations"`
	QualityCheckSameIssueLimit int `toml:"quality_check_same_issue_limit"`

	ActiveProfile string                  `toml:"active_profile"`
	Profiles      map[string]ModelProfile `toml:"profiles"`

	WorkerCliMode     WorkerCliMode  `toml:"worker_cli_mode"`
	WorkerCliUniform  string         `toml:"worker_cli"`
	WorkerCliOverride map[int]string `toml:"-"` // slot -> cli, from MCP_WORKER_CLI_SLOT_N
}

// Default returns the baseline settings before any file or env overlay.
func Default() *Settings {
	return &Settings{
		MaxWorkers:                     5,
		EnableGit:                      true,
		MCPDir:                         DefaultMCPDir,
		TmuxPrefix:                     "agentmux",
		DefaultCli:                     CliClaude,
		GridColumns:                    2,
		HealthcheckIntervalSeconds:     300,
		HealthcheckStallTimeoutSeconds: 300,
		HealthcheckMaxRecoveryAttempts: 3,
		HealthcheckIdleStopConsecutive: 3,
		CostWarningThresholdUSD:        10.0,
		QualityCheckMaxIterations:      3,
		QualityCheckSameIssueLimit:     2,
		ActiveProfile:                  "standard",
		Profiles: map[string]ModelProfile{
			"standard": {
				Cli:         CliClaude,
				AdminModel:  "sonnet",
				WorkerModel: "sonnet",
				WorkerCount: 3,
			},
			"performance": {
				Cli:            CliClaude,
				AdminModel:     "opus",
				WorkerModel:    "sonnet",
				WorkerCount:    5,
				ThinkingTokens: 16000,
			},
		},
		WorkerCliMode:     WorkerCliUniform,
		WorkerCliOverride: map[int]string{},
	}
}

// UserConfigPath returns the user-level TOML config location.
func UserConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "agentmux", "config.toml")
}

// Load resolves settings for a project: defaults, then the user TOML
// config, then the project .env file (if mcpRoot is non-empty), then
// the process environment.
func Load(mcpRoot string) (*Settings, error) {
	s := Default()

	if path := UserConfigPath(); path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, s); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if mcpRoot != "" {
		if vals, err := ParseEnvFile(filepath.Join(mcpRoot, ".env")); err == nil {
			s.applyEnv(vals)
		}
	}

	s.applyEnv(processEnv())
	return s, nil
}

// ActiveModelProfile returns the currently selected model profile.
func (s *Settings) ActiveModelProfile() ModelProfile {
	if p, ok := s.Profiles[s.ActiveProfile]; ok {
		return p
	}
	return s.Profiles["standard"]
}

// ResolveWorkerCli resolves the CLI for a worker slot using the chain:
// per-slot override, uniform worker CLI, active profile CLI, default.
func (s *Settings) ResolveWorkerCli(slot int) string {
	if s.WorkerCliMode == WorkerCliPerWorker {
		if cli, ok := s.WorkerCliOverride[slot]; ok && cli != "" {
			return cli
		}
	}
	if s.WorkerCliUniform != "" {
		return s.WorkerCliUniform
	}
	if p := s.ActiveModelProfile(); p.Cli != "" {
		return p.Cli
	}
	if s.DefaultCli != "" {
		return s.DefaultCli
	}
	return CliClaude
}

// processEnv collects MCP_-prefixed variables from the environment.
func processEnv() map[string]string {
	vals := map[string]string{}
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		vals[parts[0]] = parts[1]
	}
	return vals
}

// ParseEnvFile reads a KEY=VALUE file. Blank lines and lines starting
// with '#' are skipped. Values may be single- or double-quoted.
func ParseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vals := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}
		vals[key] = val
	}
	return vals, scanner.Err()
}

// applyEnv overlays MCP_-prefixed values onto the settings.
func (s *Settings) applyEnv(vals map[string]string) {
	for key, val := range vals {
		name := strings.TrimPrefix(key, EnvPrefix)
		switch name {
		case "MAX_WORKERS":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				s.MaxWorkers = n
			}
		case "ENABLE_GIT":
			if b, err := strconv.ParseBool(val); err == nil {
				s.EnableGit = b
			}
		case "MCP_DIR":
			if val != "" {
				s.MCPDir = val
			}
		case "TMUX_PREFIX":
			if val != "" {
				s.TmuxPrefix = val
			}
		case "DEFAULT_AI_CLI":
			if IsSupportedCli(val) {
				s.DefaultCli = val
			}
		case "HEALTHCHECK_INTERVAL_SECONDS":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				s.HealthcheckIntervalSeconds = n
			}
		case "HEALTHCHECK_STALL_TIMEOUT_SECONDS":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				s.HealthcheckStallTimeoutSeconds = n
			}
		case "HEALTHCHECK_MAX_RECOVERY_ATTEMPTS":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				s.HealthcheckMaxRecoveryAttempts = n
			}
		case "HEALTHCHECK_IDLE_STOP_CONSECUTIVE":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				s.HealthcheckIdleStopConsecutive = n
			}
		case "COST_WARNING_THRESHOLD_USD":
			if f, err := strconv.ParseFloat(val, 64); err == nil && f >= 0 {
				s.CostWarningThresholdUSD = f
			}
		case "QUALITY_CHECK_MAX_ITERATIONS":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				s.QualityCheckMaxIterations = n
			}
		case "QUALITY_CHECK_SAME_ISSUE_LIMIT":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				s.QualityCheckSameIssueLimit = n
			}
		case "ACTIVE_PROFILE":
			if _, ok := s.Profiles[val]; ok {
				s.ActiveProfile = val
			}
		case "WORKER_CLI_MODE":
			switch WorkerCliMode(val) {
			case WorkerCliUniform, WorkerCliPerWorker:
				s.WorkerCliMode = WorkerCliMode(val)
			}
		case "WORKER_CLI":
			if IsSupportedCli(val) {
				s.WorkerCliUniform = val
			}
		default:
			// Per-slot overrides: MCP_WORKER_CLI_SLOT_3=codex
			if rest, ok := strings.CutPrefix(name, "WORKER_CLI_SLOT_"); ok {
				if slot, err := strconv.Atoi(rest); err == nil && slot >= 1 && IsSupportedCli(val) {
					if s.WorkerCliOverride == nil {
						s.WorkerCliOverride = map[int]string{}
					}
					s.WorkerCliOverride[slot] = val
				}
			}
		}
	}
}
