package langtars

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/langbot-app/LangTARS/backend"
	"github.com/langbot-app/LangTARS/tools"
)

// DefaultConfigPath is where the YAML config lives unless overridden.
const DefaultConfigPath = "~/.langtars/config.yaml"

// FileConfig is the YAML configuration file.
type FileConfig struct {
	// Model is a string ("ollama:llama3.1:8b") or a map with provider,
	// model, base_url, api_key and callback_url.
	Model                   any `yaml:"model,omitempty"`
	PlannerMaxIterations    int `yaml:"planner_max_iterations"`
	PlannerRateLimitSeconds int `yaml:"planner_rate_limit_seconds"`
	// ContextWindow is the model's token budget; long tasks are compacted
	// to fit. Zero uses a default sized for local models.
	ContextWindow int `yaml:"context_window,omitempty"`

	WorkspacePath    string   `yaml:"workspace_path"`
	AllowedUsers     []string `yaml:"allowed_users,omitempty"`
	CommandWhitelist []string `yaml:"command_whitelist,omitempty"`

	EnableShell       bool `yaml:"enable_shell"`
	EnableProcess     bool `yaml:"enable_process"`
	EnableFile        bool `yaml:"enable_file"`
	EnableApp         bool `yaml:"enable_app"`
	EnableAppleScript bool `yaml:"enable_applescript"`
	EnableBrowser     bool `yaml:"enable_browser"`

	SkillsPath         string `yaml:"skills_path"`
	ClawhubURL         string `yaml:"clawhub_url"`
	AllowSkillOverride bool   `yaml:"allow_skill_override"`

	StopFile       string `yaml:"stop_file"`
	StopFailClosed bool   `yaml:"stop_fail_closed"`
	StopRedisKey   string `yaml:"stop_redis_key,omitempty"`

	DynamicTools DynamicToolsConfig `yaml:"dynamic_tools"`

	WorkerPath      string `yaml:"worker_path,omitempty"`
	IsolatedDefault bool   `yaml:"isolated_default"`

	Users   map[string]UserEntry `yaml:"users,omitempty"`
	Discord DiscordConfig        `yaml:"discord"`

	LogLevel string `yaml:"log_level,omitempty"`
	LogFile  string `yaml:"log_file,omitempty"`
	Journal  bool   `yaml:"journal"`
}

// DynamicToolsConfig lists the external tool sources loaded at startup.
type DynamicToolsConfig struct {
	HostCallbacks []string          `yaml:"host_callbacks,omitempty"`
	MCPServers    []tools.MCPServer `yaml:"mcp_servers,omitempty"`
}

// UserEntry is one control API account. Hashes come from -hash-password.
type UserEntry struct {
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role,omitempty"`
}

// DiscordConfig configures the Discord front-end. The token comes from
// DISCORD_TOKEN so it never lands in the file.
type DiscordConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Channels []string `yaml:"channels,omitempty"`
}

// DefaultFileConfig returns the configuration used for missing keys.
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		PlannerMaxIterations:    5,
		PlannerRateLimitSeconds: 3,
		WorkspacePath:           "~/.langtars",
		EnableShell:             true,
		EnableProcess:           true,
		EnableFile:              true,
		EnableApp:               true,
		EnableAppleScript:       true,
		EnableBrowser:           true,
	}
}

// Keys whose values may be written as quoted strings by hand or by
// older tooling.
var (
	intKeys = map[string]bool{
		"planner_max_iterations":     true,
		"planner_rate_limit_seconds": true,
		"context_window":             true,
	}
	boolKeys = map[string]bool{
		"enable_shell":         true,
		"enable_process":       true,
		"enable_file":          true,
		"enable_app":           true,
		"enable_applescript":   true,
		"enable_browser":       true,
		"allow_skill_override": true,
		"stop_fail_closed":     true,
		"isolated_default":     true,
		"journal":              true,
	}
)

// LoadFileConfig reads path over the defaults. A missing file yields
// the defaults.
func LoadFileConfig(path string) (*FileConfig, error) {
	cfg := DefaultFileConfig()
	data, err := os.ReadFile(expandHome(path))
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(root.Content) == 0 {
		return cfg, nil
	}
	coerceScalars(root.Content[0])
	if err := root.Content[0].Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// coerceScalars retags quoted numbers and booleans under known keys so
// they decode into typed fields. Values that do not parse are left for
// the decoder to reject.
func coerceScalars(n *yaml.Node) {
	if n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		if val.Kind != yaml.ScalarNode || val.Tag != "!!str" {
			continue
		}
		switch {
		case intKeys[key]:
			if _, err := strconv.Atoi(strings.TrimSpace(val.Value)); err == nil {
				val.Value = strings.TrimSpace(val.Value)
				val.Tag = "!!int"
				val.Style = 0
			}
		case boolKeys[key]:
			if b, err := strconv.ParseBool(strings.TrimSpace(val.Value)); err == nil {
				val.Value = strconv.FormatBool(b)
				val.Tag = "!!bool"
				val.Style = 0
			}
		}
	}
}

func (c *FileConfig) normalize() {
	if c.PlannerMaxIterations <= 0 {
		c.PlannerMaxIterations = 5
	}
	if c.PlannerRateLimitSeconds < 0 {
		c.PlannerRateLimitSeconds = 3
	}
	if c.WorkspacePath == "" {
		c.WorkspacePath = "~/.langtars"
	}
}

// Save writes the configuration to path, creating its directory.
func (c *FileConfig) Save(path string) error {
	path = expandHome(path)
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Backend returns the capability settings.
func (c *FileConfig) Backend() backend.Config {
	return backend.Config{
		Workspace:         c.WorkspacePath,
		CommandWhitelist:  c.CommandWhitelist,
		EnableShell:       c.EnableShell,
		EnableProcess:     c.EnableProcess,
		EnableFile:        c.EnableFile,
		EnableApp:         c.EnableApp,
		EnableAppleScript: c.EnableAppleScript,
		EnableBrowser:     c.EnableBrowser,
	}
}

// RateLimit is the minimum gap between model calls.
func (c *FileConfig) RateLimit() time.Duration {
	return time.Duration(c.PlannerRateLimitSeconds) * time.Second
}

// UserAllowed reports whether a chat user may issue commands. An empty
// allow list admits everyone.
func (c *FileConfig) UserAllowed(userID string) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, u := range c.AllowedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// Summary renders the settings shown by the config command.
func (c *FileConfig) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "enable_shell: %t\n", c.EnableShell)
	fmt.Fprintf(&b, "enable_process: %t\n", c.EnableProcess)
	fmt.Fprintf(&b, "enable_file: %t\n", c.EnableFile)
	fmt.Fprintf(&b, "enable_app: %t\n", c.EnableApp)
	fmt.Fprintf(&b, "planner_max_iterations: %d\n", c.PlannerMaxIterations)
	fmt.Fprintf(&b, "workspace_path: %s", c.WorkspacePath)
	return b.String()
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
