package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"wxbridge/internal/domain"
)

// Config is the root configuration for wxbridge.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Monitor   MonitorConfig   `json:"monitor"`
	Transport TransportConfig `json:"transport"`
	Message   MessageConfig   `json:"message"`
	Cursors   CursorConfig    `json:"cursors"`
	Browser   BrowserConfig   `json:"browser"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile,omitempty"`
}

// MonitorConfig configures chat-surface polling and the contact allow-list.
type MonitorConfig struct {
	Enabled        bool           `json:"enabled"`
	Contacts       []ContactEntry `json:"contacts"`
	PollIntervalMS int            `json:"pollIntervalMs"`
}

// ContactEntry is one allow-list entry. UserID tolerates numeric JSON
// values, which remote config writers tend to produce.
type ContactEntry struct {
	Nickname string     `json:"nickname"`
	UserID   FlexString `json:"userId,omitempty"`
}

// Contact converts the entry to the domain value.
func (e ContactEntry) Contact() domain.Contact {
	return domain.Contact{Nickname: e.Nickname, UserID: string(e.UserID)}
}

// TransportConfig configures the reverse WebSocket connection.
type TransportConfig struct {
	Enabled                  bool   `json:"enabled"`
	WSURL                    string `json:"wsUrl"`
	AccessToken              string `json:"accessToken,omitempty"`
	SelfID                   string `json:"selfId"`
	HeartbeatIntervalSeconds int    `json:"heartbeatIntervalSeconds"`
	ReconnectMinSeconds      int    `json:"reconnectMinSeconds"`
	ReconnectMaxSeconds      int    `json:"reconnectMaxSeconds"`
	StabilityWindowSeconds   int    `json:"stabilityWindowSeconds"`
	OutboundBuffer           int    `json:"outboundBuffer"`
}

// MessageConfig configures payload handling.
type MessageConfig struct {
	EnableImage   bool   `json:"enableImage"`
	EnableFile    bool   `json:"enableFile"`
	ImageCacheDir string `json:"imageCacheDir"`
	FileCacheDir  string `json:"fileCacheDir"`
}

// CursorConfig configures optional cursor persistence.
type CursorConfig struct {
	Persist bool   `json:"persist"`
	DBPath  string `json:"dbPath"`
}

// BrowserConfig configures the chromedp chat surface.
type BrowserConfig struct {
	ProfileDir string `json:"profileDir"`
	Headless   bool   `json:"headless"`
}

// FlexString is a string that also unmarshals from JSON numbers
// (e.g. 12345 becomes "12345").
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// DefaultConfigDir returns the default config directory (~/.wxbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wxbridge"
	}
	return filepath.Join(home, ".wxbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Cursors.DBPath = ExpandPath(cfg.Cursors.DBPath)
	cfg.Browser.ProfileDir = ExpandPath(cfg.Browser.ProfileDir)
	cfg.Message.ImageCacheDir = ExpandPath(cfg.Message.ImageCacheDir)
	cfg.Message.FileCacheDir = ExpandPath(cfg.Message.FileCacheDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Monitor.PollIntervalMS < 100 {
		errs = append(errs, "monitor.pollIntervalMs must be >= 100")
	}
	if cfg.Transport.HeartbeatIntervalSeconds < 1 {
		errs = append(errs, "transport.heartbeatIntervalSeconds must be >= 1")
	}
	if cfg.Transport.ReconnectMinSeconds < 1 {
		errs = append(errs, "transport.reconnectMinSeconds must be >= 1")
	}
	if cfg.Transport.ReconnectMaxSeconds < cfg.Transport.ReconnectMinSeconds {
		errs = append(errs, "transport.reconnectMaxSeconds must be >= transport.reconnectMinSeconds")
	}
	if cfg.Transport.OutboundBuffer < 1 {
		errs = append(errs, "transport.outboundBuffer must be >= 1")
	}
	if cfg.Transport.Enabled && cfg.Transport.WSURL != "" &&
		!strings.HasPrefix(cfg.Transport.WSURL, "ws://") && !strings.HasPrefix(cfg.Transport.WSURL, "wss://") {
		errs = append(errs, "transport.wsUrl must start with ws:// or wss://")
	}

	seen := make(map[string]bool, len(cfg.Monitor.Contacts))
	for i, entry := range cfg.Monitor.Contacts {
		if entry.Nickname == "" {
			errs = append(errs, fmt.Sprintf("monitor.contacts[%d]: nickname is required", i))
			continue
		}
		if seen[entry.Nickname] {
			errs = append(errs, fmt.Sprintf("monitor.contacts[%d]: duplicate nickname %q", i, entry.Nickname))
		}
		seen[entry.Nickname] = true
		if err := entry.Contact().Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("monitor.contacts[%d]: user id must be numeric, got %q", i, entry.UserID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Contacts converts the configured allow-list to domain contacts.
func (c *Config) Contacts() []domain.Contact {
	out := make([]domain.Contact, 0, len(c.Monitor.Contacts))
	for _, e := range c.Monitor.Contacts {
		out = append(out, e.Contact())
	}
	return out
}

// PollIntervalString renders the poll interval for logs.
func (c *Config) PollIntervalString() string {
	return strconv.Itoa(c.Monitor.PollIntervalMS) + "ms"
}
