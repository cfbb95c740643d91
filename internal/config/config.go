// Package config loads the merged browserclaw configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the browserclaw configuration
type Config struct {
	Log        LogConfig        `json:"log"`
	Relay      RelayConfig      `json:"relay"`
	Server     ServerConfig     `json:"server"`
	Browser    BrowserConfig    `json:"browser"`
	Controller ControllerConfig `json:"controller"`
	Planner    PlannerConfig    `json:"planner"`
}

type LogConfig struct {
	Level      string `json:"level"` // trace, debug, info, warn, error
	ShowCaller bool   `json:"showCaller"`
}

// RelayConfig configures the adapter's connection to the relay server.
type RelayConfig struct {
	URL        string `json:"url"`        // ws endpoint of the relay
	RetryDelay string `json:"retryDelay"` // constant reconnect delay, e.g. "3s"
	Keepalive  string `json:"keepalive"`  // ws ping interval across idle periods
}

// ServerConfig configures the local relay server.
type ServerConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Runlog string `json:"runlog"` // JSONL event log path (empty = disabled)
}

// BrowserConfig configures the managed browser.
type BrowserConfig struct {
	Headless  bool   `json:"headless"`
	NoSandbox bool   `json:"noSandbox"` // needed for Docker/root
	Stealth   bool   `json:"stealth"`
	Device    string `json:"device"`    // "clear", "laptop", "iphone-x", ...
	ChromeCDP string `json:"chromeCDP"` // attach to existing Chrome instead of launching
	DataDir   string `json:"dataDir"`   // user data dir (empty = ~/.openclaw/browserclaw/profile)
	Bin       string `json:"bin"`       // browser binary (empty = rod's managed download)
}

// ControllerConfig configures plan execution.
type ControllerConfig struct {
	StepTimeout    string `json:"stepTimeout"`    // per-step reply timeout
	AdapterWait    string `json:"adapterWait"`    // how long to wait for the adapter on startup
	FollowHrefBase string `json:"followHrefBase"` // base URL for the auto-follow-href convenience (empty = disabled)
}

// PlannerConfig configures the LLM planner (OpenAI-compatible endpoint).
type PlannerConfig struct {
	BaseURL string `json:"baseURL"`
	APIKey  string `json:"apiKey"`
	Model   string `json:"model"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Relay: RelayConfig{
			URL:        "ws://127.0.0.1:8765",
			RetryDelay: "3s",
			Keepalive:  "25s",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Browser: BrowserConfig{
			Headless: true,
			Stealth:  true,
			Device:   "clear",
		},
		Controller: ControllerConfig{
			StepTimeout: "30s",
			AdapterWait: "45s",
		},
		Planner: PlannerConfig{
			Model: "gpt-4o-mini",
		},
	}
}

// Load reads configuration from ~/.openclaw/browserclaw.json, or from the
// given path when non-empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, nil
		}
		path = filepath.Join(home, ".openclaw", "browserclaw.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// parseDuration is the tolerant duration parser used by the Resolve helpers.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ResolveRetryDelay returns the reconnect delay as a Duration.
func (c *RelayConfig) ResolveRetryDelay() time.Duration {
	return parseDuration(c.RetryDelay, 3*time.Second)
}

// ResolveKeepalive returns the ws ping interval as a Duration.
func (c *RelayConfig) ResolveKeepalive() time.Duration {
	return parseDuration(c.Keepalive, 25*time.Second)
}

// ResolveStepTimeout returns the per-step reply timeout.
func (c *ControllerConfig) ResolveStepTimeout() time.Duration {
	return parseDuration(c.StepTimeout, 30*time.Second)
}

// ResolveAdapterWait returns the adapter readiness deadline.
func (c *ControllerConfig) ResolveAdapterWait() time.Duration {
	return parseDuration(c.AdapterWait, 45*time.Second)
}

// ResolveDataDir returns the browser user data dir.
func (c *BrowserConfig) ResolveDataDir(homeDir string) string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(homeDir, ".openclaw", "browserclaw", "profile")
}

// Addr returns the relay server listen address.
func (c *ServerConfig) Addr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 8765
	}
	return fmt.Sprintf("%s:%d", host, port)
}
