// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Sandbox() SandboxConfig
	Coordinator() CoordinatorConfig
	Server() ServerConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserIgnoreTLSErrors(bool)
	SetBrowserViewportExpansion(int)

	// Sandbox Setters
	SetSandboxWaits(before, after time.Duration)
	SetSandboxScriptTimeout(time.Duration)

	// Server Setters
	SetServerListenAddr(string)
}

// Config holds the entire application configuration. Sections are exported so
// viper can decode into them; consumers go through the Interface getters.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	SandboxCfg     SandboxConfig     `mapstructure:"sandbox" yaml:"sandbox"`
	CoordinatorCfg CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	ServerCfg      ServerConfig      `mapstructure:"server" yaml:"server"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Sandbox() SandboxConfig         { return c.SandboxCfg }
func (c *Config) Coordinator() CoordinatorConfig { return c.CoordinatorCfg }
func (c *Config) Server() ServerConfig           { return c.ServerCfg }

// --- Interface Method Implementations (Setters) ---

// Browser Setters
func (c *Config) SetBrowserHeadless(b bool)          { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserIgnoreTLSErrors(b bool)   { c.BrowserCfg.IgnoreTLSErrors = b }
func (c *Config) SetBrowserViewportExpansion(px int) { c.BrowserCfg.ViewportExpansion = px }

// Sandbox Setters
func (c *Config) SetSandboxWaits(before, after time.Duration) {
	c.SandboxCfg.DefaultWaitBefore = before
	c.SandboxCfg.DefaultWaitAfter = after
}
func (c *Config) SetSandboxScriptTimeout(d time.Duration) { c.SandboxCfg.ScriptTimeout = d }

// Server Setters
func (c *Config) SetServerListenAddr(addr string) { c.ServerCfg.ListenAddr = addr }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the ledger database connection details. An empty URL
// disables the decision ledger.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// BrowserConfig holds settings for the controlled browser instance.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	DisableCache      bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	// ViewportExpansion is the number of pixels around the viewport that
	// still count as visible. -1 means the whole page.
	ViewportExpansion int           `mapstructure:"viewport_expansion" yaml:"viewport_expansion"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// SandboxConfig tunes the script executor.
type SandboxConfig struct {
	DefaultWaitBefore time.Duration `mapstructure:"default_wait_before" yaml:"default_wait_before"`
	DefaultWaitAfter  time.Duration `mapstructure:"default_wait_after" yaml:"default_wait_after"`
	// ScriptTimeout bounds a single execution. Zero disables the bound.
	ScriptTimeout time.Duration `mapstructure:"script_timeout" yaml:"script_timeout"`
	ExposeTimers  bool          `mapstructure:"expose_timers" yaml:"expose_timers"`
}

// CoordinatorConfig controls the interrupt/resume protocol.
type CoordinatorConfig struct {
	// DecisionTimeout auto-rejects interrupted calls that receive no decision.
	// Zero waits forever.
	DecisionTimeout time.Duration `mapstructure:"decision_timeout" yaml:"decision_timeout"`
	// ManualApprovalTools are held for a reviewer instead of running automatically.
	ManualApprovalTools []string `mapstructure:"manual_approval_tools" yaml:"manual_approval_tools"`
	HistorySize         int      `mapstructure:"history_size" yaml:"history_size"`
	EventBuffer         int      `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// ServerConfig configures the reviewer/agent API.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// WSMessageRate is the number of inbound websocket messages allowed per second.
	WSMessageRate  float64 `mapstructure:"ws_message_rate" yaml:"ws_message_rate"`
	WSMessageBurst int     `mapstructure:"ws_message_burst" yaml:"ws_message_burst"`
	MaxSessions    int     `mapstructure:"max_sessions" yaml:"max_sessions"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "page-agent")
	v.SetDefault("logger.log_file", "page-agent.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.connect_timeout", "10s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})
	v.SetDefault("browser.viewport_expansion", 0)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.action_timeout", "15s")

	// -- Sandbox --
	v.SetDefault("sandbox.default_wait_before", "0s")
	v.SetDefault("sandbox.default_wait_after", "2s")
	v.SetDefault("sandbox.script_timeout", "0s")
	v.SetDefault("sandbox.expose_timers", true)

	// -- Coordinator --
	v.SetDefault("coordinator.decision_timeout", "0s")
	v.SetDefault("coordinator.manual_approval_tools", []string{})
	v.SetDefault("coordinator.history_size", 1024)
	v.SetDefault("coordinator.event_buffer", 64)

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8765")
	v.SetDefault("server.request_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.ws_message_rate", 5.0)
	v.SetDefault("server.ws_message_burst", 10)
	v.SetDefault("server.max_sessions", 8)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The ledger DSN usually carries credentials, keep it out of the file.
	v.BindEnv("database.url", "PAGEAGENT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.DatabaseCfg.URL == "" {
		cfg.DatabaseCfg.URL = os.Getenv("PAGEAGENT_DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.SandboxCfg.Validate(); err != nil {
		return fmt.Errorf("sandbox configuration invalid: %w", err)
	}
	if err := c.CoordinatorCfg.Validate(); err != nil {
		return fmt.Errorf("coordinator configuration invalid: %w", err)
	}
	if c.BrowserCfg.ViewportExpansion < -1 {
		return fmt.Errorf("browser.viewport_expansion must be -1 or a non-negative integer")
	}
	if c.ServerCfg.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is a required configuration field")
	}
	if c.ServerCfg.MaxSessions <= 0 {
		return fmt.Errorf("server.max_sessions must be a positive integer")
	}
	return nil
}

// Validate checks the SandboxConfig settings.
func (s *SandboxConfig) Validate() error {
	if s.DefaultWaitBefore < 0 || s.DefaultWaitAfter < 0 {
		return fmt.Errorf("default waits must not be negative")
	}
	if s.ScriptTimeout < 0 {
		return fmt.Errorf("script_timeout must not be negative")
	}
	return nil
}

// Validate checks the CoordinatorConfig settings.
func (c *CoordinatorConfig) Validate() error {
	if c.DecisionTimeout < 0 {
		return fmt.Errorf("decision_timeout must not be negative")
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("history_size must be a positive integer")
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("event_buffer must not be negative")
	}
	return nil
}
