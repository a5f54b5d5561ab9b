// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines a read-only contract for accessing configuration.
// Components depend on this rather than on the concrete Config so tests can
// hand them a trimmed-down fake.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Scanner() ScannerConfig
	Executor() ExecutorConfig
	Sequencer() SequencerConfig
	Voice() VoiceConfig
	Chat() ChatConfig
	Prefs() PrefsConfig
	Server() ServerConfig
	Learning() LearningConfig
	Routes() map[string]string

	// Setters used by CLI flag overrides.
	SetBrowserHeadless(bool)
	SetBrowserRemoteURL(string)
	SetServerListenAddr(string)
}

// Config is the root of the application configuration.
type Config struct {
	LoggerCfg    LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg  DatabaseConfig    `mapstructure:"database" yaml:"database"`
	BrowserCfg   BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	ScannerCfg   ScannerConfig     `mapstructure:"scanner" yaml:"scanner"`
	ExecutorCfg  ExecutorConfig    `mapstructure:"executor" yaml:"executor"`
	SequencerCfg SequencerConfig   `mapstructure:"sequencer" yaml:"sequencer"`
	VoiceCfg     VoiceConfig       `mapstructure:"voice" yaml:"voice"`
	ChatCfg      ChatConfig        `mapstructure:"chat" yaml:"chat"`
	PrefsCfg     PrefsConfig       `mapstructure:"prefs" yaml:"prefs"`
	ServerCfg    ServerConfig      `mapstructure:"server" yaml:"server"`
	LearningCfg  LearningConfig    `mapstructure:"learning" yaml:"learning"`
	RoutesCfg    map[string]string `mapstructure:"routes" yaml:"routes"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Scanner() ScannerConfig     { return c.ScannerCfg }
func (c *Config) Executor() ExecutorConfig   { return c.ExecutorCfg }
func (c *Config) Sequencer() SequencerConfig { return c.SequencerCfg }
func (c *Config) Voice() VoiceConfig         { return c.VoiceCfg }
func (c *Config) Chat() ChatConfig           { return c.ChatCfg }
func (c *Config) Prefs() PrefsConfig         { return c.PrefsCfg }
func (c *Config) Server() ServerConfig       { return c.ServerCfg }
func (c *Config) Learning() LearningConfig   { return c.LearningCfg }
func (c *Config) Routes() map[string]string  { return c.RoutesCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)       { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRemoteURL(u string)    { c.BrowserCfg.RemoteURL = u }
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

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the durable store connection details. An empty URL
// selects the in-memory implementations.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// BrowserConfig controls how the live page backend reaches a browser tab.
type BrowserConfig struct {
	// RemoteURL is a DevTools websocket URL of an already running browser.
	// When empty a local browser process is launched.
	RemoteURL       string        `mapstructure:"remote_url" yaml:"remote_url"`
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	StartURL        string        `mapstructure:"start_url" yaml:"start_url"`
	NavigateTimeout time.Duration `mapstructure:"navigate_timeout" yaml:"navigate_timeout"`
	ScrollStep      int           `mapstructure:"scroll_step" yaml:"scroll_step"`
	// Args are extra browser flags, either "name" or "name=value".
	Args []string `mapstructure:"args" yaml:"args"`
}

// ScannerConfig tunes capability discovery.
type ScannerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// TagAttribute is the explicit capability tag consulted first for names
	// and second for selectors.
	TagAttribute string `mapstructure:"tag_attribute" yaml:"tag_attribute"`
	MaxNameRunes int    `mapstructure:"max_name_runes" yaml:"max_name_runes"`
	MaxPathDepth int    `mapstructure:"max_path_depth" yaml:"max_path_depth"`
}

// ExecutorConfig tunes single action execution.
type ExecutorConfig struct {
	// LearnFromScan stores scan resolutions whose capability name matched
	// exactly as unflagged memory entries. Off by default: only taught
	// entries are remembered.
	LearnFromScan bool `mapstructure:"learn_from_scan" yaml:"learn_from_scan"`
}

// SequencerConfig tunes verified multi-step procedures.
type SequencerConfig struct {
	SettleDelay    time.Duration    `mapstructure:"settle_delay" yaml:"settle_delay"`
	VerifyAttempts int              `mapstructure:"verify_attempts" yaml:"verify_attempts"`
	Procedures     ProceduresConfig `mapstructure:"procedures" yaml:"procedures"`
}

// ProceduresConfig names the targets used by the built-in procedures.
type ProceduresConfig struct {
	Composer     string `mapstructure:"composer" yaml:"composer"`
	Submit       string `mapstructure:"submit" yaml:"submit"`
	FeedTab      string `mapstructure:"feed_tab" yaml:"feed_tab"`
	SearchBox    string `mapstructure:"search_box" yaml:"search_box"`
	SearchButton string `mapstructure:"search_button" yaml:"search_button"`
	// NewEntity is a format string taking the entity kind, e.g. "new %s".
	NewEntity  string `mapstructure:"new_entity" yaml:"new_entity"`
	SaveEntity string `mapstructure:"save_entity" yaml:"save_entity"`
}

// VoiceConfig configures the realtime voice session.
type VoiceConfig struct {
	CredentialURL  string        `mapstructure:"credential_url" yaml:"credential_url"`
	RealtimeURL    string        `mapstructure:"realtime_url" yaml:"realtime_url"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	WakePhrase     string        `mapstructure:"wake_phrase" yaml:"wake_phrase"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// ChatConfig configures the chat completion endpoint.
type ChatConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// PrefsConfig locates the local preference store.
type PrefsConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig configures the control server.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// LearningConfig bounds the learning side channel.
type LearningConfig struct {
	QueueSize  int     `mapstructure:"queue_size" yaml:"queue_size"`
	RatePerSec float64 `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
	Burst      int     `mapstructure:"burst" yaml:"burst"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
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
	v.SetDefault("logger.service_name", "rocker")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.connect_timeout", "10s")

	// -- Browser --
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.start_url", "about:blank")
	v.SetDefault("browser.navigate_timeout", "30s")
	v.SetDefault("browser.scroll_step", 600)

	// -- Scanner --
	v.SetDefault("scanner.poll_interval", "2s")
	v.SetDefault("scanner.tag_attribute", "data-rocker")
	v.SetDefault("scanner.max_name_runes", 80)
	v.SetDefault("scanner.max_path_depth", 4)

	// -- Executor --
	v.SetDefault("executor.learn_from_scan", false)

	// -- Sequencer --
	v.SetDefault("sequencer.settle_delay", "300ms")
	v.SetDefault("sequencer.verify_attempts", 5)
	v.SetDefault("sequencer.procedures.composer", "what's on your mind")
	v.SetDefault("sequencer.procedures.submit", "post")
	v.SetDefault("sequencer.procedures.feed_tab", "feed")
	v.SetDefault("sequencer.procedures.search_box", "search")
	v.SetDefault("sequencer.procedures.search_button", "search button")
	v.SetDefault("sequencer.procedures.new_entity", "new %s")
	v.SetDefault("sequencer.procedures.save_entity", "save")

	// -- Voice --
	v.SetDefault("voice.credential_url", "")
	v.SetDefault("voice.realtime_url", "")
	v.SetDefault("voice.wake_phrase", "hey rocker")
	v.SetDefault("voice.request_timeout", "15s")

	// -- Chat --
	v.SetDefault("chat.endpoint", "")
	v.SetDefault("chat.request_timeout", "60s")

	// -- Prefs --
	v.SetDefault("prefs.path", "~/.rocker/prefs.db")

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8787")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.request_timeout", "120s")

	// -- Learning --
	v.SetDefault("learning.queue_size", 256)
	v.SetDefault("learning.rate_per_sec", 20.0)
	v.SetDefault("learning.burst", 40)

	// -- Routes --
	v.SetDefault("routes", map[string]string{
		"home":        "/",
		"feed":        "/feed",
		"marketplace": "/marketplace",
		"profile":     "/profile",
		"messages":    "/messages",
		"settings":    "/settings",
	})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment rather than the config file.
	v.BindEnv("voice.api_key", "ROCKER_VOICE_API_KEY")
	v.BindEnv("chat.api_key", "ROCKER_CHAT_API_KEY")
	v.BindEnv("database.url", "ROCKER_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.ChatCfg.APIKey == "" {
		cfg.ChatCfg.APIKey = os.Getenv("ROCKER_CHAT_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.ScannerCfg.PollInterval <= 0 {
		return fmt.Errorf("scanner.poll_interval must be a positive duration")
	}
	if strings.TrimSpace(c.ScannerCfg.TagAttribute) == "" {
		return fmt.Errorf("scanner.tag_attribute must not be empty")
	}
	if c.ScannerCfg.MaxPathDepth <= 0 {
		return fmt.Errorf("scanner.max_path_depth must be a positive integer")
	}
	if err := c.SequencerCfg.Validate(); err != nil {
		return fmt.Errorf("sequencer configuration invalid: %w", err)
	}
	if c.LearningCfg.QueueSize <= 0 {
		return fmt.Errorf("learning.queue_size must be a positive integer")
	}
	if c.LearningCfg.RatePerSec <= 0 {
		return fmt.Errorf("learning.rate_per_sec must be positive")
	}
	return nil
}

// Validate checks the SequencerConfig settings.
func (s *SequencerConfig) Validate() error {
	if s.SettleDelay < 0 {
		return fmt.Errorf("settle_delay must not be negative")
	}
	if s.VerifyAttempts <= 0 {
		return fmt.Errorf("verify_attempts must be greater than 0")
	}
	return nil
}
