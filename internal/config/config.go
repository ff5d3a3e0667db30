// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Capture() CaptureConfig
	Server() ServerConfig
	Report() ReportConfig
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	CaptureCfg  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	ServerCfg   ServerConfig   `mapstructure:"server" yaml:"server"`
	ReportCfg   ReportConfig   `mapstructure:"report" yaml:"report"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Capture() CaptureConfig   { return c.CaptureCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }
func (c *Config) Report() ReportConfig     { return c.ReportCfg }

// LoggerConfig defines all the configuration for the logger.
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

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	// Driver is either "postgres" or "sqlite".
	Driver         string        `mapstructure:"driver" yaml:"driver"`
	URL            string        `mapstructure:"url" yaml:"url"`
	SQLitePath     string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	MaxConns       int32         `mapstructure:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// BrowserConfig holds settings for the interactive browser instances.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// ChromiumBackend routes chromium sessions to "cdp" (chromedp) or "playwright".
	ChromiumBackend   string        `mapstructure:"chromium_backend" yaml:"chromium_backend"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	Locale            string        `mapstructure:"locale" yaml:"locale"`
	TimezoneID        string        `mapstructure:"timezone_id" yaml:"timezone_id"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	InitialLoadWait   time.Duration `mapstructure:"initial_load_timeout" yaml:"initial_load_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	GotoTimeout       time.Duration `mapstructure:"goto_timeout" yaml:"goto_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ClickSettle       time.Duration `mapstructure:"click_settle_timeout" yaml:"click_settle_timeout"`
	SelectorTimeout   time.Duration `mapstructure:"selector_timeout" yaml:"selector_timeout"`
	KeyDelay          time.Duration `mapstructure:"key_delay" yaml:"key_delay"`
	PointerPause      time.Duration `mapstructure:"pointer_pause" yaml:"pointer_pause"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	ObserverBuffer    int           `mapstructure:"observer_buffer" yaml:"observer_buffer"`
	// InstallDrivers downloads the playwright driver and browsers before the first launch.
	InstallDrivers bool `mapstructure:"install_drivers" yaml:"install_drivers"`
}

// CaptureConfig controls screenshot and data layer capture.
type CaptureConfig struct {
	ScreenshotQuality int           `mapstructure:"screenshot_quality" yaml:"screenshot_quality"`
	ScreenshotTimeout time.Duration `mapstructure:"screenshot_timeout" yaml:"screenshot_timeout"`
	ScriptTimeout     time.Duration `mapstructure:"script_timeout" yaml:"script_timeout"`
	PartialTail       int           `mapstructure:"partial_tail" yaml:"partial_tail"`
}

// ServerConfig configures the HTTP and websocket listener.
type ServerConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	MaxMessageBytes  int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	SendBuffer       int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	CloseGracePeriod time.Duration `mapstructure:"close_grace_period" yaml:"close_grace_period"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CreateRateLimit  float64       `mapstructure:"create_rate_limit" yaml:"create_rate_limit"`
	CreateRateBurst  int           `mapstructure:"create_rate_burst" yaml:"create_rate_burst"`
	// AllowedOrigins lists CORS and websocket origins. "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// ReportConfig configures report aggregation.
type ReportConfig struct {
	SuccessThreshold int `mapstructure:"success_threshold" yaml:"success_threshold"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
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
	v.SetDefault("logger.service_name", "dlvalidator")
	v.SetDefault("logger.log_file", "dlvalidator.log")
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
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "dlvalidator.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_timeout", "45s")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.chromium_backend", "cdp")
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)
	v.SetDefault("browser.locale", "es-ES")
	v.SetDefault("browser.timezone_id", "America/Bogota")
	v.SetDefault("browser.ignore_tls_errors", true)
	v.SetDefault("browser.launch_timeout", "90s")
	v.SetDefault("browser.initial_load_timeout", "90s")
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.goto_timeout", "60s")
	v.SetDefault("browser.settle_delay", "500ms")
	v.SetDefault("browser.click_settle_timeout", "3s")
	v.SetDefault("browser.selector_timeout", "5s")
	v.SetDefault("browser.key_delay", "50ms")
	v.SetDefault("browser.pointer_pause", "50ms")
	v.SetDefault("browser.action_timeout", "5s")
	v.SetDefault("browser.shutdown_timeout", "10s")
	v.SetDefault("browser.observer_buffer", 256)
	v.SetDefault("browser.install_drivers", false)

	// -- Capture --
	v.SetDefault("capture.screenshot_quality", 70)
	v.SetDefault("capture.screenshot_timeout", "10s")
	v.SetDefault("capture.script_timeout", "10s")
	v.SetDefault("capture.partial_tail", 10)

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8080")
	v.SetDefault("server.max_message_bytes", 65536)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.close_grace_period", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.create_rate_limit", 5.0)
	v.SetDefault("server.create_rate_burst", 10)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// -- Report --
	v.SetDefault("report.success_threshold", 90)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	if err := v.BindEnv("database.url", "DLVALIDATOR_DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind database url env: %w", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the URL if Unmarshal didn't pick it up
	if cfg.DatabaseCfg.Driver == "postgres" && cfg.DatabaseCfg.URL == "" {
		cfg.DatabaseCfg.URL = os.Getenv("DLVALIDATOR_DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if err := c.DatabaseCfg.Validate(); err != nil {
		return fmt.Errorf("database configuration invalid: %w", err)
	}
	if err := c.BrowserCfg.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if q := c.CaptureCfg.ScreenshotQuality; q < 1 || q > 100 {
		return fmt.Errorf("capture.screenshot_quality must be between 1 and 100")
	}
	if c.CaptureCfg.PartialTail <= 0 {
		return fmt.Errorf("capture.partial_tail must be a positive integer")
	}
	if c.ServerCfg.SendBuffer <= 0 {
		return fmt.Errorf("server.send_buffer must be a positive integer")
	}
	if t := c.ReportCfg.SuccessThreshold; t < 0 || t > 100 {
		return fmt.Errorf("report.success_threshold must be between 0 and 100")
	}
	return nil
}

// Validate checks the database settings.
func (d *DatabaseConfig) Validate() error {
	switch strings.ToLower(d.Driver) {
	case "postgres":
		if d.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver. Ensure DLVALIDATOR_DATABASE_URL is set")
		}
	case "sqlite":
		if d.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", d.Driver)
	}
	return nil
}

// Validate checks the browser settings.
func (b *BrowserConfig) Validate() error {
	if b.ViewportWidth <= 0 || b.ViewportHeight <= 0 {
		return fmt.Errorf("viewport dimensions must be positive")
	}
	switch b.ChromiumBackend {
	case "cdp", "playwright":
	default:
		return fmt.Errorf("chromium_backend must be one of cdp, playwright")
	}
	if b.ObserverBuffer <= 0 {
		return fmt.Errorf("observer_buffer must be a positive integer")
	}
	if b.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be positive")
	}
	return nil
}
