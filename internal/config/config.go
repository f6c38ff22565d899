// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Security    SecurityConfig    `mapstructure:"security"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PortWatch   PortWatchConfig   `mapstructure:"portwatch"`
	Connection  ConnectionConfig  `mapstructure:"connection"`
	Measurement MeasurementConfig `mapstructure:"measurement"`
	Buffer      BufferConfig      `mapstructure:"buffer"`
	Export      ExportConfig      `mapstructure:"export"`
	Serial      SerialConfig      `mapstructure:"serial"`
	TCP         TCPConfig         `mapstructure:"tcp"`
	App         AppConfig         `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// StorageConfig represents the durable session log configuration
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// PortWatchConfig represents serial port scanning configuration
type PortWatchConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	ProbeEnabled bool          `mapstructure:"probe_enabled"`
}

// ConnectionConfig represents connect-attempt configuration
type ConnectionConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// MeasurementConfig represents measurement worker failure policy
type MeasurementConfig struct {
	FailureThreshold         int  `mapstructure:"failure_threshold"`
	RetryCountsTowardFailure bool `mapstructure:"retry_counts_toward_failure"`
}

// BufferConfig represents the live sample buffer configuration
type BufferConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// ExportConfig represents export defaults
type ExportConfig struct {
	Directory string `mapstructure:"directory"`
}

// SerialConfig represents default serial line parameters
type SerialConfig struct {
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    int           `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// TCPConfig represents default TCP connection parameters
type TCPConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables. A
// missing config file is fine: the defaults describe a working bench.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/instrument-service")

	// Environment variable support
	viper.SetEnvPrefix("INSTRUMENT_SERVICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8086")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Security defaults
	viper.SetDefault("security.allowed_origins", []string{"*"})

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// Storage defaults
	viper.SetDefault("storage.enabled", true)
	viper.SetDefault("storage.path", "./data/sessions.db")

	// Port watch defaults
	viper.SetDefault("portwatch.interval", "2s")
	viper.SetDefault("portwatch.probe_timeout", "2s")
	viper.SetDefault("portwatch.probe_enabled", true)

	// Connection defaults
	viper.SetDefault("connection.timeout", "5s")
	viper.SetDefault("connection.query_timeout", "2s")
	viper.SetDefault("connection.stop_grace", "3s")
	viper.SetDefault("connection.reconnect_attempts", 0)
	viper.SetDefault("connection.reconnect_delay", "2s")

	// Measurement defaults
	viper.SetDefault("measurement.failure_threshold", 3)
	viper.SetDefault("measurement.retry_counts_toward_failure", false)

	// Buffer defaults
	viper.SetDefault("buffer.capacity", 1000)

	// Export defaults
	viper.SetDefault("export.directory", "./data/exports")

	// Serial line defaults, matching the DP711 factory settings
	viper.SetDefault("serial.baud_rate", 9600)
	viper.SetDefault("serial.data_bits", 8)
	viper.SetDefault("serial.stop_bits", 1)
	viper.SetDefault("serial.parity", "none")
	viper.SetDefault("serial.read_timeout", "500ms")

	// TCP defaults, raw-socket SCPI
	viper.SetDefault("tcp.connect_timeout", "5s")
	viper.SetDefault("tcp.read_timeout", "5s")
	viper.SetDefault("tcp.write_timeout", "5s")

	// App defaults
	viper.SetDefault("app.name", "instrument-service")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be positive")
	}
	if config.Measurement.FailureThreshold <= 0 {
		return fmt.Errorf("measurement.failure_threshold must be positive")
	}
	if config.PortWatch.Interval <= 0 {
		return fmt.Errorf("portwatch.interval must be positive")
	}
	if config.Connection.ReconnectAttempts < 0 {
		return fmt.Errorf("connection.reconnect_attempts must not be negative")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	isValidEnv := false
	for _, env := range validEnvs {
		if config.App.Environment == env {
			isValidEnv = true
			break
		}
	}
	if !isValidEnv {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
