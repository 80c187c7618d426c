package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Jobs      JobsConfig      `yaml:"jobs" envconfig:"JOBS"`
	Pipeline  PipelineConfig  `yaml:"pipeline" envconfig:"PIPELINE"`
	History   HistoryConfig   `yaml:"history" envconfig:"HISTORY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	// JobTimeout bounds the synchronous single-job trigger endpoint, which
	// blocks until the script exits.
	JobTimeout time.Duration `yaml:"job_timeout" envconfig:"JOB_TIMEOUT" default:"20m"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// JobsConfig controls the job executor and runtime tracker.
type JobsConfig struct {
	// ScriptDir is the working directory the job scripts run in.
	ScriptDir string `yaml:"script_dir" envconfig:"SCRIPT_DIR" default:"."`
	// Interpreter launches the job scripts.
	Interpreter string        `yaml:"interpreter" envconfig:"INTERPRETER" default:"python3"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"15m"`
	// RuntimeLogCap bounds the per-job live log; oldest entries are evicted.
	RuntimeLogCap int `yaml:"runtime_log_cap" envconfig:"RUNTIME_LOG_CAP" default:"50"`
	// OutputCap bounds captured stdout/stderr per run, in bytes.
	OutputCap int `yaml:"output_cap" envconfig:"OUTPUT_CAP" default:"65536"`
}

// PipelineConfig controls the full-pipeline state machine and scheduler.
type PipelineConfig struct {
	// WindowDays is how many days past today the per-date picks stage covers.
	WindowDays int  `yaml:"window_days" envconfig:"WINDOW_DAYS" default:"2"`
	IncludeCBB bool `yaml:"include_cbb" envconfig:"INCLUDE_CBB" default:"true"`
	LogCap     int  `yaml:"log_cap" envconfig:"LOG_CAP" default:"200"`

	AutoRefreshEnabled bool   `yaml:"auto_refresh_enabled" envconfig:"AUTO_REFRESH_ENABLED" default:"false"`
	AutoRefreshHour    int    `yaml:"auto_refresh_hour" envconfig:"AUTO_REFRESH_HOUR" default:"5"`
	AutoRefreshMinute  int    `yaml:"auto_refresh_minute" envconfig:"AUTO_REFRESH_MINUTE" default:"0"`
	Timezone           string `yaml:"timezone" envconfig:"TIMEZONE" default:"US/Eastern"`
}

// HistoryConfig controls the run-history store.
type HistoryConfig struct {
	// Backend selects the store implementation: memory or sqlite.
	Backend  string `yaml:"backend" envconfig:"BACKEND" default:"memory"`
	Path     string `yaml:"path" envconfig:"PATH" default:"data/history.db"`
	Capacity int    `yaml:"capacity" envconfig:"CAPACITY" default:"200"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process("PICKS", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	configFile := getConfigFilePath()
	if configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Server.ReadTimeout == 0 {
		envConfig.Server.ReadTimeout = fileConfig.Server.ReadTimeout
	}
	if fileConfig.Jobs.ScriptDir != "" && envConfig.Jobs.ScriptDir == "." {
		envConfig.Jobs.ScriptDir = fileConfig.Jobs.ScriptDir
	}
	if envConfig.History.Backend == "" {
		envConfig.History.Backend = fileConfig.History.Backend
	}
	return envConfig
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	if c.Jobs.RuntimeLogCap <= 0 {
		return fmt.Errorf("jobs runtime log cap must be positive")
	}

	if c.Jobs.OutputCap <= 0 {
		return fmt.Errorf("jobs output cap must be positive")
	}

	if c.Pipeline.WindowDays < 0 {
		return fmt.Errorf("pipeline window days must not be negative")
	}

	if c.Pipeline.LogCap <= 0 {
		return fmt.Errorf("pipeline log cap must be positive")
	}

	if c.Pipeline.AutoRefreshHour < 0 || c.Pipeline.AutoRefreshHour > 23 {
		return fmt.Errorf("invalid auto refresh hour: %d", c.Pipeline.AutoRefreshHour)
	}

	if c.Pipeline.AutoRefreshMinute < 0 || c.Pipeline.AutoRefreshMinute > 59 {
		return fmt.Errorf("invalid auto refresh minute: %d", c.Pipeline.AutoRefreshMinute)
	}

	switch c.History.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown history backend: %s", c.History.Backend)
	}

	if c.History.Capacity <= 0 {
		return fmt.Errorf("history capacity must be positive")
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
			JobTimeout:      20 * time.Minute,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "both",
			FilePath: "logs/app.log",
		},
		Jobs: JobsConfig{
			ScriptDir:     ".",
			Interpreter:   "python3",
			Timeout:       15 * time.Minute,
			RuntimeLogCap: 50,
			OutputCap:     64 << 10,
		},
		Pipeline: PipelineConfig{
			WindowDays:        2,
			IncludeCBB:        true,
			LogCap:            200,
			AutoRefreshHour:   5,
			AutoRefreshMinute: 0,
			Timezone:          "US/Eastern",
		},
		History: HistoryConfig{
			Backend:  "memory",
			Path:     "data/history.db",
			Capacity: 200,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}
