package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the analysis engine
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Events    EventsConfig    `mapstructure:"events"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, anthropic
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string   `mapstructure:"name"`
	APIName         string   `mapstructure:"api_name"`
	MaxTokens       int      `mapstructure:"max_tokens"`
	Temperature     float64  `mapstructure:"temperature"`
	CostPer1K       float64  `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64  `mapstructure:"cost_per_1k_output"`
	Capabilities    []string `mapstructure:"capabilities"`
}

// LLMRoutingConfig defines which model to use for different tasks
type LLMRoutingConfig struct {
	Planning   string `mapstructure:"planning"`   // Use for execution planning
	Analysis   string `mapstructure:"analysis"`   // Use for query planning and insights
	Synthesis  string `mapstructure:"synthesis"`  // Use for final answer synthesis
	Correction string `mapstructure:"correction"` // Use for SQL self-correction
	Fallback   string `mapstructure:"fallback"`   // Fallback model
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
}

// EngineConfig tunes plan execution and the query correction loop
type EngineConfig struct {
	MaxConcurrentSteps  int           `mapstructure:"max_concurrent_steps"`
	StepTimeout         time.Duration `mapstructure:"step_timeout"`
	MaxQueryCorrections int           `mapstructure:"max_query_corrections"`
	QueryTimeout        time.Duration `mapstructure:"query_timeout"`
}

func (e EngineConfig) Validate() error {
	if e.MaxConcurrentSteps <= 0 {
		return fmt.Errorf("engine.max_concurrent_steps must be > 0")
	}
	if e.MaxQueryCorrections < 0 {
		return fmt.Errorf("engine.max_query_corrections must be >= 0")
	}
	return nil
}

// EventsConfig tunes the transparency event bus
type EventsConfig struct {
	Backend           string        `mapstructure:"backend"` // redis or memory
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	TTL               time.Duration `mapstructure:"ttl"`
}

func (e EventsConfig) Validate() error {
	switch e.Backend {
	case "", "redis", "memory":
		return nil
	default:
		return fmt.Errorf("events.backend must be redis or memory, got %q", e.Backend)
	}
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN renders a lib/pq connection string.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	sslmode := p.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, sslmode)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.default_timeout", "60s")
	viper.SetDefault("general.max_processing_time", "5m")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("engine.max_concurrent_steps", 3)
	viper.SetDefault("engine.step_timeout", "2m")
	viper.SetDefault("engine.max_query_corrections", 1)
	viper.SetDefault("engine.query_timeout", "30s")
	viper.SetDefault("events.backend", "redis")
	viper.SetDefault("events.poll_interval", "250ms")
	viper.SetDefault("events.inactivity_timeout", "5m")
	viper.SetDefault("events.ttl", "24h")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("QUERYPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Engine.Validate(); err != nil {
		panic(err)
	}
	if err := config.Events.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if config.Events.Backend != "memory" {
		if err := config.Storage.Redis.Validate(); err != nil {
			panic(err)
		}
	}
	return &config
}
