// Package config loads service configuration with the precedence
// defaults, then YAML file, then environment variables (RAGD_ prefix).
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`
	LLM       LLMConfig       `yaml:"llm" env:"LLM"`
	Cache     CacheConfig     `yaml:"cache" env:"CACHE"`
	Agent     AgentOptions    `yaml:"agent" env:"AGENT"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig selects and configures the backing store.
type DatabaseConfig struct {
	// Driver is postgres or sqlite.
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
}

// DSN returns the driver-specific connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// RedisConfig configures the optional cache tier.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// BuildLogger constructs the process logger from the log settings.
func (l LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if l.Format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// EmbeddingConfig configures the embedding providers and router.
type EmbeddingConfig struct {
	DefaultProvider   string         `yaml:"default_provider" env:"DEFAULT_PROVIDER"`
	LongTextProvider  string         `yaml:"long_text_provider" env:"LONG_TEXT_PROVIDER"`
	LongTextThreshold int            `yaml:"long_text_threshold" env:"LONG_TEXT_THRESHOLD"`
	BatchSize         int            `yaml:"batch_size" env:"BATCH_SIZE"`
	Concurrency       int            `yaml:"concurrency" env:"CONCURRENCY"`
	RequestsPerSecond float64        `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Model             string         `yaml:"model" env:"MODEL"`
	OpenAI            ProviderConfig `yaml:"openai" env:"OPENAI"`
	Cohere            ProviderConfig `yaml:"cohere" env:"COHERE"`
}

// LLMConfig configures the chat providers and router.
type LLMConfig struct {
	DefaultProvider string         `yaml:"default_provider" env:"DEFAULT_PROVIDER"`
	Timeout         time.Duration  `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries      int            `yaml:"max_retries" env:"MAX_RETRIES"`
	OpenAI          ProviderConfig `yaml:"openai" env:"OPENAI"`
	Anthropic       ProviderConfig `yaml:"anthropic" env:"ANTHROPIC"`
}

// ProviderConfig is the per-provider connection block shared by chat and
// embedding providers.
type ProviderConfig struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	LocalMaxSize int           `yaml:"local_max_size" env:"LOCAL_MAX_SIZE"`
	LocalTTL     time.Duration `yaml:"local_ttl" env:"LOCAL_TTL"`
	RedisTTL     time.Duration `yaml:"redis_ttl" env:"REDIS_TTL"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Name:   "ragd.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Embedding: EmbeddingConfig{
			DefaultProvider:   "openai-embedding",
			BatchSize:         100,
			Concurrency:       4,
			RequestsPerSecond: 10,
			Model:             "text-embedding-3-small",
			OpenAI:            ProviderConfig{Enabled: true},
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Timeout:         90 * time.Second,
			MaxRetries:      2,
			OpenAI:          ProviderConfig{Enabled: true},
		},
		Cache: CacheConfig{
			LocalMaxSize: 1000,
			LocalTTL:     15 * time.Minute,
			RedisTTL:     time.Hour,
		},
		Agent: DefaultAgentOptions(),
	}
}

// Loader loads configuration with defaults, file, then env precedence.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader with the RAGD env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "RAGD"}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the configuration. A missing config file is not an
// error; a malformed one is.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Agent.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent options: %w", err)
	}
	return cfg, nil
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}
