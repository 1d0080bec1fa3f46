// Package config loads service configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Generator     GeneratorConfig     `yaml:"generator"`
	Recognizer    RecognizerConfig    `yaml:"recognizer"`
	Reasoning     ReasoningConfig     `yaml:"reasoning"`
	Images        ImagesConfig        `yaml:"images"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Events        EventsConfig        `yaml:"events"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// WorkflowConfig fixes the per-deployment run budget.
type WorkflowConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	Deadline      time.Duration `yaml:"deadline"`
}

// GeneratorConfig selects and configures the image generation backend.
type GeneratorConfig struct {
	Driver string       `yaml:"driver"` // fal or render
	FAL    FALConfig    `yaml:"fal"`
	Render RenderConfig `yaml:"render"`
}

type FALConfig struct {
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	ImageSize       string        `yaml:"image_size"`
	SafetyTolerance string        `yaml:"safety_tolerance"`
	Timeout         time.Duration `yaml:"timeout"`
}

type RenderConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	Scale  int `yaml:"scale"`
}

// RecognizerConfig selects and configures the OCR backend.
type RecognizerConfig struct {
	Driver    string          `yaml:"driver"` // vision or tesseract (needs -tags tesseract)
	Tesseract TesseractConfig `yaml:"tesseract"`
	Vision    VisionConfig    `yaml:"vision"`
}

type TesseractConfig struct {
	Language  string  `yaml:"language"`
	MinWidth  int     `yaml:"min_width"`
	Contrast  float64 `yaml:"contrast"`
	Threshold uint8   `yaml:"threshold"`
}

type VisionConfig struct {
	Model string `yaml:"model"`
}

// ReasoningConfig configures the LLM used for intent extraction, prompt
// revision and the vision recognizer.
type ReasoningConfig struct {
	Driver     string        `yaml:"driver"` // openrouter or heuristic
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// ImagesConfig sets where generated images are stored.
type ImagesConfig struct {
	Dir string `yaml:"dir"`
}

// DatabaseConfig holds run history database settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds run status cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// EventsConfig holds event replay and fan-out settings.
type EventsConfig struct {
	Retention time.Duration `yaml:"retention"`
	// Publish sends every frame to Redis pub/sub. Requires the redis cache driver.
	Publish bool `yaml:"publish"`
}

type MCPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BasePath string `yaml:"base_path"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from path (optional), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	return LoadWith(path)
}

// LoadWith is Load with extra overrides applied after the environment and
// before validation. The CLI uses it for command-line flags.
func LoadWith(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8000,
			ReadTimeout:      30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Workflow: WorkflowConfig{
			MaxIterations: 8,
			Deadline:      5 * time.Minute,
		},
		Generator: GeneratorConfig{
			Driver: "fal",
			FAL: FALConfig{
				BaseURL:         "https://fal.run",
				Model:           "fal-ai/flux-pro/v1.1",
				ImageSize:       "landscape_4_3",
				SafetyTolerance: "2",
				Timeout:         2 * time.Minute,
			},
			Render: RenderConfig{
				Width:  1024,
				Height: 768,
				Scale:  6,
			},
		},
		Recognizer: RecognizerConfig{
			Driver: "vision",
			Tesseract: TesseractConfig{
				Language:  "eng",
				MinWidth:  1600,
				Contrast:  30,
				Threshold: 128,
			},
			Vision: VisionConfig{
				Model: "google/gemini-2.5-flash",
			},
		},
		Reasoning: ReasoningConfig{
			Driver:     "openrouter",
			BaseURL:    "https://openrouter.ai/api/v1/chat/completions",
			Model:      "google/gemini-2.5-flash",
			Timeout:    60 * time.Second,
			MaxRetries: 3,
		},
		Images: ImagesConfig{
			Dir: "generated_images",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "textimage.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        time.Hour,
			MaxEntries: 1000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Prefix:   "textimage:",
			},
		},
		Events: EventsConfig{
			Retention: 15 * time.Minute,
		},
		MCP: MCPConfig{
			Enabled:  true,
			BasePath: "/mcp",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "textimage",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Workflow.MaxIterations < 1 {
		return fmt.Errorf("workflow.max_iterations must be at least 1")
	}
	if c.Workflow.Deadline <= 0 {
		return fmt.Errorf("workflow.deadline must be positive")
	}

	switch c.Generator.Driver {
	case "fal":
		if c.Generator.FAL.APIKey == "" {
			return fmt.Errorf("FAL_KEY is required for the fal generator")
		}
	case "render":
	default:
		return fmt.Errorf("invalid generator driver: %s", c.Generator.Driver)
	}

	switch c.Reasoning.Driver {
	case "openrouter":
		if c.Reasoning.APIKey == "" {
			return fmt.Errorf("OPENROUTER_API_KEY is required for the openrouter reasoning driver")
		}
	case "heuristic":
	default:
		return fmt.Errorf("invalid reasoning driver: %s", c.Reasoning.Driver)
	}

	switch c.Recognizer.Driver {
	case "tesseract":
	case "vision":
		if c.Reasoning.APIKey == "" {
			return fmt.Errorf("OPENROUTER_API_KEY is required for the vision recognizer")
		}
	default:
		return fmt.Errorf("invalid recognizer driver: %s", c.Recognizer.Driver)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.Postgres.DSN == "" {
		return fmt.Errorf("database.postgres.dsn is required for the postgres driver")
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}
	if c.Events.Publish && c.Cache.Driver != "redis" {
		return fmt.Errorf("events.publish requires the redis cache driver")
	}

	if c.Images.Dir == "" {
		return fmt.Errorf("images.dir is required")
	}

	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Reasoning.APIKey = v
	}

	if v := os.Getenv("REASONING_MODEL"); v != "" {
		cfg.Reasoning.Model = v
	}

	if v := os.Getenv("FAL_KEY"); v != "" {
		cfg.Generator.FAL.APIKey = v
	}

	if v := os.Getenv("GENERATOR_DRIVER"); v != "" {
		cfg.Generator.Driver = v
	}

	if v := os.Getenv("RECOGNIZER_DRIVER"); v != "" {
		cfg.Recognizer.Driver = v
	}

	if v := os.Getenv("REASONING_DRIVER"); v != "" {
		cfg.Reasoning.Driver = v
	}

	if v := os.Getenv("MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workflow.MaxIterations = n
		}
	}

	if v := os.Getenv("WORKFLOW_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workflow.Deadline = d
		}
	}

	if v := os.Getenv("IMAGES_DIR"); v != "" {
		cfg.Images.Dir = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
