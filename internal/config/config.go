package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/MimeLyc/contentpipe/internal/llm"
	"github.com/MimeLyc/contentpipe/pkg/icron"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

// Config holds all application configuration.
// Values come from environment variables with sensible defaults.
//
// Environment Variables:
// LLM Configuration:
// - LLM_API_KEY: API key for the LLM provider (required to generate)
// - LLM_API_URL: API endpoint URL (default: https://openrouter.ai/api/v1)
// - LLM_MODEL: Model name to use (default: openai/gpt-4o-mini)
// - LLM_MAX_TOKENS: Maximum tokens for a section draft (default: 4000)
// - LLM_TEMPERATURE: Temperature for section drafts (default: 0.7)
// - LLM_DOCUMENT_MAX_TOKENS: Maximum tokens for whole-article rewrites (default: 16000)
// - LLM_DOCUMENT_TEMPERATURE: Temperature for rewrites, negative inherits (default: 0.3)
// - LLM_TIMEOUT: Request timeout in seconds (default: 120)
// - LLM_SITE_URL, LLM_APP_NAME: optional attribution headers
//
// Pipeline Configuration:
// - SECTION_CONCURRENCY: sections generated at once in the draft pass (default: 3)
// - SECTION_RETRIES: attempts per section (default: 3)
// - PASS_RETRIES: attempts per pass 2-8 (default: 3)
// - GENERATION_TIMEOUT: bound on one generation attempt (default: 5m)
// - RETRY_BACKOFF: base backoff between attempts (default: 1s)
// - BRIEF_DIR: directory of <id>.json briefs (default: $DATA_DIR/briefs)
// - PIPELINE_WORKERS: jobs run at once by the server (default: 2)
//
// Store Configuration:
// - STORE_DRIVER: sqlite, postgres or memory (default: sqlite)
// - DATA_DIR: data directory holding the SQLite file (default: /app/data)
// - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, POSTGRES_DB, POSTGRES_SSLMODE
//
// Notify Configuration:
// - NOTIFY_BACKEND: memory, redis or poll (default: memory)
// - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
// - NOTIFY_POLL_INTERVAL: snapshot interval of the poll backend (default: 2s)
//
// HTTP, Sweeper and Log:
// - HTTP_ADDR (default: :8080), UI_STATIC_DIR, UI_ENABLED
// - SWEEPER_CRON: recovery schedule, empty disables it (default: @every 1m)
// - LOG_LEVEL: debug, info, warn or error (default: info)

type Config struct {
	LLM      LLMConfig      `json:"llm"`
	Pipeline PipelineConfig `json:"pipeline"`
	Store    StoreConfig    `json:"store"`
	Notify   NotifyConfig   `json:"notify"`
	HTTP     HTTPConfig     `json:"http"`
	Sweeper  SweeperConfig  `json:"sweeper"`
	Log      LogConfig      `json:"log"`
}

// LLMConfig holds the configuration for the LLM client.
// Supports any OpenAI-compatible provider (OpenRouter, OpenAI, a gateway).
type LLMConfig struct {
	APIKey      string  `json:"-"`
	APIURL      string  `json:"api_url"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
	SiteURL     string  `json:"site_url"`
	AppName     string  `json:"app_name"`

	// Passes 2-7 send and receive the whole article.
	DocumentMaxTokens   int     `json:"document_max_tokens"`
	DocumentTemperature float64 `json:"document_temperature"`
}

func (c LLMConfig) ClientConfig() *llm.Config {
	return &llm.Config{
		APIKey:      c.APIKey,
		APIURL:      c.APIURL,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		Timeout:     c.Timeout,
		SiteURL:     c.SiteURL,
		AppName:     c.AppName,

		DocumentMaxTokens:   c.DocumentMaxTokens,
		DocumentTemperature: c.DocumentTemperature,
	}
}

type PipelineConfig struct {
	SectionConcurrency int           `json:"section_concurrency"`
	SectionRetries     int           `json:"section_retries"`
	PassRetries        int           `json:"pass_retries"`
	GenerationTimeout  time.Duration `json:"generation_timeout"`
	RetryBackoff       time.Duration `json:"retry_backoff"`
	BriefDir           string        `json:"brief_dir"`
	Workers            int           `json:"workers"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type StoreConfig struct {
	Driver   string         `json:"driver"`
	DataDir  string         `json:"data_dir"`
	Postgres PostgresConfig `json:"postgres"`
}

// DBPath is the SQLite file inside DataDir.
func (c StoreConfig) DBPath() string {
	return filepath.Join(c.DataDir, "contentpipe.db")
}

type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
}

const (
	NotifyMemory = "memory"
	NotifyRedis  = "redis"
	NotifyPoll   = "poll"
)

type NotifyConfig struct {
	Backend       string        `json:"backend"`
	RedisAddr     string        `json:"redis_addr"`
	RedisPassword string        `json:"-"`
	RedisDB       int           `json:"redis_db"`
	PollInterval  time.Duration `json:"poll_interval"`
}

type HTTPConfig struct {
	Addr        string `json:"addr"`
	UIStaticDir string `json:"ui_static_dir"`
	UIEnabled   bool   `json:"ui_enabled"`
}

type SweeperConfig struct {
	CronExpr string `json:"cron_expr"`
}

type LogConfig struct {
	Level string `json:"level"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// LoadDotEnv loads variables from the given .env files, or ./.env when none
// are named. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", "/app/data")
	config := &Config{
		LLM: LLMConfig{
			APIKey:      getEnvString("LLM_API_KEY", ""),
			APIURL:      getEnvString("LLM_API_URL", "https://openrouter.ai/api/v1"),
			Model:       getEnvString("LLM_MODEL", "openai/gpt-4o-mini"),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 4000),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.7),
			Timeout:     getEnvInt("LLM_TIMEOUT", 120),
			SiteURL:     getEnvString("LLM_SITE_URL", ""),
			AppName:     getEnvString("LLM_APP_NAME", "contentpipe"),

			DocumentMaxTokens:   getEnvInt("LLM_DOCUMENT_MAX_TOKENS", 16000),
			DocumentTemperature: getEnvFloat("LLM_DOCUMENT_TEMPERATURE", 0.3),
		},
		Pipeline: PipelineConfig{
			SectionConcurrency: getEnvInt("SECTION_CONCURRENCY", 3),
			SectionRetries:     getEnvInt("SECTION_RETRIES", 3),
			PassRetries:        getEnvInt("PASS_RETRIES", 3),
			GenerationTimeout:  getEnvDuration("GENERATION_TIMEOUT", 5*time.Minute),
			RetryBackoff:       getEnvDuration("RETRY_BACKOFF", time.Second),
			BriefDir:           getEnvString("BRIEF_DIR", filepath.Join(dataDir, "briefs")),
			Workers:            getEnvInt("PIPELINE_WORKERS", 2),
		},
		Store: StoreConfig{
			Driver:  strings.ToLower(getEnvString("STORE_DRIVER", DriverSQLite)),
			DataDir: dataDir,
			Postgres: PostgresConfig{
				Host:     getEnvString("POSTGRES_HOST", "localhost"),
				Port:     getEnvInt("POSTGRES_PORT", 5432),
				User:     getEnvString("POSTGRES_USER", "postgres"),
				Password: getEnvString("POSTGRES_PASSWORD", ""),
				DBName:   getEnvString("POSTGRES_DB", "contentpipe"),
				SSLMode:  getEnvString("POSTGRES_SSLMODE", "disable"),
			},
		},
		Notify: NotifyConfig{
			Backend:       strings.ToLower(getEnvString("NOTIFY_BACKEND", NotifyMemory)),
			RedisAddr:     getEnvString("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnvString("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			PollInterval:  getEnvDuration("NOTIFY_POLL_INTERVAL", 2*time.Second),
		},
		HTTP: HTTPConfig{
			Addr:        getEnvString("HTTP_ADDR", ":8080"),
			UIStaticDir: getEnvString("UI_STATIC_DIR", "/app/web"),
			UIEnabled:   getEnvBool("UI_ENABLED", false),
		},
		Sweeper: SweeperConfig{
			CronExpr: "@every 1m",
		},
		Log: LogConfig{
			Level: getEnvString("LOG_LEVEL", "info"),
		},
	}
	// an explicitly empty SWEEPER_CRON disables the schedule
	if expr, set := os.LookupEnv("SWEEPER_CRON"); set {
		config.Sweeper.CronExpr = strings.TrimSpace(expr)
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	log.Debug("Config: %+v", *config)
	return config, nil
}

// Validate checks ranges and enumerations. The LLM key is checked when a
// client is built, so read-only commands work without one.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.SectionConcurrency < 1 {
		return fmt.Errorf("SECTION_CONCURRENCY must be at least 1")
	}
	if p.SectionRetries < 1 || p.PassRetries < 1 {
		return fmt.Errorf("SECTION_RETRIES and PASS_RETRIES must be at least 1")
	}
	if p.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be positive")
	}
	if p.RetryBackoff < 0 {
		return fmt.Errorf("RETRY_BACKOFF must not be negative")
	}
	if p.Workers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be at least 1")
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.DataDir) == "" {
			return fmt.Errorf("DATA_DIR is required for the sqlite store")
		}
	case DriverPostgres:
		if c.Store.Postgres.Port < 1 || c.Store.Postgres.Port > 65535 {
			return fmt.Errorf("POSTGRES_PORT out of range: %d", c.Store.Postgres.Port)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	switch c.Notify.Backend {
	case NotifyMemory:
	case NotifyRedis:
		if c.Notify.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
	case NotifyPoll:
		if c.Notify.PollInterval <= 0 {
			return fmt.Errorf("NOTIFY_POLL_INTERVAL must be positive")
		}
	default:
		return fmt.Errorf("unknown NOTIFY_BACKEND %q", c.Notify.Backend)
	}

	if c.Sweeper.CronExpr != "" {
		if _, err := icron.Parse(c.Sweeper.CronExpr); err != nil {
			return fmt.Errorf("SWEEPER_CRON: %w", err)
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be between 0 and 2")
	}
	if c.LLM.DocumentMaxTokens < 0 {
		return fmt.Errorf("LLM_DOCUMENT_MAX_TOKENS must not be negative")
	}
	if c.LLM.DocumentTemperature > 2 {
		return fmt.Errorf("LLM_DOCUMENT_TEMPERATURE must be at most 2")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") and plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
