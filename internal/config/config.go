package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerAddress    string        `yaml:"server_address"`
	DatabaseURL      string        `yaml:"database_url"`
	JWTSecret        string        `yaml:"jwt_secret"`
	JWTTTL           time.Duration `yaml:"jwt_ttl"`
	RedisURL         string        `yaml:"redis_url"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	DefaultPageLimit int           `yaml:"default_page_limit"`
	MaxPageLimit     int           `yaml:"max_page_limit"`
	RateLimitRPS     float64       `yaml:"rate_limit_rps"`
	RateLimitBurst   int           `yaml:"rate_limit_burst"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		ServerAddress:    ":8080",
		DatabaseURL:      "sqlite://data/mentorchat.db",
		JWTSecret:        "dev-secret-change-me",
		JWTTTL:           30 * 24 * time.Hour,
		AllowedOrigins:   []string{"http://localhost:3000"},
		DefaultPageLimit: 20,
		MaxPageLimit:     100,
		RateLimitRPS:     5,
		RateLimitBurst:   20,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load merges defaults, the optional YAML file named by CONFIG_FILE and the
// environment (after .env is loaded), in that order.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServerAddress = getEnv("SERVER_ADDRESS", c.ServerAddress)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	if raw, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitList(raw)
	}
	if raw, ok := os.LookupEnv("JWT_TTL"); ok {
		if d, err := time.ParseDuration(raw); err == nil {
			c.JWTTTL = d
		}
	}
	c.DefaultPageLimit = getEnvInt("DEFAULT_PAGE_LIMIT", c.DefaultPageLimit)
	c.MaxPageLimit = getEnvInt("MAX_PAGE_LIMIT", c.MaxPageLimit)
	c.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", c.RateLimitBurst)
	if raw, ok := os.LookupEnv("RATE_LIMIT_RPS"); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			c.RateLimitRPS = v
		}
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("server address is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("jwt ttl must be positive, got %s", c.JWTTTL)
	}
	if c.MaxPageLimit <= 0 {
		return fmt.Errorf("max page limit must be positive, got %d", c.MaxPageLimit)
	}
	if c.DefaultPageLimit <= 0 || c.DefaultPageLimit > c.MaxPageLimit {
		return fmt.Errorf("default page limit must be in [1, %d], got %d", c.MaxPageLimit, c.DefaultPageLimit)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")

	if !filepath.IsAbs(dbPath) {
		cwd, err := os.Getwd()
		if err != nil {
			return filepath.Clean(dbPath)
		}
		dbPath = filepath.Join(cwd, dbPath)
	}

	return filepath.Clean(dbPath)
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

// SlogLevel converts LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the root logger described by LogFormat and LogLevel.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
