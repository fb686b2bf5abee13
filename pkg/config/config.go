// Package config loads the service configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	// Downstream retrieval API.
	CascadeURL   string
	CascadeKey   string
	Collection   string
	Collections  []string // multi mode when more than one
	OverviewPath string

	// LM backends and models.
	Backend       string
	Model         string
	SubModel      string
	ClassifyModel string

	// Loop budgets and delegation.
	MaxIterations      int
	MaxDepth           int
	SubIterations      int
	MaxDelegationDepth int

	// Service limits.
	SessionTimeout time.Duration
	Workers        int
	MaxActive      int

	// HTTP surface.
	HTTPPort string
	APIKey   string // required in x-api-key when set

	AuditDir string
}

// MultiMode reports whether searches should fan out across collections.
func (c *Config) MultiMode() bool { return len(c.Collections) > 1 }

// Load reads configuration from the environment. A .env file at envPath
// is loaded first when present; missing files are not an error.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("could not load .env file, continuing with existing environment",
				"path", envPath, "error", err)
		}
	}

	cfg := &Config{
		CascadeURL:   getEnv("CASCADE_API_URL", "http://localhost:8100"),
		CascadeKey:   os.Getenv("CASCADE_API_KEY"),
		Collection:   getEnv("CASCADE_COLLECTION", "qa"),
		OverviewPath: os.Getenv("CASCADE_OVERVIEW_PATH"),

		Backend:       getEnv("RLM_BACKEND", "anthropic"),
		Model:         getEnv("RLM_MODEL", "claude-sonnet-4-5"),
		SubModel:      getEnv("RLM_SUB_MODEL", "claude-3-5-haiku-latest"),
		ClassifyModel: os.Getenv("RLM_CLASSIFY_MODEL"),

		MaxIterations:      getEnvInt("RLM_MAX_ITERATIONS", 10),
		MaxDepth:           getEnvInt("RLM_MAX_DEPTH", 1),
		SubIterations:      getEnvInt("RLM_SUB_ITERATIONS", 3),
		MaxDelegationDepth: getEnvInt("RLM_MAX_DELEGATION_DEPTH", 1),

		SessionTimeout: time.Duration(getEnvInt("SESSION_TIMEOUT", 3600)) * time.Second,
		Workers:        getEnvInt("RLM_WORKERS", 4),
		MaxActive:      getEnvInt("RLM_MAX_ACTIVE", 8),

		HTTPPort: getEnv("HTTP_PORT", "8080"),
		APIKey:   os.Getenv("SEARCH_API_KEY"),
		AuditDir: getEnv("AUDIT_DIR", "./logs"),
	}

	if raw := os.Getenv("CASCADE_COLLECTIONS"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Collections = append(cfg.Collections, name)
			}
		}
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = []string{cfg.Collection}
	}

	// The sub model falls back to the root model, and the classify
	// model to the sub model.
	if cfg.SubModel == "" {
		cfg.SubModel = cfg.Model
	}
	if cfg.ClassifyModel == "" {
		cfg.ClassifyModel = cfg.SubModel
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CascadeURL == "" {
		return fmt.Errorf("CASCADE_API_URL must not be empty")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("RLM_MAX_ITERATIONS must be at least 1, got %d", c.MaxIterations)
	}
	if c.Workers < 1 {
		return fmt.Errorf("RLM_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.MaxActive < c.Workers {
		return fmt.Errorf("RLM_MAX_ACTIVE (%d) must be >= RLM_WORKERS (%d)", c.MaxActive, c.Workers)
	}
	if c.MaxDelegationDepth < 0 {
		return fmt.Errorf("RLM_MAX_DELEGATION_DEPTH must not be negative, got %d", c.MaxDelegationDepth)
	}
	switch c.Backend {
	case "anthropic", "openai", "claude_cli":
	default:
		return fmt.Errorf("unknown RLM_BACKEND %q", c.Backend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer in environment, using default",
			"key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return n
}
