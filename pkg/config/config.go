// Package config handles Munin configuration via YAML file and environment variables.
//
// Configuration can come from three places, in increasing precedence:
//   - Programmatic defaults (DefaultConfig)
//   - A YAML configuration file (Load)
//   - MUNIN_* environment variables (applied on top of either)
//
// The environment-over-file ordering keeps the same config file usable
// across deployments: bake munin.yaml into an image and override the
// endpoints per environment.
//
// Example Usage:
//
//	cfg := config.LoadOrDefault("./munin.yaml")
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//
//	MUNIN_STORAGE_BACKEND            - "badger" or "memory" (default: badger)
//	MUNIN_DATA_DIR                   - data directory (default: ./data)
//	MUNIN_EMBEDDING_PROVIDER         - "ollama" or "openai"
//	MUNIN_EMBEDDING_API_URL          - embedding endpoint base URL
//	MUNIN_EMBEDDING_API_KEY          - key for OpenAI-compatible providers
//	MUNIN_EMBEDDING_MODEL            - e.g. mxbai-embed-large
//	MUNIN_EMBEDDING_DIMENSIONS       - expected vector size
//	MUNIN_EMBEDDING_CACHE_SIZE       - vectors to cache, 0 disables
//	MUNIN_JUDGE_API_URL              - judge chat endpoint base URL
//	MUNIN_JUDGE_API_KEY              - key for the judge endpoint
//	MUNIN_JUDGE_MODEL                - e.g. llama3.1
//	MUNIN_DEDUP_DUPLICATE_THRESHOLD  - cosine at or above which a candidate is a duplicate
//	MUNIN_DEDUP_ESCALATE_THRESHOLD   - cosine at or above which the judge is consulted
//	MUNIN_VALIDATION_CHECKS          - comma-separated check names
//	MUNIN_MERGE_DEFAULT_STRATEGY     - strategy for unlisted knowledge types
//	MUNIN_DECAY_HALF_LIFE_DAYS       - retrieval decay half-life
//	MUNIN_DECAY_EVERGREEN_TYPES      - comma-separated info types exempt from decay
//	MUNIN_RETRIEVAL_MMR_LAMBDA       - relevance/diversity trade-off (0..1)
//	MUNIN_RETRIEVAL_DEFAULT_BUDGET   - token budget per info-type block
//	MUNIN_RETRIEVAL_TOUCH_ACCESS     - bump access counters on retrieval
//	MUNIN_WORKER_INTERVAL            - background worker poll interval
//	MUNIN_DEVELOPMENTAL_TTL          - retention window for quarantined pieces
//
// For a complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/munin/pkg/decay"
	"github.com/orneryd/munin/pkg/dedup"
	"github.com/orneryd/munin/pkg/embed"
	"github.com/orneryd/munin/pkg/judge"
	"github.com/orneryd/munin/pkg/merge"
	"github.com/orneryd/munin/pkg/retrieve"
	"github.com/orneryd/munin/pkg/validate"
)

// Config aggregates the per-subsystem configurations.
//
// Each section is the config type of the package it drives, so the
// facade can hand sections straight to the constructors without
// translation.
type Config struct {
	// Storage selects the engine backend and its data directory.
	Storage StorageConfig `yaml:"storage"`

	// Embedding configures the embedding provider.
	Embedding embed.Config `yaml:"embedding"`

	// Judge configures the LLM used for dedup decisions and
	// validation checks.
	Judge judge.Config `yaml:"judge"`

	// Dedup holds the similarity thresholds for the three-tier pipeline.
	Dedup dedup.Config `yaml:"dedup"`

	// Validation lists the enabled quality checks.
	Validation validate.Config `yaml:"validation"`

	// Merge maps knowledge types to merge strategies.
	Merge merge.Config `yaml:"merge"`

	// Decay controls temporal scoring at retrieval time.
	Decay decay.Config `yaml:"decay"`

	// Retrieval controls ranking diversity and output budgets.
	Retrieval retrieve.Config `yaml:"retrieval"`

	// Worker controls the background job loop and piece lifecycle.
	Worker WorkerConfig `yaml:"worker"`
}

// StorageConfig selects and locates the storage engine.
type StorageConfig struct {
	// Backend is "badger" (persistent) or "memory" (tests, scratch).
	Backend string `yaml:"backend"`
	// DataDir is the directory Badger stores its files in.
	DataDir string `yaml:"data_dir"`
}

// WorkerConfig controls background processing.
type WorkerConfig struct {
	// Interval between queue drains.
	Interval time.Duration `yaml:"interval"`
	// DevelopmentalTTL is how long a quarantined piece survives
	// without passing validation before the expiry sweep deactivates
	// it. Zero disables expiry.
	DevelopmentalTTL time.Duration `yaml:"developmental_ttl"`
}

// DefaultConfig returns a configuration suitable for local development:
// Badger under ./data, Ollama embeddings and judge on localhost.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "badger",
			DataDir: "./data",
		},
		Embedding:  *embed.DefaultOllamaConfig(),
		Judge:      *judge.DefaultConfig(),
		Dedup:      *dedup.DefaultConfig(),
		Validation: *validate.DefaultConfig(),
		Merge:      *merge.DefaultConfig(),
		Decay:      *decay.DefaultConfig(),
		Retrieval: retrieve.Config{
			MMRLambda:     retrieve.DefaultMMRLambda,
			DefaultBudget: retrieve.DefaultTokenBudget,
			TouchAccess:   true,
		},
		Worker: WorkerConfig{
			Interval:         5 * time.Second,
			DevelopmentalTTL: 14 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from a YAML file, then applies MUNIN_*
// environment variables on top. Sections absent from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// LoadOrDefault loads config from a file, or falls back to defaults
// (still honoring environment variables) when the file doesn't exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		cfg = LoadFromEnv()
	}
	return cfg
}

// LoadFromEnv builds configuration from defaults plus MUNIN_*
// environment variables, without touching the filesystem.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	// Storage
	c.Storage.Backend = getEnv("MUNIN_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DataDir = getEnv("MUNIN_DATA_DIR", c.Storage.DataDir)

	// Embedding
	c.Embedding.Provider = getEnv("MUNIN_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.APIURL = getEnv("MUNIN_EMBEDDING_API_URL", c.Embedding.APIURL)
	c.Embedding.APIPath = getEnv("MUNIN_EMBEDDING_API_PATH", c.Embedding.APIPath)
	c.Embedding.APIKey = getEnv("MUNIN_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.Model = getEnv("MUNIN_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimensions = getEnvInt("MUNIN_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)
	c.Embedding.Timeout = getEnvDuration("MUNIN_EMBEDDING_TIMEOUT", c.Embedding.Timeout)
	c.Embedding.CacheSize = getEnvInt("MUNIN_EMBEDDING_CACHE_SIZE", c.Embedding.CacheSize)
	c.Embedding.CacheTTL = getEnvDuration("MUNIN_EMBEDDING_CACHE_TTL", c.Embedding.CacheTTL)

	// Judge
	c.Judge.APIURL = getEnv("MUNIN_JUDGE_API_URL", c.Judge.APIURL)
	c.Judge.APIPath = getEnv("MUNIN_JUDGE_API_PATH", c.Judge.APIPath)
	c.Judge.APIKey = getEnv("MUNIN_JUDGE_API_KEY", c.Judge.APIKey)
	c.Judge.Model = getEnv("MUNIN_JUDGE_MODEL", c.Judge.Model)
	c.Judge.Timeout = getEnvDuration("MUNIN_JUDGE_TIMEOUT", c.Judge.Timeout)

	// Dedup
	c.Dedup.DuplicateThreshold = getEnvFloat("MUNIN_DEDUP_DUPLICATE_THRESHOLD", c.Dedup.DuplicateThreshold)
	c.Dedup.EscalateThreshold = getEnvFloat("MUNIN_DEDUP_ESCALATE_THRESHOLD", c.Dedup.EscalateThreshold)
	c.Dedup.CandidateLimit = getEnvInt("MUNIN_DEDUP_CANDIDATE_LIMIT", c.Dedup.CandidateLimit)

	// Validation
	c.Validation.EnabledChecks = getEnvStringSlice("MUNIN_VALIDATION_CHECKS", c.Validation.EnabledChecks)

	// Merge
	if val := os.Getenv("MUNIN_MERGE_DEFAULT_STRATEGY"); val != "" {
		c.Merge.Default = merge.Strategy(val)
	}

	// Decay
	c.Decay.HalfLifeDays = getEnvFloat("MUNIN_DECAY_HALF_LIFE_DAYS", c.Decay.HalfLifeDays)
	c.Decay.EvergreenInfoTypes = getEnvStringSlice("MUNIN_DECAY_EVERGREEN_TYPES", c.Decay.EvergreenInfoTypes)
	c.Decay.RecalculateInterval = getEnvDuration("MUNIN_DECAY_INTERVAL", c.Decay.RecalculateInterval)

	// Retrieval
	c.Retrieval.MMRLambda = getEnvFloat("MUNIN_RETRIEVAL_MMR_LAMBDA", c.Retrieval.MMRLambda)
	c.Retrieval.DefaultBudget = getEnvInt("MUNIN_RETRIEVAL_DEFAULT_BUDGET", c.Retrieval.DefaultBudget)
	c.Retrieval.TouchAccess = getEnvBool("MUNIN_RETRIEVAL_TOUCH_ACCESS", c.Retrieval.TouchAccess)

	// Worker
	c.Worker.Interval = getEnvDuration("MUNIN_WORKER_INTERVAL", c.Worker.Interval)
	c.Worker.DevelopmentalTTL = getEnvDuration("MUNIN_DEVELOPMENTAL_TTL", c.Worker.DevelopmentalTTL)
}

// Validate checks the configuration for internally inconsistent or
// unusable values. Call it once after loading, before wiring subsystems.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "badger" && c.Storage.DataDir == "" {
		return fmt.Errorf("badger backend requires a data directory")
	}

	if c.Embedding.Provider != "" && c.Embedding.Dimensions < 0 {
		return fmt.Errorf("invalid embedding dimensions: %d", c.Embedding.Dimensions)
	}

	if c.Dedup.DuplicateThreshold < c.Dedup.EscalateThreshold {
		return fmt.Errorf("duplicate threshold %.2f below escalate threshold %.2f",
			c.Dedup.DuplicateThreshold, c.Dedup.EscalateThreshold)
	}

	for _, check := range c.Validation.EnabledChecks {
		if !validate.KnownCheck(check) {
			return fmt.Errorf("unknown validation check: %q", check)
		}
	}

	if c.Retrieval.MMRLambda < 0 || c.Retrieval.MMRLambda > 1 {
		return fmt.Errorf("mmr lambda %.2f outside [0, 1]", c.Retrieval.MMRLambda)
	}

	if c.Decay.HalfLifeDays <= 0 {
		return fmt.Errorf("decay half-life must be positive, got %.1f", c.Decay.HalfLifeDays)
	}

	return nil
}

// String returns a safe string representation of the Config.
//
// API keys are not included, making this safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Backend: %s, DataDir: %s, Embedding: %s/%s, Judge: %s, Checks: %d}",
		c.Storage.Backend, c.Storage.DataDir,
		c.Embedding.Provider, c.Embedding.Model,
		c.Judge.Model, len(c.Validation.EnabledChecks),
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare numbers are seconds.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}
