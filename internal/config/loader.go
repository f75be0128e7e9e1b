package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "concilium.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CONCILIUM_PORT")
	setString(&cfg.Server.CORSOrigin, "CONCILIUM_CORS_ORIGIN")
	setString(&cfg.Server.APIKeyHash, "CONCILIUM_API_KEY_HASH")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONCILIUM_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONCILIUM_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONCILIUM_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONCILIUM_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONCILIUM_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.LLM.URL, "CONCILIUM_LLM_URL")
	setString(&cfg.LLM.APIKey, "CONCILIUM_LLM_API_KEY")
	setString(&cfg.LLM.Model, "CONCILIUM_LLM_MODEL")
	setInt(&cfg.LLM.MaxTokens, "CONCILIUM_LLM_MAX_TOKENS")
	setFloat64(&cfg.LLM.Temperature, "CONCILIUM_LLM_TEMPERATURE")
	setDuration(&cfg.LLM.Timeout, "CONCILIUM_LLM_TIMEOUT")
	setString(&cfg.Logging.Level, "CONCILIUM_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONCILIUM_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "CONCILIUM_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CONCILIUM_BREAKER_TIMEOUT")

	setInt(&cfg.Deliberation.MaxRounds, "CONCILIUM_MAX_ROUNDS")
	setFloat64(&cfg.Deliberation.ConsensusThreshold, "CONCILIUM_CONSENSUS_THRESHOLD")
	setDuration(&cfg.Deliberation.WorkerTimeout, "CONCILIUM_WORKER_TIMEOUT")
	setInt(&cfg.Deliberation.MaxParallel, "CONCILIUM_MAX_PARALLEL")
	setStrings(&cfg.Deliberation.Panel, "CONCILIUM_PANEL")
	setString(&cfg.Deliberation.Coordinator, "CONCILIUM_COORDINATOR")

	setString(&cfg.Knowledge.Dir, "CONCILIUM_KNOWLEDGE_DIR")
	setInt(&cfg.Knowledge.MaxContextChars, "CONCILIUM_KNOWLEDGE_MAX_CHARS")
	setInt64(&cfg.Knowledge.CacheMaxBytes, "CONCILIUM_KNOWLEDGE_CACHE_BYTES")
	setDuration(&cfg.Knowledge.CacheTTL, "CONCILIUM_KNOWLEDGE_CACHE_TTL")

	setString(&cfg.Store.Backend, "CONCILIUM_STORE_BACKEND")
	setString(&cfg.Store.Dir, "CONCILIUM_STORE_DIR")

	setBool(&cfg.Telemetry.Enabled, "CONCILIUM_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "CONCILIUM_TELEMETRY_ENDPOINT")
}

// validate checks that required fields are set and ranges are sane.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Deliberation.MaxRounds < 1 {
		return errors.New("deliberation.max_rounds must be >= 1")
	}
	if cfg.Deliberation.ConsensusThreshold <= 0 || cfg.Deliberation.ConsensusThreshold > 1 {
		return errors.New("deliberation.consensus_threshold must be in (0,1]")
	}
	if cfg.Deliberation.Coordinator == "" {
		return errors.New("deliberation.coordinator is required")
	}
	switch cfg.Store.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("store.backend %q must be file or postgres", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "postgres" && cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required for the postgres store backend")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
