package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/avaplatform/ava/internal/domain"
)

// Config is the full application configuration. YAML is the base layer and
// selected environment variables override it, so deployments can tune a few
// knobs without shipping a new file.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Scoring    ScoringDefaults  `yaml:"scoring"`
	LLM        LLMConfig        `yaml:"llm"`
	Shadow     ShadowConfig     `yaml:"shadow"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Drift      DriftConfig      `yaml:"drift"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables the L2 config cache
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EvaluationConfig tunes the per-session buffering and flush behavior.
type EvaluationConfig struct {
	BatchIntervalMs  int    `yaml:"batch_interval_ms"`
	BatchMaxEvents   int    `yaml:"batch_max_events"`
	MaxContextEvents int    `yaml:"max_context_events"`
	Engine           string `yaml:"engine"` // llm | fast | auto
}

// ScoringDefaults seed the built-in scoring config knobs.
type ScoringDefaults struct {
	Weights    domain.SignalWeights  `yaml:"weights"`
	Thresholds domain.TierThresholds `yaml:"thresholds"`
	CacheTTL   time.Duration         `yaml:"cache_ttl"`
}

type LLMConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
}

type ShadowConfig struct {
	Enabled bool `yaml:"enabled"`
}

type JobsConfig struct {
	NightlyHourUTC  int           `yaml:"nightly_hour_utc"`
	CanaryInterval  time.Duration `yaml:"canary_interval"`
	OutcomeTimeout  time.Duration `yaml:"outcome_timeout"`
	SessionIdleTime time.Duration `yaml:"session_idle_time"`
	RetentionDays   int           `yaml:"retention_days"`
}

// DriftConfig holds the alerting thresholds the drift check compares against.
type DriftConfig struct {
	TierAgreementFloor     float64 `yaml:"tier_agreement_floor"`
	DecisionAgreementFloor float64 `yaml:"decision_agreement_floor"`
	MaxCompositeDivergence float64 `yaml:"max_composite_divergence"`
	SignalShiftThreshold   float64 `yaml:"signal_shift_threshold"`
	ConversionDropPercent  float64 `yaml:"conversion_drop_percent"`
	MinSampleSize          int     `yaml:"min_sample_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    16,
			MaxIdleConns:    8,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    10 * time.Second,
		},
		Evaluation: EvaluationConfig{
			BatchIntervalMs:  5000,
			BatchMaxEvents:   10,
			MaxContextEvents: 50,
			Engine:           "auto",
		},
		Scoring: ScoringDefaults{
			Weights:    domain.SignalWeights{Intent: 0.25, Friction: 0.25, Clarity: 0.15, Receptivity: 0.20, Value: 0.15},
			Thresholds: domain.TierThresholds{Monitor: 29, Passive: 49, Nudge: 64, Active: 79},
			CacheTTL:   60 * time.Second,
		},
		LLM: LLMConfig{
			Model:          "ava-eval-1",
			RequestTimeout: 8 * time.Second,
			RatePerSecond:  10,
			Burst:          20,
		},
		Shadow: ShadowConfig{Enabled: true},
		Jobs: JobsConfig{
			NightlyHourUTC:  2,
			CanaryInterval:  4 * time.Hour,
			OutcomeTimeout:  30 * time.Minute,
			SessionIdleTime: 30 * time.Minute,
			RetentionDays:   90,
		},
		Drift: DriftConfig{
			TierAgreementFloor:     0.70,
			DecisionAgreementFloor: 0.75,
			MaxCompositeDivergence: 15,
			SignalShiftThreshold:   10,
			ConversionDropPercent:  0.20,
			MinSampleSize:          50,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (optional), layers environment overrides,
// and validates the result. A .env file next to the process is honored first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AVA_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("AVA_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("AVA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AVA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AVA_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AVA_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("AVA_EVAL_ENGINE"); v != "" {
		cfg.Evaluation.Engine = v
	}
	if v := os.Getenv("AVA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AVA_SHADOW_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Shadow.Enabled = b
		}
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required (or set AVA_PG_DSN)")
	}
	switch domain.EvalEngine(c.Evaluation.Engine) {
	case domain.EngineLLM, domain.EngineFast, domain.EngineAuto:
	default:
		return fmt.Errorf("evaluation.engine %q: must be llm, fast, or auto", c.Evaluation.Engine)
	}
	if c.Evaluation.BatchIntervalMs <= 0 {
		return fmt.Errorf("evaluation.batch_interval_ms must be positive")
	}
	if c.Evaluation.BatchMaxEvents <= 0 {
		return fmt.Errorf("evaluation.batch_max_events must be positive")
	}
	if c.Evaluation.MaxContextEvents < c.Evaluation.BatchMaxEvents {
		return fmt.Errorf("evaluation.max_context_events (%d) must be >= batch_max_events (%d)",
			c.Evaluation.MaxContextEvents, c.Evaluation.BatchMaxEvents)
	}
	if err := c.Scoring.Thresholds.Validate(); err != nil {
		return fmt.Errorf("scoring.thresholds: %w", err)
	}
	if c.Jobs.NightlyHourUTC < 0 || c.Jobs.NightlyHourUTC > 23 {
		return fmt.Errorf("jobs.nightly_hour_utc %d: must be 0..23", c.Jobs.NightlyHourUTC)
	}
	if c.Jobs.RetentionDays <= 0 {
		return fmt.Errorf("jobs.retention_days must be positive")
	}
	return nil
}
