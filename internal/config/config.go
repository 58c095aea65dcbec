package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Match     MatchConfig     `yaml:"match"`
	Decision  DecisionConfig  `yaml:"decision"`
	Budget    BudgetConfig    `yaml:"budget"`
	Email     EmailConfig     `yaml:"email"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// EmbeddingConfig holds the embedding provider settings.
type EmbeddingConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Dimension      int    `yaml:"dimension"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LLMConfig holds the judge model settings. Provider is "openai" or
// "bedrock".
type LLMConfig struct {
	Provider       string `yaml:"provider"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	BedrockRegion  string `yaml:"bedrock_region"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SchedulerConfig tunes the fetch scheduler.
type SchedulerConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	ClaimBatch           int `yaml:"claim_batch"`
	MaxConcurrent        int `yaml:"max_concurrent"`
	MaxItemsPerFetch     int `yaml:"max_items_per_fetch"`
}

// MatchConfig holds the score blend weights.
type MatchConfig struct {
	CosWeight      float64 `yaml:"cos_weight"`
	FreshWeight    float64 `yaml:"fresh_weight"`
	PriorityWeight float64 `yaml:"priority_weight"`
	MustWeight     float64 `yaml:"must_weight"`
}

// DecisionConfig holds the bucket thresholds.
type DecisionConfig struct {
	ImmediateThreshold float64 `yaml:"immediate_threshold"`
	BoundaryThreshold  float64 `yaml:"boundary_threshold"`
	BatchThreshold     float64 `yaml:"batch_threshold"`
}

// BudgetConfig holds the daily spend caps.
type BudgetConfig struct {
	EmbeddingTokensDaily int64   `yaml:"embedding_tokens_daily"`
	JudgeTokensDaily     int64   `yaml:"judge_tokens_daily"`
	DailyCapUSD          float64 `yaml:"daily_cap_usd"`
	SoftFactor           float64 `yaml:"soft_factor"`
}

// EmailConfig holds the outbound email settings. Provider is "smtp" or
// "ses".
type EmailConfig struct {
	Provider     string `yaml:"provider"`
	From         string `yaml:"from"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
	SESRegion    string `yaml:"ses_region"`
	SESAccessKey string `yaml:"ses_access_key"`
	SESSecretKey string `yaml:"ses_secret_key"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost:8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = 1536
	}
	if cfg.Embedding.TimeoutSeconds == 0 {
		cfg.Embedding.TimeoutSeconds = 30
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "https://api.openai.com"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com"
	}
	if cfg.LLM.BedrockRegion == "" {
		cfg.LLM.BedrockRegion = "us-east-1"
	}
	if cfg.LLM.TimeoutSeconds == 0 {
		cfg.LLM.TimeoutSeconds = 20
	}
	if cfg.Scheduler.SweepIntervalSeconds == 0 {
		cfg.Scheduler.SweepIntervalSeconds = 60
	}
	if cfg.Scheduler.ClaimBatch == 0 {
		cfg.Scheduler.ClaimBatch = 20
	}
	if cfg.Scheduler.MaxConcurrent == 0 {
		cfg.Scheduler.MaxConcurrent = 5
	}
	if cfg.Scheduler.MaxItemsPerFetch == 0 {
		cfg.Scheduler.MaxItemsPerFetch = 100
	}
	if cfg.Match.CosWeight == 0 {
		cfg.Match.CosWeight = 0.55
	}
	if cfg.Match.FreshWeight == 0 {
		cfg.Match.FreshWeight = 0.15
	}
	if cfg.Match.PriorityWeight == 0 {
		cfg.Match.PriorityWeight = 0.15
	}
	if cfg.Match.MustWeight == 0 {
		cfg.Match.MustWeight = 0.15
	}
	if cfg.Decision.ImmediateThreshold == 0 {
		cfg.Decision.ImmediateThreshold = 0.93
	}
	if cfg.Decision.BoundaryThreshold == 0 {
		cfg.Decision.BoundaryThreshold = 0.88
	}
	if cfg.Decision.BatchThreshold == 0 {
		cfg.Decision.BatchThreshold = 0.75
	}
	if cfg.Budget.EmbeddingTokensDaily == 0 {
		cfg.Budget.EmbeddingTokensDaily = 2_000_000
	}
	if cfg.Budget.JudgeTokensDaily == 0 {
		cfg.Budget.JudgeTokensDaily = 500_000
	}
	if cfg.Budget.DailyCapUSD == 0 {
		cfg.Budget.DailyCapUSD = 5.0
	}
	if cfg.Budget.SoftFactor == 0 {
		cfg.Budget.SoftFactor = 0.8
	}
	if cfg.Email.Provider == "" {
		cfg.Email.Provider = "smtp"
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = 587
	}
	if cfg.Email.SESRegion == "" {
		cfg.Email.SESRegion = "us-east-1"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SERVER_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.LLM.BedrockRegion = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.Email.SMTPUsername = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Email.SMTPPassword = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		cfg.Email.From = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Email.SESAccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Email.SESSecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Email.SESRegion = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
