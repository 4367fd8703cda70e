package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gmail     GmailConfig     `yaml:"gmail"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Bedrock   BedrockConfig   `yaml:"bedrock"`
	Firecrawl FirecrawlConfig `yaml:"firecrawl"`
	Brave     BraveConfig     `yaml:"brave"`
	Research  ResearchConfig  `yaml:"research"`
	Mailer    MailerConfig    `yaml:"mailer"`
	Storage   StorageConfig   `yaml:"storage"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// GmailConfig holds Gmail API OAuth configuration
type GmailConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RefreshToken   string `yaml:"refresh_token"` // fallback when TokenStore has no record
	UserID         string `yaml:"user_id"`       // Gmail API user, "me" for the token owner
	MaxResults     int    `yaml:"max_results"`   // hard cap for cleanup-mode listing
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	ReauthURL      string `yaml:"reauth_url"` // link embedded in re-auth notifications
}

// Timeout returns the configured timeout as a duration
func (c GmailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OpenAIConfig holds OpenAI API configuration
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`      // analysis tier
	MiniModel      string `yaml:"mini_model"` // classification and critique tier
	BatchSize      int    `yaml:"batch_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BedrockConfig holds the AWS Bedrock fallback LLM configuration
type BedrockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	ModelID string `yaml:"model_id"`
}

// FirecrawlConfig holds Firecrawl article-extraction API configuration
type FirecrawlConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c FirecrawlConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BraveConfig holds Brave Search API configuration
type BraveConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c BraveConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResearchConfig holds research-stage source configuration
type ResearchConfig struct {
	Feeds              []string `yaml:"feeds"` // RSS feeds consulted before paid search
	MaxResultsPerEmail int      `yaml:"max_results_per_email"`
	FeedTimeoutSeconds int      `yaml:"feed_timeout_seconds"`
}

// FeedTimeout returns the per-feed fetch timeout as a duration
func (c ResearchConfig) FeedTimeout() time.Duration {
	return time.Duration(c.FeedTimeoutSeconds) * time.Second
}

// MailerConfig holds digest delivery configuration
type MailerConfig struct {
	FromEmail      string `yaml:"from_email"`
	FromName       string `yaml:"from_name"`
	Recipient      string `yaml:"recipient"`
	Region         string `yaml:"region"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c MailerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type          string `yaml:"type"` // "local", "aws", or "memory"
	LocalPath     string `yaml:"local_path"`
	S3Bucket      string `yaml:"s3_bucket"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	AWSRegion     string `yaml:"aws_region"`
	AWSProfile    string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	DatabaseURL   string `yaml:"database_url"` // Postgres execution history; empty keeps it in memory
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "" // Running on ECS or Lambda, use IAM role
	}
	return c.AWSProfile
}

// PipelineConfig holds run limits, budgets, and batch tuning
type PipelineConfig struct {
	ProcessedTTLDays     int     `yaml:"processed_ttl_days"`
	ArchiveAfterDays     int     `yaml:"archive_after_days"`
	GmailBatchSize       int     `yaml:"gmail_batch_size"`
	StoreBatchSize       int     `yaml:"store_batch_size"` // ProcessedStore batch-write chunk
	CleanupBatchSize     int     `yaml:"cleanup_batch_size"`
	BatchDelayMs         int     `yaml:"batch_delay_ms"`      // between sub-batch dispatches
	PageDelayMs          int     `yaml:"page_delay_ms"`       // between mailbox list pages
	MaxCostPerRun        float64 `yaml:"max_cost_per_run"`    // dollars
	MaxOpenAICalls       int     `yaml:"max_openai_calls"`
	MaxFirecrawlCalls    int     `yaml:"max_firecrawl_calls"`
	MaxBraveSearches     int     `yaml:"max_brave_searches"`
	MaxEmailsPerRun      int     `yaml:"max_emails_per_run"`
	FailureThreshold     int     `yaml:"failure_threshold"`
	ResetTimeoutMs       int     `yaml:"reset_timeout_ms"`
	HalfOpenMaxAttempts  int     `yaml:"half_open_max_attempts"`
	PayloadThresholdKiB  int     `yaml:"payload_threshold_kib"`
	TimeoutSeconds       int     `yaml:"timeout_seconds"` // cumulative run budget
	StageTimeoutSeconds  int     `yaml:"stage_timeout_seconds"`
	MaxURLsPerEmail      int     `yaml:"max_urls_per_email"`
	MaxArticleLength     int     `yaml:"max_article_length"`
	SenderDecayPerDay    float64 `yaml:"sender_decay_per_day"`
	KnownConfidence      int     `yaml:"known_confidence"`   // effective confidence a sender needs to skip reclassification
	PersistConfidence    int     `yaml:"persist_confidence"` // minimum model confidence to upsert a SenderRecord
	ClassifyConcurrency  int     `yaml:"classify_concurrency"`
	ClassifyStaggerMs    int     `yaml:"classify_stagger_ms"`
	ExtractConcurrency   int     `yaml:"extract_concurrency"`
	HistoricalMaxDays    int     `yaml:"historical_max_days"`
}

// Timeout returns the cumulative pipeline budget as a duration
func (c PipelineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StageTimeout returns the per-stage hard timeout as a duration
func (c PipelineConfig) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

// BatchDelay returns the inter-sub-batch delay as a duration
func (c PipelineConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// PageDelay returns the mailbox pagination delay as a duration
func (c PipelineConfig) PageDelay() time.Duration {
	return time.Duration(c.PageDelayMs) * time.Millisecond
}

// ResetTimeout returns the breaker reset window as a duration
func (c PipelineConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMs) * time.Millisecond
}

// PayloadThresholdBytes returns the inline/offload cutoff in bytes
func (c PipelineConfig) PayloadThresholdBytes() int {
	return c.PayloadThresholdKiB * 1024
}

// SchedulerConfig holds the cron trigger configuration
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CronSpec string `yaml:"cron_spec"`
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
		cfg.Server.Host = "localhost"
	}
	if cfg.Gmail.UserID == "" {
		cfg.Gmail.UserID = "me"
	}
	if cfg.Gmail.MaxResults == 0 {
		cfg.Gmail.MaxResults = 2000
	}
	if cfg.Gmail.TimeoutSeconds == 0 {
		cfg.Gmail.TimeoutSeconds = 60
	}
	if cfg.OpenAI.BaseURL == "" {
		cfg.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o"
	}
	if cfg.OpenAI.MiniModel == "" {
		cfg.OpenAI.MiniModel = "gpt-4o-mini"
	}
	if cfg.OpenAI.BatchSize == 0 {
		cfg.OpenAI.BatchSize = 10
	}
	if cfg.OpenAI.TimeoutSeconds == 0 {
		cfg.OpenAI.TimeoutSeconds = 120
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
	if cfg.Bedrock.ModelID == "" {
		cfg.Bedrock.ModelID = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	if cfg.Firecrawl.BaseURL == "" {
		cfg.Firecrawl.BaseURL = "https://api.firecrawl.dev"
	}
	if cfg.Firecrawl.TimeoutSeconds == 0 {
		cfg.Firecrawl.TimeoutSeconds = 60
	}
	if cfg.Brave.BaseURL == "" {
		cfg.Brave.BaseURL = "https://api.search.brave.com/res/v1"
	}
	if cfg.Brave.TimeoutSeconds == 0 {
		cfg.Brave.TimeoutSeconds = 30
	}
	if cfg.Research.MaxResultsPerEmail == 0 {
		cfg.Research.MaxResultsPerEmail = 3
	}
	if cfg.Research.FeedTimeoutSeconds == 0 {
		cfg.Research.FeedTimeoutSeconds = 10
	}
	if cfg.Mailer.FromName == "" {
		cfg.Mailer.FromName = "AI Digest"
	}
	if cfg.Mailer.Region == "" {
		cfg.Mailer.Region = "us-east-1"
	}
	if cfg.Mailer.TimeoutSeconds == 0 {
		cfg.Mailer.TimeoutSeconds = 30
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
	if cfg.Storage.DynamoDBTable == "" {
		cfg.Storage.DynamoDBTable = "inbox-digest-state"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-east-1"
	}
	applyPipelineDefaults(&cfg.Pipeline)
	if cfg.Scheduler.CronSpec == "" {
		cfg.Scheduler.CronSpec = "0 9 * * 1" // Monday 09:00
	}

	return &cfg, nil
}

func applyPipelineDefaults(p *PipelineConfig) {
	if p.ProcessedTTLDays == 0 {
		p.ProcessedTTLDays = 90
	}
	if p.ArchiveAfterDays == 0 {
		p.ArchiveAfterDays = 7
	}
	if p.GmailBatchSize == 0 {
		p.GmailBatchSize = 100
	}
	if p.StoreBatchSize == 0 {
		p.StoreBatchSize = 25
	}
	if p.CleanupBatchSize == 0 {
		p.CleanupBatchSize = 50
	}
	if p.BatchDelayMs == 0 {
		p.BatchDelayMs = 5000
	}
	if p.PageDelayMs == 0 {
		p.PageDelayMs = 1000
	}
	if p.MaxCostPerRun == 0 {
		p.MaxCostPerRun = 1.0
	}
	if p.MaxOpenAICalls == 0 {
		p.MaxOpenAICalls = 50
	}
	if p.MaxFirecrawlCalls == 0 {
		p.MaxFirecrawlCalls = 100
	}
	if p.MaxBraveSearches == 0 {
		p.MaxBraveSearches = 30
	}
	if p.MaxEmailsPerRun == 0 {
		p.MaxEmailsPerRun = 500
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = 5
	}
	if p.ResetTimeoutMs == 0 {
		p.ResetTimeoutMs = 60000
	}
	if p.HalfOpenMaxAttempts == 0 {
		p.HalfOpenMaxAttempts = 3
	}
	if p.PayloadThresholdKiB == 0 {
		p.PayloadThresholdKiB = 200
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = 900
	}
	if p.StageTimeoutSeconds == 0 {
		p.StageTimeoutSeconds = 900
	}
	if p.MaxURLsPerEmail == 0 {
		p.MaxURLsPerEmail = 5
	}
	if p.MaxArticleLength == 0 {
		p.MaxArticleLength = 5000
	}
	if p.SenderDecayPerDay == 0 {
		p.SenderDecayPerDay = 1.0
	}
	if p.KnownConfidence == 0 {
		p.KnownConfidence = 50
	}
	if p.PersistConfidence == 0 {
		p.PersistConfidence = 70
	}
	if p.ClassifyConcurrency == 0 {
		p.ClassifyConcurrency = 3
	}
	if p.ClassifyStaggerMs == 0 {
		p.ClassifyStaggerMs = 200
	}
	if p.ExtractConcurrency == 0 {
		p.ExtractConcurrency = 5
	}
	if p.HistoricalMaxDays == 0 {
		p.HistoricalMaxDays = 90
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if v := os.Getenv("GMAIL_CLIENT_ID"); v != "" {
		cfg.Gmail.ClientID = v
	}
	if v := os.Getenv("GMAIL_CLIENT_SECRET"); v != "" {
		cfg.Gmail.ClientSecret = v
	}
	if v := os.Getenv("GMAIL_REFRESH_TOKEN"); v != "" {
		cfg.Gmail.RefreshToken = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OPENAI_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OpenAI.BatchSize = n
		}
	}
	if v := os.Getenv("FIRECRAWL_API_KEY"); v != "" {
		cfg.Firecrawl.APIKey = v
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Brave.APIKey = v
	}
	if v := os.Getenv("DIGEST_RECIPIENT"); v != "" {
		cfg.Mailer.Recipient = v
	}
	if v := os.Getenv("DIGEST_FROM"); v != "" {
		cfg.Mailer.FromEmail = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.AWSRegion = v
		cfg.Mailer.Region = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("DYNAMODB_TABLE"); v != "" {
		cfg.Storage.DynamoDBTable = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Storage.RedisPassword = v
	}

	// Database override (critical for ECS deployment where config.yaml has local defaults)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Storage.DatabaseURL = dbURL
	}
	if v := os.Getenv("GMAIL_REAUTH_URL"); v != "" {
		cfg.Gmail.ReauthURL = v
	}

	return cfg, nil
}
