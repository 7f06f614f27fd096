package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	JWTSecret          string `envconfig:"SUPABASE_JWT_SECRET" required:"true"`

	// Supabase Storage (S3 protocol) for generated images
	S3URL       string        `envconfig:"SUPABASE_S3_URL" required:"true"`
	S3Bucket    string        `envconfig:"SUPABASE_S3_BUCKET" default:"generated-images"`
	S3Region    string        `envconfig:"SUPABASE_S3_REGION" default:"us-east-1"`
	S3AccessKey string        `envconfig:"SUPABASE_S3_ACCESS_KEY" required:"true"`
	S3SecretKey string        `envconfig:"SUPABASE_S3_SECRET_KEY" required:"true"`
	ImageURLTTL time.Duration `envconfig:"IMAGE_URL_TTL" default:"168h"`

	// Ledger backend: postgres, redis or memory
	LedgerBackend string `envconfig:"LEDGER_BACKEND" default:"postgres"`
	RedisURL      string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RedisPrefix   string `envconfig:"REDIS_KEY_PREFIX" default:"imagine:quota:"`

	// Upstream chat-completions endpoint used for generation
	UpstreamBaseURL      string `envconfig:"UPSTREAM_BASE_URL" default:"https://generativelanguage.googleapis.com/v1beta/openai"`
	UpstreamAPIKey       string `envconfig:"UPSTREAM_API_KEY"`
	DefaultImageModel    string `envconfig:"DEFAULT_IMAGE_MODEL" default:"gemini-2.5-flash-image-preview"`
	DefaultTextModel     string `envconfig:"DEFAULT_TEXT_MODEL" default:"gemini-2.5-flash"`
	GenerationTimeoutSec int    `envconfig:"GENERATION_TIMEOUT_SEC" default:"120"`
	BatchUnitTimeoutSec  int    `envconfig:"BATCH_UNIT_TIMEOUT_SEC" default:"180"`
	BatchConcurrency     int    `envconfig:"BATCH_CONCURRENCY" default:"3"`
	BatchMaxCount        int    `envconfig:"BATCH_MAX_COUNT" default:"10"`

	// Stripe settings. Quota maps are "price_id:quota,price_id:quota".
	StripeSecretKey     string         `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string         `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeReturnURL     string         `envconfig:"STRIPE_RETURN_URL" default:"http://localhost:3000/billing"`
	StripePackageQuotas map[string]int `envconfig:"STRIPE_PACKAGE_QUOTAS"`
	StripePlanQuotas    map[string]int `envconfig:"STRIPE_PLAN_QUOTAS"`
	PackageValidDays    int            `envconfig:"PACKAGE_VALID_DAYS" default:"365"`

	// Billing orchestrator settings
	BillingQueueName           string `envconfig:"BILLING_QUEUE_NAME" default:"billing_queue"`
	BillingPollTimeoutSec      int    `envconfig:"BILLING_POLL_TIMEOUT_SEC" default:"30"`
	BillingPollMaxMsg          int    `envconfig:"BILLING_POLL_MAX_MSG" default:"1"`
	BillingMaxRetries          int    `envconfig:"BILLING_MAX_RETRIES" default:"5"`
	BillingBackoffInitialSec   int    `envconfig:"BILLING_BACKOFF_INITIAL_SEC" default:"1"`
	BillingBackoffMaxSec       int    `envconfig:"BILLING_BACKOFF_MAX_SEC" default:"60"`
	BillingDeadLetterQueueName string `envconfig:"BILLING_DEAD_LETTER_QUEUE_NAME" default:"billing_queue_dlq"`

	// GCP settings
	GCPProjectID         string `envconfig:"GCP_PROJECT_ID"`
	GCPProjectIDLocal    string `envconfig:"GCP_PROJECT_ID_LOCAL"`
	PubSubQuotaTopic     string `envconfig:"PUBSUB_QUOTA_TOPIC"`
	PubSubEmulatorHost   string `envconfig:"PUBSUB_EMULATOR_HOST"`
	SecretManagerEnabled bool   `envconfig:"SECRET_MANAGER_ENABLED" default:"false"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetGCPProjectID returns the project for the current environment.
func (c *Config) GetGCPProjectID() string {
	if c.Environment == "development" && c.GCPProjectIDLocal != "" {
		return c.GCPProjectIDLocal
	}
	return c.GCPProjectID
}

func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutSec) * time.Second
}

func (c *Config) BatchUnitTimeout() time.Duration {
	return time.Duration(c.BatchUnitTimeoutSec) * time.Second
}
