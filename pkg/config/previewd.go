package config

import (
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime configuration for the previewd service.
type Config struct {
	Environment string
	LogLevel    string
	Addr        string

	// Deployment platform.
	DokployURL    string
	ProjectID     string
	EnvironmentID string

	// Preview shaping.
	BaseDomain      string
	AppNamePrefix   string
	PreviewLimit    int
	ComposePath     string
	GitURL          string
	GitSSHKeyID     string
	FrontendService string
	FrontendPort    int
	BackendService  string
	BackendPort     int
	ProjectEnvKeys  []string
	StatusPageURL   string

	// Webhook policies.
	TrunkBranch        string
	E2EStageName       string
	RegressionLookback int

	// Source control host.
	AzureOrg          string
	AzureProject      string
	AzureRepositoryID string
	AzurePAT          string

	SlackWebhookURL string

	// Credential cache.
	AuthTTL         time.Duration
	AuthNegativeTTL time.Duration
	AuthMaxEntries  int

	DockerHost string

	// Activity journal. An empty DatabaseURL disables persistence and
	// the journal degrades to live broadcast only.
	DatabaseURL       string
	MigrationsDir     string
	ActivityRetention time.Duration
	ActivitySweep     time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables. A .env.local file is
// read first when present so local development does not need exported vars.
func Load() Config {
	_ = godotenv.Load(".env.local")

	return Config{
		Environment: GetString("APP_ENV", "development"),
		LogLevel:    GetString("LOG_LEVEL", "info"),
		Addr:        GetString("BIND_ADDR", "0.0.0.0:8080"),

		DokployURL:    GetString("DOKPLOY_URL", "http://localhost:3000"),
		ProjectID:     GetString("DOKPLOY_PROJECT_ID", ""),
		EnvironmentID: GetString("DOKPLOY_ENVIRONMENT_ID", ""),

		BaseDomain:      GetString("PREVIEW_BASE_DOMAIN", "preview.localhost"),
		AppNamePrefix:   GetString("PREVIEW_APP_PREFIX", "preview-"),
		PreviewLimit:    GetInt("PREVIEW_LIMIT", 4),
		ComposePath:     GetString("PREVIEW_COMPOSE_PATH", "./docker-compose.yml"),
		GitURL:          GetString("PREVIEW_GIT_URL", ""),
		GitSSHKeyID:     GetString("PREVIEW_GIT_SSH_KEY_ID", ""),
		FrontendService: GetString("FRONTEND_SERVICE_NAME", "frontend"),
		FrontendPort:    GetInt("FRONTEND_PORT", 3000),
		BackendService:  GetString("BACKEND_SERVICE_NAME", "backend"),
		BackendPort:     GetInt("BACKEND_PORT", 8080),
		ProjectEnvKeys:  GetStringSlice("PREVIEW_PROJECT_ENV_KEYS"),
		StatusPageURL:   GetString("PREVIEW_STATUS_PAGE_URL", ""),

		TrunkBranch:        GetString("TRUNK_BRANCH", "main"),
		E2EStageName:       GetString("E2E_STAGE_NAME", "Run E2E tests"),
		RegressionLookback: GetInt("BUILD_REGRESSION_LOOKBACK", 10),

		AzureOrg:          GetString("AZURE_ORG", ""),
		AzureProject:      GetString("AZURE_PROJECT", ""),
		AzureRepositoryID: GetString("AZURE_REPOSITORY_ID", ""),
		AzurePAT:          GetString("AZURE_PAT", ""),

		SlackWebhookURL: GetString("SLACK_WEBHOOK_URL", ""),

		AuthTTL:         time.Duration(GetInt("AUTH_CACHE_TTL_SECONDS", 60)) * time.Second,
		AuthNegativeTTL: time.Duration(GetInt("AUTH_CACHE_NEGATIVE_TTL_SECONDS", 10)) * time.Second,
		AuthMaxEntries:  GetInt("AUTH_CACHE_MAX_ENTRIES", 1024),

		DockerHost: GetString("DOCKER_HOST", ""),

		DatabaseURL:       GetString("DATABASE_URL", ""),
		MigrationsDir:     GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		ActivityRetention: time.Duration(GetInt("ACTIVITY_RETENTION_DAYS", 30)) * 24 * time.Hour,
		ActivitySweep:     time.Duration(GetInt("ACTIVITY_SWEEP_HOURS", 24)) * time.Hour,

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
