package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	AdminAPIKey string
	Environment string

	PublicHostname string

	// Requests per hour by plan tier.
	RateLimitFree       int
	RateLimitPro        int
	RateLimitEnterprise int

	// Per-tenant container resource ceilings.
	ContainerMemoryLimit string
	ContainerCPUQuota    int

	UpstreamTimeout    time.Duration
	HealthPollAttempts int
	HealthPollInterval time.Duration
	StopGracePeriod    time.Duration
	CleanupInterval    time.Duration

	// Injected into every tenant container as environment variables.
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioPublicURL  string
	MinioSecure     bool
	FreesoundAPIKey string
}

func Load() (*Config, error) {
	godotenv.Load()

	return &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		AdminAPIKey: getEnv("ADMIN_API_KEY", "admin-secret-key-change-in-production"),
		Environment: getEnv("ENVIRONMENT", "production"),

		PublicHostname: getEnv("PUBLIC_HOSTNAME", "localhost"),

		RateLimitFree:       getEnvInt("RATE_LIMIT_FREE", 100),
		RateLimitPro:        getEnvInt("RATE_LIMIT_PRO", 1000),
		RateLimitEnterprise: getEnvInt("RATE_LIMIT_ENTERPRISE", 10000),

		ContainerMemoryLimit: getEnv("CONTAINER_MEMORY_LIMIT", "512m"),
		ContainerCPUQuota:    getEnvInt("CONTAINER_CPU_QUOTA", 100000),

		UpstreamTimeout:    getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		HealthPollAttempts: getEnvInt("HEALTH_POLL_ATTEMPTS", 30),
		HealthPollInterval: getEnvDuration("HEALTH_POLL_INTERVAL", 500*time.Millisecond),
		StopGracePeriod:    getEnvDuration("STOP_GRACE_PERIOD", 10*time.Second),
		CleanupInterval:    getEnvDuration("CLEANUP_INTERVAL", time.Minute),

		MinioEndpoint:   getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:  getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:  getEnv("MINIO_SECRET_KEY", ""),
		MinioPublicURL:  getEnv("MINIO_PUBLIC_URL", ""),
		MinioSecure:     getEnvBool("MINIO_SECURE", true),
		FreesoundAPIKey: getEnv("FREESOUND_API_KEY", ""),
	}, nil
}

// TenantEnv is the fixed environment injected into every tenant
// container. The tenant's own ID is appended at deploy time.
func (c *Config) TenantEnv() map[string]string {
	return map[string]string{
		"MINIO_ENDPOINT":    c.MinioEndpoint,
		"MINIO_ACCESS_KEY":  c.MinioAccessKey,
		"MINIO_SECRET_KEY":  c.MinioSecretKey,
		"MINIO_PUBLIC_URL":  c.MinioPublicURL,
		"MINIO_SECURE":      strconv.FormatBool(c.MinioSecure),
		"FREESOUND_API_KEY": c.FreesoundAPIKey,
		"PUBLIC_HOSTNAME":   c.PublicHostname,
	}
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}
