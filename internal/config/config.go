package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreMemory   = "memory"
	StoreLocalFS  = "localfs"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMySQL    = "mysql"
	StoreMongo    = "mongo"
)

// Config centralizes runtime settings for the broker API and agents.
type Config struct {
	Port string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StoreBackend  string
	DataPath      string
	DatabaseURL   string
	SQLitePath    string
	MySQLDSN      string
	MongoURL      string
	MongoDatabase string

	ClaimTimeout     time.Duration
	OutputExpiration time.Duration
	MaxArtifactBytes int64

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	AgentServerURL    string
	AgentQueues       []string
	AgentPollInterval time.Duration
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", StoreLocalFS)),
		DataPath:      getEnv("DATA_PATH", "data"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "broker.db"),
		MySQLDSN:      getEnv("MYSQL_DSN", ""),
		MongoURL:      getEnv("MONGO_URL", ""),
		MongoDatabase: getEnv("MONGO_DATABASE", "broker"),

		ClaimTimeout:     getEnvMillis("CLAIM_TIMEOUT_MS", time.Second),
		OutputExpiration: time.Duration(getEnvInt("OUTPUT_EXPIRATION_SECONDS", 14400)) * time.Second,
		MaxArtifactBytes: int64(getEnvInt("MAX_ARTIFACT_BYTES", 512<<20)),

		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 100),
		CORSAllowedOrigins: getEnvCSV("CORS_ALLOWED_ORIGINS", nil),

		AgentServerURL:    getEnv("AGENT_SERVER_URL", "http://localhost:8080"),
		AgentQueues:       getEnvCSV("AGENT_QUEUES", nil),
		AgentPollInterval: getEnvMillis("AGENT_POLL_INTERVAL_MS", 10*time.Second),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

func getEnvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	values := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
