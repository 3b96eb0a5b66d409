package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	// DefaultMode is the process-wide operating mode applied to versioned
	// types that carry no per-type override ("histories" or "snapshot_only").
	DefaultMode string
	// DefaultActorPolicy governs what happens when history is recorded
	// without an acting user ("required", "warn" or "silent").
	DefaultActorPolicy string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "chronicle"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DefaultMode:        normalizeMode(getenv("CHRONICLE_MODE", "histories")),
		DefaultActorPolicy: normalizePolicy(getenv("CHRONICLE_ACTOR_POLICY", "required")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "chronicle"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
	}
}

const (
	ModeHistories    = "histories"
	ModeSnapshotOnly = "snapshot_only"

	ActorRequired = "required"
	ActorWarn     = "warn"
	ActorSilent   = "silent"
)

func normalizeMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ModeSnapshotOnly, "snapshot-only", "snapshots":
		return ModeSnapshotOnly
	default:
		return ModeHistories
	}
}

func normalizePolicy(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ActorWarn, "warn-only":
		return ActorWarn
	case ActorSilent:
		return ActorSilent
	default:
		return ActorRequired
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
