package database

import (
	"os"
	"strconv"
	"time"
)

// Config holds database configuration.
type Config struct {
	// Path is the SQLite file path; ":memory:" is permitted in tests.
	Path string

	// AutoMigrate applies pending migrations on startup.
	AutoMigrate bool

	// SlowQueryThreshold triggers a warn log for queries exceeding it.
	SlowQueryThreshold time.Duration
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() Config {
	slowMS, err := strconv.Atoi(getEnvOrDefault("DB_SLOW_QUERY_MS", "200"))
	if err != nil || slowMS <= 0 {
		slowMS = 200
	}

	auto := os.Getenv("DB_AUTO_MIGRATE")
	return Config{
		Path:               getEnvOrDefault("DB_FILE_NAME", "agentgw.db"),
		AutoMigrate:        auto == "1" || auto == "true",
		SlowQueryThreshold: time.Duration(slowMS) * time.Millisecond,
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
