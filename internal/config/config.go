package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port string
	Host string

	// Storage: "sqlite" or "memory"
	StoreBackend string
	DatabasePath string

	// Seed file applied at startup (YAML), empty to skip
	SeedFile string

	// Lifecycle
	LoadTimeout time.Duration

	// Security
	JWTSecret string
	// Static admin tokens, full access, comma-separated
	APITokens []string
	// AuthDisabled turns off write-endpoint auth entirely (development)
	AuthDisabled bool
}

func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8080"),
		Host: getEnv("HOST", ""),

		StoreBackend: getEnv("STORE_BACKEND", "sqlite"),
		DatabasePath: getEnv("DATABASE_PATH", "mcphub.db"),

		SeedFile: getEnv("SEED_FILE", ""),

		LoadTimeout: getDuration("LOAD_TIMEOUT_SECONDS", 30),

		JWTSecret:    getEnv("JWT_SECRET", ""),
		APITokens:    splitList(getEnv("API_TOKENS", "")),
		AuthDisabled: getEnv("AUTH_DISABLED", "") == "true",
	}
}

// Addr returns the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultSeconds int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(defaultSeconds) * time.Second
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
