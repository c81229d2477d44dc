package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port             string
	OrdersAPIURL     string
	ServiceJWTSecret string
	DatabaseURL      string
	UpdateTimeout    time.Duration
	MaxUploadBytes   int64
	LogLevel         string
	LogPretty        bool
	TracingEnabled   bool
	AllowedOrigins   []string
}

func Load() *Config {
	return &Config{
		Port:             getEnv("PORT", "8082"),
		OrdersAPIURL:     getEnv("ORDERS_API_URL", "http://localhost:8081"),
		ServiceJWTSecret: getEnv("SERVICE_JWT_SECRET", "dev-secret-change-in-production"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		UpdateTimeout:    getDuration("UPDATE_TIMEOUT", 15*time.Second),
		MaxUploadBytes:   getInt64("MAX_UPLOAD_BYTES", 32<<20),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogPretty:        getBool("LOG_PRETTY", false),
		TracingEnabled:   getBool("TRACING_ENABLED", false),
		AllowedOrigins:   getList("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if n, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil && n > 0 {
		return n
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

// getList splits a comma-separated variable, dropping blanks.
func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
