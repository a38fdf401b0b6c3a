package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	NodeID    string
	RedisAddr string

	// Optional variables with defaults
	Port          string
	AdminPort     string
	GoEnv         string
	LogLevel      string
	RedisPassword string
	CallTimeout   time.Duration

	AllowedOrigins string

	// Rate Limits
	RateLimitApiGlobal string
	RateLimitApiRooms  string
	RateLimitWsIp      string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: NODE_ID, the cluster-wide identity of this process
	cfg.NodeID = os.Getenv("NODE_ID")
	if cfg.NodeID == "" {
		errors = append(errors, "NODE_ID is required")
	}

	// Required: REDIS_ADDR (format: host:port)
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		errors = append(errors, "REDIS_ADDR is required")
	} else if !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Optional: PORT, the chat listener (defaults to 4040)
	cfg.Port = getEnvOrDefault("PORT", "4040")
	if !isValidPort(cfg.Port) {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Optional: ADMIN_PORT, the HTTP admin surface (defaults to 8080)
	cfg.AdminPort = getEnvOrDefault("ADMIN_PORT", "8080")
	if !isValidPort(cfg.AdminPort) {
		errors = append(errors, fmt.Sprintf("ADMIN_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.AdminPort))
	}

	// Optional: CALL_TIMEOUT, the remote invocation deadline (defaults to 5s)
	if raw := os.Getenv("CALL_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errors = append(errors, fmt.Sprintf("CALL_TIMEOUT must be a positive duration (got '%s')", raw))
		} else {
			cfg.CallTimeout = d
		}
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitApiGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitApiRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// AllowedOriginList splits ALLOWED_ORIGINS into its entries, with a localhost
// default for development setups.
func (c *Config) AllowedOriginList() []string {
	if c.AllowedOrigins == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	if parts[0] == "" {
		return false
	}
	return isValidPort(parts[1])
}

func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"node_id", cfg.NodeID,
		"port", cfg.Port,
		"admin_port", cfg.AdminPort,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"call_timeout", cfg.CallTimeout,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"rate_limit_api_global", cfg.RateLimitApiGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
