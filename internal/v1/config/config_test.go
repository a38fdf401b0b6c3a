package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// setupTestEnv sets up environment variables for testing
func setupTestEnv(t *testing.T) func() {
	// Save original env vars
	keys := []string{
		"NODE_ID", "PORT", "ADMIN_PORT", "REDIS_ADDR", "REDIS_PASSWORD",
		"CALL_TIMEOUT", "GO_ENV", "LOG_LEVEL", "ALLOWED_ORIGINS",
	}
	origVars := make(map[string]string, len(keys))
	for _, key := range keys {
		origVars[key] = os.Getenv(key)
		os.Unsetenv(key)
	}

	// Return cleanup function
	return func() {
		for key, val := range origVars {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("NODE_ID", "node-a")
	os.Setenv("REDIS_ADDR", "localhost:6379")
	os.Setenv("PORT", "4041")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.NodeID != "node-a" {
		t.Errorf("Expected NODE_ID to be 'node-a', got '%s'", cfg.NodeID)
	}
	if cfg.Port != "4041" {
		t.Errorf("Expected PORT to be '4041', got '%s'", cfg.Port)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("Expected REDIS_ADDR to be 'localhost:6379', got '%s'", cfg.RedisAddr)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("Expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
}

func TestValidateEnv_MissingNodeID(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("REDIS_ADDR", "localhost:6379")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for missing NODE_ID, got nil")
	}
	if !strings.Contains(err.Error(), "NODE_ID is required") {
		t.Errorf("Expected error message about NODE_ID, got: %v", err)
	}
}

func TestValidateEnv_MissingRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("NODE_ID", "node-a")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for missing REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR is required") {
		t.Errorf("Expected error message about REDIS_ADDR, got: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("NODE_ID", "node-a")
	os.Setenv("REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR must be in format 'host:port'") {
		t.Errorf("Expected error message about REDIS_ADDR format, got: %v", err)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("NODE_ID", "node-a")
	os.Setenv("REDIS_ADDR", "localhost:6379")
	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("Expected error message about invalid PORT, got: %v", err)
	}
}

func TestValidateEnv_PortDefaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("NODE_ID", "node-a")
	os.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Port != "4040" {
		t.Errorf("Expected PORT to default to '4040', got '%s'", cfg.Port)
	}
	if cfg.AdminPort != "8080" {
		t.Errorf("Expected ADMIN_PORT to default to '8080', got '%s'", cfg.AdminPort)
	}
}

func TestValidateEnv_CallTimeout(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("NODE_ID", "node-a")
	os.Setenv("REDIS_ADDR", "localhost:6379")
	os.Setenv("CALL_TIMEOUT", "2s")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.CallTimeout != 2*time.Second {
		t.Errorf("Expected CALL_TIMEOUT to be 2s, got %v", cfg.CallTimeout)
	}

	os.Setenv("CALL_TIMEOUT", "not-a-duration")
	_, err = ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid CALL_TIMEOUT, got nil")
	}
	if !strings.Contains(err.Error(), "CALL_TIMEOUT must be a positive duration") {
		t.Errorf("Expected error message about CALL_TIMEOUT, got: %v", err)
	}
}

func TestAllowedOriginList(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []string
	}{
		{"Default", "", []string{"http://localhost:3000"}},
		{"Single", "https://chat.example.com", []string{"https://chat.example.com"}},
		{"Multiple with spaces", "https://a.example.com, https://b.example.com", []string{"https://a.example.com", "https://b.example.com"}},
		{"Trailing comma", "https://a.example.com,", []string{"https://a.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AllowedOrigins: tt.raw}
			got := cfg.AllowedOriginList()
			if len(got) != len(tt.expected) {
				t.Fatalf("Expected %v, got %v", tt.expected, got)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("Expected %v, got %v", tt.expected, got)
				}
			}
		})
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"Long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"Short secret", "short", "***"},
		{"Exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
		{"Empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := redactSecret(tt.secret)
			if result != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:8080", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "example.com:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":8080", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:8080:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidHostPort(tt.addr)
			if result != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, result, tt.expected)
			}
		})
	}
}
