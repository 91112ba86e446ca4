// Package config validates and exposes the server's environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the LAN server.
type Config struct {
	// Ports (all bind on all interfaces)
	ControlPort    string
	FilePort       string
	ScreenPort     string
	VideoPort      string
	AudioPort      string
	MonitoringPort string

	// Storage
	StorageDir  string
	MaxFileSize int64
	ChunkSize   int

	// Timeouts
	ConnectionTimeoutSec int
	SocketTimeoutSec     int
	HeartbeatIntervalSec int
	IdleTimeoutSec       int

	// Audio parameters
	AudioSampleRate int
	AudioChannels   int
	AudioSampleBits int
	AudioChunkSize  int

	// Video
	MaxVideoPayload int

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Optional tracing
	OtelCollectorAddr string

	// Rate limits (format: "N-M" / "N-H", consumed by internal/v1/ratelimit)
	RateLimitConnPerIP   string
	RateLimitChatPerUser string
}

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error joining every problem found, rather than failing on the first.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.ControlPort = getEnvOrDefault("CONTROL_PORT", "5000")
	cfg.FilePort = getEnvOrDefault("FILE_PORT", "5002")
	cfg.ScreenPort = getEnvOrDefault("SCREEN_PORT", "5003")
	cfg.VideoPort = getEnvOrDefault("VIDEO_PORT", "6000")
	cfg.AudioPort = getEnvOrDefault("AUDIO_PORT", "6001")
	cfg.MonitoringPort = getEnvOrDefault("MONITORING_PORT", "5555")

	for name, val := range map[string]string{
		"CONTROL_PORT":    cfg.ControlPort,
		"FILE_PORT":       cfg.FilePort,
		"SCREEN_PORT":     cfg.ScreenPort,
		"VIDEO_PORT":      cfg.VideoPort,
		"AUDIO_PORT":      cfg.AudioPort,
		"MONITORING_PORT": cfg.MonitoringPort,
	} {
		port, err := strconv.Atoi(val)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("%s must be a valid port number between 1 and 65535 (got '%s')", name, val))
		}
	}

	cfg.StorageDir = getEnvOrDefault("STORAGE_DIR", "./storage")

	maxFileSizeMB := getEnvOrDefault("MAX_FILE_SIZE_MB", "100")
	if v, err := strconv.ParseInt(maxFileSizeMB, 10, 64); err != nil || v <= 0 {
		errors = append(errors, fmt.Sprintf("MAX_FILE_SIZE_MB must be a positive integer (got '%s')", maxFileSizeMB))
	} else {
		cfg.MaxFileSize = v * 1024 * 1024
	}

	chunkSizeKB := getEnvOrDefault("FILE_CHUNK_SIZE_KB", "32")
	if v, err := strconv.Atoi(chunkSizeKB); err != nil || v <= 0 {
		errors = append(errors, fmt.Sprintf("FILE_CHUNK_SIZE_KB must be a positive integer (got '%s')", chunkSizeKB))
	} else {
		cfg.ChunkSize = v * 1024
	}

	cfg.ConnectionTimeoutSec = getEnvIntOrDefault("CONNECTION_TIMEOUT_SEC", 5)
	cfg.SocketTimeoutSec = getEnvIntOrDefault("SOCKET_TIMEOUT_SEC", 1)
	cfg.HeartbeatIntervalSec = getEnvIntOrDefault("HEARTBEAT_INTERVAL_SEC", 3)
	cfg.IdleTimeoutSec = getEnvIntOrDefault("IDLE_TIMEOUT_SEC", 15)

	cfg.AudioSampleRate = getEnvIntOrDefault("AUDIO_SAMPLE_RATE", 44100)
	cfg.AudioChannels = getEnvIntOrDefault("AUDIO_CHANNELS", 1)
	cfg.AudioSampleBits = getEnvIntOrDefault("AUDIO_SAMPLE_BITS", 16)
	cfg.AudioChunkSize = getEnvIntOrDefault("AUDIO_CHUNK_SAMPLES", 1024)

	cfg.MaxVideoPayload = getEnvIntOrDefault("MAX_VIDEO_PAYLOAD_BYTES", 1024*1024)

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.RateLimitConnPerIP = getEnvOrDefault("RATE_LIMIT_CONN_PER_IP", "20-M")
	cfg.RateLimitChatPerUser = getEnvOrDefault("RATE_LIMIT_CHAT_PER_USER", "60-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated successfully")
	slog.Info("configuration",
		"control_port", cfg.ControlPort,
		"file_port", cfg.FilePort,
		"screen_port", cfg.ScreenPort,
		"video_port", cfg.VideoPort,
		"audio_port", cfg.AudioPort,
		"monitoring_port", cfg.MonitoringPort,
		"storage_dir", cfg.StorageDir,
		"max_file_size_bytes", cfg.MaxFileSize,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", redactSecret(cfg.RedisAddr),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

// redactSecret redacts a value by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
