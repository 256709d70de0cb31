package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	Port     string
	Database string
	LogJSON  bool
	Debug    bool

	LLMAPIKey         string
	LLMBaseURL        string
	LLMModel          string
	LLMFormatModel    string
	LLMMaxTokens      int
	RetryAttempts     int
	RetryDelay        time.Duration
	RequestsPerMinute int
	RequestTimeout    time.Duration
	SafetyCheck       bool

	ProfileWorkers   int
	ProfileQueueSize int
}

// Load reads configuration from the environment, providing sensible defaults.
func Load() (Config, error) {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()

	cfg := Config{
		Port:           getEnv("PORT", "5000"),
		Database:       getEnv("DATABASE_PATH", "./data/reviewgenius.db"),
		LogJSON:        getEnv("LOG_FORMAT", "") == "json",
		LLMAPIKey:      os.Getenv("LLM_API_KEY"),
		LLMBaseURL:     getEnv("LLM_BASE_URL", getEnv("SILICONFLOW_API_BASE", "https://api.siliconflow.cn/v1")),
		LLMModel:       getEnv("LLM_MODEL", "Qwen/Qwen2.5-72B-Instruct"),
		LLMFormatModel: getEnv("LLM_FORMAT_MODEL", "Pro/Qwen/Qwen2.5-7B-Instruct"),
	}

	var err error
	if cfg.Debug, err = getBool("DEBUG", false); err != nil {
		return Config{}, err
	}
	if cfg.SafetyCheck, err = getBool("SAFETY_CHECK", true); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxTokens, err = getInt("LLM_MAX_TOKENS", 4096); err != nil {
		return Config{}, err
	}
	if cfg.RetryAttempts, err = getInt("LLM_RETRY_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}
	if cfg.RetryDelay, err = getDuration("LLM_RETRY_DELAY", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.RequestsPerMinute, err = getInt("LLM_REQUESTS_PER_MINUTE", 0); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = getDuration("LLM_REQUEST_TIMEOUT", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ProfileWorkers, err = getInt("PROFILE_WORKERS", 2); err != nil {
		return Config{}, err
	}
	if cfg.ProfileQueueSize, err = getInt("PROFILE_QUEUE_SIZE", 16); err != nil {
		return Config{}, err
	}

	if cfg.RetryAttempts < 1 {
		return Config{}, fmt.Errorf("LLM_RETRY_ATTEMPTS must be at least 1, got %d", cfg.RetryAttempts)
	}
	if cfg.ProfileWorkers < 1 {
		return Config{}, fmt.Errorf("PROFILE_WORKERS must be at least 1, got %d", cfg.ProfileWorkers)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure database dir %s: %w", cfg.Database, err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
