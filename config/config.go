package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings for the gateway. Values come from
// environment variables with defaults tuned for the free-tier analysis engine
// (one session at a time, a handful of runs per day).
type Config struct {
	Port        string
	CORSOrigins string
	LogLevel    string

	// Queue / quota
	DailyQuotaLimit      int
	AnalysisTimeout      time.Duration
	EstimatedAnalysisSec int // seed for the smoothed wait estimate
	RetainTerminal       time.Duration

	// Analysis engine
	EngineBaseURL    string
	EngineModel      string
	EngineAPIKey     string
	EngineRoundKeys  [3]string // optional per-round keys to dodge per-key rate limits
	EngineMaxRetries int

	// Supabase (audit persistence; optional)
	SupabaseURL string
	SupabaseKey string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DailyQuotaLimit:      getEnvInt("DAILY_QUOTA_LIMIT", 6),
		AnalysisTimeout:      time.Duration(getEnvInt("ANALYSIS_TIMEOUT_SECONDS", 180)) * time.Second,
		EstimatedAnalysisSec: getEnvInt("ESTIMATED_ANALYSIS_SECONDS", 90),
		RetainTerminal:       time.Duration(getEnvInt("RETAIN_TERMINAL_MINUTES", 5)) * time.Minute,

		EngineBaseURL: getEnv("ENGINE_BASE_URL", "https://generativelanguage.googleapis.com"),
		EngineModel:   getEnv("ENGINE_MODEL", "gemini-2.0-flash"),
		EngineAPIKey:  os.Getenv("ENGINE_API_KEY"),
		EngineRoundKeys: [3]string{
			os.Getenv("ENGINE_API_KEY_ROUND1"),
			os.Getenv("ENGINE_API_KEY_ROUND2"),
			os.Getenv("ENGINE_API_KEY_ROUND3"),
		},
		EngineMaxRetries: getEnvInt("ENGINE_MAX_RETRIES", 3),

		SupabaseURL: os.Getenv("SUPABASE_URL"),
		SupabaseKey: getEnv("SUPABASE_SERVICE_KEY", os.Getenv("SUPABASE_ANON_KEY")),
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
