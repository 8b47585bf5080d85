package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings: credentials, endpoints and the
// run mode. Trading parameters live in the YAML file (see Params).
type Config struct {
	Port string

	// Run mode: "paper" simulates fills locally, "live" talks to Upbit.
	Mode string

	// Upbit
	UpbitAccessKey string
	UpbitSecretKey string
	UpbitBaseURL   string

	// Cache tier
	RedisURL string

	// Durable store
	DBPath string

	// Operator token for mutating API endpoints.
	APIToken string

	// Trading parameter file
	ParamsPath string

	// Paper mode starting balance.
	PaperInitialKRW float64
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Mode:           strings.ToLower(getEnv("MODE", "paper")),
		UpbitAccessKey: os.Getenv("UPBIT_ACCESS_KEY"),
		UpbitSecretKey: os.Getenv("UPBIT_SECRET_KEY"),
		UpbitBaseURL:   getEnv("UPBIT_BASE_URL", "https://api.upbit.com"),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		DBPath:         getEnv("DB_PATH", "./data/bot.db"),
		APIToken:       getEnv("API_TOKEN", ""),
		ParamsPath:     getEnv("PARAMS_PATH", "./config.yaml"),

		PaperInitialKRW: getEnvFloat("PAPER_INITIAL_KRW", 1000000),
	}, nil
}

// Live reports whether the process should place real exchange orders.
func (c *Config) Live() bool {
	return c.Mode == "live"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
