package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	Environment string

	// Database
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Redis
	RedisURL      string
	RedisPoolSize int

	// Server
	Port        string
	FrontendURL string

	// Match Settings
	MinBuyIn                 int64
	RakePercent              int
	LobbyExpiryMinutes       int
	DisconnectGraceSeconds   int
	HeartbeatIntervalSeconds int

	// Wallet Gateway
	WalletBaseURL        string
	WalletAPIKey         string
	WalletTimeoutSeconds int

	// Security
	JWTSecret string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	return &Config{
		// Environment
		Environment: getEnv("APP_ENV", "development"),

		// Database
		DatabaseURL:    getEnv("DATABASE_URL", "postgres://localhost:5432/playstake?sslmode=disable"),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPoolSize: getEnvInt("REDIS_POOL_SIZE", 0),

		// Server
		Port:        getEnv("APP_PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:5173"),

		// Match Settings
		MinBuyIn:                 getEnvInt64("MIN_BUYIN", 1000),
		RakePercent:              getEnvInt("RAKE_PERCENT", 10),
		LobbyExpiryMinutes:       getEnvInt("LOBBY_EXPIRY_MINUTES", 10),
		DisconnectGraceSeconds:   getEnvInt("DISCONNECT_GRACE_SECONDS", 120),
		HeartbeatIntervalSeconds: getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 30),

		// Wallet Gateway
		WalletBaseURL:        getEnv("WALLET_BASE_URL", ""),
		WalletAPIKey:         getEnv("WALLET_API_KEY", ""),
		WalletTimeoutSeconds: getEnvInt("WALLET_TIMEOUT_SECONDS", 10),

		// Security
		JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}
