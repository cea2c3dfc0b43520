package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Binance Futures
	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceTestnet   bool

	// OpenRouter (LLM signal strategies)
	OpenRouterAPIKey string
	OpenRouterModel  string

	// Persistence
	DataDir string

	// Supervisor
	StopTimeout     time.Duration // bound on cooperative stop
	MaxKernelErrors int           // consecutive kernel errors before a run is marked errored

	// Account snapshot daemon
	SnapshotInterval  time.Duration
	SnapshotRetention time.Duration
}

var cfg *Config

func Load() *Config {
	godotenv.Load()

	// The endpoint flag picks the key pair. Testnet keys fall back to the
	// live keys so a single pair works for both endpoints; live mode never
	// reads the testnet keys.
	testnet := getEnvBool("BINANCE_TESTNET", true)
	apiKey := getEnv("BINANCE_API_KEY", "")
	secretKey := getEnv("BINANCE_SECRET_KEY", "")
	if testnet {
		apiKey = getEnv("BINANCE_TESTNET_API_KEY", apiKey)
		secretKey = getEnv("BINANCE_TESTNET_SECRET_KEY", secretKey)
	}

	cfg = &Config{
		BinanceAPIKey:    apiKey,
		BinanceSecretKey: secretKey,
		BinanceTestnet:   testnet,

		// OpenRouter
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterModel:  getEnv("OPENROUTER_MODEL", "deepseek/deepseek-v3.2"),

		// Persistence
		DataDir: getEnv("DATA_DIR", "data"),

		// Supervisor
		StopTimeout:     time.Duration(getEnvInt("STOP_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxKernelErrors: getEnvInt("MAX_KERNEL_ERRORS", 5),

		// Snapshots
		SnapshotInterval:  time.Duration(getEnvInt("SNAPSHOT_INTERVAL_SECONDS", 60)) * time.Second,
		SnapshotRetention: time.Duration(getEnvInt("SNAPSHOT_RETENTION_HOURS", 168)) * time.Hour,
	}

	return cfg
}

func Get() *Config {
	if cfg == nil {
		Load()
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		i, err := strconv.Atoi(val)
		if err == nil {
			return i
		}
	}
	return defaultVal
}
