package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr    string
	LogLevel      string
	AllowedOrigin string

	// Chain configuration
	EthRPCURL string
	ChainID   int64 // 0 means ask the node

	// Key custody; the server needs PrivateKey or KeystorePath
	PrivateKey         string
	KeystorePath       string
	KeystorePassphrase string

	// Storage and messaging; both optional
	DatabaseURL string
	NATSURL     string

	// Block explorer
	EtherscanAPIURL  string
	EtherscanAPIKey  string
	ExplorerRPS      int
	ExplorerPageSize int

	// Transaction lifecycle
	PollInterval         time.Duration
	NetworkTimeout       time.Duration
	ReceiptRetryAttempts int
	Confirmations        int
	MinFeeBumpPercent    int
	RefreshInterval      time.Duration

	// Temporal configuration
	TemporalHost          string
	TemporalNamespace     string
	TemporalTaskQueue     string
	LedgerRefreshInterval time.Duration
}

// Load reads configuration from environment variables and validates it.
// All parse errors are reported together before Validate runs.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":4000")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigin = getEnvOrDefault("ALLOWED_ORIGIN", "http://localhost:3000")

	cfg.EthRPCURL = os.Getenv("ETH_RPC_URL")
	if cfg.EthRPCURL == "" {
		errs = append(errs, fmt.Errorf("ETH_RPC_URL is required"))
	}
	chainID, err := parseInt("CHAIN_ID", 0)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.ChainID = int64(chainID)

	cfg.PrivateKey = os.Getenv("PRIVATE_KEY")
	cfg.KeystorePath = os.Getenv("KEYSTORE_PATH")
	cfg.KeystorePassphrase = os.Getenv("KEYSTORE_PASSPHRASE")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.EtherscanAPIURL = getEnvOrDefault("ETHERSCAN_API_URL", "https://api.etherscan.io/v2/api")
	cfg.EtherscanAPIKey = os.Getenv("ETHERSCAN_API_KEY")

	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"EXPLORER_RPS", 5, &cfg.ExplorerRPS},
		{"EXPLORER_PAGE_SIZE", 1000, &cfg.ExplorerPageSize},
		{"RECEIPT_RETRY_ATTEMPTS", 5, &cfg.ReceiptRetryAttempts},
		{"CONFIRMATIONS", 1, &cfg.Confirmations},
		{"MIN_FEE_BUMP_PERCENT", 10, &cfg.MinFeeBumpPercent},
	}
	for _, v := range ints {
		n, err := parseInt(v.key, v.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*v.dest = n
	}

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"POLL_INTERVAL", "4s", &cfg.PollInterval},
		{"NETWORK_TIMEOUT", "20s", &cfg.NetworkTimeout},
		{"REFRESH_INTERVAL", "30s", &cfg.RefreshInterval},
		{"LEDGER_REFRESH_INTERVAL", "5m", &cfg.LedgerRefreshInterval},
	}
	for _, v := range durations {
		d, err := parseDuration(v.key, v.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*v.dest = d
	}

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "ethwallet-ledger")

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("configuration validation failed: %v", errs)
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.EthRPCURL == "" {
		errs = append(errs, fmt.Errorf("EthRPCURL is required"))
	}
	if c.ChainID < 0 {
		errs = append(errs, fmt.Errorf("ChainID cannot be negative"))
	}
	if c.KeystorePath != "" && c.KeystorePassphrase == "" {
		errs = append(errs, fmt.Errorf("KeystorePassphrase is required when KeystorePath is set"))
	}
	if c.ExplorerRPS < 1 {
		errs = append(errs, fmt.Errorf("ExplorerRPS must be at least 1"))
	}
	if c.ExplorerPageSize < 0 || c.ExplorerPageSize > 10000 {
		errs = append(errs, fmt.Errorf("ExplorerPageSize must be between 0 and 10000"))
	}
	if c.ReceiptRetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("ReceiptRetryAttempts cannot be negative"))
	}
	if c.Confirmations < 1 {
		errs = append(errs, fmt.Errorf("Confirmations must be at least 1"))
	}
	if c.MinFeeBumpPercent < 1 {
		errs = append(errs, fmt.Errorf("MinFeeBumpPercent must be at least 1"))
	}
	if c.PollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("PollInterval must be at least 100ms"))
	}
	if c.NetworkTimeout < time.Second {
		errs = append(errs, fmt.Errorf("NetworkTimeout must be at least 1 second"))
	}
	if c.RefreshInterval != 0 && c.RefreshInterval < time.Second {
		errs = append(errs, fmt.Errorf("RefreshInterval must be at least 1 second or 0 to disable"))
	}
	if c.LedgerRefreshInterval < time.Minute {
		errs = append(errs, fmt.Errorf("LedgerRefreshInterval must be at least 1 minute"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// RequireSigner checks that a key source is configured.
func (c *Config) RequireSigner() error {
	if c.PrivateKey == "" && c.KeystorePath == "" {
		return fmt.Errorf("PRIVATE_KEY or KEYSTORE_PATH is required")
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
