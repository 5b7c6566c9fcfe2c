package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	JwtSecret  string
	LogLevel   string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	// Chain verification settings
	ChainMode     string // "mock" or "rpc"
	RPCURL        string
	ChainName     string
	ChainID       *big.Int
	PayToAddress  string
	ExplorerTxURL string
	AssetType     string
	AssetSymbol   string
	AssetDecimals int
	// Payment lifecycle settings
	ChallengeTTL       time.Duration
	SessionTTL         time.Duration
	CostPerUnlock      int64
	CreditsPerPurchase int64
	Currency           string
	VerifyAttempts     int
	VerifyInterval     time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return n, nil
}

func getdur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return d, nil
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	// If DSN is provided directly, use it
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	// Build DSN from individual components
	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable" // Default to disable for local development
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

func New() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "8080"),
		DBAdapter:  getenv("DB_ADAPTER", "memory"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/paygate.db"),
		JwtSecret:  getenv("JWT_SECRET", "change-me"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "paygate")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "paygatepass")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "paygate")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
		// Chain settings
		ChainMode:     getenv("CHAIN_MODE", "mock"),
		RPCURL:        getenv("RPC_URL", ""),
		ChainName:     getenv("CHAIN_NAME", "base-sepolia"),
		PayToAddress:  getenv("PAY_TO_ADDRESS", ""),
		ExplorerTxURL: getenv("EXPLORER_TX_URL", "https://sepolia.basescan.org/tx/"),
		AssetType:     getenv("ASSET_TYPE", "token"),
		AssetSymbol:   getenv("ASSET_SYMBOL", "USDC"),
		Currency:      getenv("CURRENCY", "USD"),
	}

	chainID, err := getint("CHAIN_ID", 84532)
	if err != nil {
		return nil, err
	}
	c.ChainID = big.NewInt(int64(chainID))

	if c.AssetDecimals, err = getint("ASSET_DECIMALS", 6); err != nil {
		return nil, err
	}
	// prices are minor currency units; base-unit conversion needs at
	// least two decimals
	if c.AssetDecimals < 2 {
		return nil, fmt.Errorf("invalid ASSET_DECIMALS: %d (must be at least 2)", c.AssetDecimals)
	}
	if c.ChallengeTTL, err = getdur("CHALLENGE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.SessionTTL, err = getdur("SESSION_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	cost, err := getint("COST_PER_UNLOCK", 1)
	if err != nil {
		return nil, err
	}
	c.CostPerUnlock = int64(cost)
	credits, err := getint("CREDITS_PER_PURCHASE", 10)
	if err != nil {
		return nil, err
	}
	c.CreditsPerPurchase = int64(credits)
	if c.VerifyAttempts, err = getint("VERIFY_ATTEMPTS", 30); err != nil {
		return nil, err
	}
	if c.VerifyInterval, err = getdur("VERIFY_INTERVAL", time.Second); err != nil {
		return nil, err
	}

	switch c.ChainMode {
	case "mock", "rpc":
	default:
		return nil, fmt.Errorf("invalid CHAIN_MODE: %s (want mock or rpc)", c.ChainMode)
	}
	if c.ChainMode == "rpc" {
		if c.RPCURL == "" {
			return nil, errors.New("RPC_URL must be set when CHAIN_MODE=rpc")
		}
		if c.PayToAddress == "" {
			return nil, errors.New("PAY_TO_ADDRESS must be set when CHAIN_MODE=rpc")
		}
	}

	// Validate PostgreSQL configuration if using postgres
	if c.DBAdapter == "postgres" {
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	}

	if c.DBAdapter == "sqlite" {
		// ensure sqlite file path is not empty
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	}

	// Validate JWT secret in production
	env := strings.ToLower(getenv("ENV", ""))
	if env == "production" || env == "prod" {
		if c.JwtSecret == "" || c.JwtSecret == "change-me" {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
	}

	// normalize port
	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
