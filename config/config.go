package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the engine.
// Tags use mapstructure for Viper unmarshalling and env variable binding.
type ServerConfig struct {
	HTTPPort  string `mapstructure:"HTTP_PORT"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	// Provider-level client identity, shared across all three banks.
	BankClientID     string `mapstructure:"BANK_CLIENT_ID"`
	BankClientSecret string `mapstructure:"BANK_CLIENT_SECRET"`

	// Sandbox base URL overrides, mostly for tests.
	ABankBaseURL string `mapstructure:"ABANK_BASE_URL"`
	SBankBaseURL string `mapstructure:"SBANK_BASE_URL"`
	VBankBaseURL string `mapstructure:"VBANK_BASE_URL"`

	TokenTTLMarginMin int `mapstructure:"TOKEN_TTL_MARGIN_MIN"`
	CallTimeoutSec    int `mapstructure:"CALL_TIMEOUT_SEC"`
	ListBudgetSec     int `mapstructure:"LIST_BUDGET_SEC"`
	TxCacheTTLMin     int `mapstructure:"TX_CACHE_TTL_MIN"`

	PollIntervalSec int `mapstructure:"POLL_INTERVAL_SEC"`
	PollMaxAttempts int `mapstructure:"POLL_MAX_ATTEMPTS"`

	// StorageBackend selects "memory" or "mongo".
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	MongoURI       string `mapstructure:"MONGO_URI"`
	MongoDBName    string `mapstructure:"MONGO_DB_NAME"`

	// RedisAddr, when set, shares the provider token cache across
	// instances.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
}

func (c *ServerConfig) TokenTTLMargin() time.Duration {
	return time.Duration(c.TokenTTLMarginMin) * time.Minute
}

func (c *ServerConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

func (c *ServerConfig) ListBudget() time.Duration {
	return time.Duration(c.ListBudgetSec) * time.Second
}

func (c *ServerConfig) TxCacheTTL() time.Duration {
	return time.Duration(c.TxCacheTTLMin) * time.Minute
}

func (c *ServerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// LoadConfig reads configuration from file, environment variables, and
// defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/taxgate/")
	v.AddConfigPath("$HOME/.taxgate")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("BANK_CLIENT_ID", "team286")
	v.SetDefault("BANK_CLIENT_SECRET", "")
	v.SetDefault("ABANK_BASE_URL", "")
	v.SetDefault("SBANK_BASE_URL", "")
	v.SetDefault("VBANK_BASE_URL", "")
	v.SetDefault("TOKEN_TTL_MARGIN_MIN", 5)
	v.SetDefault("CALL_TIMEOUT_SEC", 10)
	v.SetDefault("LIST_BUDGET_SEC", 30)
	v.SetDefault("TX_CACHE_TTL_MIN", 15)
	v.SetDefault("POLL_INTERVAL_SEC", 5)
	v.SetDefault("POLL_MAX_ATTEMPTS", 60)
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/taxgate_dev")
	v.SetDefault("MONGO_DB_NAME", "taxgate_dev")
	v.SetDefault("REDIS_ADDR", "")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
