package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

const envPrefix = "CROWDFUND"

// FactoryContract is the key the deploy script uses for the factory in
// deployments.json.
const FactoryContract = "CampaignFactory"

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	Confirmations   uint64        `mapstructure:"confirmations"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	TxTimeout       time.Duration `mapstructure:"tx_timeout"`
	DeploymentsPath string        `mapstructure:"deployments_path"`
	FactoryAddress  string        `mapstructure:"factory_address"`

	// Factory is resolved by Load from FactoryAddress or deployments.json.
	Factory common.Address `mapstructure:"-"`
}

type WalletConfig struct {
	KeystorePath string `mapstructure:"keystore_path"`
	Passphrase   string `mapstructure:"passphrase"`
	PrivateKey   string `mapstructure:"private_key"`
	AutoConnect  bool   `mapstructure:"auto_connect"`
}

type SyncConfig struct {
	HeadPollInterval time.Duration `mapstructure:"head_poll_interval"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ReadConcurrency  int           `mapstructure:"read_concurrency"`
}

type MetadataConfig struct {
	Gateway     string        `mapstructure:"gateway"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBytes    int64         `mapstructure:"max_bytes"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
}

type IdempotencyConfig struct {
	Backend     string        `mapstructure:"backend"`
	Path        string        `mapstructure:"path"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	TTL         time.Duration `mapstructure:"ttl"`
}

type AuthConfig struct {
	HMACSecret string        `mapstructure:"hmac_secret"`
	ClockSkew  time.Duration `mapstructure:"clock_skew"`
}

type Config struct {
	ServiceName string            `mapstructure:"service_name"`
	Env         string            `mapstructure:"env"`
	LogLevel    string            `mapstructure:"log_level"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Metadata    MetadataConfig    `mapstructure:"metadata"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

// Deployment is the deployments.json file written by the contract deploy
// script.
type Deployment struct {
	ChainID   int64             `json:"chainId"`
	Contracts map[string]string `json:"contracts"`
}

// Load reads the optional YAML file at path (CROWDFUND_CONFIG, then
// config.yaml, when empty), applies CROWDFUND_* environment overrides,
// resolves the factory address and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("chain.factory_address", "CROWDFUND_FACTORY_ADDRESS", "CROWDFUND_CHAIN_FACTORY_ADDRESS")

	setDefaults(v)

	if path == "" {
		path = envOr("CROWDFUND_CONFIG", "config.yaml")
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.resolveFactory(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "crowdfund")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 3000)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "5m")
	v.SetDefault("http.idle_timeout", "60s")

	v.SetDefault("chain.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("chain.chain_id", 0)
	v.SetDefault("chain.confirmations", 1)
	v.SetDefault("chain.poll_interval", "2s")
	v.SetDefault("chain.tx_timeout", "3m")
	v.SetDefault("chain.deployments_path", "deployments.json")
	v.SetDefault("chain.factory_address", "")

	v.SetDefault("wallet.keystore_path", "")
	v.SetDefault("wallet.passphrase", "")
	v.SetDefault("wallet.private_key", "")
	v.SetDefault("wallet.auto_connect", false)

	v.SetDefault("sync.head_poll_interval", "4s")
	v.SetDefault("sync.interval", "1m")
	v.SetDefault("sync.timeout", "30s")
	v.SetDefault("sync.read_concurrency", 8)

	v.SetDefault("metadata.gateway", "https://ipfs.io/ipfs/")
	v.SetDefault("metadata.timeout", "10s")
	v.SetDefault("metadata.max_bytes", 64<<10)
	v.SetDefault("metadata.cache_ttl", "5m")
	v.SetDefault("metadata.redis_addr", "")
	v.SetDefault("metadata.redis_prefix", "crowdfund:meta:")

	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.path", "data/write-outcomes.json")
	v.SetDefault("idempotency.postgres_dsn", "")
	v.SetDefault("idempotency.ttl", "24h")

	v.SetDefault("auth.hmac_secret", "")
	v.SetDefault("auth.clock_skew", "60s")
}

func (c *Config) resolveFactory() error {
	addr := strings.TrimSpace(c.Chain.FactoryAddress)
	if addr == "" {
		dep, err := LoadDeployment(c.Chain.DeploymentsPath)
		if err != nil {
			return fmt.Errorf("load deployments: %w", err)
		}
		addr = dep.Contracts[FactoryContract]
		if addr == "" {
			return fmt.Errorf("deployments %s: no %s address", c.Chain.DeploymentsPath, FactoryContract)
		}
		if c.Chain.ChainID == 0 {
			c.Chain.ChainID = dep.ChainID
		}
	}
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("factory address %q is not a hex address", addr)
	}
	c.Chain.FactoryAddress = addr
	c.Chain.Factory = common.HexToAddress(addr)
	return nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 {
		return fmt.Errorf("http.port must be positive")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url required")
	}
	if c.Chain.Confirmations < 1 {
		return fmt.Errorf("chain.confirmations must be at least 1")
	}
	if c.Chain.PollInterval <= 0 {
		return fmt.Errorf("chain.poll_interval must be positive")
	}
	if c.Chain.Factory == (common.Address{}) {
		return fmt.Errorf("factory address must not be zero")
	}
	switch c.Idempotency.Backend {
	case "memory":
	case "file":
		if c.Idempotency.Path == "" {
			return fmt.Errorf("idempotency.path required for file backend")
		}
	case "postgres":
		if c.Idempotency.PostgresDSN == "" {
			return fmt.Errorf("idempotency.postgres_dsn required for postgres backend")
		}
	default:
		return fmt.Errorf("unknown idempotency backend %q", c.Idempotency.Backend)
	}
	if c.Wallet.AutoConnect && c.Wallet.KeystorePath == "" && c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.auto_connect needs a keystore or private key")
	}
	return nil
}

// LoadDeployment reads a deployments.json file.
func LoadDeployment(path string) (*Deployment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dep Deployment
	if err := json.Unmarshal(raw, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}
