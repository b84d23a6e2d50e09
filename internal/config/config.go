// Package config provides centralized configuration for the PMM settlement engine.
// ALL operational parameters (keys, endpoints, thresholds, intervals) are defined
// here and loaded from a single YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkMode selects mainnet or testnet endpoints and key encodings.
type NetworkMode string

const (
	Mainnet NetworkMode = "mainnet"
	Testnet NetworkMode = "testnet"
)

// Config is the root configuration.
type Config struct {
	// PMMID is this market maker's identity as registered with the router
	// (0x-prefixed 32-byte hex).
	PMMID string `yaml:"pmm_id"`

	Mode NetworkMode `yaml:"mode"`

	Keys      KeysConfig      `yaml:"keys"`
	Solver    SolverConfig    `yaml:"solver"`
	EVM       EVMConfig       `yaml:"evm"`
	Bitcoin   BitcoinConfig   `yaml:"bitcoin"`
	Solana    SolanaConfig    `yaml:"solana"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Rebalance RebalanceConfig `yaml:"rebalance"`
	Tokens    []TokenConfig   `yaml:"tokens"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// KeysConfig holds operator key material. Each key resolves to a signer for
// one chain family.
type KeysConfig struct {
	// EVMPrivateKey is a hex-encoded secp256k1 key, also used to sign
	// settlement payloads for the solver.
	EVMPrivateKey string `yaml:"evm_private_key"`

	// BTCPrivateKey is WIF or raw hex. WIF network prefix must agree with Mode.
	BTCPrivateKey string `yaml:"btc_private_key"`

	// SolanaSeed is a hex-encoded 32-byte ed25519 seed. Mutually exclusive
	// with SolanaMnemonic.
	SolanaSeed     string `yaml:"solana_seed"`
	SolanaMnemonic string `yaml:"solana_mnemonic"`

	// LiquidationApproverKeys are hex secp256k1 keys for the multisig
	// liquidation contract. At least two are required for LIQUID trades.
	LiquidationApproverKeys []string `yaml:"liquidation_approver_keys"`
}

// SolverConfig points at the router/solver service.
type SolverConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// SelectionPoll is how often committed trades are checked for a
	// router selection.
	SelectionPoll time.Duration `yaml:"selection_poll"`
}

// EVMNetworkConfig configures one EVM settlement network.
type EVMNetworkConfig struct {
	NetworkID       string `yaml:"network_id"` // registry id ("ethereum", "base", ...)
	RPCURL          string `yaml:"rpc_url"`
	PaymentContract string `yaml:"payment_contract"`
	// LiquidationContract is the multisig liquidator. Empty disables LIQUID
	// trades on this network.
	LiquidationContract string `yaml:"liquidation_contract"`
}

// EVMConfig holds all EVM networks plus executor tuning.
type EVMConfig struct {
	Networks []EVMNetworkConfig `yaml:"networks"`

	GasLimitBuffer   float64       `yaml:"gas_limit_buffer"`   // multiplier on estimateGas
	FallbackGasLimit uint64        `yaml:"fallback_gas_limit"` // when estimation fails
	MaxGasPriceWei   uint64        `yaml:"max_gas_price_wei"`  // 0 = no caller cap
	NonceRefresh     time.Duration `yaml:"nonce_refresh"`
}

// BitcoinConfig configures the Bitcoin transfer engine and its data providers.
type BitcoinConfig struct {
	// Providers are esplora-compatible API base URLs. At least one required;
	// two independent ones recommended.
	Providers []string `yaml:"providers"`

	MaxFeeRate         uint64        `yaml:"max_fee_rate"` // sat/vB ceiling
	AllowUnconfirmed   bool          `yaml:"allow_unconfirmed"`
	ProviderRetries    int           `yaml:"provider_retries"`
	ProviderRetryDelay time.Duration `yaml:"provider_retry_delay"`
}

// SolanaConfig configures the Solana transfer engine.
type SolanaConfig struct {
	RPCURL string `yaml:"rpc_url"`
	// ProtocolFeeVault receives protocol fees; ATAs are created under it as
	// needed.
	ProtocolFeeVault string `yaml:"protocol_fee_vault"`
	PaymentProgram   string `yaml:"payment_program"`
	SendRetries      int    `yaml:"send_retries"`
}

// PricingConfig configures token price oracles. Both oracles are raced;
// first answer wins.
type PricingConfig struct {
	CoingeckoURL string        `yaml:"coingecko_url"`
	BinanceURL   string        `yaml:"binance_url"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	Retries      int           `yaml:"retries"`
}

// RebalanceConfig drives the idle-BTC rebalancing loop.
type RebalanceConfig struct {
	Enabled bool `yaml:"enabled"`

	AggregatorURL string `yaml:"aggregator_url"`
	// VaultAddress is the final recipient of swapped funds.
	VaultAddress string `yaml:"vault_address"`
	// ToNetwork is the destination network for idle-BTC conversions.
	ToNetwork string `yaml:"to_network"`

	MinIdleSats       uint64        `yaml:"min_idle_sats"`
	SlippageBpsLimit  int64         `yaml:"slippage_bps_limit"`
	BalanceScanEvery  time.Duration `yaml:"balance_scan_every"`
	StatusPollEvery   time.Duration `yaml:"status_poll_every"`
	MaxRetryTime      time.Duration `yaml:"max_retry_time"`
}

// TokenConfig declares one token the engine can settle.
type TokenConfig struct {
	TokenID   string `yaml:"token_id"`
	NetworkID string `yaml:"network_id"`
	Address   string `yaml:"address"` // empty for native
	Symbol    string `yaml:"symbol"`
	Decimals  uint8  `yaml:"decimals"`
}

// StorageConfig holds the sqlite data directory.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// QueueConfig tunes the job dispatcher.
type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
}

// NotifyConfig configures the operator notification sink.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"` // empty = log-only
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a config with sane defaults applied.
func Default() *Config {
	return &Config{
		Mode: Mainnet,
		Solver: SolverConfig{
			Timeout:       30 * time.Second,
			SelectionPoll: 10 * time.Second,
		},
		EVM: EVMConfig{
			GasLimitBuffer:   1.2,
			FallbackGasLimit: 300000,
			NonceRefresh:     time.Minute,
		},
		Bitcoin: BitcoinConfig{
			Providers: []string{
				"https://mempool.space/api",
				"https://blockstream.info/api",
			},
			MaxFeeRate:         100,
			ProviderRetries:    3,
			ProviderRetryDelay: 2 * time.Second,
		},
		Pricing: PricingConfig{
			CoingeckoURL: "https://api.coingecko.com/api/v3",
			BinanceURL:   "https://api.binance.com/api/v3",
			CacheTTL:     60 * time.Second,
			Retries:      3,
		},
		Rebalance: RebalanceConfig{
			MinIdleSats:      100000,
			SlippageBpsLimit: 50,
			BalanceScanEvery: 5 * time.Minute,
			StatusPollEvery:  30 * time.Second,
			MaxRetryTime:     24 * time.Hour,
		},
		Storage: StorageConfig{
			DataDir: "~/.pmmd",
		},
		Queue: QueueConfig{
			PollInterval: time.Second,
			Workers:      4,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigPath returns the config file path inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load reads the config file at path, applying defaults for missing fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.PMMID == "" {
		return fmt.Errorf("pmm_id is required")
	}
	if c.Mode != Mainnet && c.Mode != Testnet {
		return fmt.Errorf("mode must be mainnet or testnet, got %q", c.Mode)
	}
	if c.Keys.EVMPrivateKey == "" {
		return fmt.Errorf("keys.evm_private_key is required")
	}
	if c.Solver.BaseURL == "" {
		return fmt.Errorf("solver.base_url is required")
	}
	if len(c.Bitcoin.Providers) == 0 {
		return fmt.Errorf("bitcoin.providers must list at least one provider")
	}
	if c.Rebalance.Enabled {
		if c.Rebalance.AggregatorURL == "" {
			return fmt.Errorf("rebalance.aggregator_url is required when rebalancing is enabled")
		}
		if c.Rebalance.VaultAddress == "" {
			return fmt.Errorf("rebalance.vault_address is required when rebalancing is enabled")
		}
		if c.Rebalance.SlippageBpsLimit <= 0 {
			return fmt.Errorf("rebalance.slippage_bps_limit must be positive")
		}
	}
	seen := make(map[string]bool)
	for _, t := range c.Tokens {
		key := t.NetworkID + "/" + t.Address
		if seen[key] {
			return fmt.Errorf("duplicate token %s on %s", t.Address, t.NetworkID)
		}
		seen[key] = true
	}
	return nil
}

// Save writes the config to path (0600, directory created as needed).
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
