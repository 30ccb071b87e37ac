// Package config handles configuration loading and validation for the pool.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pool server and client.
type Config struct {
	Pool   PoolConfig   `mapstructure:"pool"`
	Chain  ChainConfig  `mapstructure:"chain"`
	Epoch  EpochConfig  `mapstructure:"epoch"`
	Store  StoreConfig  `mapstructure:"store"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Conn   ConnConfig   `mapstructure:"conn"`
	Claim   ClaimConfig   `mapstructure:"claim"`
	API     APIConfig     `mapstructure:"api"`
	Log     LogConfig     `mapstructure:"log"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// PoolConfig defines pool identity settings.
type PoolConfig struct {
	AuthorityKeypairPath string `mapstructure:"authority_keypair_path"`
	ProofPubkey          string `mapstructure:"proof_pubkey"`
	ProgramID            string `mapstructure:"program_id"`
	MintPubkey           string `mapstructure:"mint_pubkey"`
	CommissionPercent    uint64 `mapstructure:"commission_percent"`
}

// ChainConfig defines on-chain gateway connection settings.
type ChainConfig struct {
	RPCURL             string        `mapstructure:"rpc_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Buses              []int         `mapstructure:"buses"`
	BusAddresses       []string      `mapstructure:"bus_addresses"`
	SendTPUMineTx      bool          `mapstructure:"send_tpu_mine_tx"`
	PriorityFee        uint64        `mapstructure:"priority_fee"`
	PriorityFeeCap     uint64        `mapstructure:"priority_fee_cap"`
	DynamicFee         bool          `mapstructure:"dynamic_fee"`
	DynamicFeeURL      string        `mapstructure:"dynamic_fee_url"`
	ExtraFeeDifficulty uint32        `mapstructure:"extra_fee_difficulty"`
	ExtraFeePercent    uint64        `mapstructure:"extra_fee_percent"`
}

// EpochConfig defines the epoch coordinator's deadline and dispatch settings.
type EpochConfig struct {
	BufferTime            time.Duration `mapstructure:"buffer_time"`
	RiskTime              time.Duration `mapstructure:"risk_time"`
	ExpectedMinDifficulty uint32        `mapstructure:"expected_min_difficulty"`
	NonceRangeWidth       uint64        `mapstructure:"nonce_range_width"`
	SubmitRetryBudget     int           `mapstructure:"submit_retry_budget"`
	ConfirmTimeout        time.Duration `mapstructure:"confirm_timeout"`
	MessagingDifficulty   uint32        `mapstructure:"messaging_difficulty"`
}

// StoreConfig defines the sqlite ledger's location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig defines the ephemeral-cache connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ConnConfig defines the worker-connection manager's settings.
type ConnConfig struct {
	Bind             string `mapstructure:"bind"`
	MaxPerIP         int    `mapstructure:"max_per_ip"`
}

// ClaimConfig defines the claim queue's operating settings (admission
// thresholds and the cooldown window are spec-fixed constants in
// internal/reward, not configurable here).
type ClaimConfig struct {
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// APIConfig defines the peripheral HTTP surface's settings.
type APIConfig struct {
	Bind        string   `mapstructure:"bind"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	Stats       bool     `mapstructure:"stats"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// NotifyConfig defines the settlement webhook notifier's settings.
type NotifyConfig struct {
	DiscordURL string `mapstructure:"discord_url"`
	SlackURL   string `mapstructure:"slack_url"`
	Enabled    bool   `mapstructure:"enabled"`
}

// MetricsConfig defines the APM agent's settings.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines the pprof debug server's settings.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/orepool")
	}

	v.SetEnvPrefix("OREPOOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.commission_percent", 1)

	v.SetDefault("chain.rpc_url", "http://127.0.0.1:8899")
	v.SetDefault("chain.timeout", "10s")
	v.SetDefault("chain.buses", []int{0, 1, 2, 3, 4, 5, 6, 7})
	v.SetDefault("chain.send_tpu_mine_tx", false)
	v.SetDefault("chain.priority_fee", 10000)
	v.SetDefault("chain.priority_fee_cap", 0)
	v.SetDefault("chain.dynamic_fee", false)
	v.SetDefault("chain.extra_fee_difficulty", 29)
	v.SetDefault("chain.extra_fee_percent", 0)

	v.SetDefault("epoch.buffer_time", "5s")
	v.SetDefault("epoch.risk_time", "0s")
	v.SetDefault("epoch.expected_min_difficulty", 8)
	v.SetDefault("epoch.nonce_range_width", 40_000_000)
	v.SetDefault("epoch.submit_retry_budget", 3)
	v.SetDefault("epoch.confirm_timeout", "200s")
	v.SetDefault("epoch.messaging_difficulty", 8)

	v.SetDefault("store.path", "./orepool.sqlite")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("conn.bind", "0.0.0.0:3333")
	v.SetDefault("conn.max_per_ip", 8)

	v.SetDefault("claim.queue_capacity", 64)

	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.stats", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("notify.enabled", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.app_name", "orepool")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Pool.AuthorityKeypairPath == "" {
		return fmt.Errorf("pool.authority_keypair_path is required")
	}
	if c.Pool.ProofPubkey == "" {
		return fmt.Errorf("pool.proof_pubkey is required")
	}
	if c.Pool.ProgramID == "" {
		return fmt.Errorf("pool.program_id is required")
	}
	if c.Pool.CommissionPercent > 100 {
		return fmt.Errorf("pool.commission_percent must be between 0 and 100")
	}

	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if len(c.Chain.Buses) == 0 {
		return fmt.Errorf("chain.buses must list at least one bus index")
	}

	if c.Epoch.ExpectedMinDifficulty < 8 {
		return fmt.Errorf("epoch.expected_min_difficulty must be >= 8")
	}
	if c.Epoch.BufferTime < 0 {
		return fmt.Errorf("epoch.buffer_time must be >= 0")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	return nil
}
