package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Env        string `mapstructure:"env"`
	Foreign    ChainConfig
	Home       ChainConfig
	Contracts  ContractsConfig
	Account    AccountConfig
	KMS        KMSConfig
	Signer     SignerConfig
	Conversion ConversionConfig
	Health     HealthConfig
	Redis      RedisConfig
	Log        LogConfig
}

// ChainConfig holds the RPC settings for one chain.
type ChainConfig struct {
	RPCURL         string `mapstructure:"rpc_url"`
	ChainID        uint64 `mapstructure:"chain_id"` // 0 asks the node
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
}

// PollInterval is PollIntervalMs as a duration.
func (c ChainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ContractsConfig holds the addresses of the external contracts.
type ContractsConfig struct {
	Exchange      string `mapstructure:"exchange"`
	Token         string `mapstructure:"token"`
	HomeBridge    string `mapstructure:"home_bridge"`
	ForeignBridge string `mapstructure:"foreign_bridge"`
}

// AccountConfig names the operator account and where its key comes from.
// Exactly one of PrivateKey or EncryptedKeyPath is used for local signing.
type AccountConfig struct {
	Address          string `mapstructure:"address"`
	PrivateKey       string `mapstructure:"private_key"`
	EncryptedKeyPath string `mapstructure:"encrypted_key_path"` // KMS ciphertext
}

// KMSConfig holds the AWS KMS settings used to decrypt the operator key.
type KMSConfig struct {
	KeyID              string `mapstructure:"key_id"`
	AWSRegion          string `mapstructure:"aws_region"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
}

// SignerConfig holds signer-specific settings.
type SignerConfig struct {
	SocketPath    string `mapstructure:"socket_path"`
	SessionTTLSec int    `mapstructure:"session_ttl_sec"`
	MaxValueWei   string `mapstructure:"max_value_wei"` // cumulative per session, empty = unlimited
	Remote        bool   `mapstructure:"remote"`        // sign through the signer daemon
}

// ConversionConfig holds swap and bridge policy.
type ConversionConfig struct {
	SwapDeadlineSec  int    `mapstructure:"swap_deadline_sec"`
	BridgeTimeoutSec int    `mapstructure:"bridge_timeout_sec"` // 0 = unbounded
	NonceRange       uint64 `mapstructure:"nonce_range"`
	MinAmountWei     string `mapstructure:"min_amount_wei"`
	ConfirmDeposits  bool   `mapstructure:"confirm_deposits"`
	GasPriceWei      string `mapstructure:"gas_price_wei"` // empty = ask the node
	GasLimit         uint64 `mapstructure:"gas_limit"`     // 0 = estimate
}

// SwapDeadline is SwapDeadlineSec as a duration.
func (c ConversionConfig) SwapDeadline() time.Duration {
	return time.Duration(c.SwapDeadlineSec) * time.Second
}

// BridgeTimeout is BridgeTimeoutSec as a duration.
func (c ConversionConfig) BridgeTimeout() time.Duration {
	return time.Duration(c.BridgeTimeoutSec) * time.Second
}

// HealthConfig tunes the chain liveness gate.
type HealthConfig struct {
	StaleThresholdSec int `mapstructure:"stale_threshold_sec"`
	CoolOffSec        int `mapstructure:"cool_off_sec"`
	PollIntervalSec   int `mapstructure:"poll_interval_sec"`
}

// RedisConfig holds Redis connection settings for the conversion journal.
// An empty Addr disables the journal.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// LogConfig selects the log level and an optional rotated log file.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads configuration from environment variables prefixed with
// AUTOBRIDGE_, layered over an optional config file named by
// AUTOBRIDGE_CONFIG.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUTOBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Chain defaults
	v.SetDefault("foreign.rpc_url", "http://localhost:8545")
	v.SetDefault("foreign.chain_id", 0)
	v.SetDefault("foreign.poll_interval_ms", 2000)
	v.SetDefault("home.rpc_url", "http://localhost:8546")
	v.SetDefault("home.chain_id", 0)
	v.SetDefault("home.poll_interval_ms", 1000)

	// Signer defaults
	v.SetDefault("signer.socket_path", "/var/run/autobridge/signer.sock")
	v.SetDefault("signer.session_ttl_sec", 3600)
	v.SetDefault("signer.max_value_wei", "")
	v.SetDefault("signer.remote", false)
	v.SetDefault("kms.aws_region", "us-east-1")

	// Conversion defaults
	v.SetDefault("conversion.swap_deadline_sec", 60)
	v.SetDefault("conversion.bridge_timeout_sec", 1800)
	v.SetDefault("conversion.nonce_range", 65536)
	v.SetDefault("conversion.min_amount_wei", "0")
	v.SetDefault("conversion.confirm_deposits", false)
	v.SetDefault("conversion.gas_price_wei", "")
	v.SetDefault("conversion.gas_limit", 0)

	// Health defaults
	v.SetDefault("health.stale_threshold_sec", 120)
	v.SetDefault("health.cool_off_sec", 30)
	v.SetDefault("health.poll_interval_sec", 15)

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl_hours", 720)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Foreign = ChainConfig{
		RPCURL:         v.GetString("foreign.rpc_url"),
		ChainID:        v.GetUint64("foreign.chain_id"),
		PollIntervalMs: v.GetInt("foreign.poll_interval_ms"),
	}
	cfg.Home = ChainConfig{
		RPCURL:         v.GetString("home.rpc_url"),
		ChainID:        v.GetUint64("home.chain_id"),
		PollIntervalMs: v.GetInt("home.poll_interval_ms"),
	}

	cfg.Contracts = ContractsConfig{
		Exchange:      v.GetString("contracts.exchange"),
		Token:         v.GetString("contracts.token"),
		HomeBridge:    v.GetString("contracts.home_bridge"),
		ForeignBridge: v.GetString("contracts.foreign_bridge"),
	}

	cfg.Account = AccountConfig{
		Address:          v.GetString("account.address"),
		PrivateKey:       v.GetString("account.private_key"),
		EncryptedKeyPath: v.GetString("account.encrypted_key_path"),
	}

	cfg.KMS = KMSConfig{
		KeyID:              v.GetString("kms.key_id"),
		AWSRegion:          v.GetString("kms.aws_region"),
		LocalStackEndpoint: v.GetString("kms.localstack_endpoint"),
	}

	cfg.Signer = SignerConfig{
		SocketPath:    v.GetString("signer.socket_path"),
		SessionTTLSec: v.GetInt("signer.session_ttl_sec"),
		MaxValueWei:   v.GetString("signer.max_value_wei"),
		Remote:        v.GetBool("signer.remote"),
	}

	cfg.Conversion = ConversionConfig{
		SwapDeadlineSec:  v.GetInt("conversion.swap_deadline_sec"),
		BridgeTimeoutSec: v.GetInt("conversion.bridge_timeout_sec"),
		NonceRange:       v.GetUint64("conversion.nonce_range"),
		MinAmountWei:     v.GetString("conversion.min_amount_wei"),
		ConfirmDeposits:  v.GetBool("conversion.confirm_deposits"),
		GasPriceWei:      v.GetString("conversion.gas_price_wei"),
		GasLimit:         v.GetUint64("conversion.gas_limit"),
	}

	cfg.Health = HealthConfig{
		StaleThresholdSec: v.GetInt("health.stale_threshold_sec"),
		CoolOffSec:        v.GetInt("health.cool_off_sec"),
		PollIntervalSec:   v.GetInt("health.poll_interval_sec"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
		TTLHours: v.GetInt("redis.ttl_hours"),
	}

	cfg.Log = LogConfig{
		Level: v.GetString("log.level"),
		File:  v.GetString("log.file"),
	}

	return cfg, nil
}

// Validate checks everything a conversion needs. Key material is only
// required when signing locally.
func (c *Config) Validate() error {
	if c.Foreign.RPCURL == "" || c.Home.RPCURL == "" {
		return fmt.Errorf("%w: both foreign.rpc_url and home.rpc_url are required", ErrInvalidConfig)
	}

	addrs := map[string]string{
		"contracts.exchange":       c.Contracts.Exchange,
		"contracts.token":          c.Contracts.Token,
		"contracts.home_bridge":    c.Contracts.HomeBridge,
		"contracts.foreign_bridge": c.Contracts.ForeignBridge,
		"account.address":          c.Account.Address,
	}
	for key, val := range addrs {
		if !common.IsHexAddress(val) {
			return fmt.Errorf("%w: %s: %q is not an address", ErrInvalidConfig, key, val)
		}
	}

	if !c.Signer.Remote && c.Account.PrivateKey == "" && c.Account.EncryptedKeyPath == "" {
		return fmt.Errorf("%w: local signing needs account.private_key or account.encrypted_key_path", ErrInvalidConfig)
	}
	if c.Account.EncryptedKeyPath != "" && c.KMS.KeyID == "" {
		return fmt.Errorf("%w: account.encrypted_key_path requires kms.key_id", ErrInvalidConfig)
	}

	if c.Conversion.SwapDeadlineSec < 1 {
		return fmt.Errorf("%w: conversion.swap_deadline_sec must be at least 1", ErrInvalidConfig)
	}
	if c.Conversion.BridgeTimeoutSec < 0 {
		return fmt.Errorf("%w: conversion.bridge_timeout_sec must not be negative", ErrInvalidConfig)
	}
	if c.Conversion.NonceRange == 0 || c.Conversion.NonceRange > 1<<32 {
		return fmt.Errorf("%w: conversion.nonce_range must be in [1, 2^32]", ErrInvalidConfig)
	}

	wei := map[string]string{
		"conversion.min_amount_wei": c.Conversion.MinAmountWei,
		"conversion.gas_price_wei":  c.Conversion.GasPriceWei,
		"signer.max_value_wei":      c.Signer.MaxValueWei,
	}
	for key, val := range wei {
		if _, err := ParseWei(val); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
	}
	return nil
}

// ParseWei parses a non-negative base-10 integer. The empty string yields
// nil, meaning "unset".
func ParseWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%q is not a non-negative integer", s)
	}
	return v, nil
}

// ValidateSigner checks the subset of settings the signer daemon reads.
func (c *Config) ValidateSigner() error {
	if c.Signer.SocketPath == "" {
		return fmt.Errorf("%w: signer.socket_path is required", ErrInvalidConfig)
	}
	if c.Signer.SessionTTLSec < 0 {
		return fmt.Errorf("%w: signer.session_ttl_sec must not be negative", ErrInvalidConfig)
	}
	if c.Account.PrivateKey == "" && c.Account.EncryptedKeyPath == "" {
		return fmt.Errorf("%w: the signer needs account.private_key or account.encrypted_key_path", ErrInvalidConfig)
	}
	if _, err := ParseWei(c.Signer.MaxValueWei); err != nil {
		return fmt.Errorf("%w: signer.max_value_wei: %v", ErrInvalidConfig, err)
	}
	return nil
}
