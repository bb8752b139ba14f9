// SPDX-License-Identifier: Apache-2.0
package config

// Package config loads a node's configuration from YAML plus environment
// overrides: one typed Config struct covering the queue, consensus, kura,
// snapshot, torii, executor and logger sections, with every dotted key
// overridable through the environment.

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"irohad/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// QueueConfig mirrors the `queue.*` keys.
type QueueConfig struct {
	Max             int `mapstructure:"max" json:"max"`
	MaxPerUser      int `mapstructure:"max_per_user" json:"max_per_user"`
	TxTTLSeconds    int `mapstructure:"tx_ttl" json:"tx_ttl"`
	FutureThreshold int `mapstructure:"future_threshold" json:"future_threshold"`
}

// ConsensusSection mirrors the `consensus.*` keys.
type ConsensusSection struct {
	BlockTimeMS             int `mapstructure:"block_time" json:"block_time"`
	CommitTimeMS            int `mapstructure:"commit_time" json:"commit_time"`
	MaxTransactionsPerBlock int `mapstructure:"max_transactions_per_block" json:"max_transactions_per_block"`
}

// KuraSection mirrors the `kura.*` keys (kura is Iroha's historical
// name for the block store).
type KuraSection struct {
	StoreDir string `mapstructure:"store_dir" json:"store_dir"`
	InitMode string `mapstructure:"init_mode" json:"init_mode"` // "strict" or "fast"
}

// SnapshotSection mirrors the `snapshot.*` keys.
type SnapshotSection struct {
	Dir         string `mapstructure:"dir" json:"dir"`
	CreateEvery uint64 `mapstructure:"create_every" json:"create_every"`
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
}

// ToriiSection mirrors the `torii.*` keys (torii is Iroha's gateway;
// irohad exposes only the contract types, but the query service still
// needs these limits).
type ToriiSection struct {
	Address         string `mapstructure:"address" json:"address"`
	MaxContentLen   int    `mapstructure:"max_content_len" json:"max_content_len"`
	QueryIdleTimeMS int    `mapstructure:"query_idle_time" json:"query_idle_time"`
}

// ExecutorSection mirrors the `executor.*` keys.
type ExecutorSection struct {
	FuelLimit uint64 `mapstructure:"fuel_limit" json:"fuel_limit"`
	MaxMemory uint64 `mapstructure:"max_memory" json:"max_memory"`
}

// LoggerSection mirrors the `logger.*` keys.
type LoggerSection struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"` // "text" or "json"
}

// PeerIdentity is this node's consensus signing identity.
type PeerIdentity struct {
	PublicKey  string `mapstructure:"public_key" json:"public_key"`
	PrivateKey string `mapstructure:"private_key" json:"private_key"`
}

// Config is the unified configuration for one irohad node.
type Config struct {
	ChainID string `mapstructure:"chain_id" json:"chain_id"`

	Queue     QueueConfig      `mapstructure:"queue" json:"queue"`
	Consensus ConsensusSection `mapstructure:"consensus" json:"consensus"`
	Kura      KuraSection      `mapstructure:"kura" json:"kura"`
	Snapshot  SnapshotSection  `mapstructure:"snapshot" json:"snapshot"`
	Torii     ToriiSection     `mapstructure:"torii" json:"torii"`
	Executor  ExecutorSection  `mapstructure:"executor" json:"executor"`
	Logger    LoggerSection    `mapstructure:"logger" json:"logger"`

	Peer          PeerIdentity `mapstructure:"peer" json:"peer"`
	TrustedPeers  []string     `mapstructure:"trusted_peers" json:"trusted_peers"`
	GenesisFile   string       `mapstructure:"genesis_file" json:"genesis_file"`
	// GenesisHash pins the expected hash of the genesis instruction
	// sequence (hex); a node refuses to bootstrap a network whose genesis
	// file hashes differently.
	GenesisHash   string       `mapstructure:"genesis_hash" json:"genesis_hash"`
	ListenAddr    string       `mapstructure:"listen_addr" json:"listen_addr"`
	DiscoveryTag  string       `mapstructure:"discovery_tag" json:"discovery_tag"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads <configPath>/default.yaml, optionally merges <configPath>/<env>.yaml,
// and applies any `.env`-file and environment-variable overrides. Every key
// may be overridden by its dotted name uppercased with underscores
// (`queue.max` -> `QUEUE_MAX`).
func Load(configPath, env string) (*Config, error) {
	_ = godotenv.Load() // optional.env file; absence is not an error

	viper.SetConfigName("default")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the IROHAD_ENV environment variable
// to select an overlay file, defaulting to "config" as the search directory.
func LoadFromEnv() (*Config, error) {
	return Load("config", utils.EnvOrDefault("IROHAD_ENV", ""))
}
