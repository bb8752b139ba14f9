// SPDX-License-Identifier: Apache-2.0
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

const sampleConfig = `chain_id: "0"
queue:
  max: 65536
  max_per_user: 1024
  tx_ttl: 86400
  future_threshold: 1
consensus:
  block_time: 2000
  commit_time: 4000
  max_transactions_per_block: 512
kura:
  store_dir: ./storage
  init_mode: strict
snapshot:
  dir: ./snapshots
  create_every: 1000
  enabled: true
torii:
  address: "127.0.0.1:8080"
  max_content_len: 16777216
  query_idle_time: 30000
executor:
  fuel_limit: 55000000
  max_memory: 524288000
logger:
  level: info
  format: text
genesis_file: genesis.yaml
listen_addr: "/ip4/0.0.0.0/tcp/1337"
discovery_tag: irohad
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "default.yaml"), []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoad(t *testing.T) {
	viper.Reset()
	dir := writeConfig(t)

	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != "0" {
		t.Fatalf("chain_id %q", cfg.ChainID)
	}
	if cfg.Queue.Max != 65536 || cfg.Queue.MaxPerUser != 1024 {
		t.Fatalf("queue section %+v", cfg.Queue)
	}
	if cfg.Consensus.BlockTimeMS != 2000 || cfg.Consensus.MaxTransactionsPerBlock != 512 {
		t.Fatalf("consensus section %+v", cfg.Consensus)
	}
	if cfg.Kura.InitMode != "strict" {
		t.Fatalf("kura section %+v", cfg.Kura)
	}
	if !cfg.Snapshot.Enabled || cfg.Snapshot.CreateEvery != 1000 {
		t.Fatalf("snapshot section %+v", cfg.Snapshot)
	}
	if cfg.Executor.FuelLimit != 55000000 {
		t.Fatalf("executor section %+v", cfg.Executor)
	}
}

func TestEnvOverride(t *testing.T) {
	viper.Reset()
	dir := writeConfig(t)

	// A dotted key is overridable by its uppercased underscore form.
	t.Setenv("QUEUE_MAX", "42")
	t.Setenv("LOGGER_LEVEL", "debug")

	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Max != 42 {
		t.Fatalf("QUEUE_MAX override not applied: %d", cfg.Queue.Max)
	}
	if cfg.Logger.Level != "debug" {
		t.Fatalf("LOGGER_LEVEL override not applied: %q", cfg.Logger.Level)
	}
}

func TestLoadOverlay(t *testing.T) {
	viper.Reset()
	dir := writeConfig(t)
	overlay := "logger:\n  level: warn\n"
	if err := os.WriteFile(filepath.Join(dir, "testnet.yaml"), []byte(overlay), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	cfg, err := Load(dir, "testnet")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logger.Level != "warn" {
		t.Fatalf("overlay must win: %q", cfg.Logger.Level)
	}
	if cfg.ChainID != "0" {
		t.Fatalf("base config must persist under overlay")
	}
}

func TestLoadMissingConfig(t *testing.T) {
	viper.Reset()
	if _, err := Load(t.TempDir(), ""); err == nil {
		t.Fatalf("missing default.yaml must error")
	}
}
