// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	bls "github.com/herumi/bls-eth-go-binary/bls"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"irohad/core"
	"irohad/internal/config"
	"irohad/internal/genesis"
)

func main() {
	rootCmd := &cobra.Command{Use: "irohad", Short: "iroha replication core daemon"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(genesisCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a node: bootstrap or recover the chain, then join consensus",
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config")
			env, _ := cmd.Flags().GetString("env")
			cfg, err := config.Load(configDir, env)
			if err != nil {
				return err
			}
			return runNode(cfg)
		},
	}
	cmd.Flags().String("config", "config", "configuration directory")
	cmd.Flags().String("env", "", "configuration overlay name")
	return cmd
}

func runNode(cfg *config.Config) error {
	log := newLogger(cfg.Logger)

	sk, pub, err := loadIdentity(cfg.Peer)
	if err != nil {
		return err
	}

	state := core.NewState()
	bus := core.NewEventBus()
	status := core.NewStatus()
	executor := core.NewDefaultExecutor()
	applier := core.NewApplier(state, executor, bus, cfg.Executor.FuelLimit, log.WithField("component", "applier"))

	mode := core.StartupFast
	if cfg.Kura.InitMode == "strict" {
		mode = core.StartupStrict
	}
	store, err := core.OpenBlockStore(cfg.Kura.StoreDir, mode, log.WithField("component", "kura"))
	if err != nil {
		return err
	}
	defer store.Close()

	queue := core.NewTxQueue(core.QueueConfig{
		Max:             cfg.Queue.Max,
		MaxPerUser:      cfg.Queue.MaxPerUser,
		TxTTL:           time.Duration(cfg.Queue.TxTTLSeconds) * time.Second,
		FutureThreshold: time.Duration(cfg.Queue.FutureThreshold) * time.Second,
	})

	if store.Height() == 0 {
		if err := bootstrapGenesis(cfg, state, applier, store, log); err != nil {
			return err
		}
	} else {
		height, err := core.Bootstrap(store, applier, cfg.Snapshot.Dir, nil, log.WithField("component", "bootstrap"))
		if err != nil {
			return err
		}
		log.WithField("height", height).Info("recovered chain from disk")
	}

	engineCfg := core.ConsensusConfig{
		BlockTime:               time.Duration(cfg.Consensus.BlockTimeMS) * time.Millisecond,
		CommitTime:              time.Duration(cfg.Consensus.CommitTimeMS) * time.Millisecond,
		MaxTransactionsPerBlock: cfg.Consensus.MaxTransactionsPerBlock,
		FuelPerTransaction:      cfg.Executor.FuelLimit,
	}
	engine := core.NewEngine(engineCfg, pub, sk, state, queue, store, applier, status, log.WithField("component", "consensus"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net, err := core.NewNetwork(ctx, core.NetworkConfig{ListenAddr: cfg.ListenAddr, DiscoveryTag: cfg.DiscoveryTag}, log.WithField("component", "network"))
	if err != nil {
		return err
	}
	defer net.Close()

	var snaps *core.SnapshotWriter
	if cfg.Snapshot.Enabled {
		snaps = core.NewSnapshotWriter(core.SnapshotConfig{
			Dir: cfg.Snapshot.Dir, CreateEvery: cfg.Snapshot.CreateEvery, Enabled: true,
		}, log.WithField("component", "snapshot"))
	}

	driver := core.NewDriver(engine, net, snaps, log.WithField("component", "driver"))
	driver.Run(ctx)

	cursors := core.NewCursorTable(core.CursorConfig{
		IdleTimeout:  time.Duration(cfg.Torii.QueryIdleTimeMS) * time.Millisecond,
		MaxFetchSize: 4096,
		MaxCursors:   1 << 16,
		MaxPerSender: 128,
	})
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Torii.QueryIdleTimeMS) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				cursors.EvictIdle(now)
				cursors.InvalidateStale(state.ExecutorHash())
				status.SetPeers(int64(net.PeerCount()))
			}
		}
	}()

	log.WithFields(logrus.Fields{"chain": cfg.ChainID, "height": store.Height()}).Info("node started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	driver.Stop()
	return nil
}

// bootstrapGenesis runs exactly once in a node's life: load the genesis
// document, verify it against the pinned hash, build and commit block 0.
func bootstrapGenesis(cfg *config.Config, state *core.State, applier *core.Applier, store *core.BlockStore, log *logrus.Logger) error {
	doc, err := genesis.Load(cfg.GenesisFile)
	if err != nil {
		return err
	}
	if doc.ChainID != cfg.ChainID {
		return fmt.Errorf("genesis chain id %q does not match configured %q", doc.ChainID, cfg.ChainID)
	}
	instrs, err := genesis.Build(doc)
	if err != nil {
		return err
	}
	if cfg.GenesisHash != "" {
		got := genesis.GenesisHash(instrs).String()
		if got != cfg.GenesisHash {
			return fmt.Errorf("genesis hash %s does not match pinned %s", got, cfg.GenesisHash)
		}
	}
	block, err := core.ApplyGenesis(state, applier, instrs, uint64(time.Now().UnixMilli()), nil)
	if err != nil {
		return err
	}
	if err := store.Append(block); err != nil {
		return err
	}
	log.Info("committed genesis block")
	return nil
}

func loadIdentity(peer config.PeerIdentity) (*bls.SecretKey, core.PublicKey, error) {
	raw, err := hex.DecodeString(peer.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decode peer private key: %w", err)
	}
	var sk bls.SecretKey
	if err := sk.Deserialize(raw); err != nil {
		return nil, nil, fmt.Errorf("load peer private key: %w", err)
	}
	pub := core.PublicKey(sk.GetPublicKey().Serialize())
	if peer.PublicKey != "" && pub.String() != peer.PublicKey {
		return nil, nil, fmt.Errorf("peer public key does not match private key")
	}
	return &sk, pub, nil
}

func newLogger(lc config.LoggerSection) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(lc.Level); err == nil {
		log.SetLevel(lvl)
	}
	if lc.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "generate a validator keypair",
		Run: func(cmd *cobra.Command, args []string) {
			pub, sk := core.GenerateBLS()
			fmt.Printf("public_key: %s\n", hex.EncodeToString(pub.Serialize()))
			fmt.Printf("private_key: %s\n", hex.EncodeToString(sk.Serialize()))
		},
	}
}

func genesisCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "genesis"}
	hash := &cobra.Command{
		Use:   "hash [file]",
		Short: "print the pinned hash of a genesis file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := genesis.Load(args[0])
			if err != nil {
				return err
			}
			instrs, err := genesis.Build(doc)
			if err != nil {
				return err
			}
			fmt.Println(genesis.GenesisHash(instrs).String())
			return nil
		},
	}
	cmd.AddCommand(hash)
	return cmd
}
