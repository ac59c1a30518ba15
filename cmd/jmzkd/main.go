// Command jmzkd runs a chain node: it opens the data directory, replays or
// initializes the chain and, when a producer key is configured, produces
// blocks on the fixed slot cadence.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"jmzkchain/config"
	"jmzkchain/core"
	"jmzkchain/core/genesis"
	"jmzkchain/core/types"
	"jmzkchain/crypto"
	"jmzkchain/native"
	"jmzkchain/observability/logging"
	"jmzkchain/storage"
	"jmzkchain/storage/tokendb"
)

// Exit codes.
const (
	exitSuccess       = 0
	exitBadAlloc      = 1
	exitDatabaseDirty = 2
	exitInitFail      = -1
	exitOther         = -2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configDir = flag.String("config-dir", ".", "directory holding config.toml")
		dataDir   = flag.String("data-dir", "", "override the configured data directory")
	)
	flag.Parse()

	cfg, err := config.Load(filepath.Join(*configDir, "config.toml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitInitFail
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	var logger = logging.Setup("jmzkd", "")
	if cfg.LogFile != "" {
		logger = logging.SetupWithFile("jmzkd", "", cfg.LogFile)
	}

	var gen *genesis.Genesis
	var producerKey *crypto.PrivateKey
	if cfg.ProducerKey != "" {
		producerKey, err = crypto.PrivateKeyFromHex(cfg.ProducerKey)
		if err != nil {
			logger.Error("parse producer key", "error", err)
			return exitInitFail
		}
		logger.Info("producer key loaded", logging.MaskField("producer_key", cfg.ProducerKey))
	}
	if cfg.GenesisFile != "" {
		gen, err = genesis.Load(cfg.GenesisFile)
		if err != nil {
			logger.Error("load genesis", "error", err)
			return exitInitFail
		}
	} else if producerKey != nil {
		gen = genesis.Default(producerKey.PubKey())
	} else {
		logger.Error("no genesis file and no producer key to derive one")
		return exitInitFail
	}

	stateDB, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state", "db"))
	if err != nil {
		logger.Error("open state db", "error", err)
		return exitInitFail
	}
	defer stateDB.Close()
	tokenDB, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "tokendb", "db"))
	if err != nil {
		logger.Error("open token db", "error", err)
		return exitInitFail
	}
	defer tokenDB.Close()

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "tokendb"), 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		return exitInitFail
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "state"), 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		return exitInitFail
	}

	controller, err := core.NewController(core.Options{
		DataDir:       cfg.DataDir,
		StateDB:       stateDB,
		TokenDB:       tokenDB,
		Genesis:       gen,
		Registry:      native.NewRegistry(),
		Logger:        logger,
		ChargeFree:    cfg.ChargeFreeMode,
		Loadtest:      cfg.LoadtestMode,
		MaxSavepoints: cfg.MaxSavepoints,
	})
	if err != nil {
		if errors.Is(err, tokendb.ErrDirtyFlag) {
			logger.Error("token database sidecar is dirty; replay required")
			return exitDatabaseDirty
		}
		logger.Error("controller init failed", "error", err)
		return exitInitFail
	}
	defer func() {
		if err := controller.Close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if producerKey == nil {
		logger.Info("running as observer; waiting for shutdown")
		<-stop
		return exitSuccess
	}

	logger.Info("producing blocks", "producer", producerKey.PubKey())
	ticker := time.NewTicker(types.BlockIntervalMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return exitSuccess
		case now := <-ticker.C:
			if err := produceBlock(controller, producerKey, now); err != nil {
				logger.Error("block production failed", "error", err)
				controller.AbortBlock()
			}
		}
	}
}

func produceBlock(c *core.Controller, key *crypto.PrivateKey, now time.Time) error {
	if err := c.StartBlock(types.SlotTime(types.SlotOf(now)), 0); err != nil {
		return err
	}
	deadline := now.Add(types.BlockIntervalMs * time.Millisecond / 2)
	for _, trx := range c.UnappliedTransactions() {
		receipt, err := c.PushTransaction(trx, deadline)
		if err != nil {
			// Objective failures never get another slot; subjective ones
			// retry from the unapplied queue.
			if receipt == nil || receipt.Status == types.TrxHardFail {
				c.DropUnapplied(trx)
			}
			continue
		}
	}
	if err := c.FinalizeBlock(); err != nil {
		return err
	}
	if err := c.SignBlock(func(digest [32]byte) (types.Signature, error) {
		return key.Sign(digest)
	}); err != nil {
		return err
	}
	return c.CommitBlock(true)
}
