// Command finchwatchd runs the chain-watcher and payout engine: one
// block/mempool poller and one payout monitor per enabled chain, persisting
// progress to Postgres.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"

	"github.com/yourusername/finchwatch/internal/chain/bitcoin"
	"github.com/yourusername/finchwatch/internal/chain/ethereum"
	"github.com/yourusername/finchwatch/internal/chainerr"
	"github.com/yourusername/finchwatch/internal/config"
	"github.com/yourusername/finchwatch/internal/engine"
	"github.com/yourusername/finchwatch/internal/logging"
	"github.com/yourusername/finchwatch/internal/model"
	"github.com/yourusername/finchwatch/internal/payout"
	"github.com/yourusername/finchwatch/internal/rpc"
	"github.com/yourusername/finchwatch/internal/store"
)

const rpcTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	cfg, err := config.Load(flags.SettingsPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(os.Getenv("FINCHWATCH_ENV") != "production")
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	db, err := store.OpenPostgres(cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("running auto-migration: %w", err)
	}

	var chains []engine.Chain

	if flags.Enabled("btc") {
		chain, err := buildBitcoinChain(cfg, db, log)
		if err != nil {
			return fmt.Errorf("building bitcoin chain: %w", err)
		}
		chains = append(chains, chain)
	}

	if flags.Enabled("eth") {
		chain, err := buildEthereumChain(cfg, db, log)
		if err != nil {
			return fmt.Errorf("building ethereum chain: %w", err)
		}
		chains = append(chains, chain)
	}

	if len(chains) == 0 {
		return fmt.Errorf("no chains enabled: pass --currencies with at least one of btc, eth configured in %s", flags.SettingsPath)
	}

	eng := engine.New(chains, flags.SkipMissedBlocks, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("finchwatchd starting", zap.Int("chains", len(chains)), zap.Bool("skip_missed_blocks", flags.SkipMissedBlocks))
	return eng.Run(ctx)
}

func buildBitcoinChain(cfg *config.Config, db *store.DB, log *zap.Logger) (engine.Chain, error) {
	if cfg.Bitcoin == nil {
		return engine.Chain{}, fmt.Errorf("config: bitcoin section is required when btc is enabled")
	}

	network, err := bitcoinNetworkParams(cfg.Bitcoin.Network)
	if err != nil {
		return engine.Chain{}, err
	}

	client, err := rpc.NewHTTPClient([]string{cfg.Bitcoin.RPCURL}, rpcTimeout, nil)
	if err != nil {
		return engine.Chain{}, err
	}
	client.WithBasicAuth(cfg.Bitcoin.RPCUser, cfg.Bitcoin.RPCPass)

	rpcHelper := bitcoin.NewRPCHelper(client)

	processor := bitcoin.NewProcessor(db, logging.ForComponent(log, "btc", "processor"))
	poller := bitcoin.NewPoller(rpcHelper, processor, db, logging.ForComponent(log, "btc", "poller"))

	dispatcher := payout.NewBitcoinDispatcher(rpcHelper, network, logging.ForComponent(log, "btc", "payouter"))
	monitor := payout.NewMonitor(db, model.CurrencyBTC, db.BitcoinWatermark, dispatcher, logging.ForComponent(log, "btc", "monitor"))

	return engine.Chain{Name: "btc", Poller: poller, Monitor: monitor}, nil
}

func buildEthereumChain(cfg *config.Config, db *store.DB, log *zap.Logger) (engine.Chain, error) {
	if cfg.Ethereum == nil {
		return engine.Chain{}, fmt.Errorf("config: ethereum section is required when eth is enabled")
	}

	client, err := rpc.NewHTTPClient([]string{cfg.Ethereum.RPCURL}, rpcTimeout, nil)
	if err != nil {
		return engine.Chain{}, err
	}

	rpcHelper := ethereum.NewRPCHelper(client)

	processor := ethereum.NewProcessor(db, logging.ForComponent(log, "eth", "processor"))
	poller := ethereum.NewPoller(rpcHelper, processor, db, logging.ForComponent(log, "eth", "poller"))

	dispatcher := payout.NewEthereumDispatcher(rpcHelper, db, big.NewInt(cfg.Ethereum.ChainID), logging.ForComponent(log, "eth", "payouter"))
	monitor := payout.NewMonitor(db, model.CurrencyETH, db.EthereumWatermark, dispatcher, logging.ForComponent(log, "eth", "monitor"))

	return engine.Chain{Name: "eth", Poller: poller, Monitor: monitor}, nil
}

func bitcoinNetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, chainerr.NonRetryablef(chainerr.CodeSchemaViolation, nil, "unsupported bitcoin network %q", network)
	}
}
