// Package main provides the pmmd daemon - a market-maker settlement engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Phathdt/pmm-sub000/internal/backend"
	"github.com/Phathdt/pmm-sub000/internal/chain"
	"github.com/Phathdt/pmm-sub000/internal/config"
	"github.com/Phathdt/pmm-sub000/internal/evm"
	"github.com/Phathdt/pmm-sub000/internal/notify"
	"github.com/Phathdt/pmm-sub000/internal/pricing"
	"github.com/Phathdt/pmm-sub000/internal/queue"
	"github.com/Phathdt/pmm-sub000/internal/rebalance"
	"github.com/Phathdt/pmm-sub000/internal/settlement"
	"github.com/Phathdt/pmm-sub000/internal/solanarpc"
	"github.com/Phathdt/pmm-sub000/internal/solver"
	"github.com/Phathdt/pmm-sub000/internal/storage"
	"github.com/Phathdt/pmm-sub000/internal/tokens"
	"github.com/Phathdt/pmm-sub000/internal/transfer"
	"github.com/Phathdt/pmm-sub000/internal/wallet"
	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.pmmd", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("pmmd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfgPath := *configFile
	if cfgPath == "" {
		cfgPath = config.ConfigPath(expandPath(*dataDir))
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.Default().Save(cfgPath); err != nil {
			log.Fatal("Failed to write config template", "path", cfgPath, "error", err)
		}
		log.Fatal("No config found; template written, fill it in and restart", "path", cfgPath)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", cfgPath, "mode", cfg.Mode)

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = *dataDir
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys, err := wallet.Load(cfg)
	if err != nil {
		log.Fatal("Failed to load keys", "error", err)
	}
	log.Info("Keys loaded", "evm_address", keys.EVMAddress(), "btc", keys.HasBTC(), "solana", keys.HasSolana())

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", cfg.Storage.DataDir)

	// Notification sink
	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL)
	} else {
		notifier = notify.NewLogNotifier()
	}

	// Bitcoin chain access
	providers := make([]backend.Provider, 0, len(cfg.Bitcoin.Providers))
	for _, url := range cfg.Bitcoin.Providers {
		if backend.IsMempoolURL(url) {
			providers = append(providers, backend.NewMempoolProvider(url))
		} else {
			providers = append(providers, backend.NewEsploraProvider(url))
		}
	}
	resilientCfg := backend.DefaultResilientConfig()
	if cfg.Bitcoin.ProviderRetries > 0 {
		resilientCfg.MaxRetries = cfg.Bitcoin.ProviderRetries
	}
	if cfg.Bitcoin.ProviderRetryDelay > 0 {
		resilientCfg.RetryDelay = cfg.Bitcoin.ProviderRetryDelay
	}
	btcChain := backend.NewResilient(providers, resilientCfg)
	log.Info("Bitcoin providers initialized", "count", len(providers))

	// EVM clients and executor
	clients := make(map[string]*ethclient.Client)
	chainIDs := make(map[string]*big.Int)
	sources := make(map[string]evm.NonceSource)
	for _, nc := range cfg.EVM.Networks {
		network, ok := chain.Get(nc.NetworkID)
		if !ok {
			log.Fatal("Unknown EVM network in config", "network", nc.NetworkID)
		}
		client, err := ethclient.Dial(nc.RPCURL)
		if err != nil {
			log.Fatal("Failed to dial EVM rpc", "network", nc.NetworkID, "error", err)
		}
		clients[nc.NetworkID] = client
		chainIDs[nc.NetworkID] = new(big.Int).SetUint64(network.ChainID)
		sources[nc.NetworkID] = client
		log.Info("EVM network connected", "network", nc.NetworkID, "chain_id", network.ChainID)
	}

	from := common.HexToAddress(keys.EVMAddress())
	nonces := evm.NewNonceManager(from, sources)
	nonces.StartRefresh(cfg.EVM.NonceRefresh)
	defer nonces.Close()

	var maxGasPrice *big.Int
	if cfg.EVM.MaxGasPriceWei > 0 {
		maxGasPrice = new(big.Int).SetUint64(cfg.EVM.MaxGasPriceWei)
	}
	executor := evm.NewExecutor(clients, chainIDs, keys.EVM.ToECDSA(), from, nonces, evm.ExecutorConfig{
		GasLimitBuffer:   cfg.EVM.GasLimitBuffer,
		FallbackGasLimit: cfg.EVM.FallbackGasLimit,
		MaxGasPriceWei:   maxGasPrice,
	})

	// Solver client and signer
	sol := solver.NewHTTPClient(cfg.Solver.BaseURL, cfg.Solver.APIKey)
	router, err := sol.GetRouter(ctx)
	if err != nil {
		log.Fatal("Failed to fetch router info", "error", err)
	}
	routerSigner, err := sol.GetSigner(ctx)
	if err != nil {
		log.Fatal("Failed to fetch router signer", "error", err)
	}
	signer := solver.NewSigner(keys.EVM.ToECDSA(), solver.Domain{
		Name:              "pmm-settlement",
		Version:           "1",
		ChainID:           router.ChainID,
		VerifyingContract: common.HexToAddress(router.Address),
	})
	log.Info("Solver connected",
		"url", cfg.Solver.BaseURL, "router", router.Address, "signer", routerSigner)

	// Token directory
	directory, err := tokens.NewStaticDirectory(cfg.Tokens)
	if err != nil {
		log.Fatal("Failed to build token directory", "error", err)
	}

	// Job queue
	dispatcher := queue.NewDispatcher(store, cfg.Queue.PollInterval, cfg.Queue.Workers)

	// Transfer strategies
	factory := transfer.NewFactory()

	evmStrategy, err := transfer.NewEVMStrategy(executor, sol, notifier)
	if err != nil {
		log.Fatal("Failed to build EVM strategy", "error", err)
	}
	factory.Register(chain.NetworkTypeEVM, evmStrategy)

	if len(keys.LiquidationApprovers) >= 2 {
		liq, err := transfer.NewLiquidationStrategy(executor, sol, notifier, keys.LiquidationApprovers)
		if err != nil {
			log.Fatal("Failed to build liquidation strategy", "error", err)
		}
		factory.RegisterForTradeType(chain.NetworkTypeEVM, string(storage.TradeTypeLiquid), liq)
		log.Info("Liquidation strategy enabled", "approvers", len(keys.LiquidationApprovers))
	}

	var btcEngine *transfer.BTCEngine
	if keys.HasBTC() {
		btcEngine, err = transfer.NewBTCEngine(btcChain, keys, transfer.BTCConfig{
			MaxFeeRate:       float64(cfg.Bitcoin.MaxFeeRate),
			AllowUnconfirmed: cfg.Bitcoin.AllowUnconfirmed,
		}, notifier)
		if err != nil {
			log.Fatal("Failed to build BTC engine", "error", err)
		}
		factory.Register(chain.NetworkTypeBTC, btcEngine)
		factory.Register(chain.NetworkTypeTBTC, btcEngine)
		log.Info("BTC engine initialized", "address", btcEngine.Address())
	}

	if keys.HasSolana() && cfg.Solana.RPCURL != "" {
		solRPC := solanarpc.NewClient(cfg.Solana.RPCURL)
		solStrategy := transfer.NewSolanaStrategy(solRPC, sol, notifier, keys.Solana)
		factory.Register(chain.NetworkTypeSolana, solStrategy)
		log.Info("Solana engine initialized")
	}

	// Settlement orchestrator (registers its queue handlers)
	orchestrator := settlement.New(cfg.PMMID, store, dispatcher, sol, signer, factory, directory, keys)
	orchestrator.StartSelectionWatch(cfg.Solver.SelectionPoll)
	defer orchestrator.StopSelectionWatch()

	// Rebalancing
	if cfg.Rebalance.Enabled {
		if btcEngine == nil {
			log.Fatal("Rebalancing requires a bitcoin key")
		}
		prices := pricing.NewService([]pricing.Oracle{
			pricing.NewCoingeckoOracle(cfg.Pricing.CoingeckoURL),
			pricing.NewBinanceOracle(cfg.Pricing.BinanceURL),
		}, pricing.Config{
			CacheTTL:   cfg.Pricing.CacheTTL,
			MaxRetries: cfg.Pricing.Retries,
		})
		agg := rebalance.NewHTTPAggregator(cfg.Rebalance.AggregatorURL)
		rebalancer := rebalance.New(store, dispatcher, btcEngine, prices, agg, notifier, cfg.Rebalance)
		rebalancer.Start()
		defer rebalancer.Stop()
		log.Info("Rebalancing enabled", "vault", cfg.Rebalance.VaultAddress)
	}

	if err := dispatcher.Start(); err != nil {
		log.Fatal("Failed to start dispatcher", "error", err)
	}
	defer dispatcher.Stop()

	log.Info("pmmd started", "version", version, "pmm_id", cfg.PMMID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down")
	cancel()
	fmt.Println()
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
