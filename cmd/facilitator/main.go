package main

import (
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	x402 "github.com/x402kit/facilitator"
	"github.com/x402kit/facilitator/chains"
	"github.com/x402kit/facilitator/config"
	"github.com/x402kit/facilitator/discovery"
	"github.com/x402kit/facilitator/mechanisms/evm/eip7702"
	"github.com/x402kit/facilitator/mechanisms/evm/exact"
	"github.com/x402kit/facilitator/noncestore"
	"github.com/x402kit/facilitator/server"
)

func main() {
	// Missing .env is fine; explicit env vars and flags still apply.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(os.Args[1:], config.Environ())
	if err != nil {
		logger.Error("configuration error", zap.Error(err))
		os.Exit(1)
	}

	relayerKey, err := cfg.ParseRelayerKey()
	if err != nil {
		logger.Error("invalid relayer key", zap.Error(err))
		os.Exit(1)
	}

	fabric := chains.NewFabric(cfg.RPCURLs, relayerKey, chains.Options{})
	nonces := noncestore.NewArbiter()

	facilitator := x402.NewFacilitator()
	exactMech := exact.New(fabric, nonces)
	eip7702Mech := eip7702.New(fabric, nonces, cfg.Delegate())
	for _, network := range fabric.Networks() {
		facilitator.Register(network, exactMech)
		facilitator.Register(network, eip7702Mech)
	}
	facilitator.RegisterExtension(discovery.Extension)

	catalog := discovery.NewCatalog()
	facilitator.OnAfterSettle(discovery.CatalogHook(catalog, logger))

	logger.Info("facilitator configured",
		zap.Int("chains", len(cfg.RPCURLs)),
		zap.String("delegate", cfg.Delegate().Hex()),
	)

	srv := server.New(facilitator, catalog, fabric, logger)
	if err := srv.Run(cfg.Addr()); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}
