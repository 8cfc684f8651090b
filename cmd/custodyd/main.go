package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tessella/custody-engine/audit"
	"github.com/tessella/custody-engine/cmd/flags"
	"github.com/tessella/custody-engine/engine"
	"github.com/tessella/custody-engine/httpserver"
	"github.com/tessella/custody-engine/interfaces"
	"github.com/tessella/custody-engine/ledger"
	"github.com/tessella/custody-engine/ledger/evm"
	"github.com/tessella/custody-engine/sharestore"
	"github.com/tessella/custody-engine/storage"
)

var cliFlags = []cli.Flag{
	flags.ListenAddrFlag,
	flags.StorageFlag,
	flags.NetworkFlag,
	flags.EthRpcAddrFlag,
	flags.EthChainIDFlag,
	flags.SweepIntervalFlag,
	flags.LogJsonFlag,
	flags.LogDebugFlag,
	flags.LogUidFlag,
	flags.LogServiceFlag,
	flags.PprofFlag,
	flags.DrainSecondsFlag,
}

func main() {
	app := &cli.App{
		Name:  "custodyd",
		Usage: "Serve the threshold custody API with background policy sweeps",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			network := interfaces.Network(cCtx.String(flags.NetworkFlag.Name))

			store, err := storage.NewFactory(logger).StoreFor(cCtx.String(flags.StorageFlag.Name))
			if err != nil {
				logger.Error("Failed to create storage backend", "err", err)
				return err
			}

			ledgers := ledger.NewRegistry(ledger.NewMockAdapter(network))
			if rpcAddr := cCtx.String(flags.EthRpcAddrFlag.Name); rpcAddr != "" {
				logger.Info("Connecting to Ethereum RPC", "address", rpcAddr)
				ethAdapter, err := evm.NewAdapter(evm.Config{
					RPCURL:     rpcAddr,
					Network:    network,
					EVMChainID: cCtx.Int64(flags.EthChainIDFlag.Name),
				})
				if err != nil {
					logger.Error("Failed to dial Ethereum RPC", "err", err)
					return err
				}
				ledgers.Register(ethAdapter)
			}

			eng := engine.New(engine.Config{
				Store:   store,
				Shares:  sharestore.New(store),
				Ledgers: ledgers,
				Audit:   audit.NewStoreSink(store),
				Log:     logger,
			})

			handler := httpserver.NewHandler(eng, logger)
			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			sweepCtx, stopSweeper := context.WithCancel(context.Background())
			sweeper := engine.NewSweeper(eng, cCtx.Duration(flags.SweepIntervalFlag.Name), logger)
			go sweeper.Run(sweepCtx)

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			stopSweeper()
			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
