package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/e2ee-key-custody/cmd/flags"
	"github.com/ruteri/e2ee-key-custody/httpserver"
	"github.com/ruteri/e2ee-key-custody/storage"
	"github.com/urfave/cli/v2"
)

var EscrowServiceLogFlag = flags.LogServiceFlagFn("escrow")

func main() {
	app := &cli.App{
		Name:  "escrow-server",
		Usage: "Serve the recovery key and room key escrow API",
		Flags: append([]cli.Flag{flags.ListenAddrFlag, flags.StorageURIsFlag, EscrowServiceLogFlag}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String(flags.ListenAddrFlag.Name)
			storageURIs := cCtx.StringSlice(flags.StorageURIsFlag.Name)

			logger := flags.SetupLogger(cCtx)

			blobs, err := storage.NewStorageBackendFactory(logger).FromURIs(storageURIs)
			if err != nil {
				logger.Error("Failed to set up storage", "err", err)
				return err
			}
			logger.Info("Storage configured", "backend", blobs.Name(), "location", blobs.LocationURI())

			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, listenAddr), blobs)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()

			// Wait for termination signal
			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
