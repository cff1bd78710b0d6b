package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jonanatree/cyberbank/bank"
	"golang.org/x/exp/slog"
)

func main() {
	logger := slog.Default()

	config, err := bank.LoadConfig(logger)
	if err != nil {
		logger.Error("loading config", "err", err)
		os.Exit(1)
	}

	app := bank.NewApp(logger, config)
	if err := app.Start(); err != nil {
		logger.Error("starting bank", "err", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	app.Shutdown()
}
