package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"RiskEngine/internal/infrastructure/cli"
	"RiskEngine/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, closeApp := cli.NewRootCmd(cli.Options{})
	err := root.ExecuteContext(ctx)
	if closeErr := closeApp(); err == nil {
		err = closeErr
	}
	if err != nil {
		logger := logging.NewWithWriter(os.Stderr, os.Getenv("RISK_ENGINE_LOG_LEVEL"), "text")
		logger.Error("riskengine stopped", "error", err)
		stop()
		os.Exit(1)
	}
}
