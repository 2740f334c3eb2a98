package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/plugbridge/internal/bridge"
	"github.com/g960059/plugbridge/internal/config"
	"github.com/g960059/plugbridge/internal/logging"
	"github.com/g960059/plugbridge/internal/stub"
)

// The host starts this binary as: plugbridge-stub arg1 arg2 recv send hostRecv hostSend.
func main() {
	cfg := config.DefaultConfig()
	logger := logging.New(os.Stderr, logging.ParseLevel(os.Getenv("PLUGBRIDGE_LOG_LEVEL")))
	logger = logger.With("pid", os.Getpid())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := bridge.OptionsFromConfig(cfg)
	opts.Logger = logger
	code := stub.Run(ctx, stub.New(logger), os.Args, opts, cfg.IdleInterval)
	cancel()
	os.Exit(code)
}
