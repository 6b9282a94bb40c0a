package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mydia/relay/internal/config"
	ilog "github.com/mydia/relay/internal/log"
	"github.com/mydia/relay/internal/relay"
	"github.com/mydia/relay/internal/server"
	"github.com/mydia/relay/internal/store/sqlite"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	svc := relay.NewService(store, logger, cfg.ClaimTTL)
	s := server.New(cfg, svc, logger)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "relay error:", err)
		return 1
	}
	return 0
}
