package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/HandoffBox/config"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "error", err.Error())
	}

	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	rt, err := newRelay(cfg, defaultRelayFactories())
	if err != nil {
		panic(err)
	}
	defer rt.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runRelayHTTPServer(ctx, relayHTTPOpts{
			httpAddr:    cfg.Handoff.RelayHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			relay:       rt.relay,
			cfg:         cfg,
			ready:       rt.ready,
		})
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- rt.relay.Run(ctx) }()

	select {
	case err = <-runErr:
	case err = <-httpErr:
		cancel()
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}
