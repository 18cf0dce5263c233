// Command fcgigw-demo loads a YAML config, starts the gateway's event loop
// and supervisor, and serves HTTP on the given address, proxying matched
// requests to the configured FastCGI backends. It exists to exercise the
// library end-to-end, not as a production server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gophpeek/fcgigw"
	"github.com/gophpeek/fcgigw/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fcgigw-demo:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "fcgigw.yaml", "path to the gateway's YAML configuration")
	listenAddr := flag.String("listen", ":8080", "HTTP address to serve on")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	gw, err := fcgigw.New(cfg, fcgigw.Options{
		ServerSoftware: "fcgigw-demo",
		Log:            log,
	})
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopErr := make(chan error, 1)
	go func() { loopErr <- gw.Run(ctx) }()

	srv := &http.Server{Addr: *listenAddr, Handler: gw}
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe() }()

	log.Info("fcgigw-demo listening", zap.String("addr", *listenAddr), zap.String("config", *configPath))

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error("http server exited", zap.Error(err))
		}
	case err := <-loopErr:
		if err != nil && err != context.Canceled {
			log.Error("event loop exited", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = gw.Shutdown(shutdownCtx)
	return nil
}
