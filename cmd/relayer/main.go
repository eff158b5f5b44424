package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/canopy-network/txrelay/app/relayer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := relayer.Initialize(ctx)

	if err := relayer.NewServer(app); err != nil {
		app.Logger.Fatal("Unable to initialize server", zap.Error(err))
	}
	if err := app.StartWorkers(ctx); err != nil {
		app.Logger.Fatal("Unable to start workers", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(app.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		app.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		app.Logger.Error("Relayer stopped with error", zap.Error(err))
	}
}
