package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"liveRelay/internal/app/runtime"
	"liveRelay/internal/infrastructure/config"
	"liveRelay/internal/interface/outs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := outs.NewMultiSink()
	sink.Register("console", outs.NewConsoleSink(os.Stdout))

	rt, err := runtime.Start(ctx, runtime.Options{Sink: sink})
	if err != nil {
		if errors.Is(err, config.ErrConfig) {
			fmt.Fprintln(os.Stderr, "Unable to load configuration... Exiting")
		}
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	logger := rt.Logger()
	logger.Info("bot running", "phase", rt.Phase().String())

	err = rt.Run(ctx)
	rt.Stop()
	if err != nil {
		logger.Error("bot stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("bot stopped")
}
