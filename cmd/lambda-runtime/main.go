// Command lambda-runtime is the process entrypoint: it wires
// configuration, logging, and the invocation loop together.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aws-samples/go-custom-lambda-runtime/internal/mlambda"
	"github.com/aws-samples/go-custom-lambda-runtime/internal/mlambda/localserver"
	"github.com/aws-samples/go-custom-lambda-runtime/internal/mlambda/rlog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := mlambda.LoadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: rlog.LevelFromString(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	if cfg.LocalModeEnabled {
		srv := localserver.New(localserver.Config{
			Host:           cfg.Host,
			Port:           cfg.Port,
			MaxInvocations: cfg.MaxInvocations,
			Mode:           cfg.Mode,
		})
		cfg.RuntimeAPIEndpoint = srv.Addr()

		go func() {
			logger.Info("local invocation server listening", "addr", srv.Addr())
			if err := srv.ListenAndServe(ctx); err != nil {
				logger.Error("local server stopped", "error", err)
			}
		}()

		// give the listener a moment to come up before the loop's
		// first /next call.
		time.Sleep(50 * time.Millisecond)
	}

	loop := mlambda.NewLoop(cfg, handlerFactory, logger)
	return loop.Run(ctx)
}

// handlerFactory is the cold-start construction point: replace this
// with real user handler wiring (mlambda.BufferedHandlerFunc,
// mlambda.StreamingHandlerFunc, or a codec-decoded handler).
func handlerFactory() (any, error) {
	return mlambda.BufferedHandlerFunc(func(ctx *mlambda.Context, event []byte) ([]byte, error) {
		reversed := make([]byte, len(event))
		for i, b := range event {
			reversed[len(event)-1-i] = b
		}
		return reversed, nil
	}), nil
}

