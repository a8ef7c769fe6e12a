// ragstream-devserver is a scripted answer backend for local demos and
// end-to-end tests. It serves the query and task streams without any
// retrieval or model behind them.
//
// Usage:
//
//	ragstream-devserver --addr :8080 --token secret --drop-after 5
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ricochet1k/ragstream/internal/devserver"
	"github.com/ricochet1k/ragstream/internal/logging"
)

func main() {
	app := &cli.App{
		Name:  "ragstream-devserver",
		Usage: "Serve scripted answers and demo tasks over the streaming protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "Listen address"},
			&cli.StringFlag{Name: "token", EnvVars: []string{"RAGSTREAM_TOKEN"}, Usage: "Required credential; empty disables auth"},
			&cli.StringFlag{Name: "scenario", Value: "normal", Usage: "Answer script: normal, dangling, error"},
			&cli.Float64Flag{Name: "rate", Value: 20, Usage: "Chunks per second; 0 streams as fast as possible"},
			&cli.IntFlag{Name: "drop-after", Usage: "Drop the first connection of each query after this many chunks"},
			&cli.DurationFlag{Name: "task-step", Value: 2 * time.Second, Usage: "Time between task status changes"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "Log level"},
			&cli.StringFlag{Name: "log-format", Value: logging.FormatConsole, Usage: "Log format: console, json"},
		},
		Action: serve,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func queryHandler(c *cli.Context) (devserver.QueryHandler, error) {
	switch c.String("scenario") {
	case "normal":
		answer := devserver.DefaultAnswer()
		answer.ChunksPerSecond = c.Float64("rate")
		answer.DropAfter = c.Int("drop-after")
		return answer, nil
	case "dangling":
		return devserver.DanglingAnswer{}, nil
	case "error":
		return devserver.ErrorAnswer{Partial: "Looking that up... ", Message: "search index unavailable"}, nil
	default:
		return nil, fmt.Errorf("unknown scenario %q", c.String("scenario"))
	}
}

func serve(c *cli.Context) error {
	logger, err := logging.New(logging.Config{Level: c.String("log-level"), Format: c.String("log-format")}, os.Stderr)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	handler, err := queryHandler(c)
	if err != nil {
		return err
	}

	backend := devserver.New(devserver.Config{
		Token:    c.String("token"),
		Query:    handler,
		TaskStep: c.Duration("task-step"),
		Logger:   logger,
	})
	defer backend.Close()

	server := &http.Server{
		Addr:              c.String("addr"),
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devserver listening",
			zap.String("addr", server.Addr),
			zap.String("scenario", c.String("scenario")),
			zap.Bool("auth", c.String("token") != ""))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Shutdown does not wait for hijacked websocket connections; Close on the
	// backend ends those.
	backend.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("devserver stopped")
	return nil
}
