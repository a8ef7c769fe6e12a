package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/internal/metrics"
	"github.com/ricochet1k/ragstream/internal/tasks"
)

func tasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Watch and cancel background tasks",
		Subcommands: []*cli.Command{
			{
				Name:   "watch",
				Usage:  "Print task updates as they arrive",
				Action: tasksWatchAction,
			},
			{
				Name:      "cancel",
				Usage:     "Request cancellation of a task and wait for the outcome",
				ArgsUsage: "<task-id>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "How long to wait for the task to appear and then to finish",
						Value: 10 * time.Second,
					},
				},
				Action: tasksCancelAction,
			},
		},
	}
}

func openRegistry(ctx context.Context, c *cli.Context, m *metrics.Collector, onUpdate func(tasks.Update)) (*tasks.Registry, error) {
	cfg, logger, err := setup(c)
	if err != nil {
		return nil, err
	}
	if cfg.TasksEndpoint == "" {
		return nil, cli.Exit("tasks_endpoint is not configured", 2)
	}
	r := tasks.New(cfg.Tasks(), tasks.WithLogger(logger), tasks.WithMetrics(m))
	r.Subscribe(onUpdate)
	if err := r.Open(ctx); err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return r, nil
}

func printTask(w io.Writer, rec domain.TaskRecord) {
	line := fmt.Sprintf("%s  %-9s  %s", rec.ID, rec.Status, rec.Description)
	if rec.Error != "" {
		line += "  (" + rec.Error + ")"
	}
	fmt.Fprintln(w, line)
}

func tasksWatchAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := c.App.Writer
	m := metrics.NewCollector()
	defer printStats(c, m)

	r, err := openRegistry(ctx, c, m, func(u tasks.Update) {
		switch {
		case u.Cleared:
			fmt.Fprintln(out, "-- tasks cleared")
		case u.Changed != nil:
			printTask(out, *u.Changed)
		}
	})
	if err != nil {
		return err
	}
	defer r.Close()

	<-r.Done()
	return registryExit(ctx, r.Err())
}

func tasksCancelAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("a task id is required", 2)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	timeout := c.Duration("timeout")

	m := metrics.NewCollector()
	defer printStats(c, m)

	seen := make(chan domain.TaskRecord, 1)
	finished := make(chan domain.TaskRecord, 1)
	var seenOnce sync.Once
	r, err := openRegistry(ctx, c, m, func(u tasks.Update) {
		rec, ok := u.Tasks[id]
		if !ok {
			return
		}
		seenOnce.Do(func() { seen <- rec })
		if rec.Status.IsTerminal() {
			select {
			case finished <- rec:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer r.Close()

	wait := func(ch <-chan domain.TaskRecord, what string) (domain.TaskRecord, error) {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case rec := <-ch:
			return rec, nil
		case <-timer.C:
			return domain.TaskRecord{}, cli.Exit(fmt.Sprintf("timed out waiting for task %s to %s", id, what), 1)
		case <-r.Done():
			return domain.TaskRecord{}, registryExit(ctx, r.Err())
		case <-ctx.Done():
			return domain.TaskRecord{}, cli.Exit("interrupted", exitInterrupted)
		}
	}

	rec, err := wait(seen, "appear")
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		printTask(c.App.Writer, rec)
		return cli.Exit(fmt.Sprintf("task %s already %s", id, rec.Status), 1)
	}
	if !r.Cancel(id) {
		return cli.Exit(fmt.Sprintf("cancel request for %s could not be sent", id), 1)
	}

	rec, err = wait(finished, "finish")
	if err != nil {
		return err
	}
	printTask(c.App.Writer, rec)
	if rec.Status != domain.TaskStatusCancelled {
		return cli.Exit(fmt.Sprintf("task %s finished as %s", id, rec.Status), 1)
	}
	return nil
}

func registryExit(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return cli.Exit("interrupted", exitInterrupted)
	case errors.Is(err, tasks.ErrUnauthenticated):
		return cli.Exit("task stream lost authentication", 1)
	case err != nil:
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	default:
		return nil
	}
}
