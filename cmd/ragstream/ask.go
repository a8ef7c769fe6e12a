package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/internal/metrics"
	"github.com/ricochet1k/ragstream/internal/storage"
	"github.com/ricochet1k/ragstream/internal/stream"
)

const exitInterrupted = 130

func askCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Stream the answer to a query",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "filter",
				Usage: "Search filter as key=value; JSON values are decoded (repeatable)",
			},
			&cli.StringFlag{
				Name:  "search-type",
				Usage: "Search strategy hint passed to the service",
			},
			&cli.BoolFlag{
				Name:  "save",
				Usage: "Append the final state to the transcript store",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the final state as JSON instead of streaming text",
			},
		},
		Action: askAction,
	}
}

func askAction(c *cli.Context) error {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return cli.Exit("a query is required", 2)
	}
	filters, err := parseFilters(c.StringSlice("filter"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector()
	defer printStats(c, m)

	q := stream.Query{Text: text, Filters: filters, SearchType: c.String("search-type")}
	sess, err := stream.New(cfg.Stream(), q, stream.WithLogger(logger), stream.WithMetrics(m))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	updates := sess.Subscribe(64)
	if err := sess.Start(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	out := c.App.Writer
	printed := 0
	for st := range updates.C {
		if c.Bool("json") {
			continue
		}
		if len(st.AccumulatedText) > printed {
			fmt.Fprint(out, st.AccumulatedText[printed:])
			printed = len(st.AccumulatedText)
		}
	}

	final := sess.Snapshot()
	if c.Bool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(final); err != nil {
			return err
		}
	} else {
		if printed > 0 {
			fmt.Fprintln(out)
		}
		printSources(out, final)
	}

	if c.Bool("save") {
		if err := saveTranscript(cfg.TranscriptsDir, final); err != nil {
			logger.Warn("failed to save transcript", zap.Error(err))
		}
	}

	return exitStatus(final, sess.Err())
}

// parseFilters turns key=value pairs into a filter object. Values that parse
// as JSON keep their type so numbers and booleans survive.
func parseFilters(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filters := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q: want key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		filters[key] = value
	}
	return filters, nil
}

func printSources(w io.Writer, st stream.State) {
	ordered := st.OrderedSources()
	if len(ordered) == 0 {
		return
	}
	visible := make(map[string]bool, len(st.VisibleRefs))
	for _, ref := range st.VisibleRefs {
		visible[ref] = true
	}
	fmt.Fprintln(w, "\nSources:")
	for _, src := range ordered {
		marker := " "
		if visible[src.RefID] {
			marker = "*"
		}
		line := fmt.Sprintf("%s [%s] %s", marker, src.RefID, src.Title)
		if src.Page != nil {
			line += fmt.Sprintf(" (p. %d)", *src.Page)
		}
		fmt.Fprintln(w, line)
	}
}

func saveTranscript(dir string, st stream.State) error {
	if dir == "" {
		dir = storage.DefaultBaseDir()
	}
	store, err := storage.NewTranscriptStore(dir)
	if err != nil {
		return err
	}
	return store.Append(storage.TranscriptFromState(st))
}

func exitStatus(st stream.State, err error) error {
	switch st.Phase {
	case domain.PhaseCompleted:
		return nil
	case domain.PhaseCancelled:
		return cli.Exit("interrupted", exitInterrupted)
	default:
		if err == nil {
			err = errors.New(st.Error)
		}
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
}
