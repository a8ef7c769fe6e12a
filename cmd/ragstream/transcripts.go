package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ricochet1k/ragstream/internal/storage"
)

func transcriptsCommand() *cli.Command {
	return &cli.Command{
		Name:  "transcripts",
		Usage: "Inspect saved answers",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List saved sessions, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "Output format: table, json", Value: "table"},
				},
				Action: transcriptsListAction,
			},
			{
				Name:      "show",
				Usage:     "Print the latest saved record of a session as JSON",
				ArgsUsage: "<session-id>",
				Action:    transcriptsShowAction,
			},
			{
				Name:      "rm",
				Usage:     "Delete a saved session",
				ArgsUsage: "<session-id>",
				Action:    transcriptsRemoveAction,
			},
		},
	}
}

func openStore(c *cli.Context) (*storage.TranscriptStore, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	dir := cfg.TranscriptsDir
	if dir == "" {
		dir = storage.DefaultBaseDir()
	}
	store, err := storage.NewTranscriptStore(dir)
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return store, nil
}

func transcriptsListAction(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	list, err := store.List()
	// List returns the readable transcripts alongside a ListError for the rest.
	var listErr *storage.ListError
	if err != nil && !errors.As(err, &listErr) {
		return cli.Exit(err.Error(), 1)
	}

	switch c.String("format") {
	case "json":
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(list); err != nil {
			return err
		}
	case "table":
		tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tPHASE\tFINISHED\tQUERY")
		for _, t := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.SessionID, t.Phase, t.FinishedAt.Local().Format(time.DateTime), truncate(t.Query, 60))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	default:
		return cli.Exit(fmt.Sprintf("unknown format %q", c.String("format")), 2)
	}

	if listErr != nil {
		fmt.Fprintln(c.App.ErrWriter, listErr.Error())
	}
	return nil
}

func transcriptsShowAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("a session id is required", 2)
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}
	t, err := store.Latest(id)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

func transcriptsRemoveAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("a session id is required", 2)
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}
	if err := store.Delete(id); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
