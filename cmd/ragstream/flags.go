package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ricochet1k/ragstream/internal/config"
	"github.com/ricochet1k/ragstream/internal/logging"
	"github.com/ricochet1k/ragstream/internal/metrics"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the YAML config file",
			Value:   config.DefaultFile,
			EnvVars: []string{"RAGSTREAM_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "endpoint",
			Usage:   "Query endpoint (ws, wss, http or https URL)",
			EnvVars: []string{"RAGSTREAM_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "tasks-endpoint",
			Usage:   "Task stream endpoint",
			EnvVars: []string{"RAGSTREAM_TASKS_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "Credential sent as the first message of every connection",
			EnvVars: []string{"RAGSTREAM_TOKEN"},
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "Treat malformed frames as fatal",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format: console, json",
		},
		&cli.BoolFlag{
			Name:  "stats",
			Usage: "Print connection and decoding counters on exit",
		},
	}
}

// loadConfig reads the config file and applies flag overrides. A missing
// file is only an error when --config was given explicitly.
func loadConfig(c *cli.Context) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if c.IsSet("config") {
		cfg, err = config.Load(c.String("config"))
	} else {
		cfg, err = config.LoadOptional(c.String("config"))
	}
	if err != nil {
		return cfg, err
	}

	if c.IsSet("endpoint") {
		cfg.Endpoint = c.String("endpoint")
	}
	if c.IsSet("tasks-endpoint") {
		cfg.TasksEndpoint = c.String("tasks-endpoint")
	}
	if c.IsSet("token") {
		cfg.Token = c.String("token")
	}
	if c.IsSet("strict") {
		cfg.StrictDecoding = c.Bool("strict")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setup loads configuration and builds the logger every command shares.
func setup(c *cli.Context) (config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return cfg, nil, cli.Exit(err.Error(), 2)
	}
	logger, err := logging.New(cfg.Log, c.App.ErrWriter)
	if err != nil {
		return cfg, nil, cli.Exit(err.Error(), 2)
	}
	return cfg, logger, nil
}

func printStats(c *cli.Context, m *metrics.Collector) {
	if !c.Bool("stats") {
		return
	}
	out, err := yaml.Marshal(m.Snapshot())
	if err != nil {
		return
	}
	fmt.Fprintf(c.App.ErrWriter, "---\n%s", out)
}
