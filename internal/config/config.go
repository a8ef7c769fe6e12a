package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ricochet1k/ragstream/internal/logging"
	"github.com/ricochet1k/ragstream/internal/stream"
	"github.com/ricochet1k/ragstream/internal/supervisor"
	"github.com/ricochet1k/ragstream/internal/tasks"
)

const DefaultFile = "ragstream.yaml"

// Config mirrors ragstream.yaml. CLI flags override file values.
type Config struct {
	Endpoint          string          `yaml:"endpoint"`
	TasksEndpoint     string          `yaml:"tasks_endpoint"`
	Token             string          `yaml:"token"`
	HeartbeatInterval Duration        `yaml:"heartbeat_interval"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	StrictDecoding    bool            `yaml:"strict_decoding"`
	Log               logging.Config  `yaml:"log"`
	TranscriptsDir    string          `yaml:"transcripts_dir"`
}

type ReconnectConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func Default() Config {
	return Config{
		Endpoint:          "ws://localhost:8080/ws/query",
		TasksEndpoint:     "ws://localhost:8080/ws/tasks",
		HeartbeatInterval: Duration{supervisor.DefaultHeartbeatInterval},
		Reconnect: ReconnectConfig{
			BaseDelay:   Duration{supervisor.DefaultBaseDelay},
			MaxDelay:    Duration{supervisor.DefaultMaxDelay},
			MaxAttempts: supervisor.DefaultMaxAttempts,
		},
		Log:            logging.Config{Level: "info", Format: logging.FormatConsole},
		TranscriptsDir: ".ragstream",
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if _, err := supervisor.WebSocketURL(c.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("endpoint: %w", err))
	}
	if c.TasksEndpoint != "" {
		if _, err := supervisor.WebSocketURL(c.TasksEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("tasks_endpoint: %w", err))
		}
	}
	if c.HeartbeatInterval.Duration < 0 {
		errs = append(errs, errors.New("heartbeat_interval must not be negative"))
	}
	if c.Reconnect.BaseDelay.Duration <= 0 {
		errs = append(errs, errors.New("reconnect.base_delay must be positive"))
	}
	if c.Reconnect.MaxDelay.Duration < c.Reconnect.BaseDelay.Duration {
		errs = append(errs, errors.New("reconnect.max_delay must be at least reconnect.base_delay"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	switch c.Log.Format {
	case "", logging.FormatJSON, logging.FormatConsole:
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be %q or %q", c.Log.Format, logging.FormatJSON, logging.FormatConsole))
	}
	return errors.Join(errs...)
}

func (c Config) Supervisor() supervisor.Config {
	return supervisor.Config{
		HeartbeatInterval: c.HeartbeatInterval.Duration,
		Reconnect: supervisor.Policy{
			BaseDelay:   c.Reconnect.BaseDelay.Duration,
			MaxDelay:    c.Reconnect.MaxDelay.Duration,
			MaxAttempts: c.Reconnect.MaxAttempts,
		},
	}
}

func (c Config) Stream() stream.Config {
	return stream.Config{
		Endpoint:       c.Endpoint,
		Credential:     c.Token,
		StrictDecoding: c.StrictDecoding,
		Supervisor:     c.Supervisor(),
	}
}

func (c Config) Tasks() tasks.Config {
	return tasks.Config{
		Endpoint:   c.TasksEndpoint,
		Credential: c.Token,
		Supervisor: c.Supervisor(),
	}
}
