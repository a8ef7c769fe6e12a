package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ricochet1k/ragstream/internal/logging"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeTemp(t, `endpoint: wss://rag.example.com/ws/query
tasks_endpoint: wss://rag.example.com/ws/tasks
token: abc123
heartbeat_interval: 15s
reconnect:
  base_delay: 500ms
  max_delay: 10s
  max_attempts: 3
strict_decoding: true
log:
  level: debug
  format: json
transcripts_dir: /var/lib/ragstream
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://rag.example.com/ws/query", cfg.Endpoint)
	assert.Equal(t, "wss://rag.example.com/ws/tasks", cfg.TasksEndpoint)
	assert.Equal(t, "abc123", cfg.Token)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.BaseDelay.Duration)
	assert.Equal(t, 10*time.Second, cfg.Reconnect.MaxDelay.Duration)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.True(t, cfg.StrictDecoding)
	assert.Equal(t, logging.Config{Level: "debug", Format: logging.FormatJSON}, cfg.Log)
	assert.Equal(t, "/var/lib/ragstream", cfg.TranscriptsDir)
	require.NoError(t, cfg.Validate())

	sup := cfg.Supervisor()
	assert.Equal(t, 15*time.Second, sup.HeartbeatInterval)
	assert.Equal(t, 3, sup.Reconnect.MaxAttempts)

	sc := cfg.Stream()
	assert.Equal(t, "abc123", sc.Credential)
	assert.True(t, sc.StrictDecoding)
	assert.Equal(t, "wss://rag.example.com/ws/tasks", cfg.Tasks().Endpoint)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTemp(t, "token: only-token\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, "only-token", cfg.Token)
	assert.Equal(t, def.Endpoint, cfg.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval.Duration)
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay.Duration)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay.Duration)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("RAGSTREAM_TEST_TOKEN", "from-env")
	path := writeTemp(t, `token: ${RAGSTREAM_TEST_TOKEN}
endpoint: ${RAGSTREAM_TEST_UNSET:-ws://fallback:9000/ws/query}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, "ws://fallback:9000/ws/query", cfg.Endpoint)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "config file not found")

	_, err = Load(writeTemp(t, "endpoint: [unclosed\n"))
	require.ErrorContains(t, err, "invalid YAML")

	_, err = Load(writeTemp(t, "heartbeat_interval: soon\n"))
	require.ErrorContains(t, err, "invalid duration")
}

func TestLoadOptional_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "http endpoint accepted", mutate: func(c *Config) { c.Endpoint = "http://localhost/ws/query" }},
		{name: "missing endpoint", mutate: func(c *Config) { c.Endpoint = "" }, wantErr: "endpoint is required"},
		{name: "bad scheme", mutate: func(c *Config) { c.TasksEndpoint = "ftp://x" }, wantErr: "tasks_endpoint"},
		{name: "zero base delay", mutate: func(c *Config) { c.Reconnect.BaseDelay = Duration{} }, wantErr: "base_delay"},
		{name: "cap below base", mutate: func(c *Config) { c.Reconnect.MaxDelay = Duration{time.Millisecond} }, wantErr: "max_delay"},
		{name: "negative attempts", mutate: func(c *Config) { c.Reconnect.MaxAttempts = -1 }, wantErr: "max_attempts"},
		{name: "unknown log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDuration_MarshalRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration{90 * time.Second}})
	require.NoError(t, err)
	assert.Equal(t, "d: 1m30s\n", string(out))
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("RS_SET", "value")
	t.Setenv("RS_EMPTY", "")

	tests := []struct {
		in, want string
	}{
		{"${RS_SET}", "value"},
		{"${RS_EMPTY}", ""},
		{"${RS_EMPTY:-fallback}", "fallback"},
		{"${RS_MISSING:-}", ""},
		{"${RS_MISSING:-ws://x}", "ws://x"},
		{"prefix-${RS_SET}-suffix", "prefix-value-suffix"},
		{"$RS_SET", "$RS_SET"},
		{"# token: ${RS_MISSING}", "# token: ${RS_MISSING}"},
	}
	for _, tt := range tests {
		got, err := ExpandEnv(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestExpandEnv_ReportsUnsetVariables(t *testing.T) {
	t.Setenv("RS_SET", "value")

	out, err := ExpandEnv("endpoint: ${RS_SET}\ntoken: ${RS_MISSING_TOKEN}\nname: ${RS_MISSING_NAME}\n")
	var unset *UnsetEnvError
	require.ErrorAs(t, err, &unset)
	assert.Equal(t, []UnsetVar{{Name: "RS_MISSING_TOKEN", Line: 2}, {Name: "RS_MISSING_NAME", Line: 3}}, unset.Vars)
	assert.Equal(t, "endpoint: value\ntoken: \nname: \n", out)
}

func TestLoad_UnsetVariableIsAnError(t *testing.T) {
	path := writeTemp(t, "endpoint: ws://localhost:8080/ws/query\ntoken: ${RAGSTREAM_TEST_NEVER_SET}\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "RAGSTREAM_TEST_NEVER_SET (line 2)")
}
