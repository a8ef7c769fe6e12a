package main

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ricochet1k/ragstream/internal/devserver"
)

type cliEnv struct {
	backend    *devserver.Server
	configPath string
}

func newCLIEnv(t *testing.T, cfg devserver.Config) *cliEnv {
	t.Helper()
	backend := devserver.New(cfg)
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(func() {
		backend.Close()
		srv.Close()
	})

	ws := "ws" + strings.TrimPrefix(srv.URL, "http")
	dir := t.TempDir()
	path := filepath.Join(dir, "ragstream.yaml")
	content := "endpoint: " + ws + "/ws/query\n" +
		"tasks_endpoint: " + ws + "/ws/tasks\n" +
		"transcripts_dir: " + filepath.Join(dir, "data") + "\n" +
		"reconnect:\n  base_delay: 5ms\n  max_delay: 20ms\n" +
		"log:\n  level: error\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliEnv{backend: backend, configPath: path}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp(&stdout, &stderr)
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"ragstream", "--config", e.configPath}, args...))
	return stdout.String(), err
}

func exitCode(err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestAsk_PrintsAnswerAndSources(t *testing.T) {
	answer := devserver.DefaultAnswer()
	answer.ChunksPerSecond = 0
	env := newCLIEnv(t, devserver.Config{Token: "tok", Query: answer})

	out, err := env.run(t, "--token", "tok", "ask", "what", "is", "rag?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.HasPrefix(out, answer.Text+"\n") {
		t.Fatalf("output does not start with the answer:\n%s", out)
	}
	if !strings.Contains(out, "* [1] Retrieval-Augmented Generation (p. 3)") {
		t.Fatalf("output missing first source:\n%s", out)
	}
	if !strings.Contains(out, "* [2] Streaming Responses") {
		t.Fatalf("output missing second source:\n%s", out)
	}
}

func TestAsk_ServerErrorExitsWithOne(t *testing.T) {
	env := newCLIEnv(t, devserver.Config{Query: devserver.ErrorAnswer{Message: "index offline"}})

	_, err := env.run(t, "ask", "q")
	if code := exitCode(err); code != 1 {
		t.Fatalf("exit code = %d (%v), want 1", code, err)
	}
	if !strings.Contains(err.Error(), "index offline") {
		t.Fatalf("error = %v, want server message", err)
	}
}

func TestAsk_RequiresQuery(t *testing.T) {
	env := newCLIEnv(t, devserver.Config{})
	_, err := env.run(t, "ask")
	if code := exitCode(err); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestAsk_SaveThenListTranscripts(t *testing.T) {
	answer := devserver.DefaultAnswer()
	answer.ChunksPerSecond = 0
	env := newCLIEnv(t, devserver.Config{Query: answer})

	if _, err := env.run(t, "ask", "--save", "what is rag?"); err != nil {
		t.Fatalf("ask: %v", err)
	}

	out, err := env.run(t, "transcripts", "list")
	if err != nil {
		t.Fatalf("transcripts list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("list output = %q, want header and one row", out)
	}
	if !strings.Contains(lines[1], "completed") || !strings.Contains(lines[1], "what is rag?") {
		t.Fatalf("row = %q", lines[1])
	}

	id := strings.Fields(lines[1])[0]
	shown, err := env.run(t, "transcripts", "show", id)
	if err != nil {
		t.Fatalf("transcripts show: %v", err)
	}
	if !strings.Contains(shown, `"phase": "completed"`) {
		t.Fatalf("show output = %s", shown)
	}

	if _, err := env.run(t, "transcripts", "rm", id); err != nil {
		t.Fatalf("transcripts rm: %v", err)
	}
	if _, err := env.run(t, "transcripts", "show", id); exitCode(err) != 1 {
		t.Fatalf("show after rm = %v, want exit 1", err)
	}
}

func TestTasksCancel(t *testing.T) {
	env := newCLIEnv(t, devserver.Config{TaskStep: time.Hour})
	task := env.backend.Tasks().Create("reindex")

	out, err := env.run(t, "tasks", "cancel", "--timeout", "3s", task.ID)
	if err != nil {
		t.Fatalf("tasks cancel: %v", err)
	}
	if !strings.Contains(out, task.ID) || !strings.Contains(out, "cancelled") {
		t.Fatalf("output = %q", out)
	}
	if got, _ := env.backend.Tasks().Get(task.ID); got.Status != "cancelled" {
		t.Fatalf("backend status = %s, want cancelled", got.Status)
	}
}

func TestTasksCancel_UnknownTaskTimesOut(t *testing.T) {
	env := newCLIEnv(t, devserver.Config{})
	_, err := env.run(t, "tasks", "cancel", "--timeout", "50ms", "missing")
	if code := exitCode(err); code != 1 {
		t.Fatalf("exit code = %d (%v), want 1", code, err)
	}
}

func TestParseFilters(t *testing.T) {
	got, err := parseFilters([]string{"year=2024", "lang=en", "draft=false", `tags=["a","b"]`})
	if err != nil {
		t.Fatalf("parseFilters: %v", err)
	}
	if got["year"] != float64(2024) || got["lang"] != "en" || got["draft"] != false {
		t.Fatalf("filters = %#v", got)
	}
	if tags, ok := got["tags"].([]any); !ok || len(tags) != 2 {
		t.Fatalf("tags = %#v", got["tags"])
	}
	if _, err := parseFilters([]string{"novalue"}); err == nil {
		t.Fatal("expected error for a pair without '='")
	}
}
