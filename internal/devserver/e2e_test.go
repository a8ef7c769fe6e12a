package devserver_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ricochet1k/ragstream/internal/devserver"
	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/internal/metrics"
	"github.com/ricochet1k/ragstream/internal/stream"
	"github.com/ricochet1k/ragstream/internal/supervisor"
	"github.com/ricochet1k/ragstream/internal/tasks"
)

func startBackend(t *testing.T, cfg devserver.Config) (*devserver.Server, string) {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	s := devserver.New(cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv.URL
}

func fastSupervisor() supervisor.Config {
	return supervisor.Config{
		Reconnect: supervisor.Policy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 5},
	}
}

func ask(t *testing.T, base, token string, q string) stream.State {
	t.Helper()
	sess, err := stream.Start(context.Background(), stream.Config{
		Endpoint:   base + "/ws/query",
		Credential: token,
		Supervisor: fastSupervisor(),
	}, stream.Query{Text: q}, stream.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(sess.Cancel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, _ := sess.Wait(ctx)
	require.True(t, st.Phase.IsTerminal(), "session still %s", st.Phase)
	return st
}

func TestEndToEnd_AnswerWithSources(t *testing.T) {
	answer := devserver.DefaultAnswer()
	answer.ChunksPerSecond = 0
	_, base := startBackend(t, devserver.Config{Token: "tok", Query: answer})

	st := ask(t, base, "tok", "what is rag?")

	assert.Equal(t, domain.PhaseCompleted, st.Phase)
	assert.Equal(t, answer.Text, st.AccumulatedText)
	assert.Len(t, st.Sources, 2)
	assert.Equal(t, []string{"1", "2"}, st.VisibleRefs)
	assert.Zero(t, st.ProtocolErrors)
	require.NotNil(t, st.Sources["1"].Page)
	assert.Equal(t, 3, *st.Sources["1"].Page)
}

func TestEndToEnd_ResumesAfterDrop(t *testing.T) {
	answer := devserver.DefaultAnswer()
	answer.ChunksPerSecond = 0
	answer.DropAfter = 4
	_, base := startBackend(t, devserver.Config{Query: answer})

	st := ask(t, base, "", "what is rag?")

	assert.Equal(t, domain.PhaseCompleted, st.Phase)
	assert.Equal(t, answer.Text, st.AccumulatedText, "resumed stream must not repeat text")
	assert.Equal(t, 1, st.ReconnectAttempts)
	assert.Len(t, st.Sources, 2, "sources survive the reconnect")
}

func TestEndToEnd_ServerError(t *testing.T) {
	_, base := startBackend(t, devserver.Config{Query: devserver.ErrorAnswer{Partial: "Par", Message: "index offline"}})

	st := ask(t, base, "", "q")

	assert.Equal(t, domain.PhaseErrored, st.Phase)
	assert.Equal(t, "Par", st.AccumulatedText)
	assert.Equal(t, "index offline", st.Error)
}

func TestEndToEnd_DanglingReference(t *testing.T) {
	_, base := startBackend(t, devserver.Config{Query: devserver.DanglingAnswer{}})

	st := ask(t, base, "", "q")

	assert.Equal(t, domain.PhaseCompleted, st.Phase)
	assert.Equal(t, "X", st.AccumulatedText)
	assert.Empty(t, st.ActiveRef)
	assert.Empty(t, st.VisibleRefs)
	assert.Equal(t, 1, st.ProtocolErrors)
}

func openRegistry(t *testing.T, base, token string, m *metrics.Collector) *tasks.Registry {
	t.Helper()
	r := tasks.New(tasks.Config{
		Endpoint:   "ws" + strings.TrimPrefix(base, "http") + "/ws/tasks",
		Credential: token,
		Supervisor: fastSupervisor(),
	}, tasks.WithLogger(zaptest.NewLogger(t)), tasks.WithMetrics(m))
	require.NoError(t, r.Open(context.Background()))
	t.Cleanup(r.Close)
	return r
}

func TestEndToEnd_TaskRegistry(t *testing.T) {
	backend, base := startBackend(t, devserver.Config{Token: "tok", TaskStep: time.Hour})
	existing := backend.Tasks().Create("existing")

	m := metrics.NewCollector()
	r := openRegistry(t, base, "tok", m)

	require.Eventually(t, func() bool {
		_, ok := r.Get(existing.ID)
		return ok
	}, 3*time.Second, 5*time.Millisecond, "initial task list")

	created := backend.Tasks().Create("reindex")
	require.Eventually(t, func() bool {
		_, ok := r.Get(created.ID)
		return ok
	}, 3*time.Second, 5*time.Millisecond, "pushed task")

	require.True(t, r.Cancel(created.ID))
	require.Eventually(t, func() bool {
		rec, _ := r.Get(created.ID)
		return rec.Status == domain.TaskStatusCancelled
	}, 3*time.Second, 5*time.Millisecond)
	assert.False(t, r.Cancel(created.ID), "cancelled tasks are terminal")
	assert.EqualValues(t, 1, m.Snapshot().CancelRequestsSent)
}

func TestEndToEnd_RevokeClearsRegistry(t *testing.T) {
	backend, base := startBackend(t, devserver.Config{TaskStep: time.Hour})
	task := backend.Tasks().Create("existing")

	r := openRegistry(t, base, "", nil)
	require.Eventually(t, func() bool {
		_, ok := r.Get(task.ID)
		return ok
	}, 3*time.Second, 5*time.Millisecond)

	backend.Revoke()

	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("registry did not stop after revocation")
	}
	assert.True(t, errors.Is(r.Err(), tasks.ErrUnauthenticated))
	assert.Empty(t, r.Snapshot())
}
