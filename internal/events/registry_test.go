package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldiez/studio/internal/common/config"
	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/events/bus"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "studio.runs.started", Subject(RunStarted))
	assert.Equal(t, "studio.runs.ended", Subject(RunEnded))
	assert.Equal(t, "studio.kernel.started", Subject(KernelStarted))
	assert.Equal(t, "studio.ping", Subject("ping"))
}

func TestProvideDefaultsToMemory(t *testing.T) {
	provided, cleanup, err := Provide(config.EventsConfig{}, logger.Nop())
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, "memory", provided.Kind())
	assert.NotNil(t, provided.Memory)
	assert.Nil(t, provided.NATS)
	assert.True(t, provided.Bus.IsConnected())
}

func TestRunRegistry_TracksRunsOverBus(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Nop())
	defer b.Close()

	reg := NewRunRegistry()
	require.NoError(t, reg.Attach(b))
	defer reg.Close()

	pub := NewPublisher(b, "runner", logger.Nop())
	ctx := context.Background()
	pub.Publish(ctx, RunStarted, map[string]any{"run_id": "a", "path": "/w/a.py", "kind": "run"})
	pub.Publish(ctx, RunStarted, map[string]any{"run_id": "b", "path": "/w/b.waldiez", "kind": "flow"})
	pub.KernelNotifier()(KernelStarted, nil)

	require.Eventually(t, func() bool {
		return len(reg.Runs()) == 2 && reg.Kernel().Running
	}, 2*time.Second, 10*time.Millisecond)

	runs := reg.Runs()
	assert.Equal(t, "runner", runs[0].Source)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{runs[0].ID, runs[1].ID})

	pub.Publish(ctx, RunEnded, map[string]any{"run_id": "a", "status": "ok"})
	pub.KernelNotifier()(KernelStopped, nil)
	require.Eventually(t, func() bool {
		runs := reg.Runs()
		return len(runs) == 1 && runs[0].ID == "b" && !reg.Kernel().Running
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunRegistry_EndBeforeStart(t *testing.T) {
	reg := NewRunRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Handle(ctx, bus.NewEvent(RunEnded, "x", map[string]any{"run_id": "late"})))
	require.NoError(t, reg.Handle(ctx, bus.NewEvent(RunStarted, "x", map[string]any{"run_id": "late"})))
	assert.Empty(t, reg.Runs())

	assert.Error(t, reg.Handle(ctx, bus.NewEvent(RunStarted, "x", map[string]any{})))
	assert.NoError(t, reg.Handle(ctx, bus.NewEvent("something.else", "x", nil)))
}

func TestNilPublisherIsNoop(t *testing.T) {
	var pub *Publisher
	pub.Publish(context.Background(), RunStarted, nil)
	pub.KernelNotifier()(KernelStarted, nil)
}

func TestRunsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := NewRunRegistry()
	require.NoError(t, reg.Handle(context.Background(),
		bus.NewEvent(RunStarted, "runner", map[string]any{"run_id": "r1", "path": "/w/a.py", "kind": "run"})))

	router := gin.New()
	RegisterRoutes(router.Group("/api"), reg)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body RunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "r1", body.Runs[0].ID)
	assert.Equal(t, "/w/a.py", body.Runs[0].Path)
	assert.False(t, body.Kernel.Running)
}
