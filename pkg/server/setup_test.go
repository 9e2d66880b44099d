package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ManagementAddr = "127.0.0.1:0"
	cfg.InferenceAddr = "127.0.0.1:0"
	cfg.StateFilePath = filepath.Join(t.TempDir(), "state.json")
	cfg.Logger = discardLogger()
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.ManagementAddr)
	assert.Equal(t, ":8081", cfg.InferenceAddr)
	assert.Empty(t, cfg.OpenAICompatAddr)
	assert.Equal(t, int32(64), cfg.MaxBufferedRequests)
	assert.Equal(t, 30*time.Second, cfg.BufferedRequestTimeout)
	assert.NotEmpty(t, cfg.StateFilePath)
}

func TestSetup_AssemblesEveryComponent(t *testing.T) {
	components, err := Setup(context.Background(), testConfig(t))
	require.NoError(t, err)

	assert.NotNil(t, components.Pool)
	assert.NotNil(t, components.Registry)
	assert.NotNil(t, components.Dispatcher)
	assert.NotNil(t, components.Store)
	assert.NotNil(t, components.Reconciler)
	assert.NotNil(t, components.Controller)
	assert.NotNil(t, components.AgentChannel)
	assert.NotNil(t, components.Metrics)
	assert.NotNil(t, components.HealthChecker)
	assert.NotNil(t, components.ManagementServer)
	assert.NotNil(t, components.InferenceServer)

	// OpenAI-compat surface is opt-in.
	assert.Nil(t, components.OpenAIServer)

	// No AuditDBPath/RedisURL configured, so these stay unset rather than
	// half-initialized.
	assert.Nil(t, components.AuditLogger)
	assert.Nil(t, components.RedisClient)
	assert.Nil(t, components.DB)
}

func TestSetup_OpenAICompatSurfaceOptIn(t *testing.T) {
	cfg := testConfig(t)
	cfg.OpenAICompatAddr = "127.0.0.1:0"

	components, err := Setup(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, components.OpenAIServer)
}

func TestSetup_RejectsUnreadableStateFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.StateFilePath = filepath.Join(t.TempDir(), "not-json.json")
	require.NoError(t, os.WriteFile(cfg.StateFilePath, []byte("{not valid json"), 0o644))

	_, err := Setup(context.Background(), cfg)
	assert.Error(t, err)
}

func TestManagementRouter_HealthAndMetrics(t *testing.T) {
	components, err := Setup(context.Background(), testConfig(t))
	require.NoError(t, err)

	router := components.managementRouter(context.Background())

	for _, path := range []string{"/healthz", "/ready", "/live", "/metrics", "/metrics/json"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.NotEqual(t, http.StatusNotFound, w.Code, "path %s should be registered", path)
	}
}

func TestManagementRouter_DesiredStateRoundTrip(t *testing.T) {
	components, err := Setup(context.Background(), testConfig(t))
	require.NoError(t, err)

	router := components.managementRouter(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/balancer_desired_state", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInferenceRouter_RegistersEndpoints(t *testing.T) {
	components, err := Setup(context.Background(), testConfig(t))
	require.NoError(t, err)

	router := components.inferenceRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate_embedding_batch", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	// Malformed (empty) body is a client error, not a missing route.
	assert.NotEqual(t, http.StatusNotFound, w.Code)
}

func TestRun_StartsAndStopsOnContextCancel(t *testing.T) {
	components, err := Setup(context.Background(), testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- components.Run(ctx) }()

	// Give the listeners a moment to bind before tearing down.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runErrCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestShutdown_IdempotentWithoutOptionalResources(t *testing.T) {
	components, err := Setup(context.Background(), testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(t, components.Shutdown(ctx))
	// Shutting down twice must not panic or error just because the
	// servers are already closed.
	assert.NoError(t, components.Shutdown(ctx))
}
