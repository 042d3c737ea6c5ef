package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/phrazzld/glyph-api/internal/config"
	"github.com/phrazzld/glyph-api/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	keys := filepath.Join(t.TempDir(), "api_keys.json")
	require.NoError(t, os.WriteFile(keys, []byte(`{"keys":[{"id":"k1","api_key":"secret-1"}]}`), 0o600))

	return &config.Config{
		Server: config.ServerConfig{
			Port:            0,
			LogLevel:        "error",
			ShutdownTimeout: time.Second,
			MaxImages:       10,
			MaxUploadBytes:  1 << 20,
			MaxTotalBytes:   5 << 20,
		},
		Redis: config.RedisConfig{Addr: memoryAddr},
		LLM: config.LLMConfig{
			Model:          "gemini-2.5-flash-lite",
			APIKeysFile:    keys,
			CallTimeout:    time.Second,
			RetryBaseDelay: 10 * time.Millisecond,
		},
		Credentials: config.CredentialsConfig{
			DefaultRPM:       60,
			DefaultRPD:       1440,
			DefaultTPM:       32000,
			FailureThreshold: 1,
			BaseCooldown:     time.Second,
			MaxCooldown:      time.Minute,
			QuotaCooldown:    time.Minute,
			DisableDuration:  time.Hour,
		},
		Queue: config.QueueConfig{
			LeaseDuration: time.Minute,
			ReapInterval:  time.Second,
			Retention:     time.Hour,
		},
		Worker: config.WorkerConfig{
			IdlePoll:        10 * time.Millisecond,
			ShutdownTimeout: time.Second,
		},
		Autoscale: config.AutoscaleConfig{MaxWorkers: 10},
		Poll: config.PollConfig{
			Interval: 5 * time.Millisecond,
			MaxWait:  50 * time.Millisecond,
		},
	}
}

func newTestApplication(t *testing.T) *application {
	t.Helper()
	app, err := newApplication(context.Background(), testConfig(t), logger.Discard(), "test-instance")
	require.NoError(t, err)
	t.Cleanup(app.cleanup)
	return app
}

func TestRouter(t *testing.T) {
	app := newTestApplication(t)
	router := app.setupRouter()

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "glyph_")
	})

	t.Run("languages", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/translate/languages", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Vietnamese", body["default"])
	})

	t.Run("unknown task", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/translate/result/missing?timeout=0", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("stats without autoscaler", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/monitoring/stats", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Nil(t, body["autoscaler"])
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	app := newTestApplication(t)
	app.config.Worker.InitialCount = 2

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.pool.Count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, app.pool.Count())
}

func TestNewApplicationFailsWithoutKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.APIKeysFile = filepath.Join(t.TempDir(), "missing.json")

	_, err := newApplication(context.Background(), cfg, logger.Discard(), "test-instance")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api keys")
}

func TestCommandTree(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "migrate", "keys", "archive"}, names)

	migrate, _, err := root.Find([]string{"migrate"})
	require.NoError(t, err)
	assert.Error(t, migrate.Args(migrate, []string{"sideways"}))
	assert.NoError(t, migrate.Args(migrate, []string{"up"}))
}

func TestMaskDatabaseURL(t *testing.T) {
	masked := maskDatabaseURL("postgres://glyph:hunter2@db:5432/glyph?sslmode=disable")
	assert.False(t, strings.Contains(masked, "hunter2"))
	assert.Contains(t, masked, "glyph:xxxxx@db:5432")
	assert.Equal(t, "invalid-url", maskDatabaseURL("postgres://%zz"))
}
