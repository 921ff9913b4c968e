package playground

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/playground/internal/config"
	"github.com/loykin/playground/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Store.DSN = "sqlite://" + filepath.Join(dir, "app.db")
	cfg.Scenarios.Root = filepath.Join(dir, "scenarios")
	cfg.Auth.JWTSecret = "app-test-secret"
	cfg.Auth.BcryptCost = 4
	cfg.Server.Listen = "127.0.0.1:0"
	return cfg
}

func writeScenario(t *testing.T, root, category, name, script string) {
	t.Helper()
	dir := filepath.Join(root, category, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "script.sh"), []byte(script), 0o755))
}

func post(t *testing.T, h http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAppExecutesScenarioOverHTTP(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("scenario scripts need bash")
	}
	cfg := testConfig(t)
	writeScenario(t, cfg.Scenarios.Root, "scripting", "hello", "echo hello from $EXECUTION_ID\n")

	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	require.NoError(t, app.Prepare(context.Background()))

	_, err = app.Auth().CreateUser(context.Background(), "bob", "builder")
	require.NoError(t, err)
	h := app.Handler()

	rec := post(t, h, "/api/auth/login", "", map[string]string{"username": "bob", "password": "builder"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	rec = post(t, h, "/api/playground/execute", login.Token, map[string]string{"playgroundType": "scripting", "scenarioName": "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started struct {
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.True(t, app.WaitExecutions(10*time.Second))

	req := httptest.NewRequest(http.MethodGet, "/api/playground/execution/"+started.ExecutionID, nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	var e store.Execution
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &e))
	assert.Equal(t, store.StatusSuccess, e.Status)
	require.NotNil(t, e.ExitCode)
	assert.Equal(t, 0, *e.ExitCode)
	assert.Equal(t, "hello from "+started.ExecutionID+"\n", e.Logs)

	snap, err := app.Metrics().Snapshot()
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Executions)
}

func TestAppPrepareFailsOrphans(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ctx := context.Background()
	e := store.Execution{ID: "left-over", UserID: "u", Category: "scripting", Scenario: "hello", StartedAt: time.Now()}
	require.NoError(t, app.Store().CreateExecution(ctx, &e))
	require.NoError(t, app.Store().MarkRunning(ctx, e.ID))

	require.NoError(t, app.Prepare(ctx))
	got, err := app.Store().GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.Logs, OrphanReason)
}

func TestAppRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.ProcessMetrics.Enabled = true
	cfg.Metrics.ProcessMetrics.Interval = 50 * time.Millisecond
	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRejectsBadCategoryCommand(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scenarios.Categories = []config.CategoryConfig{{Name: "ansible", Command: `ansible-playbook "unterminated`}}
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ansible"), err.Error())
}
