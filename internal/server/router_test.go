package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/playground/internal/auth"
	"github.com/loykin/playground/internal/execution"
	"github.com/loykin/playground/internal/scenario"
	"github.com/loykin/playground/internal/store"
	"github.com/loykin/playground/internal/store/sqlite"
)

type fakeExecutions struct {
	mu        sync.Mutex
	triggered []scenario.Request
	execs     map[string]store.Execution
	running   map[string]bool
	limit     int
	offset    int
	err       error
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{execs: map[string]store.Execution{}, running: map[string]bool{}}
}

func (f *fakeExecutions) Trigger(_ context.Context, userID string, req scenario.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.triggered = append(f.triggered, req)
	id := "exec-" + req.Scenario
	f.execs[id] = store.Execution{ID: id, UserID: userID, Category: req.Category, Scenario: req.Scenario, Status: store.StatusPending}
	f.running[id] = true
	return id, nil
}

func (f *fakeExecutions) Get(_ context.Context, userID, id string) (store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok || e.UserID != userID {
		return store.Execution{}, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeExecutions) History(_ context.Context, userID string, limit, offset int) ([]store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit, f.offset = limit, offset
	out := []store.Execution{}
	for _, e := range f.execs {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeExecutions) Cancel(ctx context.Context, userID, id string) error {
	if _, err := f.Get(ctx, userID, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[id] {
		return execution.ErrNotRunning
	}
	f.running[id] = false
	return nil
}

type httpObs struct {
	mu    sync.Mutex
	paths map[string]int
}

func (o *httpObs) ObserveHTTP(_, path string, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paths == nil {
		o.paths = map[string]int{}
	}
	o.paths[path]++
}

type fixture struct {
	handler http.Handler
	execs   *fakeExecutions
	authSvc *auth.Service
	obs     *httpObs
	db      *sqlite.DB
	token   string
	userID  string
}

func setupRouter(t *testing.T, base string) *fixture {
	t.Helper()
	return setupRouterWith(t, base, nil)
}

func setupRouterWith(t *testing.T, base string, tweak func(*Options)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))

	svc, err := auth.NewService(auth.Config{JWTSecret: "test-secret", BcryptCost: 4}, db)
	require.NoError(t, err)
	u, err := svc.CreateUser(context.Background(), "alice", "wonderland")
	require.NoError(t, err)
	tok, err := svc.Issue(context.Background(), u.ID)
	require.NoError(t, err)

	root := t.TempDir()
	dir := filepath.Join(root, "scripting", "hello")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"),
		[]byte(`{"name":"hello","description":"says hello","difficulty":"beginner"}`), 0o644))

	f := &fixture{execs: newFakeExecutions(), authSvc: svc, obs: &httpObs{}, db: db, token: tok.Value, userID: u.ID}
	opts := Options{
		BasePath:   base,
		Executions: f.execs,
		Catalog:    scenario.NewResolver(root),
		Sessions:   svc,
		Statistics: db,
		Live:       http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics\n") }),
		Observer:   f.obs,
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.handler = NewRouter(opts).Handler()
	return f
}

func doReq(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := setupRouter(t, "/pg")
	rec := doReq(t, f.handler, http.MethodGet, "/pg/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[healthResp](t, rec)
	assert.Equal(t, "healthy", h.Status)
	assert.GreaterOrEqual(t, h.Uptime, 0.0)
	assert.Equal(t, 1, f.obs.paths["/pg/health"])
}

func TestLiveAndMetricsMounted(t *testing.T) {
	f := setupRouter(t, "")
	assert.Equal(t, http.StatusTeapot, doReq(t, f.handler, http.MethodGet, "/ws", "", nil).Code)
	rec := doReq(t, f.handler, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestPlaygroundRequiresToken(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.handler, http.MethodGet, "/api/playground/history", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	e := decode[ErrorResponse](t, rec)
	assert.Equal(t, "authentication_failed", e.Error)

	rec = doReq(t, f.handler, http.MethodGet, "/api/playground/history", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginLogoutVerify(t *testing.T) {
	f := setupRouter(t, "")

	rec := doReq(t, f.handler, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "alice", Password: "nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid credentials", decode[ErrorResponse](t, rec).Message)

	rec = doReq(t, f.handler, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "alice"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, f.handler, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "alice", Password: "wonderland"})
	require.Equal(t, http.StatusOK, rec.Code)
	login := decode[loginResp](t, rec)
	assert.Equal(t, "Login successful", login.Message)
	assert.Equal(t, "alice", login.User.Username)
	require.NotEmpty(t, login.Token)

	rec = doReq(t, f.handler, http.MethodGet, "/api/auth/verify", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[verifyResp](t, rec)
	assert.True(t, v.Valid)
	assert.Equal(t, f.userID, v.UserID)

	rec = doReq(t, f.handler, http.MethodPost, "/api/auth/logout", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, f.handler, http.MethodPost, "/api/auth/logout", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Logout successful", decode[messageResp](t, rec).Message)

	// the revoked session no longer authenticates
	rec = doReq(t, f.handler, http.MethodGet, "/api/auth/verify", login.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = doReq(t, f.handler, http.MethodGet, "/api/playground/history", login.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExecute(t *testing.T) {
	f := setupRouter(t, "")

	rec := doReq(t, f.handler, http.MethodPost, "/api/playground/execute", f.token, executeRequest{PlaygroundType: "scripting"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode[ErrorResponse](t, rec).Error)

	rec = doReq(t, f.handler, http.MethodPost, "/api/playground/execute", f.token,
		executeRequest{PlaygroundType: "scripting", ScenarioName: "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[executeResp](t, rec)
	assert.Equal(t, "Scenario execution started", resp.Message)
	assert.Equal(t, "exec-hello", resp.ExecutionID)

	rec = doReq(t, f.handler, http.MethodPost, "/api/playground/execute", f.token,
		executeRequest{PlaygroundType: "scripting", ScenarioName: "loops", ScriptName: "for"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Script 'for' execution started", decode[executeResp](t, rec).Message)

	require.Len(t, f.execs.triggered, 2)
	assert.Equal(t, scenario.Request{Category: "scripting", Scenario: "loops", Script: "for"}, f.execs.triggered[1])
}

func TestExecuteWhileShuttingDown(t *testing.T) {
	f := setupRouter(t, "")
	f.execs.err = execution.ErrShuttingDown
	rec := doReq(t, f.handler, http.MethodPost, "/api/playground/execute", f.token,
		executeRequest{PlaygroundType: "scripting", ScenarioName: "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestExecutionStatusAndCancel(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.handler, http.MethodPost, "/api/playground/execute", f.token,
		executeRequest{PlaygroundType: "scripting", ScenarioName: "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[executeResp](t, rec).ExecutionID

	rec = doReq(t, f.handler, http.MethodGet, "/api/playground/execution/"+id, f.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	e := decode[store.Execution](t, rec)
	assert.Equal(t, "hello", e.Scenario)
	assert.Equal(t, store.StatusPending, e.Status)

	rec = doReq(t, f.handler, http.MethodGet, "/api/playground/execution/missing", f.token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Execution not found", decode[ErrorResponse](t, rec).Message)

	rec = doReq(t, f.handler, http.MethodPost, "/api/playground/execution/"+id+"/cancel", f.token, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = doReq(t, f.handler, http.MethodPost, "/api/playground/execution/"+id+"/cancel", f.token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doReq(t, f.handler, http.MethodPost, "/api/playground/execution/missing/cancel", f.token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutionOfAnotherUser(t *testing.T) {
	f := setupRouter(t, "")
	f.execs.execs["theirs"] = store.Execution{ID: "theirs", UserID: "someone-else"}
	rec := doReq(t, f.handler, http.MethodGet, "/api/playground/execution/theirs", f.token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryPaging(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.handler, http.MethodGet, "/api/playground/history?limit=5&offset=10", f.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, f.execs.limit)
	assert.Equal(t, 10, f.execs.offset)
	assert.NotNil(t, decode[historyResp](t, rec).Executions)

	rec = doReq(t, f.handler, http.MethodGet, "/api/playground/history?limit=abc", f.token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenarios(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.handler, http.MethodGet, "/api/playground/scenarios/scripting", f.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[scenariosResp](t, rec).Scenarios
	require.Len(t, list, 1)
	assert.Equal(t, "says hello", list[0].Description)

	rec = doReq(t, f.handler, http.MethodGet, "/api/playground/scenarios/terraform", f.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[scenariosResp](t, rec).Scenarios)

	rec = doReq(t, f.handler, http.MethodGet, "/api/playground/scenarios/cobol", f.token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckPrerequisites(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.handler, http.MethodPost, "/api/playground/check-prerequisites", f.token, prerequisiteRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Playground type is required", decode[ErrorResponse](t, rec).Message)

	rec = doReq(t, f.handler, http.MethodPost, "/api/playground/check-prerequisites", f.token,
		prerequisiteRequest{PlaygroundType: "cobol"})
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[scenario.Prerequisite](t, rec)
	assert.False(t, p.Ready)
	assert.Equal(t, "Unknown playground type: cobol", p.Message)
}

func TestUnmatchedRouteObserved(t *testing.T) {
	f := setupRouter(t, "")
	assert.Equal(t, http.StatusNotFound, doReq(t, f.handler, http.MethodGet, "/nope", "", nil).Code)
	assert.Equal(t, 1, f.obs.paths["unmatched"])
}

func TestRegister(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.handler, http.MethodPost, "/api/auth/register", "",
		map[string]string{"username": "bob_1", "password": "Sup3r!secret"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decode[registerResp](t, rec)
	assert.Equal(t, "User registered successfully", reg.Message)
	assert.Equal(t, "bob_1", reg.User.Username)
	assert.NotEmpty(t, reg.User.ID)

	u, err := f.db.GetUserByUsername(context.Background(), "bob_1")
	require.NoError(t, err)
	assert.NotEqual(t, "Sup3r!secret", u.PasswordHash)
	assert.Equal(t, http.StatusOK, doReq(t, f.handler, http.MethodPost, "/api/auth/login", "",
		loginRequest{Username: "bob_1", Password: "Sup3r!secret"}).Code)

	rec = doReq(t, f.handler, http.MethodPost, "/api/auth/register", "",
		map[string]string{"username": "bob_1", "password": "An0ther!pass"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Username already exists", decode[ErrorResponse](t, rec).Message)

	rec = doReq(t, f.handler, http.MethodPost, "/api/auth/register", "",
		map[string]string{"username": "x", "password": "Sup3r!secret"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Message, "Username must be 3-50 characters")

	rec = doReq(t, f.handler, http.MethodPost, "/api/auth/register", "",
		map[string]string{"username": "carol", "password": "weak"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Message, "Password must be at least 8 characters")
}

func TestAuthRateLimit(t *testing.T) {
	f := setupRouterWith(t, "", func(o *Options) {
		o.AuthRateLimit = RateLimit{Attempts: 2, Window: time.Hour}
	})
	bad := loginRequest{Username: "alice", Password: "wrong"}
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusUnauthorized, doReq(t, f.handler, http.MethodPost, "/api/auth/login", "", bad).Code)
	}
	rec := doReq(t, f.handler, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "alice", Password: "wonderland"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, rec).Error)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// register shares the budget
	rec = doReq(t, f.handler, http.MethodPost, "/api/auth/register", "",
		map[string]string{"username": "dave", "password": "Sup3r!secret"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// another client address has its own budget
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		bytes.NewReader([]byte(`{"username":"alice","password":"wonderland"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:4000"
	other := httptest.NewRecorder()
	f.handler.ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)

	// verify and logout are not limited
	assert.Equal(t, http.StatusOK, doReq(t, f.handler, http.MethodGet, "/api/auth/verify", f.token, nil).Code)
}

func TestClientLimiterRefills(t *testing.T) {
	l := newClientLimiter(RateLimit{Attempts: 2, Window: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, _ := l.allow("a")
		require.True(t, ok)
	}
	ok, wait := l.allow("a")
	require.False(t, ok)
	assert.InDelta(t, 30.0, wait.Seconds(), 1.0)

	now = now.Add(31 * time.Second)
	ok, _ = l.allow("a")
	assert.True(t, ok)

	// idle buckets are dropped after a window
	now = now.Add(2 * time.Minute)
	ok, _ = l.allow("b")
	assert.True(t, ok)
	l.mu.Lock()
	_, kept := l.clients["a"]
	l.mu.Unlock()
	assert.False(t, kept)
}

func TestUserStatistics(t *testing.T) {
	f := setupRouter(t, "")
	require.Equal(t, http.StatusUnauthorized, doReq(t, f.handler, http.MethodGet, "/api/user/statistics", "", nil).Code)

	rec := doReq(t, f.handler, http.MethodGet, "/api/user/statistics", f.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decode[map[string]any](t, rec)
	assert.Equal(t, 0.0, empty["total_executions"])
	assert.Nil(t, empty["last_execution"])

	ctx := context.Background()
	code := 0
	for i, st := range []store.Status{store.StatusSuccess, store.StatusFailed, store.StatusSuccess} {
		id := fmt.Sprintf("s-%d", i)
		require.NoError(t, f.db.CreateExecution(ctx, &store.Execution{ID: id, UserID: f.userID, Category: "scripting", Scenario: "hello"}))
		require.NoError(t, f.db.CompleteExecution(ctx, id, store.Completion{Status: st, ExitCode: &code}))
	}
	require.NoError(t, f.db.CreateExecution(ctx, &store.Execution{ID: "other", UserID: "someone-else", Category: "scripting", Scenario: "hello"}))

	rec = doReq(t, f.handler, http.MethodGet, "/api/user/statistics", f.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[store.UserStats](t, rec)
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, int64(2), st.Successful)
	assert.Equal(t, int64(1), st.Failed)
	assert.NotNil(t, st.LastExecution)
}

func TestActiveExecutions(t *testing.T) {
	f := setupRouter(t, "")
	ctx := context.Background()
	started := time.Now().Add(-90 * time.Second)
	require.NoError(t, f.db.CreateExecution(ctx, &store.Execution{ID: "run-1", UserID: f.userID, Category: "scripting", Scenario: "hello", StartedAt: started}))
	require.NoError(t, f.db.MarkRunning(ctx, "run-1"))
	require.NoError(t, f.db.CreateExecution(ctx, &store.Execution{ID: "pend-1", UserID: f.userID, Category: "scripting", Scenario: "hello"}))

	require.Equal(t, http.StatusUnauthorized, doReq(t, f.handler, http.MethodGet, "/api/statistics/active", "", nil).Code)
	rec := doReq(t, f.handler, http.MethodGet, "/api/statistics/active", f.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ActiveExecutions []struct {
			ID              string  `json:"id"`
			Username        string  `json:"username"`
			Status          string  `json:"status"`
			DurationSeconds float64 `json:"duration_seconds"`
		} `json:"activeExecutions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.ActiveExecutions, 1)
	a := body.ActiveExecutions[0]
	assert.Equal(t, "run-1", a.ID)
	assert.Equal(t, "alice", a.Username)
	assert.Equal(t, "running", a.Status)
	assert.GreaterOrEqual(t, a.DurationSeconds, 89.0)
}

func TestStatisticsRoutesOptional(t *testing.T) {
	f := setupRouterWith(t, "", func(o *Options) { o.Statistics = nil })
	assert.Equal(t, http.StatusNotFound, doReq(t, f.handler, http.MethodGet, "/api/statistics/active", f.token, nil).Code)
}
