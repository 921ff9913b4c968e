package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/playground/internal/auth"
	"github.com/loykin/playground/internal/scenario"
	"github.com/loykin/playground/internal/store"
)

// Executions is the execution service behind the playground endpoints.
type Executions interface {
	Trigger(ctx context.Context, userID string, req scenario.Request) (string, error)
	Get(ctx context.Context, userID, id string) (store.Execution, error)
	History(ctx context.Context, userID string, limit, offset int) ([]store.Execution, error)
	Cancel(ctx context.Context, userID, id string) error
}

// Catalog lists scenarios and checks category tooling.
type Catalog interface {
	List(category string) ([]scenario.Descriptor, error)
	CheckPrerequisites(ctx context.Context, category string) scenario.Prerequisite
}

// Sessions issues, validates and revokes session tokens.
type Sessions interface {
	auth.Authenticator
	Login(ctx context.Context, username, password string) (auth.Token, store.User, error)
	Register(ctx context.Context, username, password string) (store.User, error)
	Revoke(ctx context.Context, token string) error
}

// Statistics reports per-user outcome counts and running executions.
type Statistics interface {
	UserStatistics(ctx context.Context, userID string) (store.UserStats, error)
	ListRunning(ctx context.Context) ([]store.RunningExecution, error)
}

// HTTPObserver records request metrics.
type HTTPObserver interface {
	ObserveHTTP(method, path string, status int, d time.Duration)
}

// Options are the collaborators of the router. Executions, Catalog and
// Sessions are required; the others are mounted only when set.
type Options struct {
	BasePath   string
	Executions Executions
	Catalog    Catalog
	Sessions   Sessions
	// AuthRateLimit bounds login and register attempts per client address.
	AuthRateLimit RateLimit
	// Statistics serves /api/user/statistics and /api/statistics/active.
	Statistics Statistics
	// Live serves the WebSocket endpoint at {base}/ws.
	Live http.Handler
	// Metrics is mounted at {base}/metrics.
	Metrics  http.Handler
	Observer HTTPObserver
	Logger   *slog.Logger
}

// Router provides the HTTP API of the playground.
// Endpoints (relative to basePath):
//
//	GET  /health
//	GET  /ws
//	GET  /metrics
//	POST /api/auth/register | /api/auth/login | /api/auth/logout
//	GET  /api/auth/verify
//	GET  /api/user/statistics
//	GET  /api/statistics/active
//	POST /api/playground/execute
//	GET  /api/playground/execution/:id
//	POST /api/playground/execution/:id/cancel
//	GET  /api/playground/history
//	GET  /api/playground/scenarios/:playgroundType
//	POST /api/playground/check-prerequisites
type Router struct {
	opts     Options
	basePath string
	logger   *slog.Logger
	started  time.Time
}

func NewRouter(opts Options) *Router {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath), logger: l, started: time.Now()}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	// client addresses come from the connection, not X-Forwarded-For
	_ = g.SetTrustedProxies(nil)
	g.Use(gin.Recovery(), r.observe())
	root := g.Group(r.basePath)
	root.GET("/health", r.handleHealth)
	if r.opts.Live != nil {
		root.GET("/ws", gin.WrapH(r.opts.Live))
	}
	if r.opts.Metrics != nil {
		root.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}

	api := root.Group("/api")
	NewAuthAPI(r.opts.Sessions, r.opts.AuthRateLimit).RegisterAuthEndpoints(api)

	requireAuth := auth.NewMiddleware(r.opts.Sessions).GinAuth()
	if r.opts.Statistics != nil {
		api.GET("/user/statistics", requireAuth, r.handleUserStatistics)
		api.GET("/statistics/active", requireAuth, r.handleActiveExecutions)
	}

	play := api.Group("/playground", requireAuth)
	{
		play.POST("/execute", r.handleExecute)
		play.GET("/execution/:id", r.handleExecution)
		play.POST("/execution/:id/cancel", r.handleCancel)
		play.GET("/history", r.handleHistory)
		play.GET("/scenarios/:playgroundType", r.handleScenarios)
		play.POST("/check-prerequisites", r.handlePrerequisites)
	}
	return g
}

// NewServer builds an HTTP server on addr using this router. The caller
// starts it and stops it with Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// hijacked /ws connections manage their own deadlines
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type healthResp struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(r.started).Seconds(),
	})
}
