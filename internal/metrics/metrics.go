package metrics

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/loykin/playground/internal/store"
)

const (
	DefaultNamespace       = "devops_playground"
	DefaultRefreshInterval = 10 * time.Second
	activeUserWindow       = 24 * time.Hour
)

var ErrAlreadyReconciled = errors.New("metrics already reconciled")

// DurationBuckets are the execution duration histogram buckets in seconds.
var DurationBuckets = []float64{1, 5, 10, 30, 60, 120, 300}

var httpBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5}

// OutcomeSource provides historical execution totals for reconciliation.
type OutcomeSource interface {
	CountOutcomes(ctx context.Context) ([]store.OutcomeCount, error)
}

// UserSource provides the values of the user gauges.
type UserSource interface {
	CountUsers(ctx context.Context) (int64, error)
	CountActiveUsers(ctx context.Context, since time.Time) (int64, error)
}

type Config struct {
	Namespace       string        `mapstructure:"namespace"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	// GoCollectors adds the Go runtime and process collectors to the registry.
	GoCollectors bool `mapstructure:"go_collectors"`
}

// Aggregator owns every playground collector on its own registry. Counters
// survive restarts through Reconcile; gauges describing current activity
// start at zero and follow live events only.
type Aggregator struct {
	reg    *prometheus.Registry
	logger *slog.Logger
	cfg    Config

	usersTotal       prometheus.Gauge
	usersActive      prometheus.Gauge
	activeExecutions prometheus.Gauge
	wsConnections    prometheus.Gauge

	executionsTotal      *prometheus.CounterVec
	executionsSuccessful *prometheus.CounterVec
	executionsFailed     *prometheus.CounterVec
	executionDuration    *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	reconciled atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) (*Aggregator, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ns := cfg.Namespace
	a := &Aggregator{
		reg:    prometheus.NewRegistry(),
		logger: logger,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		usersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "users_total",
			Help:      "Total number of registered users.",
		}),
		usersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "users_active",
			Help:      "Users that started an execution in the last 24 hours.",
		}),
		activeExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_executions",
			Help:      "Number of currently running executions.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "websocket_connections",
			Help:      "Authenticated live connections currently open.",
		}),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "executions_total",
			Help:      "Total number of finished scenario executions.",
		}, []string{"playground", "scenario", "status"}),
		executionsSuccessful: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "executions_successful",
			Help:      "Number of successful executions.",
		}, []string{"playground", "scenario"}),
		executionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "executions_failed",
			Help:      "Number of failed executions.",
		}, []string{"playground", "scenario"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of scenario executions.",
			Buckets:   DurationBuckets,
		}, []string{"playground", "scenario", "status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   httpBuckets,
		}, []string{"method", "path", "status"}),
	}
	cs := []prometheus.Collector{
		a.usersTotal, a.usersActive, a.activeExecutions, a.wsConnections,
		a.executionsTotal, a.executionsSuccessful, a.executionsFailed, a.executionDuration,
		a.httpRequests, a.httpDuration,
	}
	if cfg.GoCollectors {
		cs = append(cs, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	for _, c := range cs {
		if err := a.Register(c); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Register adds an extra collector, ignoring duplicates.
func (a *Aggregator) Register(c prometheus.Collector) error {
	if err := a.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// RegisterDB exports database/sql pool statistics under db_name.
func (a *Aggregator) RegisterDB(db *sql.DB, name string) error {
	return a.Register(collectors.NewDBStatsCollector(db, name))
}

func (a *Aggregator) Registry() *prometheus.Registry { return a.reg }

func normalizeStatus(status string) string {
	if status == string(store.StatusSuccess) {
		return string(store.StatusSuccess)
	}
	return string(store.StatusFailed)
}

func (a *Aggregator) OnExecutionStarted(category, scenario string) {
	a.activeExecutions.Inc()
	a.logger.Debug("execution started", "category", category, "scenario", scenario)
}

// OnExecutionCompleted records a finished execution. Any status other than
// success counts as failed.
func (a *Aggregator) OnExecutionCompleted(category, scenario, status string, durationSeconds float64) {
	a.activeExecutions.Dec()
	st := normalizeStatus(status)
	a.executionsTotal.WithLabelValues(category, scenario, st).Inc()
	if st == string(store.StatusSuccess) {
		a.executionsSuccessful.WithLabelValues(category, scenario).Inc()
	} else {
		a.executionsFailed.WithLabelValues(category, scenario).Inc()
	}
	if durationSeconds >= 0 {
		a.executionDuration.WithLabelValues(category, scenario, st).Observe(durationSeconds)
	}
}

func (a *Aggregator) ConnectionOpened() { a.wsConnections.Inc() }

func (a *Aggregator) ConnectionClosed() { a.wsConnections.Dec() }

func (a *Aggregator) ObserveHTTP(method, path string, status int, d time.Duration) {
	code := statusText(status)
	a.httpRequests.WithLabelValues(method, path, code).Inc()
	a.httpDuration.WithLabelValues(method, path, code).Observe(d.Seconds())
}

// Reconcile seeds the execution counters from persisted history. It must run
// before new executions are accepted and succeeds at most once.
func (a *Aggregator) Reconcile(ctx context.Context, src OutcomeSource) error {
	if a.reconciled.Load() {
		return ErrAlreadyReconciled
	}
	counts, err := src.CountOutcomes(ctx)
	if err != nil {
		return err
	}
	if !a.reconciled.CompareAndSwap(false, true) {
		return ErrAlreadyReconciled
	}
	var total int64
	for _, c := range counts {
		if !c.Status.Terminal() || c.Count <= 0 {
			continue
		}
		n := float64(c.Count)
		a.executionsTotal.WithLabelValues(c.Category, c.Scenario, string(c.Status)).Add(n)
		if c.Status == store.StatusSuccess {
			a.executionsSuccessful.WithLabelValues(c.Category, c.Scenario).Add(n)
		} else {
			a.executionsFailed.WithLabelValues(c.Category, c.Scenario).Add(n)
		}
		total += c.Count
	}
	a.logger.Info("metrics reconciled from history", "groups", len(counts), "executions", total)
	return nil
}

// Refresh updates the user gauges from src.
func (a *Aggregator) Refresh(ctx context.Context, src UserSource) error {
	total, err := src.CountUsers(ctx)
	if err != nil {
		return err
	}
	active, err := src.CountActiveUsers(ctx, time.Now().Add(-activeUserWindow))
	if err != nil {
		return err
	}
	a.usersTotal.Set(float64(total))
	a.usersActive.Set(float64(active))
	return nil
}

// Start refreshes the user gauges immediately and then every RefreshInterval until Stop or ctx is done.
func (a *Aggregator) Start(ctx context.Context, src UserSource) {
	a.refreshOnce(ctx, src)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.refreshOnce(ctx, src)
			}
		}
	}()
}

func (a *Aggregator) refreshOnce(ctx context.Context, src UserSource) {
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RefreshInterval)
	defer cancel()
	if err := a.Refresh(rctx, src); err != nil {
		a.logger.Warn("metrics refresh failed", "error", err)
	}
}

// Stop stops the periodic refresh.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// Handler serves the registry in the Prometheus exposition format.
func (a *Aggregator) Handler() http.Handler {
	return promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg})
}

// WriteText writes every metric family in the Prometheus text format.
func (a *Aggregator) WriteText(w io.Writer) error {
	mfs, err := a.reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
