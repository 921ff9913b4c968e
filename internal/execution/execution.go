// Package execution runs scenarios on behalf of users.
//
// Every accepted trigger gets its own run, which owns the spawned process,
// forwards its output to the owner's live connections, and is the only
// writer of the execution's terminal state.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/playground/internal/event"
	"github.com/loykin/playground/internal/history"
	"github.com/loykin/playground/internal/logger"
	"github.com/loykin/playground/internal/metrics"
	"github.com/loykin/playground/internal/process"
	"github.com/loykin/playground/internal/scenario"
	"github.com/loykin/playground/internal/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
	DefaultQueueSize    = 256
)

var (
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrNotRunning     = errors.New("execution is not running")
	ErrShuttingDown   = errors.New("execution service is shutting down")
)

// Resolver turns a request into a launch spec without running anything.
type Resolver interface {
	Resolve(req scenario.Request) (process.LaunchSpec, error)
}

// Publisher delivers live events to every open connection of a user.
type Publisher interface {
	Deliver(userID string, ev event.Event) int
}

// Recorder is told about execution lifecycle transitions.
type Recorder interface {
	OnExecutionStarted(category, scenario string)
	OnExecutionCompleted(category, scenario, status string, durationSeconds float64)
}

// Exporter receives one event per finished execution. Publish must not block.
type Exporter interface {
	Publish(e history.Event) bool
}

type Config struct {
	// QueueSize bounds the output lines buffered between a process and its run.
	QueueSize    int `mapstructure:"queue_size"`
	MaxLineBytes int `mapstructure:"max_line_bytes"`
}

type Option func(*Service)

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

func WithExporter(e Exporter) Option {
	return func(s *Service) { s.exporter = e }
}

// WithArchive tees the raw output of each run to the files described by cfg.
func WithArchive(cfg logger.Config) Option {
	return func(s *Service) {
		if cfg.File.Dir != "" || cfg.File.StdoutPath != "" || cfg.File.StderrPath != "" {
			s.archive = &cfg
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service accepts triggers and owns the in-flight runs.
type Service struct {
	store     store.ExecutionStore
	resolver  Resolver
	publisher Publisher
	recorder  Recorder
	exporter  Exporter
	archive   *logger.Config
	cfg       Config
	logger    *slog.Logger

	// base is cancelled by Shutdown and parents every run.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*run
	closed  bool
}

func NewService(st store.ExecutionStore, res Resolver, pub Publisher, cfg Config, opts ...Option) (*Service, error) {
	if st == nil || res == nil || pub == nil {
		return nil, errors.New("execution service needs a store, a resolver and a publisher")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	s := &Service{
		store:     st,
		resolver:  res,
		publisher: pub,
		recorder:  nopRecorder{},
		cfg:       cfg,
		logger:    slog.Default(),
		running:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Trigger persists a pending execution and starts running it in the
// background. It returns as soon as the record exists.
func (s *Service) Trigger(ctx context.Context, userID string, req scenario.Request) (string, error) {
	req.Category = strings.TrimSpace(req.Category)
	req.Scenario = strings.TrimSpace(req.Scenario)
	req.Script = strings.TrimSpace(req.Script)
	switch {
	case userID == "":
		return "", fmt.Errorf("%w: missing user", ErrInvalidRequest)
	case req.Category == "":
		return "", fmt.Errorf("%w: missing playground type", ErrInvalidRequest)
	case req.Scenario == "":
		return "", fmt.Errorf("%w: missing scenario name", ErrInvalidRequest)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	exec := store.Execution{
		ID:        uuid.NewString(),
		UserID:    userID,
		Category:  req.Category,
		Scenario:  req.Scenario,
		Script:    req.Script,
		StartedAt: time.Now(),
	}
	if err := s.store.CreateExecution(ctx, &exec); err != nil {
		s.wg.Done()
		return "", fmt.Errorf("create execution: %w", err)
	}

	r := s.newRun(exec)
	s.mu.Lock()
	s.running[exec.ID] = r
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		r.execute()
	}()
	return exec.ID, nil
}

// Get returns an execution owned by userID. Executions of other users are
// reported as store.ErrNotFound.
func (s *Service) Get(ctx context.Context, userID, id string) (store.Execution, error) {
	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return store.Execution{}, err
	}
	if e.UserID != userID {
		return store.Execution{}, store.ErrNotFound
	}
	return e, nil
}

// History lists the executions of userID, newest first, without their logs.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]store.Execution, error) {
	limit, offset = ClampPage(limit, offset)
	list, err := s.store.ListExecutions(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Logs = ""
	}
	return list, nil
}

// ClampPage applies the history paging defaults and bounds.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Cancel stops a running execution of userID. The run still writes its own
// terminal state, as failed with reason "cancelled".
func (s *Service) Cancel(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	r, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		if r.exec.UserID != userID {
			return store.ErrNotFound
		}
		r.cancel()
		return nil
	}
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return ErrNotRunning
}

// Running reports the number of in-flight executions.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Active lists the spawned processes of in-flight executions.
func (s *Service) Active() []metrics.ActiveProcess {
	s.mu.Lock()
	out := make([]metrics.ActiveProcess, 0, len(s.running))
	for _, r := range s.running {
		if pid := r.PID(); pid > 0 {
			out = append(out, metrics.ActiveProcess{
				ExecutionID: r.exec.ID,
				Category:    r.exec.Category,
				Scenario:    r.exec.Scenario,
				PID:         int32(pid), // #nosec G115 -- pids fit in int32
			})
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out
}

// Wait blocks until every run has written its terminal state.
func (s *Service) Wait() { s.wg.Wait() }

// Shutdown refuses new triggers, cancels in-flight runs and waits for them
// to finish until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Service) shuttingDown() bool { return s.base.Err() != nil }

type nopRecorder struct{}

func (nopRecorder) OnExecutionStarted(string, string)                     {}
func (nopRecorder) OnExecutionCompleted(string, string, string, float64) {}
