package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/playground/internal/event"
	"github.com/loykin/playground/internal/history"
	"github.com/loykin/playground/internal/process"
	"github.com/loykin/playground/internal/scenario"
	"github.com/loykin/playground/internal/store"
)

const (
	persistTimeout = 10 * time.Second
	retryDelay     = 500 * time.Millisecond
)

// run drives one execution: pending, then running once spawned, then
// success or failed.
type run struct {
	svc    *Service
	exec   store.Execution
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu  sync.Mutex
	pid int
}

// failedExitCode is stored for failures that produced no exit status of
// their own: resolution and spawn errors, cancellation, stream errors.
const failedExitCode = 1

// outcome is the terminal state of a run.
type outcome struct {
	status   store.Status
	exitCode *int
	logs     string
	reason   string
}

func failure(logs, reason string) outcome {
	code := failedExitCode
	return outcome{status: store.StatusFailed, exitCode: &code, logs: logs, reason: reason}
}

func (s *Service) newRun(e store.Execution) *run {
	ctx, cancel := context.WithCancel(s.base)
	return &run{
		svc:    s,
		exec:   e,
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With(
			"execution_id", e.ID,
			"user_id", e.UserID,
			"category", e.Category,
			"scenario", e.Scenario,
		),
	}
}

func (r *run) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

func (r *run) execute() {
	defer r.cancel()
	s := r.svc
	s.recorder.OnExecutionStarted(r.exec.Category, r.exec.Scenario)

	spec, err := s.resolver.Resolve(scenario.Request{
		Category:    r.exec.Category,
		Scenario:    r.exec.Scenario,
		Script:      r.exec.Script,
		ExecutionID: r.exec.ID,
	})
	if err != nil {
		reason := resolveReason(err, r.exec)
		r.logger.Warn("scenario resolution failed", "error", err)
		r.finish(failure(reason, reason))
		return
	}
	if r.ctx.Err() != nil {
		reason := r.cancelReason()
		r.finish(failure(reason, reason))
		return
	}

	stdout, stderr, plog := r.openArchive()
	defer closeAll(stdout, stderr, plog)

	h, err := process.Start(r.ctx, spec,
		process.WithOutput(stdout, stderr),
		process.WithQueueSize(s.cfg.QueueSize),
		process.WithMaxLineBytes(s.cfg.MaxLineBytes),
	)
	if err != nil {
		r.logger.Warn("spawn failed", "command", spec.String(), "error", err)
		r.finish(failure(err.Error(), err.Error()))
		return
	}
	r.mu.Lock()
	r.pid = h.PID()
	r.mu.Unlock()
	r.logger.Info("execution started", "pid", h.PID(), "command", spec.String())
	if plog.logger != nil {
		plog.logger.Info("execution started", "pid", h.PID(), "command", spec.String())
	}

	if err := r.persist(func(ctx context.Context) error { return s.store.MarkRunning(ctx, r.exec.ID) }); err != nil {
		r.logger.Warn("mark running failed", "error", err)
	}
	s.publisher.Deliver(r.exec.UserID, event.ExecutionStarted{ExecutionID: r.exec.ID})

	var logs strings.Builder
	for rec := range h.Records() {
		logs.WriteString(rec.Text)
		logs.WriteByte('\n')
		s.publisher.Deliver(r.exec.UserID, event.LogLine{ExecutionID: r.exec.ID, Stream: rec.Stream, Text: rec.Text})
	}
	exit := <-h.Done()

	var o outcome
	switch {
	case exit.Err != nil:
		reason := exit.Err.Error()
		if errors.Is(exit.Err, process.ErrCancelled) {
			reason = r.cancelReason()
		}
		logs.WriteString(reason)
		logs.WriteByte('\n')
		o = failure(logs.String(), reason)
	case exit.Code == 0:
		code := 0
		o = outcome{status: store.StatusSuccess, exitCode: &code, logs: logs.String()}
	default:
		code := exit.Code
		o = outcome{status: store.StatusFailed, exitCode: &code, logs: logs.String()}
	}
	if plog.logger != nil {
		plog.logger.Info("execution finished", "status", string(o.status), "exit_code", exit.Code, "reason", o.reason)
	}
	r.finish(o)
}

// finish persists the terminal state, then tells the owner, the metrics
// and the history exporter. The live event goes out even if the write
// failed.
func (r *run) finish(o outcome) {
	s := r.svc
	completedAt := time.Now()
	duration := completedAt.Sub(r.exec.StartedAt)
	if duration < 0 {
		duration = 0
	}

	err := r.persist(func(ctx context.Context) error {
		return s.store.CompleteExecution(ctx, r.exec.ID, store.Completion{
			Status:      o.status,
			Logs:        o.logs,
			ExitCode:    o.exitCode,
			CompletedAt: completedAt,
		})
	})
	if err != nil {
		r.logger.Error("failed to persist terminal state", "status", string(o.status), "error", err)
	}

	var ev event.Event
	if o.reason != "" {
		ev = event.ExecutionFailed{ExecutionID: r.exec.ID, Reason: o.reason}
	} else {
		ev = event.ExecutionCompleted{ExecutionID: r.exec.ID, Status: string(o.status), ExitCode: *o.exitCode}
	}
	s.publisher.Deliver(r.exec.UserID, ev)
	s.recorder.OnExecutionCompleted(r.exec.Category, r.exec.Scenario, string(o.status), duration.Seconds())
	if s.exporter != nil {
		s.exporter.Publish(r.historyEvent(o, completedAt, duration))
	}
	s.forget(r.exec.ID)

	attrs := []any{"status", string(o.status), "duration", duration.Round(time.Millisecond)}
	if o.exitCode != nil {
		attrs = append(attrs, "exit_code", *o.exitCode)
	}
	if o.reason != "" {
		attrs = append(attrs, "reason", o.reason)
	}
	r.logger.Info("execution finished", attrs...)
}

// persist runs write on a context detached from the run, so cancellation
// never loses the terminal state. A failed write is retried once.
func (r *run) persist(write func(ctx context.Context) error) error {
	attempt := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		return write(ctx)
	}
	err := attempt()
	if err == nil || errors.Is(err, store.ErrAlreadyTerminal) || errors.Is(err, store.ErrNotFound) {
		return err
	}
	r.logger.Warn("store write failed, retrying", "error", err)
	time.Sleep(retryDelay)
	return attempt()
}

func (r *run) historyEvent(o outcome, completedAt time.Time, d time.Duration) history.Event {
	typ := history.EventCompleted
	if o.reason != "" {
		typ = history.EventFailed
	}
	return history.Event{
		Type:       typ,
		OccurredAt: completedAt.UTC(),
		Record: history.Record{
			ExecutionID:     r.exec.ID,
			UserID:          r.exec.UserID,
			Category:        r.exec.Category,
			Scenario:        r.exec.Scenario,
			Script:          r.exec.Script,
			Status:          string(o.status),
			ExitCode:        o.exitCode,
			Error:           o.reason,
			StartedAt:       r.exec.StartedAt.UTC(),
			CompletedAt:     completedAt.UTC(),
			DurationSeconds: d.Seconds(),
		},
	}
}

func (r *run) cancelReason() string {
	if r.svc.shuttingDown() {
		return "interrupted by server shutdown"
	}
	return "cancelled"
}

type processLog struct {
	logger *slog.Logger
	closer io.Closer
}

func (p processLog) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

func (r *run) openArchive() (io.WriteCloser, io.WriteCloser, processLog) {
	a := r.svc.archive
	if a == nil {
		return nil, nil, processLog{}
	}
	stdout, stderr, err := a.ProcessWriters(r.exec.ID)
	if err != nil {
		r.logger.Warn("output archive unavailable", "error", err)
		return nil, nil, processLog{}
	}
	l, c := a.NewProcessLogger(r.exec.ID)
	return stdout, stderr, processLog{logger: l, closer: c}
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

func resolveReason(err error, e store.Execution) string {
	switch {
	case errors.Is(err, scenario.ErrUnsupportedCategory):
		return fmt.Sprintf("Unknown playground type: %s", e.Category)
	case errors.Is(err, scenario.ErrScriptNotFound):
		return fmt.Sprintf("Script %s.sh not found", e.Script)
	case errors.Is(err, scenario.ErrScenarioNotFound):
		return "Scenario not found"
	default:
		return err.Error()
	}
}
