package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrRuntimeIO  = errors.New("process output stream failed")
	ErrTerminated = errors.New("process terminated by signal")
	ErrCancelled  = errors.New("process cancelled")
)

// SpawnError is returned by Start when the child could not be created at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Record is one line of output, without its terminator.
type Record struct {
	Stream Stream
	Text   string
}

// Exit is the single terminal notification of a Handle. Code is -1 when
// Err is set.
type Exit struct {
	Code int
	Err  error
}

func (e Exit) Success() bool { return e.Err == nil && e.Code == 0 }

type options struct {
	stdout    io.Writer
	stderr    io.Writer
	queueSize int
	maxLine   int
}

type Option func(*options)

// WithOutput tees the raw bytes of each stream to the given writers. Either may be nil.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithQueueSize bounds the number of records buffered ahead of the consumer.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func WithMaxLineBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLine = n
		}
	}
}

// Handle is a running child process. Records yields output lines in the
// order each stream produced them and is closed once both streams reach
// EOF; Done then delivers exactly one Exit.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	records chan Record
	done    chan Exit

	cancelOnce sync.Once
	cancelCh   chan struct{}

	mu        sync.Mutex
	exited    bool
	cancelled bool
}

// Start launches spec and returns immediately. Output is read on the
// handle's own goroutines. Cancelling ctx, or calling Cancel, kills the
// whole process group and ends the run with ErrCancelled.
func Start(ctx context.Context, spec LaunchSpec, opts ...Option) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	o := options{queueSize: defaultQueueSize, maxLine: defaultMaxLine}
	for _, opt := range opts {
		opt(&o)
	}

	cmd := spec.buildCommand()
	configureSysProcAttr(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		records:   make(chan Record, o.queueSize),
		done:      make(chan Exit, 1),
		cancelCh:  make(chan struct{}),
	}
	go h.run(ctx, stdout, stderr, o)
	return h, nil
}

func (h *Handle) Records() <-chan Record { return h.records }

func (h *Handle) Done() <-chan Exit { return h.done }

func (h *Handle) PID() int { return h.pid }

func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Cancel requests termination. It is safe to call more than once and after exit.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

func (h *Handle) run(ctx context.Context, stdout, stderr io.Reader, o options) {
	ioErrs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go h.pump(&wg, stdout, Stdout, o.stdout, o.maxLine, ioErrs)
	go h.pump(&wg, stderr, Stderr, o.stderr, o.maxLine, ioErrs)

	stop := make(chan struct{})
	go h.watch(ctx, stop)

	wg.Wait()
	close(h.records)
	waitErr := h.cmd.Wait()

	h.mu.Lock()
	h.exited = true
	cancelled := h.cancelled
	h.mu.Unlock()
	close(stop)

	close(ioErrs)
	var ioErr error
	for err := range ioErrs {
		if ioErr == nil {
			ioErr = err
		}
	}
	h.done <- exitFrom(waitErr, ioErr, cancelled)
	close(h.done)
}

func (h *Handle) pump(wg *sync.WaitGroup, r io.Reader, s Stream, tee io.Writer, maxLine int, errs chan<- error) {
	defer wg.Done()
	if tee != nil {
		r = io.TeeReader(r, tee)
	}
	err := scanLines(r, maxLine, func(line []byte) {
		h.records <- Record{Stream: s, Text: decode(line)}
	})
	if err != nil {
		errs <- fmt.Errorf("%s: %w", s, err)
	}
}

func (h *Handle) watch(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-ctx.Done():
	case <-h.cancelCh:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.cancelled = true
	_ = killGroup(h.cmd.Process)
}

func exitFrom(waitErr, ioErr error, cancelled bool) Exit {
	if cancelled {
		return Exit{Code: -1, Err: ErrCancelled}
	}
	if ioErr != nil {
		return Exit{Code: -1, Err: fmt.Errorf("%w: %v", ErrRuntimeIO, ioErr)}
	}
	if waitErr == nil {
		return Exit{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return Exit{Code: code}
		}
		return Exit{Code: -1, Err: fmt.Errorf("%w: %s", ErrTerminated, ee.String())}
	}
	return Exit{Code: -1, Err: fmt.Errorf("%w: %v", ErrRuntimeIO, waitErr)}
}
