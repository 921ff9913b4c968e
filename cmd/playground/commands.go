package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/loykin/playground"
	"github.com/loykin/playground/internal/config"
	"github.com/loykin/playground/internal/event"
	"github.com/loykin/playground/internal/process"
	"github.com/loykin/playground/internal/store"
)

// command implements the CLI actions on top of a playground.App.
type command struct {
	global *GlobalFlags
	stdout io.Writer
	stderr io.Writer
}

// exitError carries a process exit status out of RunE.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func (c command) loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = c.global.ConfigPath
	}
	if path == "" {
		return config.Default()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func (c command) open(ctx context.Context, path string) (*playground.App, error) {
	cfg, err := c.loadConfig(path)
	if err != nil {
		return nil, err
	}
	return playground.New(ctx, cfg)
}

func (c command) Serve(ctx context.Context, args []string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	app, err := c.open(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}

func (c command) AddUser(ctx context.Context, f UserFlags) error {
	app, err := c.open(ctx, "")
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	u, err := app.Auth().CreateUser(ctx, f.Username, f.Password)
	if err != nil {
		return err
	}
	printJSON(c.stdout, u)
	return nil
}

func (c command) Token(ctx context.Context, f TokenFlags) error {
	cfg, err := c.loadConfig("")
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set; a token signed with a random secret is useless to the server")
	}
	app, err := playground.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	id := f.UserID
	if f.Username != "" {
		u, err := app.Store().GetUserByUsername(ctx, f.Username)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("user %q not found", f.Username)
		}
		if err != nil {
			return err
		}
		id = u.ID
	}
	tok, err := app.Auth().Issue(ctx, id)
	if err != nil {
		return err
	}
	printJSON(c.stdout, tok)
	return nil
}

func (c command) ListScenarios(category string) error {
	app, err := c.open(context.Background(), "")
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	list, err := app.Resolver().List(category)
	if err != nil {
		return err
	}
	printJSON(c.stdout, list)
	return nil
}

func (c command) CheckPrerequisites(ctx context.Context, category string) error {
	app, err := c.open(ctx, "")
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	p := app.Resolver().CheckPrerequisites(ctx, category)
	printJSON(c.stdout, p)
	if !p.Ready {
		return &exitError{code: 1, msg: p.Message}
	}
	return nil
}

// Run executes one scenario and mirrors its output. Ctrl-C cancels it.
func (c command) Run(ctx context.Context, f ScenarioFlags) error {
	app, err := c.open(ctx, "")
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	console := newConsoleConn(c.stdout, c.stderr)
	app.Registry().Register(f.User, console)
	defer app.Registry().Unregister(f.User, console)

	svc := app.Executions()
	id, err := svc.Trigger(ctx, f.User, playground.ScenarioRequest{
		Category: f.Type,
		Scenario: f.Scenario,
		Script:   f.Script,
	})
	if err != nil {
		return err
	}

	sig, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sig.Done()
		if ctx.Err() == nil {
			_ = svc.Cancel(context.Background(), f.User, id)
		}
	}()
	app.WaitExecutions(0)

	e, err := svc.Get(ctx, f.User, id)
	if err != nil {
		return err
	}
	if e.Status == store.StatusSuccess {
		return nil
	}
	code := 1
	if e.ExitCode != nil && *e.ExitCode != 0 {
		code = *e.ExitCode
	}
	return &exitError{code: code, msg: fmt.Sprintf("execution %s %s: %s", id, e.Status, console.Reason())}
}

// consoleConn is a live connection that prints events to the terminal.
type consoleConn struct {
	id     string
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	reason string
}

func newConsoleConn(stdout, stderr io.Writer) *consoleConn {
	return &consoleConn{id: uuid.NewString(), stdout: stdout, stderr: stderr}
}

func (c *consoleConn) ID() string { return c.id }

func (c *consoleConn) Send(ev event.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e := ev.(type) {
	case event.LogLine:
		w := c.stdout
		if e.Stream == process.Stderr {
			w = c.stderr
		}
		_, _ = fmt.Fprintln(w, e.Text)
	case event.ExecutionCompleted:
		c.reason = fmt.Sprintf("exit code %d", e.ExitCode)
	case event.ExecutionFailed:
		c.reason = e.Reason
	}
	return true
}

func (c *consoleConn) Close() {}

func (c *consoleConn) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
