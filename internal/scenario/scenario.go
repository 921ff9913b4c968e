package scenario

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/loykin/playground/internal/env"
	"github.com/loykin/playground/internal/process"
)

const DefaultRoot = "/app/scenarios"

var (
	ErrScenarioNotFound    = errors.New("scenario not found")
	ErrUnsupportedCategory = errors.New("unsupported category")
	ErrScriptNotFound      = errors.New("script not found")
)

// Request names a scenario to run.
type Request struct {
	Category    string `json:"category"`
	Scenario    string `json:"scenario"`
	Script      string `json:"script,omitempty"`
	ExecutionID string `json:"-"`
}

// Resolver maps requests to launch specs under a scenarios root laid out as
// <root>/<category>/<scenario>/. It only inspects the filesystem.
type Resolver struct {
	root        string
	strategies  map[string]Strategy
	env         *env.Env
	categoryEnv map[string][]string
	logger      *slog.Logger
}

type Option func(*Resolver)

// WithEnv sets the base environment every launch starts from.
func WithEnv(e *env.Env) Option {
	return func(r *Resolver) { r.env = e }
}

// WithCategoryEnv allow-lists host variables for every scenario of a category.
func WithCategoryEnv(category string, names ...string) Option {
	return func(r *Resolver) { r.categoryEnv[category] = append(r.categoryEnv[category], names...) }
}

// WithStrategy adds or replaces the launch strategy of a category.
func WithStrategy(category string, s Strategy) Option {
	return func(r *Resolver) { r.strategies[category] = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewResolver(root string, opts ...Option) *Resolver {
	if root == "" {
		root = DefaultRoot
	}
	r := &Resolver{
		root:        root,
		strategies:  defaultStrategies(),
		env:         env.New(env.DefaultAllow...),
		categoryEnv: make(map[string][]string),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Root() string { return r.root }

// Categories returns the categories that have a launch strategy.
func (r *Resolver) Categories() []string {
	out := make([]string, 0, len(r.strategies))
	for k := range r.strategies {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Resolver) Supports(category string) bool {
	_, ok := r.strategies[category]
	return ok
}

// Resolve validates req and builds its launch spec. Errors wrap
// ErrUnsupportedCategory, ErrScenarioNotFound, ErrScriptNotFound or
// ErrInvalidDescriptor.
func (r *Resolver) Resolve(req Request) (process.LaunchSpec, error) {
	strategy, ok := r.strategies[req.Category]
	if !ok {
		return process.LaunchSpec{}, fmt.Errorf("%w: %q", ErrUnsupportedCategory, req.Category)
	}
	dir, err := r.scenarioDir(req.Category, req.Scenario)
	if err != nil {
		return process.LaunchSpec{}, err
	}
	if req.Script != "" && !isSafeName(req.Script) {
		return process.LaunchSpec{}, fmt.Errorf("%w: %q", ErrScriptNotFound, req.Script)
	}
	desc, err := loadDescriptor(dir)
	if err != nil {
		return process.LaunchSpec{}, err
	}

	var launch Launch
	if desc.Command != "" {
		cmd, args, err := splitCommand(desc.Command)
		if err != nil {
			return process.LaunchSpec{}, fmt.Errorf("%w: command: %v", ErrInvalidDescriptor, err)
		}
		launch = Launch{Command: cmd, Args: args, Dir: dir}
	} else if launch, err = strategy(dir, req); err != nil {
		return process.LaunchSpec{}, err
	}

	e := r.env.Clone()
	e.Allow(r.categoryEnv[req.Category]...)
	e.Allow(desc.Env...)
	if req.ExecutionID != "" {
		e.Set("EXECUTION_ID", req.ExecutionID)
	}
	return process.LaunchSpec{
		Command: launch.Command,
		Args:    launch.Args,
		Dir:     launch.Dir,
		Env:     e.Merge(nil),
	}, nil
}

// List returns the scenarios of a category, sorted by directory name.
// Directories with an unreadable descriptor are skipped.
func (r *Resolver) List(category string) ([]Descriptor, error) {
	if !r.Supports(category) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCategory, category)
	}
	base := filepath.Join(r.root, category)
	entries, err := os.ReadDir(base)
	if errors.Is(err, os.ErrNotExist) {
		return []Descriptor{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", base, err)
	}
	out := make([]Descriptor, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() || !isSafeName(ent.Name()) {
			continue
		}
		d, err := loadDescriptor(filepath.Join(base, ent.Name()))
		if err != nil {
			r.logger.Warn("skip scenario", "category", category, "scenario", ent.Name(), "error", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Describe returns the descriptor of one scenario.
func (r *Resolver) Describe(category, name string) (Descriptor, error) {
	if !r.Supports(category) {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnsupportedCategory, category)
	}
	dir, err := r.scenarioDir(category, name)
	if err != nil {
		return Descriptor{}, err
	}
	return loadDescriptor(dir)
}

func (r *Resolver) scenarioDir(category, name string) (string, error) {
	if !isSafeName(category) || !isSafeName(name) {
		return "", fmt.Errorf("%w: %q", ErrScenarioNotFound, name)
	}
	dir := filepath.Join(r.root, category, name)
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return "", fmt.Errorf("%w: %s/%s", ErrScenarioNotFound, category, name)
	}
	return dir, nil
}
