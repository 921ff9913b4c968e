package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig configures the application logger.
type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	// File additionally writes the application log to a rotated file.
	File string `mapstructure:"file"`
}

// FileConfig describes where execution output is archived.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"executions_dir"`
	StdoutPath string `mapstructure:"-"`
	StderrPath string `mapstructure:"-"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config joins the application logger and the execution archive settings.
type Config struct {
	Slog SlogConfig `mapstructure:",squash"`
	File FileConfig `mapstructure:",squash"`
}

// ParseLevel maps a level name to slog; unknown names yield info.
func ParseLevel(l Level) slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds the application logger writing to stderr and, when
// Slog.File is set, to a rotated file as well.
func (c Config) NewSlogger() *slog.Logger {
	return slog.New(c.Handler(os.Stderr))
}

// Handler returns the handler NewSlogger would use, writing to w.
func (c Config) Handler(w io.Writer) slog.Handler {
	if c.Slog.File != "" {
		w = io.MultiWriter(w, c.rotated(c.Slog.File))
	}
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(c.Slog.Level),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	switch {
	case c.Slog.Format == FormatJSON:
		return slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		return NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func (c Config) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// ProcessWriters returns io.WriteClosers archiving stdout and stderr of the
// execution called name. Both are nil when archiving is not configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if c.File.Dir != "" {
		if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("failed to create log dir: %w", err)
		}
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.rotated(stdout)
	}
	if stderr != "" {
		errW = c.rotated(stderr)
	}
	return outW, errW, nil
}

// NewProcessLogger returns a logger writing JSON lines to the archive of
// name and the closer releasing its file. Both are nil when archiving is
// not configured.
func (c Config) NewProcessLogger(name string) (*slog.Logger, io.Closer) {
	if c.File.Dir == "" {
		return nil, nil
	}
	w := c.rotated(filepath.Join(c.File.Dir, name+".log"))
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(c.Slog.Level)})), w
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
