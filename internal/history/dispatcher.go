package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultQueueSize   = 1024
	DefaultSendTimeout = 5 * time.Second
)

// Dispatcher fans events out to sinks on a background worker so that a slow
// analytics backend never delays an execution. Events beyond the queue
// capacity are dropped and logged.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sinks []Sink, queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:   append([]Sink(nil), sinks...),
		queue:   make(chan Event, queueSize),
		timeout: DefaultSendTimeout,
		logger:  logger,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Len returns the number of sinks.
func (d *Dispatcher) Len() int { return len(d.sinks) }

// Publish queues e for every sink. It never blocks.
func (d *Dispatcher) Publish(e Event) bool {
	if len(d.sinks) == 0 {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- e:
		return true
	default:
		d.logger.Warn("history queue full, dropping event", "execution_id", e.Record.ExecutionID)
		return false
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				d.logger.Warn("history sink send failed", "sink", sinkName(s), "execution_id", e.Record.ExecutionID, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events and closes every sink that implements io.Closer.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()

	var first error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func sinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "sink"
}
