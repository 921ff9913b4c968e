package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ActiveProcess identifies the OS process of one in-flight execution.
type ActiveProcess struct {
	ExecutionID string
	Category    string
	Scenario    string
	PID         int32
}

// ProcessSample holds CPU and memory readings for a single execution process.
type ProcessSample struct {
	ExecutionID string    `json:"execution_id"`
	PID         int32     `json:"pid"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryMB    float64   `json:"memory_mb"`
	MemoryRSS   uint64    `json:"memory_rss"`
	NumThreads  int32     `json:"num_threads"`
	NumFDs      int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp   time.Time `json:"timestamp"`
}

// SamplerConfig holds configuration for execution process sampling.
type SamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ProcessSampler periodically samples CPU and memory of running executions.
// Series are removed once their execution is no longer reported active.
type ProcessSampler struct {
	enabled  bool
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	last   map[string]ProcessSample
	labels map[string][2]string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewProcessSampler(namespace string, cfg SamplerConfig, logger *slog.Logger) *ProcessSampler {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	labels := []string{"playground", "scenario", "execution_id"}
	return &ProcessSampler{
		enabled:  cfg.Enabled,
		interval: interval,
		logger:   logger,
		last:     make(map[string]ProcessSample),
		labels:   make(map[string][2]string),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of running execution processes.",
		}, labels),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "memory_mb",
			Help:      "Resident memory in MB of running execution processes.",
		}, labels),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "num_threads",
			Help:      "Number of threads of running execution processes.",
		}, labels),
		numFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "num_fds",
			Help:      "Number of file descriptors of running execution processes (Unix only).",
		}, labels),
	}
}

// RegisterWith adds the sampler gauges to a.
func (s *ProcessSampler) RegisterWith(a *Aggregator) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := a.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Start begins periodic sampling of the processes returned by active.
func (s *ProcessSampler) Start(ctx context.Context, active func() []ActiveProcess) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(active())
			}
		}
	}()
}

func (s *ProcessSampler) Stop() {
	if !s.enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect samples procs once and drops series of executions no longer listed.
func (s *ProcessSampler) Collect(procs []ActiveProcess) {
	now := time.Now()
	seen := make(map[string]bool, len(procs))
	for _, p := range procs {
		if p.PID <= 0 {
			continue
		}
		seen[p.ExecutionID] = true
		sample, err := sampleProcess(p, now)
		if err != nil {
			s.logger.Debug("failed to sample execution process", "execution_id", p.ExecutionID, "pid", p.PID, "error", err)
			continue
		}
		lv := []string{p.Category, p.Scenario, p.ExecutionID}
		s.cpuPercent.WithLabelValues(lv...).Set(sample.CPUPercent)
		s.memoryMB.WithLabelValues(lv...).Set(sample.MemoryMB)
		s.numThreads.WithLabelValues(lv...).Set(float64(sample.NumThreads))
		if runtime.GOOS != "windows" && sample.NumFDs > 0 {
			s.numFDs.WithLabelValues(lv...).Set(float64(sample.NumFDs))
		}
		s.mu.Lock()
		s.last[p.ExecutionID] = sample
		s.labels[p.ExecutionID] = [2]string{p.Category, p.Scenario}
		s.mu.Unlock()
	}
	s.cleanup(seen)
}

func (s *ProcessSampler) cleanup(seen map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.labels {
		if seen[id] {
			continue
		}
		s.cpuPercent.DeleteLabelValues(l[0], l[1], id)
		s.memoryMB.DeleteLabelValues(l[0], l[1], id)
		s.numThreads.DeleteLabelValues(l[0], l[1], id)
		s.numFDs.DeleteLabelValues(l[0], l[1], id)
		delete(s.labels, id)
		delete(s.last, id)
	}
}

// Last returns the latest sample of an execution.
func (s *ProcessSampler) Last(executionID string) (ProcessSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.last[executionID]
	return v, ok
}

func sampleProcess(p ActiveProcess, ts time.Time) (ProcessSample, error) {
	proc, err := process.NewProcess(p.PID)
	if err != nil {
		return ProcessSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	out := ProcessSample{ExecutionID: p.ExecutionID, PID: p.PID, Timestamp: ts}
	// CPU percent may need a previous call for an accurate value; 0 on error
	if cpu, err := proc.CPUPercent(); err == nil {
		out.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	out.MemoryRSS = mem.RSS
	out.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := proc.NumThreads(); err == nil {
		out.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			out.NumFDs = n
		}
	}
	return out, nil
}
