package plugin

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultPollInterval is the monitor's sampling period when none is
// configured.
const DefaultPollInterval = 5 * time.Second

// ResourceUsage is the latest resource snapshot attributed to a plugin.
// Plugins run in the host process, so the process-wide numbers are
// attributed to each tracked plugin; freshness is bounded by the poll
// interval, not guaranteed.
type ResourceUsage struct {
	MemoryMB   float64   `json:"memory_mb"`
	CPUPercent float64   `json:"cpu_percent"`
	Goroutines int       `json:"goroutines"`
	SampledAt  time.Time `json:"sampled_at"`
}

// ResourceMonitor samples resource usage for tracked plugins on a single
// background poller. Start is idempotent, Stop blocks until the worker has
// fully terminated, and snapshots survive plugin reloads because they are
// keyed by name.
type ResourceMonitor struct {
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	proc     *process.Process

	samples cmap.ConcurrentMap[string, ResourceUsage]
	tracked cmap.ConcurrentMap[string, *ResourceRequest]

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	workers atomic.Int32
}

// MonitorOption configures a ResourceMonitor.
type MonitorOption func(*ResourceMonitor)

// WithPollInterval sets the sampling period.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *ResourceMonitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMonitorLogger sets the logger for ceiling warnings.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *ResourceMonitor) { m.logger = l }
}

// WithMonitorMetrics records ceiling breaches on the given collectors.
func WithMonitorMetrics(mx *Metrics) MonitorOption {
	return func(m *ResourceMonitor) { m.metrics = mx }
}

// NewResourceMonitor creates a stopped monitor.
func NewResourceMonitor(opts ...MonitorOption) *ResourceMonitor {
	m := &ResourceMonitor{
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		samples:  cmap.New[ResourceUsage](),
		tracked:  cmap.New[*ResourceRequest](),
	}
	// process handle is optional; on unsupported platforms we still
	// sample goroutine counts
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track registers a plugin for sampling, with its declared ceilings if
// any. Called by the manager when a plugin starts.
func (m *ResourceMonitor) Track(name string, res *ResourceRequest) {
	m.tracked.Set(name, res)
}

// Untrack stops refreshing a plugin's snapshot. The last snapshot is kept
// so usage remains queryable across stop and reload.
func (m *ResourceMonitor) Untrack(name string) {
	m.tracked.Remove(name)
}

// Forget drops a plugin's snapshot and tracking entry entirely.
func (m *ResourceMonitor) Forget(name string) {
	m.tracked.Remove(name)
	m.samples.Remove(name)
}

// Start launches the background poller. Calling Start while the monitor is
// already running spawns nothing.
func (m *ResourceMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.workers.Add(1)
	go m.poll(m.stopCh, m.doneCh)
}

// Stop signals the poller to exit and blocks until it has fully
// terminated. Stopping a stopped monitor is a no-op.
func (m *ResourceMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stop)
	<-done
}

// Workers reports the number of live poller goroutines: one while running,
// zero after Stop returns.
func (m *ResourceMonitor) Workers() int {
	return int(m.workers.Load())
}

// Usage returns the last known snapshot for a plugin, or false when none
// was ever taken.
func (m *ResourceMonitor) Usage(name string) (ResourceUsage, bool) {
	return m.samples.Get(name)
}

// AllUsage returns a copy of every snapshot.
func (m *ResourceMonitor) AllUsage() map[string]ResourceUsage {
	return m.samples.Items()
}

func (m *ResourceMonitor) poll(stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		m.workers.Add(-1)
		close(done)
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *ResourceMonitor) sample() {
	now := time.Now().UTC()
	var memMB, cpu float64
	if m.proc != nil {
		if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
			memMB = float64(mi.RSS) / (1024 * 1024)
		}
		if pct, err := m.proc.CPUPercent(); err == nil {
			cpu = pct
		}
	}
	goroutines := runtime.NumGoroutine()

	for _, name := range m.tracked.Keys() {
		m.samples.Set(name, ResourceUsage{
			MemoryMB:   memMB,
			CPUPercent: cpu,
			Goroutines: goroutines,
			SampledAt:  now,
		})
		req, ok := m.tracked.Get(name)
		if !ok || req == nil {
			continue
		}
		if req.MaxMemoryMB > 0 && memMB > float64(req.MaxMemoryMB) {
			m.logger.Warn("memory ceiling exceeded",
				"plugin", name, "used_mb", memMB, "ceiling_mb", req.MaxMemoryMB)
			m.metrics.recordCeilingBreach()
		}
		if req.MaxCPUPercent > 0 && cpu > req.MaxCPUPercent {
			m.logger.Warn("cpu ceiling exceeded",
				"plugin", name, "used_pct", cpu, "ceiling_pct", req.MaxCPUPercent)
			m.metrics.recordCeilingBreach()
		}
	}
}
