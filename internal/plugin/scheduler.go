package plugin

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler bridges manifest-declared jobs into a cron runner. Jobs are
// registered once their plugin has started and removed again on stop or
// unload; each firing runs the plugin's JobRunner hook through the
// manager's sandbox.
type Scheduler struct {
	mgr    *Manager
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string][]cron.EntryID
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a scheduler over the given manager. The cron
// runner is created stopped; call Start.
func NewScheduler(mgr *Manager, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		mgr:     mgr,
		logger:  slog.Default(),
		cron:    cron.New(),
		entries: make(map[string][]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and blocks until in-flight jobs finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Register adds the enabled jobs a plugin's manifest declares and reports
// how many were scheduled. A manifest with jobs on a plugin that does not
// implement JobRunner is a logged warning, not an error; the jobs are
// skipped. Registering the same plugin twice replaces its entries.
func (s *Scheduler) Register(name string) int {
	mf, ok := s.mgr.Registry().Get(name)
	if !ok || len(mf.Jobs) == 0 {
		return 0
	}
	instance, ok := s.mgr.Instance(name)
	if !ok {
		return 0
	}
	if _, ok := instance.(JobRunner); !ok {
		s.logger.Warn("manifest declares jobs but plugin has no job runner", "plugin", name)
		return 0
	}

	s.Unregister(name)

	var ids []cron.EntryID
	added := 0
	for _, job := range mf.Jobs {
		if !job.Enabled {
			continue
		}
		handler := job.Handler
		jobID := job.ID
		id, err := s.cron.AddFunc(job.Schedule, func() {
			if err := s.mgr.RunJob(context.Background(), name, handler); err != nil {
				s.logger.Warn("plugin job failed", "plugin", name, "job", jobID, "error", err)
				return
			}
			s.logger.Debug("plugin job completed", "plugin", name, "job", jobID)
		})
		if err != nil {
			// Normalize catches malformed schedules; this guards manifests
			// registered through other paths.
			s.logger.Warn("plugin job rejected", "plugin", name, "job", jobID, "error", err)
			continue
		}
		ids = append(ids, id)
		added++
		s.logger.Info("plugin job scheduled", "plugin", name, "job", jobID, "schedule", job.Schedule)
	}

	s.mu.Lock()
	s.entries[name] = ids
	s.mu.Unlock()
	return added
}

// Unregister removes every schedule a plugin holds.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	ids := s.entries[name]
	delete(s.entries, name)
	s.mu.Unlock()
	for _, id := range ids {
		s.cron.Remove(id)
	}
}

// Entries reports how many schedules a plugin currently holds.
func (s *Scheduler) Entries(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[name])
}
