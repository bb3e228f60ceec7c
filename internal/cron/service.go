// Package cron schedules periodic maintenance jobs such as the stalled-run sweep.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/logging"
)

// JobFunc runs one job invocation and returns a short result for the log.
type JobFunc func(ctx context.Context) (string, error)

type JobState struct {
	LastRunAt  time.Time `json:"lastRunAt,omitzero"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
}

type Job struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	State    JobState `json:"state"`
}

type entry struct {
	job Job
	fn  JobFunc
	id  rcron.EntryID
}

var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Service struct {
	mu      sync.Mutex
	entries map[string]*entry
	cron    *rcron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	logger  *zap.Logger
}

func NewService(logger *zap.Logger) *Service {
	return &Service{
		entries: make(map[string]*entry),
		logger:  logging.OrNop(logger).Named("cron"),
	}
}

// AddJob registers fn under name. Schedules take an optional seconds field.
func (s *Service) AddJob(name, schedule string, fn JobFunc) error {
	if fn == nil {
		return fmt.Errorf("add job %s: nil func", name)
	}
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("add job %s: schedule %q: %w", name, schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("add job %s: already registered", name)
	}
	e := &entry{job: Job{Name: name, Schedule: schedule}, fn: fn}
	s.entries[name] = e
	if s.cron != nil {
		s.register(e)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("cron already started")
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithParser(parser))
	for _, e := range s.entries {
		s.register(e)
	}
	n := len(s.entries)
	c := s.cron
	s.mu.Unlock()

	c.Start()
	s.logger.Info("started", zap.Int("jobs", n))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// register must be called with s.mu held.
func (s *Service) register(e *entry) {
	name := e.job.Name
	id, err := s.cron.AddFunc(e.job.Schedule, func() { s.execute(name) })
	if err != nil {
		s.logger.Error("register job failed", zap.String("job", name), zap.String("schedule", e.job.Schedule), zap.Error(err))
		return
	}
	e.id = id
}

// RunNow executes a job immediately, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("job %s not found", name)
	}
	return s.run(ctx, e)
}

func (s *Service) execute(name string) {
	s.mu.Lock()
	e, ok := s.entries[name]
	ctx := s.runCtx
	s.mu.Unlock()
	if !ok || ctx == nil || ctx.Err() != nil {
		return
	}
	_, _ = s.run(ctx, e)
}

func (s *Service) run(ctx context.Context, e *entry) (string, error) {
	s.logger.Debug("executing job", zap.String("job", e.job.Name))
	result, err := e.fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.job.State.LastRunAt = time.Now()
	e.job.State.Runs++
	if err != nil {
		e.job.State.LastStatus = "error"
		e.job.State.LastError = err.Error()
		s.logger.Warn("job failed", zap.String("job", e.job.Name), zap.Error(err))
	} else {
		e.job.State.LastStatus = "ok"
		e.job.State.LastError = ""
		s.logger.Info("job finished", zap.String("job", e.job.Name), zap.String("result", truncate(result, 100)))
	}
	return result, err
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel, stopCh, c := s.cancel, s.stopCh, s.cron
	s.cancel, s.stopCh = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop timeout waiting for running jobs")
	}
	s.logger.Info("stopped")
}

// Jobs lists the registered jobs in no particular order.
func (s *Service) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.job)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
