// Package maintsched runs memory-engine maintenance out of band on a cron
// schedule. The engine itself has no scheduler; this service is the caller
// that triggers it.
package maintsched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/ingat/pkg/memory"
)

// Service drives ScheduledMaintenance for a set of registered owners.
type Service struct {
	engine        *memory.Engine
	logger        zerolog.Logger
	cron          *cron.Cron
	schedule      cron.Schedule
	intervalHours int

	mu      sync.Mutex
	owners  map[string]struct{}
	entryID cron.EntryID
	started bool
}

// Options configures the maintenance service
type Options struct {
	Engine *memory.Engine
	Logger zerolog.Logger
	// CronExpr is a standard 5-field cron expression, e.g. "0 4 * * *".
	CronExpr string
	// IntervalHours is passed through to ScheduledMaintenance; the engine's
	// own per-owner marker still gates actual work.
	IntervalHours int
}

// NewService creates a new maintenance service
func NewService(opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.CronExpr == "" {
		opts.CronExpr = "0 4 * * *"
	}
	if opts.IntervalHours <= 0 {
		opts.IntervalHours = 24
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(opts.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	return &Service{
		engine:        opts.Engine,
		logger:        opts.Logger,
		cron:          cron.New(),
		schedule:      schedule,
		intervalHours: opts.IntervalHours,
		owners:        make(map[string]struct{}),
	}, nil
}

// Register adds an owner to the maintenance rotation.
func (s *Service) Register(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[ownerID] = struct{}{}
}

// Unregister removes an owner from the rotation.
func (s *Service) Unregister(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, ownerID)
}

// Start begins scheduled execution. Safe to call once.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.entryID = s.cron.Schedule(s.schedule, cron.FuncJob(s.runAll))
	s.cron.Start()

	s.logger.Info().
		Time("next_run", s.cron.Entry(s.entryID).Next).
		Msg("Maintenance scheduler started")
}

// Stop halts scheduled execution and waits for a running pass to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

// NextRun returns the next scheduled pass, or zero when not started.
func (s *Service) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// RunNow triggers a maintenance pass outside the schedule.
func (s *Service) RunNow(ctx context.Context) {
	s.runOwners(ctx)
}

func (s *Service) runAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	s.runOwners(ctx)
}

func (s *Service) runOwners(ctx context.Context) {
	s.mu.Lock()
	owners := make([]string, 0, len(s.owners))
	for owner := range s.owners {
		owners = append(owners, owner)
	}
	s.mu.Unlock()

	for _, owner := range owners {
		result, err := s.engine.ScheduledMaintenance(ctx, owner, s.intervalHours, false)
		if err != nil {
			s.logger.Warn().Err(err).Str("owner_id", owner).Msg("Scheduled maintenance failed")
			continue
		}
		evt := s.logger.Info().Str("owner_id", owner).Bool("ran", result.Ran)
		if result.Compacted != nil {
			evt = evt.
				Int("deduplicated", result.Compacted.Deduplicated).
				Int("pruned_stale", result.Compacted.PrunedStale)
		}
		if result.Reason != "" {
			evt = evt.Str("reason", result.Reason)
		}
		evt.Msg("Scheduled maintenance pass")
	}
}
