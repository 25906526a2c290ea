// Package scheduler runs the periodic backfill sweep over every stored
// ledger and the daily journal rotation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/carbonmeter/emissions/internal/engine"
	"github.com/carbonmeter/emissions/internal/ledger"
)

// Backfiller is the part of the engine the sweep needs.
type Backfiller interface {
	ListSubjects(ctx context.Context) ([]string, error)
	Backfill(ctx context.Context, subjectID string) (*engine.BackfillResult, error)
}

// Report counts sweep outcomes.
type Report struct {
	Subjects         int
	Appended         int
	AlreadyPredicted int
	NoRealRecords    int
	Errors           []string
}

func (r Report) String() string {
	return fmt.Sprintf("%d subjects: %d appended, %d already predicted, %d without real records, %d errors",
		r.Subjects, r.Appended, r.AlreadyPredicted, r.NoRealRecords, len(r.Errors))
}

// Rotator is the part of the journal the rotation job needs.
type Rotator interface {
	Rotate() (string, error)
}

// Scheduler triggers jobs on standard 5-field cron expressions
// (minute hour day-of-month month day-of-week).
type Scheduler struct {
	engine Backfiller
	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger
	jobs   int

	mu      sync.Mutex
	running bool
}

func New(logger *slog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser)),
		parser: parser,
		logger: logger.With("component", "scheduler"),
	}
}

// ScheduleBackfill registers the sweep over e. An empty schedule leaves it
// disabled.
func (s *Scheduler) ScheduleBackfill(e Backfiller, schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil
	}
	if _, err := s.parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid backfill schedule %q: %w", schedule, err)
	}
	s.engine = e
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return fmt.Errorf("failed to schedule backfill: %w", err)
	}
	s.jobs++
	s.logger.Info("backfill sweep scheduled", "cron", schedule)
	return nil
}

// ScheduleRotation registers the journal rotation. An empty schedule leaves
// it disabled.
func (s *Scheduler) ScheduleRotation(r Rotator, schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil
	}
	if _, err := s.parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid journal rotation schedule %q: %w", schedule, err)
	}
	if _, err := s.cron.AddFunc(schedule, func() { Rotate(r, s.logger) }); err != nil {
		return fmt.Errorf("failed to schedule journal rotation: %w", err)
	}
	s.jobs++
	s.logger.Info("journal rotation scheduled", "cron", schedule)
	return nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int { return s.jobs }

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and returns a context done when running jobs end.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// Rotate runs one journal rotation and logs the outcome.
func Rotate(r Rotator, logger *slog.Logger) {
	old, err := r.Rotate()
	switch {
	case err != nil:
		logger.Error("journal rotation failed", "err", err)
	case old != "":
		logger.Info("journal rotated", "closed", old)
	}
}

func (s *Scheduler) run() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous backfill sweep still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	report, err := Sweep(context.Background(), s.engine, s.logger)
	if err != nil {
		s.logger.Error("backfill sweep failed", "err", err)
		return
	}
	s.logger.Info("backfill sweep complete", "summary", report.String())
}

// Sweep backfills one day for every subject. Per-subject failures are
// collected; only a failure to list subjects or cancellation aborts.
func Sweep(ctx context.Context, e Backfiller, logger *slog.Logger) (Report, error) {
	var r Report
	ids, err := e.ListSubjects(ctx)
	if err != nil {
		return r, fmt.Errorf("list subjects: %w", err)
	}
	r.Subjects = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		res, err := e.Backfill(ctx, id)
		switch {
		case errors.Is(err, ledger.ErrNoRealRecords):
			r.NoRealRecords++
		case err != nil:
			logger.Warn("backfill failed", "subject_id", id, "err", err)
			r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
		case res.AlreadyPredicted:
			r.AlreadyPredicted++
		default:
			r.Appended++
		}
	}
	return r, nil
}
