package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"progression-engine/services"
	"progression-engine/utils"

	"github.com/go-co-op/gocron/v2"
)

// Job names accepted by RunNow.
const (
	JobEventStatus    = "event_status"
	JobStreakRollover = "streak_rollover"
	JobTribeWeekClose = "tribe_week_close"
	JobClanWarClose   = "clan_war_close"
	JobArchive        = "archive"
)

// ErrUnknownJob is returned by RunNow for a name it does not know.
var ErrUnknownJob = errors.New("unknown job")

// Scheduler runs the period-boundary jobs. Every job is idempotent per period key,
// so overlapping instances and manual re-runs are safe.
type Scheduler struct {
	engine  *services.Engine
	archive *services.ArchiveService
	runner  *JobRunner
	logger  *slog.Logger
	sched   gocron.Scheduler
	jobs    map[string]func(ctx context.Context) error
}

func NewScheduler(engine *services.Engine, archive *services.ArchiveService, runner *JobRunner, logger *slog.Logger) *Scheduler {
	s := &Scheduler{engine: engine, archive: archive, runner: runner, logger: logger}
	s.jobs = map[string]func(ctx context.Context) error{
		JobEventStatus:    s.refreshEvents,
		JobStreakRollover: s.rolloverStreaks,
		JobTribeWeekClose: s.closeTribeWeek,
		JobClanWarClose:   s.closeClanWars,
		JobArchive:        s.archiveExpired,
	}
	return s
}

// Start registers the jobs and starts the gocron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithLocation(s.engine.Config.Location()))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	s.sched = sched

	every := []struct {
		name     string
		interval time.Duration
	}{
		{JobEventStatus, time.Minute},
		// users roll over at their own local midnight
		{JobStreakRollover, 15 * time.Minute},
		{JobTribeWeekClose, 10 * time.Minute},
		{JobClanWarClose, 5 * time.Minute},
		{JobArchive, 6 * time.Hour},
	}
	for _, j := range every {
		name := j.name
		if _, err := sched.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() {
				if err := s.RunNow(ctx, name); err != nil {
					s.logger.Error("[Scheduler] job failed", "job", name, "error", err)
				}
			}),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	sched.Start()
	s.logger.Info("[Scheduler] started", "jobs", len(every))
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Shutdown()
}

// JobNames lists the jobs RunNow accepts.
func (s *Scheduler) JobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs a job immediately, through the retrying runner.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownJob, name)
	}
	return job(ctx)
}

func (s *Scheduler) refreshEvents(ctx context.Context) error {
	return s.runner.Run(ctx, JobEventStatus, "", func(ctx context.Context, _ string) error {
		activated, completed, err := s.engine.Events.RefreshStatuses(ctx)
		if err == nil && activated+completed > 0 {
			s.logger.Info("[Scheduler] event statuses", "activated", activated, "completed", completed)
		}
		return err
	})
}

func (s *Scheduler) rolloverStreaks(ctx context.Context) error {
	day := utils.LocalDateString(s.engine.Clock.Now(), s.engine.Config.Location())
	return s.runner.Run(ctx, JobStreakRollover, day, func(ctx context.Context, _ string) error {
		n, err := s.engine.Streaks.RolloverExpiredStreaks(ctx)
		if err == nil && n > 0 {
			s.logger.Info("[Scheduler] streaks rolled over", "count", n)
		}
		return err
	})
}

// closeTribeWeek closes the previous ISO week; repeated runs are no-ops.
func (s *Scheduler) closeTribeWeek(ctx context.Context) error {
	weekKey := utils.PreviousISOWeekKey(s.engine.Clock.Now(), s.engine.Config.Location())
	return s.runner.Run(ctx, JobTribeWeekClose, weekKey, func(ctx context.Context, key string) error {
		_, err := s.engine.Tribes.CloseTribeWeek(ctx, key)
		return err
	})
}

func (s *Scheduler) closeClanWars(ctx context.Context) error {
	ended, err := s.engine.Events.EndedClanWars(ctx)
	if err != nil {
		return err
	}
	for _, ev := range ended {
		if err := s.runner.Run(ctx, JobClanWarClose, ev.ID, func(ctx context.Context, id string) error {
			_, err := s.engine.Events.CloseClanWar(ctx, id)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) archiveExpired(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}
	return s.runner.Run(ctx, JobArchive, "", func(ctx context.Context, _ string) error {
		_, err := s.archive.ArchiveExpired(ctx)
		return err
	})
}
