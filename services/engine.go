package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"progression-engine/config"
	"progression-engine/models"
	"progression-engine/utils"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Clock returns the current instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Deps are the collaborators shared by every service.
type Deps struct {
	DB       *gorm.DB
	Config   *config.Config
	Notifier Notifier
	Logger   *slog.Logger
	Clock    Clock
}

func (d Deps) withDefaults() Deps {
	if d.Config == nil {
		d.Config = config.Defaults()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Logger: d.Logger}
	}
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	return d
}

// Engine wires the progression services together.
type Engine struct {
	Deps

	Progression *ProgressionService
	Counters    *CounterStore
	Badges      *BadgeService
	Wallet      *WalletService
	Streaks     *StreakService
	Tribes      *TribeService
	Challenges  *ChallengeService
	Events      *EventService
	Rewards     *RewardDispatcher
	Activities  *ActivityService
}

func NewEngine(deps Deps) (*Engine, error) {
	deps = deps.withDefaults()

	e := &Engine{Deps: deps}
	e.Counters = &CounterStore{}
	e.Badges = NewBadgeService(deps)
	e.Wallet = NewWalletService(deps)
	e.Tribes = NewTribeService(deps)
	e.Progression = NewProgressionService(deps, e.Counters)
	e.Rewards = NewRewardDispatcher(deps, e.Progression, e.Wallet, e.Tribes, e.Badges)
	e.Progression.rewards = e.Rewards

	var err error
	if e.Challenges, err = NewChallengeService(deps, e.Rewards, e.Tribes); err != nil {
		return nil, err
	}
	if e.Events, err = NewEventService(deps, e.Rewards, e.Tribes); err != nil {
		return nil, err
	}
	e.Streaks = NewStreakService(deps, e.Rewards, e.Wallet)
	e.Activities = NewActivityService(deps, e)
	return e, nil
}

// txScope carries an open transaction and the notifications to publish once it commits.
type txScope struct {
	tx     *gorm.DB
	now    time.Time
	events []Notification
}

func (sc *txScope) emit(channel, event string, payload map[string]any) {
	sc.events = append(sc.events, Notification{Channel: channel, Event: event, Payload: payload, At: sc.now})
}

// runInTx runs fn in one transaction and publishes its notifications after commit.
func runInTx(ctx context.Context, deps Deps, fn func(sc *txScope) error) error {
	sc := &txScope{now: deps.Clock.Now()}
	err := deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sc.tx = tx
		sc.events = sc.events[:0]
		return fn(sc)
	})
	if err != nil {
		return err
	}
	if len(sc.events) > 0 {
		if perr := deps.Notifier.Publish(ctx, sc.events...); perr != nil {
			deps.Logger.WarnContext(ctx, "[NOTIFY] publish failed", "error", perr, "count", len(sc.events))
		}
	}
	return nil
}

// withConflictRetry re-runs op while it loses compare-and-set races.
func withConflictRetry[T any](ctx context.Context, logger *slog.Logger, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, ErrConcurrentUpdate) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(conflictBackOff()),
		backoff.WithMaxTries(6),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.DebugContext(ctx, "[RETRY] concurrent update", "wait", d)
		}),
	)
}

func conflictBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

// claimMarker inserts a unique marker row; false means another caller already claimed it.
func claimMarker(tx *gorm.DB, marker any, columns ...string) (bool, error) {
	cols := make([]clause.Column, len(columns))
	for i, c := range columns {
		cols[i] = clause.Column{Name: c}
	}
	res := tx.Clauses(clause.OnConflict{Columns: cols, DoNothing: true}).Create(marker)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// claimPeriodJob flags job as run for periodKey.
func claimPeriodJob(tx *gorm.DB, job, periodKey string) (bool, error) {
	return claimMarker(tx, &models.PeriodJobRun{Job: job, PeriodKey: periodKey}, "job", "period_key")
}

// userLocation returns the user's streak timezone, defaulting to the app timezone.
func userLocation(tx *gorm.DB, cfg *config.Config, userID string) *time.Location {
	var zones []string
	tx.Model(&models.StreakState{}).Where("user_id = ?", userID).Limit(1).Pluck("timezone", &zones)
	if len(zones) == 0 || zones[0] == "" {
		return cfg.Location()
	}
	return utils.LoadLocation(zones[0])
}

// lockForUpdate adds SELECT ... FOR UPDATE where the dialect supports it.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
