package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"progression-engine/models"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobFunc is one background job invocation for a period key.
type JobFunc func(ctx context.Context, periodKey string) error

// JobRunner retries jobs with exponential backoff and parks those that keep failing.
type JobRunner struct {
	db       *gorm.DB
	logger   *slog.Logger
	maxTries uint
	backOff  func() backoff.BackOff
}

func NewJobRunner(db *gorm.DB, logger *slog.Logger) *JobRunner {
	return &JobRunner{
		db:       db,
		logger:   logger,
		maxTries: 5,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Run executes fn until it succeeds or the retry budget runs out, then parks it.
// Jobs must be idempotent per period key: a parked job is re-run from the start.
func (r *JobRunner) Run(ctx context.Context, job, periodKey string, fn JobFunc) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, fn(ctx, periodKey)
	},
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.WarnContext(ctx, "[JOB] attempt failed", "job", job, "period", periodKey, "error", err, "retry_in", wait)
		}),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	r.logger.ErrorContext(ctx, "[JOB] parked", "job", job, "period", periodKey, "attempts", attempts, "error", err)
	payload, _ := json.Marshal(map[string]any{"parked_at": time.Now().UTC()})
	parked := models.ParkedJob{
		Job:       job,
		PeriodKey: periodKey,
		Attempts:  attempts,
		LastError: err.Error(),
		Payload:   datatypes.JSON(payload),
	}
	if perr := r.db.WithContext(context.WithoutCancel(ctx)).Create(&parked).Error; perr != nil {
		return fmt.Errorf("park %s: %w (job error: %v)", job, perr, err)
	}
	return err
}

// Parked lists unresolved parked jobs, oldest first.
func (r *JobRunner) Parked(ctx context.Context) ([]models.ParkedJob, error) {
	var jobs []models.ParkedJob
	err := r.db.WithContext(ctx).Where("resolved = ?", false).Order("created_at ASC").Find(&jobs).Error
	return jobs, err
}

// Resolve marks a parked job as handled.
func (r *JobRunner) Resolve(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.ParkedJob{}).Where("id = ?", id).Update("resolved", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
