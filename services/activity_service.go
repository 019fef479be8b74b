package services

import (
	"context"
	"fmt"
	"time"

	"progression-engine/config"
	"progression-engine/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Activity is one user action delivered by the gateway or a queue worker.
// Redelivery with the same ID is a no-op per pipeline step.
type Activity struct {
	ID         string         `json:"activity_id"`
	UserID     string         `json:"user_id"`
	Type       string         `json:"activity_type"`
	Value      int64          `json:"value"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Pipeline steps, each committed in its own transaction.
const (
	StepStreak    = "streak"
	StepChallenge = "challenge"
	StepEvent     = "event"
	StepXP        = "xp"
	StepCoins     = "coins"
)

// ActivityResult collects what each step did. Skipped lists steps already applied by an earlier delivery.
type ActivityResult struct {
	ActivityID string              `json:"activity_id"`
	Streak     *StreakResult       `json:"streak,omitempty"`
	Challenges []ChallengeProgress `json:"challenges,omitempty"`
	Events     *EventResult        `json:"events,omitempty"`
	XP         *XPResult           `json:"xp,omitempty"`
	Coins      *WalletResult       `json:"coins,omitempty"`
	Skipped    []string            `json:"skipped,omitempty"`
}

type ActivityService struct {
	Deps
	engine *Engine
}

func NewActivityService(deps Deps, engine *Engine) *ActivityService {
	return &ActivityService{Deps: deps, engine: engine}
}

func newActivityID() string {
	return uuid.NewString()
}

// RecordActivity runs the activity through the trackers, then the XP grant, then the coin reward.
// Streak, challenge and event tracking run concurrently; XP and coins wait for all three
// and pay what the events recorded together with the base reward, under the daily caps.
func (s *ActivityService) RecordActivity(ctx context.Context, act Activity) (*ActivityResult, error) {
	if act.UserID == "" {
		return nil, validationError("user_id is required")
	}
	if act.Type == "" {
		return nil, validationError("activity_type is required")
	}
	if act.Value == 0 {
		act.Value = 1
	}
	if act.Value < 0 {
		return nil, validationError("value must be positive, got %d", act.Value)
	}
	if act.ID == "" {
		act.ID = newActivityID()
		s.Logger.WarnContext(ctx, "[ACTIVITY] missing activity id, generated one", "user", act.UserID, "type", act.Type, "activity", act.ID)
	}

	e := s.engine
	templates, err := e.Challenges.currentTemplates(ctx, s.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("challenge templates: %w", err)
	}
	if _, _, err := e.Events.RefreshStatuses(ctx); err != nil {
		return nil, fmt.Errorf("current events: %w", err)
	}

	res := &ActivityResult{ActivityID: act.ID}
	skipped := make([]bool, 5)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if !config.QualifyingActions[act.Type] {
			return nil
		}
		ran, err := s.runStep(gctx, act, StepStreak, func(sc *txScope) error {
			var err error
			res.Streak, err = e.Streaks.markTx(sc, act.UserID, act.Type)
			return err
		})
		skipped[0] = !ran
		return err
	})
	g.Go(func() error {
		ran, err := s.runStep(gctx, act, StepChallenge, func(sc *txScope) error {
			var err error
			res.Challenges, err = e.Challenges.updateProgressTx(sc, templates, act)
			return err
		})
		skipped[1] = !ran
		return err
	})
	g.Go(func() error {
		ran, err := s.runStep(gctx, act, StepEvent, func(sc *txScope) error {
			var err error
			res.Events, err = e.Events.trackTx(sc, act)
			return err
		})
		skipped[2] = !ran
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Base and event XP share one capped grant, as do base and event coins.
	ran, err := s.runStep(ctx, act, StepXP, func(sc *txScope) error {
		owed, err := eventPayoutTx(sc.tx, act.UserID, act.ID)
		if err != nil {
			return err
		}
		amount := owed.XP
		if rule, ok := config.ActivityXP[act.Type]; ok {
			amount += rule.XP * act.Value
		}
		if amount <= 0 {
			return nil
		}
		res.XP, err = e.Progression.grantXPTx(sc, act.UserID, amount, act.Type)
		return err
	})
	if err != nil {
		return nil, err
	}
	skipped[3] = !ran

	ran, err = s.runStep(ctx, act, StepCoins, func(sc *txScope) error {
		owed, err := eventPayoutTx(sc.tx, act.UserID, act.ID)
		if err != nil {
			return err
		}
		amount := owed.Coins + config.CoinEarnRates[act.Type]*act.Value
		if amount <= 0 {
			return nil
		}
		res.Coins, err = e.Wallet.earnTx(sc, act.UserID, amount, act.Type)
		return err
	})
	if err != nil {
		return nil, err
	}
	skipped[4] = !ran

	for i, step := range []string{StepStreak, StepChallenge, StepEvent, StepXP, StepCoins} {
		if skipped[i] {
			res.Skipped = append(res.Skipped, step)
		}
	}
	s.Logger.DebugContext(ctx, "[ACTIVITY] recorded", "user", act.UserID, "type", act.Type, "activity", act.ID, "skipped", res.Skipped)
	return res, nil
}

// runStep applies fn once per (activity, step). It reports false when an earlier delivery already did.
func (s *ActivityService) runStep(ctx context.Context, act Activity, step string, fn func(sc *txScope) error) (bool, error) {
	ran, err := withConflictRetry(ctx, s.Logger, func() (bool, error) {
		ran := false
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			claimed, err := claimMarker(sc.tx, &models.ProcessedActivity{ActivityID: act.ID, Step: step, UserID: act.UserID}, "activity_id", "step")
			if err != nil || !claimed {
				return err
			}
			ran = true
			return fn(sc)
		})
		return ran, err
	})
	if err != nil {
		return false, fmt.Errorf("activity %s step %s: %w", act.ID, step, err)
	}
	return ran, nil
}
