package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"progression-engine/config"
	"progression-engine/models"
	"progression-engine/utils"

	lru "github.com/hashicorp/golang-lru"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Multipliers apply to XP and clan points recorded through event participation.
type Multipliers struct {
	XP         float64 `json:"xp"`
	ClanPoints float64 `json:"clan_points"`
	EventID    string  `json:"event_id,omitempty"`
}

var noMultipliers = Multipliers{XP: 1, ClanPoints: 1}

// EventResult is what one activity did to the running events.
type EventResult struct {
	Multipliers Multipliers        `json:"multipliers"`
	ClanWar     *EventContribution `json:"clan_war,omitempty"`
	PowerHour   *EventContribution `json:"power_hour,omitempty"`
	XP          *XPResult          `json:"xp,omitempty"`
	Coins       *WalletResult      `json:"coins,omitempty"`
}

// EventContribution is one activity's effect on one event.
type EventContribution struct {
	EventID    string `json:"event_id"`
	TribeID    string `json:"tribe_id,omitempty"`
	Points     int64  `json:"points,omitempty"`
	XP         int64  `json:"xp"`
	ClanPoints int64  `json:"clan_points,omitempty"`
	Coins      int64  `json:"coins,omitempty"`
	Bonus      int64  `json:"bonus,omitempty"`
}

const jobClanWarClose = "clan_war_close"

type EventService struct {
	Deps
	rewards *RewardDispatcher
	tribes  *TribeService
	cache   *lru.Cache
}

func NewEventService(deps Deps, rewards *RewardDispatcher, tribes *TribeService) (*EventService, error) {
	cache, err := lru.New(64)
	if err != nil {
		return nil, fmt.Errorf("event cache: %w", err)
	}
	return &EventService{Deps: deps, rewards: rewards, tribes: tribes, cache: cache}, nil
}

func statusAt(now, start, end time.Time) models.EventStatus {
	switch {
	case now.Before(start):
		return models.EventScheduled
	case now.Before(end):
		return models.EventActive
	default:
		return models.EventCompleted
	}
}

// clanWarFor builds the clan war of the week containing now.
func (s *EventService) clanWarFor(now time.Time) *models.Event {
	loc := s.Config.Location()
	weekKey := utils.ISOWeekKey(now, loc)
	start, end := utils.WeekWindow(now, loc)
	obj := config.ClanWarObjectiveFor(weekKey)
	return &models.Event{
		Type:                 models.EventClanWar,
		PeriodKey:            weekKey,
		Title:                obj.Title,
		Objective:            obj.Key,
		StartsAt:             start,
		EndsAt:               end,
		XPMultiplier:         1,
		ClanPointsMultiplier: 1,
		Rewards:              models.RewardBundle{Badge: models.BadgeClanWarChampion},
		Status:               statusAt(now, start, end),
	}
}

// powerHourFor builds the power hour of the local day containing now.
func (s *EventService) powerHourFor(now time.Time) *models.Event {
	loc := s.Config.Location()
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), s.Config.PowerHourStartHour, 0, 0, 0, loc).UTC()
	end := start.Add(s.Config.PowerHourDuration)
	return &models.Event{
		Type:                 models.EventPowerHour,
		PeriodKey:            utils.LocalDateString(now, loc),
		Title:                "Power Hour",
		StartsAt:             start,
		EndsAt:               end,
		XPMultiplier:         s.Config.PowerHourXPMult,
		ClanPointsMultiplier: s.Config.PowerHourClanMult,
		Status:               statusAt(now, start, end),
	}
}

// ensureEvent upserts an event row by (type, period_key) and returns the stored row.
func (s *EventService) ensureEvent(ctx context.Context, ev *models.Event) (*models.Event, error) {
	key := string(ev.Type) + ":" + ev.PeriodKey
	if v, ok := s.cache.Get(key); ok {
		stored := v.(models.Event)
		return &stored, nil
	}
	db := s.DB.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "type"}, {Name: "period_key"}},
		DoNothing: true,
	}).Create(ev).Error; err != nil {
		return nil, fmt.Errorf("create %s %s: %w", ev.Type, ev.PeriodKey, err)
	}
	var stored models.Event
	if err := db.Where("type = ? AND period_key = ?", ev.Type, ev.PeriodKey).First(&stored).Error; err != nil {
		return nil, err
	}
	// only the immutable identity is cached; status is re-read inside transactions
	s.cache.Add(key, stored)
	return &stored, nil
}

// EnsureCurrentEvents creates this week's clan war and today's and tomorrow's power hours.
func (s *EventService) EnsureCurrentEvents(ctx context.Context) ([]*models.Event, error) {
	now := s.Clock.Now()
	var out []*models.Event
	for _, ev := range []*models.Event{s.clanWarFor(now), s.powerHourFor(now), s.powerHourFor(now.Add(24 * time.Hour))} {
		stored, err := s.ensureEvent(ctx, ev)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// RefreshStatuses moves events through scheduled -> active -> completed by their windows.
// Ended clan wars stay active until CloseClanWar snapshots them.
func (s *EventService) RefreshStatuses(ctx context.Context) (activated, completed int64, err error) {
	if _, err := s.EnsureCurrentEvents(ctx); err != nil {
		return 0, 0, err
	}
	now := s.Clock.Now()
	db := s.DB.WithContext(ctx)

	res := db.Model(&models.Event{}).
		Where("status = ? AND starts_at <= ? AND ends_at > ?", models.EventScheduled, now, now).
		Update("status", models.EventActive)
	if res.Error != nil {
		return 0, 0, res.Error
	}
	activated = res.RowsAffected

	res = db.Model(&models.Event{}).
		Where("type = ? AND status <> ? AND ends_at <= ?", models.EventPowerHour, models.EventCompleted, now).
		Update("status", models.EventCompleted)
	if res.Error != nil {
		return activated, 0, res.Error
	}
	return activated, res.RowsAffected, nil
}

// EndedClanWars lists clan wars whose window passed but are not closed yet.
func (s *EventService) EndedClanWars(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	err := s.DB.WithContext(ctx).
		Where("type = ? AND status <> ? AND ends_at <= ?", models.EventClanWar, models.EventCompleted, s.Clock.Now()).
		Order("ends_at ASC").
		Find(&events).Error
	return events, err
}

// activeEventTx returns the active event of a type whose window contains now, or nil.
// Status is kept by RefreshStatuses; a closed clan war is completed and stops scoring.
func activeEventTx(tx *gorm.DB, t models.EventType, now time.Time) (*models.Event, error) {
	var ev models.Event
	err := tx.Where("type = ? AND status = ? AND starts_at <= ? AND ends_at > ?", t, models.EventActive, now, now).
		Order("starts_at DESC").Limit(1).Find(&ev).Error
	if err != nil {
		return nil, err
	}
	if ev.ID == "" {
		return nil, nil
	}
	return &ev, nil
}

func multipliersTx(tx *gorm.DB, now time.Time) (Multipliers, *models.Event, error) {
	ph, err := activeEventTx(tx, models.EventPowerHour, now)
	if err != nil || ph == nil {
		return noMultipliers, nil, err
	}
	return Multipliers{XP: ph.XPMultiplier, ClanPoints: ph.ClanPointsMultiplier, EventID: ph.ID}, ph, nil
}

// GetCurrentMultipliers returns the power-hour multipliers at now, or {1, 1} outside an active one.
func (s *EventService) GetCurrentMultipliers(ctx context.Context, now time.Time) (Multipliers, error) {
	m, _, err := multipliersTx(s.DB.WithContext(ctx), now.UTC())
	return m, err
}

// UpdateClanWarScore applies one activity to the running events and pays the event XP and coins
// it earns under the daily caps.
func (s *EventService) UpdateClanWarScore(ctx context.Context, userID, activityType string, value int64) (*EventResult, error) {
	return s.track(ctx, Activity{UserID: userID, Type: activityType, Value: value, ID: newActivityID()})
}

func (s *EventService) track(ctx context.Context, act Activity) (*EventResult, error) {
	if act.UserID == "" {
		return nil, validationError("user_id is required")
	}
	if act.Value <= 0 {
		return nil, validationError("value must be positive")
	}
	if _, _, err := s.RefreshStatuses(ctx); err != nil {
		return nil, err
	}
	return withConflictRetry(ctx, s.Logger, func() (*EventResult, error) {
		var res *EventResult
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			var err error
			if res, err = s.trackTx(sc, act); err != nil {
				return err
			}
			owed, err := eventPayoutTx(sc.tx, act.UserID, act.ID)
			if err != nil {
				return err
			}
			if owed.XP > 0 {
				if res.XP, err = s.rewards.progression.grantXPTx(sc, act.UserID, owed.XP, act.Type); err != nil {
					return err
				}
			}
			if owed.Coins > 0 {
				if res.Coins, err = s.rewards.wallet.earnTx(sc, act.UserID, owed.Coins, act.Type); err != nil {
					return err
				}
			}
			return nil
		})
		return res, err
	})
}

// trackTx records the activity in the running power hour and clan war.
// It pays nothing: the XP and coins it earns are stored on the event activity rows.
func (s *EventService) trackTx(sc *txScope, act Activity) (*EventResult, error) {
	mult, powerHour, err := multipliersTx(sc.tx, sc.now)
	if err != nil {
		return nil, err
	}
	res := &EventResult{Multipliers: mult}

	if powerHour != nil {
		if res.PowerHour, err = s.powerHourTx(sc, powerHour, act); err != nil {
			return nil, err
		}
	}
	if res.ClanWar, err = s.clanWarTx(sc, act, mult); err != nil {
		return nil, err
	}
	return res, nil
}

// powerHourTx records participation and the XP bonus owed on top of the base activity XP.
func (s *EventService) powerHourTx(sc *txScope, ev *models.Event, act Activity) (*EventContribution, error) {
	rule, ok := config.ActivityXP[act.Type]
	if !ok {
		return nil, nil
	}
	base := rule.XP * act.Value
	total := int64(math.Round(float64(base) * ev.XPMultiplier))
	bonus := total - base
	if bonus < 0 {
		bonus = 0
	}

	part, err := ensureParticipationTx(sc.tx, act.UserID, ev.ID, "")
	if err != nil {
		return nil, err
	}
	entry := eventEntry{xp: total, payoutXP: bonus, bonus: bonus, xpMult: ev.XPMultiplier}
	if err := bumpParticipationTx(sc.tx, part, act, entry); err != nil {
		return nil, err
	}
	return &EventContribution{EventID: ev.ID, XP: total, Bonus: bonus}, nil
}

// clanWarTx scores the user's tribe and records the multiplied participation.
func (s *EventService) clanWarTx(sc *txScope, act Activity, mult Multipliers) (*EventContribution, error) {
	ev, err := activeEventTx(sc.tx, models.EventClanWar, sc.now)
	if err != nil || ev == nil {
		return nil, err
	}
	obj, ok := config.LookupClanWarObjective(ev.Objective)
	if !ok || !obj.Counts(act.Type) {
		return nil, nil
	}
	tribeID, err := tribeOfTx(sc.tx, act.UserID)
	if err != nil || tribeID == "" {
		return nil, err
	}

	points := act.Value * obj.PointsPerAction
	standing := models.TribeEventStanding{EventID: ev.ID, TribeID: tribeID}
	if err := sc.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}, {Name: "tribe_id"}},
		DoNothing: true,
	}).Create(&standing).Error; err != nil {
		return nil, err
	}
	upd := sc.tx.Model(&models.TribeEventStanding{}).
		Where("event_id = ? AND tribe_id = ? AND closed = ?", ev.ID, tribeID, false).
		Update("score", gorm.Expr("score + ?", points))
	if upd.Error != nil {
		return nil, upd.Error
	}
	if upd.RowsAffected == 0 {
		return nil, nil // closed under us
	}

	baseXP := act.Value * obj.XPPerAction
	xp := int64(math.Round(float64(baseXP) * mult.XP))
	clanPoints := int64(math.Round(float64(points) * mult.ClanPoints))
	coins := act.Value * obj.CoinsPerAction
	bonus := (xp - baseXP) + (clanPoints - points)

	part, err := ensureParticipationTx(sc.tx, act.UserID, ev.ID, tribeID)
	if err != nil {
		return nil, err
	}
	entry := eventEntry{xp: xp, payoutXP: xp, clanPoints: clanPoints, coins: coins, bonus: bonus, xpMult: mult.XP}
	if err := bumpParticipationTx(sc.tx, part, act, entry); err != nil {
		return nil, err
	}

	var score int64
	if err := sc.tx.Model(&models.TribeEventStanding{}).
		Where("event_id = ? AND tribe_id = ?", ev.ID, tribeID).
		Pluck("score", &score).Error; err != nil {
		return nil, err
	}
	sc.emit(TribeChannel(tribeID), EventClanWarUpdate, map[string]any{
		"event_id": ev.ID, "score": score, "delta": points, "objective": obj.Key,
	})
	return &EventContribution{EventID: ev.ID, TribeID: tribeID, Points: points, XP: xp, ClanPoints: clanPoints, Coins: coins, Bonus: bonus}, nil
}

// EventPayout is the XP and coins an activity's event records owe its user.
type EventPayout struct {
	XP    int64
	Coins int64
}

// eventPayoutTx sums what the event records of one activity owe the user.
func eventPayoutTx(tx *gorm.DB, userID, activityID string) (EventPayout, error) {
	var out EventPayout
	err := tx.Model(&models.UserEventActivity{}).
		Select("COALESCE(SUM(user_event_activities.payout_xp), 0) AS xp, COALESCE(SUM(user_event_activities.coins), 0) AS coins").
		Joins("JOIN user_event_participations ON user_event_participations.id = user_event_activities.participation_id").
		Where("user_event_activities.activity_id = ? AND user_event_participations.user_id = ?", activityID, userID).
		Scan(&out).Error
	return out, err
}

func ensureParticipationTx(tx *gorm.DB, userID, eventID, tribeID string) (*models.UserEventParticipation, error) {
	p := models.UserEventParticipation{UserID: userID, EventID: eventID, TribeID: tribeID}
	if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "event_id"}},
		DoNothing: true,
	}).Create(&p).Error; err != nil {
		return nil, err
	}
	var cur models.UserEventParticipation
	if err := tx.Where("user_id = ? AND event_id = ?", userID, eventID).First(&cur).Error; err != nil {
		return nil, err
	}
	return &cur, nil
}

type eventEntry struct {
	xp, payoutXP, clanPoints, coins, bonus int64
	xpMult                                 float64
}

// bumpParticipationTx increments the aggregates and appends the activity log entry.
func bumpParticipationTx(tx *gorm.DB, p *models.UserEventParticipation, act Activity, e eventEntry) error {
	if err := tx.Model(&models.UserEventParticipation{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
		"total_actions":     gorm.Expr("total_actions + ?", 1),
		"total_xp":          gorm.Expr("total_xp + ?", e.xp),
		"total_clan_points": gorm.Expr("total_clan_points + ?", e.clanPoints),
		"total_coins":       gorm.Expr("total_coins + ?", e.coins),
		"multiplier_bonus":  gorm.Expr("multiplier_bonus + ?", e.bonus),
	}).Error; err != nil {
		return err
	}
	return tx.Create(&models.UserEventActivity{
		ParticipationID: p.ID,
		ActivityID:      act.ID,
		ActivityType:    act.Type,
		Value:           act.Value,
		XP:              e.xp,
		PayoutXP:        e.payoutXP,
		ClanPoints:      e.clanPoints,
		Coins:           e.coins,
		XPMultiplier:    e.xpMult,
	}).Error
}

// CloseClanWar ranks the tribes, snapshots standings, rewards the winner and resets scores.
// Runs once per event.
func (s *EventService) CloseClanWar(ctx context.Context, eventID string) (*CloseResult, error) {
	result := &CloseResult{PeriodKey: eventID}
	err := runInTx(ctx, s.Deps, func(sc *txScope) error {
		var ev models.Event
		err := lockForUpdate(sc.tx).Where("id = ? AND type = ?", eventID, models.EventClanWar).First(&ev).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		claimed, err := claimPeriodJob(sc.tx, jobClanWarClose, eventID)
		if err != nil {
			return err
		}
		if !claimed {
			result.AlreadyClosed = true
			return nil
		}

		var rows []models.TribeEventStanding
		if err := lockForUpdate(sc.tx).
			Where("event_id = ? AND closed = ?", eventID, false).
			Order("score DESC").Order("tribe_id ASC").
			Find(&rows).Error; err != nil {
			return err
		}

		var winnerID *string
		for i, row := range rows {
			rank := i + 1
			winner := rank == 1 && row.Score > 0
			if err := sc.tx.Model(&models.TribeEventStanding{}).Where("id = ?", row.ID).
				Updates(map[string]interface{}{
					"final_score":   row.Score,
					"rank":          rank,
					"winning_tribe": winner,
					"score":         0,
					"closed":        true,
				}).Error; err != nil {
				return err
			}
			if winner {
				id := row.TribeID
				winnerID = &id
				if err := rewardWinningTribeTx(sc.tx, row.TribeID, models.BadgeClanWarChampion, config.ClanWarWinnerMultiplier, ev.EndsAt.Add(7*24*time.Hour), true); err != nil {
					return err
				}
			}
			result.Standings = append(result.Standings, TribeStanding{TribeID: row.TribeID, Score: row.Score, Rank: rank, WinningTribe: winner})
			sc.emit(TribeChannel(row.TribeID), EventClanWarUpdate, map[string]any{
				"event_id": eventID, "final_score": row.Score, "rank": rank, "winning_tribe": winner, "closed": true,
			})
		}

		snapshot, err := json.Marshal(result.Standings)
		if err != nil {
			return err
		}
		return sc.tx.Model(&models.Event{}).Where("id = ?", eventID).Updates(map[string]interface{}{
			"status":           models.EventCompleted,
			"winning_tribe_id": winnerID,
			"final_standings":  datatypes.JSON(snapshot),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	if result.AlreadyClosed {
		standings, err := s.ClanWarStandings(ctx, eventID)
		if err != nil {
			return nil, err
		}
		result.Standings = standings
	}
	s.Logger.Info("[EVENT] clan war closed", "event", eventID, "tribes", len(result.Standings), "already_closed", result.AlreadyClosed)
	return result, nil
}

// ClanWarStandings returns clan-war standings: live while running, the final snapshot once closed.
func (s *EventService) ClanWarStandings(ctx context.Context, eventID string) ([]TribeStanding, error) {
	db := s.DB.WithContext(ctx)
	var found int64
	if err := db.Model(&models.Event{}).Where("id = ?", eventID).Count(&found).Error; err != nil {
		return nil, err
	}
	if found == 0 {
		return nil, ErrNotFound
	}
	var rows []models.TribeEventStanding
	if err := db.Where("event_id = ?", eventID).Find(&rows).Error; err != nil {
		return nil, err
	}
	names, err := s.tribes.tribeNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TribeStanding, 0, len(rows))
	for _, r := range rows {
		score := r.Score
		if r.Closed {
			score = r.FinalScore
		}
		out = append(out, TribeStanding{
			TribeID: r.TribeID, TribeName: names[r.TribeID], Score: score,
			Rank: r.Rank, WinningTribe: r.WinningTribe,
		})
	}
	sortStandings(out)
	return out, nil
}

// CurrentEvents returns events running now.
func (s *EventService) CurrentEvents(ctx context.Context) ([]models.Event, error) {
	if _, err := s.EnsureCurrentEvents(ctx); err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	var events []models.Event
	err := s.DB.WithContext(ctx).
		Where("starts_at <= ? AND ends_at > ?", now, now).
		Order("ends_at ASC").
		Find(&events).Error
	for i := range events {
		events[i].Status = statusAt(now, events[i].StartsAt, events[i].EndsAt)
	}
	return events, err
}

// UpcomingEvents returns events that have not started yet.
func (s *EventService) UpcomingEvents(ctx context.Context, limit int) ([]models.Event, error) {
	if _, err := s.EnsureCurrentEvents(ctx); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 50 {
		limit = 10
	}
	var events []models.Event
	err := s.DB.WithContext(ctx).
		Where("starts_at > ?", s.Clock.Now()).
		Order("starts_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// Participation returns a user's participation in an event with its activity log.
func (s *EventService) Participation(ctx context.Context, userID, eventID string) (*models.UserEventParticipation, error) {
	var p models.UserEventParticipation
	err := s.DB.WithContext(ctx).
		Preload("Activities", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Where("user_id = ? AND event_id = ?", userID, eventID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &p, err
}
