package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// Notification event names
const (
	EventXPGain               = "xp_gain"
	EventLevelUp              = "level_up"
	EventStreakUpdate         = "streak_update"
	EventChallengeCompleted   = "challenge_completed"
	EventRewardGranted        = "reward_granted"
	EventTribeChallengeUpdate = "tribe_challenge_update"
	EventClanWarUpdate        = "clan_war_update"
	EventTribeWeeklyReset     = "tribe_weekly_reset"
)

// Notification is a push to a user or tribe channel.
type Notification struct {
	Channel string         `json:"-"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

func UserChannel(userID string) string   { return "user_" + userID }
func TribeChannel(tribeID string) string { return "tribe_" + tribeID }

// Notifier delivers notifications after their transaction committed.
type Notifier interface {
	Publish(ctx context.Context, notes ...Notification) error
}

// PgNotifier publishes through Postgres NOTIFY; EventHub relays it to SSE clients.
type PgNotifier struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

func NewPgNotifier(db *gorm.DB, logger *slog.Logger) *PgNotifier {
	return &PgNotifier{DB: db, Logger: logger}
}

func (n *PgNotifier) Publish(ctx context.Context, notes ...Notification) error {
	for _, note := range notes {
		payload, err := json.Marshal(note)
		if err != nil {
			return fmt.Errorf("marshal notification: %w", err)
		}
		if err := n.DB.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", note.Channel, string(payload)).Error; err != nil {
			return fmt.Errorf("pg_notify %s: %w", note.Channel, err)
		}
	}
	return nil
}

// LogNotifier only logs; used when no broker is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Publish(ctx context.Context, notes ...Notification) error {
	for _, note := range notes {
		n.Logger.InfoContext(ctx, "[NOTIFY] "+note.Event, "channel", note.Channel, "payload", note.Payload)
	}
	return nil
}
