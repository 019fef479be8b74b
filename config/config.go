package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration, read from the environment (and .env when present).
type Config struct {
	Port           string   `env:"PORT" envDefault:"5200"`
	DatabaseURL    string   `env:"DATABASE_URL,required,notEmpty"`
	GatewayToken   string   `env:"GAME_SERVICE_TOKEN,required,notEmpty"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`

	// Timezone that defines challenge and event periods.
	AppTimezone string `env:"APP_TIMEZONE" envDefault:"UTC"`

	PowerHourStartHour int           `env:"POWER_HOUR_START_HOUR" envDefault:"19"`
	PowerHourDuration  time.Duration `env:"POWER_HOUR_DURATION" envDefault:"1h"`
	PowerHourXPMult    float64       `env:"POWER_HOUR_XP_MULTIPLIER" envDefault:"2"`
	PowerHourClanMult  float64       `env:"POWER_HOUR_CLAN_POINTS_MULTIPLIER" envDefault:"2"`

	DailyXPCap   int64 `env:"DAILY_XP_CAP" envDefault:"100"`
	DailyCoinCap int64 `env:"DAILY_COIN_CAP" envDefault:"100"`

	ArchiveRetention time.Duration `env:"ARCHIVE_RETENTION" envDefault:"1344h"` // 8 weeks

	AuthServiceURL     string        `env:"AUTH_SERVICE_URL"`
	SocialServiceURL   string        `env:"SOCIAL_SERVICE_URL"`
	PaymentsServiceURL string        `env:"PAYMENTS_SERVICE_URL"`
	ServiceToken       string        `env:"SERVICE_TOKEN"`
	SyncInterval       time.Duration `env:"SYNC_INTERVAL" envDefault:"1m"`

	R2 R2Config `envPrefix:"R2_"`
}

// R2Config configures the archive bucket. Archiving is disabled when Bucket is empty.
type R2Config struct {
	AccountID       string `env:"ACCOUNT_ID"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	AccessKeySecret string `env:"ACCESS_KEY_SECRET"`
	Bucket          string `env:"BUCKET_NAME"`
	Endpoint        string `env:"ENDPOINT"`
}

// Load reads .env (if any) and parses the environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if _, err := time.LoadLocation(cfg.AppTimezone); err != nil {
		return nil, fmt.Errorf("APP_TIMEZONE %q: %w", cfg.AppTimezone, err)
	}
	if cfg.PowerHourStartHour < 0 || cfg.PowerHourStartHour > 23 {
		return nil, fmt.Errorf("POWER_HOUR_START_HOUR must be 0-23, got %d", cfg.PowerHourStartHour)
	}
	return cfg, nil
}

// Defaults returns a Config with every default applied and no required values set.
func Defaults() *Config {
	return &Config{
		Port:               "5200",
		LogLevel:           "info",
		AppTimezone:        "UTC",
		PowerHourStartHour: 19,
		PowerHourDuration:  time.Hour,
		PowerHourXPMult:    2,
		PowerHourClanMult:  2,
		DailyXPCap:         100,
		DailyCoinCap:       100,
		ArchiveRetention:   8 * 7 * 24 * time.Hour,
		SyncInterval:       time.Minute,
	}
}

// Location returns the app timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.AppTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
