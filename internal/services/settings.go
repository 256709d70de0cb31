package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalidSettings is returned when a settings update is out of range.
var ErrInvalidSettings = errors.New("invalid settings")

const (
	settingTemperature    = "temperature"
	settingEnhancedOutput = "enhanced_structured_output"
	settingProfileEnabled = "user_profile_enabled"

	maxTemperature = 2.0
)

// Settings are the per-user generation preferences. They are read once per
// request and passed down explicitly.
type Settings struct {
	Temperature              float32 `json:"temperature"`
	EnhancedStructuredOutput bool    `json:"enhanced_structured_output"`
	UserProfileEnabled       bool    `json:"user_profile_enabled"`
}

// SettingsPatch carries the fields a client wants to change.
type SettingsPatch struct {
	Temperature              *float32 `json:"temperature"`
	EnhancedStructuredOutput *bool    `json:"enhanced_structured_output"`
	UserProfileEnabled       *bool    `json:"user_profile_enabled"`
}

func DefaultSettings() Settings {
	return Settings{Temperature: 1.0, UserProfileEnabled: true}
}

type SettingsService struct {
	db *sql.DB
}

func NewSettingsService(db *sql.DB) *SettingsService {
	return &SettingsService{db: db}
}

// Get returns the stored settings merged over the defaults.
func (s *SettingsService) Get(ctx context.Context) (Settings, error) {
	settings := DefaultSettings()
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings;`)
	if err != nil {
		return settings, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return settings, fmt.Errorf("scan setting: %w", err)
		}
		switch key {
		case settingTemperature:
			if f, err := strconv.ParseFloat(value, 32); err == nil {
				settings.Temperature = float32(f)
			}
		case settingEnhancedOutput:
			if b, err := strconv.ParseBool(value); err == nil {
				settings.EnhancedStructuredOutput = b
			}
		case settingProfileEnabled:
			if b, err := strconv.ParseBool(value); err == nil {
				settings.UserProfileEnabled = b
			}
		}
	}
	return settings, rows.Err()
}

// Update applies patch to the stored settings and returns the result.
func (s *SettingsService) Update(ctx context.Context, patch SettingsPatch) (Settings, error) {
	settings, err := s.Get(ctx)
	if err != nil {
		return settings, err
	}
	if patch.Temperature != nil {
		settings.Temperature = *patch.Temperature
	}
	if patch.EnhancedStructuredOutput != nil {
		settings.EnhancedStructuredOutput = *patch.EnhancedStructuredOutput
	}
	if patch.UserProfileEnabled != nil {
		settings.UserProfileEnabled = *patch.UserProfileEnabled
	}
	if err := s.Save(ctx, settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (s *SettingsService) Save(ctx context.Context, settings Settings) (err error) {
	if settings.Temperature < 0 || settings.Temperature > maxTemperature {
		return fmt.Errorf("%w: temperature must be between 0 and %.1f", ErrInvalidSettings, maxTemperature)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	values := map[string]string{
		settingTemperature:    strconv.FormatFloat(float64(settings.Temperature), 'f', -1, 32),
		settingEnhancedOutput: strconv.FormatBool(settings.EnhancedStructuredOutput),
		settingProfileEnabled: strconv.FormatBool(settings.UserProfileEnabled),
	}
	for key, value := range values {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
		`, key, value, now); err != nil {
			return fmt.Errorf("save setting %s: %w", key, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}
