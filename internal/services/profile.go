package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"reviewgenius/internal/llm"
)

const (
	// DefaultProfile is used until the first exam has been graded.
	DefaultProfile = "No profile yet. Build an initial profile from this exam."

	profileDisabled = "Student profiling is disabled."

	summaryTemperature = 0.6
	profileTemperature = 0.5
)

// ProfileUpdate is the input of one background profile refresh.
type ProfileUpdate struct {
	APIKey    string
	Questions []map[string]any
	Answers   []any
}

// ProfileService stores the learner profile and refreshes it from graded exams.
type ProfileService struct {
	db      *sql.DB
	invoker ModelInvoker
}

func NewProfileService(db *sql.DB, invoker ModelInvoker) *ProfileService {
	return &ProfileService{db: db, invoker: invoker}
}

func (s *ProfileService) Get(ctx context.Context) (string, error) {
	var profile string
	err := s.db.QueryRowContext(ctx, `SELECT profile FROM user_profile WHERE id = 1;`).Scan(&profile)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultProfile, nil
	}
	if err != nil {
		return "", fmt.Errorf("load profile: %w", err)
	}
	return profile, nil
}

func (s *ProfileService) Save(ctx context.Context, profile string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profile (id, profile, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET profile = excluded.profile, updated_at = excluded.updated_at;
	`, profile, time.Now().UTC()); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// Refresh summarizes a graded exam and folds the summary into the stored
// profile. Empty model output leaves the profile untouched.
func (s *ProfileService) Refresh(ctx context.Context, update ProfileUpdate) error {
	summary, err := complete(ctx, s.invoker, llm.Request{
		APIKey:      update.APIKey,
		Messages:    []llm.Message{llm.UserMessage(buildSummaryPrompt(update.Questions, update.Answers))},
		Temperature: summaryTemperature,
	})
	if err != nil {
		return fmt.Errorf("summarize exam: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		log.Info(ctx, log.KV{K: "msg", V: "empty exam summary, profile unchanged"})
		return nil
	}

	current, err := s.Get(ctx)
	if err != nil {
		return err
	}
	updated, err := complete(ctx, s.invoker, llm.Request{
		APIKey:      update.APIKey,
		Messages:    []llm.Message{llm.UserMessage(buildProfileUpdatePrompt(current, summary))},
		Temperature: profileTemperature,
	})
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	updated = strings.TrimSpace(updated)
	if updated == "" {
		log.Info(ctx, log.KV{K: "msg", V: "empty profile from model, profile unchanged"})
		return nil
	}
	if err := s.Save(ctx, updated); err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "profile updated"}, log.KV{K: "profile_len", V: len(updated)})
	return nil
}

// profileText is the profile paragraph injected into generation prompts.
func profileText(settings Settings, profile string) string {
	if !settings.UserProfileEnabled {
		return profileDisabled
	}
	if strings.TrimSpace(profile) == "" {
		return DefaultProfile
	}
	return profile
}
