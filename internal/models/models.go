package models

import (
	"database/sql"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

// ReviewItem is a graded question scheduled for spaced review.
type ReviewItem struct {
	ID            int64
	Kind          QuestionKind
	Stem          string
	Question      string // JSON of the untyped question
	LastScore     float64
	MaxScore      float64
	Due           sql.NullTime
	Stability     float64
	Difficulty    float64
	ElapsedDays   int
	ScheduledDays int
	Reps          int
	Lapses        int
	State         int
	LastReview    sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ReviewLog struct {
	ID            int64
	ItemID        int64
	Rating        int
	ScheduledDays int
	ElapsedDays   int
	State         int
	ReviewedAt    time.Time
}

func (r *ReviewItem) ToFSRSCard() fsrs.Card {
	card := fsrs.Card{
		Stability:     r.Stability,
		Difficulty:    r.Difficulty,
		ElapsedDays:   uint64(max(r.ElapsedDays, 0)),
		ScheduledDays: uint64(max(r.ScheduledDays, 0)),
		Reps:          uint64(max(r.Reps, 0)),
		Lapses:        uint64(max(r.Lapses, 0)),
		State:         fsrs.State(max(r.State, 0)),
	}
	if r.Due.Valid {
		card.Due = r.Due.Time
	}
	if r.LastReview.Valid {
		card.LastReview = r.LastReview.Time
	}
	return card
}

func (r *ReviewItem) ApplyFSRSCard(f fsrs.Card) {
	r.Due = sql.NullTime{Time: f.Due, Valid: !f.Due.IsZero()}
	r.Stability = f.Stability
	r.Difficulty = f.Difficulty
	r.ElapsedDays = int(f.ElapsedDays)
	r.ScheduledDays = int(f.ScheduledDays)
	r.Reps = int(f.Reps)
	r.Lapses = int(f.Lapses)
	r.State = int(f.State)
	r.LastReview = sql.NullTime{Time: f.LastReview, Valid: !f.LastReview.IsZero()}
}
