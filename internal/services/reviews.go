package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"reviewgenius/internal/models"
)

// ErrNoDueReviews indicates that no graded question is ready for review.
var ErrNoDueReviews = errors.New("no due reviews")

const reviewColumns = `id, kind, stem, question_json, last_score, max_score, due, stability, difficulty,
	elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at`

// ReviewService schedules graded questions for spaced review with FSRS.
type ReviewService struct {
	db     *sql.DB
	params fsrs.Parameters
	now    func() time.Time
}

func NewReviewService(db *sql.DB) *ReviewService {
	return &ReviewService{
		db:     db,
		params: fsrs.DefaultParam(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RatingForScore maps a graded score onto an FSRS rating.
func RatingForScore(score, maxScore float64) fsrs.Rating {
	if maxScore <= 0 || score <= 0 {
		return fsrs.Again
	}
	ratio := score / maxScore
	switch {
	case ratio < 0.6:
		return fsrs.Hard
	case ratio < 1:
		return fsrs.Good
	default:
		return fsrs.Easy
	}
}

// Record stores a graded question as a new review item and applies its first
// review using the rating derived from the score.
func (s *ReviewService) Record(ctx context.Context, graded GradedQuestion) (*models.ReviewItem, error) {
	if graded.Question == nil {
		return nil, fmt.Errorf("record review: missing question")
	}
	raw, err := json.Marshal(models.ToUntyped(graded.Question))
	if err != nil {
		return nil, fmt.Errorf("encode question: %w", err)
	}

	now := s.now()
	item := &models.ReviewItem{
		Kind:      graded.Question.Kind(),
		Stem:      questionStem(graded.Question),
		Question:  string(raw),
		LastScore: graded.Score,
		MaxScore:  graded.Question.MaxScore(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO review_items (kind, stem, question_json, last_score, max_score, due, stability, difficulty,
		                          elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		string(item.Kind), item.Stem, item.Question, item.LastScore, item.MaxScore,
		nullTimePtr(item.Due), item.Stability, item.Difficulty, item.ElapsedDays, item.ScheduledDays,
		item.Reps, item.Lapses, item.State, nullTimePtr(item.LastReview), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert review item: %w", err)
	}
	if item.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("review item id: %w", err)
	}

	if _, err = s.apply(ctx, tx, item, RatingForScore(graded.Score, item.MaxScore)); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit review item: %w", err)
	}
	return item, nil
}

// NextDue returns the review item with the earliest due date that has passed.
func (s *ReviewService) NextDue(ctx context.Context) (*models.ReviewItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+reviewColumns+`
		FROM review_items
		WHERE due IS NOT NULL AND due <= ?
		ORDER BY due ASC
		LIMIT 1;
	`, s.now())
	item, err := scanReviewItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDueReviews
	}
	if err != nil {
		return nil, fmt.Errorf("load next review: %w", err)
	}
	return item, nil
}

// Review reschedules an item after the learner rated their recall.
func (s *ReviewService) Review(ctx context.Context, id int64, rating fsrs.Rating) (*models.ReviewItem, *models.ReviewLog, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	item, err := scanReviewItem(tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE id = ?;`, id))
	if err != nil {
		return nil, nil, fmt.Errorf("load review item %d: %w", id, err)
	}

	reviewLog, err := s.apply(ctx, tx, item, rating)
	if err != nil {
		return nil, nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit review: %w", err)
	}
	return item, reviewLog, nil
}

func (s *ReviewService) apply(ctx context.Context, tx *sql.Tx, item *models.ReviewItem, rating fsrs.Rating) (*models.ReviewLog, error) {
	now := s.now()
	scheduling := s.params.Repeat(item.ToFSRSCard(), now)
	info, ok := scheduling[rating]
	if !ok {
		return nil, fmt.Errorf("rating %d not supported", rating)
	}
	item.ApplyFSRSCard(info.Card)
	item.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		UPDATE review_items
		SET due = ?, stability = ?, difficulty = ?, elapsed_days = ?, scheduled_days = ?,
		    reps = ?, lapses = ?, state = ?, last_review = ?, updated_at = ?
		WHERE id = ?;
	`,
		nullTimePtr(item.Due),
		item.Stability,
		item.Difficulty,
		item.ElapsedDays,
		item.ScheduledDays,
		item.Reps,
		item.Lapses,
		item.State,
		nullTimePtr(item.LastReview),
		item.UpdatedAt,
		item.ID,
	); err != nil {
		return nil, fmt.Errorf("update review item %d: %w", item.ID, err)
	}

	reviewLog := &models.ReviewLog{
		ItemID:        item.ID,
		Rating:        int(info.ReviewLog.Rating),
		ScheduledDays: int(info.ReviewLog.ScheduledDays),
		ElapsedDays:   int(info.ReviewLog.ElapsedDays),
		State:         int(info.ReviewLog.State),
		ReviewedAt:    now,
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO review_logs (item_id, rating, scheduled_days, elapsed_days, state, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, reviewLog.ItemID, reviewLog.Rating, reviewLog.ScheduledDays, reviewLog.ElapsedDays, reviewLog.State, now)
	if err != nil {
		return nil, fmt.Errorf("insert review log: %w", err)
	}
	reviewLog.ID, _ = res.LastInsertId()
	return reviewLog, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReviewItem(row rowScanner) (*models.ReviewItem, error) {
	item := &models.ReviewItem{}
	var kind string
	if err := row.Scan(
		&item.ID,
		&kind,
		&item.Stem,
		&item.Question,
		&item.LastScore,
		&item.MaxScore,
		&item.Due,
		&item.Stability,
		&item.Difficulty,
		&item.ElapsedDays,
		&item.ScheduledDays,
		&item.Reps,
		&item.Lapses,
		&item.State,
		&item.LastReview,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.Kind = models.QuestionKind(kind)
	return item, nil
}

func questionStem(q models.Question) string {
	switch q := q.(type) {
	case *models.MultipleChoice:
		return q.Stem
	case *models.FillInTheBlank:
		return q.Stem
	case *models.ShortAnswer:
		return q.Stem
	}
	return ""
}

func nullTimePtr(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return t.Time
}
