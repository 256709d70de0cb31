package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	fsrs "github.com/open-spaced-repetition/go-fsrs"
	"goa.design/clue/log"

	"reviewgenius/internal/jsonstream"
	"reviewgenius/internal/llm"
	"reviewgenius/internal/models"
	"reviewgenius/internal/services"
)

const (
	maxFormMemory = 8 << 20 // 8 MB

	profileJobKind = "profile_update"
)

// Services bundles everything the HTTP layer dispatches to.
type Services struct {
	Exams    *services.ExamService
	Grading  *services.GradingService
	Settings *services.SettingsService
	Profiles *services.ProfileService
	Reviews  *services.ReviewService
	Tasks    *services.TaskQueue
	Jobs     *services.JobManager
}

type Options struct {
	// DefaultAPIKey is used when a request carries no api_key.
	DefaultAPIKey string
	// RequestTimeout bounds every model-backed request. Zero means no limit.
	RequestTimeout time.Duration
}

type Server struct {
	router *mux.Router
	svc    Services
	opts   Options
}

func NewServer(svc Services, opts Options) *Server {
	s := &Server{
		router: mux.NewRouter(),
		svc:    svc,
		opts:   opts,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		methodNotAllowed(w)
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/process", s.handleGenerate).Methods(http.MethodPost)
	r.HandleFunc("/api/regenerate_question", s.handleRegenerate).Methods(http.MethodPost)
	r.HandleFunc("/api/grade", s.handleGrade).Methods(http.MethodPost)
	r.HandleFunc("/api/ws/grade", s.handleGradeWS).Methods(http.MethodGet)
	r.HandleFunc("/api/ws/regenerate_question", s.handleRegenerateWS).Methods(http.MethodGet)
	r.HandleFunc("/api/settings", s.handleGetSettings).Methods(http.MethodGet)
	r.HandleFunc("/api/settings", s.handleUpdateSettings).Methods(http.MethodPost)
	r.HandleFunc("/api/profile", s.handleGetProfile).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", s.handlePutProfile).Methods(http.MethodPut)
	r.HandleFunc("/api/profile/jobs/{id}", s.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/reviews/next", s.handleNextReview).Methods(http.MethodGet)
	r.HandleFunc("/api/reviews/{id:[0-9]+}/review", s.handleReview).Methods(http.MethodPost)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	counts, err := parseCounts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	settings, err := s.svc.Settings.Get(ctx)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	profile, err := s.svc.Profiles.Get(ctx)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	req := services.GenerateRequest{
		APIKey:      s.apiKey(r.FormValue("api_key")),
		SourceText:  r.FormValue("source_text"),
		Requirement: r.FormValue("user_input"),
		Calculation: counts.calculation,
		Settings:    settings,
		Profile:     profile,
	}
	req.MultipleChoice = counts.multipleChoice
	req.FillInTheBlank = counts.fillInTheBlank
	req.ShortAnswer = counts.shortAnswer

	src, err := s.svc.Exams.Generate(ctx, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	streamEvents(ctx, w, src)
}

type regenerateRequest struct {
	APIKey          string                    `json:"api_key"`
	Question        map[string]any            `json:"question"`
	Action          services.RegenerateAction `json:"action"`
	UserRequirement string                    `json:"user_requirement"`
	SourceText      string                    `json:"source_text"`
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var payload regenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	src, err := s.regenerate(ctx, payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	streamEvents(ctx, w, src)
}

func (s *Server) regenerate(ctx context.Context, payload regenerateRequest) (jsonstream.EventSource, error) {
	settings, err := s.svc.Settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	return s.svc.Exams.Regenerate(ctx, services.RegenerateRequest{
		APIKey:      s.apiKey(payload.APIKey),
		Question:    payload.Question,
		Action:      payload.Action,
		Requirement: payload.UserRequirement,
		SourceText:  payload.SourceText,
		Settings:    settings,
	})
}

type gradeRequest struct {
	APIKey    string           `json:"api_key"`
	Questions []map[string]any `json:"questions"`
	Answers   []any            `json:"answers"`
}

func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request) {
	var payload gradeRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	src, finish, err := s.grade(ctx, payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Trailer", profileJobTrailer)
	if !streamEvents(ctx, w, src) {
		return
	}
	if job := finish(ctx); job != nil {
		w.Header().Set(profileJobTrailer, job.ID)
	}
}

// grade starts grading payload. Every graded question is scheduled for
// review. finish must be called once the stream is drained; it queues the
// profile update when profiles are enabled and returns its job.
func (s *Server) grade(ctx context.Context, payload gradeRequest) (jsonstream.EventSource, func(context.Context) *services.Job, error) {
	settings, err := s.svc.Settings.Get(ctx)
	if err != nil {
		return nil, nil, err
	}

	apiKey := s.apiKey(payload.APIKey)
	src, err := s.svc.Grading.GradeExam(ctx, services.GradeRequest{
		APIKey:    apiKey,
		Questions: payload.Questions,
		Answers:   payload.Answers,
		Settings:  settings,
		OnGraded: func(g services.GradedQuestion) {
			if _, err := s.svc.Reviews.Record(ctx, g); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "failed to schedule review"}, log.KV{K: "question_index", V: g.Index})
			}
		},
	})
	if err != nil {
		return nil, nil, err
	}

	finish := func(ctx context.Context) *services.Job {
		if !settings.UserProfileEnabled {
			log.Info(ctx, log.KV{K: "msg", V: "profile updates disabled, skipping"})
			return nil
		}
		update := services.ProfileUpdate{APIKey: apiKey, Questions: payload.Questions, Answers: payload.Answers}
		job, err := s.svc.Tasks.Submit(profileJobKind, func(ctx context.Context) error {
			return s.svc.Profiles.Refresh(ctx, update)
		})
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "failed to queue profile update"})
			return nil
		}
		return job
	}
	return src, finish, nil
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.svc.Settings.Get(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type settingsRequest struct {
	services.SettingsPatch
	UserProfile *string `json:"user_profile"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var payload settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	settings, err := s.svc.Settings.Update(r.Context(), payload.SettingsPatch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if payload.UserProfile != nil {
		if err := s.svc.Profiles.Save(r.Context(), strings.TrimSpace(*payload.UserProfile)); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	log.Info(r.Context(), log.KV{K: "msg", V: "settings updated"}, log.KV{K: "temperature", V: settings.Temperature})
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "settings": settings})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.svc.Profiles.Get(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"profile": profile})
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Profile string `json:"profile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	profile := strings.TrimSpace(payload.Profile)
	if profile == "" {
		writeError(w, http.StatusBadRequest, "profile is required")
		return
	}
	if err := s.svc.Profiles.Save(r.Context(), profile); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"profile": profile})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := s.svc.Jobs.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleNextReview(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.Reviews.NextDue(r.Context())
	if errors.Is(err, services.ErrNoDueReviews) {
		writeJSON(w, http.StatusOK, map[string]any{
			"review":  nil,
			"message": "No reviews due. Come back later!",
		})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"review": reviewItemJSON(item)})
}

type reviewRequest struct {
	Rating string `json:"rating"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid review id")
		return
	}

	var payload reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	rating, err := parseRating(payload.Rating)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	item, logEntry, err := s.svc.Reviews.Review(r.Context(), id, rating)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "review item not found")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"review": reviewItemJSON(item),
		"log": map[string]any{
			"rating":  logEntry.Rating,
			"due_in":  logEntry.ScheduledDays,
			"updated": logEntry.ReviewedAt.Format(timeLayout),
		},
	})
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
}

func (s *Server) apiKey(fromRequest string) string {
	if key := strings.TrimSpace(fromRequest); key != "" {
		return key
	}
	return s.opts.DefaultAPIKey
}

type questionCounts struct {
	multipleChoice services.QuestionCount
	fillInTheBlank services.QuestionCount
	shortAnswer    services.QuestionCount
	calculation    int
}

func parseCounts(r *http.Request) (questionCounts, error) {
	var c questionCounts
	var err error
	if c.multipleChoice, err = formCount(r, "choice_count", "choice_score"); err != nil {
		return c, err
	}
	if c.fillInTheBlank, err = formCount(r, "blank_count", "blank_score"); err != nil {
		return c, err
	}
	if c.shortAnswer, err = formCount(r, "short_count", "short_score"); err != nil {
		return c, err
	}
	if c.calculation, err = formInt(r, "calc_count"); err != nil {
		return c, err
	}
	return c, nil
}

func formCount(r *http.Request, countKey, scoreKey string) (services.QuestionCount, error) {
	count, err := formInt(r, countKey)
	if err != nil {
		return services.QuestionCount{}, err
	}
	var score float64
	if raw := strings.TrimSpace(r.FormValue(scoreKey)); raw != "" {
		score, err = strconv.ParseFloat(raw, 64)
		if err != nil || score < 0 {
			return services.QuestionCount{}, fmt.Errorf("invalid %s", scoreKey)
		}
	}
	return services.QuestionCount{Count: count, Score: score}, nil
}

func formInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.FormValue(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func reviewItemJSON(item *models.ReviewItem) map[string]any {
	return map[string]any{
		"id":         item.ID,
		"kind":       item.Kind,
		"stem":       item.Stem,
		"question":   json.RawMessage(item.Question),
		"last_score": item.LastScore,
		"max_score":  item.MaxScore,
		"due":        nullTimeToString(item.Due),
		"state":      item.State,
		"stability":  item.Stability,
		"reps":       item.Reps,
	}
}

const timeLayout = time.RFC3339

func parseRating(raw string) (fsrs.Rating, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "again":
		return fsrs.Again, nil
	case "hard":
		return fsrs.Hard, nil
	case "good":
		return fsrs.Good, nil
	case "easy":
		return fsrs.Easy, nil
	default:
		return 0, fmt.Errorf("unknown rating %q", raw)
	}
}

func nullTimeToString(t sql.NullTime) *string {
	if t.Valid {
		str := t.Time.Format(timeLayout)
		return &str
	}
	return nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, llm.ErrInvalidInput), errors.Is(err, services.ErrInvalidSettings):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
