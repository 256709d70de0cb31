package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"goa.design/clue/log"

	"reviewgenius/internal/jsonstream"
	"reviewgenius/internal/llm"
	"reviewgenius/internal/models"
)

const unknownKindFeedback = "Unknown question type; this question cannot be graded."

type GradeRequest struct {
	APIKey    string
	Questions []map[string]any
	Answers   []any
	Settings  Settings
	// OnGraded, if set, is called once for every valid question that
	// reaches an end event.
	OnGraded func(GradedQuestion)
}

// GradedQuestion summarizes one graded answer.
type GradedQuestion struct {
	Index    int
	Question models.Question
	Answer   any
	Score    float64
	Feedback string
}

// GradingService grades submitted exams question by question.
type GradingService struct {
	invoker ModelInvoker
}

func NewGradingService(invoker ModelInvoker) *GradingService {
	return &GradingService{invoker: invoker}
}

// GradeExam returns a lazy event stream covering every question in order.
// Events carry the question index and each index gets exactly one end or
// error event. A failure on one question becomes an error event for that
// index and grading moves on to the next one.
func (s *GradingService) GradeExam(ctx context.Context, req GradeRequest) (jsonstream.EventSource, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", llm.ErrInvalidInput)
	}
	if len(req.Questions) == 0 {
		return nil, fmt.Errorf("%w: no questions to grade", llm.ErrInvalidInput)
	}
	if len(req.Questions) != len(req.Answers) {
		return nil, fmt.Errorf("%w: %d questions but %d answers", llm.ErrInvalidInput, len(req.Questions), len(req.Answers))
	}
	log.Info(ctx, log.KV{K: "msg", V: "grading exam"}, log.KV{K: "questions", V: len(req.Questions)})
	return &gradeStream{ctx: ctx, invoker: s.invoker, req: req}, nil
}

type gradeStream struct {
	ctx     context.Context
	invoker ModelInvoker
	req     GradeRequest

	index   int
	pending []jsonstream.Event
	current *questionGrader
}

// questionGrader tracks the question whose model output is being parsed.
type questionGrader struct {
	parser   *jsonstream.Parser
	question models.Question
	local    *models.GradingResult
}

func (s *gradeStream) Next() (jsonstream.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}

		if s.current != nil {
			ev, err := s.current.parser.Next()
			switch {
			case errors.Is(err, io.EOF):
				s.advance()
			case err != nil:
				log.Error(s.ctx, err, log.KV{K: "msg", V: "grading stream interrupted"}, log.KV{K: "question_index", V: s.index})
				s.emit(FailureEvent(fmt.Errorf("grading failed: %w", err)))
				s.advance()
			default:
				ev = s.decorate(ev)
				s.emit(ev)
				if ev.Type == jsonstream.KindEnd || ev.Type == jsonstream.KindError {
					// One terminal event per question; later objects are ignored.
					s.advance()
				}
			}
			continue
		}

		if err := s.ctx.Err(); err != nil {
			return jsonstream.Event{}, err
		}
		if s.index >= len(s.req.Questions) {
			return jsonstream.Event{}, io.EOF
		}
		s.begin()
	}
}

func (s *gradeStream) Close() error {
	if s.current != nil {
		err := s.current.parser.Close()
		s.current = nil
		return err
	}
	return nil
}

// begin emits start for the current index and either opens the model stream
// or settles the question immediately.
func (s *gradeStream) begin() {
	raw := s.req.Questions[s.index]
	answer := s.req.Answers[s.index]
	s.emit(jsonstream.Start())

	q, err := models.FromUntyped(raw)
	if errors.Is(err, models.ErrUnknownQuestionKind) {
		log.Warn(s.ctx, log.KV{K: "msg", V: "cannot grade unknown question kind"}, log.KV{K: "question_index", V: s.index})
		s.emit(jsonstream.End(map[string]any{"score": float64(0), "feedback": unknownKindFeedback}))
		s.index++
		return
	}
	if err != nil {
		s.emit(jsonstream.Failure(jsonstream.ErrorGeneration, fmt.Sprintf("question %d cannot be graded: %v", s.index, err)))
		s.index++
		return
	}

	grader := &questionGrader{question: q}
	var correct *bool
	if mc, ok := q.(*models.MultipleChoice); ok {
		local := models.GradeMultipleChoice(mc, answer)
		grader.local = &local
		correct = local.IsCorrect
	}

	parser, err := openStream(s.ctx, s.invoker, s.gradingRequest(raw, answer, correct))
	if err != nil {
		log.Error(s.ctx, err, log.KV{K: "msg", V: "grading call failed"}, log.KV{K: "question_index", V: s.index})
		s.emit(FailureEvent(err))
		s.index++
		return
	}
	grader.parser = parser
	s.current = grader
}

func (s *gradeStream) advance() {
	if s.current != nil {
		_ = s.current.parser.Close()
		s.current = nil
	}
	s.index++
}

func (s *gradeStream) emit(ev jsonstream.Event) {
	s.pending = append(s.pending, ev.WithIndex(s.index))
}

// decorate applies the local multiple choice verdict to end events and
// reports graded questions.
func (s *gradeStream) decorate(ev jsonstream.Event) jsonstream.Event {
	if ev.Type != jsonstream.KindEnd {
		return ev
	}
	if local := s.current.local; local != nil {
		ev.Data["score"] = local.Score
		ev.Data["is_correct"] = *local.IsCorrect
	}
	if s.req.OnGraded != nil {
		feedback, _ := ev.Data["feedback"].(string)
		s.req.OnGraded(GradedQuestion{
			Index:    s.index,
			Question: s.current.question,
			Answer:   s.req.Answers[s.index],
			Score:    numberOrZero(ev.Data["score"]),
			Feedback: feedback,
		})
	}
	return ev
}

func (s *gradeStream) gradingRequest(question map[string]any, answer any, correct *bool) llm.Request {
	req := llm.Request{
		APIKey:      s.req.APIKey,
		Messages:    []llm.Message{llm.UserMessage(buildGradingPrompt(question, answer, correct))},
		Temperature: s.req.Settings.Temperature,
	}
	if s.req.Settings.EnhancedStructuredOutput {
		req.Enhanced = true
		req.FormattingTemplate = gradingFormatting
	}
	return req
}

func numberOrZero(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
