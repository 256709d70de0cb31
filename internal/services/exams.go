package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"goa.design/clue/log"

	"reviewgenius/internal/jsonstream"
	"reviewgenius/internal/llm"
	"reviewgenius/internal/models"
)

// QuestionCount asks for Count questions of one kind worth Score points each.
type QuestionCount struct {
	Count int
	Score float64
}

type GenerateRequest struct {
	APIKey      string
	SourceText  string
	Requirement string

	MultipleChoice QuestionCount
	FillInTheBlank QuestionCount
	ShortAnswer    QuestionCount
	// Calculation questions are written as short answers.
	Calculation int

	Settings Settings
	Profile  string
}

type RegenerateAction string

const (
	ActionRegenerate         RegenerateAction = "regenerate"
	ActionIncreaseDifficulty RegenerateAction = "increase_difficulty"
	ActionDecreaseDifficulty RegenerateAction = "decrease_difficulty"
)

type RegenerateRequest struct {
	APIKey      string
	Question    map[string]any
	Action      RegenerateAction
	Requirement string
	SourceText  string
	Settings    Settings
}

// ExamService streams generated exam questions.
type ExamService struct {
	invoker ModelInvoker
}

func NewExamService(invoker ModelInvoker) *ExamService {
	return &ExamService{invoker: invoker}
}

// Generate validates req and returns a lazy stream of question events. No
// model call is made until the first Next.
func (s *ExamService) Generate(ctx context.Context, req GenerateRequest) (jsonstream.EventSource, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", llm.ErrInvalidInput)
	}
	if strings.TrimSpace(req.SourceText) == "" {
		return nil, fmt.Errorf("%w: reference material is required", llm.ErrInvalidInput)
	}
	if req.MultipleChoice.Count+req.FillInTheBlank.Count+req.ShortAnswer.Count+req.Calculation <= 0 {
		return nil, fmt.Errorf("%w: at least one question type is required", llm.ErrInvalidInput)
	}

	req.MultipleChoice.Score = scoreOrDefault(req.MultipleChoice.Score, models.DefaultMultipleChoiceScore)
	req.FillInTheBlank.Score = scoreOrDefault(req.FillInTheBlank.Score, models.DefaultFillInTheBlankScore)
	req.ShortAnswer.Score = scoreOrDefault(req.ShortAnswer.Score, models.DefaultShortAnswerScore)

	prompt := buildGenerationPrompt(req, profileText(req.Settings, req.Profile))
	log.Info(ctx, log.KV{K: "msg", V: "generating exam"}, log.KV{K: "source_len", V: len(req.SourceText)})
	return &questionStream{
		ctx:     ctx,
		invoker: s.invoker,
		req:     questionRequest(req.APIKey, prompt, req.Settings),
	}, nil
}

// Regenerate streams a replacement for one question. Every accepted question
// keeps the original question's score.
func (s *ExamService) Regenerate(ctx context.Context, req RegenerateRequest) (jsonstream.EventSource, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", llm.ErrInvalidInput)
	}
	if len(req.Question) == 0 {
		return nil, fmt.Errorf("%w: original question is required", llm.ErrInvalidInput)
	}
	switch req.Action {
	case ActionRegenerate, ActionIncreaseDifficulty, ActionDecreaseDifficulty:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", llm.ErrInvalidInput, req.Action)
	}

	score := originalScore(req.Question)
	prompt := buildRegenerationPrompt(req.Action, req, score)
	log.Info(ctx,
		log.KV{K: "msg", V: "regenerating question"},
		log.KV{K: "action", V: string(req.Action)},
		log.KV{K: "kind", V: string(models.KindOf(req.Question))},
	)
	return &questionStream{
		ctx:     ctx,
		invoker: s.invoker,
		req:     questionRequest(req.APIKey, prompt, req.Settings),
		score:   &score,
	}, nil
}

func questionRequest(apiKey, prompt string, settings Settings) llm.Request {
	req := llm.Request{
		APIKey:      apiKey,
		Messages:    []llm.Message{llm.UserMessage(prompt)},
		Temperature: settings.Temperature,
	}
	if settings.EnhancedStructuredOutput {
		req.Enhanced = true
		req.FormattingTemplate = questionFormatting
	}
	return req
}

func scoreOrDefault(score, fallback float64) float64 {
	if score <= 0 {
		return fallback
	}
	return score
}

// originalScore reads the score of an untyped question, defaulting to 5.
func originalScore(q map[string]any) float64 {
	if parsed, err := models.FromUntyped(q); err == nil {
		return parsed.MaxScore()
	}
	if score, ok := q["score"].(float64); ok && score >= 0 {
		return score
	}
	return models.DefaultMultipleChoiceScore
}

// questionStream validates every end payload as a question and drops the
// ones that are not.
type questionStream struct {
	ctx     context.Context
	invoker ModelInvoker
	req     llm.Request
	score   *float64

	parser *jsonstream.Parser
	done   bool
}

func (s *questionStream) Next() (jsonstream.Event, error) {
	if s.done {
		return jsonstream.Event{}, io.EOF
	}
	if s.parser == nil {
		parser, err := openStream(s.ctx, s.invoker, s.req)
		if err != nil {
			s.done = true
			log.Error(s.ctx, err, log.KV{K: "msg", V: "question generation failed"})
			return FailureEvent(err), nil
		}
		s.parser = parser
	}

	for {
		ev, err := s.parser.Next()
		if errors.Is(err, io.EOF) {
			s.done = true
			return jsonstream.Event{}, io.EOF
		}
		if err != nil {
			s.done = true
			log.Error(s.ctx, err, log.KV{K: "msg", V: "question stream interrupted"})
			return FailureEvent(fmt.Errorf("question stream interrupted: %w", err)), nil
		}
		if ev.Type == jsonstream.KindEnd {
			data, ok := s.normalize(ev.Data)
			if !ok {
				continue
			}
			ev.Data = data
		}
		return ev, nil
	}
}

func (s *questionStream) normalize(data map[string]any) (map[string]any, bool) {
	q, err := models.FromUntyped(data)
	if err != nil {
		log.Warn(s.ctx,
			log.KV{K: "msg", V: "skipping invalid question"},
			log.KV{K: "err", V: err.Error()},
			log.KV{K: "kind", V: string(models.KindOf(data))},
		)
		return nil, false
	}
	if s.score != nil {
		q = models.WithScore(q, *s.score)
	}
	return models.ToUntyped(q), true
}

func (s *questionStream) Close() error {
	s.done = true
	if s.parser != nil {
		return s.parser.Close()
	}
	return nil
}
