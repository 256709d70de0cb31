package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type QuestionKind string

const (
	KindMultipleChoice QuestionKind = "multiple_choice"
	KindFillInTheBlank QuestionKind = "fill_in_the_blank"
	KindShortAnswer    QuestionKind = "short_answer"
)

const (
	DefaultMultipleChoiceScore = 5
	DefaultFillInTheBlankScore = 5
	DefaultShortAnswerScore    = 10
)

var (
	// ErrUnknownQuestionKind is returned when question_type is missing or not recognized.
	ErrUnknownQuestionKind = errors.New("unknown question kind")
	// ErrInvalidQuestion is returned when a recognized question has malformed fields.
	ErrInvalidQuestion = errors.New("invalid question")
)

// Question is implemented by *MultipleChoice, *FillInTheBlank and *ShortAnswer
// only. Extra holds keys outside the schema, e.g. an explanation the model
// attached, and is written back unchanged by ToUntyped.
type Question interface {
	Kind() QuestionKind
	MaxScore() float64
	isQuestion()
}

type MultipleChoice struct {
	Stem    string
	Options map[string]string
	Answer  string
	Score   float64
	Extra   map[string]any
}

type FillInTheBlank struct {
	Stem   string
	Answer []string
	Score  float64
	Extra  map[string]any
}

type ShortAnswer struct {
	Stem   string
	Answer string
	Score  float64
	Extra  map[string]any
}

func (*MultipleChoice) Kind() QuestionKind { return KindMultipleChoice }
func (*FillInTheBlank) Kind() QuestionKind { return KindFillInTheBlank }
func (*ShortAnswer) Kind() QuestionKind    { return KindShortAnswer }

func (q *MultipleChoice) MaxScore() float64 { return q.Score }
func (q *FillInTheBlank) MaxScore() float64 { return q.Score }
func (q *ShortAnswer) MaxScore() float64    { return q.Score }

func (*MultipleChoice) isQuestion() {}
func (*FillInTheBlank) isQuestion() {}
func (*ShortAnswer) isQuestion()    {}

var (
	_ Question = (*MultipleChoice)(nil)
	_ Question = (*FillInTheBlank)(nil)
	_ Question = (*ShortAnswer)(nil)
)

// KindOf reads question_type from an untyped question without validating it.
func KindOf(m map[string]any) QuestionKind {
	kind, _ := m["question_type"].(string)
	return QuestionKind(kind)
}

// FromUntyped validates a decoded JSON object and converts it into a Question.
// A missing score takes the default for the kind. A fill-in-the-blank answer
// given as a single string becomes a one-element list.
func FromUntyped(m map[string]any) (Question, error) {
	kind := KindOf(m)
	switch kind {
	case KindMultipleChoice, KindFillInTheBlank, KindShortAnswer:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuestionKind, m["question_type"])
	}

	stem, ok := m["stem"].(string)
	if !ok || strings.TrimSpace(stem) == "" {
		return nil, fmt.Errorf("%w: %s requires a stem", ErrInvalidQuestion, kind)
	}

	switch kind {
	case KindMultipleChoice:
		score, err := scoreField(m, DefaultMultipleChoiceScore)
		if err != nil {
			return nil, err
		}
		options, err := optionsField(m)
		if err != nil {
			return nil, err
		}
		answer, ok := m["answer"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: multiple choice answer must be an option key", ErrInvalidQuestion)
		}
		if _, ok := options[answer]; !ok {
			return nil, fmt.Errorf("%w: answer %q is not one of the options", ErrInvalidQuestion, answer)
		}
		return &MultipleChoice{
			Stem:    stem,
			Options: options,
			Answer:  answer,
			Score:   score,
			Extra:   extraFields(m, "options"),
		}, nil

	case KindFillInTheBlank:
		score, err := scoreField(m, DefaultFillInTheBlankScore)
		if err != nil {
			return nil, err
		}
		answer, err := blanksField(m)
		if err != nil {
			return nil, err
		}
		return &FillInTheBlank{Stem: stem, Answer: answer, Score: score, Extra: extraFields(m)}, nil

	default:
		score, err := scoreField(m, DefaultShortAnswerScore)
		if err != nil {
			return nil, err
		}
		answer, ok := m["answer"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: short answer reference must be text", ErrInvalidQuestion)
		}
		return &ShortAnswer{Stem: stem, Answer: answer, Score: score, Extra: extraFields(m)}, nil
	}
}

// ToUntyped converts q back into the mapping shape clients receive.
func ToUntyped(q Question) map[string]any {
	var out map[string]any
	switch q := q.(type) {
	case *MultipleChoice:
		options := make(map[string]any, len(q.Options))
		for k, v := range q.Options {
			options[k] = v
		}
		out = baseFields(q.Extra, KindMultipleChoice, q.Stem, q.Score)
		out["options"] = options
		out["answer"] = q.Answer
	case *FillInTheBlank:
		answer := make([]any, len(q.Answer))
		for i, v := range q.Answer {
			answer[i] = v
		}
		out = baseFields(q.Extra, KindFillInTheBlank, q.Stem, q.Score)
		out["answer"] = answer
	case *ShortAnswer:
		out = baseFields(q.Extra, KindShortAnswer, q.Stem, q.Score)
		out["answer"] = q.Answer
	default:
		panic(fmt.Sprintf("models: unhandled question type %T", q))
	}
	return out
}

// WithScore returns a copy of q carrying the given score.
func WithScore(q Question, score float64) Question {
	switch q := q.(type) {
	case *MultipleChoice:
		c := *q
		c.Score = score
		return &c
	case *FillInTheBlank:
		c := *q
		c.Score = score
		return &c
	case *ShortAnswer:
		c := *q
		c.Score = score
		return &c
	default:
		panic(fmt.Sprintf("models: unhandled question type %T", q))
	}
}

func baseFields(extra map[string]any, kind QuestionKind, stem string, score float64) map[string]any {
	out := make(map[string]any, len(extra)+5)
	for k, v := range extra {
		out[k] = v
	}
	out["question_type"] = string(kind)
	out["stem"] = stem
	out["score"] = score
	return out
}

var schemaKeys = []string{"question_type", "stem", "answer", "score"}

func extraFields(m map[string]any, also ...string) map[string]any {
	var extra map[string]any
	for k, v := range m {
		if contains(schemaKeys, k) || contains(also, k) {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func scoreField(m map[string]any, fallback float64) (float64, error) {
	raw, ok := m["score"]
	if !ok || raw == nil {
		return fallback, nil
	}
	var score float64
	switch v := raw.(type) {
	case float64:
		score = v
	case int:
		score = float64(v)
	case int64:
		score = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: score %q is not a number", ErrInvalidQuestion, v)
		}
		score = f
	default:
		return 0, fmt.Errorf("%w: score must be a number, got %T", ErrInvalidQuestion, raw)
	}
	if score < 0 {
		return 0, fmt.Errorf("%w: score must not be negative", ErrInvalidQuestion)
	}
	return score, nil
}

func optionsField(m map[string]any) (map[string]string, error) {
	raw, ok := m["options"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: multiple choice requires options", ErrInvalidQuestion)
	}
	options := make(map[string]string, len(raw))
	for key, value := range raw {
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: option %q must be text", ErrInvalidQuestion, key)
		}
		options[key] = text
	}
	return options, nil
}

func blanksField(m map[string]any) ([]string, error) {
	switch v := m["answer"].(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			text, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: blank %d must be text", ErrInvalidQuestion, i)
			}
			out[i] = text
		}
		return out, nil
	case []string:
		return append([]string(nil), v...), nil
	default:
		return nil, fmt.Errorf("%w: fill in the blank answer must be a list", ErrInvalidQuestion)
	}
}
