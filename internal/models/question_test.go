package models

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	fsrs "github.com/open-spaced-repetition/go-fsrs"
	"github.com/stretchr/testify/require"
)

func decodeQuestion(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestFromUntypedVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Question
	}{
		{
			name: "multiple choice",
			raw:  `{"question_type":"multiple_choice","stem":"2+2?","options":{"A":"3","B":"4"},"answer":"B","score":5}`,
			want: &MultipleChoice{Stem: "2+2?", Options: map[string]string{"A": "3", "B": "4"}, Answer: "B", Score: 5},
		},
		{
			name: "fill in the blank",
			raw:  `{"question_type":"fill_in_the_blank","stem":"The capital of France is ___.","answer":["Paris"],"score":4}`,
			want: &FillInTheBlank{Stem: "The capital of France is ___.", Answer: []string{"Paris"}, Score: 4},
		},
		{
			name: "short answer keeps extra keys",
			raw:  `{"question_type":"short_answer","stem":"Explain recursion.","answer":"A function calling itself.","score":10,"explanation":"see ch. 3"}`,
			want: &ShortAnswer{
				Stem:   "Explain recursion.",
				Answer: "A function calling itself.",
				Score:  10,
				Extra:  map[string]any{"explanation": "see ch. 3"},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := FromUntyped(decodeQuestion(t, tc.raw))
			require.NoError(t, err)
			require.Equal(t, tc.want, q)
		})
	}
}

func TestFromUntypedDefaultScores(t *testing.T) {
	mc, err := FromUntyped(map[string]any{
		"question_type": "multiple_choice",
		"stem":          "Pick one",
		"options":       map[string]any{"A": "x"},
		"answer":        "A",
	})
	require.NoError(t, err)
	require.Equal(t, float64(DefaultMultipleChoiceScore), mc.MaxScore())

	blank, err := FromUntyped(map[string]any{"question_type": "fill_in_the_blank", "stem": "___", "answer": "only"})
	require.NoError(t, err)
	require.Equal(t, float64(DefaultFillInTheBlankScore), blank.MaxScore())
	require.Equal(t, []string{"only"}, blank.(*FillInTheBlank).Answer)

	short, err := FromUntyped(map[string]any{"question_type": "short_answer", "stem": "Why?", "answer": "Because."})
	require.NoError(t, err)
	require.Equal(t, float64(DefaultShortAnswerScore), short.MaxScore())
}

func TestFromUntypedUnknownKind(t *testing.T) {
	for _, m := range []map[string]any{
		{"question_type": "essay", "stem": "Discuss."},
		{"stem": "No type"},
		{"question_type": 3, "stem": "Numeric type"},
	} {
		_, err := FromUntyped(m)
		require.ErrorIs(t, err, ErrUnknownQuestionKind)
	}
}

func TestFromUntypedInvalidFields(t *testing.T) {
	cases := map[string]map[string]any{
		"blank stem":        {"question_type": "short_answer", "stem": "  ", "answer": "x"},
		"missing options":   {"question_type": "multiple_choice", "stem": "s", "answer": "A"},
		"answer not option": {"question_type": "multiple_choice", "stem": "s", "options": map[string]any{"A": "x"}, "answer": "B"},
		"non text option":   {"question_type": "multiple_choice", "stem": "s", "options": map[string]any{"A": 1.0}, "answer": "A"},
		"negative score":    {"question_type": "short_answer", "stem": "s", "answer": "x", "score": -1.0},
		"text score":        {"question_type": "short_answer", "stem": "s", "answer": "x", "score": "ten"},
		"non text blank":    {"question_type": "fill_in_the_blank", "stem": "s", "answer": []any{"a", 2.0}},
		"numeric reference": {"question_type": "short_answer", "stem": "s", "answer": 42.0},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromUntyped(m)
			require.ErrorIs(t, err, ErrInvalidQuestion)
		})
	}
}

func TestWithScoreCopies(t *testing.T) {
	orig := &ShortAnswer{Stem: "s", Answer: "a", Score: 10}
	updated := WithScore(orig, 3)

	require.Equal(t, float64(3), updated.MaxScore())
	require.Equal(t, float64(10), orig.Score)
	require.Equal(t, KindShortAnswer, updated.Kind())
}

func TestGradeMultipleChoice(t *testing.T) {
	q := &MultipleChoice{Stem: "s", Options: map[string]string{"A": "x", "B": "y"}, Answer: "A", Score: 5}

	right := GradeMultipleChoice(q, "A")
	require.Equal(t, float64(5), right.Score)
	require.True(t, *right.IsCorrect)

	for _, answer := range []any{"B", "a", nil, 1.0} {
		wrong := GradeMultipleChoice(q, answer)
		require.Zero(t, wrong.Score)
		require.False(t, *wrong.IsCorrect)
		require.Contains(t, wrong.Feedback, "A")
	}
}

func TestReviewItemFSRSRoundTrip(t *testing.T) {
	item := &ReviewItem{}
	card := item.ToFSRSCard()
	require.Equal(t, fsrs.New, card.State)

	card.Stability = 2.5
	card.Reps = 3
	card.State = fsrs.Review
	item.ApplyFSRSCard(card)
	require.Equal(t, 2.5, item.Stability)
	require.Equal(t, 3, item.Reps)
	require.Equal(t, int(fsrs.Review), item.State)
	require.False(t, item.Due.Valid)
}

func TestQuestionRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("multiple choice survives ToUntyped(FromUntyped(m))", prop.ForAll(
		func(stem, optA, optB string, pickB bool, score uint8) bool {
			answer := "A"
			if pickB {
				answer = "B"
			}
			m := map[string]any{
				"question_type": "multiple_choice",
				"stem":          "Q " + stem,
				"options":       map[string]any{"A": optA, "B": optB},
				"answer":        answer,
				"score":         float64(score),
				"explanation":   stem,
			}
			q, err := FromUntyped(m)
			if err != nil {
				return false
			}
			return equalJSON(m, ToUntyped(q))
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(), gen.Bool(), gen.UInt8(),
	))

	properties.Property("fill in the blank survives ToUntyped(FromUntyped(m))", prop.ForAll(
		func(stem string, blanks []string, score uint8) bool {
			answer := make([]any, len(blanks))
			for i, b := range blanks {
				answer[i] = b
			}
			m := map[string]any{
				"question_type": "fill_in_the_blank",
				"stem":          "Q " + stem,
				"answer":        answer,
				"score":         float64(score),
			}
			q, err := FromUntyped(m)
			if err != nil {
				return false
			}
			return equalJSON(m, ToUntyped(q))
		},
		gen.AlphaString(), gen.SliceOf(gen.AlphaString()), gen.UInt8(),
	))

	properties.Property("short answer survives ToUntyped(FromUntyped(m))", prop.ForAll(
		func(stem, answer string, score uint8) bool {
			m := map[string]any{
				"question_type": "short_answer",
				"stem":          "Q " + stem,
				"answer":        answer,
				"score":         float64(score),
			}
			q, err := FromUntyped(m)
			if err != nil {
				return false
			}
			return equalJSON(m, ToUntyped(q))
		},
		gen.AlphaString(), gen.AlphaString(), gen.UInt8(),
	))

	properties.Property("correct multiple choice answers earn the full score", prop.ForAll(
		func(score uint8, pickB bool) bool {
			answer := "A"
			if pickB {
				answer = "B"
			}
			q := &MultipleChoice{Stem: "s", Options: map[string]string{"A": "x", "B": "y"}, Answer: answer, Score: float64(score)}
			result := GradeMultipleChoice(q, answer)
			return result.Score == float64(score) && *result.IsCorrect
		},
		gen.UInt8(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func equalJSON(a, b map[string]any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
