package models

import "fmt"

// GradingResult is the verdict for one answered question.
type GradingResult struct {
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback"`
	IsCorrect *bool   `json:"is_correct,omitempty"`
}

// GradeMultipleChoice scores an answer by exact comparison with the answer key.
// Anything other than the exact option key scores zero.
func GradeMultipleChoice(q *MultipleChoice, answer any) GradingResult {
	given, _ := answer.(string)
	correct := given == q.Answer
	result := GradingResult{IsCorrect: &correct}
	if correct {
		result.Score = q.Score
		result.Feedback = "Correct."
	} else {
		result.Feedback = fmt.Sprintf("Incorrect. The correct answer is %s.", q.Answer)
	}
	return result
}
