package services

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	maxRequirementLength = 500
	noRequirement        = "No specific requirements."
)

// questionFormatting describes the object shape generated questions must take.
const questionFormatting = `{"question_type": "multiple_choice", "stem": "Question text", "options": {"A": "...", "B": "...", "C": "...", "D": "..."}, "answer": "A", "score": 5}
{"question_type": "fill_in_the_blank", "stem": "Text with ___ for each blank", "answer": ["first blank", "second blank"], "score": 5}
{"question_type": "short_answer", "stem": "Question text", "answer": "Reference answer", "score": 10}`

// gradingFormatting describes the object shape grading feedback must take.
const gradingFormatting = `{"score": 0, "feedback": "What was right, what was missing, and how to improve."}`

func buildGenerationPrompt(req GenerateRequest, profile string) string {
	var b strings.Builder
	b.WriteString("You are an experienced teacher writing an exam from the reference material below.\n\n")
	b.WriteString("Reference material:\n---\n")
	b.WriteString(req.SourceText)
	b.WriteString("\n---\n\n")

	b.WriteString("Questions to write:\n")
	writeCount(&b, "multiple choice", req.MultipleChoice)
	writeCount(&b, "fill in the blank", req.FillInTheBlank)
	writeCount(&b, "short answer", QuestionCount{Count: req.ShortAnswer.Count + req.Calculation, Score: req.ShortAnswer.Score})

	b.WriteString("\nRequirements from the student: ")
	b.WriteString(requirementText(req.Requirement))
	b.WriteString("\n\nStudent profile, use it to target weak areas:\n")
	b.WriteString(profile)
	b.WriteString("\n\n")
	writeOutputRules(&b)
	return b.String()
}

func buildRegenerationPrompt(action RegenerateAction, req RegenerateRequest, score float64) string {
	original, _ := json.MarshalIndent(req.Question, "", "  ")

	var b strings.Builder
	b.WriteString("You are an experienced teacher revising one exam question.\n\n")
	b.WriteString("Reference material:\n---\n")
	b.WriteString(req.SourceText)
	b.WriteString("\n---\n\nOriginal question:\n")
	b.Write(original)
	b.WriteString("\n\n")
	switch action {
	case ActionIncreaseDifficulty:
		b.WriteString("Write a harder question of the same type on the same knowledge point. Require deeper reasoning or combine several ideas.\n")
	case ActionDecreaseDifficulty:
		b.WriteString("Write an easier question of the same type on the same knowledge point. Test the core idea directly.\n")
	default:
		b.WriteString("Write a different question of the same type and difficulty on the same knowledge point.\n")
	}
	fmt.Fprintf(&b, "The new question is worth %s points.\n", formatScore(score))
	b.WriteString("Requirements from the student: ")
	b.WriteString(requirementText(req.Requirement))
	b.WriteString("\n\nOutput exactly one question.\n")
	writeOutputRules(&b)
	return b.String()
}

func buildGradingPrompt(question map[string]any, answer any, correct *bool) string {
	q, _ := json.MarshalIndent(question, "", "  ")
	a, _ := json.Marshal(answer)

	var b strings.Builder
	b.WriteString("You are grading one exam answer.\n\nQuestion:\n")
	b.Write(q)
	b.WriteString("\n\nStudent answer: ")
	b.Write(a)
	b.WriteString("\n\n")
	if correct != nil {
		if *correct {
			b.WriteString("The answer has already been checked and is correct. Explain why it is right.\n")
		} else {
			b.WriteString("The answer has already been checked and is wrong. Explain the mistake and the correct option.\n")
		}
	} else {
		b.WriteString("Compare the answer with the reference answer and award between 0 and the question's score. Accept equivalent wording.\n")
	}
	b.WriteString("Respond with exactly one JSON object and nothing else, shaped like:\n")
	b.WriteString(gradingFormatting)
	b.WriteString("\n")
	return b.String()
}

func buildSummaryPrompt(questions []map[string]any, answers []any) string {
	q, _ := json.MarshalIndent(questions, "", "  ")
	a, _ := json.MarshalIndent(answers, "", "  ")

	var b strings.Builder
	b.WriteString("Summarize how the student did on this exam in a short paragraph: strengths, recurring mistakes and knowledge gaps.\n\n")
	b.WriteString("Questions with reference answers:\n")
	b.Write(q)
	b.WriteString("\n\nStudent answers, in the same order:\n")
	b.Write(a)
	b.WriteString("\n")
	return b.String()
}

func buildProfileUpdatePrompt(current, summary string) string {
	var b strings.Builder
	b.WriteString("You maintain a learning profile for one student. Merge the latest exam summary into the current profile.\n")
	b.WriteString("Keep it under 200 words. Output only the updated profile text.\n\n")
	b.WriteString("Current profile:\n")
	b.WriteString(current)
	b.WriteString("\n\nLatest exam summary:\n")
	b.WriteString(summary)
	b.WriteString("\n")
	return b.String()
}

func writeCount(b *strings.Builder, label string, c QuestionCount) {
	if c.Count <= 0 {
		return
	}
	fmt.Fprintf(b, "- %d %s question(s), %s points each\n", c.Count, label, formatScore(c.Score))
}

func writeOutputRules(b *strings.Builder) {
	b.WriteString("Output rules:\n")
	b.WriteString("- Output JSON objects back to back, one per question, with no text before, between or after them.\n")
	b.WriteString("- No trailing commas, no markdown fences.\n")
	b.WriteString("- Each object must match one of these shapes:\n")
	b.WriteString(questionFormatting)
	b.WriteString("\n")
}

func requirementText(raw string) string {
	text := sanitizeForPrompt(raw, maxRequirementLength)
	if text == "" {
		return noRequirement
	}
	return text
}

func formatScore(score float64) string {
	return fmt.Sprintf("%g", score)
}

func sanitizeForPrompt(input string, limit int) string {
	collapsed := strings.Join(strings.Fields(strings.TrimSpace(input)), " ")
	if limit <= 0 {
		return collapsed
	}
	runes := []rune(collapsed)
	if len(runes) <= limit {
		return collapsed
	}
	if limit > 3 {
		return string(runes[:limit-3]) + "..."
	}
	return string(runes[:limit])
}
