package models

import "time"

// QuizStatus tracks quiz generation.
type QuizStatus string

const (
	QuizPending QuizStatus = "pending"
	QuizReady   QuizStatus = "ready"
	QuizFailed  QuizStatus = "failed"
)

// Question is one multiple-choice item.
type Question struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Explanation  string   `json:"explanation,omitempty"`
	Difficulty   string   `json:"difficulty,omitempty"`
}

// Quiz is the set of questions derived from a lesson. One quiz per lesson;
// regeneration replaces it.
type Quiz struct {
	LessonID      string     `json:"lesson_id"`
	Questions     []Question `json:"questions"`
	Status        QuizStatus `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Answer is one submitted choice.
type Answer struct {
	QuestionIndex  int `json:"question_index"`
	SelectedOption int `json:"selected_option"`
}

// Submission is a scored quiz attempt. The most recent submission per
// (user, lesson) is canonical; older ones are kept for history.
type Submission struct {
	ID          string    `json:"id"`
	LessonID    string    `json:"lesson_id"`
	UserID      string    `json:"user_id"`
	Answers     []Answer  `json:"answers"`
	Score       int       `json:"score"`
	Total       int       `json:"total"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// QuestionResult is the per-question outcome returned on submit.
type QuestionResult struct {
	QuestionIndex int    `json:"question_index"`
	Correct       bool   `json:"correct"`
	CorrectOption int    `json:"correct_option"`
	Explanation   string `json:"explanation,omitempty"`
}

// NoteSection is one unit of generated study notes.
type NoteSection struct {
	Heading string   `json:"heading"`
	Bullets []string `json:"bullets"`
}

// Notes is the structured study-notes artifact derived from a lesson.
type Notes struct {
	LessonID  string        `json:"lesson_id"`
	Sections  []NoteSection `json:"sections"`
	Status    QuizStatus    `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}
