package models

import "time"

// LessonStatus tracks lesson generation.
type LessonStatus string

const (
	LessonGenerating LessonStatus = "generating"
	LessonReady      LessonStatus = "ready"
	LessonFailed     LessonStatus = "failed"
)

// LessonSection is one ordered unit of a lesson.
type LessonSection struct {
	Heading   string   `json:"heading"`
	Content   string   `json:"content"`
	ImageRefs []string `json:"image_refs,omitempty"`
}

// Lesson is the structured teaching material derived from a document.
type Lesson struct {
	ID            string          `json:"lesson_id"`
	DocumentID    string          `json:"document_id"`
	UserID        string          `json:"user_id"`
	Title         string          `json:"title"`
	Subject       string          `json:"subject,omitempty"`
	Sections      []LessonSection `json:"sections"`
	Status        LessonStatus    `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	DeletedAt     *time.Time      `json:"-"`
}

// LessonContent is the generator's parsed output before persistence.
type LessonContent struct {
	Title    string          `json:"title"`
	Subject  string          `json:"subject"`
	Sections []LessonSection `json:"sections"`
}
