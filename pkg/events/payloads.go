package events

// BasePayload carries the fields every event shares. Type discriminates the
// event on the wire; UserID routes it to the owner's channel.
type BasePayload struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// DocumentIngestedPayload is the payload for document.ingested events.
// Published once per document when extraction completes.
type DocumentIngestedPayload struct {
	BasePayload
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	PageCount  int    `json:"page_count"`
}

// DocumentProgressPayload is the payload for document.progress transient
// events, one per extraction milestone. Not persisted; the status endpoint
// remains the durable view.
type DocumentProgressPayload struct {
	BasePayload
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Detail     string `json:"detail,omitempty"`
}

// LessonReadyPayload is the payload for lesson.ready events.
type LessonReadyPayload struct {
	BasePayload
	LessonID   string `json:"lesson_id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
}

// LessonFailedPayload is the payload for lesson.failed transient events,
// published when generation exhausts its retries.
type LessonFailedPayload struct {
	BasePayload
	DocumentID string `json:"document_id"`
	Reason     string `json:"reason"`
}

// VisualizationReadyPayload is the payload for visualization.ready events.
type VisualizationReadyPayload struct {
	BasePayload
	VisualizationID string  `json:"visualization_id"`
	LessonID        string  `json:"lesson_id"`
	SceneCount      int     `json:"scene_count"`
	TotalDuration   float64 `json:"total_duration"`
}

// QuizReadyPayload is the payload for quiz.ready events.
type QuizReadyPayload struct {
	BasePayload
	LessonID      string `json:"lesson_id"`
	QuestionCount int    `json:"question_count"`
}

// NotesReadyPayload is the payload for notes.ready events.
type NotesReadyPayload struct {
	BasePayload
	LessonID     string `json:"lesson_id"`
	SectionCount int    `json:"section_count"`
}
