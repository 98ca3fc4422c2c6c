package models

import "time"

// DocumentStatus tracks an uploaded PDF through extraction.
type DocumentStatus string

const (
	DocumentQueued     DocumentStatus = "queued"
	DocumentExtracting DocumentStatus = "extracting"
	DocumentReady      DocumentStatus = "ready"
	DocumentFailed     DocumentStatus = "failed"
	DocumentCancelled  DocumentStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s DocumentStatus) Terminal() bool {
	switch s {
	case DocumentReady, DocumentFailed, DocumentCancelled:
		return true
	}
	return false
}

// Extraction progress milestones, in percent.
const (
	ProgressQueued        = 10
	ProgressTextExtracted = 30
	ProgressImagesIndexed = 50
	ProgressOCRComplete   = 80
	ProgressDone          = 100
)

// Document is an uploaded PDF and its extraction job state. The row doubles
// as the queue entry: claimed_by and last_heartbeat drive worker ownership.
type Document struct {
	ID            string         `json:"document_id"`
	UserID        string         `json:"user_id"`
	Filename      string         `json:"filename"`
	ByteSize      int64          `json:"byte_size"`
	PageCount     int            `json:"page_count"`
	ExtractedText string         `json:"extracted_text,omitempty"`
	Status        DocumentStatus `json:"status"`
	Progress      int            `json:"progress"`
	FailureReason string         `json:"failure_reason,omitempty"`
	ClaimedBy     string         `json:"-"`
	LastHeartbeat *time.Time     `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     *time.Time     `json:"-"`
}

// Page is one extracted page: its text and an opaque image handle with
// dimensions. Rendering the handle is a client concern.
type Page struct {
	DocumentID string  `json:"document_id"`
	PageNumber int     `json:"page_number"`
	ImageRef   string  `json:"image_ref"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Text       string  `json:"text,omitempty"`
}
