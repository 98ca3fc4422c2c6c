package generator

import (
	"fmt"
	"strings"

	"github.com/chalklabs/chalk/pkg/models"
)

const lessonSystemPrompt = `You are a curriculum writer. Given raw text extracted from a PDF, produce a structured lesson.
Reply with a single JSON object:
{"title": string, "subject": string, "sections": [{"heading": string, "content": string, "image_refs": [string]}]}
Rules: 3 to 8 sections; content is plain prose, two to five sentences per section; image_refs may only contain references listed in the request; omit image_refs when none apply. No markdown, no commentary outside the JSON.`

const quizSystemPrompt = `You write multiple-choice quizzes for a lesson.
Reply with a single JSON object:
{"questions": [{"question": string, "options": [string, string, string, string], "correct_index": int, "explanation": string, "difficulty": "easy"|"medium"|"hard"}]}
Rules: 3 to 8 questions; exactly one correct option each; correct_index is the zero-based position of the correct option; plausible distractors. No commentary outside the JSON.`

const notesSystemPrompt = `You condense a lesson into study notes.
Reply with a single JSON object:
{"sections": [{"heading": string, "bullets": [string]}]}
Rules: one notes section per lesson section; 2 to 5 bullets each; bullets are short standalone facts. No commentary outside the JSON.`

const scenesSystemPrompt = `You script whiteboard scenes for a lesson on a 1920x1080 canvas.
Reply with a single JSON object:
{"scenes": [{"title": string, "duration": number, "shapes": [...], "animations": [...], "audio": {"text": string, "start_time": number, "duration": number}}]}
Shapes: {"type": "circle"|"rectangle"|"line"|"arrow"|"text"|"image"|"polygon", "zone": one of top_left|top_center|top_right|center_left|center|center_right|bottom_left|bottom_center|bottom_right, plus type-specific fields (radius; width/height; points; text/font_size; image_ref)}.
Animations: {"shape_index": int, "type": "fadeIn"|"fadeOut"|"scale"|"move"|"rotate"|"pulse"|"glow"|"draw"|"write"|"orbit", "start": number, "duration": number}.
Rules: one scene per lesson section; durations in seconds; shape_index references the scene's shapes array; place shapes with zones, not coordinates. No commentary outside the JSON.`

func lessonPrompt(req LessonRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document title hint: %s\n", orUnknown(req.TitleHint))
	if len(req.ImageRefs) > 0 {
		fmt.Fprintf(&b, "Available image references: %s\n", strings.Join(req.ImageRefs, ", "))
	}
	b.WriteString("\nDocument text:\n")
	b.WriteString(trimText(req.Text, maxPromptChars))
	return b.String()
}

func quizPrompt(lesson *models.Lesson) string {
	return lessonBody("Write a quiz for this lesson.", lesson)
}

func notesPrompt(lesson *models.Lesson) string {
	return lessonBody("Write study notes for this lesson.", lesson)
}

func scenesPrompt(lesson *models.Lesson) string {
	return lessonBody("Script whiteboard scenes for this lesson.", lesson)
}

func lessonBody(instruction string, lesson *models.Lesson) string {
	var b strings.Builder
	b.WriteString(instruction)
	fmt.Fprintf(&b, "\n\nLesson: %s", lesson.Title)
	if lesson.Subject != "" {
		fmt.Fprintf(&b, " (subject: %s)", lesson.Subject)
	}
	b.WriteString("\n")
	remaining := maxPromptChars
	for i, s := range lesson.Sections {
		chunk := fmt.Sprintf("\n## %d. %s\n%s\n", i+1, s.Heading, s.Content)
		if len(s.ImageRefs) > 0 {
			chunk += fmt.Sprintf("(images: %s)\n", strings.Join(s.ImageRefs, ", "))
		}
		if len(chunk) > remaining {
			break
		}
		b.WriteString(chunk)
		remaining -= len(chunk)
	}
	return b.String()
}

func trimText(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	trimmed := text[:limit]
	// Do not cut a rune or a word in half if a space is near.
	if i := strings.LastIndexByte(trimmed, ' '); i > limit-200 {
		trimmed = trimmed[:i]
	}
	return trimmed + "\n[truncated]"
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(unknown)"
	}
	return s
}
