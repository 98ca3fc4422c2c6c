package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chalklabs/chalk/pkg/models"
)

// Stub derives artifacts from the input text alone, deterministically.
// It keeps development and tests independent of any external generator;
// the output is structurally identical to the real thing, just not smart.
type Stub struct{}

// NewStub creates the deterministic generator.
func NewStub() *Stub {
	return &Stub{}
}

const (
	stubMaxSections = 6
	stubMaxQuestons = 5
)

func (s *Stub) GenerateLesson(_ context.Context, req LessonRequest) (*models.LessonContent, error) {
	paragraphs := splitParagraphs(req.Text)
	if len(paragraphs) == 0 {
		return nil, errors.New("document has no usable text")
	}

	sections := make([]models.LessonSection, 0, stubMaxSections)
	per := (len(paragraphs) + stubMaxSections - 1) / stubMaxSections
	for start := 0; start < len(paragraphs); start += per {
		end := min(start+per, len(paragraphs))
		content := strings.Join(paragraphs[start:end], "\n\n")
		section := models.LessonSection{
			Heading: sectionHeading(paragraphs[start], len(sections)+1),
			Content: content,
		}
		if i := len(sections); i < len(req.ImageRefs) {
			section.ImageRefs = []string{req.ImageRefs[i]}
		}
		sections = append(sections, section)
	}

	return &models.LessonContent{
		Title:    lessonTitle(req),
		Subject:  "General",
		Sections: sections,
	}, nil
}

func (s *Stub) GenerateQuiz(_ context.Context, lesson *models.Lesson) ([]models.Question, error) {
	if len(lesson.Sections) == 0 {
		return nil, errors.New("lesson has no sections")
	}
	n := min(len(lesson.Sections), stubMaxQuestons)
	questions := make([]models.Question, 0, n)
	for i := 0; i < n; i++ {
		section := lesson.Sections[i]
		options, correct := headingOptions(lesson.Sections, i)
		questions = append(questions, models.Question{
			Question:     fmt.Sprintf("Which section of %q covers the following? %s", lesson.Title, firstSentence(section.Content)),
			Options:      options,
			CorrectIndex: correct,
			Explanation:  fmt.Sprintf("This is discussed under %q.", section.Heading),
			Difficulty:   "easy",
		})
	}
	return questions, nil
}

func (s *Stub) GenerateNotes(_ context.Context, lesson *models.Lesson) ([]models.NoteSection, error) {
	if len(lesson.Sections) == 0 {
		return nil, errors.New("lesson has no sections")
	}
	notes := make([]models.NoteSection, 0, len(lesson.Sections))
	for _, section := range lesson.Sections {
		bullets := sentences(section.Content, 3)
		if len(bullets) == 0 {
			bullets = []string{section.Heading}
		}
		notes = append(notes, models.NoteSection{Heading: section.Heading, Bullets: bullets})
	}
	return notes, nil
}

// GenerateScenes always declines; callers synthesize scenes from sections.
func (s *Stub) GenerateScenes(context.Context, *models.Lesson) ([]models.Scene, error) {
	return nil, errors.New("stub generator does not script scenes")
}

func lessonTitle(req LessonRequest) string {
	title := strings.TrimSpace(req.TitleHint)
	title = strings.TrimSuffix(title, ".pdf")
	title = strings.NewReplacer("_", " ", "-", " ").Replace(title)
	title = strings.TrimSpace(title)
	if title != "" {
		return title
	}
	if first := firstSentence(req.Text); first != "" {
		return truncateWords(first, 80)
	}
	return "Untitled Lesson"
}

func sectionHeading(paragraph string, n int) string {
	if first := firstSentence(paragraph); first != "" {
		return truncateWords(first, 60)
	}
	return fmt.Sprintf("Part %d", n)
}

// headingOptions builds up to four answer options around the correct
// section heading and returns the correct option's index.
func headingOptions(sections []models.LessonSection, correct int) ([]string, int) {
	options := make([]string, 0, 4)
	correctAt := -1
	for i, s := range sections {
		if len(options) == 4 {
			break
		}
		if i == correct {
			correctAt = len(options)
		}
		options = append(options, s.Heading)
	}
	if correctAt == -1 {
		// Correct section fell past the cap; swap it into the last slot.
		correctAt = len(options) - 1
		options[correctAt] = sections[correct].Heading
	}
	for len(options) < 2 {
		options = append(options, "None of the above")
	}
	return options, correctAt
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sentences(text string, limit int) []string {
	var out []string
	for _, s := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

func firstSentence(text string) string {
	if parts := sentences(text, 1); len(parts) > 0 {
		return parts[0]
	}
	return ""
}

func truncateWords(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	trimmed := s[:limit]
	if i := strings.LastIndexByte(trimmed, ' '); i > 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}
