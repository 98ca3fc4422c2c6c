package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
)

// PlaybackCommand is one client control frame on a teaching channel.
type PlaybackCommand string

const (
	CmdStart    PlaybackCommand = "start"
	CmdPause    PlaybackCommand = "pause"
	CmdResume   PlaybackCommand = "resume"
	CmdNext     PlaybackCommand = "next"
	CmdPrevious PlaybackCommand = "previous"
	CmdAckScene PlaybackCommand = "ack_scene"
)

// ParsePlaybackCommand maps a client frame type onto a command.
func ParsePlaybackCommand(s string) (PlaybackCommand, bool) {
	switch cmd := PlaybackCommand(s); cmd {
	case CmdStart, CmdPause, CmdResume, CmdNext, CmdPrevious, CmdAckScene:
		return cmd, true
	}
	return "", false
}

// SceneMessage carries one scene down the teaching channel.
type SceneMessage struct {
	Type  string       `json:"type"`
	Index int          `json:"index"`
	Scene models.Scene `json:"scene"`
}

// ProgressMessage follows every scene transition. Current is the 1-based
// ordinal of the scene on screen.
type ProgressMessage struct {
	Type    string `json:"type"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// DoneMessage closes out a completed playback.
type DoneMessage struct {
	Type string `json:"type"`
}

// playbackHardMultiple bounds how long one scene may stay current, as a
// multiple of its duration. A paused or unresponsive channel force-advances
// at the bound instead of pinning the scene forever; clients revisit with
// previous.
const playbackHardMultiple = 2

// TeachingConversations resolves session keys and their conversations.
type TeachingConversations interface {
	GetTeachingSession(ctx context.Context, id string) (*models.TeachingSession, error)
	Get(ctx context.Context, id string) (*models.Conversation, error)
}

// TeachingVisualizations is the slice of the visualizations store playback
// needs.
type TeachingVisualizations interface {
	LatestByLesson(ctx context.Context, lessonID string) (*models.Visualization, error)
	MarkServed(ctx context.Context, id string) error
}

// TeachingService resolves a session key to its playable visualization and
// drives scene playback over a command channel. The WebSocket handler owns
// the connection; this service owns the cursor.
type TeachingService struct {
	convs   TeachingConversations
	lessons LessonReader
	vizzes  TeachingVisualizations
}

// NewTeachingService creates a new TeachingService.
func NewTeachingService(convs TeachingConversations, lessons LessonReader, vizzes TeachingVisualizations) *TeachingService {
	return &TeachingService{convs: convs, lessons: lessons, vizzes: vizzes}
}

// Playback is everything a teaching channel needs: the resolved session,
// its conversation for progress subscriptions, and the scenes to stream.
type Playback struct {
	Session       *models.TeachingSession
	Conversation  *models.Conversation
	Visualization *models.Visualization
}

// LoadSession resolves a session key down to the visualization to stream.
// The first playback flips the visualization to served; failures there are
// logged, not fatal.
func (s *TeachingService) LoadSession(ctx context.Context, p *models.Principal, sessionID string) (*Playback, error) {
	ts, err := s.convs.GetTeachingSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get teaching session: %w", err)
	}
	if err := requireOwner(p, ts.UserID); err != nil {
		return nil, err
	}

	conv, err := s.convs.Get(ctx, ts.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.LessonID == nil {
		return nil, NewValidationError("lesson_id", "conversation has no lesson yet")
	}

	lesson, err := s.lessons.Get(ctx, *conv.LessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}
	switch lesson.Status {
	case models.LessonGenerating:
		return nil, ErrGenerating
	case models.LessonFailed:
		return nil, NewValidationError("lesson_id", "lesson generation failed")
	}

	v, err := s.vizzes.LatestByLesson(ctx, lesson.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The pipeline will deliver; tell the client to retry.
			return nil, ErrGenerating
		}
		return nil, fmt.Errorf("failed to get visualization: %w", err)
	}
	if v.Status == models.VizInvalid {
		return nil, NewValidationError("visualization", "latest visualization is invalid")
	}

	if err := s.vizzes.MarkServed(ctx, v.ID); err != nil {
		slog.Warn("Failed to mark visualization served", "visualization_id", v.ID, "error", err)
	} else if v.Status == models.VizPersisted {
		v.Status = models.VizServed
	}

	return &Playback{Session: ts, Conversation: conv, Visualization: v}, nil
}

// RunPlayback streams scenes in order until done, the command channel
// closes, or the context ends. Playback waits for start. A scene advances
// on ack_scene or when its duration elapses, whichever comes first; pause
// suspends the duration clock but the hard bound still advances the cursor
// so an abandoned channel finishes in bounded time. send must bound its own
// blocking; its error tears the playback down.
func (s *TeachingService) RunPlayback(ctx context.Context, scenes []models.Scene, cmds <-chan PlaybackCommand, send func(msg any) error) error {
	if len(scenes) == 0 {
		return send(DoneMessage{Type: "done"})
	}

	var auto, hard *time.Timer
	var autoC, hardC <-chan time.Time
	stopTimers := func() {
		if auto != nil {
			auto.Stop()
			auto, autoC = nil, nil
		}
		if hard != nil {
			hard.Stop()
			hard, hardC = nil, nil
		}
	}
	defer stopTimers()

	// idx is the scene on the wire; -1 until start arrives.
	idx := -1

	show := func(i int) error {
		stopTimers()
		idx = i
		d := sceneDelay(scenes[i])
		hard = time.NewTimer(playbackHardMultiple * d)
		hardC = hard.C
		if err := send(SceneMessage{Type: "scene", Index: i, Scene: scenes[i]}); err != nil {
			return err
		}
		if err := send(ProgressMessage{Type: "progress", Current: i + 1, Total: len(scenes)}); err != nil {
			return err
		}
		auto = time.NewTimer(d)
		autoC = auto.C
		return nil
	}

	// advance moves to the next scene or finishes; the bool reports done.
	advance := func() (bool, error) {
		if idx+1 >= len(scenes) {
			stopTimers()
			if err := send(DoneMessage{Type: "done"}); err != nil {
				return true, err
			}
			return true, nil
		}
		return false, show(idx + 1)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd, ok := <-cmds:
			if !ok {
				// Client went away; persisted state is untouched.
				return nil
			}
			switch cmd {
			case CmdStart:
				if idx >= 0 {
					continue
				}
				if err := show(0); err != nil {
					return err
				}
			case CmdPause:
				if auto != nil {
					auto.Stop()
					auto, autoC = nil, nil
				}
			case CmdResume:
				if idx >= 0 && auto == nil {
					auto = time.NewTimer(sceneDelay(scenes[idx]))
					autoC = auto.C
				}
			case CmdAckScene, CmdNext:
				if idx < 0 {
					continue
				}
				done, err := advance()
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			case CmdPrevious:
				if idx < 0 {
					continue
				}
				target := idx - 1
				if target < 0 {
					target = 0
				}
				if err := show(target); err != nil {
					return err
				}
			}

		case <-autoC:
			done, err := advance()
			if err != nil {
				return err
			}
			if done {
				return nil
			}

		case <-hardC:
			slog.Warn("Scene hit its playback bound, forcing advance", "scene_index", idx)
			done, err := advance()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// sceneDelay converts a scene duration to wall clock, with a floor for
// unresolved or zero durations.
func sceneDelay(scene models.Scene) time.Duration {
	if scene.Duration <= 0 {
		return time.Second
	}
	return time.Duration(scene.Duration * float64(time.Second))
}
