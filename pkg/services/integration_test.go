package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalklabs/chalk/pkg/blob"
	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/generator"
	"github.com/chalklabs/chalk/pkg/mailer"
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
	"github.com/chalklabs/chalk/pkg/tokens"
	testdb "github.com/chalklabs/chalk/test/database"
)

// pipelineEnv wires every service onto one real database the way the
// binaries do, minus HTTP. Events flow through the persisted bus and are
// handed to consumers explicitly, so each hop stays observable.
type pipelineEnv struct {
	documents *store.Documents
	otps      *store.OTPs
	bus       *store.Events
	publisher *events.Publisher

	auth   *AuthService
	otp    *OTPService
	docs   *DocumentService
	lesson *LessonService
	viz    *VisualizationService
	quiz   *QuizService
	conv   *ConversationService
	teach  *TeachingService
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	client := testdb.NewTestClient(t)
	db := client.DB()

	users := store.NewUsers(db)
	sessions := store.NewSessions(db)
	otps := store.NewOTPs(db)
	documents := store.NewDocuments(db)
	lessons := store.NewLessons(db)
	quizzes := store.NewQuizzes(db)
	vizzes := store.NewVisualizations(db)
	convs := store.NewConversations(db)
	publisher := events.NewPublisher(db)

	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	ring := tokens.NewStaticKeyring("test", []byte("0123456789abcdef0123456789abcdef"))
	manager := tokens.NewManager(ring, "chalk-auth", 15*time.Minute)
	gen := generator.NewStub()

	return &pipelineEnv{
		documents: documents,
		otps:      otps,
		bus:       store.NewEvents(db),
		publisher: publisher,
		auth:      NewAuthService(users, sessions, manager, nil),
		otp:       NewOTPService(otps, users, sessions, mailer.NewLog()),
		docs:      NewDocumentService(documents, blobs, nil, DefaultUploadLimits()),
		lesson:    NewLessonService(lessons, documents, gen, publisher),
		viz:       NewVisualizationService(vizzes, lessons, gen, publisher),
		quiz:      NewQuizService(quizzes, lessons, gen, publisher),
		conv:      NewConversationService(convs, lessons),
		teach:     NewTeachingService(convs, lessons, vizzes),
	}
}

// ingestDocument plays the extraction worker for one queued document:
// claim, pages, terminal update, ingested event.
func (env *pipelineEnv) ingestDocument(t *testing.T, doc *models.Document, text string, pageRefs ...string) {
	t.Helper()
	ctx := context.Background()

	claimed, err := env.documents.ClaimNext(ctx, "pod-itest")
	require.NoError(t, err)
	require.Equal(t, doc.ID, claimed.ID)

	pages := make([]models.Page, 0, len(pageRefs))
	for i, ref := range pageRefs {
		pages = append(pages, models.Page{
			DocumentID: doc.ID,
			PageNumber: i + 1,
			ImageRef:   ref,
			Width:      612,
			Height:     792,
			Text:       "page text",
		})
	}
	require.NoError(t, env.documents.ReplacePages(ctx, doc.ID, pages))
	require.NoError(t, env.documents.FinishExtraction(ctx, doc.ID, models.DocumentReady, len(pageRefs), text, ""))
	require.NoError(t, env.publisher.PublishDocumentIngested(ctx, events.DocumentIngestedPayload{
		BasePayload: events.BasePayload{UserID: doc.UserID},
		DocumentID:  doc.ID,
		Title:       doc.Filename,
		PageCount:   len(pageRefs),
	}))
}

// topicEvents reads a topic's persisted events back off the bus, the way a
// catching-up consumer would.
func (env *pipelineEnv) topicEvents(t *testing.T, topic string) []models.Event {
	t.Helper()
	evts, err := env.bus.ListByTopicSince(context.Background(), topic, 0, 50)
	require.NoError(t, err)
	return evts
}

func TestAuthSessionFlowIntegration(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	// 1. Signup issues a usable token pair.
	user, pair, err := env.auth.Signup(ctx, "Ada Lovelace", "ada@example.com", "Str0ng!hat", "Str0ng!hat")
	require.NoError(t, err)
	require.NotNil(t, pair)

	p, err := env.auth.Verify(ctx, pair.Access)
	require.NoError(t, err)
	assert.Equal(t, user.ID, p.UserID)
	assert.Equal(t, models.RoleStudent, p.Role)

	// 2. The email is taken now.
	_, _, err = env.auth.Signup(ctx, "Ada Again", "ada@example.com", "Other9!xyz", "Other9!xyz")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// 3. Refresh rotates the opaque token.
	_, next, err := env.auth.Refresh(ctx, pair.Refresh)
	require.NoError(t, err)
	require.NotEqual(t, pair.Refresh, next.Refresh)

	// 4. Replaying the rotated token kills the whole session, successor
	//    included.
	_, _, err = env.auth.Refresh(ctx, pair.Refresh)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, _, err = env.auth.Refresh(ctx, next.Refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// 5. Credentials still work and logout is idempotent.
	_, fresh, err := env.auth.Login(ctx, "ada@example.com", "Str0ng!hat")
	require.NoError(t, err)
	_, _, err = env.auth.Login(ctx, "ada@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, env.auth.Logout(ctx, fresh.Refresh))
	_, _, err = env.auth.Refresh(ctx, fresh.Refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
	require.NoError(t, env.auth.Logout(ctx, fresh.Refresh))
}

func TestPasswordResetIntegration(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	_, pair, err := env.auth.Signup(ctx, "Rosa Park", "rosa@example.com", "Init1um!x", "Init1um!x")
	require.NoError(t, err)

	// 1. Request a code; the immediate second request is throttled without
	//    reissuing.
	require.NoError(t, env.otp.ForgotPassword(ctx, "rosa@example.com"))
	assert.ErrorIs(t, env.otp.ForgotPassword(ctx, "rosa@example.com"), ErrRateLimited)

	otp, err := env.otps.Get(ctx, "rosa@example.com")
	require.NoError(t, err)
	require.Len(t, otp.Code, 6)

	// 2. A wrong code burns an attempt but leaves the code live.
	wrong := "000000"
	if otp.Code == wrong {
		wrong = "111111"
	}
	assert.ErrorIs(t, env.otp.VerifyOTP(ctx, "rosa@example.com", wrong), ErrInvalidOTP)

	burned, err := env.otps.Get(ctx, "rosa@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.OTPAttempts-1, burned.AttemptsRemaining)
	require.NoError(t, env.otp.VerifyOTP(ctx, "rosa@example.com", otp.Code))

	// 3. Reset consumes the code, rehashes, and revokes every session.
	require.NoError(t, env.otp.ResetPassword(ctx, "rosa@example.com", otp.Code, "Fresh#Set7", "Fresh#Set7"))

	_, _, err = env.auth.Refresh(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, _, err = env.auth.Login(ctx, "rosa@example.com", "Init1um!x")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = env.auth.Login(ctx, "rosa@example.com", "Fresh#Set7")
	require.NoError(t, err)

	// 4. The consumed code cannot be replayed.
	assert.ErrorIs(t, env.otp.ResetPassword(ctx, "rosa@example.com", otp.Code, "Again#Set8", "Again#Set8"), ErrInvalidOTP)
}

// TestLessonPipelineIntegration walks a document through the whole system:
// upload, extraction, lesson generation, the three lesson.ready consumers,
// a scored quiz attempt, playback, and teardown.
func TestLessonPipelineIntegration(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	user, _, err := env.auth.Signup(ctx, "Leo Euler", "leo@example.com", "S0lid!mix", "S0lid!mix")
	require.NoError(t, err)
	p := student(user.ID)

	// 1. An empty conversation is waiting before the document arrives.
	conv, err := env.conv.Create(ctx, p, user.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "New Conversation", conv.Title)
	require.Nil(t, conv.LessonID)

	// 2. Upload queues the document.
	doc, err := env.docs.Upload(ctx, p, user.ID, "chapter_one.pdf", strings.NewReader(pdfBody(256)))
	require.NoError(t, err)
	assert.Equal(t, models.DocumentQueued, doc.Status)

	// 3. The extraction worker produces pages, text, and the ingested event.
	text := "Linear equations describe lines. Slope measures steepness.\n\n" +
		"Quadratic equations describe parabolas. Roots solve them."
	env.ingestDocument(t, doc, text, "pages/1.png", "pages/2.png")

	got, err := env.docs.Status(ctx, p, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentReady, got.Status)
	assert.Equal(t, models.ProgressDone, got.Progress)

	// 4. The lesson consumer picks the event off the bus.
	ingested := env.topicEvents(t, events.TopicDocumentIngested)
	require.Len(t, ingested, 1)
	require.NoError(t, env.lesson.HandleDocumentIngested(ctx, ingested[0]))

	// The document id is an accepted alias for its lesson.
	lesson, err := env.lesson.Get(ctx, p, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LessonReady, lesson.Status)
	assert.Equal(t, "chapter one", lesson.Title)
	require.Len(t, lesson.Sections, 2)
	assert.Equal(t, []string{"pages/1.png"}, lesson.Sections[0].ImageRefs)

	// 5. Redelivery leaves the single lesson alone.
	require.NoError(t, env.lesson.HandleDocumentIngested(ctx, ingested[0]))
	history, err := env.lesson.History(ctx, p, user.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	ready := env.topicEvents(t, events.TopicLessonReady)
	require.Len(t, ready, 1)

	// 6. The visualization consumer synthesizes one scene per section.
	require.NoError(t, env.viz.HandleLessonReady(ctx, ready[0]))
	v, err := env.viz.LatestForLesson(ctx, p, lesson.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VizPersisted, v.Status)
	assert.Len(t, v.Scenes, 2)
	assert.Greater(t, v.TotalDuration, 0.0)
	require.NoError(t, env.viz.HandleLessonReady(ctx, ready[0]))

	// 7. The quiz consumer keys questions off the section headings.
	require.NoError(t, env.quiz.HandleLessonReady(ctx, ready[0]))
	quiz, err := env.quiz.Get(ctx, p, lesson.ID)
	require.NoError(t, err)
	require.Equal(t, models.QuizReady, quiz.Status)
	require.Len(t, quiz.Questions, 2)

	// 8. The conversation consumer links the lesson and takes its title.
	require.NoError(t, env.conv.HandleLessonReady(ctx, ready[0]))
	convs, err := env.conv.List(ctx, p, user.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.NotNil(t, convs[0].LessonID)
	assert.Equal(t, lesson.ID, *convs[0].LessonID)
	assert.Equal(t, "chapter one", convs[0].Title)
	require.NoError(t, env.conv.HandleLessonReady(ctx, ready[0]))

	// 9. A quiz attempt is scored against the stored key.
	answers := []models.Answer{
		{QuestionIndex: 0, SelectedOption: quiz.Questions[0].CorrectIndex},
		{QuestionIndex: 1, SelectedOption: (quiz.Questions[1].CorrectIndex + 1) % len(quiz.Questions[1].Options)},
	}
	sub, results, err := env.quiz.Submit(ctx, p, lesson.ID, user.ID, answers)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Score)
	assert.Equal(t, 2, sub.Total)
	require.Len(t, results, 2)
	assert.True(t, results[0].Correct)
	assert.False(t, results[1].Correct)

	latest, err := env.quiz.LatestSubmission(ctx, p, lesson.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, latest.ID)

	// 10. A teaching session resolves to the visualization and serves it.
	sess, err := env.conv.CreateSession(ctx, p, conv.ID)
	require.NoError(t, err)
	playback, err := env.teach.LoadSession(ctx, p, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, playback.Conversation.ID)
	assert.Equal(t, v.ID, playback.Visualization.ID)
	assert.Equal(t, models.VizServed, playback.Visualization.Status)

	playback, err = env.teach.LoadSession(ctx, p, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VizServed, playback.Visualization.Status)

	// 11. The owner's feed carries each persisted milestone exactly once.
	feed, err := env.bus.ListForUserSince(ctx, user.ID, 0, 50)
	require.NoError(t, err)
	topics := make(map[string]int, len(feed))
	for _, evt := range feed {
		topics[evt.Topic]++
	}
	assert.Equal(t, 1, topics[events.TopicDocumentIngested])
	assert.Equal(t, 1, topics[events.TopicLessonReady])
	assert.Equal(t, 1, topics[events.TopicVisualizationReady])
	assert.Equal(t, 1, topics[events.TopicQuizReady])

	// 12. Deleting the lesson tears down the document and derived artifacts.
	require.NoError(t, env.lesson.Delete(ctx, p, lesson.ID))
	_, err = env.lesson.Get(ctx, p, lesson.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.docs.Status(ctx, p, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.quiz.Get(ctx, p, lesson.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.viz.LatestForLesson(ctx, p, lesson.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// A stray redelivery after deletion grows nothing back.
	require.NoError(t, env.lesson.HandleDocumentIngested(ctx, ingested[0]))
	history, err = env.lesson.History(ctx, p, user.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUploadCancellationIntegration(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	user, _, err := env.auth.Signup(ctx, "Max Born", "max@example.com", "Qu4ntum!z", "Qu4ntum!z")
	require.NoError(t, err)
	p := student(user.ID)

	doc, err := env.docs.Upload(ctx, p, user.ID, "notes.pdf", strings.NewReader(pdfBody(64)))
	require.NoError(t, err)

	// 1. Stopping a queued document cancels it.
	require.NoError(t, env.docs.Stop(ctx, p, doc.ID))
	got, err := env.docs.Status(ctx, p, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentCancelled, got.Status)

	// 2. Terminal documents cannot be stopped again.
	assert.ErrorIs(t, env.docs.Stop(ctx, p, doc.ID), ErrNotCancellable)

	// 3. A stray ingested event for the cancelled document grows no lesson.
	require.NoError(t, env.lesson.HandleDocumentIngested(ctx, ingestedEvent(t, doc.ID, user.ID)))
	history, err := env.lesson.History(ctx, p, user.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	// 4. Delete clears it from the owner's view.
	require.NoError(t, env.docs.Delete(ctx, p, doc.ID))
	_, err = env.docs.Status(ctx, p, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
