package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
)

// In-memory store fakes mirroring the narrow slices the services consume.
// Every fake locks around its maps; WS and spawn paths touch them from
// other goroutines.

type fakeUsers struct {
	mu      sync.Mutex
	byID    map[string]*models.User
	byEmail map[string]*models.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: map[string]*models.User{}, byEmail: map[string]*models.User{}}
}

func (f *fakeUsers) Create(_ context.Context, u *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byEmail[u.Email]; ok {
		return store.ErrDuplicate
	}
	clone := *u
	f.byID[u.ID] = &clone
	f.byEmail[u.Email] = &clone
	return nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byEmail[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (f *fakeUsers) UpdatePassword(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (f *fakeUsers) TouchLastSeen(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		u.LastSeenAt = at
	}
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*models.AuthSession
	tokens   map[string]*models.RefreshToken
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]*models.AuthSession{}, tokens: map[string]*models.RefreshToken{}}
}

func (f *fakeSessions) CreateWithToken(_ context.Context, s *models.AuthSession, t *models.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, tc := *s, *t
	f.sessions[s.ID] = &sc
	f.tokens[t.Token] = &tc
	return nil
}

func (f *fakeSessions) GetRefresh(_ context.Context, token string) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *t
	if s, ok := f.sessions[t.SessionID]; ok && s.RevokedAt != nil {
		clone.RevokedAt = s.RevokedAt
	}
	return &clone, nil
}

func (f *fakeSessions) Rotate(_ context.Context, oldToken string, next *models.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.tokens[oldToken]
	if !ok || old.RotatedAt != nil || old.RevokedAt != nil {
		return store.ErrConflict
	}
	now := time.Now()
	old.RotatedAt = &now
	clone := *next
	f.tokens[next.Token] = &clone
	return nil
}

func (f *fakeSessions) RevokeSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.RevokedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	s.RevokedAt = &now
	return nil
}

func (f *fakeSessions) RevokeAllForUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, s := range f.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &now
		}
	}
	return nil
}

type fakeOTPs struct {
	mu      sync.Mutex
	byEmail map[string]*models.OTP
}

func newFakeOTPs() *fakeOTPs {
	return &fakeOTPs{byEmail: map[string]*models.OTP{}}
}

func (f *fakeOTPs) Issue(_ context.Context, otp *models.OTP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *otp
	f.byEmail[otp.Email] = &clone
	return nil
}

func (f *fakeOTPs) Get(_ context.Context, email string) (*models.OTP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	otp, ok := f.byEmail[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *otp
	return &clone, nil
}

func (f *fakeOTPs) Decrement(_ context.Context, email string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	otp, ok := f.byEmail[email]
	if !ok {
		return 0, store.ErrNotFound
	}
	if otp.AttemptsRemaining > 0 {
		otp.AttemptsRemaining--
	}
	return otp.AttemptsRemaining, nil
}

func (f *fakeOTPs) Consume(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	otp, ok := f.byEmail[email]
	if !ok {
		return store.ErrNotFound
	}
	otp.Consumed = true
	return nil
}

// code returns the last issued code for an email, standing in for reading
// the reset mail.
func (f *fakeOTPs) code(email string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if otp, ok := f.byEmail[email]; ok {
		return otp.Code
	}
	return ""
}

type fakeDocs struct {
	mu   sync.Mutex
	byID map[string]*models.Document
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{byID: map[string]*models.Document{}}
}

func (f *fakeDocs) Create(_ context.Context, d *models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *d
	f.byID[d.ID] = &clone
	return nil
}

func (f *fakeDocs) Get(_ context.Context, id string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byID[id]
	if !ok || d.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (f *fakeDocs) ListByUser(_ context.Context, userID string) ([]*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Document
	for _, d := range f.byID {
		if d.UserID == userID && d.DeletedAt == nil {
			clone := *d
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeDocs) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byID[id]
	if !ok || d.DeletedAt != nil {
		return store.ErrNotFound
	}
	if d.Status.Terminal() {
		return store.ErrConflict
	}
	d.Status = models.DocumentCancelled
	return nil
}

func (f *fakeDocs) SoftDelete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byID[id]
	if !ok || d.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	d.DeletedAt = &now
	return nil
}

func (f *fakeDocs) ListPages(_ context.Context, documentID string) ([]models.Page, error) {
	return nil, nil
}

type fakeLessons struct {
	mu   sync.Mutex
	byID map[string]*models.Lesson
}

func newFakeLessons() *fakeLessons {
	return &fakeLessons{byID: map[string]*models.Lesson{}}
}

func (f *fakeLessons) put(l *models.Lesson) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *l
	f.byID[l.ID] = &clone
}

func (f *fakeLessons) CreateGenerating(_ context.Context, l *models.Lesson) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[l.ID]; ok {
		return store.ErrDuplicate
	}
	clone := *l
	f.byID[l.ID] = &clone
	return nil
}

func (f *fakeLessons) SetReady(_ context.Context, id string, content *models.LessonContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	l.Status = models.LessonReady
	l.Title = content.Title
	l.Subject = content.Subject
	l.Sections = content.Sections
	return nil
}

func (f *fakeLessons) SetFailed(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	l.Status = models.LessonFailed
	l.FailureReason = reason
	return nil
}

func (f *fakeLessons) Get(_ context.Context, id string) (*models.Lesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.byID[id]
	if !ok || l.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	clone := *l
	return &clone, nil
}

func (f *fakeLessons) GetByDocument(_ context.Context, documentID string) (*models.Lesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.byID {
		if l.DocumentID == documentID && l.DeletedAt == nil {
			clone := *l
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeLessons) ListByUser(_ context.Context, userID string) ([]*models.Lesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Lesson
	for _, l := range f.byID {
		if l.UserID == userID && l.DeletedAt == nil {
			clone := *l
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeLessons) SoftDelete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.byID[id]
	if !ok || l.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	l.DeletedAt = &now
	return nil
}

type fakeQuizzes struct {
	mu          sync.Mutex
	byLesson    map[string]*models.Quiz
	notes       map[string]*models.Notes
	submissions []*models.Submission
}

func newFakeQuizzes() *fakeQuizzes {
	return &fakeQuizzes{byLesson: map[string]*models.Quiz{}, notes: map[string]*models.Notes{}}
}

func (f *fakeQuizzes) ClaimPending(_ context.Context, lessonID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byLesson[lessonID]; ok {
		return store.ErrDuplicate
	}
	f.byLesson[lessonID] = &models.Quiz{LessonID: lessonID, Status: models.QuizPending, CreatedAt: at}
	return nil
}

func (f *fakeQuizzes) SetReady(_ context.Context, lessonID string, questions []models.Question) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.byLesson[lessonID]
	if !ok {
		return store.ErrNotFound
	}
	q.Status = models.QuizReady
	q.Questions = questions
	return nil
}

func (f *fakeQuizzes) SetFailed(_ context.Context, lessonID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.byLesson[lessonID]
	if !ok {
		return store.ErrNotFound
	}
	q.Status = models.QuizFailed
	q.FailureReason = reason
	return nil
}

func (f *fakeQuizzes) Get(_ context.Context, lessonID string) (*models.Quiz, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.byLesson[lessonID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *q
	return &clone, nil
}

func (f *fakeQuizzes) InsertSubmission(_ context.Context, sub *models.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *sub
	f.submissions = append(f.submissions, &clone)
	return nil
}

func (f *fakeQuizzes) LatestSubmission(_ context.Context, lessonID, userID string) (*models.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.submissions) - 1; i >= 0; i-- {
		if f.submissions[i].LessonID == lessonID && f.submissions[i].UserID == userID {
			clone := *f.submissions[i]
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeQuizzes) ClaimNotesPending(_ context.Context, lessonID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.notes[lessonID]; ok && n.Status != models.QuizFailed {
		return store.ErrDuplicate
	}
	f.notes[lessonID] = &models.Notes{LessonID: lessonID, Status: models.QuizPending, CreatedAt: at}
	return nil
}

func (f *fakeQuizzes) SetNotesReady(_ context.Context, lessonID string, sections []models.NoteSection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[lessonID]
	if !ok {
		return store.ErrNotFound
	}
	n.Status = models.QuizReady
	n.Sections = sections
	return nil
}

func (f *fakeQuizzes) SetNotesFailed(_ context.Context, lessonID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[lessonID]
	if !ok {
		return store.ErrNotFound
	}
	n.Status = models.QuizFailed
	return nil
}

func (f *fakeQuizzes) GetNotes(_ context.Context, lessonID string) (*models.Notes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[lessonID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *n
	return &clone, nil
}

type fakeConversations struct {
	mu       sync.Mutex
	byID     map[string]*models.Conversation
	sessions map[string]*models.TeachingSession
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{byID: map[string]*models.Conversation{}, sessions: map[string]*models.TeachingSession{}}
}

func (f *fakeConversations) Create(_ context.Context, c *models.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *c
	f.byID[c.ID] = &clone
	return nil
}

func (f *fakeConversations) Get(_ context.Context, id string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok || c.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (f *fakeConversations) ListByUser(_ context.Context, userID string) ([]*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Conversation
	for _, c := range f.byID {
		if c.UserID == userID && c.DeletedAt == nil {
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeConversations) Rename(_ context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok || c.DeletedAt != nil {
		return store.ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = time.Now()
	return nil
}

func (f *fakeConversations) AttachLesson(_ context.Context, id, lessonID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok || c.DeletedAt != nil {
		return store.ErrNotFound
	}
	c.LessonID = &lessonID
	c.UpdatedAt = time.Now()
	return nil
}

func (f *fakeConversations) SoftDelete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok || c.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	c.DeletedAt = &now
	return nil
}

func (f *fakeConversations) CreateTeachingSession(_ context.Context, ts *models.TeachingSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *ts
	f.sessions[ts.ID] = &clone
	return nil
}

func (f *fakeConversations) GetTeachingSession(_ context.Context, id string) (*models.TeachingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *ts
	return &clone, nil
}

type fakeVizzes struct {
	mu   sync.Mutex
	byID map[string]*models.Visualization
}

func newFakeVizzes() *fakeVizzes {
	return &fakeVizzes{byID: map[string]*models.Visualization{}}
}

func (f *fakeVizzes) Insert(_ context.Context, v *models.Visualization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[v.ID]; ok {
		return store.ErrDuplicate
	}
	clone := *v
	f.byID[v.ID] = &clone
	return nil
}

func (f *fakeVizzes) Get(_ context.Context, id string) (*models.Visualization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *v
	return &clone, nil
}

func (f *fakeVizzes) LatestByLesson(_ context.Context, lessonID string) (*models.Visualization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Visualization
	for _, v := range f.byID {
		if v.LessonID != lessonID {
			continue
		}
		if latest == nil || v.GeneratedAt.After(latest.GeneratedAt) {
			latest = v
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

func (f *fakeVizzes) MarkServed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if v.Status == models.VizPersisted {
		v.Status = models.VizServed
	}
	return nil
}

// nopEvents satisfies every publisher slice the services take.
type nopEvents struct{}

func (nopEvents) PublishLessonReady(context.Context, events.LessonReadyPayload) error { return nil }
func (nopEvents) PublishLessonFailed(context.Context, events.LessonFailedPayload) error {
	return nil
}
func (nopEvents) PublishQuizReady(context.Context, events.QuizReadyPayload) error   { return nil }
func (nopEvents) PublishNotesReady(context.Context, events.NotesReadyPayload) error { return nil }
func (nopEvents) PublishVisualizationReady(context.Context, events.VisualizationReadyPayload) error {
	return nil
}
