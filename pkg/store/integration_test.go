package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
	testdb "github.com/chalklabs/chalk/test/database"
)

func insertTestUser(t *testing.T, users *store.Users, email string) *models.User {
	t.Helper()
	u := &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		FullName:  "Test User",
		Role:      models.RoleStudent,
		Provider:  "password",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, users.Create(context.Background(), u))
	return u
}

func insertTestDocument(t *testing.T, docs *store.Documents, userID string, createdAt time.Time) *models.Document {
	t.Helper()
	d := &models.Document{
		ID:        uuid.NewString(),
		UserID:    userID,
		Filename:  "algebra.pdf",
		ByteSize:  2048,
		Status:    models.DocumentQueued,
		CreatedAt: createdAt,
	}
	require.NoError(t, docs.Create(context.Background(), d))
	return d
}

func insertGeneratingLesson(t *testing.T, lessons *store.Lessons, userID, documentID string, createdAt time.Time) *models.Lesson {
	t.Helper()
	l := &models.Lesson{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		UserID:     userID,
		CreatedAt:  createdAt,
	}
	require.NoError(t, lessons.CreateGenerating(context.Background(), l))
	return l
}

func TestUsersStore(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	users := store.NewUsers(client.DB())

	t.Run("create and fetch", func(t *testing.T) {
		u := insertTestUser(t, users, "ada@example.com")

		byEmail, err := users.GetByEmail(ctx, "ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byEmail.ID)
		assert.Equal(t, models.RoleStudent, byEmail.Role)
		assert.Equal(t, "password", byEmail.Provider)
		assert.True(t, byEmail.Active)
		assert.WithinDuration(t, u.CreatedAt, byEmail.CreatedAt, time.Second)

		byID, err := users.GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "ada@example.com", byID.Email)

		_, err = users.GetByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate email rejected", func(t *testing.T) {
		insertTestUser(t, users, "grace@example.com")

		dup := &models.User{
			ID:        uuid.NewString(),
			Email:     "grace@example.com",
			Role:      models.RoleStudent,
			Provider:  "password",
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		err := users.Create(ctx, dup)
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("update password", func(t *testing.T) {
		u := insertTestUser(t, users, "kay@example.com")

		require.NoError(t, users.UpdatePassword(ctx, u.ID, "new-hash"))
		got, err := users.GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "new-hash", got.PasswordHash)

		err = users.UpdatePassword(ctx, uuid.NewString(), "x")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("touch last seen", func(t *testing.T) {
		u := insertTestUser(t, users, "linus@example.com")

		seen := time.Now().UTC().Add(time.Hour)
		require.NoError(t, users.TouchLastSeen(ctx, u.ID, seen))

		got, err := users.GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, seen, got.LastSeenAt, time.Second)
	})

	t.Run("soft delete cascades to everything owned", func(t *testing.T) {
		docs := store.NewDocuments(client.DB())
		lessons := store.NewLessons(client.DB())
		convs := store.NewConversations(client.DB())
		vizzes := store.NewVisualizations(client.DB())
		quizzes := store.NewQuizzes(client.DB())
		now := time.Now().UTC()

		// 1. Build the full ownership graph for one user.
		u := insertTestUser(t, users, "leaver@example.com")
		doc := insertTestDocument(t, docs, u.ID, now)
		lesson := insertGeneratingLesson(t, lessons, u.ID, doc.ID, now)

		conv := &models.Conversation{ID: uuid.NewString(), UserID: u.ID, Title: "Algebra", CreatedAt: now}
		require.NoError(t, convs.Create(ctx, conv))

		viz := &models.Visualization{
			ID:          models.NewVisualizationID(lesson.ID, now),
			LessonID:    lesson.ID,
			Status:      models.VizPersisted,
			GeneratedAt: now,
		}
		require.NoError(t, vizzes.Insert(ctx, viz))
		require.NoError(t, quizzes.ClaimPending(ctx, lesson.ID, now))
		require.NoError(t, quizzes.ClaimNotesPending(ctx, lesson.ID, now))

		// 2. Tombstone the account.
		require.NoError(t, users.SoftDelete(ctx, u.ID))

		// 3. Everything the user owned is gone from the read paths.
		_, err := users.GetByID(ctx, u.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = users.GetByEmail(ctx, "leaver@example.com")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = docs.Get(ctx, doc.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = lessons.Get(ctx, lesson.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = convs.Get(ctx, conv.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = vizzes.Get(ctx, viz.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = quizzes.Get(ctx, lesson.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = quizzes.GetNotes(ctx, lesson.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		// 4. The idempotency read still sees the tombstoned lesson.
		ghost, err := lessons.GetByDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.NotNil(t, ghost.DeletedAt)

		// 5. A tombstoned account still owns its email.
		retry := &models.User{
			ID:        uuid.NewString(),
			Email:     "leaver@example.com",
			Role:      models.RoleStudent,
			Provider:  "password",
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		assert.ErrorIs(t, users.Create(ctx, retry), store.ErrDuplicate)

		// 6. Deleting twice reports the row as already gone.
		assert.ErrorIs(t, users.SoftDelete(ctx, u.ID), store.ErrNotFound)
	})
}

func TestSessionsStore(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	users := store.NewUsers(client.DB())
	sessions := store.NewSessions(client.DB())

	newSession := func(t *testing.T, userID string) (*models.AuthSession, *models.RefreshToken) {
		t.Helper()
		session := &models.AuthSession{ID: uuid.NewString(), UserID: userID, CreatedAt: time.Now().UTC()}
		token := &models.RefreshToken{
			Token:     uuid.NewString(),
			SessionID: session.ID,
			UserID:    userID,
			ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
		}
		require.NoError(t, sessions.CreateWithToken(ctx, session, token))
		return session, token
	}

	t.Run("create and get refresh", func(t *testing.T) {
		u := insertTestUser(t, users, "s1@example.com")
		_, token := newSession(t, u.ID)

		got, err := sessions.GetRefresh(ctx, token.Token)
		require.NoError(t, err)
		assert.Equal(t, token.SessionID, got.SessionID)
		assert.Equal(t, u.ID, got.UserID)
		assert.True(t, got.Usable(time.Now()))

		_, err = sessions.GetRefresh(ctx, "no-such-token")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("rotate invalidates the old token", func(t *testing.T) {
		u := insertTestUser(t, users, "s2@example.com")
		session, first := newSession(t, u.ID)

		second := &models.RefreshToken{
			Token:     uuid.NewString(),
			SessionID: session.ID,
			UserID:    u.ID,
			ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
		}
		require.NoError(t, sessions.Rotate(ctx, first.Token, second))

		old, err := sessions.GetRefresh(ctx, first.Token)
		require.NoError(t, err)
		assert.NotNil(t, old.RotatedAt)
		assert.False(t, old.Usable(time.Now()))

		got, err := sessions.GetRefresh(ctx, second.Token)
		require.NoError(t, err)
		assert.True(t, got.Usable(time.Now()))
	})

	t.Run("replaying a rotated token conflicts", func(t *testing.T) {
		u := insertTestUser(t, users, "s3@example.com")
		session, first := newSession(t, u.ID)

		second := &models.RefreshToken{
			Token:     uuid.NewString(),
			SessionID: session.ID,
			UserID:    u.ID,
			ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
		}
		require.NoError(t, sessions.Rotate(ctx, first.Token, second))

		replay := &models.RefreshToken{
			Token:     uuid.NewString(),
			SessionID: session.ID,
			UserID:    u.ID,
			ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
		}
		err := sessions.Rotate(ctx, first.Token, replay)
		assert.ErrorIs(t, err, store.ErrConflict)

		// The replayed insert never landed.
		_, err = sessions.GetRefresh(ctx, replay.Token)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("revoking a session kills tokens minted before it", func(t *testing.T) {
		u := insertTestUser(t, users, "s4@example.com")
		session, token := newSession(t, u.ID)

		require.NoError(t, sessions.RevokeSession(ctx, session.ID))

		got, err := sessions.GetRefresh(ctx, token.Token)
		require.NoError(t, err)
		assert.NotNil(t, got.RevokedAt)
		assert.False(t, got.Usable(time.Now()))

		assert.ErrorIs(t, sessions.RevokeSession(ctx, session.ID), store.ErrNotFound)
	})

	t.Run("revoke all for user", func(t *testing.T) {
		u := insertTestUser(t, users, "s5@example.com")
		_, tok1 := newSession(t, u.ID)
		_, tok2 := newSession(t, u.ID)

		require.NoError(t, sessions.RevokeAllForUser(ctx, u.ID))

		for _, tok := range []*models.RefreshToken{tok1, tok2} {
			got, err := sessions.GetRefresh(ctx, tok.Token)
			require.NoError(t, err)
			assert.False(t, got.Usable(time.Now()))
		}
	})

	t.Run("delete expired removes tokens and empty sessions", func(t *testing.T) {
		u := insertTestUser(t, users, "s6@example.com")
		session := &models.AuthSession{ID: uuid.NewString(), UserID: u.ID, CreatedAt: time.Now().UTC()}
		stale := &models.RefreshToken{
			Token:     uuid.NewString(),
			SessionID: session.ID,
			UserID:    u.ID,
			ExpiresAt: time.Now().UTC().Add(-time.Hour),
		}
		require.NoError(t, sessions.CreateWithToken(ctx, session, stale))

		_, live := newSession(t, u.ID)

		n, err := sessions.DeleteExpired(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = sessions.GetRefresh(ctx, stale.Token)
		assert.ErrorIs(t, err, store.ErrNotFound)

		var orphaned int
		err = client.DB().QueryRowContext(ctx,
			`SELECT count(*) FROM auth_sessions WHERE id = $1`, session.ID).Scan(&orphaned)
		require.NoError(t, err)
		assert.Zero(t, orphaned)

		_, err = sessions.GetRefresh(ctx, live.Token)
		assert.NoError(t, err)
	})
}

func TestOTPStore(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	otps := store.NewOTPs(client.DB())

	issue := func(t *testing.T, email, code string, attempts int) {
		t.Helper()
		now := time.Now().UTC()
		require.NoError(t, otps.Issue(ctx, &models.OTP{
			Email:             email,
			Code:              code,
			IssuedAt:          now,
			ExpiresAt:         now.Add(models.OTPTTL),
			AttemptsRemaining: attempts,
		}))
	}

	t.Run("issue and get", func(t *testing.T) {
		issue(t, "o1@example.com", "483920", models.OTPAttempts)

		got, err := otps.Get(ctx, "o1@example.com")
		require.NoError(t, err)
		assert.Equal(t, "483920", got.Code)
		assert.Equal(t, models.OTPAttempts, got.AttemptsRemaining)
		assert.True(t, got.Live(time.Now()))

		_, err = otps.Get(ctx, "missing@example.com")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("reissue supersedes the prior code", func(t *testing.T) {
		issue(t, "o2@example.com", "111111", 1)
		require.NoError(t, otps.Consume(ctx, "o2@example.com"))

		issue(t, "o2@example.com", "222222", models.OTPAttempts)

		got, err := otps.Get(ctx, "o2@example.com")
		require.NoError(t, err)
		assert.Equal(t, "222222", got.Code)
		assert.Equal(t, models.OTPAttempts, got.AttemptsRemaining)
		assert.False(t, got.Consumed)
	})

	t.Run("decrement consumes at zero attempts", func(t *testing.T) {
		issue(t, "o3@example.com", "333333", 2)

		remaining, err := otps.Decrement(ctx, "o3@example.com")
		require.NoError(t, err)
		assert.Equal(t, 1, remaining)

		remaining, err = otps.Decrement(ctx, "o3@example.com")
		require.NoError(t, err)
		assert.Equal(t, 0, remaining)

		got, err := otps.Get(ctx, "o3@example.com")
		require.NoError(t, err)
		assert.True(t, got.Consumed)
		assert.False(t, got.Live(time.Now()))

		// A consumed OTP burns no further attempts.
		_, err = otps.Decrement(ctx, "o3@example.com")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("consume is one-shot", func(t *testing.T) {
		issue(t, "o4@example.com", "444444", models.OTPAttempts)

		require.NoError(t, otps.Consume(ctx, "o4@example.com"))
		assert.ErrorIs(t, otps.Consume(ctx, "o4@example.com"), store.ErrNotFound)
	})

	t.Run("delete expired", func(t *testing.T) {
		now := time.Now().UTC()
		require.NoError(t, otps.Issue(ctx, &models.OTP{
			Email:             "o5@example.com",
			Code:              "555555",
			IssuedAt:          now.Add(-time.Hour),
			ExpiresAt:         now.Add(-30 * time.Minute),
			AttemptsRemaining: models.OTPAttempts,
		}))
		issue(t, "o6@example.com", "666666", models.OTPAttempts)

		n, err := otps.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = otps.Get(ctx, "o5@example.com")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = otps.Get(ctx, "o6@example.com")
		assert.NoError(t, err)
	})
}

func TestDocumentsCRUD(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	docs := store.NewDocuments(client.DB())
	userID := uuid.NewString()

	t.Run("create and get", func(t *testing.T) {
		d := insertTestDocument(t, docs, userID, time.Now().UTC())

		got, err := docs.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, "algebra.pdf", got.Filename)
		assert.EqualValues(t, 2048, got.ByteSize)
		assert.Equal(t, models.DocumentQueued, got.Status)
		assert.Empty(t, got.ClaimedBy)
		assert.Nil(t, got.LastHeartbeat)

		_, err = docs.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("list by user newest first", func(t *testing.T) {
		owner := uuid.NewString()
		older := insertTestDocument(t, docs, owner, time.Now().UTC().Add(-2*time.Minute))
		newer := insertTestDocument(t, docs, owner, time.Now().UTC().Add(-time.Minute))

		list, err := docs.ListByUser(ctx, owner)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, newer.ID, list[0].ID)
		assert.Equal(t, older.ID, list[1].ID)
	})

	t.Run("replace and list pages", func(t *testing.T) {
		d := insertTestDocument(t, docs, userID, time.Now().UTC())

		require.NoError(t, docs.ReplacePages(ctx, d.ID, []models.Page{
			{DocumentID: d.ID, PageNumber: 1, ImageRef: "pages/1.png", Width: 612, Height: 792, Text: "page one"},
			{DocumentID: d.ID, PageNumber: 2, ImageRef: "pages/2.png", Width: 612, Height: 792, Text: "page two"},
		}))

		pages, err := docs.ListPages(ctx, d.ID)
		require.NoError(t, err)
		require.Len(t, pages, 2)
		assert.Equal(t, 1, pages[0].PageNumber)
		assert.Equal(t, "page two", pages[1].Text)

		// A rerun replaces, never appends.
		require.NoError(t, docs.ReplacePages(ctx, d.ID, []models.Page{
			{DocumentID: d.ID, PageNumber: 1, ImageRef: "pages/1.png", Width: 612, Height: 792, Text: "rerun"},
		}))
		pages, err = docs.ListPages(ctx, d.ID)
		require.NoError(t, err)
		require.Len(t, pages, 1)
		assert.Equal(t, "rerun", pages[0].Text)
	})

	t.Run("soft delete", func(t *testing.T) {
		d := insertTestDocument(t, docs, userID, time.Now().UTC())

		require.NoError(t, docs.SoftDelete(ctx, d.ID))
		_, err := docs.Get(ctx, d.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, docs.SoftDelete(ctx, d.ID), store.ErrNotFound)
	})
}

func TestDocumentExtractionLifecycle(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	docs := store.NewDocuments(client.DB())
	userID := uuid.NewString()
	base := time.Now().UTC()

	docA := insertTestDocument(t, docs, userID, base.Add(-3*time.Minute))
	docB := insertTestDocument(t, docs, userID, base.Add(-2*time.Minute))

	// 1. Queue depth counts both documents.
	queued, err := docs.CountQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	// 2. ClaimNext hands out the oldest queued document.
	claimed, err := docs.ClaimNext(ctx, "pod-1")
	require.NoError(t, err)
	assert.Equal(t, docA.ID, claimed.ID)
	assert.Equal(t, models.DocumentExtracting, claimed.Status)
	assert.Equal(t, "pod-1", claimed.ClaimedBy)
	assert.NotNil(t, claimed.LastHeartbeat)

	// 3. Heartbeats only land for the claiming pod on an extracting row.
	require.NoError(t, docs.Heartbeat(ctx, docA.ID, "pod-1"))
	assert.ErrorIs(t, docs.Heartbeat(ctx, docA.ID, "pod-2"), store.ErrConflict)
	assert.ErrorIs(t, docs.Heartbeat(ctx, docB.ID, "pod-1"), store.ErrConflict)

	// 4. Progress writes reach extracting rows and skip queued ones.
	require.NoError(t, docs.SetProgress(ctx, docA.ID, 50))
	got, err := docs.Get(ctx, docA.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)

	require.NoError(t, docs.SetProgress(ctx, docB.ID, 80))
	got, err = docs.Get(ctx, docB.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Progress)

	// 5. A successful finish releases the claim and completes progress.
	require.NoError(t, docs.FinishExtraction(ctx, docA.ID, models.DocumentReady, 3, "full text", ""))
	got, err = docs.Get(ctx, docA.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentReady, got.Status)
	assert.Equal(t, 3, got.PageCount)
	assert.Equal(t, "full text", got.ExtractedText)
	assert.Equal(t, models.ProgressDone, got.Progress)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.LastHeartbeat)

	assert.ErrorIs(t, docs.FinishExtraction(ctx, docA.ID, models.DocumentReady, 3, "", ""), store.ErrConflict)
	assert.ErrorIs(t, docs.Heartbeat(ctx, docA.ID, "pod-1"), store.ErrConflict)

	// 6. A failed finish keeps the last reported progress.
	claimed, err = docs.ClaimNext(ctx, "pod-1")
	require.NoError(t, err)
	require.Equal(t, docB.ID, claimed.ID)
	require.NoError(t, docs.SetProgress(ctx, docB.ID, 50))
	require.NoError(t, docs.FinishExtraction(ctx, docB.ID, models.DocumentFailed, 0, "", "encrypted PDF"))
	got, err = docs.Get(ctx, docB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentFailed, got.Status)
	assert.Equal(t, "encrypted PDF", got.FailureReason)
	assert.Equal(t, 50, got.Progress)

	// 7. Empty queue reports ErrNotFound.
	_, err = docs.ClaimNext(ctx, "pod-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	queued, err = docs.CountQueued(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)

	// 8. Cancellation applies to queued and extracting rows only.
	docC := insertTestDocument(t, docs, userID, base)
	require.NoError(t, docs.Cancel(ctx, docC.ID))
	got, err = docs.Get(ctx, docC.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentCancelled, got.Status)
	assert.ErrorIs(t, docs.Cancel(ctx, docC.ID), store.ErrConflict)
	assert.ErrorIs(t, docs.Cancel(ctx, docA.ID), store.ErrConflict)

	// 9. A cancellation landing mid-run beats the worker's finish.
	docD := insertTestDocument(t, docs, userID, base)
	claimed, err = docs.ClaimNext(ctx, "pod-1")
	require.NoError(t, err)
	require.Equal(t, docD.ID, claimed.ID)
	require.NoError(t, docs.Cancel(ctx, docD.ID))
	assert.ErrorIs(t, docs.FinishExtraction(ctx, docD.ID, models.DocumentReady, 1, "text", ""), store.ErrConflict)
	got, err = docs.Get(ctx, docD.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentCancelled, got.Status)

	// 10. A restarting pod reclaims its own orphans regardless of heartbeat age.
	docE := insertTestDocument(t, docs, userID, base)
	_, err = docs.ClaimNext(ctx, "pod-gone")
	require.NoError(t, err)
	ids, err := docs.RequeueOrphans(ctx, "pod-gone", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{docE.ID}, ids)
	got, err = docs.Get(ctx, docE.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentQueued, got.Status)
	assert.Equal(t, models.ProgressQueued, got.Progress)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.LastHeartbeat)

	// 11. Another pod's claim with a stale heartbeat is requeued too.
	_, err = docs.ClaimNext(ctx, "pod-dead")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	ids, err = docs.RequeueOrphans(ctx, "pod-sweeper", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{docE.ID}, ids)

	// 12. A live claim by another pod is left alone.
	_, err = docs.ClaimNext(ctx, "pod-alive")
	require.NoError(t, err)
	ids, err = docs.RequeueOrphans(ctx, "pod-sweeper", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// 13. Soft-deleted queued documents are never claimed.
	docF := insertTestDocument(t, docs, userID, base)
	require.NoError(t, docs.SoftDelete(ctx, docF.ID))
	_, err = docs.ClaimNext(ctx, "pod-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLessonsStore(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	lessons := store.NewLessons(client.DB())
	userID := uuid.NewString()

	content := &models.LessonContent{
		Title:   "Quadratic Equations",
		Subject: "algebra",
		Sections: []models.LessonSection{
			{Heading: "Roots", Content: "Every quadratic has two roots over the complex numbers."},
		},
	}

	t.Run("generation claim is exclusive per document", func(t *testing.T) {
		documentID := uuid.NewString()
		insertGeneratingLesson(t, lessons, userID, documentID, time.Now().UTC())

		second := &models.Lesson{
			ID:         uuid.NewString(),
			DocumentID: documentID,
			UserID:     userID,
			CreatedAt:  time.Now().UTC(),
		}
		assert.ErrorIs(t, lessons.CreateGenerating(ctx, second), store.ErrDuplicate)
	})

	t.Run("set ready stores the generated content", func(t *testing.T) {
		l := insertGeneratingLesson(t, lessons, userID, uuid.NewString(), time.Now().UTC())

		require.NoError(t, lessons.SetReady(ctx, l.ID, content))

		got, err := lessons.Get(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LessonReady, got.Status)
		assert.Equal(t, "Quadratic Equations", got.Title)
		assert.Equal(t, "algebra", got.Subject)
		require.Len(t, got.Sections, 1)
		assert.Equal(t, "Roots", got.Sections[0].Heading)
		assert.Empty(t, got.FailureReason)

		assert.ErrorIs(t, lessons.SetReady(ctx, uuid.NewString(), content), store.ErrNotFound)
	})

	t.Run("set failed records the reason", func(t *testing.T) {
		l := insertGeneratingLesson(t, lessons, userID, uuid.NewString(), time.Now().UTC())

		require.NoError(t, lessons.SetFailed(ctx, l.ID, "generator unavailable"))

		got, err := lessons.Get(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LessonFailed, got.Status)
		assert.Equal(t, "generator unavailable", got.FailureReason)
	})

	t.Run("list by user newest first", func(t *testing.T) {
		owner := uuid.NewString()
		older := insertGeneratingLesson(t, lessons, owner, uuid.NewString(), time.Now().UTC().Add(-2*time.Minute))
		newer := insertGeneratingLesson(t, lessons, owner, uuid.NewString(), time.Now().UTC().Add(-time.Minute))

		list, err := lessons.ListByUser(ctx, owner)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, newer.ID, list[0].ID)
		assert.Equal(t, older.ID, list[1].ID)
	})

	t.Run("fail stale generating", func(t *testing.T) {
		stale := insertGeneratingLesson(t, lessons, userID, uuid.NewString(), time.Now().UTC().Add(-2*time.Hour))
		done := insertGeneratingLesson(t, lessons, userID, uuid.NewString(), time.Now().UTC().Add(-2*time.Hour))
		require.NoError(t, lessons.SetReady(ctx, done.ID, content))
		fresh := insertGeneratingLesson(t, lessons, userID, uuid.NewString(), time.Now().UTC())

		n, err := lessons.FailStaleGenerating(ctx, time.Now().UTC().Add(-time.Hour), "generation timed out")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := lessons.Get(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LessonFailed, got.Status)
		assert.Equal(t, "generation timed out", got.FailureReason)

		got, err = lessons.Get(ctx, done.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LessonReady, got.Status)

		got, err = lessons.Get(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LessonGenerating, got.Status)
	})

	t.Run("soft delete cascades to derived artifacts", func(t *testing.T) {
		vizzes := store.NewVisualizations(client.DB())
		quizzes := store.NewQuizzes(client.DB())
		now := time.Now().UTC()

		l := insertGeneratingLesson(t, lessons, userID, uuid.NewString(), now)
		require.NoError(t, lessons.SetReady(ctx, l.ID, content))
		require.NoError(t, vizzes.Insert(ctx, &models.Visualization{
			ID:          models.NewVisualizationID(l.ID, now),
			LessonID:    l.ID,
			Status:      models.VizPersisted,
			GeneratedAt: now,
		}))
		require.NoError(t, quizzes.ClaimPending(ctx, l.ID, now))
		require.NoError(t, quizzes.ClaimNotesPending(ctx, l.ID, now))

		require.NoError(t, lessons.SoftDelete(ctx, l.ID))

		_, err := lessons.Get(ctx, l.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = vizzes.LatestByLesson(ctx, l.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = quizzes.Get(ctx, l.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = quizzes.GetNotes(ctx, l.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		// Tombstones stay visible to the idempotency read.
		ghost, err := lessons.GetByDocument(ctx, l.DocumentID)
		require.NoError(t, err)
		assert.NotNil(t, ghost.DeletedAt)

		assert.ErrorIs(t, lessons.SoftDelete(ctx, l.ID), store.ErrNotFound)
	})
}

func TestQuizzesStore(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	quizzes := store.NewQuizzes(client.DB())

	questions := []models.Question{
		{
			Question:     "What is the discriminant of x^2 - 4?",
			Options:      []string{"16", "0", "-16", "4"},
			CorrectIndex: 0,
			Explanation:  "b^2 - 4ac with a=1, b=0, c=-4.",
		},
	}

	t.Run("claim pending is exclusive per lesson", func(t *testing.T) {
		lessonID := uuid.NewString()
		require.NoError(t, quizzes.ClaimPending(ctx, lessonID, time.Now().UTC()))
		assert.ErrorIs(t, quizzes.ClaimPending(ctx, lessonID, time.Now().UTC()), store.ErrDuplicate)

		got, err := quizzes.Get(ctx, lessonID)
		require.NoError(t, err)
		assert.Equal(t, models.QuizPending, got.Status)
		assert.Empty(t, got.Questions)
	})

	t.Run("set ready and fetch", func(t *testing.T) {
		lessonID := uuid.NewString()
		require.NoError(t, quizzes.ClaimPending(ctx, lessonID, time.Now().UTC()))
		require.NoError(t, quizzes.SetReady(ctx, lessonID, questions))

		got, err := quizzes.Get(ctx, lessonID)
		require.NoError(t, err)
		assert.Equal(t, models.QuizReady, got.Status)
		require.Len(t, got.Questions, 1)
		assert.Equal(t, 0, got.Questions[0].CorrectIndex)
		assert.Len(t, got.Questions[0].Options, 4)

		assert.ErrorIs(t, quizzes.SetReady(ctx, uuid.NewString(), questions), store.ErrNotFound)
	})

	t.Run("set failed", func(t *testing.T) {
		lessonID := uuid.NewString()
		require.NoError(t, quizzes.ClaimPending(ctx, lessonID, time.Now().UTC()))
		require.NoError(t, quizzes.SetFailed(ctx, lessonID, "too little material"))

		got, err := quizzes.Get(ctx, lessonID)
		require.NoError(t, err)
		assert.Equal(t, models.QuizFailed, got.Status)
		assert.Equal(t, "too little material", got.FailureReason)
	})

	t.Run("latest submission wins", func(t *testing.T) {
		lessonID := uuid.NewString()
		userID := uuid.NewString()
		now := time.Now().UTC()

		first := &models.Submission{
			ID:          uuid.NewString(),
			LessonID:    lessonID,
			UserID:      userID,
			Answers:     []models.Answer{{QuestionIndex: 0, SelectedOption: 2}},
			Score:       0,
			Total:       1,
			SubmittedAt: now.Add(-time.Minute),
		}
		second := &models.Submission{
			ID:          uuid.NewString(),
			LessonID:    lessonID,
			UserID:      userID,
			Answers:     []models.Answer{{QuestionIndex: 0, SelectedOption: 0}},
			Score:       1,
			Total:       1,
			SubmittedAt: now,
		}
		require.NoError(t, quizzes.InsertSubmission(ctx, first))
		require.NoError(t, quizzes.InsertSubmission(ctx, second))

		got, err := quizzes.LatestSubmission(ctx, lessonID, userID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)
		assert.Equal(t, 1, got.Score)
		require.Len(t, got.Answers, 1)
		assert.Equal(t, 0, got.Answers[0].SelectedOption)

		_, err = quizzes.LatestSubmission(ctx, lessonID, uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("notes lifecycle", func(t *testing.T) {
		lessonID := uuid.NewString()
		require.NoError(t, quizzes.ClaimNotesPending(ctx, lessonID, time.Now().UTC()))
		assert.ErrorIs(t, quizzes.ClaimNotesPending(ctx, lessonID, time.Now().UTC()), store.ErrDuplicate)

		sections := []models.NoteSection{
			{Heading: "Key ideas", Bullets: []string{"roots", "vertex form"}},
		}
		require.NoError(t, quizzes.SetNotesReady(ctx, lessonID, sections))

		got, err := quizzes.GetNotes(ctx, lessonID)
		require.NoError(t, err)
		assert.Equal(t, models.QuizReady, got.Status)
		require.Len(t, got.Sections, 1)
		assert.Equal(t, []string{"roots", "vertex form"}, got.Sections[0].Bullets)

		failedID := uuid.NewString()
		require.NoError(t, quizzes.ClaimNotesPending(ctx, failedID, time.Now().UTC()))
		require.NoError(t, quizzes.SetNotesFailed(ctx, failedID))
		failed, err := quizzes.GetNotes(ctx, failedID)
		require.NoError(t, err)
		assert.Equal(t, models.QuizFailed, failed.Status)
	})
}

func TestVisualizationsStore(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	vizzes := store.NewVisualizations(client.DB())

	x, y := 960.0, 540.0
	scenes := []models.Scene{
		{
			ID:       "scene-1",
			Title:    "Roots on the number line",
			Duration: 8,
			Shapes: []models.Shape{
				{Type: models.ShapeCircle, X: &x, Y: &y, Radius: 40, Color: "#ffffff"},
			},
			Audio: &models.Audio{Text: "Here are the roots.", StartTime: 0, Duration: 4},
		},
	}

	newViz := func(lessonID string, at time.Time) *models.Visualization {
		return &models.Visualization{
			ID:            models.NewVisualizationID(lessonID, at),
			LessonID:      lessonID,
			Scenes:        scenes,
			TotalDuration: 8,
			CanvasWidth:   1920,
			CanvasHeight:  1080,
			Status:        models.VizPersisted,
			Errors:        []string{},
			Warnings:      []string{},
			GeneratedAt:   at,
		}
	}

	t.Run("insert and get", func(t *testing.T) {
		v := newViz(uuid.NewString(), time.Now().UTC())
		require.NoError(t, vizzes.Insert(ctx, v))

		got, err := vizzes.Get(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, v.LessonID, got.LessonID)
		assert.Equal(t, 8.0, got.TotalDuration)
		require.Len(t, got.Scenes, 1)
		require.Len(t, got.Scenes[0].Shapes, 1)
		assert.Equal(t, models.ShapeCircle, got.Scenes[0].Shapes[0].Type)
		require.NotNil(t, got.Scenes[0].Audio)
		assert.Equal(t, "Here are the roots.", got.Scenes[0].Audio.Text)

		_, err = vizzes.Get(ctx, "viz_none")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("republishing the same generation is rejected", func(t *testing.T) {
		at := time.Now().UTC().Truncate(time.Second)
		v := newViz(uuid.NewString(), at)
		require.NoError(t, vizzes.Insert(ctx, v))
		assert.ErrorIs(t, vizzes.Insert(ctx, newViz(v.LessonID, at)), store.ErrDuplicate)
	})

	t.Run("latest by lesson", func(t *testing.T) {
		lessonID := uuid.NewString()
		older := newViz(lessonID, time.Now().UTC().Add(-time.Minute))
		newer := newViz(lessonID, time.Now().UTC())
		require.NoError(t, vizzes.Insert(ctx, older))
		require.NoError(t, vizzes.Insert(ctx, newer))

		got, err := vizzes.LatestByLesson(ctx, lessonID)
		require.NoError(t, err)
		assert.Equal(t, newer.ID, got.ID)

		_, err = vizzes.LatestByLesson(ctx, uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("mark served flips persisted only", func(t *testing.T) {
		v := newViz(uuid.NewString(), time.Now().UTC())
		require.NoError(t, vizzes.Insert(ctx, v))

		require.NoError(t, vizzes.MarkServed(ctx, v.ID))
		got, err := vizzes.Get(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, models.VizServed, got.Status)

		// Serving again is a no-op, not an error.
		require.NoError(t, vizzes.MarkServed(ctx, v.ID))

		failed := newViz(uuid.NewString(), time.Now().UTC())
		failed.Status = models.VizStoreFailed
		require.NoError(t, vizzes.Insert(ctx, failed))
		require.NoError(t, vizzes.MarkServed(ctx, failed.ID))
		got, err = vizzes.Get(ctx, failed.ID)
		require.NoError(t, err)
		assert.Equal(t, models.VizStoreFailed, got.Status)
	})
}

func TestConversationsStore(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	convs := store.NewConversations(client.DB())
	userID := uuid.NewString()

	newConv := func(t *testing.T, owner, title string, at time.Time) *models.Conversation {
		t.Helper()
		c := &models.Conversation{ID: uuid.NewString(), UserID: owner, Title: title, CreatedAt: at}
		require.NoError(t, convs.Create(ctx, c))
		return c
	}

	t.Run("create and get", func(t *testing.T) {
		c := newConv(t, userID, "Algebra help", time.Now().UTC())

		got, err := convs.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "Algebra help", got.Title)
		assert.Nil(t, got.LessonID)

		_, err = convs.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("attach lesson", func(t *testing.T) {
		c := newConv(t, userID, "Geometry", time.Now().UTC())
		lessonID := uuid.NewString()

		require.NoError(t, convs.AttachLesson(ctx, c.ID, lessonID))
		got, err := convs.Get(ctx, c.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LessonID)
		assert.Equal(t, lessonID, *got.LessonID)

		assert.ErrorIs(t, convs.AttachLesson(ctx, uuid.NewString(), lessonID), store.ErrNotFound)
	})

	t.Run("list orders by activity", func(t *testing.T) {
		owner := uuid.NewString()
		older := newConv(t, owner, "first", time.Now().UTC().Add(-2*time.Hour))
		newer := newConv(t, owner, "second", time.Now().UTC().Add(-time.Hour))

		list, err := convs.ListByUser(ctx, owner)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, newer.ID, list[0].ID)

		// Renaming bumps the conversation back to the top.
		require.NoError(t, convs.Rename(ctx, older.ID, "first, renamed"))
		list, err = convs.ListByUser(ctx, owner)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, older.ID, list[0].ID)
		assert.Equal(t, "first, renamed", list[0].Title)
	})

	t.Run("soft delete hides the conversation", func(t *testing.T) {
		c := newConv(t, userID, "gone", time.Now().UTC())

		require.NoError(t, convs.SoftDelete(ctx, c.ID))
		_, err := convs.Get(ctx, c.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, convs.Rename(ctx, c.ID, "zombie"), store.ErrNotFound)
		assert.ErrorIs(t, convs.SoftDelete(ctx, c.ID), store.ErrNotFound)
	})

	t.Run("teaching sessions", func(t *testing.T) {
		c := newConv(t, userID, "live board", time.Now().UTC())

		ts := &models.TeachingSession{
			ID:             uuid.NewString(),
			ConversationID: c.ID,
			UserID:         userID,
			CreatedAt:      time.Now().UTC(),
		}
		require.NoError(t, convs.CreateTeachingSession(ctx, ts))

		got, err := convs.GetTeachingSession(ctx, ts.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ConversationID)
		assert.Equal(t, userID, got.UserID)

		_, err = convs.GetTeachingSession(ctx, uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestEventsStore(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	eventsStore := store.NewEvents(client.DB())
	publisher := events.NewPublisher(client.DB())

	userA := uuid.NewString()
	userB := uuid.NewString()

	t.Run("published events replay by topic", func(t *testing.T) {
		require.NoError(t, publisher.PublishDocumentIngested(ctx, events.DocumentIngestedPayload{
			BasePayload: events.BasePayload{UserID: userA},
			DocumentID:  "doc-1",
			Title:       "algebra.pdf",
			PageCount:   3,
		}))
		require.NoError(t, publisher.PublishLessonReady(ctx, events.LessonReadyPayload{
			BasePayload: events.BasePayload{UserID: userA},
			LessonID:    "lesson-1",
			DocumentID:  "doc-1",
			Title:       "Quadratic Equations",
		}))

		ingested, err := eventsStore.ListByTopicSince(ctx, events.TopicDocumentIngested, 0, 10)
		require.NoError(t, err)
		require.Len(t, ingested, 1)
		assert.Equal(t, "doc-1", ingested[0].Key)
		assert.Equal(t, userA, ingested[0].UserID)

		var payload events.DocumentIngestedPayload
		require.NoError(t, json.Unmarshal(ingested[0].Payload, &payload))
		assert.Equal(t, events.TopicDocumentIngested, payload.Type)
		assert.Equal(t, 3, payload.PageCount)
		assert.NotEmpty(t, payload.Timestamp)

		// Replay resumes past the given id.
		rest, err := eventsStore.ListByTopicSince(ctx, events.TopicDocumentIngested, ingested[0].ID, 10)
		require.NoError(t, err)
		assert.Empty(t, rest)
	})

	t.Run("user channel catchup sees only that user", func(t *testing.T) {
		require.NoError(t, publisher.PublishQuizReady(ctx, events.QuizReadyPayload{
			BasePayload:   events.BasePayload{UserID: userB},
			LessonID:      "lesson-2",
			QuestionCount: 5,
		}))

		forB, err := eventsStore.ListForUserSince(ctx, userB, 0, 10)
		require.NoError(t, err)
		require.Len(t, forB, 1)
		assert.Equal(t, events.TopicQuizReady, forB[0].Topic)

		forA, err := eventsStore.ListForUserSince(ctx, userA, 0, 10)
		require.NoError(t, err)
		for _, e := range forA {
			assert.Equal(t, userA, e.UserID)
		}
	})

	t.Run("transient progress events are not persisted", func(t *testing.T) {
		require.NoError(t, publisher.PublishDocumentProgress(ctx, events.DocumentProgressPayload{
			BasePayload: events.BasePayload{UserID: userA},
			DocumentID:  "doc-1",
			Status:      string(models.DocumentExtracting),
			Progress:    50,
		}))

		list, err := eventsStore.ListByTopicSince(ctx, events.EventTypeDocumentProgress, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("offsets default to zero and never move backwards", func(t *testing.T) {
		off, err := eventsStore.Offset(ctx, "fresh-consumer")
		require.NoError(t, err)
		assert.Zero(t, off)

		require.NoError(t, eventsStore.CommitOffset(ctx, "fresh-consumer", 5))
		off, err = eventsStore.Offset(ctx, "fresh-consumer")
		require.NoError(t, err)
		assert.EqualValues(t, 5, off)

		// A late commit for an earlier event does not rewind.
		require.NoError(t, eventsStore.CommitOffset(ctx, "fresh-consumer", 3))
		off, err = eventsStore.Offset(ctx, "fresh-consumer")
		require.NoError(t, err)
		assert.EqualValues(t, 5, off)

		require.NoError(t, eventsStore.CommitOffset(ctx, "fresh-consumer", 9))
		off, err = eventsStore.Offset(ctx, "fresh-consumer")
		require.NoError(t, err)
		assert.EqualValues(t, 9, off)
	})

	t.Run("retention delete", func(t *testing.T) {
		n, err := eventsStore.DeleteBefore(ctx, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(3))

		list, err := eventsStore.ListByTopicSince(ctx, events.TopicDocumentIngested, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}
