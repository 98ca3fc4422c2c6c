package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chalklabs/chalk/pkg/api"
	"github.com/chalklabs/chalk/pkg/models"
)

// testPassword satisfies the strength policy and shares no three-letter
// fragment with the names or email locals used in these tests.
const testPassword = "Orbit#77z"

// ────────────────────────────────────────────────────────────
// Accounts
// ────────────────────────────────────────────────────────────

// Account is a signed-up user plus the token pair signup returned.
type Account struct {
	UserID  string
	Email   string
	Access  string
	Refresh string
}

// Signup registers a user and returns the account with its tokens.
func (app *TestApp) Signup(t *testing.T, fullName, email, password string) *Account {
	t.Helper()
	var tr api.TokenResponse
	app.request(t, http.MethodPost, "", "/api/auth/signup/", api.SignupRequest{
		FullName:        fullName,
		Email:           email,
		Password:        password,
		PasswordConfirm: password,
	}, http.StatusCreated, &tr)
	require.NotEmpty(t, tr.Access)
	require.NotNil(t, tr.User)
	return &Account{UserID: tr.User.ID, Email: email, Access: tr.Access, Refresh: tr.Refresh}
}

// Login exchanges credentials for a fresh token pair.
func (app *TestApp) Login(t *testing.T, email, password string) *Account {
	t.Helper()
	var tr api.TokenResponse
	app.request(t, http.MethodPost, "", "/api/auth/login/", api.LoginRequest{
		Email:    email,
		Password: password,
	}, http.StatusOK, &tr)
	return &Account{UserID: tr.User.ID, Email: email, Access: tr.Access, Refresh: tr.Refresh}
}

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// apiError is the error envelope every handler returns.
type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// do issues one request. A non-nil body is marshaled as JSON; a non-empty
// token is sent as a bearer.
func (app *TestApp) do(t *testing.T, method, token, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// request issues one request, asserts the status, and decodes the body into
// out when out is non-nil.
func (app *TestApp) request(t *testing.T, method, token, path string, body any, expectedStatus int, out any) {
	t.Helper()
	resp := app.do(t, method, token, path, body)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "%s %s: unexpected status, body %s", method, path, raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), "%s %s: bad response body %s", method, path, raw)
	}
}

// requestError issues one request expecting the error envelope and returns it.
func (app *TestApp) requestError(t *testing.T, method, token, path string, body any, expectedStatus int) apiError {
	t.Helper()
	var envelope apiError
	app.request(t, method, token, path, body, expectedStatus, &envelope)
	require.NotEmpty(t, envelope.Code, "%s %s: error response missing code", method, path)
	return envelope
}

// tryGet fetches path and decodes the body into out on 200. It never fails
// the test, so Eventually loops can retry transient states like a lesson
// that does not exist yet or a quiz that is still generating.
func (app *TestApp) tryGet(token, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// ────────────────────────────────────────────────────────────
// Documents
// ────────────────────────────────────────────────────────────

// UploadPDF posts a multipart document and returns the upload receipt.
func (app *TestApp) UploadPDF(t *testing.T, acct *Account, filename string, pdf []byte) api.UploadResponse {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("user_id", acct.UserID))
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(pdf)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+"/api/lessons/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+acct.Access)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "upload %s: unexpected status, body %s", filename, raw)

	var out api.UploadResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	require.NotEmpty(t, out.DocumentID)
	return out
}

// DocumentStatus fetches the durable status view for a document.
func (app *TestApp) DocumentStatus(t *testing.T, acct *Account, docID string) api.StatusResponse {
	t.Helper()
	var status api.StatusResponse
	app.request(t, http.MethodGet, acct.Access, "/api/lessons/"+docID+"/status", nil, http.StatusOK, &status)
	return status
}

// StopDocument requests cancellation and returns the receipt.
func (app *TestApp) StopDocument(t *testing.T, acct *Account, docID string) api.StopResponse {
	t.Helper()
	var out api.StopResponse
	app.request(t, http.MethodPost, acct.Access, "/api/lessons/"+docID+"/stop", nil, http.StatusAccepted, &out)
	return out
}

// WaitForDocumentStatus polls the status endpoint until the document reaches
// the wanted status.
func (app *TestApp) WaitForDocumentStatus(t *testing.T, acct *Account, docID, want string) api.StatusResponse {
	t.Helper()
	var last api.StatusResponse
	require.Eventually(t, func() bool {
		code, err := app.tryGet(acct.Access, "/api/lessons/"+docID+"/status", &last)
		if err != nil || code != http.StatusOK {
			return false
		}
		return last.Status == want
	}, 30*time.Second, 50*time.Millisecond,
		"document %s never reached status %q, last %v", docID, want, &last)
	return last
}

// ────────────────────────────────────────────────────────────
// Lessons
// ────────────────────────────────────────────────────────────

// WaitForLesson polls GET /api/lessons/:id until the lesson exists and
// reaches the wanted status. The document id works as the lesson id.
func (app *TestApp) WaitForLesson(t *testing.T, acct *Account, id string, want models.LessonStatus) models.Lesson {
	t.Helper()
	var last models.Lesson
	require.Eventually(t, func() bool {
		code, err := app.tryGet(acct.Access, "/api/lessons/"+id, &last)
		if err != nil || code != http.StatusOK {
			return false
		}
		return last.Status == want
	}, 30*time.Second, 50*time.Millisecond,
		"lesson %s never reached status %q, last %v", id, want, &last)
	return last
}

// LessonHistory fetches the caller's lesson list.
func (app *TestApp) LessonHistory(t *testing.T, acct *Account) []*models.Lesson {
	t.Helper()
	var out api.LessonListResponse
	app.request(t, http.MethodGet, acct.Access, "/api/lessons/user/"+acct.UserID+"/history", nil, http.StatusOK, &out)
	return out.Lessons
}

// ────────────────────────────────────────────────────────────
// Visualizations, Quizzes, Notes
// ────────────────────────────────────────────────────────────

// WaitForVisualization polls the per-lesson visualization endpoint until the
// latest visualization is served.
func (app *TestApp) WaitForVisualization(t *testing.T, acct *Account, lessonID string) models.Visualization {
	t.Helper()
	var last models.Visualization
	require.Eventually(t, func() bool {
		code, err := app.tryGet(acct.Access, "/api/visualizations/lesson/"+lessonID, &last)
		return err == nil && code == http.StatusOK
	}, 30*time.Second, 50*time.Millisecond,
		"visualization for lesson %s never became ready", lessonID)
	return last
}

// WaitForQuiz polls the quiz endpoint past its generating window.
func (app *TestApp) WaitForQuiz(t *testing.T, acct *Account, lessonID string) api.QuizResponse {
	t.Helper()
	var last api.QuizResponse
	require.Eventually(t, func() bool {
		code, err := app.tryGet(acct.Access, "/api/quiz/get/"+lessonID, &last)
		return err == nil && code == http.StatusOK
	}, 30*time.Second, 50*time.Millisecond,
		"quiz for lesson %s never became ready", lessonID)
	return last
}

// SubmitQuiz grades the given answers.
func (app *TestApp) SubmitQuiz(t *testing.T, acct *Account, lessonID string, answers []models.Answer) api.SubmitQuizResponse {
	t.Helper()
	var out api.SubmitQuizResponse
	app.request(t, http.MethodPost, acct.Access, "/api/quiz/submit", api.SubmitQuizRequest{
		LessonID: lessonID,
		UserID:   acct.UserID,
		Answers:  answers,
	}, http.StatusOK, &out)
	return out
}

// RequestNotes kicks off on-demand notes generation.
func (app *TestApp) RequestNotes(t *testing.T, acct *Account, lessonID string) {
	t.Helper()
	app.request(t, http.MethodPost, acct.Access, "/api/quiz/notes/"+lessonID, nil, http.StatusAccepted, nil)
}

// WaitForNotes polls the notes endpoint until generation finishes.
func (app *TestApp) WaitForNotes(t *testing.T, acct *Account, lessonID string) models.Notes {
	t.Helper()
	var last models.Notes
	require.Eventually(t, func() bool {
		code, err := app.tryGet(acct.Access, "/api/quiz/notes/"+lessonID, &last)
		return err == nil && code == http.StatusOK
	}, 30*time.Second, 50*time.Millisecond,
		"notes for lesson %s never became ready", lessonID)
	return last
}

// ────────────────────────────────────────────────────────────
// Conversations
// ────────────────────────────────────────────────────────────

// CreateConversation opens a conversation for the account.
func (app *TestApp) CreateConversation(t *testing.T, acct *Account, title string) models.Conversation {
	t.Helper()
	var out models.Conversation
	app.request(t, http.MethodPost, acct.Access, "/api/conversations/", api.CreateConversationRequest{
		UserID: acct.UserID,
		Title:  title,
	}, http.StatusCreated, &out)
	return out
}

// ListConversations fetches the account's conversations.
func (app *TestApp) ListConversations(t *testing.T, acct *Account) []*models.Conversation {
	t.Helper()
	var out api.ConversationListResponse
	app.request(t, http.MethodGet, acct.Access, "/api/conversations/", nil, http.StatusOK, &out)
	return out.Conversations
}

// CreateTeachingSession mints the session id a teaching WebSocket presents.
func (app *TestApp) CreateTeachingSession(t *testing.T, acct *Account, conversationID string) models.TeachingSession {
	t.Helper()
	var out models.TeachingSession
	app.request(t, http.MethodPost, acct.Access, "/api/conversations/"+conversationID+"/sessions", nil, http.StatusCreated, &out)
	return out
}

// ────────────────────────────────────────────────────────────
// PDF Fixtures
// ────────────────────────────────────────────────────────────

// MakePDF builds a minimal but well-formed PDF with one page per text
// string: Helvetica 12pt, a single line of text per page. The extractor
// parses it with the real PDF reader, and each page's text becomes one
// lesson section downstream.
func MakePDF(pageTexts ...string) []byte {
	var buf bytes.Buffer
	offsets := make([]int, 0, 2*len(pageTexts)+3)
	addObj := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
	}

	buf.WriteString("%PDF-1.4\n")

	n := len(pageTexts)
	fontID := 3 + 2*n
	kids := make([]string, n)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}

	addObj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	addObj(fmt.Sprintf("2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n",
		strings.Join(kids, " "), n))

	for i, text := range pageTexts {
		pageID := 3 + 2*i
		contentID := pageID + 1
		addObj(fmt.Sprintf("%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R >>\nendobj\n",
			pageID, fontID, contentID))
		stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", escapePDFText(text))
		addObj(fmt.Sprintf("%d 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n",
			contentID, len(stream), stream))
	}

	addObj(fmt.Sprintf("%d 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>\nendobj\n", fontID))

	// Cross-reference table. Entries are exactly 20 bytes each.
	xrefOffset := buf.Len()
	size := len(offsets) + 1
	fmt.Fprintf(&buf, "xref\n0 %d\n", size)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", size, xrefOffset)
	return buf.Bytes()
}

// escapePDFText escapes the characters PDF string literals reserve.
func escapePDFText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`)
	return r.Replace(s)
}
