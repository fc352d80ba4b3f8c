package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteflow/internal/auth"
	"noteflow/internal/realtime"
	"noteflow/internal/repository/sqlite"
	"noteflow/internal/service"
	"noteflow/internal/storage"
)

type testApp struct {
	srv     *httptest.Server
	gateway *realtime.Gateway
}

func newTestApp(t *testing.T) *testApp {
	return newTestAppWithArchive(t, nil, "")
}

func newTestAppWithArchive(t *testing.T, archive storage.Service, bucket string) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	userRepo := sqlite.NewUserRepository(db)
	noteRepo := sqlite.NewNoteRepository(db)
	require.NoError(t, userRepo.Init(context.Background()))
	require.NoError(t, noteRepo.Init(context.Background()))

	tokens := auth.NewTokenManager("test-secret", time.Hour)
	gateway := realtime.NewGateway(tokens, realtime.Config{Logger: logger})

	handler := NewHandler(
		service.NewUserService(userRepo),
		service.NewNoteService(noteRepo, gateway),
		tokens,
		gateway,
		archive,
		bucket,
		"",
		logger,
	)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(gateway.Shutdown)

	return &testApp{srv: srv, gateway: gateway}
}

func (a *testApp) request(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func (a *testApp) signUp(t *testing.T, email string) string {
	t.Helper()

	resp, _ := a.request(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"full_name": "Test User",
		"email":     email,
		"password":  "longenough",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, data := a.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    email,
		"password": "longenough",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(data, &login))
	require.NotEmpty(t, login.Token)
	return login.Token
}

func TestAuthFlow(t *testing.T) {
	app := newTestApp(t)

	token := app.signUp(t, "ada@example.com")
	require.NotEmpty(t, token)

	// Duplicate registration conflicts.
	resp, _ := app.request(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"full_name": "Clone",
		"email":     "ada@example.com",
		"password":  "longenough",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Wrong password is a uniform 401.
	resp, _ = app.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "ada@example.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Notes require a bearer token.
	resp, _ = app.request(t, http.MethodGet, "/api/notes", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = app.request(t, http.MethodGet, "/api/notes", "bogus-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNoteCRUDAndSearch(t *testing.T) {
	app := newTestApp(t)
	token := app.signUp(t, "ada@example.com")

	resp, data := app.request(t, http.MethodPost, "/api/notes", token, map[string]string{
		"title":   "grocery list",
		"content": "milk and eggs",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created NoteResponse
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotZero(t, created.ID)

	resp, _ = app.request(t, http.MethodPost, "/api/notes", token, map[string]string{
		"title":   "meeting notes",
		"content": "quarterly review",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, data = app.request(t, http.MethodGet, "/api/notes?q=grocery", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var found []NoteResponse
	require.NoError(t, json.Unmarshal(data, &found))
	require.Len(t, found, 1)
	assert.Equal(t, "grocery list", found[0].Title)

	resp, data = app.request(t, http.MethodPut, fmt.Sprintf("/api/notes/%d", created.ID), token, map[string]string{
		"title":   "grocery run",
		"content": "milk, eggs, flour",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated NoteResponse
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, "grocery run", updated.Title)

	resp, _ = app.request(t, http.MethodDelete, fmt.Sprintf("/api/notes/%d", created.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = app.request(t, http.MethodGet, fmt.Sprintf("/api/notes/%d", created.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotesAreIsolatedPerUser(t *testing.T) {
	app := newTestApp(t)
	adaToken := app.signUp(t, "ada@example.com")
	bobToken := app.signUp(t, "bob@example.com")

	resp, data := app.request(t, http.MethodPost, "/api/notes", adaToken, map[string]string{
		"title":   "private",
		"content": "ada only",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var note NoteResponse
	require.NoError(t, json.Unmarshal(data, &note))

	resp, _ = app.request(t, http.MethodGet, fmt.Sprintf("/api/notes/%d", note.ID), bobToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = app.request(t, http.MethodDelete, fmt.Sprintf("/api/notes/%d", note.ID), bobToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = app.request(t, http.MethodGet, "/api/notes", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bobNotes []NoteResponse
	require.NoError(t, json.Unmarshal(data, &bobNotes))
	assert.Empty(t, bobNotes)
}

func TestImportExportRoundTrip(t *testing.T) {
	app := newTestApp(t)
	token := app.signUp(t, "ada@example.com")

	resp, _ := app.request(t, http.MethodPost, "/api/notes", token, map[string]string{
		"title":   "before import",
		"content": "will be replaced",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = app.request(t, http.MethodPost, "/api/notes/import", token, map[string]any{
		"notes": []map[string]string{
			{"title": "a", "content": "1"},
			{"title": "b", "content": "2"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := app.request(t, http.MethodGet, "/api/notes/export", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	var snapshot service.Snapshot
	require.NoError(t, json.Unmarshal(data, &snapshot))
	require.Len(t, snapshot.Notes, 2)

	// Importing the export is stable.
	resp, _ = app.request(t, http.MethodPost, "/api/notes/import", token, snapshot)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = app.request(t, http.MethodGet, "/api/notes", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var notes []NoteResponse
	require.NoError(t, json.Unmarshal(data, &notes))
	assert.Len(t, notes, 2)
}

func TestImportRejectsNonJSON(t *testing.T) {
	app := newTestApp(t)
	token := app.signUp(t, "ada@example.com")

	req, err := http.NewRequest(http.MethodPost, app.srv.URL+"/api/notes/import", strings.NewReader("<notes><note/></notes>"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/xml")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// stubArchive keeps snapshot objects in memory. Handler tests run requests
// sequentially, so no locking is needed.
type stubArchive struct {
	objects   []storage.ObjectInfo
	presigned []string
}

func (s *stubArchive) UploadSnapshot(_ context.Context, userID int64, data []byte, opts storage.UploadOptions) (string, error) {
	key := storage.SnapshotPrefix(opts.KeyPrefix, userID) + "snap.json"
	s.objects = append(s.objects, storage.ObjectInfo{Key: key, Size: int64(len(data))})
	return "s3://" + opts.Bucket + "/" + key, nil
}

func (s *stubArchive) ListSnapshots(_ context.Context, _, keyPrefix string, userID int64) ([]storage.ObjectInfo, error) {
	prefix := storage.SnapshotPrefix(keyPrefix, userID)
	var out []storage.ObjectInfo
	for _, obj := range s.objects {
		if strings.HasPrefix(obj.Key, prefix) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (s *stubArchive) DeletePrefix(_ context.Context, _, prefix string) error {
	kept := s.objects[:0]
	for _, obj := range s.objects {
		if !strings.HasPrefix(obj.Key, prefix) {
			kept = append(kept, obj)
		}
	}
	s.objects = kept
	return nil
}

func (s *stubArchive) GetObjectURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	s.presigned = append(s.presigned, key)
	return "https://" + bucket + ".example.com/" + key + "?sig=test", nil
}

func TestSnapshotArchiveLifecycle(t *testing.T) {
	archive := &stubArchive{}
	app := newTestAppWithArchive(t, archive, "notes-archive")
	token := app.signUp(t, "ada@example.com")

	resp, _ := app.request(t, http.MethodPost, "/api/notes", token, map[string]string{
		"title":   "First",
		"content": "body",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = app.request(t, http.MethodGet, "/api/notes/export", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Snapshot-Location"))

	resp, data := app.request(t, http.MethodGet, "/api/notes/snapshots", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []SnapshotObjectResponse
	require.NoError(t, json.Unmarshal(data, &listed))
	require.Len(t, listed, 1)

	resp, data = app.request(t, http.MethodGet, "/api/notes/snapshots/url?key="+url.QueryEscape(listed[0].Key), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var link struct {
		URL       string `json:"url"`
		ExpiresIn int64  `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(data, &link))
	assert.Contains(t, link.URL, listed[0].Key)
	assert.Positive(t, link.ExpiresIn)
	assert.Equal(t, []string{listed[0].Key}, archive.presigned)

	// A key outside the caller's own prefix reads as not found.
	resp, _ = app.request(t, http.MethodGet, "/api/notes/snapshots/url?key="+url.QueryEscape("snapshots/user-99/snap.json"), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = app.request(t, http.MethodGet, "/api/notes/snapshots/url", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = app.request(t, http.MethodDelete, "/api/notes/snapshots", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = app.request(t, http.MethodGet, "/api/notes/snapshots", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed = nil
	require.NoError(t, json.Unmarshal(data, &listed))
	assert.Empty(t, listed)
}

func TestSnapshotEndpointsWithoutStorage(t *testing.T) {
	app := newTestApp(t)
	token := app.signUp(t, "ada@example.com")

	resp, _ := app.request(t, http.MethodGet, "/api/notes/snapshots", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = app.request(t, http.MethodDelete, "/api/notes/snapshots", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMutationsReachRealtimeSubscriber(t *testing.T) {
	app := newTestApp(t)
	token := app.signUp(t, "ada@example.com")

	url := "ws" + strings.TrimPrefix(app.srv.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool {
		// The subscriber joins asynchronously after the upgrade.
		return app.gatewayMembers() == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ := app.request(t, http.MethodPost, "/api/notes", token, map[string]string{
		"title":   "realtime",
		"content": "fan-out",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, message, err := ws.ReadMessage()
	require.NoError(t, err)

	var event struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(message, &event))
	assert.Equal(t, "note:created", event.Event)
	assert.Contains(t, string(event.Data), "realtime")
}

func TestRealtimeRejectsBadToken(t *testing.T) {
	app := newTestApp(t)

	url := "ws" + strings.TrimPrefix(app.srv.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func (a *testApp) gatewayMembers() int {
	// The first registered user in these tests always has id 1.
	return a.gateway.Members(1)
}
