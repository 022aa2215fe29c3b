package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keepsake-dev/keepsake/internal/analytics"
	"github.com/keepsake-dev/keepsake/internal/briefing"
	"github.com/keepsake-dev/keepsake/internal/compress"
	"github.com/keepsake-dev/keepsake/internal/gemini"
	"github.com/keepsake-dev/keepsake/internal/storage"
	"github.com/keepsake-dev/keepsake/internal/summary"
)

func newTestAppDeps(t *testing.T) (AppDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mock := gemini.Mock{}
	return AppDeps{
		Store:      store,
		Briefing:   briefing.NewBuilder(store),
		Summarizer: summary.NewSummarizer(store, mock),
		Pipeline:   compress.NewWorker(store, mock, time.Millisecond),
		Analytics:  analytics.New(store.DB()),
		Mock:       true,
	}, store
}

func postJSON(t *testing.T, handler http.Handler, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func getPath(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return body
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %q", w.Body.String())
	}
	typ, _ := errObj["type"].(string)
	return typ
}

func TestHealth(t *testing.T) {
	deps, _ := newTestAppDeps(t)
	handler := NewAppHandler(deps)

	w := getPath(t, handler, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["ok"] != true {
		t.Errorf("ok = %v, want true", body["ok"])
	}
	if body["mock"] != true {
		t.Errorf("mock = %v, want true", body["mock"])
	}
}

func TestStartSession(t *testing.T) {
	deps, store := newTestAppDeps(t)
	handler := NewAppHandler(deps)

	w := postJSON(t, handler, "/session/start", map[string]any{
		"projectPath": "/p",
		"userPrompt":  "add retries",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	id, _ := body["sessionId"].(string)
	if !strings.HasPrefix(id, "sess_") {
		t.Fatalf("sessionId = %q, want sess_ prefix", id)
	}
	if _, err := store.GetSession(id); err != nil {
		t.Errorf("session not persisted: %v", err)
	}
}

func TestStartSessionRequiresProjectPath(t *testing.T) {
	deps, _ := newTestAppDeps(t)
	handler := NewAppHandler(deps)

	w := postJSON(t, handler, "/session/start", map[string]any{"userPrompt": "x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if typ := errorType(t, w); typ != "invalid_request_error" {
		t.Errorf("error type = %q", typ)
	}
}

func TestObserveCallUnknownSession(t *testing.T) {
	deps, _ := newTestAppDeps(t)
	handler := NewAppHandler(deps)

	w := postJSON(t, handler, "/observe/call", map[string]any{
		"sessionId":    "sess_missing",
		"functionName": "write_file",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if typ := errorType(t, w); typ != "invalid_request_error" {
		t.Errorf("error type = %q", typ)
	}
}

func TestObserveCompressFlow(t *testing.T) {
	deps, store := newTestAppDeps(t)
	handler := NewAppHandler(deps)

	sess, err := store.CreateSession("/p", "fix bug")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	w := postJSON(t, handler, "/observe/call", map[string]any{
		"sessionId":    sess.ID,
		"functionName": "write_file",
		"functionArgs": `{"path":"main.go"}`,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("observe/call status = %d, body %s", w.Code, w.Body.String())
	}
	obsID, _ := decodeBody(t, w)["observationId"].(string)
	if obsID == "" {
		t.Fatal("no observationId in response")
	}

	w = postJSON(t, handler, "/observe/result", map[string]any{
		"observationId": obsID,
		"result":        "wrote 40 lines",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("observe/result status = %d", w.Code)
	}

	w = postJSON(t, handler, "/compress", map[string]any{"observationId": obsID})
	if w.Code != http.StatusOK {
		t.Fatalf("compress status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["queued"] != true {
		t.Errorf("queued = %v, want true", body["queued"])
	}
	if body["position"] != float64(1) {
		t.Errorf("position = %v, want 1", body["position"])
	}

	// Drain the queue like the background loop would.
	if _, err := deps.Pipeline.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	obs, err := store.GetObservation(obsID)
	if err != nil {
		t.Fatalf("GetObservation: %v", err)
	}
	if obs.Status != storage.ObservationCompressed {
		t.Errorf("status = %q, want compressed", obs.Status)
	}
	if !strings.HasPrefix(obs.CompressedData, "MOCK:") {
		t.Errorf("compressed data = %q", obs.CompressedData)
	}
}

func TestSaveNoteValidation(t *testing.T) {
	deps, store := newTestAppDeps(t)
	handler := NewAppHandler(deps)

	sess, _ := store.CreateSession("/p", "")

	w := postJSON(t, handler, "/note", map[string]any{"sessionId": sess.ID})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty note status = %d, want 400", w.Code)
	}

	w = postJSON(t, handler, "/note", map[string]any{
		"sessionId":  "sess_missing",
		"annotation": "x",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown session status = %d, want 400", w.Code)
	}

	w = postJSON(t, handler, "/note", map[string]any{
		"sessionId":  sess.ID,
		"aiResponse": "refactored the parser",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	notes, err := store.GetNotesForSession(sess.ID)
	if err != nil {
		t.Fatalf("GetNotesForSession: %v", err)
	}
	if len(notes) != 1 || notes[0].AIResponse != "refactored the parser" {
		t.Errorf("notes = %+v", notes)
	}
	if notes[0].Source != storage.NoteSourceManual {
		t.Errorf("source = %q, want manual", notes[0].Source)
	}
}

func TestSummarizeUnknownSession(t *testing.T) {
	deps, _ := newTestAppDeps(t)
	handler := NewAppHandler(deps)

	w := postJSON(t, handler, "/summarize", map[string]any{"sessionId": "sess_missing"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if typ := errorType(t, w); typ != "not_found" {
		t.Errorf("error type = %q", typ)
	}
}

func TestSummarize(t *testing.T) {
	deps, store := newTestAppDeps(t)
	handler := NewAppHandler(deps)

	sess, _ := store.CreateSession("/p", "add caching")
	store.SaveNote(sess.ID, "", "added an LRU cache to the config loader", "", storage.NoteSourceManual)

	w := postJSON(t, handler, "/summarize", map[string]any{"sessionId": sess.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	summaryText, _ := decodeBody(t, w)["summary"].(string)
	if summaryText == "" {
		t.Fatal("empty summary in response")
	}

	got, err := store.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != storage.SessionSummarized {
		t.Errorf("session status = %q, want summarized", got.Status)
	}
}

func TestContextEndpoint(t *testing.T) {
	deps, store := newTestAppDeps(t)
	handler := NewAppHandler(deps)

	w := getPath(t, handler, "/context?project=%2Fp")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := w.Body.String(); got != briefing.NoMemorySentinel {
		t.Errorf("empty project context = %q", got)
	}

	sess, _ := store.CreateSession("/p", "fix login")
	store.EndSession(sess.ID, "Fixed the login redirect.", storage.SessionSummarized)

	w = getPath(t, handler, "/context?project=%2Fp&prompt=login")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Fixed the login redirect.") {
		t.Errorf("context missing summary: %q", w.Body.String())
	}

	w = getPath(t, handler, "/context")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing project status = %d, want 400", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	deps, store := newTestAppDeps(t)
	handler := NewAppHandler(deps)

	w := getPath(t, handler, "/sessions?project=%2Fp")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if sessions, ok := body["sessions"].([]any); !ok || len(sessions) != 0 {
		t.Errorf("sessions = %v, want empty array", body["sessions"])
	}

	sess, _ := store.CreateSession("/p", "a")
	store.EndSession(sess.ID, "done", storage.SessionSummarized)

	w = getPath(t, handler, "/sessions?project=%2Fp&limit=5")
	body = decodeBody(t, w)
	if sessions, _ := body["sessions"].([]any); len(sessions) != 1 {
		t.Errorf("sessions = %v, want 1 entry", body["sessions"])
	}

	w = getPath(t, handler, "/sessions?project=%2Fp&limit=nope")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	deps, store := newTestAppDeps(t)
	handler := NewAppHandler(deps)

	sess, _ := store.CreateSession("/p", "a")
	obs, _ := store.SaveObservation(sess.ID, "write_file", "", "")
	store.MarkObservationCompressed(obs.ID, "c", 100, 40)
	store.EndSession(sess.ID, "done", storage.SessionSummarized)

	w := getPath(t, handler, "/stats?project=%2Fp")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["total_sessions"] != float64(1) {
		t.Errorf("total_sessions = %v", body["total_sessions"])
	}
	if body["total_tokens_saved"] != float64(60) {
		t.Errorf("total_tokens_saved = %v", body["total_tokens_saved"])
	}
}
