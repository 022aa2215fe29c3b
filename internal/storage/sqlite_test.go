package storage

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the migration is not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.CreateSession("/p", "fix bug")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !strings.HasPrefix(sess.ID, "sess_") {
		t.Errorf("session id %q missing sess_ prefix", sess.ID)
	}
	if sess.Status != SessionActive {
		t.Errorf("status = %q, want active", sess.Status)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserPrompt != "fix bug" || got.ProjectPath != "/p" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.TotalObservations != 0 || got.TokensSaved != 0 {
		t.Errorf("counters not zeroed: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetSession("sess_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(missing) = %v, want ErrNotFound", err)
	}
}

// TestObservationCounter verifies total_observations equals the number of
// SaveObservation calls.
func TestObservationCounter(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.CreateSession("/p", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	const n = 7
	for i := 0; i < n; i++ {
		if _, err := s.SaveObservation(sess.ID, fmt.Sprintf("fn_%d", i), "", ""); err != nil {
			t.Fatalf("SaveObservation %d: %v", i, err)
		}
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.TotalObservations != n {
		t.Errorf("total_observations = %d, want %d", got.TotalObservations, n)
	}

	observations, err := s.GetObservationsForSession(sess.ID)
	if err != nil {
		t.Fatalf("GetObservationsForSession: %v", err)
	}
	if len(observations) != n {
		t.Errorf("observation rows = %d, want %d", len(observations), n)
	}
}

func TestSaveObservationUnknownSession(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.SaveObservation("sess_missing", "write_file", "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveObservation(unknown session) = %v, want ErrNotFound", err)
	}
}

func TestUpdateObservationResult(t *testing.T) {
	s := openTestStore(t)

	sess, _ := s.CreateSession("/p", "")
	obs, err := s.SaveObservation(sess.ID, "write_file", `{"path":"a.ts"}`, "")
	if err != nil {
		t.Fatalf("SaveObservation: %v", err)
	}

	if err := s.UpdateObservationResult(obs.ID, `{"ok":true}`); err != nil {
		t.Fatalf("UpdateObservationResult: %v", err)
	}

	got, err := s.GetObservation(obs.ID)
	if err != nil {
		t.Fatalf("GetObservation: %v", err)
	}
	if got.Status != ObservationCaptured {
		t.Errorf("status = %q, want captured", got.Status)
	}
	if got.FunctionResult != `{"ok":true}` {
		t.Errorf("function_result = %q", got.FunctionResult)
	}

	// Unknown id is a silent no-op.
	if err := s.UpdateObservationResult("obs_missing", "x"); err != nil {
		t.Errorf("UpdateObservationResult(unknown) = %v, want nil", err)
	}
}

// TestMarkCompressedClampsSavings verifies tokens_saved never goes negative.
func TestMarkCompressedClampsSavings(t *testing.T) {
	s := openTestStore(t)

	sess, _ := s.CreateSession("/p", "")
	obs, _ := s.SaveObservation(sess.ID, "write_file", "", "")

	if err := s.MarkObservationCompressed(obs.ID, "grew somehow", 10, 50); err != nil {
		t.Fatalf("MarkObservationCompressed: %v", err)
	}

	got, _ := s.GetObservation(obs.ID)
	if got.TokensSaved != 0 {
		t.Errorf("tokens_saved = %d, want 0", got.TokensSaved)
	}
	if got.Status != ObservationCompressed {
		t.Errorf("status = %q, want compressed", got.Status)
	}
}

// TestMarkCompressedIdempotent verifies a repeated call leaves the
// observation and the session counter in the same final state.
func TestMarkCompressedIdempotent(t *testing.T) {
	s := openTestStore(t)

	sess, _ := s.CreateSession("/p", "")
	obs, _ := s.SaveObservation(sess.ID, "write_file", "", "")

	for i := 0; i < 2; i++ {
		if err := s.MarkObservationCompressed(obs.ID, "Fixed a.ts bug", 100, 20); err != nil {
			t.Fatalf("MarkObservationCompressed call %d: %v", i+1, err)
		}
	}

	got, _ := s.GetObservation(obs.ID)
	if got.Status != ObservationCompressed || got.OriginalTokens != 100 || got.CompressedTokens != 20 || got.TokensSaved != 80 {
		t.Errorf("observation state after repeat: %+v", got)
	}

	sessAfter, _ := s.GetSession(sess.ID)
	if sessAfter.TokensSaved != 80 {
		t.Errorf("session tokens_saved = %d, want 80 (no double count)", sessAfter.TokensSaved)
	}

	// Unknown id is a silent no-op.
	if err := s.MarkObservationCompressed("obs_missing", "x", 10, 1); err != nil {
		t.Errorf("MarkObservationCompressed(unknown) = %v, want nil", err)
	}
}

func TestMarkObservationFailed(t *testing.T) {
	s := openTestStore(t)

	sess, _ := s.CreateSession("/p", "")
	obs, _ := s.SaveObservation(sess.ID, "write_file", "", "")

	if err := s.MarkObservationFailed(obs.ID); err != nil {
		t.Fatalf("MarkObservationFailed: %v", err)
	}
	got, _ := s.GetObservation(obs.ID)
	if got.Status != ObservationFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}

	// A compressed observation is not demoted.
	obs2, _ := s.SaveObservation(sess.ID, "write_file", "", "")
	s.MarkObservationCompressed(obs2.ID, "done", 10, 2)
	s.MarkObservationFailed(obs2.ID)
	got2, _ := s.GetObservation(obs2.ID)
	if got2.Status != ObservationCompressed {
		t.Errorf("compressed observation demoted to %q", got2.Status)
	}
}

func TestEndSessionPreservesSummary(t *testing.T) {
	s := openTestStore(t)

	sess, _ := s.CreateSession("/p", "")

	if err := s.EndSession(sess.ID, "first summary", SessionSummarized); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	// Empty summary keeps the existing one; status moves to completed.
	if err := s.EndSession(sess.ID, "", SessionCompleted); err != nil {
		t.Fatalf("EndSession (second): %v", err)
	}

	got, _ := s.GetSession(sess.ID)
	if got.Summary != "first summary" {
		t.Errorf("summary = %q, want preserved", got.Summary)
	}
	if got.Status != SessionCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("ended_at not set")
	}

	// Unknown id is a silent no-op.
	if err := s.EndSession("sess_missing", "x", SessionSummarized); err != nil {
		t.Errorf("EndSession(unknown) = %v, want nil", err)
	}
}

func TestRecentSessionsExcludeActive(t *testing.T) {
	s := openTestStore(t)

	active, _ := s.CreateSession("/p", "still going")
	done, _ := s.CreateSession("/p", "finished")
	s.EndSession(done.ID, "did things", SessionSummarized)
	other, _ := s.CreateSession("/q", "different project")
	s.EndSession(other.ID, "elsewhere", SessionSummarized)

	recent, err := s.GetRecentSessions("/p", 10)
	if err != nil {
		t.Fatalf("GetRecentSessions: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("got %d sessions, want 1", len(recent))
	}
	if recent[0].ID == active.ID {
		t.Error("active session returned as recent")
	}
	if recent[0].ID != done.ID {
		t.Errorf("got session %s, want %s", recent[0].ID, done.ID)
	}
}

func TestSearchSessions(t *testing.T) {
	s := openTestStore(t)

	sess, _ := s.CreateSession("/p", "implement websocket reconnect logic")
	s.EndSession(sess.ID, "Added exponential backoff to the websocket client.", SessionSummarized)

	noise, _ := s.CreateSession("/p", "update readme")
	s.EndSession(noise.ID, "Edited documentation.", SessionSummarized)

	otherProject, _ := s.CreateSession("/q", "websocket work elsewhere")
	s.EndSession(otherProject.ID, "Unrelated websocket change.", SessionSummarized)

	results, err := s.SearchSessions("/p", "why does the websocket drop?", 5)
	if err != nil {
		t.Fatalf("SearchSessions: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].ID != sess.ID {
		t.Errorf("matched %s, want %s", results[0].ID, sess.ID)
	}
}

// TestSearchSessionsShortWords verifies a query of only short words returns
// empty, not an error.
func TestSearchSessionsShortWords(t *testing.T) {
	s := openTestStore(t)

	sess, _ := s.CreateSession("/p", "fix the bug")
	s.EndSession(sess.ID, "summary text", SessionSummarized)

	results, err := s.SearchSessions("/p", "fix it now", 5)
	if err != nil {
		t.Fatalf("SearchSessions: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestBuildSearchQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"fix the login bug!", `"login"`},
		{"Implement WebSocket reconnect", `"implement" OR "websocket" OR "reconnect"`},
		{"a an the it", ""},
		{"", ""},
		{"alpha beta! gamma delta epsilon zeta theta", `"alpha" OR "beta" OR "gamma" OR "delta" OR "epsilon"`},
	}
	for _, tt := range tests {
		if got := buildSearchQuery(tt.in); got != tt.want {
			t.Errorf("buildSearchQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNotesRoundTrip(t *testing.T) {
	s := openTestStore(t)

	sess, _ := s.CreateSession("/p", "")
	first, err := s.SaveNote(sess.ID, "add tests", "Wrote worker_test.go", "", NoteSourceManual)
	if err != nil {
		t.Fatalf("SaveNote: %v", err)
	}
	if !strings.HasPrefix(first.ID, "note_") {
		t.Errorf("note id %q missing note_ prefix", first.ID)
	}
	if _, err := s.SaveNote(sess.ID, "", "", "left the retry path untested", NoteSourceBridge); err != nil {
		t.Fatalf("SaveNote (second): %v", err)
	}

	notes, err := s.GetNotesForSession(sess.ID)
	if err != nil {
		t.Fatalf("GetNotesForSession: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("got %d notes, want 2", len(notes))
	}
	if notes[0].ID != first.ID {
		t.Error("notes not ordered oldest first")
	}
	if notes[1].Source != NoteSourceBridge {
		t.Errorf("source = %q, want bridge", notes[1].Source)
	}
}

// TestCascadeDelete verifies that removing a session removes its children.
// Retention is external policy, but the schema must support it.
func TestCascadeDelete(t *testing.T) {
	s := openTestStore(t)

	sess, _ := s.CreateSession("/p", "")
	s.SaveObservation(sess.ID, "write_file", "", "")
	s.SaveNote(sess.ID, "p", "", "", NoteSourceManual)

	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sess.ID); err != nil {
		t.Fatalf("deleting session: %v", err)
	}

	observations, _ := s.GetObservationsForSession(sess.ID)
	if len(observations) != 0 {
		t.Errorf("observations survived cascade delete: %d", len(observations))
	}
	notes, _ := s.GetNotesForSession(sess.ID)
	if len(notes) != 0 {
		t.Errorf("notes survived cascade delete: %d", len(notes))
	}
}
