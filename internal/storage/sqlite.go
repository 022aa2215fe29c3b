// Package storage implements the persistent memory store for keepsake.
//
// Three related tables (sessions, observations, notes) are each paired with
// an FTS5 index that is kept in sync by triggers, so a committed write is
// immediately searchable.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for sessions, observations,
// and notes. The handle is opened once at process start and shared; the
// engine serializes concurrent access.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "keepsake.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-only aggregate queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Sessions ---

// CreateSession allocates a fresh session in status active with zeroed
// counters.
func (s *Store) CreateSession(projectPath, userPrompt string) (Session, error) {
	sess := Session{
		ID:          "sess_" + uuid.New().String(),
		ProjectPath: projectPath,
		UserPrompt:  userPrompt,
		CreatedAt:   time.Now().UTC(),
		Status:      SessionActive,
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, project_path, user_prompt, summary, created_at, ended_at, status, total_observations, tokens_saved)
		VALUES (?, ?, ?, NULL, ?, NULL, ?, 0, 0)`,
		sess.ID, sess.ProjectPath, nullString(sess.UserPrompt), sess.CreatedAt.UnixMilli(), sess.Status,
	)
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// EndSession stamps ended_at and moves the session to a terminal status
// (summarized unless told otherwise). A non-empty summary replaces the
// stored one; an empty summary preserves it. Idempotent and last-write-wins;
// unknown ids are a silent no-op.
func (s *Store) EndSession(id, summary string, status SessionStatus) error {
	if status == "" {
		status = SessionSummarized
	}
	_, err := s.db.Exec(`
		UPDATE sessions SET summary = COALESCE(?, summary), status = ?, ended_at = ? WHERE id = ?`,
		nullString(summary), status, time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	return nil
}

// GetSession returns a session by id, or ErrNotFound.
func (s *Store) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(`
		SELECT id, project_path, user_prompt, summary, created_at, ended_at, status, total_observations, tokens_saved
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// GetRecentSessions returns up to limit non-active sessions for the project,
// newest first. Active sessions are excluded deliberately: only sessions
// that reached a terminal narrative state are useful as past context.
func (s *Store) GetRecentSessions(projectPath string, limit int) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, project_path, user_prompt, summary, created_at, ended_at, status, total_observations, tokens_saved
		FROM sessions
		WHERE project_path = ? AND status != 'active'
		ORDER BY created_at DESC LIMIT ?`, projectPath, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SearchSessions runs a ranked full-text query over session prompts and
// summaries, restricted to the project. The free-text query is reduced to
// OR-joined keywords; if nothing usable remains, the result is empty, not
// an error.
func (s *Store) SearchSessions(projectPath, query string, limit int) ([]SearchResult, error) {
	match := buildSearchQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT s.id, s.project_path, s.user_prompt, s.summary, s.created_at, s.ended_at, s.status, s.total_observations, s.tokens_saved,
		       sessions_fts.rank
		FROM sessions_fts
		JOIN sessions s ON s.id = sessions_fts.session_id
		WHERE s.project_path = ? AND sessions_fts MATCH ?
		ORDER BY sessions_fts.rank
		LIMIT ?`, projectPath, match, limit)
	if err != nil {
		return nil, fmt.Errorf("searching sessions: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var userPrompt, summary sql.NullString
		var createdAt int64
		var endedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ProjectPath, &userPrompt, &summary, &createdAt, &endedAt,
			&r.Status, &r.TotalObservations, &r.TokensSaved, &r.Rank); err != nil {
			return nil, err
		}
		r.UserPrompt = userPrompt.String
		r.Summary = summary.String
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64).UTC()
			r.EndedAt = &t
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

var nonWord = regexp.MustCompile(`[^\w\s]`)

// buildSearchQuery reduces a free-text prompt to at most 5 lower-cased
// keywords longer than 3 characters, quoted and OR-joined for FTS5.
func buildSearchQuery(prompt string) string {
	cleaned := nonWord.ReplaceAllString(strings.ToLower(prompt), "")
	var keywords []string
	for _, w := range strings.Fields(cleaned) {
		if len(w) <= 3 {
			continue
		}
		keywords = append(keywords, `"`+w+`"`)
		if len(keywords) == 5 {
			break
		}
	}
	return strings.Join(keywords, " OR ")
}

// --- Observations ---

// SaveObservation records a pending observation and increments the parent
// session's total_observations. Both writes happen in one transaction so
// the counter can never drift from the row count. Returns ErrNotFound when
// the session does not exist.
func (s *Store) SaveObservation(sessionID, functionName, functionArgs, observationType string) (Observation, error) {
	obs := Observation{
		ID:              "obs_" + uuid.New().String(),
		SessionID:       sessionID,
		FunctionName:    functionName,
		FunctionArgs:    functionArgs,
		Timestamp:       time.Now().UTC(),
		Status:          ObservationPending,
		ObservationType: observationType,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Observation{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE sessions SET total_observations = total_observations + 1 WHERE id = ?`, sessionID)
	if err != nil {
		return Observation{}, fmt.Errorf("incrementing observation count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Observation{}, err
	}
	if n == 0 {
		return Observation{}, ErrNotFound
	}

	if _, err := tx.Exec(`
		INSERT INTO observations (id, session_id, function_name, function_args, function_result,
			compressed_data, original_tokens, compressed_tokens, tokens_saved, timestamp, status, observation_type)
		VALUES (?, ?, ?, ?, NULL, NULL, NULL, NULL, NULL, ?, ?, ?)`,
		obs.ID, obs.SessionID, obs.FunctionName, nullString(obs.FunctionArgs),
		obs.Timestamp.UnixMilli(), obs.Status, nullString(obs.ObservationType),
	); err != nil {
		return Observation{}, fmt.Errorf("inserting observation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Observation{}, fmt.Errorf("committing observation: %w", err)
	}
	return obs, nil
}

// UpdateObservationResult attaches the raw result and flips status to
// captured. Unknown ids are a silent no-op.
func (s *Store) UpdateObservationResult(id, result string) error {
	_, err := s.db.Exec(`
		UPDATE observations SET function_result = ?, status = ?, timestamp = ? WHERE id = ?`,
		result, ObservationCaptured, time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("updating observation result: %w", err)
	}
	return nil
}

// MarkObservationCompressed stores the compressed form and token accounting
// and advances status to compressed. The session's running tokens_saved is
// adjusted by the delta against any previous compression of the same
// observation, so repeated calls never double-count. Unknown ids are a
// silent no-op.
func (s *Store) MarkObservationCompressed(id, compressedData string, originalTokens, compressedTokens int) error {
	saved := originalTokens - compressedTokens
	if saved < 0 {
		saved = 0
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var sessionID string
	var prevSaved sql.NullInt64
	err = tx.QueryRow(`SELECT session_id, tokens_saved FROM observations WHERE id = ?`, id).Scan(&sessionID, &prevSaved)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading observation: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE observations
		SET compressed_data = ?, original_tokens = ?, compressed_tokens = ?, tokens_saved = ?, status = ?
		WHERE id = ?`,
		compressedData, originalTokens, compressedTokens, saved, ObservationCompressed, id,
	); err != nil {
		return fmt.Errorf("marking observation compressed: %w", err)
	}

	if _, err := tx.Exec(`UPDATE sessions SET tokens_saved = tokens_saved + ? WHERE id = ?`,
		int64(saved)-prevSaved.Int64, sessionID,
	); err != nil {
		return fmt.Errorf("updating session tokens_saved: %w", err)
	}

	return tx.Commit()
}

// MarkObservationFailed records an unrecoverable compression error. A
// compressed observation stays compressed; unknown ids are a silent no-op.
func (s *Store) MarkObservationFailed(id string) error {
	_, err := s.db.Exec(`UPDATE observations SET status = ? WHERE id = ? AND status != ?`,
		ObservationFailed, id, ObservationCompressed)
	if err != nil {
		return fmt.Errorf("marking observation failed: %w", err)
	}
	return nil
}

// GetObservation returns an observation by id, or ErrNotFound.
func (s *Store) GetObservation(id string) (Observation, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, function_name, function_args, function_result, compressed_data,
		       original_tokens, compressed_tokens, tokens_saved, timestamp, status, observation_type
		FROM observations WHERE id = ?`, id)
	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return Observation{}, ErrNotFound
	}
	return obs, err
}

// GetObservationsForSession returns all observations for a session, oldest
// first.
func (s *Store) GetObservationsForSession(sessionID string) ([]Observation, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, function_name, function_args, function_result, compressed_data,
		       original_tokens, compressed_tokens, tokens_saved, timestamp, status, observation_type
		FROM observations WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// --- Notes ---

// SaveNote appends a note to a session. Notes are never mutated or deleted.
func (s *Store) SaveNote(sessionID, userPrompt, aiResponse, annotation string, source NoteSource) (Note, error) {
	if source == "" {
		source = NoteSourceManual
	}
	note := Note{
		ID:         "note_" + uuid.New().String(),
		SessionID:  sessionID,
		UserPrompt: userPrompt,
		AIResponse: aiResponse,
		Annotation: annotation,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.db.Exec(`
		INSERT INTO notes (id, session_id, user_prompt, ai_response, annotation, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		note.ID, note.SessionID, nullString(note.UserPrompt), nullString(note.AIResponse),
		nullString(note.Annotation), note.Source, note.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Note{}, fmt.Errorf("inserting note: %w", err)
	}
	return note, nil
}

// GetNotesForSession returns all notes for a session, oldest first.
func (s *Store) GetNotesForSession(sessionID string) ([]Note, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, user_prompt, ai_response, annotation, source, created_at
		FROM notes WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var userPrompt, aiResponse, annotation sql.NullString
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.SessionID, &userPrompt, &aiResponse, &annotation, &n.Source, &createdAt); err != nil {
			return nil, err
		}
		n.UserPrompt = userPrompt.String
		n.AIResponse = aiResponse.String
		n.Annotation = annotation.String
		n.CreatedAt = time.UnixMilli(createdAt).UTC()
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var userPrompt, summary sql.NullString
	var createdAt int64
	var endedAt sql.NullInt64
	err := row.Scan(&sess.ID, &sess.ProjectPath, &userPrompt, &summary, &createdAt, &endedAt,
		&sess.Status, &sess.TotalObservations, &sess.TokensSaved)
	if err != nil {
		return Session{}, err
	}
	sess.UserPrompt = userPrompt.String
	sess.Summary = summary.String
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64).UTC()
		sess.EndedAt = &t
	}
	return sess, nil
}

func scanObservation(row rowScanner) (Observation, error) {
	var obs Observation
	var args, result, compressed, obsType sql.NullString
	var origTokens, compTokens, saved sql.NullInt64
	var ts int64
	err := row.Scan(&obs.ID, &obs.SessionID, &obs.FunctionName, &args, &result, &compressed,
		&origTokens, &compTokens, &saved, &ts, &obs.Status, &obsType)
	if err != nil {
		return Observation{}, err
	}
	obs.FunctionArgs = args.String
	obs.FunctionResult = result.String
	obs.CompressedData = compressed.String
	obs.OriginalTokens = int(origTokens.Int64)
	obs.CompressedTokens = int(compTokens.Int64)
	obs.TokensSaved = int(saved.Int64)
	obs.Timestamp = time.UnixMilli(ts).UTC()
	obs.ObservationType = obsType.String
	return obs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
