package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SessionStatus tracks where a session is in its lifecycle. Transitions only
// move forward: active -> summarized or completed, never back.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionSummarized SessionStatus = "summarized"
	SessionCompleted  SessionStatus = "completed"
)

// ObservationStatus advances pending -> captured -> compressed. An
// unrecoverable compression error moves the observation to failed.
type ObservationStatus string

const (
	ObservationPending    ObservationStatus = "pending"
	ObservationCaptured   ObservationStatus = "captured"
	ObservationCompressed ObservationStatus = "compressed"
	ObservationFailed     ObservationStatus = "failed"
)

// NoteSource records which channel a note arrived through.
type NoteSource string

const (
	NoteSourceManual    NoteSource = "manual"
	NoteSourceClipboard NoteSource = "clipboard"
	NoteSourceBridge    NoteSource = "bridge"
)

// Session is one task-scoped unit of tracked work for a project.
type Session struct {
	ID                string        `json:"id"`
	ProjectPath       string        `json:"project_path"`
	UserPrompt        string        `json:"user_prompt,omitempty"`
	Summary           string        `json:"summary,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	Status            SessionStatus `json:"status"`
	TotalObservations int           `json:"total_observations"`
	TokensSaved       int           `json:"tokens_saved"`
}

// Observation is one recorded action with its raw payload and, once the
// compression pipeline has run, a short dense summary of it.
type Observation struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id"`
	FunctionName     string            `json:"function_name"`
	FunctionArgs     string            `json:"function_args,omitempty"`
	FunctionResult   string            `json:"function_result,omitempty"`
	CompressedData   string            `json:"compressed_data,omitempty"`
	OriginalTokens   int               `json:"original_tokens,omitempty"`
	CompressedTokens int               `json:"compressed_tokens,omitempty"`
	TokensSaved      int               `json:"tokens_saved,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Status           ObservationStatus `json:"status"`
	ObservationType  string            `json:"observation_type,omitempty"`
}

// Note is a free-text prompt/response/annotation capture, the primary
// signal for session summarization. At least one of UserPrompt, AIResponse,
// Annotation must be non-empty; the caller-facing layers enforce this.
type Note struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	UserPrompt string     `json:"user_prompt,omitempty"`
	AIResponse string     `json:"ai_response,omitempty"`
	Annotation string     `json:"annotation,omitempty"`
	Source     NoteSource `json:"source"`
	CreatedAt  time.Time  `json:"created_at"`
}

// SearchResult is a session matched by full-text search, with its FTS rank.
// Lower rank means a better match.
type SearchResult struct {
	Session
	Rank float64 `json:"rank"`
}
