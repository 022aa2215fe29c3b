// Package summary turns a session's compressed observations and notes into
// one durable narrative and moves the session to its terminal state.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/keepsake-dev/keepsake/internal/storage"
)

const (
	// minSummaryLength is the quality floor in characters. Summaries below
	// it trigger the retry-then-enrich guardrail.
	minSummaryLength = 200
	maxRetries       = 2
	maxEnrichFiles   = 10
)

// SessionStore abstracts the store operations the summarizer needs.
type SessionStore interface {
	GetSession(id string) (storage.Session, error)
	GetObservationsForSession(sessionID string) ([]storage.Observation, error)
	GetNotesForSession(sessionID string) ([]storage.Note, error)
	EndSession(id, summary string, status storage.SessionStatus) error
}

// SummarizeCapability is the external summarization capability.
type SummarizeCapability interface {
	Summarize(ctx context.Context, taskPrompt string, snippets []string) (string, error)
}

// Summarizer produces session summaries with a two-tier quality guardrail:
// up to two content-quality retries against the external capability, then a
// deterministic local enrichment. It never loops unboundedly and never
// fails just because the summary came back short.
type Summarizer struct {
	store      SessionStore
	capability SummarizeCapability
	logger     *slog.Logger
}

// NewSummarizer creates a Summarizer over the given store and capability.
func NewSummarizer(store SessionStore, capability SummarizeCapability) *Summarizer {
	return &Summarizer{store: store, capability: capability, logger: slog.Default()}
}

// Summarize builds and persists the narrative summary for a session and
// marks it summarized. Unlike the store's lenient lookups, an unknown
// session id is a hard error.
func (s *Summarizer) Summarize(ctx context.Context, sessionID string) (string, error) {
	session, err := s.store.GetSession(sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("loading session: %w", err)
	}

	observations, err := s.store.GetObservationsForSession(sessionID)
	if err != nil {
		return "", fmt.Errorf("loading observations: %w", err)
	}
	notes, err := s.store.GetNotesForSession(sessionID)
	if err != nil {
		return "", fmt.Errorf("loading notes: %w", err)
	}

	snippets := buildSnippets(observations, notes)
	s.logger.Debug("summarizing session",
		"session_id", sessionID,
		"observations", len(observations),
		"snippets", len(snippets),
	)

	if len(snippets) == 0 {
		prompt := session.UserPrompt
		if prompt == "" {
			prompt = "Unknown"
		}
		fallback := fmt.Sprintf("Session started with intent: %q. No observations or notes were recorded.", prompt)
		if err := s.store.EndSession(sessionID, fallback, storage.SessionSummarized); err != nil {
			return "", fmt.Errorf("ending session: %w", err)
		}
		return fallback, nil
	}

	taskPrompt := session.UserPrompt
	if taskPrompt == "" {
		taskPrompt = "Coding session"
	}

	text, err := s.capability.Summarize(ctx, taskPrompt, snippets)
	if err != nil {
		return "", fmt.Errorf("summarize call: %w", err)
	}

	// Content-quality retries: the call succeeded but the answer was too
	// terse to be useful as future context.
	for attempt := 1; len(text) < minSummaryLength && attempt <= maxRetries; attempt++ {
		s.logger.Warn("summary too short, retrying",
			"session_id", sessionID,
			"attempt", attempt,
			"length", len(text),
		)
		retryPrompt := taskPrompt + " (IMPORTANT: provide a detailed, comprehensive summary - the previous attempt was too brief)"
		text, err = s.capability.Summarize(ctx, retryPrompt, snippets)
		if err != nil {
			return "", fmt.Errorf("summarize retry %d: %w", attempt, err)
		}
	}

	if len(text) < minSummaryLength {
		s.logger.Warn("summary still short after retries, enriching locally", "session_id", sessionID)
		text = enrich(text, session.UserPrompt, snippets)
	}

	if err := s.store.EndSession(sessionID, text, storage.SessionSummarized); err != nil {
		return "", fmt.Errorf("ending session: %w", err)
	}
	return text, nil
}

// buildSnippets collects one snippet per compressed observation (verbatim)
// and one synthesized snippet per note that carries any content.
func buildSnippets(observations []storage.Observation, notes []storage.Note) []string {
	var snippets []string
	for _, obs := range observations {
		if obs.Status == storage.ObservationCompressed && obs.CompressedData != "" {
			snippets = append(snippets, obs.CompressedData)
		}
	}
	for _, note := range notes {
		var parts []string
		if note.UserPrompt != "" {
			parts = append(parts, "User asked: "+note.UserPrompt)
		}
		if note.AIResponse != "" {
			parts = append(parts, "AI did: "+note.AIResponse)
		}
		if note.Annotation != "" {
			parts = append(parts, "Note: "+note.Annotation)
		}
		if len(parts) > 0 {
			snippets = append(snippets, strings.Join(parts, ". "))
		}
	}
	return snippets
}

var filePattern = regexp.MustCompile(`([\w\-]+/)*[\w\-]+\.\w{1,6}`)

// enrich deterministically pads a too-short summary with the session goal,
// file-like tokens found in the snippets, and the snippet count. The result
// is always at least as long as the input.
func enrich(text, userPrompt string, snippets []string) string {
	parts := []string{text}

	if userPrompt != "" {
		parts = append(parts, fmt.Sprintf("Session goal: %s.", userPrompt))
	}

	seen := make(map[string]bool)
	var files []string
	for _, snippet := range snippets {
		for _, match := range filePattern.FindAllString(snippet, -1) {
			if seen[match] {
				continue
			}
			seen[match] = true
			files = append(files, match)
			if len(files) == maxEnrichFiles {
				break
			}
		}
		if len(files) == maxEnrichFiles {
			break
		}
	}
	if len(files) > 0 {
		parts = append(parts, fmt.Sprintf("Key files touched: %s.", strings.Join(files, ", ")))
	}

	parts = append(parts, fmt.Sprintf("Total actions recorded: %d.", len(snippets)))
	return strings.Join(parts, " ")
}
