// Package briefing renders the "what happened before" context string for a
// project: recent terminal sessions first, then keyword-relevant ones.
package briefing

import (
	"fmt"
	"strings"

	"github.com/keepsake-dev/keepsake/internal/storage"
)

// NoMemorySentinel is returned when no past sessions exist, so callers can
// tell "nothing found" from a formatting failure.
const NoMemorySentinel = "No prior memory for this project."

const (
	defaultRecentLimit = 5
	defaultSearchLimit = 3
)

// SessionSource abstracts the store reads the builder needs.
type SessionSource interface {
	GetRecentSessions(projectPath string, limit int) ([]storage.Session, error)
	SearchSessions(projectPath, query string, limit int) ([]storage.SearchResult, error)
	GetNotesForSession(sessionID string) ([]storage.Note, error)
}

// Builder assembles context briefings from the memory store.
type Builder struct {
	source SessionSource
}

// NewBuilder creates a Builder reading from the given source.
func NewBuilder(source SessionSource) *Builder {
	return &Builder{source: source}
}

// Build returns a human-readable briefing for the project. Recency always
// precedes keyword relevance: the merge is an order-preserving set union of
// the recent list and the search results, deduplicated by session id with
// first-seen (recent) copies winning. This is deliberately not a weighted
// rank merge.
func (b *Builder) Build(projectPath, currentPrompt string, recentLimit, searchLimit int) (string, error) {
	if recentLimit <= 0 {
		recentLimit = defaultRecentLimit
	}
	if searchLimit <= 0 {
		searchLimit = defaultSearchLimit
	}

	recent, err := b.source.GetRecentSessions(projectPath, recentLimit)
	if err != nil {
		return "", fmt.Errorf("loading recent sessions: %w", err)
	}

	merged := recent
	if currentPrompt != "" {
		relevant, err := b.source.SearchSessions(projectPath, currentPrompt, searchLimit)
		if err != nil {
			return "", fmt.Errorf("searching sessions: %w", err)
		}
		for _, r := range relevant {
			merged = append(merged, r.Session)
		}
	}

	merged = deduplicate(merged)
	return b.format(merged)
}

func deduplicate(sessions []storage.Session) []storage.Session {
	seen := make(map[string]bool, len(sessions))
	out := sessions[:0]
	for _, s := range sessions {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out
}

func (b *Builder) format(sessions []storage.Session) (string, error) {
	if len(sessions) == 0 {
		return NoMemorySentinel, nil
	}

	var sb strings.Builder
	sb.WriteString("# Keepsake Memory Context\n")
	sb.WriteString("Use these past sessions to ground your response.\n")

	for _, session := range sessions {
		fmt.Fprintf(&sb, "\n## Session %s\n", session.CreatedAt.Format("2006-01-02"))
		if session.UserPrompt != "" {
			fmt.Fprintf(&sb, "Task: %s\n", session.UserPrompt)
		}
		if session.Summary != "" {
			sb.WriteString(strings.TrimSpace(session.Summary))
			sb.WriteString("\n")
		}

		notes, err := b.source.GetNotesForSession(session.ID)
		if err != nil {
			return "", fmt.Errorf("loading notes for %s: %w", session.ID, err)
		}
		for _, note := range notes {
			if note.AIResponse != "" {
				fmt.Fprintf(&sb, "AI did: %s\n", note.AIResponse)
			}
			if note.Annotation != "" {
				fmt.Fprintf(&sb, "Note: %s\n", note.Annotation)
			}
		}

		if session.TotalObservations > 0 {
			fmt.Fprintf(&sb, "Changes captured: %d\n", session.TotalObservations)
		}
	}

	sb.WriteString("\n--\nRespond using this context; do not ask the user to restate it.")
	return sb.String(), nil
}
