// Package analytics computes per-project compression statistics.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
)

// Snapshot is a point-in-time view of how much a project's memory has been
// compressed.
type Snapshot struct {
	TotalSessions           int     `json:"total_sessions"`
	TotalObservations       int     `json:"total_observations"`
	CompressedObservations  int     `json:"compressed_observations"`
	TotalTokensSaved        int     `json:"total_tokens_saved"`
	AverageCompressionRatio float64 `json:"average_compression_ratio"`
}

// Analytics answers stats queries against the shared store handle.
type Analytics struct {
	db *sql.DB
}

// New creates an Analytics reader over the store's database handle.
func New(db *sql.DB) *Analytics {
	return &Analytics{db: db}
}

// Stats aggregates compression figures for one project. Only sessions that
// reached a terminal state are counted, matching what retrieval surfaces as
// past context.
func (a *Analytics) Stats(projectPath string) (Snapshot, error) {
	var snap Snapshot

	err := a.db.QueryRow(`
		SELECT COUNT(*) FROM sessions WHERE project_path = ? AND status != 'active'`,
		projectPath,
	).Scan(&snap.TotalSessions)
	if err != nil {
		return Snapshot{}, fmt.Errorf("counting sessions: %w", err)
	}

	var originalTokens int
	err = a.db.QueryRow(`
		SELECT COUNT(o.id),
		       COALESCE(SUM(CASE WHEN o.status = 'compressed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN o.status = 'compressed' THEN o.tokens_saved ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN o.status = 'compressed' THEN o.original_tokens ELSE 0 END), 0)
		FROM observations o
		JOIN sessions s ON s.id = o.session_id
		WHERE s.project_path = ?`,
		projectPath,
	).Scan(&snap.TotalObservations, &snap.CompressedObservations, &snap.TotalTokensSaved, &originalTokens)
	if err != nil {
		return Snapshot{}, fmt.Errorf("aggregating observations: %w", err)
	}

	if originalTokens > 0 {
		ratio := float64(snap.TotalTokensSaved) / float64(originalTokens) * 100
		snap.AverageCompressionRatio = math.Round(ratio*100) / 100
	}
	return snap, nil
}
