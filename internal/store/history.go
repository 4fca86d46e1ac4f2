package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
)

// History reads and writes the history.db "added_at" table, which also
// serves as the per-download history list the getHistory/clearHistory
// WebSocket actions use (spec.md §4.4 step 3, §6.1). It satisfies pipeline.HistoryStore
// without pipeline importing database/sql directly.
type History struct {
	db *sql.DB
}

func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

// AddedAt implements pipeline.HistoryStore.
func (h *History) AddedAt(compoundKey string) (time.Time, bool) {
	var t time.Time
	err := h.db.QueryRow(`SELECT added_at FROM added_at WHERE compound_key = ?`, compoundKey).Scan(&t)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// RecordIfAbsent stamps the first time a compound key was observed with
// no addedAt of its own, so later ticks have a stable answer instead of
// re-deriving "now" every time (spec.md §4.4's addedAt backfill).
func (h *History) RecordIfAbsent(compoundKey string, at time.Time) error {
	_, err := h.db.Exec(`INSERT OR IGNORE INTO added_at (compound_key, added_at) VALUES (?, ?)`, compoundKey, at)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "recording first-seen for %s", compoundKey)
	}
	return nil
}

// HistoryEntry is one row of the getHistory action's response: a download
// the pipeline has seen, independent of whether it is still active.
type HistoryEntry struct {
	CompoundKey string    `json:"compoundKey"`
	AddedAt     time.Time `json:"addedAt"`
}

// List returns every recorded compound key, newest first, for the
// view_history capability's getHistory action.
func (h *History) List(ctx context.Context) ([]HistoryEntry, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT compound_key, added_at FROM added_at ORDER BY added_at DESC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "listing history")
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.CompoundKey, &e.AddedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scanning history row")
		}
		out = append(out, e)
	}
	return out, nil
}

// Clear wipes every recorded entry, for the clear_history capability's
// clearHistory action. It does not touch ownership or move-op state.
func (h *History) Clear(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, `DELETE FROM added_at`)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "clearing history")
	}
	return nil
}
