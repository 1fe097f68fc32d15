package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/user/termcore/internal/terminal"
)

const defaultEventLimit = 500

type SessionEventRepo struct {
	db *sql.DB
}

func NewSessionEventRepo(db *sql.DB) *SessionEventRepo {
	return &SessionEventRepo{db: db}
}

func (r *SessionEventRepo) Create(ctx context.Context, ev *SessionEvent) error {
	if strings.TrimSpace(ev.SessionID) == "" {
		return fmt.Errorf("session event requires a session id")
	}
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = nowUTC()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO session_events (id, session_id, kind, detail, created_at)
VALUES (?, ?, ?, ?, ?)
`, ev.ID, ev.SessionID, ev.Kind, ev.Detail, formatTimestamp(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create session event: %w", err)
	}
	return nil
}

// List returns matching events, oldest first.
func (r *SessionEventRepo) List(ctx context.Context, filter SessionEventFilter) ([]*SessionEvent, error) {
	query := `SELECT id, session_id, kind, detail, created_at FROM session_events`
	args := []any{}
	where := []string{}

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	// Take the newest rows, then present them in chronological order.
	query = `SELECT * FROM (` + query + ` ORDER BY created_at DESC, id DESC LIMIT ?) ORDER BY created_at ASC, id ASC`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()

	events := make([]*SessionEvent, 0)
	for rows.Next() {
		var ev SessionEvent
		var createdAtRaw string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Kind, &ev.Detail, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		ev.CreatedAt, err = parseTimestamp(createdAtRaw)
		if err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session events: %w", err)
	}
	return events, nil
}

// Prune deletes events older than the cutoff and reports how many were removed.
func (r *SessionEventRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM session_events WHERE created_at < ?`, formatTimestamp(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune session events: %w", err)
	}
	return res.RowsAffected()
}

// Record stores a terminal lifecycle event, satisfying terminal.Journal.
func (r *SessionEventRepo) Record(ctx context.Context, ev terminal.LifecycleEvent) error {
	return r.Create(ctx, &SessionEvent{
		SessionID: ev.SessionID,
		Kind:      ev.Kind,
		Detail:    ev.Detail,
		CreatedAt: ev.At,
	})
}
