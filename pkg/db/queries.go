package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrEmptyPayload = errors.New("journal message without payload")

const defaultMessageLimit = 100

// Journal reads and writes the messages table.
type Journal struct {
	db *sql.DB
}

// NewJournal wraps an open handle.
func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// InsertMessages stores msgs in one transaction.
func (j *Journal) InsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (channel, direction, msg_type, cl_ord_id, session_id, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare journal insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.Payload == "" {
			return ErrEmptyPayload
		}
		recorded := m.RecordedAt
		if recorded.IsZero() {
			recorded = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, m.Channel, m.Direction, m.MsgType, m.ClOrdID, m.SessionID, m.Payload, recorded.UnixNano()); err != nil {
			return fmt.Errorf("insert journal message: %w", err)
		}
	}
	return tx.Commit()
}

// RecentMessages returns the newest messages first.
func (j *Journal) RecentMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	var (
		where []string
		args  []any
	)
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.ClOrdID != "" {
		where = append(where, "cl_ord_id = ?")
		args = append(args, f.ClOrdID)
	}
	query := `SELECT id, channel, direction, msg_type, cl_ord_id, session_id, payload, recorded_at FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m        Message
			recorded int64
		)
		if err := rows.Scan(&m.ID, &m.Channel, &m.Direction, &m.MsgType, &m.ClOrdID, &m.SessionID, &m.Payload, &recorded); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.RecordedAt = time.Unix(0, recorded).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneBefore deletes messages recorded before t and reports how many went.
func (j *Journal) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM messages WHERE recorded_at < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}
