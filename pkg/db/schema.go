package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel TEXT NOT NULL,
    direction TEXT NOT NULL,
    msg_type TEXT NOT NULL DEFAULT '',
    cl_ord_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    recorded_at INTEGER NOT NULL -- unix nanoseconds
);

CREATE INDEX IF NOT EXISTS idx_messages_recorded_at ON messages(recorded_at);
`

// ApplyMigrations creates the journal schema and adds columns introduced later.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := ensureColumn(d.DB, "messages", "session_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if _, err := d.DB.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_cl_ord_id ON messages(cl_ord_id)`); err != nil {
		return fmt.Errorf("create cl_ord_id index: %w", err)
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
