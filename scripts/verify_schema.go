package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := "./data/journal.db"
	if v := os.Getenv("JOURNAL_PATH"); v != "" {
		dbPath = v
	}
	fmt.Printf("Verifying journal at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	// 1. Verify messages table
	fmt.Println("\n1. Verifying messages table...")
	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='messages'").Scan(&name)
	if err == sql.ErrNoRows {
		log.Fatalf("✗ messages table missing (start the bridge once to migrate)")
	}
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Println("✓ messages table exists")

	// 2. Verify columns, including those added by later migrations
	fmt.Println("\n2. Verifying columns...")
	want := []string{"id", "channel", "direction", "msg_type", "cl_ord_id", "session_id", "payload", "recorded_at"}
	have := map[string]bool{}
	rows, err := db.Query("PRAGMA table_info(messages)")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	for rows.Next() {
		var (
			cid        int
			col, ctype string
			notnull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &col, &ctype, &notnull, &dflt, &pk); err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		have[col] = true
	}
	rows.Close()
	missing := 0
	for _, col := range want {
		if have[col] {
			fmt.Printf("✓ %s\n", col)
		} else {
			fmt.Printf("✗ %s missing\n", col)
			missing++
		}
	}

	// 3. Verify indexes
	fmt.Println("\n3. Verifying indexes...")
	for _, idx := range []string{"idx_messages_recorded_at", "idx_messages_cl_ord_id"} {
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&name)
		if err != nil {
			fmt.Printf("✗ %s missing\n", idx)
			missing++
			continue
		}
		fmt.Printf("✓ %s\n", idx)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count); err == nil {
		fmt.Printf("\nJournal holds %d frames\n", count)
	}
	if missing > 0 {
		os.Exit(1)
	}
}
