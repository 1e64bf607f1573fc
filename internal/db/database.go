package db

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Database is the snapshot store: one serialized platform per session name,
// upserted on every save. No incremental API; the core only ever writes and
// reads whole snapshots.
type Database struct {
	db *sql.DB
}

type Snapshot struct {
	SessionName  string
	PlatformData []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS platform_snapshots (
		session_name TEXT PRIMARY KEY,
		platform_data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Save upserts the snapshot for a session: created if absent, overwritten
// otherwise.
func (d *Database) Save(sessionName string, snapshot []byte) error {
	_, err := d.db.Exec(`
		INSERT INTO platform_snapshots (session_name, platform_data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_name) DO UPDATE SET
			platform_data = excluded.platform_data,
			updated_at = CURRENT_TIMESTAMP
	`, sessionName, snapshot)
	return err
}

// Load returns the stored snapshot for a session, or nil if none exists.
func (d *Database) Load(sessionName string) ([]byte, error) {
	var data []byte
	err := d.db.QueryRow(
		"SELECT platform_data FROM platform_snapshots WHERE session_name = ?",
		sessionName,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Get returns the full snapshot record, or nil if none exists.
func (d *Database) Get(sessionName string) (*Snapshot, error) {
	row := d.db.QueryRow(
		"SELECT session_name, platform_data, created_at, updated_at FROM platform_snapshots WHERE session_name = ?",
		sessionName,
	)

	var s Snapshot
	err := row.Scan(&s.SessionName, &s.PlatformData, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Delete drops the stored snapshot for a session.
func (d *Database) Delete(sessionName string) error {
	_, err := d.db.Exec("DELETE FROM platform_snapshots WHERE session_name = ?", sessionName)
	return err
}

// SnapshotCount reports how many sessions have a stored snapshot.
func (d *Database) SnapshotCount() (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM platform_snapshots").Scan(&count)
	return count, err
}
