package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ArchiveSchema is the schema name the message archive is attached under.
const ArchiveSchema = "imsg"

//go:embed schema.sql
var schemaSQL string

// Open opens the index store at indexPath, creates its tables if needed and
// attaches the archive at archivePath read-only. The returned handle holds a
// single connection: ATTACH is per connection, and the store has one writer.
func Open(indexPath, archivePath string) (*sql.DB, error) {
	db, err := OpenIndex(indexPath)
	if err != nil {
		return nil, err
	}
	if err := Attach(db, archivePath); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenIndex opens (creating if needed) the index store without an archive.
func OpenIndex(indexPath string) (*sql.DB, error) {
	if dir := filepath.Dir(indexPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// busy_timeout reduces SQLITE_BUSY errors while Messages writes the archive.
	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL"},
		{"PRAGMA synchronous = NORMAL", "set synchronous"},
		{"PRAGMA busy_timeout = 5000", "set busy_timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// Attach attaches the message archive read-only under ArchiveSchema.
func Attach(db *sql.DB, archivePath string) error {
	if _, err := os.Stat(archivePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("archive not found at %s (Full Disk Access required for Terminal)", archivePath)
		}
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	uri, err := readOnlyURI(archivePath)
	if err != nil {
		return err
	}
	if _, err := db.Exec("ATTACH DATABASE ? AS "+ArchiveSchema, uri); err != nil {
		return fmt.Errorf("failed to attach archive: %w", err)
	}
	return nil
}

func readOnlyURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve archive path: %w", err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "mode=ro"}
	return u.String(), nil
}
