// Package testutil builds Messages archive fixtures for package tests.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Napageneral/isearch/internal/db"
)

// archiveSchema mirrors the parts of chat.db the indexer reads. Columns are
// nullable where the tests need to plant malformed rows.
const archiveSchema = `
CREATE TABLE handle (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	service TEXT NOT NULL DEFAULT 'iMessage'
);
CREATE TABLE chat (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT,
	chat_identifier TEXT,
	display_name TEXT
);
CREATE TABLE message (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT UNIQUE,
	text TEXT,
	attributedBody BLOB,
	handle_id INTEGER DEFAULT 0,
	date INTEGER,
	is_from_me INTEGER DEFAULT 0
);
CREATE TABLE chat_message_join (
	chat_id INTEGER,
	message_id INTEGER,
	message_date INTEGER DEFAULT 0,
	PRIMARY KEY (chat_id, message_id)
);
CREATE TABLE chat_handle_join (
	chat_id INTEGER,
	handle_id INTEGER,
	UNIQUE (chat_id, handle_id)
);
`

// Archive is a writable chat.db fixture.
type Archive struct {
	Path string
	t    testing.TB
	db   *sql.DB
}

// Msg describes a fixture message. Empty strings and nil slices are stored
// as NULL, and NoDate stores a NULL date.
type Msg struct {
	GUID   string
	Text   string
	Body   []byte
	Date   int64
	NoDate bool
	FromMe bool
	Handle int64
}

// NewArchive creates an empty archive file in a temp dir.
func NewArchive(t testing.TB) *Archive {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open archive fixture: %v", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(archiveSchema); err != nil {
		conn.Close()
		t.Fatalf("create archive schema: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &Archive{Path: path, t: t, db: conn}
}

// AddHandle inserts a participant handle.
func (a *Archive) AddHandle(id string) int64 {
	a.t.Helper()
	return a.insert(`INSERT INTO handle (id) VALUES (?)`, id)
}

// AddChat inserts a thread and links its participant handles.
func (a *Archive) AddChat(identifier, displayName string, handles ...int64) int64 {
	a.t.Helper()
	var name any
	if displayName != "" {
		name = displayName
	}
	id := a.insert(`INSERT INTO chat (guid, chat_identifier, display_name) VALUES (?, ?, ?)`,
		"iMessage;-;"+identifier, identifier, name)
	for _, h := range handles {
		a.exec(`INSERT INTO chat_handle_join (chat_id, handle_id) VALUES (?, ?)`, id, h)
	}
	return id
}

// AddMessage inserts a message into chatID and returns its ROWID.
func (a *Archive) AddMessage(chatID int64, m Msg) int64 {
	a.t.Helper()
	var guid, text, body, date any
	if m.GUID != "" {
		guid = m.GUID
	}
	if m.Text != "" {
		text = m.Text
	}
	if m.Body != nil {
		body = m.Body
	}
	if !m.NoDate {
		date = m.Date
	}
	fromMe := 0
	if m.FromMe {
		fromMe = 1
	}
	id := a.insert(`INSERT INTO message (guid, text, attributedBody, handle_id, date, is_from_me) VALUES (?, ?, ?, ?, ?, ?)`,
		guid, text, body, m.Handle, date, fromMe)
	if chatID != 0 {
		a.Join(chatID, id)
	}
	return id
}

// Join adds an existing message to another thread.
func (a *Archive) Join(chatID, messageID int64) {
	a.t.Helper()
	a.exec(`INSERT INTO chat_message_join (chat_id, message_id) VALUES (?, ?)`, chatID, messageID)
}

// Exec runs arbitrary SQL against the fixture.
func (a *Archive) Exec(query string, args ...any) {
	a.t.Helper()
	a.exec(query, args...)
}

func (a *Archive) insert(query string, args ...any) int64 {
	a.t.Helper()
	res, err := a.db.Exec(query, args...)
	if err != nil {
		a.t.Fatalf("archive fixture: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		a.t.Fatalf("archive fixture: %v", err)
	}
	return id
}

func (a *Archive) exec(query string, args ...any) {
	a.t.Helper()
	if _, err := a.db.Exec(query, args...); err != nil {
		a.t.Fatalf("archive fixture: %v", err)
	}
}

// OpenTestDB opens an index store in a temp dir with the archive attached.
func OpenTestDB(t testing.TB, archive *Archive) *sql.DB {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "isearch.db"), archive.Path)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Seconds converts whole seconds since the archive epoch to archive time.
func Seconds(s int64) int64 {
	return s * 1_000_000_000
}
