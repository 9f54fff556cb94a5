package outbox

import (
	"database/sql"
	"fmt"
	"time"

	"console-sync/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one operator send still awaiting backend confirmation. Entries
// survive agent restarts so pending-local input is never silently lost.
type Entry struct {
	CorrelationID string
	Phone         string
	Kind          model.ContentKind
	Content       string
	Filename      string
	Payload       []byte
	CreatedAt     time.Time
}

// Outbox persists pending-local sends in a local SQLite file. Rows are
// written on every optimistic send and deleted once the server echo confirms
// the message.
type Outbox struct {
	db *sql.DB
}

func Open(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", path, err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS pending_sends (
		correlation_id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT,
		filename TEXT,
		payload BLOB,
		created_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: create table: %w", err)
	}

	return &Outbox{db: db}, nil
}

func (o *Outbox) Put(entry Entry) error {
	_, err := o.db.Exec(
		`INSERT OR REPLACE INTO pending_sends
		(correlation_id, phone, kind, content, filename, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.CorrelationID, entry.Phone, string(entry.Kind), entry.Content, entry.Filename, entry.Payload, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("outbox: put %s: %w", entry.CorrelationID, err)
	}
	return nil
}

// Confirm removes an entry once its server echo was observed. Unknown ids
// are no-ops so re-delivered confirmations stay harmless.
func (o *Outbox) Confirm(correlationID string) error {
	_, err := o.db.Exec(`DELETE FROM pending_sends WHERE correlation_id = ?`, correlationID)
	if err != nil {
		return fmt.Errorf("outbox: confirm %s: %w", correlationID, err)
	}
	return nil
}

func (o *Outbox) Get(correlationID string) (Entry, error) {
	row := o.db.QueryRow(
		`SELECT correlation_id, phone, kind, content, filename, payload, created_at
		FROM pending_sends WHERE correlation_id = ?`, correlationID)
	return scanEntry(row)
}

// ListForPhone returns the pending sends of one conversation, oldest first,
// so they can be re-surfaced in the transcript when it opens.
func (o *Outbox) ListForPhone(phone string) ([]Entry, error) {
	rows, err := o.db.Query(
		`SELECT correlation_id, phone, kind, content, filename, payload, created_at
		FROM pending_sends WHERE phone = ? ORDER BY created_at ASC`, phone)
	if err != nil {
		return nil, fmt.Errorf("outbox: list for %s: %w", phone, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var entry Entry
	var kind string
	err := row.Scan(&entry.CorrelationID, &entry.Phone, &kind, &entry.Content, &entry.Filename, &entry.Payload, &entry.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("outbox: scan entry: %w", err)
	}
	entry.Kind = model.ContentKind(kind)
	return entry, nil
}

var ErrNotFound = fmt.Errorf("outbox: entry not found")
