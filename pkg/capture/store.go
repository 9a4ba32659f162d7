// Package capture records TDS packets crossing a connection into a SQLite
// database for offline inspection.
package capture

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ha1tch/tdsio/pkg/errors"
	"github.com/ha1tch/tdsio/pkg/tds"
)

// Direction is the side that sent a packet.
type Direction int

const (
	Outbound Direction = iota // client to server
	Inbound                   // server to client
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

func parseDirection(s string) (Direction, error) {
	switch s {
	case "out":
		return Outbound, nil
	case "in":
		return Inbound, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Packet is one captured wire packet.
type Packet struct {
	Session   string
	Seq       int64 // order within the session, starting at 1
	Direction Direction
	Time      time.Time
	Header    tds.Header
	Payload   []byte
	Encrypted bool // captured below TLS; Header is zero
}

// Config holds capture store settings.
type Config struct {
	// Path to the database file. Use ":memory:" for an in-memory store.
	Path string

	JournalMode string // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	BusyTimeout int    // Milliseconds
}

// DefaultConfig returns settings for an on-disk store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	remote     TEXT NOT NULL,
	started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS packets (
	session    TEXT NOT NULL REFERENCES sessions(id),
	seq        INTEGER NOT NULL,
	direction  TEXT NOT NULL,
	at         INTEGER NOT NULL,
	type       INTEGER NOT NULL,
	status     INTEGER NOT NULL,
	length     INTEGER NOT NULL,
	spid       INTEGER NOT NULL,
	packet_id  INTEGER NOT NULL,
	encrypted  INTEGER NOT NULL,
	payload    BLOB,
	PRIMARY KEY (session, seq)
);
`

// Store persists captured packets. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	insert *sql.Stmt
	path   string
}

// Open opens or creates the store described by cfg.
func Open(cfg Config) (*Store, error) {
	dsn := cfg.Path
	opts := []string{"_foreign_keys=ON"}
	if cfg.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout))
	}
	if cfg.JournalMode != "" && cfg.Path != ":memory:" {
		opts = append(opts, fmt.Sprintf("_journal_mode=%s", cfg.JournalMode))
	}
	dsn = dsn + "?" + strings.Join(opts, "&")

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, openError(cfg.Path, err)
	}
	// One writer; an in-memory database also lives on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, openError(cfg.Path, err)
	}
	insert, err := db.Prepare(`INSERT INTO packets
		(session, seq, direction, at, type, status, length, spid, packet_id, encrypted, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, openError(cfg.Path, err)
	}

	return &Store{db: db, insert: insert, path: cfg.Path}, nil
}

func openError(path string, err error) error {
	return errors.Wrap(err, errors.ErrCodeCaptureOpen, "opening capture store").
		WithOp("capture.Open").
		WithField("path", path).
		Err()
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.path }

// BeginSession registers a capture session.
func (s *Store) BeginSession(ctx context.Context, id, remote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, remote, started_at) VALUES (?, ?, ?)`,
		id, remote, time.Now().UnixNano())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCaptureWrite, "registering capture session").
			WithOp("Store.BeginSession").
			WithField("session", id).
			Err()
	}
	return nil
}

// Record stores one packet.
func (s *Store) Record(ctx context.Context, p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insert.ExecContext(ctx,
		p.Session, p.Seq, p.Direction.String(), p.Time.UnixNano(),
		int(p.Header.Type), int(p.Header.Status), int(p.Header.Length), int(p.Header.SPID), int(p.Header.PacketID),
		p.Encrypted, p.Payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCaptureWrite, "recording packet").
			WithOp("Store.Record").
			WithField("session", p.Session).
			WithField("seq", p.Seq).
			Err()
	}
	return nil
}

// Sessions returns the recorded session ids, oldest first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Packets returns the packets of a session in capture order.
func (s *Store) Packets(ctx context.Context, session string) ([]Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT seq, direction, at, type, status, length, spid, packet_id, encrypted, payload
		FROM packets WHERE session = ? ORDER BY seq`, session)
	if err != nil {
		return nil, fmt.Errorf("querying packets: %w", err)
	}
	defer rows.Close()

	var packets []Packet
	for rows.Next() {
		var (
			p                               Packet
			dir                             string
			at                              int64
			typ, status, length, spid, pkID int
		)
		if err := rows.Scan(&p.Seq, &dir, &at, &typ, &status, &length, &spid, &pkID, &p.Encrypted, &p.Payload); err != nil {
			return nil, fmt.Errorf("scanning packet: %w", err)
		}
		if p.Direction, err = parseDirection(dir); err != nil {
			return nil, err
		}
		p.Session = session
		p.Time = time.Unix(0, at)
		p.Header = tds.Header{
			Type:     tds.PacketType(typ),
			Status:   tds.PacketStatus(status),
			Length:   uint16(length),
			SPID:     uint16(spid),
			PacketID: uint8(pkID),
		}
		packets = append(packets, p)
	}
	return packets, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert.Close()
	return s.db.Close()
}
