package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a player or run does not exist
var ErrNotFound = errors.New("not found")

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string
// The Z suffix ensures the Go sqlite driver parses it back as UTC
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

//go:embed schema.sql
var schema string

// Store provides database access
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Player methods ---

// RecordPlayer creates or refreshes a player seen under guid and records the
// name in its history. It returns the stored record, including the level.
func (s *Store) RecordPlayer(ctx context.Context, guid, name, cleanName string, seen time.Time) (*PlayerRecord, error) {
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	ts := formatTimestamp(seen)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO players (guid, name, clean_name, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			name = excluded.name,
			clean_name = excluded.clean_name,
			last_seen = excluded.last_seen
	`, guid, name, cleanName, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("upserting player: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO player_names (guid, name, clean_name, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guid, clean_name) DO UPDATE SET
			name = excluded.name,
			last_seen = excluded.last_seen
	`, guid, name, cleanName, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("recording player name: %w", err)
	}

	p, err := scanPlayer(tx.QueryRowContext(ctx, `
		SELECT guid, name, clean_name, level, first_seen, last_seen FROM players WHERE guid = ?
	`, guid))
	if err != nil {
		return nil, fmt.Errorf("reading player: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return p, nil
}

// GetPlayer returns a player by GUID
func (s *Store) GetPlayer(ctx context.Context, guid string) (*PlayerRecord, error) {
	p, err := scanPlayer(s.db.QueryRowContext(ctx, `
		SELECT guid, name, clean_name, level, first_seen, last_seen FROM players WHERE guid = ?
	`, guid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("player %s: %w", guid, ErrNotFound)
	}
	return p, err
}

// PlayerLevel returns the access level of a GUID; unknown GUIDs are level 0
func (s *Store) PlayerLevel(ctx context.Context, guid string) (int, error) {
	var level int
	err := s.db.QueryRowContext(ctx, "SELECT level FROM players WHERE guid = ?", guid).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return level, err
}

// SetPlayerLevel changes the access level of a known GUID
func (s *Store) SetPlayerLevel(ctx context.Context, guid string, level int) error {
	result, err := s.db.ExecContext(ctx, "UPDATE players SET level = ? WHERE guid = ?", level, guid)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("player %s: %w", guid, ErrNotFound)
	}
	return nil
}

// SearchPlayers finds players whose current or past clean name contains
// query, or whose GUID equals it
func (s *Store) SearchPlayers(ctx context.Context, query string, limit int) ([]PlayerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.guid, p.name, p.clean_name, p.level, p.first_seen, p.last_seen
		FROM players p
		WHERE p.guid = ?
		   OR p.clean_name LIKE '%' || ? || '%'
		   OR EXISTS (SELECT 1 FROM player_names pn WHERE pn.guid = p.guid AND pn.clean_name LIKE '%' || ? || '%')
		ORDER BY p.last_seen DESC
		LIMIT ?
	`, query, query, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []PlayerRecord
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, *p)
	}
	return players, rows.Err()
}

// GetPlayerNames returns all names a GUID has used, most recent first
func (s *Store) GetPlayerNames(ctx context.Context, guid string) ([]NameRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, clean_name, first_seen, last_seen
		FROM player_names
		WHERE guid = ?
		ORDER BY last_seen DESC, id DESC
	`, guid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []NameRecord
	for rows.Next() {
		var n NameRecord
		if err := rows.Scan(&n.Name, &n.CleanName, &n.FirstSeen, &n.LastSeen); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// --- Run methods ---

// StartRun records the start of a connect..disconnect span
func (s *Store) StartRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, server, address, started_at) VALUES (?, ?, ?, ?)
	`, run.ID, run.Server, run.Address, formatTimestamp(run.StartedAt))
	return err
}

// EndRun closes a run
func (s *Store) EndRun(ctx context.Context, id string, endedAt time.Time, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL
	`, formatTimestamp(endedAt), reason, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("open run %s: %w", id, ErrNotFound)
	}
	return nil
}

// EndOpenRuns closes runs a crashed process left open for a server
func (s *Store) EndOpenRuns(ctx context.Context, server string, endedAt time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, end_reason = 'abandoned' WHERE server = ? AND ended_at IS NULL
	`, formatTimestamp(endedAt), server)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetRuns returns the most recent runs of a server
func (s *Store) GetRuns(ctx context.Context, server string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server, address, started_at, ended_at, end_reason
		FROM runs WHERE server = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, server, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
