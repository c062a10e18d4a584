package storage

import (
	"database/sql"
	"time"
)

// PlayerRecord is a player known by GUID across all servers
type PlayerRecord struct {
	GUID      string    `json:"guid"`
	Name      string    `json:"name"`
	CleanName string    `json:"clean_name"`
	Level     int       `json:"level"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// NameRecord is one name a GUID has used
type NameRecord struct {
	Name      string    `json:"name"`
	CleanName string    `json:"clean_name"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Run is one connect..disconnect span of a managed server
type Run struct {
	ID        string     `json:"id"`
	Server    string     `json:"server"`
	Address   string     `json:"address"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
}

func scanNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

func scanNullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanPlayer(row scanner) (*PlayerRecord, error) {
	var p PlayerRecord
	if err := row.Scan(&p.GUID, &p.Name, &p.CleanName, &p.Level, &p.FirstSeen, &p.LastSeen); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var endedAt sql.NullTime
	var reason sql.NullString
	if err := row.Scan(&r.ID, &r.Server, &r.Address, &r.StartedAt, &endedAt, &reason); err != nil {
		return nil, err
	}
	r.EndedAt = scanNullTime(endedAt)
	r.EndReason = scanNullStringValue(reason)
	return &r, nil
}
