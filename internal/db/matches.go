package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MatchRecord is a stored end-of-match report.
type MatchRecord struct {
	ID          int64                    `json:"id"`
	Server      string                   `json:"server"`
	At          time.Time                `json:"when"`
	NumPlayers  int                      `json:"numplayers"`
	FullReport  []map[string]interface{} `json:"fullReport"`
	BasicReport map[string]interface{}   `json:"basicReport"`
}

// SaveMatch stores a match report and returns its id.
func (d *Database) SaveMatch(ctx context.Context, m *MatchRecord) (int64, error) {
	full, err := json.Marshal(m.FullReport)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal match report: %w", err)
	}
	basic, err := json.Marshal(m.BasicReport)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal basic report: %w", err)
	}

	res, err := d.Exec(ctx, `
	INSERT INTO matches (server, at, num_players, full_report, basic_report)
	VALUES (?, ?, ?, ?, ?)`,
		m.Server, toMillis(m.At), m.NumPlayers, string(full), string(basic))
	if err != nil {
		return 0, fmt.Errorf("failed to save match for %s: %w", m.Server, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

// RecentMatches returns the latest matches of a server, newest first.
func (d *Database) RecentMatches(ctx context.Context, server string, limit int) ([]MatchRecord, error) {
	rows, err := d.Query(ctx, `
	SELECT id, server, at, num_players, full_report, basic_report
	FROM matches WHERE server = ? ORDER BY at DESC, id DESC LIMIT ?`, server, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches for %s: %w", server, err)
	}
	defer func() { _ = rows.Close() }()

	var out []MatchRecord
	for rows.Next() {
		var (
			m           MatchRecord
			at          int64
			full, basic string
		)
		if err := rows.Scan(&m.ID, &m.Server, &at, &m.NumPlayers, &full, &basic); err != nil {
			return nil, err
		}
		m.At = fromMillis(at)
		if err := json.Unmarshal([]byte(full), &m.FullReport); err != nil {
			return nil, fmt.Errorf("corrupt match %d: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(basic), &m.BasicReport); err != nil {
			return nil, fmt.Errorf("corrupt match %d: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
