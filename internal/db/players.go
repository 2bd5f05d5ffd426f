package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PlayerRecord is the persisted state of one player, keyed by display name.
type PlayerRecord struct {
	Name           string             `json:"name"`
	NormalizedName string             `json:"normalizedName"`
	MinutesOnline  float64            `json:"minutesOnline"`
	LastTiming     time.Time          `json:"lastTiming"`
	LastSeen       time.Time          `json:"lastSeen"`
	LastServer     string             `json:"lastServer"`
	IP             string             `json:"ip,omitempty"`
	Score          int                `json:"score"`
	Kills          int                `json:"kills"`
	Deaths         int                `json:"deaths"`
	Offense        int                `json:"offense"`
	Defense        int                `json:"defense"`
	Style          int                `json:"style"`
	Stats          map[string]float64 `json:"stats"`
}

const playerColumns = `name, normalized_name, minutes_online, last_timing, last_seen, last_server, ip,
	score, kills, deaths, offense, defense, style, stats`

func scanPlayer(row scanner) (*PlayerRecord, error) {
	var (
		p                    PlayerRecord
		lastTiming, lastSeen int64
		stats                string
	)
	if err := row.Scan(
		&p.Name, &p.NormalizedName, &p.MinutesOnline, &lastTiming, &lastSeen, &p.LastServer, &p.IP,
		&p.Score, &p.Kills, &p.Deaths, &p.Offense, &p.Defense, &p.Style, &stats,
	); err != nil {
		return nil, err
	}

	p.LastTiming = fromMillis(lastTiming)
	p.LastSeen = fromMillis(lastSeen)
	p.Stats = make(map[string]float64)
	if stats != "" {
		if err := json.Unmarshal([]byte(stats), &p.Stats); err != nil {
			return nil, fmt.Errorf("corrupt stats for %s: %w", p.Name, err)
		}
	}
	return &p, nil
}

// GetPlayer loads a player by display name.
func (d *Database) GetPlayer(ctx context.Context, name string) (*PlayerRecord, error) {
	row := d.QueryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE name = ?`, name)
	p, err := scanPlayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load player %s: %w", name, err)
	}
	return p, nil
}

// SavePlayer inserts or replaces a player record.
func (d *Database) SavePlayer(ctx context.Context, p *PlayerRecord) error {
	stats := p.Stats
	if stats == nil {
		stats = map[string]float64{}
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats for %s: %w", p.Name, err)
	}

	_, err = d.Exec(ctx, `
	INSERT INTO players (`+playerColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		normalized_name = excluded.normalized_name,
		minutes_online = excluded.minutes_online,
		last_timing = excluded.last_timing,
		last_seen = excluded.last_seen,
		last_server = excluded.last_server,
		ip = excluded.ip,
		score = excluded.score,
		kills = excluded.kills,
		deaths = excluded.deaths,
		offense = excluded.offense,
		defense = excluded.defense,
		style = excluded.style,
		stats = excluded.stats;
	`,
		p.Name, p.NormalizedName, p.MinutesOnline, toMillis(p.LastTiming), toMillis(p.LastSeen), p.LastServer, p.IP,
		p.Score, p.Kills, p.Deaths, p.Offense, p.Defense, p.Style, string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to save player %s: %w", p.Name, err)
	}
	return nil
}

// TopPlayers returns players ordered by time online.
func (d *Database) TopPlayers(ctx context.Context, limit int) ([]PlayerRecord, error) {
	rows, err := d.Query(ctx, `SELECT `+playerColumns+` FROM players ORDER BY minutes_online DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PlayerRecord
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountPlayers returns the number of known players.
func (d *Database) CountPlayers(ctx context.Context) (int, error) {
	var n int
	if err := d.QueryRow(ctx, `SELECT COUNT(*) FROM players`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count players: %w", err)
	}
	return n, nil
}
