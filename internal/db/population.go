package db

import (
	"context"
	"fmt"
	"time"
)

// PopulationPoint is one player count sample.
type PopulationPoint struct {
	Server  string    `json:"server"`
	Players int       `json:"players"`
	At      time.Time `json:"at"`
}

// AddPopulation records a player count sample for a server.
func (d *Database) AddPopulation(ctx context.Context, p PopulationPoint) error {
	_, err := d.Exec(ctx, `INSERT INTO population (server, players, at) VALUES (?, ?, ?)`,
		p.Server, p.Players, toMillis(p.At))
	if err != nil {
		return fmt.Errorf("failed to record population for %s: %w", p.Server, err)
	}
	return nil
}

// PopulationSince returns the samples of a server taken at or after since,
// oldest first.
func (d *Database) PopulationSince(ctx context.Context, server string, since time.Time) ([]PopulationPoint, error) {
	rows, err := d.Query(ctx, `SELECT server, players, at FROM population WHERE server = ? AND at >= ? ORDER BY at`,
		server, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query population for %s: %w", server, err)
	}
	defer func() { _ = rows.Close() }()

	var out []PopulationPoint
	for rows.Next() {
		var (
			p  PopulationPoint
			at int64
		)
		if err := rows.Scan(&p.Server, &p.Players, &at); err != nil {
			return nil, err
		}
		p.At = fromMillis(at)
		out = append(out, p)
	}
	return out, rows.Err()
}
