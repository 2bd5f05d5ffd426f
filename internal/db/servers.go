package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ServerRecord is the persisted state of one game server, keyed by
// ip:hostport.
type ServerRecord struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	IP             string                 `json:"ip"`
	Port           int                    `json:"port"`
	AdminName      string                 `json:"adminName"`
	AdminEmail     string                 `json:"adminEmail"`
	MaxPlayers     int                    `json:"maxPlayers"`
	Country        string                 `json:"country"`
	MinutesOnline  float64                `json:"minutesOnline"`
	LastTiming     time.Time              `json:"lastTiming"`
	LastSeen       time.Time              `json:"lastSeen"`
	LastFullReport time.Time              `json:"lastFullReport"`
	LastData       map[string]interface{} `json:"lastData"`
	Chat           ChatConfig             `json:"chat"`
}

// ChatConfig is the admin console access for a server.
type ChatConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
	OK       bool   `json:"ok"`
}

// Public returns a copy without console credentials.
func (s ServerRecord) Public() ServerRecord {
	s.Chat.Username = ""
	s.Chat.Password = ""
	s.Chat.URL = ""
	return s
}

const serverColumns = `id, name, ip, port, admin_name, admin_email, max_players, country,
	minutes_online, last_timing, last_seen, last_full_report, last_data,
	chat_enabled, chat_url, chat_username, chat_password, chat_ok`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanServer(row scanner) (*ServerRecord, error) {
	var (
		s                                    ServerRecord
		lastTiming, lastSeen, lastFullReport int64
		lastData                             string
		chatEnabled, chatOK                  int
	)
	if err := row.Scan(
		&s.ID, &s.Name, &s.IP, &s.Port, &s.AdminName, &s.AdminEmail, &s.MaxPlayers, &s.Country,
		&s.MinutesOnline, &lastTiming, &lastSeen, &lastFullReport, &lastData,
		&chatEnabled, &s.Chat.URL, &s.Chat.Username, &s.Chat.Password, &chatOK,
	); err != nil {
		return nil, err
	}

	s.LastTiming = fromMillis(lastTiming)
	s.LastSeen = fromMillis(lastSeen)
	s.LastFullReport = fromMillis(lastFullReport)
	s.Chat.Enabled = chatEnabled != 0
	s.Chat.OK = chatOK != 0

	if lastData != "" {
		if err := json.Unmarshal([]byte(lastData), &s.LastData); err != nil {
			return nil, fmt.Errorf("corrupt last_data for %s: %w", s.ID, err)
		}
	}
	return &s, nil
}

// GetServer loads a server record by id.
func (d *Database) GetServer(ctx context.Context, id string) (*ServerRecord, error) {
	row := d.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load server %s: %w", id, err)
	}
	return s, nil
}

// SaveServer inserts or updates the tracked fields of a server. Console
// settings and the last full report are only written on insert; they have
// their own setters so concurrent pollers don't overwrite each other.
func (d *Database) SaveServer(ctx context.Context, s *ServerRecord) error {
	lastData, err := json.Marshal(s.LastData)
	if err != nil {
		return fmt.Errorf("failed to marshal last_data for %s: %w", s.ID, err)
	}
	if s.LastData == nil {
		lastData = []byte("{}")
	}

	_, err = d.Exec(ctx, `
	INSERT INTO servers (`+serverColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		ip = excluded.ip,
		port = excluded.port,
		admin_name = excluded.admin_name,
		admin_email = excluded.admin_email,
		max_players = excluded.max_players,
		country = CASE WHEN excluded.country != '' THEN excluded.country ELSE servers.country END,
		minutes_online = excluded.minutes_online,
		last_timing = excluded.last_timing,
		last_seen = excluded.last_seen,
		last_data = excluded.last_data;
	`,
		s.ID, s.Name, s.IP, s.Port, s.AdminName, s.AdminEmail, s.MaxPlayers, s.Country,
		s.MinutesOnline, toMillis(s.LastTiming), toMillis(s.LastSeen), toMillis(s.LastFullReport), string(lastData),
		boolToInt(s.Chat.Enabled), s.Chat.URL, s.Chat.Username, s.Chat.Password, boolToInt(s.Chat.OK),
	)
	if err != nil {
		return fmt.Errorf("failed to save server %s: %w", s.ID, err)
	}
	return nil
}

// ListServers returns every server, most recently seen first.
func (d *Database) ListServers(ctx context.Context) ([]ServerRecord, error) {
	return d.queryServers(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY last_seen DESC`)
}

// ListChatServers returns the servers with console scraping enabled.
func (d *Database) ListChatServers(ctx context.Context) ([]ServerRecord, error) {
	return d.queryServers(ctx, `SELECT `+serverColumns+` FROM servers WHERE chat_enabled = 1 AND chat_url != '' ORDER BY id`)
}

func (d *Database) queryServers(ctx context.Context, query string, args ...interface{}) ([]ServerRecord, error) {
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ServerRecord
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// SetChatConfig replaces the console settings of a server.
func (d *Database) SetChatConfig(ctx context.Context, id string, chat ChatConfig) error {
	res, err := d.Exec(ctx, `
	UPDATE servers SET chat_enabled = ?, chat_url = ?, chat_username = ?, chat_password = ?, chat_ok = ?
	WHERE id = ?`,
		boolToInt(chat.Enabled), chat.URL, chat.Username, chat.Password, boolToInt(chat.OK), id)
	if err != nil {
		return fmt.Errorf("failed to set chat config for %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// SetChatOK records whether the last console fetch succeeded.
func (d *Database) SetChatOK(ctx context.Context, id string, ok bool) error {
	res, err := d.Exec(ctx, `UPDATE servers SET chat_ok = ? WHERE id = ?`, boolToInt(ok), id)
	if err != nil {
		return fmt.Errorf("failed to set chat status for %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// SetLastFullReport stamps the time of the last match upload.
func (d *Database) SetLastFullReport(ctx context.Context, id string, at time.Time) error {
	res, err := d.Exec(ctx, `UPDATE servers SET last_full_report = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to stamp report for %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// ServerAddress is the last known address of a server.
type ServerAddress struct {
	IP   string
	Port int
}

// ListServerAddresses returns the stored address of every server with one.
func (d *Database) ListServerAddresses(ctx context.Context) ([]ServerAddress, error) {
	rows, err := d.Query(ctx, `SELECT ip, port FROM servers WHERE ip != '' AND port > 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list server addresses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ServerAddress
	for rows.Next() {
		var a ServerAddress
		if err := rows.Scan(&a.IP, &a.Port); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	return nil
}
