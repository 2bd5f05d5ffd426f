package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/snappy"
)

// RelayLog is the replay log of relayed events, grouped into time buckets
// that expire as a whole. Payloads are stored snappy-compressed.
type RelayLog struct {
	db *Database
}

// NewRelayLog returns a replay log backed by d.
func NewRelayLog(d *Database) *RelayLog {
	return &RelayLog{db: d}
}

// Append adds payload to bucket. Every entry of a bucket shares expiresAt;
// the latest value wins.
func (l *RelayLog) Append(ctx context.Context, bucket string, payload []byte, expiresAt time.Time) error {
	exp := toMillis(expiresAt)
	return l.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relay_log (bucket, payload, expires_at) VALUES (?, ?, ?)`,
			bucket, snappy.Encode(nil, payload), exp); err != nil {
			return fmt.Errorf("failed to append to bucket %s: %w", bucket, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE relay_log SET expires_at = ? WHERE bucket = ? AND expires_at != ?`,
			exp, bucket, exp); err != nil {
			return fmt.Errorf("failed to set expiry of bucket %s: %w", bucket, err)
		}
		return nil
	})
}

// Range returns up to limit of the newest entries of bucket, oldest first.
// A limit below one returns the whole bucket.
func (l *RelayLog) Range(ctx context.Context, bucket string, limit int) ([][]byte, error) {
	if limit < 1 {
		limit = -1
	}
	rows, err := l.db.Query(ctx, `
	SELECT payload FROM (
		SELECT id, payload FROM relay_log WHERE bucket = ? ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`, bucket, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket %s: %w", bucket, err)
	}
	defer func() { _ = rows.Close() }()

	var out [][]byte
	for rows.Next() {
		var compressed []byte
		if err := rows.Scan(&compressed); err != nil {
			return nil, err
		}
		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, fmt.Errorf("corrupt entry in bucket %s: %w", bucket, err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

// Purge deletes every entry that expired at or before now.
func (l *RelayLog) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := l.db.Exec(ctx, `DELETE FROM relay_log WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge relay log: %w", err)
	}
	return res.RowsAffected()
}

// Buckets returns the distinct bucket names currently stored, oldest first.
func (l *RelayLog) Buckets(ctx context.Context) ([]string, error) {
	rows, err := l.db.Query(ctx, `SELECT DISTINCT bucket FROM relay_log ORDER BY bucket`)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
