// Package device implements the handler side of the pipeline: the
// active-device admission cache, the relational store behind it, and the
// message handler that persists accepted telemetry.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the relational surface the handler needs: the device table is
// read-only, the message table append-only.
type Store interface {
	ListDeviceIDs(ctx context.Context) ([]int64, error)
	DeviceExists(ctx context.Context, id int64) (bool, error)
	SaveMessage(ctx context.Context, deviceID int64, payload []byte) error
	Close()
}

// PGStore implements Store on a pgx connection pool.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates and probes a connection pool for the given DSN.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 60 * time.Second
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// ListDeviceIDs returns every device id, used to seed the cache at startup.
func (s *PGStore) ListDeviceIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM device`)
	if err != nil {
		return nil, fmt.Errorf("failed to list device ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read device ids: %w", err)
	}
	return ids, nil
}

// DeviceExists reports whether the device table holds the given id.
func (s *PGStore) DeviceExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM device WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up device %d: %w", id, err)
	}
	return exists, nil
}

// SaveMessage inserts one message record inside a short transaction.
// A commit failure propagates to the caller, which must leave the broker
// delivery unacknowledged.
func (s *PGStore) SaveMessage(ctx context.Context, deviceID int64, payload []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO message (device_id, payload, inserted_on) VALUES ($1, $2, now())`,
		deviceID, payload)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}
