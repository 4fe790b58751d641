// Package database provides the pgx-backed alert history store. History is a
// consumed append/query collaborator; its schema stays deliberately minimal.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epiwatch/alertstream/internal/domain"
)

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the alert history table if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS alert_history (
			id UUID PRIMARY KEY,
			level TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create alert_history table: %w", err)
	}
	return nil
}

// HistoryRepo implements domain.AlertHistory on PostgreSQL.
type HistoryRepo struct {
	pool *pgxpool.Pool
}

// NewHistoryRepo creates the repository.
func NewHistoryRepo(pool *pgxpool.Pool) *HistoryRepo {
	return &HistoryRepo{pool: pool}
}

// AppendAlert inserts the alert; replays of the same alert ID are no-ops.
func (r *HistoryRepo) AppendAlert(ctx context.Context, alert domain.AlertMessage) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO alert_history (id, level, alert_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		alert.ID, string(alert.Level), alert.Type, payload, alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert history: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (r *HistoryRepo) RecentAlerts(ctx context.Context, limit int) ([]domain.AlertMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT payload FROM alert_history
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert history: %w", err)
	}
	defer rows.Close()

	var alerts []domain.AlertMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan alert history row: %w", err)
		}
		var alert domain.AlertMessage
		if err := json.Unmarshal(payload, &alert); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert history payload: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert history rows: %w", err)
	}
	return alerts, nil
}

// HealthCheck pings the pool with a short deadline.
func (r *HistoryRepo) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.pool.Ping(ctx)
}

var _ domain.AlertHistory = (*HistoryRepo)(nil)
