package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

type pgDeadLetterRepository struct {
	pool     *pgxpool.Pool
	capacity int
}

// NewPgDeadLetterRepository returns a DeadLetterRepository backed by PostgreSQL.
// After each insert the table is trimmed back to capacity rows.
func NewPgDeadLetterRepository(pool *pgxpool.Pool, capacity int) DeadLetterRepository {
	if capacity <= 0 {
		capacity = 1000
	}
	return &pgDeadLetterRepository{pool: pool, capacity: capacity}
}

func (r *pgDeadLetterRepository) Add(ctx context.Context, dl domain.DeadLetter) error {
	item, err := json.Marshal(dl.Item)
	if err != nil {
		return fmt.Errorf("encode dead letter item: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO dead_letters
			(item_id, recipient_id, severity, category, attempts, reason, last_error, item, failed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		dl.Item.ID, dl.Item.RecipientID, dl.Item.Severity, dl.Item.Payload.Category,
		dl.Item.Attempts, dl.Reason, dl.LastError, item, dl.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	// Evict everything older than the newest capacity rows.
	_, err = tx.Exec(ctx, `
		DELETE FROM dead_letters
		WHERE id <= (SELECT id FROM dead_letters ORDER BY id DESC OFFSET $1 LIMIT 1)`,
		r.capacity,
	)
	if err != nil {
		return fmt.Errorf("trim dead letters: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *pgDeadLetterRepository) List(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 || limit > r.capacity {
		limit = r.capacity
	}
	rows, err := r.pool.Query(ctx, `
		SELECT reason, last_error, item, failed_at
		FROM dead_letters
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	return scanDeadLetters(rows)
}

func (r *pgDeadLetterRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func scanDeadLetters(rows pgx.Rows) ([]domain.DeadLetter, error) {
	var out []domain.DeadLetter
	for rows.Next() {
		var (
			dl   domain.DeadLetter
			item []byte
		)
		if err := rows.Scan(&dl.Reason, &dl.LastError, &item, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(item, &dl.Item); err != nil {
			return nil, fmt.Errorf("decode dead letter item: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
