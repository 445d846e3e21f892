package repository

import (
	"context"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// DeadLetterRepository is the bounded terminal store for items that will never
// be retried. When full, the oldest entry is evicted.
// The pgx implementation is in pg_deadletter_repo.go; the in-process one,
// also used by tests, is in memory_deadletter_repo.go.
type DeadLetterRepository interface {
	Add(ctx context.Context, dl domain.DeadLetter) error
	// List returns up to limit entries, newest first.
	List(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	Count(ctx context.Context) (int64, error)
}
