package postgres

import (
	"context"
	"errors"

	"github.com/and161185/ledgersync/internal/errs"
	"github.com/and161185/ledgersync/internal/model"
	"github.com/jackc/pgx/v5"
)

// CheckpointRepo implements CheckpointRepository using PostgreSQL.
type CheckpointRepo struct{ db *DB }

// NewCheckpointRepo constructs a checkpoint repository.
func NewCheckpointRepo(db *DB) *CheckpointRepo { return &CheckpointRepo{db: db} }

// Get returns the checkpoint of entityType.
func (r *CheckpointRepo) Get(ctx context.Context, entityType string) (*model.SyncCheckpoint, error) {
	const q = `
SELECT entity_type, last_sync_at, created_at, updated_at
FROM sync_checkpoints WHERE entity_type=$1`
	var cp model.SyncCheckpoint
	if err := r.db.Pool.QueryRow(ctx, q, entityType).Scan(&cp.EntityType, &cp.LastSyncAt, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &cp, nil
}
