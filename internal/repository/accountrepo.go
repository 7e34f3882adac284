package repository

import (
	"context"

	"github.com/and161185/ledgersync/internal/model"
)

// AccountRepository provides access to mirrored ledger accounts.
type AccountRepository interface {
	// List returns all accounts, or those whose name starts with prefix (case-insensitive).
	List(ctx context.Context, prefix string) ([]model.Account, error)

	// FindByQBOIDs returns the existing accounts among the given external ids, keyed by qbo_id.
	FindByQBOIDs(ctx context.Context, qboIDs []string) (map[string]model.Account, error)

	// GetByQBOID returns a single account by its external id.
	GetByQBOID(ctx context.Context, qboID string) (*model.Account, error)

	// ApplySync persists creates, updates and the checkpoint in one transaction.
	ApplySync(ctx context.Context, creates, updates []model.Account, cp model.SyncCheckpoint) error
}

// CheckpointRepository reads sync checkpoints. Writes go through AccountRepository.ApplySync.
type CheckpointRepository interface {
	// Get returns the checkpoint for entityType or errs.ErrNotFound.
	Get(ctx context.Context, entityType string) (*model.SyncCheckpoint, error)
}
