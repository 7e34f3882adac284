// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/ledgersync/internal/model"
)

// TokenRepository stores the single OAuth credential record.
type TokenRepository interface {
	// Get returns the stored token or errs.ErrNotFound.
	Get(ctx context.Context) (*model.Token, error)
	// Save overwrites the stored token in place, or inserts it when none exists.
	// ID and CreatedAt of an existing row are preserved and written back into t.
	Save(ctx context.Context, t *model.Token) error
}
