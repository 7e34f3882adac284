package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/ledgersync/internal/crypto"
	"github.com/and161185/ledgersync/internal/errs"
	"github.com/and161185/ledgersync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// Additional data bound into each sealed column.
var (
	aadAccess  = []byte("tokens.access_token")
	aadRefresh = []byte("tokens.refresh_token")
)

// TokenRepo implements TokenRepository using PostgreSQL. Secrets are sealed before writing.
type TokenRepo struct {
	db     *DB
	sealer *crypto.Sealer
}

// NewTokenRepo constructs a token repository.
func NewTokenRepo(db *DB, sealer *crypto.Sealer) *TokenRepo {
	return &TokenRepo{db: db, sealer: sealer}
}

// Get returns the stored credential with secrets opened.
func (r *TokenRepo) Get(ctx context.Context) (*model.Token, error) {
	const q = `
SELECT id, realm_id, access_token_enc, refresh_token_enc, expires_at, created_at, updated_at
FROM tokens ORDER BY created_at LIMIT 1`
	var (
		t               model.Token
		accEnc, refrEnc []byte
	)
	err := r.db.Pool.QueryRow(ctx, q).Scan(&t.ID, &t.RealmID, &accEnc, &refrEnc, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if t.AccessToken, err = r.sealer.Open(accEnc, aadAccess); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if t.RefreshToken, err = r.sealer.Open(refrEnc, aadRefresh); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	return &t, nil
}

// Save overwrites the single credential row in place or inserts it.
// A concurrent first insert loses on the singleton constraint and is retried as an update.
func (r *TokenRepo) Save(ctx context.Context, t *model.Token) error {
	err := r.save(ctx, t)
	if isUniqueViolation(err) {
		err = r.save(ctx, t)
	}
	return err
}

func (r *TokenRepo) save(ctx context.Context, t *model.Token) error {
	accEnc, err := r.sealer.Seal(t.AccessToken, aadAccess)
	if err != nil {
		return err
	}
	refrEnc, err := r.sealer.Seal(t.RefreshToken, aadRefresh)
	if err != nil {
		return err
	}

	const sel = `SELECT id, created_at FROM tokens ORDER BY created_at LIMIT 1 FOR UPDATE`
	const upd = `
UPDATE tokens SET realm_id=$2, access_token_enc=$3, refresh_token_enc=$4, expires_at=$5, updated_at=$6
WHERE id=$1`
	const ins = `
INSERT INTO tokens (id, realm_id, access_token_enc, refresh_token_enc, expires_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6)`

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		var (
			id        uuid.UUID
			createdAt time.Time
		)
		scanErr := tx.QueryRow(ctx, sel).Scan(&id, &createdAt)
		switch {
		case scanErr == nil:
			if _, err := tx.Exec(ctx, upd, id, t.RealmID, accEnc, refrEnc, t.ExpiresAt, now); err != nil {
				return err
			}
			t.ID, t.CreatedAt, t.UpdatedAt = id, createdAt, now
		case errors.Is(scanErr, pgx.ErrNoRows):
			if t.ID == uuid.Nil {
				if t.ID, err = uuid.NewV4(); err != nil {
					return err
				}
			}
			if _, err := tx.Exec(ctx, ins, t.ID, t.RealmID, accEnc, refrEnc, t.ExpiresAt, now); err != nil {
				return err
			}
			t.CreatedAt, t.UpdatedAt = now, now
		default:
			return scanErr
		}
		return nil
	})
}
