package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/and161185/ledgersync/internal/errs"
	"github.com/and161185/ledgersync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

const accountColumns = `id, qbo_id, name, classification, currency_ref, account_type, active, current_balance, parent_id, created_at, updated_at`

// List returns accounts ordered by name, optionally filtered by a case-insensitive name prefix.
func (r *AccountRepo) List(ctx context.Context, prefix string) ([]model.Account, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if prefix == "" {
		const q = `SELECT ` + accountColumns + ` FROM accounts ORDER BY name, qbo_id`
		rows, err = r.db.Pool.Query(ctx, q)
	} else {
		const q = `SELECT ` + accountColumns + ` FROM accounts WHERE lower(name) LIKE lower($1) ESCAPE '\' ORDER BY name, qbo_id`
		rows, err = r.db.Pool.Query(ctx, q, likePrefix(prefix))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindByQBOIDs loads the accounts that already exist among qboIDs in one round trip.
func (r *AccountRepo) FindByQBOIDs(ctx context.Context, qboIDs []string) (map[string]model.Account, error) {
	out := make(map[string]model.Account, len(qboIDs))
	if len(qboIDs) == 0 {
		return out, nil
	}
	const q = `SELECT ` + accountColumns + ` FROM accounts WHERE qbo_id = ANY($1)`
	rows, err := r.db.Pool.Query(ctx, q, qboIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[a.QBOID] = a
	}
	return out, rows.Err()
}

// GetByQBOID returns a single account by external id.
func (r *AccountRepo) GetByQBOID(ctx context.Context, qboID string) (*model.Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM accounts WHERE qbo_id=$1`
	a, err := scanAccount(r.db.Pool.QueryRow(ctx, q, qboID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ApplySync writes creates, updates and the checkpoint atomically.
func (r *AccountRepo) ApplySync(
	ctx context.Context, creates, updates []model.Account, cp model.SyncCheckpoint,
) error {
	const ins = `
INSERT INTO accounts (id, qbo_id, name, classification, currency_ref, account_type, active, current_balance, parent_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (qbo_id) DO UPDATE SET
  name=EXCLUDED.name, classification=EXCLUDED.classification, currency_ref=EXCLUDED.currency_ref,
  account_type=EXCLUDED.account_type, active=EXCLUDED.active, current_balance=EXCLUDED.current_balance,
  parent_id=EXCLUDED.parent_id, updated_at=now()`
	const upd = `
UPDATE accounts SET name=$2, classification=$3, currency_ref=$4, account_type=$5,
  active=$6, current_balance=$7, parent_id=$8, updated_at=now()
WHERE qbo_id=$1`
	const ckpt = `
INSERT INTO sync_checkpoints (entity_type, last_sync_at) VALUES ($1,$2)
ON CONFLICT (entity_type) DO UPDATE SET last_sync_at=EXCLUDED.last_sync_at, updated_at=now()`

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		for i := range creates {
			a := &creates[i]
			if a.ID == uuid.Nil {
				id, err := uuid.NewV4()
				if err != nil {
					return err
				}
				a.ID = id
			}
			if _, err := tx.Exec(ctx, ins, a.ID, a.QBOID, a.Name, a.Classification, a.CurrencyRef,
				a.AccountType, a.Active, a.CurrentBalance, a.ParentID); err != nil {
				return fmt.Errorf("insert account %s: %w", a.QBOID, err)
			}
		}
		for _, a := range updates {
			tag, err := tx.Exec(ctx, upd, a.QBOID, a.Name, a.Classification, a.CurrencyRef,
				a.AccountType, a.Active, a.CurrentBalance, a.ParentID)
			if err != nil {
				return fmt.Errorf("update account %s: %w", a.QBOID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("update account %s: %w", a.QBOID, errs.ErrNotFound)
			}
		}
		if _, err := tx.Exec(ctx, ckpt, cp.EntityType, cp.LastSyncAt); err != nil {
			return fmt.Errorf("advance checkpoint: %w", err)
		}
		return nil
	})
}

func scanAccount(row pgx.Row) (model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.QBOID, &a.Name, &a.Classification, &a.CurrencyRef, &a.AccountType,
		&a.Active, &a.CurrentBalance, &a.ParentID, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix turns a literal prefix into a LIKE pattern.
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}
