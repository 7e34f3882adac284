// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
)

// EntityAccount is the checkpoint key for the account mirror.
const EntityAccount = "account"

// Token is the single stored OAuth credential. Secrets are plaintext here;
// the repository seals them before they reach the database.
type Token struct {
	ID           uuid.UUID // PK, preserved across refreshes
	AccessToken  string
	RefreshToken string
	RealmID      string // QBO company (tenant) id
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExpiresWithin reports whether the access token is expired or expires inside margin.
func (t *Token) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !now.Before(t.ExpiresAt.Add(-margin))
}

// SyncCheckpoint records the last successful sync pass per entity type.
type SyncCheckpoint struct {
	EntityType string // unique
	LastSyncAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Account is a locally mirrored ledger account.
type Account struct {
	ID             uuid.UUID // internal PK, never sent upstream
	QBOID          string    // external id, unique and immutable
	Name           string
	Classification *string
	CurrencyRef    *string
	AccountType    *string
	Active         bool
	CurrentBalance decimal.Decimal
	ParentID       *string // qbo_id of the parent account
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SameFields reports whether every mutable field of a and b is equal.
func (a Account) SameFields(b Account) bool {
	return a.Name == b.Name &&
		eqStr(a.Classification, b.Classification) &&
		eqStr(a.CurrencyRef, b.CurrencyRef) &&
		eqStr(a.AccountType, b.AccountType) &&
		a.Active == b.Active &&
		a.CurrentBalance.Equal(b.CurrentBalance) &&
		eqStr(a.ParentID, b.ParentID)
}

// CopyFields overwrites every mutable field of a with the values from src.
// QBOID, ID and timestamps are left untouched.
func (a *Account) CopyFields(src Account) {
	a.Name = src.Name
	a.Classification = src.Classification
	a.CurrencyRef = src.CurrencyRef
	a.AccountType = src.AccountType
	a.Active = src.Active
	a.CurrentBalance = src.CurrentBalance
	a.ParentID = src.ParentID
}

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// SyncResult summarises a single sync pass.
type SyncResult struct {
	Skipped   bool // checkpoint was fresh once the lock was held
	Joined    bool // outcome of a run started by a concurrent caller
	Fetched   int
	Created   int
	Updated   int
	Unchanged int
	SyncedAt  time.Time
}

// SyncStatus describes checkpoint freshness for status endpoints.
type SyncStatus struct {
	EntityType string
	LastSyncAt *time.Time
	Stale      bool
}

// ConnectionStatus describes the stored credential without exposing secrets.
type ConnectionStatus struct {
	Connected bool
	RealmID   string
	ExpiresAt time.Time
}
