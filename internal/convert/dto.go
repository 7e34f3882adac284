// Package convert maps domain models to the JSON shapes served over HTTP.
package convert

import (
	"time"

	model "github.com/and161185/ledgersync/internal/model"
)

// --- helpers ---

func ts(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// --- Accounts ---

// Account is the public representation of a mirrored account.
// The internal row id is exposed as id; qbo_id is the external key.
type Account struct {
	ID             string     `json:"id"`
	QBOID          string     `json:"qbo_id"`
	Name           string     `json:"name"`
	Classification *string    `json:"classification"`
	CurrencyRef    *string    `json:"currency_ref"`
	AccountType    *string    `json:"account_type"`
	Active         bool       `json:"active"`
	CurrentBalance float64    `json:"current_balance"`
	ParentID       *string    `json:"parent_id"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// AccountDetail is a single account with its parent chain, nearest first.
type AccountDetail struct {
	Account
	Ancestors []Account `json:"ancestors"`
}

// ToAccount converts a domain account.
func ToAccount(a model.Account) Account {
	return Account{
		ID:             a.ID.String(),
		QBOID:          a.QBOID,
		Name:           a.Name,
		Classification: a.Classification,
		CurrencyRef:    a.CurrencyRef,
		AccountType:    a.AccountType,
		Active:         a.Active,
		CurrentBalance: a.CurrentBalance.InexactFloat64(),
		ParentID:       a.ParentID,
		CreatedAt:      ts(a.CreatedAt),
		UpdatedAt:      ts(a.UpdatedAt),
	}
}

// ToAccounts converts a slice of domain accounts; nil input yields an empty slice.
func ToAccounts(as []model.Account) []Account {
	out := make([]Account, 0, len(as))
	for _, a := range as {
		out = append(out, ToAccount(a))
	}
	return out
}

// ToAccountDetail combines an account with its ancestors.
func ToAccountDetail(a model.Account, ancestors []model.Account) AccountDetail {
	return AccountDetail{Account: ToAccount(a), Ancestors: ToAccounts(ancestors)}
}

// --- Auth ---

// TokenInfo describes a stored credential. Secrets are never included.
type TokenInfo struct {
	RealmID   string     `json:"realm_id"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// CallbackResponse is returned after a successful authorization callback.
type CallbackResponse struct {
	Message string    `json:"message"`
	RealmID string    `json:"realm_id"`
	Token   TokenInfo `json:"token"`
}

// ToCallbackResponse converts the freshly stored token.
func ToCallbackResponse(t model.Token) CallbackResponse {
	return CallbackResponse{
		Message: "Authentication successful",
		RealmID: t.RealmID,
		Token: TokenInfo{
			RealmID:   t.RealmID,
			ExpiresAt: ts(t.ExpiresAt),
			CreatedAt: ts(t.CreatedAt),
			UpdatedAt: ts(t.UpdatedAt),
		},
	}
}

// ConnectionStatus is the body of /auth/status.
type ConnectionStatus struct {
	Connected bool       `json:"connected"`
	RealmID   string     `json:"realm_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ToConnectionStatus converts model.ConnectionStatus.
func ToConnectionStatus(s model.ConnectionStatus) ConnectionStatus {
	return ConnectionStatus{Connected: s.Connected, RealmID: s.RealmID, ExpiresAt: ts(s.ExpiresAt)}
}

// --- Sync ---

// SyncStatus is the body of /sync/status.
type SyncStatus struct {
	EntityType string     `json:"entity_type"`
	LastSyncAt *time.Time `json:"last_sync_at"`
	Stale      bool       `json:"stale"`
}

// ToSyncStatus converts model.SyncStatus.
func ToSyncStatus(s model.SyncStatus) SyncStatus {
	out := SyncStatus{EntityType: s.EntityType, Stale: s.Stale}
	if s.LastSyncAt != nil {
		out.LastSyncAt = ts(*s.LastSyncAt)
	}
	return out
}

// SyncResult summarises a pass for the CLI and logs.
type SyncResult struct {
	Skipped   bool       `json:"skipped"`
	Joined    bool       `json:"joined"`
	Fetched   int        `json:"fetched"`
	Created   int        `json:"created"`
	Updated   int        `json:"updated"`
	Unchanged int        `json:"unchanged"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

// ToSyncResult converts model.SyncResult.
func ToSyncResult(r model.SyncResult) SyncResult {
	return SyncResult{
		Skipped:   r.Skipped,
		Joined:    r.Joined,
		Fetched:   r.Fetched,
		Created:   r.Created,
		Updated:   r.Updated,
		Unchanged: r.Unchanged,
		SyncedAt:  ts(r.SyncedAt),
	}
}
