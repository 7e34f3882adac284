package qbo

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/and161185/ledgersync/internal/errs"
	"github.com/and161185/ledgersync/internal/model"
)

// Record is one raw account object from a query response.
type Record struct{ gjson.Result }

// ParseRecord wraps a JSON object. Used by tests and replay tooling.
func ParseRecord(raw string) Record { return Record{gjson.Parse(raw)} }

// ID returns the remote identifier, or "" when absent.
func (r Record) ID() string { return r.Get("Id").String() }

// MapAccount converts a remote record into a local account.
// Id and Name are required; Active defaults to true and CurrentBalance to zero.
func MapAccount(r Record) (model.Account, error) {
	if !r.IsObject() {
		return model.Account{}, fmt.Errorf("account record is not an object: %w", errs.ErrMalformedRemoteRecord)
	}
	id := r.Get("Id")
	if !id.Exists() || id.String() == "" {
		return model.Account{}, fmt.Errorf("account record without Id: %w", errs.ErrMalformedRemoteRecord)
	}
	name := r.Get("Name")
	if !name.Exists() || name.String() == "" {
		return model.Account{}, fmt.Errorf("account %s without Name: %w", id.String(), errs.ErrMalformedRemoteRecord)
	}

	a := model.Account{
		QBOID:          id.String(),
		Name:           name.String(),
		Classification: optString(r.Get("Classification")),
		AccountType:    optString(r.Get("AccountType")),
		CurrencyRef:    optString(r.Get("CurrencyRef.value")),
		ParentID:       optString(r.Get("ParentRef.value")),
		Active:         true,
		CurrentBalance: decimal.Zero,
	}
	if v := r.Get("Active"); v.Exists() && v.Type != gjson.Null {
		a.Active = v.Bool()
	}
	if v := r.Get("CurrentBalance"); v.Exists() && v.Type != gjson.Null {
		raw := v.Raw
		if v.Type == gjson.String {
			raw = v.Str
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return model.Account{}, fmt.Errorf("account %s balance %q: %w", a.QBOID, raw, errs.ErrMalformedRemoteRecord)
		}
		a.CurrentBalance = d
	}
	return a, nil
}

func optString(v gjson.Result) *string {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	s := v.String()
	return &s
}
