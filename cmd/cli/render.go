package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/shopspring/decimal"
)

// account is the client-side view of one row of GET /accounts.
type account struct {
	ID             string          `json:"id"`
	QBOID          string          `json:"qbo_id"`
	Name           string          `json:"name"`
	Classification *string         `json:"classification"`
	CurrencyRef    *string         `json:"currency_ref"`
	AccountType    *string         `json:"account_type"`
	Active         bool            `json:"active"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	ParentID       *string         `json:"parent_id"`
	UpdatedAt      *time.Time      `json:"updated_at,omitempty"`
}

type accountDetail struct {
	account
	Ancestors []account `json:"ancestors"`
}

type statusView struct {
	Connection map[string]any `json:"connection"`
	Sync       map[string]any `json:"sync"`
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numStyle    = cellStyle.Align(lipgloss.Right)
)

var accountHeaders = []string{"QBO ID", "NAME", "TYPE", "CLASSIFICATION", "CURRENCY", "BALANCE", "ACTIVE", "PARENT"}

const balanceCol = 5

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func accountRecord(a account) []string {
	return []string{
		a.QBOID,
		a.Name,
		str(a.AccountType),
		str(a.Classification),
		str(a.CurrencyRef),
		a.CurrentBalance.StringFixed(2),
		strconv.FormatBool(a.Active),
		str(a.ParentID),
	}
}

func accountTable(as []account) *table.Table {
	rows := make([][]string, 0, len(as))
	for _, a := range as {
		rows = append(rows, accountRecord(a))
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(accountHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == balanceCol:
				return numStyle
			default:
				return cellStyle
			}
		})
}

// renderAccounts writes accounts as a table, JSON or CSV, plus a balance total for tables.
func renderAccounts(w io.Writer, as []account, format string) error {
	switch format {
	case "json":
		if as == nil {
			as = []account{}
		}
		printJSON(w, as)
		return nil
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(accountHeaders); err != nil {
			return err
		}
		for _, a := range as {
			if err := cw.Write(accountRecord(a)); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case "table", "":
		if len(as) == 0 {
			_, err := fmt.Fprintln(w, "no accounts")
			return err
		}
		total := decimal.Zero
		for _, a := range as {
			total = total.Add(a.CurrentBalance)
		}
		_, err := fmt.Fprintf(w, "%s\n%d accounts, total balance %s\n", accountTable(as), len(as), total.StringFixed(2))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// renderDetail writes one account and its parent chain, nearest first.
func renderDetail(w io.Writer, d accountDetail, format string) error {
	switch format {
	case "json":
		printJSON(w, d)
		return nil
	case "table", "":
		if _, err := fmt.Fprintln(w, accountTable([]account{d.account})); err != nil {
			return err
		}
		if len(d.Ancestors) == 0 {
			_, err := fmt.Fprintln(w, "top-level account")
			return err
		}
		_, err := fmt.Fprintf(w, "ancestors (nearest first):\n%s\n", accountTable(d.Ancestors))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
