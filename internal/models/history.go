package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// BalancePoint is the cash balance observed on a date.
type BalancePoint struct {
	Date   time.Time       `json:"date" yaml:"date"`
	Amount decimal.Decimal `json:"amount" yaml:"amount"`
}

// Transaction is a dated money movement (an expense or a revenue line).
type Transaction struct {
	ID       string          `json:"id" yaml:"id"`
	Date     time.Time       `json:"date" yaml:"date"`
	Amount   decimal.Decimal `json:"amount" yaml:"amount"`
	Category string          `json:"category,omitempty" yaml:"category"`
	Party    string          `json:"party,omitempty" yaml:"party"`
}

// PaymentRecord tracks when an invoice was due and when it was paid.
type PaymentRecord struct {
	InvoiceID string          `json:"invoice_id" yaml:"invoice_id"`
	DueDate   time.Time       `json:"due_date" yaml:"due_date"`
	PaidDate  *time.Time      `json:"paid_date,omitempty" yaml:"paid_date"`
	Amount    decimal.Decimal `json:"amount" yaml:"amount"`
}

// OnTime reports whether the payment was received on or before its due date.
func (p PaymentRecord) OnTime() bool {
	return p.PaidDate != nil && !p.PaidDate.After(p.DueDate)
}

// Budget is a spending limit for a category within a period.
type Budget struct {
	Category    string          `json:"category" yaml:"category"`
	Limit       decimal.Decimal `json:"limit" yaml:"limit"`
	PeriodStart time.Time       `json:"period_start" yaml:"period_start"`
	PeriodEnd   time.Time       `json:"period_end" yaml:"period_end"`
}

// FinancialHistory 租户历史财务数据快照（只读）
type FinancialHistory struct {
	TenantID     string          `json:"tenant_id" yaml:"tenant_id"`
	Window       Window          `json:"window" yaml:"window"`
	CashBalances []BalancePoint  `json:"cash_balances" yaml:"cash_balances"`
	Expenses     []Transaction   `json:"expenses" yaml:"expenses"`
	Revenue      []Transaction   `json:"revenue" yaml:"revenue"`
	Payments     []PaymentRecord `json:"payments" yaml:"payments"`
	Budgets      []Budget        `json:"budgets,omitempty" yaml:"budgets"`
}

// LatestBalance returns the most recent cash balance.
func (h *FinancialHistory) LatestBalance() (BalancePoint, bool) {
	if h == nil || len(h.CashBalances) == 0 {
		return BalancePoint{}, false
	}
	latest := h.CashBalances[0]
	for _, b := range h.CashBalances[1:] {
		if b.Date.After(latest.Date) {
			latest = b
		}
	}
	return latest, true
}

// DataSpan returns the earliest and latest dates covered by any series.
func (h *FinancialHistory) DataSpan() (time.Time, time.Time, bool) {
	var first, last time.Time
	seen := false
	visit := func(t time.Time) {
		if !seen {
			first, last, seen = t, t, true
			return
		}
		if t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	for _, b := range h.CashBalances {
		visit(b.Date)
	}
	for _, t := range h.Expenses {
		visit(t.Date)
	}
	for _, t := range h.Revenue {
		visit(t.Date)
	}
	for _, p := range h.Payments {
		visit(p.DueDate)
	}
	return first, last, seen
}

// SortedTransactions returns a date-ordered copy.
func SortedTransactions(in []Transaction) []Transaction {
	out := append([]Transaction(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
