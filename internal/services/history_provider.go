package services

import (
	"context"
	"sync"
	"time"

	"finpilot/internal/models"
	"finpilot/pkg/utils"
)

// HistoryProvider supplies read-only historical financial data for a tenant.
type HistoryProvider interface {
	GetHistory(ctx context.Context, tenantID string, window models.Window) (*models.FinancialHistory, error)
}

// TenantSnapshotProvider returns the read-only tenant state merged into trigger fact contexts.
type TenantSnapshotProvider interface {
	TenantSnapshot(ctx context.Context, tenantID string) (map[string]interface{}, error)
}

// MemoryHistoryProvider keeps one history per tenant in memory. It backs the CLI
// fixtures and tests.
type MemoryHistoryProvider struct {
	mu      sync.RWMutex
	history map[string]*models.FinancialHistory
}

func NewMemoryHistoryProvider() *MemoryHistoryProvider {
	return &MemoryHistoryProvider{history: make(map[string]*models.FinancialHistory)}
}

// Put replaces the history of h.TenantID.
func (p *MemoryHistoryProvider) Put(h *models.FinancialHistory) {
	p.mu.Lock()
	p.history[h.TenantID] = h
	p.mu.Unlock()
}

// GetHistory returns the tenant's data restricted to window. A tenant without data gets
// an empty history rather than an error.
func (p *MemoryHistoryProvider) GetHistory(_ context.Context, tenantID string, window models.Window) (*models.FinancialHistory, error) {
	p.mu.RLock()
	h, ok := p.history[tenantID]
	p.mu.RUnlock()
	if !ok {
		return &models.FinancialHistory{TenantID: tenantID, Window: window}, nil
	}
	if window.End.IsZero() {
		cp := *h
		return &cp, nil
	}
	return inWindow(h, window), nil
}

// HistorySnapshotProvider derives a small tenant snapshot (cash, burn, runway, recent
// revenue) from a HistoryProvider.
type HistorySnapshotProvider struct {
	history HistoryProvider
	clock   Clock
}

func NewHistorySnapshotProvider(history HistoryProvider, clock Clock) *HistorySnapshotProvider {
	if clock == nil {
		clock = SystemClock()
	}
	return &HistorySnapshotProvider{history: history, clock: clock}
}

func (p *HistorySnapshotProvider) TenantSnapshot(ctx context.Context, tenantID string) (map[string]interface{}, error) {
	now := p.clock.Now()
	h, err := p.history.GetHistory(ctx, tenantID, models.LastDays(now, 120))
	if err != nil {
		return nil, err
	}
	snap := map[string]interface{}{"id": tenantID}
	burn, _ := MonthlyBurn(h, now)
	snap["burn_rate"] = utils.RoundMoney(burn)
	if b, ok := h.LatestBalance(); ok {
		cash := b.Amount.InexactFloat64()
		snap["cash_balance"] = utils.RoundMoney(cash)
		if months, ok := utils.SafeDiv(cash, burn); ok {
			snap["runway_months"] = utils.Round(months, 2)
		}
	}
	recent := 0.0
	from := now.Add(-30 * 24 * time.Hour)
	for _, t := range h.Revenue {
		if !t.Date.Before(from) && t.Date.Before(now) {
			recent += t.Amount.InexactFloat64()
		}
	}
	snap["revenue_last_30d"] = utils.RoundMoney(recent)
	return snap, nil
}
