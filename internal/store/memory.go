package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"finpilot/internal/models"
)

// MemoryStore keeps everything in maps keyed by tenant then id. Used by tests, the CLI and
// the "memory" database driver.
type MemoryStore struct {
	mu         sync.RWMutex
	rules      map[string]map[string]*models.AutomationRule
	executions map[string]map[string]*models.AutomationExecution
	insights   map[string]map[string]*models.SmartInsight
	forecasts  map[string]map[string]*models.FinancialForecast
	scenarios  map[string]map[string]*models.Scenario
	audit      map[string][]models.AuditEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:      make(map[string]map[string]*models.AutomationRule),
		executions: make(map[string]map[string]*models.AutomationExecution),
		insights:   make(map[string]map[string]*models.SmartInsight),
		forecasts:  make(map[string]map[string]*models.FinancialForecast),
		scenarios:  make(map[string]map[string]*models.Scenario),
		audit:      make(map[string][]models.AuditEvent),
	}
}

func bucket[T any](m map[string]map[string]T, tenantID string) map[string]T {
	b, ok := m[tenantID]
	if !ok {
		b = make(map[string]T)
		m[tenantID] = b
	}
	return b
}

func (s *MemoryStore) CreateRule(_ context.Context, rule *models.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket(s.rules, rule.TenantID)[rule.ID] = rule.Clone()
	return nil
}

func (s *MemoryStore) UpdateRule(_ context.Context, rule *models.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := bucket(s.rules, rule.TenantID)
	if _, ok := b[rule.ID]; !ok {
		return ErrNotFound
	}
	b[rule.ID] = rule.Clone()
	return nil
}

func (s *MemoryStore) GetRule(_ context.Context, tenantID, id string) (*models.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[tenantID][id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListRules(_ context.Context, tenantID string, filter RuleFilter) ([]*models.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AutomationRule, 0, len(s.rules[tenantID]))
	for _, r := range s.rules[tenantID] {
		if filter.TriggerType != "" && r.TriggerType != filter.TriggerType {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[tenantID][id]; !ok {
		return ErrNotFound
	}
	delete(s.rules[tenantID], id)
	return nil
}

func (s *MemoryStore) CountRules(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules[tenantID]), nil
}

func (s *MemoryStore) SaveExecution(_ context.Context, exec *models.AutomationExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket(s.executions, exec.TenantID)[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, tenantID, id string) (*models.AutomationExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[tenantID][id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) FindExecutionByKey(_ context.Context, tenantID, key string) (*models.AutomationExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.executions[tenantID] {
		if e.IdempotencyKey == key {
			return e.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListExecutions(_ context.Context, tenantID string, filter ExecutionFilter) ([]*models.AutomationExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AutomationExecution, 0)
	for _, e := range s.executions[tenantID] {
		if filter.RuleID != "" && e.RuleID != filter.RuleID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountExecutionsSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.executions[tenantID] {
		if e.Status != models.ExecutionSkipped && !e.TriggeredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveInsight(_ context.Context, insight *models.SmartInsight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *insight
	bucket(s.insights, insight.TenantID)[insight.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInsight(_ context.Context, tenantID, id string) (*models.SmartInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.insights[tenantID][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *MemoryStore) ListInsights(_ context.Context, tenantID string, includeDismissed bool) ([]*models.SmartInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.SmartInsight, 0)
	for _, in := range s.insights[tenantID] {
		if in.Dismissed && !includeDismissed {
			continue
		}
		cp := *in
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].GeneratedAt.After(out[j].GeneratedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveForecast(_ context.Context, f *models.FinancialForecast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	bucket(s.forecasts, f.TenantID)[f.ID] = &cp
	return nil
}

func (s *MemoryStore) GetForecast(_ context.Context, tenantID, id string) (*models.FinancialForecast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forecasts[tenantID][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ListForecasts(_ context.Context, tenantID string, forecastType models.ForecastType) ([]*models.FinancialForecast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.FinancialForecast, 0)
	for _, f := range s.forecasts[tenantID] {
		if forecastType != "" && f.Type != forecastType {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.After(out[j].GeneratedAt) })
	return out, nil
}

func (s *MemoryStore) CountForecastsSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, f := range s.forecasts[tenantID] {
		if !f.GeneratedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveScenario(_ context.Context, sc *models.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	bucket(s.scenarios, sc.TenantID)[sc.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScenario(_ context.Context, tenantID, id string) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[tenantID][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

func (s *MemoryStore) ListScenarios(_ context.Context, tenantID string) ([]*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Scenario, 0)
	for _, sc := range s.scenarios[tenantID] {
		cp := *sc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountScenariosSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sc := range s.scenarios[tenantID] {
		if !sc.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendAuditEvent(_ context.Context, ev models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[ev.TenantID] = append(s.audit[ev.TenantID], ev)
	return nil
}

// ListAuditEvents returns events oldest first; limit keeps the most recent ones.
func (s *MemoryStore) ListAuditEvents(_ context.Context, tenantID string, limit int) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.audit[tenantID]
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return append([]models.AuditEvent(nil), evs...), nil
}

var _ Store = (*MemoryStore)(nil)
