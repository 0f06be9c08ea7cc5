package services

import (
	"context"

	"finpilot/internal/metrics"
	"finpilot/internal/models"
	"finpilot/internal/store"
	"finpilot/pkg/utils"

	"github.com/sirupsen/logrus"
)

// AuditSink receives structured audit events.
type AuditSink interface {
	Emit(ctx context.Context, ev models.AuditEvent)
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, ev models.AuditEvent)

func (f AuditSinkFunc) Emit(ctx context.Context, ev models.AuditEvent) { f(ctx, ev) }

// Auditor stamps events and fans them out to every sink. A nil *Auditor drops events.
type Auditor struct {
	clock   Clock
	metrics *metrics.Collectors
	sinks   []AuditSink
}

func NewAuditor(clock Clock, m *metrics.Collectors, sinks ...AuditSink) *Auditor {
	if clock == nil {
		clock = SystemClock()
	}
	return &Auditor{clock: clock, metrics: m, sinks: sinks}
}

// Record assigns id and timestamp when missing and emits the event.
func (a *Auditor) Record(ctx context.Context, ev models.AuditEvent) {
	if a == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = utils.GenerateID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = a.clock.Now()
	}
	a.metrics.ObserveAudit(string(ev.Type))
	for _, s := range a.sinks {
		s.Emit(ctx, ev)
	}
}

// LogAuditSink writes events to logrus. Security events are logged at error level.
type LogAuditSink struct {
	logger *logrus.Logger
}

func NewLogAuditSink(logger *logrus.Logger) *LogAuditSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogAuditSink{logger: logger}
}

func (s *LogAuditSink) Emit(_ context.Context, ev models.AuditEvent) {
	entry := s.logger.WithFields(logrus.Fields{
		"audit":     true,
		"event_id":  ev.ID,
		"tenant_id": ev.TenantID,
		"type":      ev.Type,
		"entity_id": ev.EntityID,
	})
	if ev.FromStatus != "" || ev.ToStatus != "" {
		entry = entry.WithFields(logrus.Fields{"from": ev.FromStatus, "to": ev.ToStatus})
	}
	if ev.Type == models.AuditSecurityViolation {
		entry.WithField("security", true).Error(ev.Message)
		return
	}
	entry.Info(ev.Message)
}

// StoreAuditSink appends events to the audit table.
type StoreAuditSink struct {
	store  store.AuditStore
	logger *logrus.Logger
}

func NewStoreAuditSink(s store.AuditStore, logger *logrus.Logger) *StoreAuditSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &StoreAuditSink{store: s, logger: logger}
}

func (s *StoreAuditSink) Emit(ctx context.Context, ev models.AuditEvent) {
	if err := s.store.AppendAuditEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.WithError(err).WithField("event_id", ev.ID).Error("failed to persist audit event")
	}
}
