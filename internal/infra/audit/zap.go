// Package audit provides the audit log sink of the ledger.
package audit

import (
	"context"

	"github.com/boddenberg/school-ledger-go/internal/domain"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ZapLog writes every audit event as one structured log line on a logger
// named "audit", for the audit collaborator to ship.
type ZapLog struct {
	logger *zap.Logger
}

// NewZapLog creates the sink.
func NewZapLog(logger *zap.Logger) *ZapLog {
	return &ZapLog{logger: logger.Named("audit")}
}

// Record logs one event together with the trace it happened in.
func (l *ZapLog) Record(ctx context.Context, e domain.AuditEvent) {
	fields := []zap.Field{
		zap.String("actor_id", e.Actor.ID),
		zap.String("actor_name", e.Actor.Name),
		zap.String("action", e.Action),
		zap.String("entity", e.Entity),
		zap.String("entity_id", e.EntityID),
		zap.Time("at", e.At),
	}
	if len(e.Changes) > 0 {
		fields = append(fields, zap.Any("changes", e.Changes))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	l.logger.Info("audit", fields...)
}
