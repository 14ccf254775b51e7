// Package service holds the ledger use cases: fee catalog, invoices, payments
// and the daily financial report. Every mutation takes the acting principal as
// an explicit domain.Actor and forwards it to the audit log.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/infra/observability"
	"github.com/boddenberg/school-ledger-go/internal/port"

	"go.uber.org/zap"
)

// Deps bundles the collaborators shared by the ledger services.
type Deps struct {
	Store    port.LedgerStore
	Sequence *SequenceGenerator
	Audit    port.AuditLog
	Metrics  *observability.Metrics
	Logger   *zap.Logger

	// Location decides which calendar date a timestamp falls on. Defaults to UTC.
	Location *time.Location
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = observability.NewMetrics()
	}
	return d
}

func (d Deps) now() time.Time {
	return d.Now().UTC()
}

// today is the current calendar date in the ledger location.
func (d Deps) today() time.Time {
	return domain.DayIn(d.Now(), d.Location)
}

// recorder buffers audit events and metric updates of a unit of work so they
// are only emitted once it committed. reset is called at the start of every
// attempt since the store may rerun the work.
type recorder struct {
	events []domain.AuditEvent
	after  []func()
}

func (r *recorder) reset() {
	r.events = r.events[:0]
	r.after = r.after[:0]
}

// then registers fn to run after commit.
func (r *recorder) then(fn func()) {
	r.after = append(r.after, fn)
}

func (r *recorder) add(actor domain.Actor, action, entity, id string, at time.Time, changes map[string]any) {
	r.events = append(r.events, domain.AuditEvent{
		Actor:    actor,
		Action:   action,
		Entity:   entity,
		EntityID: id,
		Changes:  changes,
		At:       at,
	})
}

func (r *recorder) flush(ctx context.Context, log port.AuditLog) {
	if log != nil {
		for _, e := range r.events {
			log.Record(ctx, e)
		}
	}
	for _, fn := range r.after {
		fn()
	}
	r.events, r.after = nil, nil
}

func validateActor(actor domain.Actor) error {
	if actor.ID == "" {
		return &domain.ErrValidation{Field: "actor", Message: "acting principal is required"}
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *domain.ErrNotFound
	return errors.As(err, &nf)
}
