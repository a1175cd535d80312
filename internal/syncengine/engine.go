// Package syncengine implements the per-event dispatch rules that turn
// observed changes on one calendar into create/update/delete operations
// on the main calendar and on every other attached calendar's busy
// blocks. It is the state machine at the center of the sync core; the
// ingestor feeds it batches, the scheduler drives it periodically, and
// the reconciler re-derives the same artifacts when drift is detected.
package syncengine

import (
	"context"
	"log"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
)

// Config carries the managed-event naming conventions the transform
// helpers stamp onto every artifact they create.
type Config struct {
	ManagedEventPrefix     string
	SyncTag                string
	BusyBlockTitle         string
	PersonalBusyBlockTitle string
}

// GatewayResolver builds an authenticated Gateway for a given attachment,
// so the fan-out step can reach every other active client calendar
// (each potentially under a different credential) without the engine
// itself knowing about OAuth token management.
type GatewayResolver interface {
	GatewayFor(ctx context.Context, att *store.Attachment) (*gateway.Gateway, error)
}

// Engine is the sync rule evaluator. It is stateless across calls except
// for the Mapping Store and the resolver it was built with.
type Engine struct {
	store    *store.Store
	resolver GatewayResolver
	cfg      Config
}

// New builds an Engine over the given Mapping Store and gateway resolver.
func New(st *store.Store, resolver GatewayResolver, cfg Config) *Engine {
	return &Engine{store: st, resolver: resolver, cfg: cfg}
}

func (e *Engine) logf(format string, args ...any) {
	log.Printf("[SyncEngine] "+format, args...)
}

// eventTimes extracts the (start, end, allDay) triple used across the
// transform and persistence paths.
func eventTimes(ev *calendar.Event) (start, end *calendar.EventDateTime, allDay bool) {
	return ev.Start, ev.End, isAllDay(ev)
}

func ptrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
