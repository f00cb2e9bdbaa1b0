// Package hook dispatches record lifecycle callbacks. Hooks are kept per
// position in registration order and compiled, on every registration
// change, into one ordered slice per scope so that dispatch does not
// filter or allocate.
package hook

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
	"github.com/ajitpratap0/nebuladb/pkg/metrics"
	"github.com/ajitpratap0/nebuladb/pkg/models"
)

// Hook receives record lifecycle events. Hooks are used as map keys, so
// implementations must be comparable; pointer receivers are the norm.
type Hook interface {
	// OnTrigger handles one event. The record may be modified in place for
	// before events, in which case RecordChanged should be returned.
	OnTrigger(ctx context.Context, t Type, rec *models.Record) (Result, error)
	// Scopes lists the scopes the hook handles. Nil means all of them.
	Scopes() []Scope
}

// Unregisterable hooks are told when they are removed from a dispatcher.
type Unregisterable interface {
	OnUnregister()
}

// Func adapts a function into a Hook for the given scopes.
type Func struct {
	Fn        func(ctx context.Context, t Type, rec *models.Record) (Result, error)
	ForScopes []Scope
}

// OnTrigger calls f.Fn
func (f *Func) OnTrigger(ctx context.Context, t Type, rec *models.Record) (Result, error) {
	return f.Fn(ctx, t, rec)
}

// Scopes returns f.ForScopes
func (f *Func) Scopes() []Scope { return f.ForScopes }

// Registration is a hook and its position
type Registration struct {
	Hook     Hook
	Position Position
}

// Dispatcher is owned by a single session and is not safe for concurrent
// use; the session's owner guard serializes access.
type Dispatcher struct {
	byPosition [Last + 1][]Hook
	positions  map[Hook]Position
	compiled   []Hook
	byScope    [scopeCount][]Hook
	inHook     map[models.RID]struct{}
	inHookRecs map[*models.Record]struct{}
	depth      int
	logger     *zap.Logger
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		positions:  make(map[Hook]Position),
		inHook:     make(map[models.RID]struct{}),
		inHookRecs: make(map[*models.Record]struct{}),
		logger:     logger.OrNop(log).With(zap.String("component", "hook_dispatcher")),
	}
}

// Register adds h at pos. Registering a hook again moves it to pos.
func (d *Dispatcher) Register(h Hook, pos Position) error {
	if h == nil {
		return errors.New(errors.ErrorTypeValidation, "hook is nil")
	}
	if pos < First || pos > Last {
		return errors.New(errors.ErrorTypeValidation, "unknown hook position").WithDetail("position", int(pos))
	}
	if old, ok := d.positions[h]; ok {
		d.byPosition[old] = removeHook(d.byPosition[old], h)
	}
	d.positions[h] = pos
	d.byPosition[pos] = append(d.byPosition[pos], h)
	d.compile()
	return nil
}

// Unregister removes h and calls its OnUnregister. It reports whether the
// hook was registered.
func (d *Dispatcher) Unregister(h Hook) bool {
	pos, ok := d.positions[h]
	if !ok {
		return false
	}
	delete(d.positions, h)
	d.byPosition[pos] = removeHook(d.byPosition[pos], h)
	d.compile()

	if u, ok := h.(Unregisterable); ok {
		u.OnUnregister()
	}
	return true
}

// Clear unregisters every hook
func (d *Dispatcher) Clear() {
	for _, h := range append([]Hook(nil), d.compiled...) {
		d.Unregister(h)
	}
}

// Hooks returns the registrations in dispatch order
func (d *Dispatcher) Hooks() []Registration {
	out := make([]Registration, 0, len(d.compiled))
	for _, h := range d.compiled {
		out = append(out, Registration{Hook: h, Position: d.positions[h]})
	}
	return out
}

// Len returns the number of registered hooks
func (d *Dispatcher) Len() int { return len(d.compiled) }

// Active reports whether a dispatch is in progress
func (d *Dispatcher) Active() bool { return d.depth > 0 }

// enter marks rec as being dispatched, by pointer and, once stored, by RID
// so that a hook loading its own record is caught too. It reports false
// when rec is already inside a dispatch.
func (d *Dispatcher) enter(rec *models.Record) bool {
	if _, busy := d.inHookRecs[rec]; busy {
		return false
	}
	if !rec.ID.IsNew() {
		if _, busy := d.inHook[rec.ID]; busy {
			return false
		}
		d.inHook[rec.ID] = struct{}{}
	}
	d.inHookRecs[rec] = struct{}{}
	return true
}

// leave undoes enter. rid is the identity rec had on entry, since a hook
// may save the record and assign it one.
func (d *Dispatcher) leave(rec *models.Record, rid models.RID) {
	delete(d.inHookRecs, rec)
	if !rid.IsNew() {
		delete(d.inHook, rid)
	}
}

// Dispatch runs the hooks of t's scope against rec in compiled order. A
// record already inside a dispatch is not dispatched again and yields
// RecordNotChanged. Skip and SkipIO stop the remaining hooks and are
// returned as is; RecordChanged is remembered and returned when no hook
// short-circuits. A hook error stops dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, t Type, rec *models.Record) (Result, error) {
	hooks := d.byScope[t.Scope()]
	if len(hooks) == 0 || rec == nil {
		return RecordNotChanged, nil
	}

	rid := rec.ID
	if !d.enter(rec) {
		return RecordNotChanged, nil
	}
	d.depth++
	defer func() {
		d.depth--
		d.leave(rec, rid)
	}()

	result := RecordNotChanged
	for _, h := range hooks {
		res, err := h.OnTrigger(ctx, t, rec)
		if err != nil {
			metrics.HookDispatches.WithLabelValues(t.Scope().String(), "error").Inc()
			var typed *errors.Error
			if errors.As(err, &typed) {
				return result, err
			}
			return result, errors.Wrap(err, errors.ErrorTypeInternal, "hook failed").
				WithDetail("event", t.String()).
				WithDetail("rid", rid.String())
		}
		if res.ShortCircuits() {
			result = res
			break
		}
		if res == RecordChanged {
			result = RecordChanged
		}
	}
	metrics.HookDispatches.WithLabelValues(t.Scope().String(), result.String()).Inc()
	return result, nil
}

func (d *Dispatcher) compile() {
	d.compiled = d.compiled[:0]
	for pos := First; pos <= Last; pos++ {
		d.compiled = append(d.compiled, d.byPosition[pos]...)
	}

	for s := range d.byScope {
		d.byScope[s] = nil
	}
	for _, h := range d.compiled {
		scopes := h.Scopes()
		if scopes == nil {
			scopes = AllScopes()
		}
		for _, s := range scopes {
			if s >= 0 && s < scopeCount {
				d.byScope[s] = append(d.byScope[s], h)
			}
		}
	}
	d.logger.Debug("hooks compiled", zap.Int("hooks", len(d.compiled)))
}

func removeHook(hooks []Hook, h Hook) []Hook {
	for i, x := range hooks {
		if x == h {
			return append(hooks[:i], hooks[i+1:]...)
		}
	}
	return hooks
}
