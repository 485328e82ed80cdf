package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidemill/keel/internal/record"
	"github.com/tidemill/keel/internal/state"
)

// ApplyFn applies the deterministic state effect of one committed event to
// the projection store. Appliers never write records and never produce
// responses; replay's only job is state reconstruction.
type ApplyFn func(ctx context.Context, key int64, value json.RawMessage) error

// Applier replays committed events against the projection store. Events with
// no registered applier are ignored, which keeps replay tolerant of newer
// event types written by a later version.
type Applier struct {
	store     *state.Store
	blacklist *state.Blacklist
	fns       map[record.ValueType]map[record.Intent]ApplyFn
}

func NewApplier(store *state.Store, blacklist *state.Blacklist) *Applier {
	a := &Applier{
		store:     store,
		blacklist: blacklist,
		fns:       make(map[record.ValueType]map[record.Intent]ApplyFn),
	}
	a.registerBuiltins()
	return a
}

func (a *Applier) register(vt record.ValueType, intent record.Intent, fn ApplyFn) {
	m, ok := a.fns[vt]
	if !ok {
		m = make(map[record.Intent]ApplyFn)
		a.fns[vt] = m
	}
	m[intent] = fn
}

// Apply replays one committed event. Errors indicate corruption or a
// non-deterministic applier and are fatal to the processor.
func (a *Applier) Apply(ctx context.Context, rec *record.Record) error {
	m, ok := a.fns[rec.ValueType]
	if !ok {
		return nil
	}
	fn, ok := m[rec.Intent]
	if !ok {
		return nil
	}
	if err := fn(ctx, rec.Key, rec.Value); err != nil {
		return fmt.Errorf("apply %s.%s at position %d: %w", rec.ValueType, rec.Intent, rec.Position, err)
	}
	return nil
}

// registerBuiltins wires the state effects of the engine's own event types.
// Every applier is idempotent under re-replay from any earlier position.
func (a *Applier) registerBuiltins() {
	put := func(vt record.ValueType) ApplyFn {
		return func(ctx context.Context, key int64, value json.RawMessage) error {
			return a.store.Put(ctx, key, vt, value)
		}
	}
	del := func(vt record.ValueType) ApplyFn {
		return func(ctx context.Context, key int64, value json.RawMessage) error {
			return a.store.Delete(ctx, key, vt)
		}
	}

	a.register(record.ValueTypeProcessInstance, record.IntentElementActivating, put(record.ValueTypeProcessInstance))
	a.register(record.ValueTypeProcessInstance, record.IntentElementActivated, put(record.ValueTypeProcessInstance))
	a.register(record.ValueTypeProcessInstance, record.IntentElementCompleted, del(record.ValueTypeProcessInstance))
	a.register(record.ValueTypeProcessInstance, record.IntentElementTerminated, del(record.ValueTypeProcessInstance))

	a.register(record.ValueTypeJob, record.IntentJobCreated, put(record.ValueTypeJob))
	a.register(record.ValueTypeJob, record.IntentJobFailed, put(record.ValueTypeJob))
	a.register(record.ValueTypeJob, record.IntentJobCompleted, del(record.ValueTypeJob))

	a.register(record.ValueTypeTimer, record.IntentTimerTriggered, del(record.ValueTypeTimer))

	// Replaying an ERROR_CREATED event re-establishes the blacklist entry so
	// a rebuilt replica skips the same poisoned instance.
	a.register(record.ValueTypeError, record.IntentErrorCreated, func(ctx context.Context, key int64, value json.RawMessage) error {
		var ev record.ErrorValue
		if len(value) > 0 {
			if err := json.Unmarshal(value, &ev); err != nil {
				return fmt.Errorf("decode error event: %w", err)
			}
		}
		if ev.ProcessKey <= 0 {
			return nil
		}
		return a.blacklist.Add(ctx, ev.ProcessKey)
	})
}
