// Package engine implements the deterministic record-dispatch core of a
// partition: it routes committed records to their handlers, isolates
// poisoned entities via a blacklist, rebuilds state during replay, and
// converts processing failures into rejection records so every command
// leaves a durable, observable outcome.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tidemill/keel/internal/log"
	"github.com/tidemill/keel/internal/record"
	"github.com/tidemill/keel/internal/router"
	"github.com/tidemill/keel/internal/schedule"
	"github.com/tidemill/keel/internal/state"
)

const processingErrorFmt = "Expected to process record '%s' without errors, but error occurred with message '%s'."

// ErrStateUnavailable marks an infrastructure failure reading durable state
// during dispatch. The record was never handled, so it must not be rejected;
// the caller treats the partition as broken instead.
var ErrStateUnavailable = fmt.Errorf("state unavailable")

// Context carries the collaborators the engine is wired with at Init time.
type Context struct {
	Store         *state.Store
	Blacklist     *state.Blacklist
	Scheduler     *schedule.Service
	Registrations []Registration
}

// Engine is the single entry point the partition driver feeds committed
// records into, either as replay (state reconstruction) or as processing
// (live command handling). All methods except Phase, Pause, Resume and Close
// are called only from the driver's processing goroutine.
type Engine struct {
	phase     phaseVar
	routes    *router.Table[Handler]
	store     *state.Store
	blacklist *state.Blacklist
	scheduler *schedule.Service
	applier   *Applier
	logger    *slog.Logger
}

func New() *Engine {
	return &Engine{
		routes: router.NewTable[Handler](),
		logger: log.WithComponent("engine"),
	}
}

// Init wires the engine's collaborators and registers all handlers. It must
// complete before any Replay or Process call. Duplicate registrations are a
// fatal configuration error.
func (e *Engine) Init(ec Context) error {
	if !e.phase.cas(PhaseUninitialized, PhaseInitializing) {
		return fmt.Errorf("init: %w (phase %s)", ErrWrongPhase, e.Phase())
	}
	if ec.Store == nil || ec.Blacklist == nil || ec.Scheduler == nil {
		return fmt.Errorf("init: incomplete engine context")
	}

	e.store = ec.Store
	e.blacklist = ec.Blacklist
	e.scheduler = ec.Scheduler
	e.applier = NewApplier(ec.Store, ec.Blacklist)

	for _, reg := range ec.Registrations {
		if reg.Handler == nil {
			return fmt.Errorf("init: nil handler for (%s, %s, %s)", reg.RecordType, reg.ValueType, reg.Intent)
		}
		if err := e.routes.Register(reg.RecordType, reg.ValueType, reg.Intent, reg.Handler); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}

	e.logger.Info("engine initialized", "handlers", e.routes.Len())
	return nil
}

// Phase returns the current lifecycle phase. Safe from any goroutine.
func (e *Engine) Phase() Phase { return e.phase.get() }

// Scheduler returns the deferred-task service handlers schedule work on.
func (e *Engine) Scheduler() *schedule.Service { return e.scheduler }

// Blacklist exposes the blacklist for the ops surface.
func (e *Engine) Blacklist() *state.Blacklist { return e.blacklist }

// StartReplay transitions Initializing → Replaying.
func (e *Engine) StartReplay() error {
	if !e.phase.cas(PhaseInitializing, PhaseReplaying) {
		return fmt.Errorf("start replay: %w (phase %s)", ErrWrongPhase, e.Phase())
	}
	return nil
}

// CompleteReplay transitions Replaying → Processing once all pre-existing
// log history has been applied.
func (e *Engine) CompleteReplay() error {
	if !e.phase.cas(PhaseReplaying, PhaseProcessing) {
		return fmt.Errorf("complete replay: %w (phase %s)", ErrWrongPhase, e.Phase())
	}
	return nil
}

// Pause suspends processing and task execution cooperatively: an in-flight
// handler invocation completes, nothing committed is rolled back.
func (e *Engine) Pause() error {
	if !e.phase.cas(PhaseProcessing, PhasePaused) {
		return fmt.Errorf("pause: %w (phase %s)", ErrWrongPhase, e.Phase())
	}
	return nil
}

// Resume continues processing after a pause; all due scheduled tasks become
// eligible again.
func (e *Engine) Resume() error {
	if !e.phase.cas(PhasePaused, PhaseProcessing) {
		return fmt.Errorf("resume: %w (phase %s)", ErrWrongPhase, e.Phase())
	}
	return nil
}

// Close terminates the processor and discards all pending scheduled tasks.
func (e *Engine) Close() {
	e.phase.set(PhaseClosed)
	if e.scheduler != nil {
		e.scheduler.Close()
	}
}

// Replay applies one committed event to the projection store. It never
// invokes command handlers, never writes records, and never triggers
// scheduled tasks. Errors are fatal: a replay failure means corruption or a
// non-deterministic applier, and halting beats silent state divergence.
func (e *Engine) Replay(ctx context.Context, rec *record.Record) error {
	if p := e.Phase(); p != PhaseReplaying {
		return fmt.Errorf("replay: %w (phase %s)", ErrWrongPhase, p)
	}
	return e.applier.Apply(ctx, rec)
}

// ApplyFollowUps applies the committed follow-up events of a processing
// result to the projection store, using the same appliers replay uses. This
// is what keeps live state and replayed state identical: every state change
// flows through an event and its applier, never through the handler
// directly. Errors are fatal for the same reason replay errors are.
func (e *Engine) ApplyFollowUps(ctx context.Context, recs []record.Record) error {
	for i := range recs {
		rec := &recs[i]
		if rec.Type != record.TypeEvent {
			continue
		}
		if err := e.applier.Apply(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Process handles one live record. Missing handlers and blacklisted entities
// yield an empty result, not an error. Errors come in three classes the
// caller must keep apart: ErrWrongPhase means the record was never looked at
// and stays pending, ErrStateUnavailable means the blacklist could not be
// read and the partition must stop, and anything else is a handler failure
// to be passed to OnProcessingError.
func (e *Engine) Process(ctx context.Context, rec *record.Record, rb *ResultBuilder) (result ProcessingResult, err error) {
	if p := e.Phase(); p != PhaseProcessing {
		return EmptyResult, fmt.Errorf("process: %w (phase %s)", ErrWrongPhase, p)
	}

	handler, ok := e.routes.Resolve(rec.Type, rec.ValueType, rec.Intent)
	if !ok {
		e.logger.Debug("no handler registered, skipping record", "record", rec.String())
		return EmptyResult, nil
	}
	if !handler.Accepts(rec.ValueType) {
		e.logger.Error("handler rejected value type, skipping record", "record", rec.String())
		return EmptyResult, nil
	}

	blacklisted, err := e.isBlacklisted(ctx, rec)
	if err != nil {
		return EmptyResult, err
	}
	if blacklisted {
		e.logger.Debug("entity is blacklisted, skipping record", "record", rec.String())
		return EmptyResult, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	err = handler.ProcessRecord(ctx, rec.Position, rec, rb, rb, rb.SetPostCommitTask)
	if err != nil {
		return EmptyResult, err
	}
	return rb.Build(), nil
}

// OnProcessingError is the terminal safety net invoked when Process returned
// an error. It always stages a rejection record and an equivalent rejection
// response; when the failing intent is blacklist-worthy it additionally
// blacklists the owning entity and stages an error event referencing it.
// This path never fails — if part of the recovery cannot be constructed the
// remainder is still returned.
func (e *Engine) OnProcessingError(ctx context.Context, procErr error, rec *record.Record, rb *ResultBuilder) ProcessingResult {
	msg := fmt.Sprintf(processingErrorFmt, rec.String(), procErr.Error())
	e.logger.Error("record processing failed", "record", rec.String(), "error", procErr)

	rb.AppendRejection(rec, record.RejectionProcessingError, msg)
	rb.WriteRejectionResponse(rec, record.RejectionProcessingError, msg)

	if record.ShouldBlacklist(rec.Intent) {
		errValue := record.ErrorValue{
			Message:       procErr.Error(),
			ErrorPosition: rec.Position,
		}
		if key, ok := e.owningEntity(rec); ok {
			errValue.ProcessKey = key
			if blErr := e.blacklist.Add(ctx, key); blErr != nil {
				e.logger.Error("failed to blacklist entity", "entity_key", key, "error", blErr)
			} else {
				e.logger.Warn("entity blacklisted after unrecoverable error",
					"entity_key", key, "record", rec.String())
			}
		}
		rb.AppendFollowUpEvent(rec.Key, record.ValueTypeError, record.IntentErrorCreated, &errValue)
	}

	return rb.Build()
}

// isBlacklisted resolves the record's owning entity and checks the
// blacklist. Records whose payload identifies no entity are never
// blacklisted.
func (e *Engine) isBlacklisted(ctx context.Context, rec *record.Record) (bool, error) {
	key, ok := e.owningEntity(rec)
	if !ok {
		return false, nil
	}
	blacklisted, err := e.blacklist.Contains(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: blacklist lookup for %s: %v", ErrStateUnavailable, rec.String(), err)
	}
	return blacklisted, nil
}

// owningEntity decodes the record's payload and returns the process instance
// key it belongs to, if any. Undecodable payloads resolve to no entity; the
// handler will surface the decode failure itself.
func (e *Engine) owningEntity(rec *record.Record) (int64, bool) {
	value, err := record.DecodeValue(rec)
	if err != nil {
		return 0, false
	}
	related, ok := value.(record.ProcessRelated)
	if !ok {
		return 0, false
	}
	key := related.ProcessInstanceKey()
	if key <= 0 {
		return 0, false
	}
	return key, true
}
