// Package driver runs the partition processing loop: a single goroutine that
// replays the stream to rebuild state, then consumes commands, runs scheduled
// tasks, and commits results back to the stream. All engine, state, and
// scheduler access happens on this goroutine; the only things other
// goroutines touch are the stream (new commands), the scheduler queue, and
// the lifecycle controls.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidemill/keel/internal/engine"
	"github.com/tidemill/keel/internal/events"
	"github.com/tidemill/keel/internal/log"
	"github.com/tidemill/keel/internal/metrics"
	"github.com/tidemill/keel/internal/record"
	"github.com/tidemill/keel/internal/respond"
	"github.com/tidemill/keel/internal/schedule"
	"github.com/tidemill/keel/internal/state"
	"github.com/tidemill/keel/internal/stream"
)

// ErrClosed is returned by SubmitCommand after the driver has shut down.
var ErrClosed = errors.New("driver: closed")

// Config tunes the loop; zero values get sane defaults.
type Config struct {
	Partition int
	// ReadBatch is how many records a single replay read pulls.
	ReadBatch int
	// IdleWait bounds how long the loop sleeps when nothing is due. Wakeups
	// normally come from stream and scheduler notifications; this is the
	// backstop poll interval.
	IdleWait time.Duration
}

func (c *Config) defaults() {
	if c.ReadBatch <= 0 {
		c.ReadBatch = 256
	}
	if c.IdleWait <= 0 {
		c.IdleWait = time.Second
	}
}

// Driver owns one partition. Run must be called exactly once.
type Driver struct {
	cfg       Config
	engine    *engine.Engine
	log       *stream.Log
	store     *state.Store
	scheduler *schedule.Service
	responder *respond.Dispatcher
	hub       *events.Hub
	metrics   *metrics.Collector
	logger    *slog.Logger

	cursor atomic.Int64 // last stream position handled by the loop

	wake     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// New wires a driver around an initialized engine. The scheduler must be the
// one the engine was initialized with, so that handler-scheduled tasks and
// loop execution share a queue.
func New(cfg Config, eng *engine.Engine, lg *stream.Log, store *state.Store, responder *respond.Dispatcher, hub *events.Hub, collector *metrics.Collector) *Driver {
	cfg.defaults()
	return &Driver{
		cfg:       cfg,
		engine:    eng,
		log:       lg,
		store:     store,
		scheduler: eng.Scheduler(),
		responder: responder,
		hub:       hub,
		metrics:   collector,
		logger:    log.WithPartition(cfg.Partition),
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Cursor is the last stream position the loop has handled. Safe to read from
// any goroutine.
func (d *Driver) Cursor() int64 { return d.cursor.Load() }

// Phase reports the engine lifecycle phase.
func (d *Driver) Phase() engine.Phase { return d.engine.Phase() }

// Pause stops record dispatch and task execution after the in-flight record
// finishes. Scheduled tasks keep queueing while paused.
func (d *Driver) Pause() error {
	if err := d.engine.Pause(); err != nil {
		return err
	}
	d.publishPhase()
	d.poke()
	return nil
}

// Resume continues processing where Pause left off.
func (d *Driver) Resume() error {
	if err := d.engine.Resume(); err != nil {
		return err
	}
	d.publishPhase()
	d.poke()
	return nil
}

// Close shuts the loop down and waits for it to exit. Queued scheduled tasks
// are discarded; the record being processed when Close is called still
// commits.
func (d *Driver) Close() {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.poke()
	})
	<-d.done
}

// SubmitCommand appends a command to the stream on behalf of an external
// client and, if wait is true, blocks until the engine commits a response
// for it or ctx expires. The returned record has its stream position set.
func (d *Driver) SubmitCommand(ctx context.Context, key int64, vt record.ValueType, intent record.Intent, value []byte, wait bool) (record.Record, *engine.Response, error) {
	select {
	case <-d.stopped:
		return record.Record{}, nil, ErrClosed
	default:
	}

	cmd := record.Record{
		Key:       key,
		Type:      record.TypeCommand,
		ValueType: vt,
		Intent:    intent,
		Value:     value,
	}

	var respCh <-chan engine.Response
	if wait {
		cmd.RequestID = respond.NewRequestID()
		respCh = d.responder.Register(cmd.RequestID)
	}

	appended, err := d.log.Append(ctx, []record.Record{cmd})
	if err != nil {
		if wait {
			d.responder.Cancel(cmd.RequestID)
		}
		return record.Record{}, nil, err
	}
	cmd = appended[0]
	if !wait {
		return cmd, nil, nil
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return cmd, nil, ErrClosed
		}
		return cmd, &resp, nil
	case <-ctx.Done():
		d.responder.Cancel(cmd.RequestID)
		return cmd, nil, ctx.Err()
	case <-d.stopped:
		d.responder.Cancel(cmd.RequestID)
		return cmd, nil, ErrClosed
	}
}

// Run replays the stream and then processes live records until ctx is
// cancelled or Close is called. Replay and infrastructure failures (stream
// append, state apply) are fatal and returned as errors.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.done)
	defer d.engine.Close()

	if err := d.replay(ctx); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	if err := d.engine.CompleteReplay(); err != nil {
		return err
	}
	d.hub.Publish(events.TypeReplayDone, map[string]any{"cursor": d.Cursor()})
	d.publishPhase()
	d.logger.Info("replay complete, processing", "cursor", d.Cursor())

	return d.loop(ctx)
}

// replay rebuilds the projection and blacklist from the stream. State is
// rebuilt from scratch so the projection can never drift ahead of the log.
// The cursor lands on the highest source position acknowledged by an event
// or rejection: commands past it were appended but never processed, and the
// live loop picks them up.
func (d *Driver) replay(ctx context.Context) error {
	if err := d.engine.StartReplay(); err != nil {
		return err
	}
	d.publishPhase()

	if err := d.store.Reset(ctx); err != nil {
		return err
	}

	end, err := d.log.LastPosition(ctx)
	if err != nil {
		return err
	}

	var pos, lastSource int64
	for pos < end {
		batch, err := d.log.Read(ctx, pos, d.cfg.ReadBatch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			rec := &batch[i]
			if rec.Position > end {
				// Appended after replay started; the live loop owns it.
				pos = end
				break
			}
			if rec.Type == record.TypeEvent {
				if err := d.engine.Replay(ctx, rec); err != nil {
					return err
				}
				d.metrics.RecordReplayed()
			}
			if rec.Type != record.TypeCommand && rec.SourcePosition > lastSource {
				lastSource = rec.SourcePosition
			}
			pos = rec.Position
		}
	}
	d.cursor.Store(lastSource)
	return nil
}

func (d *Driver) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stopped:
			return nil
		default:
		}

		switch d.engine.Phase() {
		case engine.PhaseClosed:
			return nil
		case engine.PhasePaused:
			d.waitIdle(ctx)
		case engine.PhaseProcessing:
			progressed, err := d.step(ctx)
			if err != nil {
				return err
			}
			if !progressed {
				d.waitIdle(ctx)
			}
		default:
			d.waitIdle(ctx)
		}
	}
}

// step does one unit of work: the next unhandled record if there is one,
// otherwise one due scheduled task. Records win ties so a burst of commands
// is never starved by a busy task queue.
func (d *Driver) step(ctx context.Context) (bool, error) {
	recs, err := d.log.Read(ctx, d.cursor.Load(), 1)
	if err != nil {
		return false, err
	}
	if len(recs) > 0 {
		return true, d.handleRecord(ctx, &recs[0])
	}

	if task := d.scheduler.Pop(); task != nil {
		return true, d.runTask(ctx, task)
	}
	return false, nil
}

func (d *Driver) handleRecord(ctx context.Context, rec *record.Record) error {
	if rec.Type != record.TypeCommand {
		// Events and rejections were applied when their producing command
		// committed; the cursor just moves past them.
		d.cursor.Store(rec.Position)
		return nil
	}

	start := time.Now()
	outcome := metrics.OutcomeProcessed

	result, err := d.engine.Process(ctx, rec, engine.NewResultBuilder(rec.Position))
	switch {
	case errors.Is(err, engine.ErrWrongPhase):
		// A pause or close landed after the loop's phase check. The record
		// was never handled; leave the cursor alone so the next processing
		// pass picks it up.
		return nil
	case errors.Is(err, engine.ErrStateUnavailable):
		return err
	case err != nil:
		// A fresh builder: whatever the failed handler wrote is discarded.
		result = d.engine.OnProcessingError(ctx, err, rec, engine.NewResultBuilder(rec.Position))
		outcome = metrics.OutcomeRejected
	case result.Empty():
		outcome = metrics.OutcomeSkipped
	}

	if err := d.commit(ctx, rec, result); err != nil {
		return err
	}
	d.cursor.Store(rec.Position)

	d.metrics.RecordProcessed(outcome, time.Since(start).Seconds())
	switch outcome {
	case metrics.OutcomeProcessed:
		d.hub.Publish(events.TypeRecordHandled, recordSummary(rec))
	case metrics.OutcomeRejected:
		d.hub.Publish(events.TypeRecordRejected, recordSummary(rec))
	case metrics.OutcomeSkipped:
		d.hub.Publish(events.TypeRecordSkipped, recordSummary(rec))
	}
	return nil
}

// commit writes the result's records atomically, applies its follow-up
// events to the projection, releases the client response, and only then runs
// post-commit side effects. Append and apply failures are fatal: the loop
// cannot know how much of the result took effect.
func (d *Driver) commit(ctx context.Context, cmd *record.Record, result engine.ProcessingResult) error {
	appended, err := d.log.Append(ctx, result.Records)
	if err != nil {
		return fmt.Errorf("append result of %s: %w", cmd, err)
	}
	if err := d.engine.ApplyFollowUps(ctx, appended); err != nil {
		return fmt.Errorf("apply result of %s: %w", cmd, err)
	}

	for i := range appended {
		rec := &appended[i]
		if rec.ValueType != record.ValueTypeError || rec.Intent != record.IntentErrorCreated {
			continue
		}
		// Error events without a resolvable owning entity blacklist nothing.
		if v, err := record.DecodeValue(rec); err == nil {
			if ev, ok := v.(*record.ErrorValue); ok && ev.ProcessKey > 0 {
				d.metrics.BlacklistAdded()
				d.hub.Publish(events.TypeBlacklisted, recordSummary(rec))
			}
		}
	}

	if result.Response != nil {
		d.responder.Dispatch(*result.Response)
	}

	for _, task := range result.PostCommit {
		if err := task(); err != nil {
			d.logger.Warn("post-commit task failed", "record", cmd.String(), "error", err)
		}
	}
	return nil
}

// runTask executes one due scheduled task and appends whatever commands it
// built. Task errors are logged and counted, never fatal: one bad timer must
// not take the partition down.
func (d *Driver) runTask(ctx context.Context, task schedule.Task) error {
	rb := &schedule.ResultBuilder{}
	err := runTaskSafely(task, rb)
	if err != nil {
		d.logger.Warn("scheduled task failed", "error", err)
		d.metrics.TaskExecuted(true)
		d.hub.Publish(events.TypeTaskFailed, map[string]any{"error": err.Error()})
		return nil
	}

	if recs := rb.Records(); len(recs) > 0 {
		if _, err := d.log.Append(ctx, recs); err != nil {
			return fmt.Errorf("append task records: %w", err)
		}
	}
	d.metrics.TaskExecuted(false)
	d.hub.Publish(events.TypeTaskExecuted, map[string]any{"records": len(rb.Records())})
	return nil
}

func runTaskSafely(task schedule.Task, rb *schedule.ResultBuilder) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(rb)
}

// waitIdle blocks until new work can exist: a stream append, a scheduler
// enqueue, a lifecycle change, the next task deadline, or the backstop poll.
// Task deadlines only matter while processing; a paused loop ignores them
// and wakes on resume. The delay never drops below a floor so a task coming
// due between Pop and here cannot turn the loop into a busy spin.
func (d *Driver) waitIdle(ctx context.Context) {
	delay := d.cfg.IdleWait
	if d.engine.Phase() == engine.PhaseProcessing {
		if due, ok := d.scheduler.NextDue(); ok {
			if until := time.Until(due); until < delay {
				delay = until
			}
		}
	}
	if delay < time.Millisecond {
		delay = time.Millisecond
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-d.stopped:
	case <-d.wake:
	case <-d.log.Notify():
	case <-d.scheduler.Notify():
	case <-timer.C:
	}
}

func (d *Driver) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Driver) publishPhase() {
	d.hub.Publish(events.TypePhaseChanged, map[string]any{"phase": d.engine.Phase().String()})
}

func recordSummary(rec *record.Record) map[string]any {
	return map[string]any{
		"position":  rec.Position,
		"key":       rec.Key,
		"valueType": rec.ValueType,
		"intent":    rec.Intent,
	}
}
